package pipeline

import (
  "context"
  "io"
  "sync"
  "time"
)

const rateLimitTick = 125 * time.Millisecond

// Token bucket refilled every 1/8th of a second, never holding more than one second worth of bytes.
// One instance per transfer, stopped when its context is done.
type rateLimiter struct {
  mutex     sync.Mutex
  cond      *sync.Cond
  per_sec   int64
  available int64
  stopped   bool
}

func newRateLimiter(ctx context.Context, per_sec int64) *rateLimiter {
  limiter := &rateLimiter{ per_sec: per_sec, }
  limiter.cond = sync.NewCond(&limiter.mutex)
  refill := per_sec / int64(time.Second / rateLimitTick)
  if refill < 1 { refill = 1 }

  go func() {
    ticker := time.NewTicker(rateLimitTick)
    defer ticker.Stop()
    for {
      select {
        case <-ticker.C:
          limiter.mutex.Lock()
          limiter.available += refill
          if limiter.available > limiter.per_sec { limiter.available = limiter.per_sec }
          limiter.cond.Broadcast()
          limiter.mutex.Unlock()
        case <-ctx.Done():
          limiter.mutex.Lock()
          limiter.stopped = true
          limiter.cond.Broadcast()
          limiter.mutex.Unlock()
          return
      }
    }
  }()
  return limiter
}

// Blocks until some budget is available, returns at most `want` bytes of it.
func (self *rateLimiter) reserve(want int) (int, error) {
  self.mutex.Lock()
  defer self.mutex.Unlock()
  for self.available <= 0 && !self.stopped { self.cond.Wait() }
  if self.stopped { return 0, context.Canceled }
  n := int64(want)
  if n > self.available { n = self.available }
  self.available -= n
  return int(n), nil
}

func (self *rateLimiter) giveBack(n int) {
  if n <= 0 { return }
  self.mutex.Lock()
  defer self.mutex.Unlock()
  self.available += int64(n)
  if self.available > self.per_sec { self.available = self.per_sec }
}

type rateLimitedReader struct {
  limiter *rateLimiter
  reader  io.Reader
}

func (self *rateLimiter) Reader(r io.Reader) io.Reader {
  return &rateLimitedReader{ limiter: self, reader: r, }
}

func (self *rateLimitedReader) Read(dst []byte) (int, error) {
  if len(dst) == 0 { return self.reader.Read(dst) }
  n, err := self.limiter.reserve(len(dst))
  if err != nil { return 0, err }
  read, err := self.reader.Read(dst[:n])
  // Unused budget goes back to the bucket.
  self.limiter.giveBack(n - read)
  return read, err
}
