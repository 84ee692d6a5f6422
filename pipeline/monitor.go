package pipeline

import (
  "encoding/hex"
  "fmt"
  "hash"
  "io"
  "time"

  "btrfs_syncd/util"

  "github.com/dustin/go-humanize"
  "golang.org/x/crypto/blake2b"
)

// Observes the bytes written to the final sink: count, digest and periodic progress lines.
// Only bytes the sink accepted are accounted.
type streamMonitor struct {
  sink      io.Writer
  label     string
  digest    hash.Hash
  bytes     int64
  start     time.Time
  last_log  time.Time
  interval  time.Duration
  now       func() time.Time
}

func newStreamMonitor(sink io.Writer, label string, interval time.Duration) *streamMonitor {
  // Cannot fail without a key.
  digest, err := blake2b.New256(nil)
  if err != nil { util.Fatalf("blake2b.New256: %v", err) }
  now := time.Now()
  return &streamMonitor{
    sink: sink,
    label: label,
    digest: digest,
    start: now,
    last_log: now,
    interval: interval,
    now: time.Now,
  }
}

func (self *streamMonitor) Write(data []byte) (int, error) {
  cnt, err := self.sink.Write(data)
  if cnt > 0 {
    self.digest.Write(data[:cnt])
    self.bytes += int64(cnt)
  }
  if self.interval > 0 {
    if now := self.now(); now.Sub(self.last_log) >= self.interval {
      self.last_log = now
      util.Infof("%s: %s", self.label, self.Progress())
    }
  }
  return cnt, err
}

func (self *streamMonitor) Bytes() int64 { return self.bytes }

func (self *streamMonitor) HexDigest() string {
  return hex.EncodeToString(self.digest.Sum(nil))
}

func (self *streamMonitor) Rate() float64 {
  elapsed := self.now().Sub(self.start).Seconds()
  if elapsed <= 0 { return 0 }
  return float64(self.bytes) / elapsed
}

// Human readable byte count and average rate, for instance "12 MB (3.0 MB/s)".
func (self *streamMonitor) Progress() string {
  return fmt.Sprintf("%s (%s/s)", humanize.Bytes(uint64(self.bytes)), humanize.Bytes(uint64(self.Rate())))
}
