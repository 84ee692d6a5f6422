package mocks

import (
  "context"
  "encoding/hex"
  "fmt"
  "io"
  "sync"

  "btrfs_syncd/types"

  "golang.org/x/crypto/blake2b"
)

func Digest(data []byte) string {
  sum := blake2b.Sum256(data)
  return hex.EncodeToString(sum[:])
}

// Producer writes `Data` into the sink, consumer collects what it reads.
type Pipeline struct {
  ErrBase
  Mutex    sync.Mutex
  Data     []byte
  // When >= 0 the producer stops after this many bytes and fails with ErrTransfer.
  FailAfter int
  ExitCode int
  Received [][]byte
  Calls    [][]string
}

func NewPipeline(data []byte) *Pipeline {
  return &Pipeline{ Data: data, FailAfter: -1, }
}

func (self *Pipeline) record(args []string) {
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  self.Calls = append(self.Calls, args)
}

func (self *Pipeline) RunProducer(
    ctx context.Context, send_args []string, cwd string, sink io.Writer) (*types.PipelineResult, error) {
  if len(send_args) == 0 || sink == nil { return nil, fmt.Errorf("RunProducer bad args") }
  self.record(send_args)
  if err := self.inject(self.RunProducer); err != nil { return nil, err }
  data := self.Data
  if self.FailAfter >= 0 && self.FailAfter < len(data) { data = data[:self.FailAfter] }
  cnt, err := sink.Write(data)
  result := &types.PipelineResult{ ExitCode: self.ExitCode, Bytes: int64(cnt), Digest: Digest(data[:cnt]), }
  if err != nil { return result, fmt.Errorf("%w %v", types.ErrTransfer, err) }
  if len(data) < len(self.Data) { return result, fmt.Errorf("%w connection dropped", types.ErrTransfer) }
  return result, nil
}

func (self *Pipeline) RunConsumer(
    ctx context.Context, recv_args []string, cwd string, source io.Reader) (*types.PipelineResult, error) {
  if len(recv_args) == 0 || source == nil { return nil, fmt.Errorf("RunConsumer bad args") }
  self.record(recv_args)
  if err := self.inject(self.RunConsumer); err != nil { return nil, err }
  data, err := io.ReadAll(source)
  self.Mutex.Lock()
  self.Received = append(self.Received, data)
  self.Mutex.Unlock()
  result := &types.PipelineResult{ ExitCode: self.ExitCode, Bytes: int64(len(data)), Digest: Digest(data), }
  if err != nil { return result, fmt.Errorf("%w %v", types.ErrTransfer, err) }
  return result, nil
}

func (self *Pipeline) CallCount() int {
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  return len(self.Calls)
}
