package pipeline

import (
  "bytes"
  "context"
  "fmt"
  "io"
  "os"
  "os/exec"
  "strings"
  "time"

  "btrfs_syncd/messages"
  "btrfs_syncd/types"
  "btrfs_syncd/util"
)

type pipelineImpl struct {
  buf_size          int
  monitor_cmd       []string
  rate_limit        int64
  progress_interval time.Duration
}

func NewPipeline(conf *types.Config) (types.Pipeline, error) {
  if conf.Transfer.BufferSize < 0 || conf.Transfer.RateLimitBytesPerSec < 0 {
    return nil, fmt.Errorf("%w negative transfer settings", types.ErrBadConfig)
  }
  impl := &pipelineImpl{
    buf_size: conf.Transfer.BufferSize,
    monitor_cmd: conf.Transfer.MonitorCmd,
    rate_limit: conf.Transfer.RateLimitBytesPerSec,
    progress_interval: conf.Transfer.ProgressInterval(),
  }
  return impl, nil
}

// Collects the output of a child so it can be logged when it fails.
func newCmd(ctx context.Context, args []string, cwd string, output *bytes.Buffer) *exec.Cmd {
  cmd := exec.CommandContext(ctx, args[0], args[1:]...)
  cmd.Dir = cwd
  cmd.Stderr = output
  return cmd
}

// Waits for `cmd` and returns its exit code, logging its output if it failed.
func waitCmd(cmd *exec.Cmd, output *bytes.Buffer) int {
  err := cmd.Wait()
  code := util.ExitCodeFromErr(err)
  if err != nil {
    util.Warnf("%s exited with %d: %v\n%s", strings.Join(cmd.Args, " "), code, err, output.String())
  }
  return code
}

func (self *pipelineImpl) relay(ctx context.Context, label string, source io.Reader, sink io.Writer) (*streamMonitor, error) {
  monitor := newStreamMonitor(sink, label, self.progress_interval)
  if self.rate_limit > 0 {
    limit_ctx, stop_limit := context.WithCancel(ctx)
    defer stop_limit()
    source = newRateLimiter(limit_ctx, self.rate_limit).Reader(source)
  }
  _, err := messages.Relay(source, monitor, self.buf_size)
  util.Infof("%s: relayed %s", label, monitor.Progress())
  return monitor, err
}

func (self *pipelineImpl) RunProducer(
    ctx context.Context, send_args []string, cwd string, sink io.Writer) (*types.PipelineResult, error) {
  if len(send_args) < 1 { return nil, fmt.Errorf("%w empty command", types.ErrSubprocess) }
  // Killing the children is how a failed relay unblocks them.
  child_ctx, cancel := context.WithCancel(ctx)
  defer cancel()

  gen_out := new(bytes.Buffer)
  generator := newCmd(child_ctx, send_args, cwd, gen_out)
  var monitor *exec.Cmd
  mon_out := new(bytes.Buffer)
  var source io.ReadCloser
  var err error

  if len(self.monitor_cmd) > 0 {
    pipe, err := util.NewFileBasedPipe()
    if err != nil { return nil, fmt.Errorf("%w %v", types.ErrSubprocess, err) }
    generator.Stdout = pipe.WriteFile()
    monitor = newCmd(child_ctx, self.monitor_cmd, cwd, mon_out)
    monitor.Stdin = pipe.ReadFile()
    // pv and friends draw their progress on stderr.
    monitor.Stderr = io.MultiWriter(os.Stderr, mon_out)
    source, err = monitor.StdoutPipe()
    if err != nil { pipe.Close(); return nil, fmt.Errorf("%w %v", types.ErrSubprocess, err) }

    if err = monitor.Start(); err != nil {
      pipe.Close()
      return nil, fmt.Errorf("%w %v: %v", types.ErrSubprocess, self.monitor_cmd, err)
    }
    err = generator.Start()
    // The children hold their own copies of the pipe ends.
    pipe.Close()
    if err != nil {
      cancel()
      waitCmd(monitor, mon_out)
      return nil, fmt.Errorf("%w %v: %v", types.ErrSubprocess, send_args, err)
    }
  } else {
    source, err = generator.StdoutPipe()
    if err != nil { return nil, fmt.Errorf("%w %v", types.ErrSubprocess, err) }
    if err = generator.Start(); err != nil {
      return nil, fmt.Errorf("%w %v: %v", types.ErrSubprocess, send_args, err)
    }
  }
  util.Infof("(cwd=%s) %s", cwd, strings.Join(send_args, " "))

  stream, relay_err := self.relay(ctx, "send " + send_args[len(send_args)-1], source, sink)
  if relay_err != nil { cancel() }
  result := &types.PipelineResult{
    ExitCode: waitCmd(generator, gen_out),
    Bytes: stream.Bytes(),
    Digest: stream.HexDigest(),
  }
  if monitor != nil {
    if code := waitCmd(monitor, mon_out); code != 0 && relay_err == nil {
      util.Warnf("monitor %v exited with %d", self.monitor_cmd, code)
    }
  }
  if relay_err != nil { return result, relay_err }
  if result.ExitCode != 0 {
    util.Warnf("generator exited with %d after sending %d bytes", result.ExitCode, result.Bytes)
  }
  return result, nil
}

func (self *pipelineImpl) RunConsumer(
    ctx context.Context, recv_args []string, cwd string, source io.Reader) (*types.PipelineResult, error) {
  if len(recv_args) < 1 { return nil, fmt.Errorf("%w empty command", types.ErrSubprocess) }
  app_out := new(bytes.Buffer)
  applier := newCmd(ctx, recv_args, cwd, app_out)
  applier.Stdout = app_out
  sink, err := applier.StdinPipe()
  if err != nil { return nil, fmt.Errorf("%w %v", types.ErrSubprocess, err) }
  if err = applier.Start(); err != nil {
    return nil, fmt.Errorf("%w %v: %v", types.ErrSubprocess, recv_args, err)
  }
  util.Infof("(cwd=%s) %s", cwd, strings.Join(recv_args, " "))

  stream, relay_err := self.relay(ctx, "receive " + recv_args[len(recv_args)-1], source, sink)
  // The applier sees EOF, a truncated stream makes it fail on its own.
  sink.Close()
  result := &types.PipelineResult{
    ExitCode: waitCmd(applier, app_out),
    Bytes: stream.Bytes(),
    Digest: stream.HexDigest(),
  }
  return result, relay_err
}
