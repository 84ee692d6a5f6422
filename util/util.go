package util

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "os"
  "os/exec"
  "strings"

  "btrfs_syncd/types"
)

type FileBasedPipe struct {
  read_end  *os.File
  write_end *os.File
}

func NewFileBasedPipe() (*FileBasedPipe, error) {
  read_end, write_end, err := os.Pipe()
  if err != nil { return nil, fmt.Errorf("failed os.Pipe: %v", err) }
  pipe := &FileBasedPipe{
    read_end: read_end,
    write_end: write_end,
  }
  return pipe, nil
}

func (self *FileBasedPipe) ReadFile()  *os.File { return self.read_end }
func (self *FileBasedPipe) WriteFile() *os.File { return self.write_end }

func (self *FileBasedPipe) Close() {
  self.read_end.Close()
  self.write_end.Close()
}

// Returns the exit code stored in `err` (as returned by exec.Cmd.Wait).
// 0 if `err` is nil, -1 if the process did not exit normally or never ran.
func ExitCodeFromErr(err error) int {
  if err == nil { return 0 }
  var exit_err *exec.ExitError
  if errors.As(err, &exit_err) { return exit_err.ExitCode() }
  return -1
}

// Synchronous, runs `args` from `cwd` and waits for it to finish.
// Returns an error wrapping ErrSubprocess if the command cannot start or exits non-zero.
func RunCmd(ctx context.Context, cwd string, args []string) ([]byte, error) {
  if len(args) < 1 { return nil, fmt.Errorf("%w empty command", types.ErrSubprocess) }
  buf_err := new(bytes.Buffer)
  buf_out := new(bytes.Buffer)

  command := exec.CommandContext(ctx, args[0], args[1:]...)
  command.Dir = cwd
  command.Stdout = buf_out
  command.Stderr = buf_err

  Debugf("(cwd=%s) %s", cwd, strings.Join(args, " "))
  err := command.Start()
  if err != nil {
    return nil, fmt.Errorf("%w %v: %v", types.ErrSubprocess, args, err)
  }
  err = command.Wait()
  if err != nil {
    return buf_out.Bytes(), fmt.Errorf("%w %v failed (code=%d): %v\nstderr: %s",
                                       types.ErrSubprocess, args, ExitCodeFromErr(err), err, buf_err.Bytes())
  }
  return buf_out.Bytes(), nil
}

func Coalesce(errs ...error) error {
  for _,err := range errs {
    if err != nil { return err }
  }
  return nil
}

// First non empty string.
func CoalesceStr(strs ...string) string {
  for _,str := range strs {
    if len(str) > 0 { return str }
  }
  return ""
}

func IsOnlyAsciiString(str []byte, allow_ctrl bool) error {
  for idx,chr := range str {
    if chr > 127 { return fmt.Errorf("non ascii char at %d", idx) }
    if !allow_ctrl && chr < 32 { return fmt.Errorf("control char at %d", idx) }
  }
  return nil
}

func IsDir(p string) bool {
  info, err := os.Stat(p)
  return err == nil && info.IsDir()
}

func WrapInChan(err error) <-chan error {
  done := make(chan error, 1)
  done <- err
  close(done)
  return done
}
