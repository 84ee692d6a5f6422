package mocks

import "errors"

var ErrIoPipe = errors.New("pipe_err_io")

// Fails every read and write with `IoErr`.
type ErrorIo struct {
  IoErr error
  CloseErr error
}
func (self *ErrorIo) Read(p []byte) (n int, err error) { return 0, self.IoErr }
func (self *ErrorIo) Write(p []byte) (n int, err error) { return 0, self.IoErr }
func (self *ErrorIo) Close() error { return self.CloseErr }
