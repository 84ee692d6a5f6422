package messages

import (
  "errors"
  "fmt"
  "io"

  "btrfs_syncd/types"
)

// Big enough to amortize syscalls over multi-gigabyte send streams.
const DefaultRelayBufSize = 16 * 1024 * 1024

// Copies `source` into `sink` in `buf_size` chunks until `source` returns EOF.
// Stops at the first read or write error without draining the rest.
// A non positive `buf_size` means DefaultRelayBufSize.
// Returns the number of bytes written to `sink`.
func Relay(source io.Reader, sink io.Writer, buf_size int) (int64, error) {
  if buf_size <= 0 { buf_size = DefaultRelayBufSize }
  buf := make([]byte, buf_size)
  var total int64

  for {
    r_cnt, r_err := source.Read(buf)
    if r_cnt > 0 {
      w_cnt, w_err := sink.Write(buf[:r_cnt])
      total += int64(w_cnt)
      if w_err != nil { return total, fmt.Errorf("%w write: %v", types.ErrTransfer, w_err) }
      if w_cnt != r_cnt {
        return total, fmt.Errorf("%w short write %d/%d", types.ErrTransfer, w_cnt, r_cnt)
      }
    }
    if errors.Is(r_err, io.EOF) { return total, nil }
    if r_err != nil { return total, fmt.Errorf("%w read: %v", types.ErrTransfer, r_err) }
  }
}
