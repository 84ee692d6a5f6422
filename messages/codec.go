package messages

import (
  "bufio"
  "bytes"
  "encoding/json"
  "errors"
  "fmt"
  "io"

  "btrfs_syncd/types"
)

const (
  MessageDelimiter = '\n'
  // Control messages are tiny, anything longer is garbage.
  MaxMessageLen = 64 * 1024
)

// Message types that know how to check their own required fields.
type Message interface {
  decodeStrict(data []byte) error
}

func Encode(msg interface{}) ([]byte, error) {
  data, err := json.Marshal(msg)
  if err != nil { return nil, fmt.Errorf("%w encode: %v", types.ErrProtocol, err) }
  // json.Marshal escapes control chars inside strings, so this never splits a message.
  return append(data, MessageDelimiter), nil
}

// Accepts the message with or without its trailing delimiter.
func Decode(data []byte, msg Message) error {
  data = bytes.TrimSuffix(data, []byte{MessageDelimiter})
  if bytes.IndexByte(data, MessageDelimiter) >= 0 {
    return fmt.Errorf("%w more than one line in message", types.ErrProtocol)
  }
  return msg.decodeStrict(data)
}

func unmarshal(data []byte, raw interface{}) error {
  if err := json.Unmarshal(data, raw); err != nil {
    return fmt.Errorf("%w malformed json: %v", types.ErrProtocol, err)
  }
  return nil
}

type rawAuthResult struct {
  Success *bool   `json:"success"`
  NewPort *int    `json:"new_port"`
  Reason  *string `json:"reason"`
}

func (self *AuthResult) decodeStrict(data []byte) error {
  raw := rawAuthResult{}
  if err := unmarshal(data, &raw); err != nil { return err }
  if raw.Success == nil { return fmt.Errorf("%w auth result without 'success'", types.ErrProtocol) }
  *self = AuthResult{ Success: *raw.Success, }
  if self.Success {
    if raw.NewPort == nil { return fmt.Errorf("%w auth result without 'new_port'", types.ErrProtocol) }
    if *raw.NewPort < 1 || *raw.NewPort > 65535 {
      return fmt.Errorf("%w bad port %d", types.ErrProtocol, *raw.NewPort)
    }
    self.NewPort = *raw.NewPort
    return nil
  }
  if raw.Reason == nil { return fmt.Errorf("%w auth failure without 'reason'", types.ErrProtocol) }
  self.Reason = *raw.Reason
  return nil
}

type rawTransferResult struct {
  Success    *bool   `json:"success"`
  ReturnCode *int    `json:"return_code"`
  Digest     string  `json:"digest"`
  Bytes      int64   `json:"bytes"`
}

func (self *TransferResult) decodeStrict(data []byte) error {
  raw := rawTransferResult{}
  if err := unmarshal(data, &raw); err != nil { return err }
  if raw.Success == nil || raw.ReturnCode == nil {
    return fmt.Errorf("%w transfer result needs 'success' and 'return_code'", types.ErrProtocol)
  }
  *self = TransferResult{
    Success: *raw.Success,
    ReturnCode: *raw.ReturnCode,
    Digest: raw.Digest,
    Bytes: raw.Bytes,
  }
  return nil
}

// Sends the whole message with a single Write.
func WriteMessage(w io.Writer, msg interface{}) error {
  data, err := Encode(msg)
  if err != nil { return err }
  cnt, err := w.Write(data)
  if err != nil { return fmt.Errorf("%w write message: %v", types.ErrTransfer, err) }
  if cnt != len(data) { return fmt.Errorf("%w short message write %d/%d", types.ErrTransfer, cnt, len(data)) }
  return nil
}

// Reads newline delimited messages from a stream.
// Keep a single instance per connection, it may buffer the start of the next message.
type MessageReader struct {
  reader *bufio.Reader
}

func NewMessageReader(r io.Reader) *MessageReader {
  return &MessageReader{ reader: bufio.NewReaderSize(r, MaxMessageLen), }
}

func (self *MessageReader) ReadMessage(msg Message) error {
  line, err := self.reader.ReadSlice(MessageDelimiter)
  if errors.Is(err, bufio.ErrBufferFull) {
    return fmt.Errorf("%w message longer than %d bytes", types.ErrProtocol, MaxMessageLen)
  }
  if errors.Is(err, io.EOF) {
    return fmt.Errorf("%w connection closed before end of message (got %d bytes)", types.ErrProtocol, len(line))
  }
  if err != nil { return fmt.Errorf("%w read message: %v", types.ErrTransfer, err) }
  return Decode(line, msg)
}
