package messages

// Control plane values exchanged as one JSON object per line.

const (
  ReasonBadHostname = "bad_hostname"
  ReasonInternal = "internal_error"
)

// Server -> client, first message of a session.
type AuthResult struct {
  Success bool   `json:"success"`
  NewPort int    `json:"new_port,omitempty"`
  Reason  string `json:"reason,omitempty"`
}

// Server -> client, sent once the applier exit code is known.
type TransferResult struct {
  Success    bool   `json:"success"`
  ReturnCode int    `json:"return_code"`
  Digest     string `json:"digest,omitempty"`
  Bytes      int64  `json:"bytes,omitempty"`
}

func NewAuthOk(port int) *AuthResult {
  return &AuthResult{ Success: true, NewPort: port, }
}

// A rejection always carries a reason, `ReasonInternal` when none is given.
func NewAuthRejected(reason string) *AuthResult {
  if len(reason) < 1 { reason = ReasonInternal }
  return &AuthResult{ Success: false, Reason: reason, }
}

func NewTransferResult(return_code int, digest string, bytes int64) *TransferResult {
  return &TransferResult{
    Success: return_code == 0,
    ReturnCode: return_code,
    Digest: digest,
    Bytes: bytes,
  }
}
