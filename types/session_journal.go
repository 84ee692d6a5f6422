package types

import "context"

// What the server remembers about a control session.
type SessionRecord struct {
  Uuid       string `json:"uuid"`
  Identity   string `json:"identity"`
  Path       string `json:"path,omitempty"`
  DataPort   int    `json:"data_port,omitempty"`
  State      string `json:"state"`
  Success    bool   `json:"success"`
  ReturnCode int    `json:"return_code"`
  Bytes      int64  `json:"bytes"`
  Digest     string `json:"digest,omitempty"`
  Reason     string `json:"reason,omitempty"`
  StartTs    int64  `json:"start_ts"`
  EndTs      int64  `json:"end_ts"`
}

// Implementations must be thread safe.
type SessionJournal interface {
  // Create or overwrite the record keyed by `rec.Uuid`.
  RecordSession(ctx context.Context, rec *SessionRecord) error
  // Returns ErrNotFound if there is no record for `uuid`.
  ReadSession(ctx context.Context, uuid string) (*SessionRecord, error)
  // All sessions for `identity`, oldest first.
  ListSessions(ctx context.Context, identity string) ([]*SessionRecord, error)
}

// Journal backends which need remote resources to exist beforehand.
type SessionJournalAdmin interface {
  SessionJournal
  SetupJournal(ctx context.Context) <-chan error
}
