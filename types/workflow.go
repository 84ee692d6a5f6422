package types

import (
  "context"
  "net"
)

// Maps a verified peer identity to the local path it may write into.
// Returns an error wrapping ErrAuthorization for unknown identities.
type Authorizer interface {
  Authorize(identity string) (string, error)
}

// Accepts control connections and drives the server side of the handshake.
type SessionServer interface {
  // Binds the control listener, call before `Serve`.
  Listen() error
  Addr() net.Addr
  // Blocks until `ctx` is done, then waits for the sessions in flight.
  Serve(ctx context.Context) error
}

// Per-subvolume result of a client run.
type TransferOutcome struct {
  Subvolume string
  Base      string
  Newest    string
  // Nothing to do, newest is already the base.
  Skipped   bool
  DataPort  int
  Result    *PipelineResult
  // Server reported success and the snapshots got pruned.
  Pruned    bool
  Err       error
}

type TransferClient interface {
  // Steps 1-7 of the handshake for a single subvolume.
  // Prune only happens after the server confirms the applier exited zero.
  BackupSubvolume(ctx context.Context, rec *SubvolumeRecord) *TransferOutcome
  // Checks prerequisites then backs up every subvolume of every configured path.
  // Failures stay in their TransferOutcome, only a failed prerequisite returns an error.
  BackupAll(ctx context.Context) ([]*TransferOutcome, error)
}
