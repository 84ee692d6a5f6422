package types

import (
  "context"
  "io"
)

type PipelineResult struct {
  // Exit code of the generator (producer) or applier (consumer).
  // -1 if the process was killed or never waited on.
  ExitCode int
  Bytes    int64
  // Hex BLAKE2b-256 of the relayed stream.
  Digest   string
}

// Runs the external diff generator/applier wired to a byte stream.
// Implementations must be thread safe, each call owns its subprocesses.
type Pipeline interface {
  // Spawns `send_args` from `cwd` and relays its stdout into `sink`,
  // optionally through the configured monitor command.
  // A non-zero exit of the generator is reported in the result, not as an error.
  RunProducer(ctx context.Context, send_args []string, cwd string, sink io.Writer) (*PipelineResult, error)
  // Spawns `recv_args` from `cwd` and relays `source` into its stdin until EOF.
  // The exit code in the result is authoritative for the whole transfer.
  // If relaying fails the applier is still waited on and the result is returned along the error.
  RunConsumer(ctx context.Context, recv_args []string, cwd string, source io.Reader) (*PipelineResult, error)
}
