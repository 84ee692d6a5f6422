package types

import "errors"

// Snapshot directory naming problems or duplicate `.keep` markers.
var ErrScan = errors.New("snapshot_scan_failed")
// The peer identity has no entry in the path table.
var ErrAuthorization = errors.New("peer_not_authorized")
// Malformed, oversized or incomplete control message.
var ErrProtocol = errors.New("control_protocol_error")
// I/O failure while relaying the diff stream.
var ErrTransfer = errors.New("data_transfer_failed")
// External command could not be spawned or exited non-zero.
var ErrSubprocess = errors.New("subprocess_failed")
var ErrNotFound = errors.New("key_not_found")
var ErrPrerequisite = errors.New("backup_prerequisite_failed")
var ErrBadConfig = errors.New("bad_config")
