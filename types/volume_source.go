package types

import "context"

const (
  SnapDelimiter = "@"
  KeepMarkerSuffix = ".keep"
)

// View over all the snapshots of a single subvolume found under a scan root.
type SubvolumeRecord struct {
  Name   string
  // Sorted by timestamp, oldest first.
  All    []string
  // Snapshot owning the `.keep` marker, empty if there is none (full send).
  Base   string
  Newest string
  // All minus Newest. Safe to delete once Newest has been received.
  Extra  []string
  // btrfs commands are scoped by working directory, not absolute paths.
  Cwd    string
}

// Implementations must be thread safe.
type SnapshotCatalog interface {
  // Returns one record per subvolume found in `root`.
  // A malformed entry name fails the whole scan.
  // Corrupt subvolumes (several markers, dangling marker) are left out of the result
  // and reported in the returned error, which wraps ErrScan. In that case the records
  // for the healthy subvolumes are still returned.
  Scan(root string) (map[string]*SubvolumeRecord, error)
  // Deletes `Extra` and moves the `.keep` marker to `Newest`.
  // Noop once the record is synced with nothing left to delete, so calling it twice is safe.
  Prune(ctx context.Context, record *SubvolumeRecord) error
}

func (self *SubvolumeRecord) IsSynced() bool {
  return len(self.Newest) > 0 && self.Base == self.Newest
}
