package volume_source

import (
  "fmt"
  "strings"
  "time"

  "btrfs_syncd/types"
)

// Accepted timestamp layouts, most precise first.
var timestampLayouts = []string{
  "20060102-150405-0700",
  "20060102-1504-0700",
}

type snapshotName struct {
  full    string
  subvol  string
  ts      time.Time
}

func parseSnapshotName(name string) (*snapshotName, error) {
  if strings.Count(name, types.SnapDelimiter) != 1 {
    return nil, fmt.Errorf("%w '%s' needs exactly one '%s'", types.ErrScan, name, types.SnapDelimiter)
  }
  idx := strings.Index(name, types.SnapDelimiter)
  subvol, raw_ts := name[:idx], name[idx+1:]
  if len(subvol) < 1 {
    return nil, fmt.Errorf("%w '%s' has no subvolume part", types.ErrScan, name)
  }
  for _,layout := range timestampLayouts {
    if ts, err := time.Parse(layout, raw_ts); err == nil {
      return &snapshotName{ full: name, subvol: subvol, ts: ts, }, nil
    }
  }
  return nil, fmt.Errorf("%w '%s' bad timestamp '%s'", types.ErrScan, name, raw_ts)
}

// Orders by instant, ties broken by name.
func (self *snapshotName) olderThan(other *snapshotName) bool {
  if !self.ts.Equal(other.ts) { return self.ts.Before(other.ts) }
  return self.full < other.full
}

func FormatSnapshotName(subvol string, ts time.Time) string {
  return subvol + types.SnapDelimiter + ts.Format(timestampLayouts[0])
}
