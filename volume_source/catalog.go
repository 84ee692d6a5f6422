package volume_source

import (
  "context"
  "errors"
  "fmt"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "sort"
  "strings"

  "btrfs_syncd/types"
  "btrfs_syncd/util"
)

type snapshotCatalog struct {
  btrfsutil types.Btrfsutil
}

func NewSnapshotCatalog(btrfsutil types.Btrfsutil) (types.SnapshotCatalog, error) {
  if btrfsutil == nil { return nil, fmt.Errorf("btrfsutil is nil") }
  return &snapshotCatalog{ btrfsutil: btrfsutil, }, nil
}

// Intermediate state while reading a scan root.
type subvolumeScan struct {
  snaps   []*snapshotName
  markers []string
}

func getOrCreate(scans map[string]*subvolumeScan, subvol string) *subvolumeScan {
  scan, found := scans[subvol]
  if !found {
    scan = &subvolumeScan{}
    scans[subvol] = scan
  }
  return scan
}

func (self *subvolumeScan) toRecord(root string, subvol string) (*types.SubvolumeRecord, error) {
  if len(self.snaps) < 1 {
    return nil, fmt.Errorf("markers %v but no snapshot", self.markers)
  }
  if len(self.markers) > 1 {
    return nil, fmt.Errorf("several %s markers: %v", types.KeepMarkerSuffix, self.markers)
  }
  sort.Slice(self.snaps, func(i, j int) bool { return self.snaps[i].olderThan(self.snaps[j]) })

  rec := &types.SubvolumeRecord{
    Name: subvol,
    All: make([]string, 0, len(self.snaps)),
    Extra: make([]string, 0, len(self.snaps)-1),
    Cwd: root,
  }
  for _,snap := range self.snaps { rec.All = append(rec.All, snap.full) }
  rec.Newest = rec.All[len(rec.All)-1]
  rec.Extra = append(rec.Extra, rec.All[:len(rec.All)-1]...)

  if len(self.markers) == 1 {
    rec.Base = self.markers[0]
    found := false
    for _,snap := range rec.All { found = found || snap == rec.Base }
    if !found { return nil, fmt.Errorf("marker for missing snapshot '%s'", rec.Base) }
  }
  return rec, nil
}

func (self *snapshotCatalog) Scan(root string) (map[string]*types.SubvolumeRecord, error) {
  if !fpmod.IsAbs(root) {
    return nil, fmt.Errorf("%w needs an absolute path, got: %s", types.ErrScan, root)
  }
  entries, err := os.ReadDir(root)
  if err != nil { return nil, fmt.Errorf("%w %v", types.ErrScan, err) }

  scans := make(map[string]*subvolumeScan)
  for _,entry := range entries {
    name := entry.Name()
    if entry.IsDir() {
      snap, err := parseSnapshotName(name)
      if err != nil { return nil, err }
      scan := getOrCreate(scans, snap.subvol)
      scan.snaps = append(scan.snaps, snap)
      continue
    }
    if !strings.HasSuffix(name, types.KeepMarkerSuffix) { continue }
    snap_name := strings.TrimSuffix(name, types.KeepMarkerSuffix)
    snap, err := parseSnapshotName(snap_name)
    if err != nil { return nil, err }
    scan := getOrCreate(scans, snap.subvol)
    scan.markers = append(scan.markers, snap_name)
  }

  records := make(map[string]*types.SubvolumeRecord)
  var failed []string
  for subvol,scan := range scans {
    rec, err := scan.toRecord(root, subvol)
    if err != nil {
      util.Warnf("Skipping subvolume '%s' under '%s': %v", subvol, root, err)
      failed = append(failed, fmt.Sprintf("%s: %v", subvol, err))
      continue
    }
    records[subvol] = rec
  }
  util.Debugf("Scanned '%s': %d subvolumes, %d corrupt", root, len(records), len(failed))
  if len(failed) > 0 {
    sort.Strings(failed)
    return records, fmt.Errorf("%w under '%s': %s", types.ErrScan, root, strings.Join(failed, "; "))
  }
  return records, nil
}

func (self *snapshotCatalog) Prune(ctx context.Context, rec *types.SubvolumeRecord) error {
  if rec == nil || len(rec.Newest) < 1 || !fpmod.IsAbs(rec.Cwd) {
    return fmt.Errorf("Prune needs a scanned record, got: %v", rec)
  }
  if len(rec.Extra) < 1 && rec.IsSynced() {
    util.Debugf("Nothing to prune for '%s'", rec.Name)
    return nil
  }

  // A lone snapshot sent in full has nothing to delete but still becomes the base.
  if len(rec.Extra) > 0 {
    err := self.btrfsutil.DeleteSubvolumes(ctx, rec.Cwd, rec.Extra)
    if err != nil { return err }
  }

  if len(rec.Base) > 0 && rec.Base != rec.Newest {
    old_marker := fpmod.Join(rec.Cwd, rec.Base + types.KeepMarkerSuffix)
    err := os.Remove(old_marker)
    if err != nil && !errors.Is(err, fs.ErrNotExist) { return err }
  }
  new_marker := fpmod.Join(rec.Cwd, rec.Newest + types.KeepMarkerSuffix)
  if err := os.WriteFile(new_marker, nil, 0644); err != nil { return err }

  util.Infof("Pruned %d snapshots of '%s', base is now '%s'", len(rec.Extra), rec.Name, rec.Newest)
  rec.Base = rec.Newest
  rec.All = []string{ rec.Newest }
  rec.Extra = []string{}
  return nil
}
