package util

import (
  "os"
  fpmod "path/filepath"
  "sort"
  "testing"

  "btrfs_syncd/types"
)

// Creates one directory per entry in `snaps` and one empty `.keep` file per entry in `keep`.
func DummySnapshotTree(t *testing.T, root string, snaps []string, keep []string) {
  t.Helper()
  for _,snap := range snaps {
    if err := os.MkdirAll(fpmod.Join(root, snap), 0755); err != nil { t.Fatalf("mkdir: %v", err) }
  }
  for _,snap := range keep {
    marker := fpmod.Join(root, snap + types.KeepMarkerSuffix)
    if err := os.WriteFile(marker, nil, 0644); err != nil { t.Fatalf("marker: %v", err) }
  }
}

// Sorted names of all entries under `root`.
func DirEntryNames(t *testing.T, root string) []string {
  t.Helper()
  entries, err := os.ReadDir(root)
  if err != nil { t.Fatalf("ReadDir: %v", err) }
  names := make([]string, 0, len(entries))
  for _,e := range entries { names = append(names, e.Name()) }
  sort.Strings(names)
  return names
}

func DummySubvolumeRecord(cwd string, name string, base string, snaps ...string) *types.SubvolumeRecord {
  rec := &types.SubvolumeRecord{
    Name: name,
    All: snaps,
    Base: base,
    Cwd: cwd,
  }
  if len(snaps) > 0 {
    rec.Newest = snaps[len(snaps)-1]
    rec.Extra = append([]string{}, snaps[:len(snaps)-1]...)
  }
  return rec
}
