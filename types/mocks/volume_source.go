package mocks

import (
  "context"
  "fmt"
  "sync"

  "btrfs_syncd/types"
)

// In-memory catalog, Prune only updates the records.
type SnapshotCatalog struct {
  ErrBase
  Mutex      sync.Mutex
  Roots      map[string]map[string]*types.SubvolumeRecord
  ScanErr    error
  PruneCalls []string
}

func NewSnapshotCatalog() *SnapshotCatalog {
  catalog := &SnapshotCatalog{ Roots: make(map[string]map[string]*types.SubvolumeRecord), }
  _ = (types.SnapshotCatalog)(catalog)
  return catalog
}

func (self *SnapshotCatalog) AddRecord(rec *types.SubvolumeRecord) {
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  if self.Roots[rec.Cwd] == nil { self.Roots[rec.Cwd] = make(map[string]*types.SubvolumeRecord) }
  self.Roots[rec.Cwd][rec.Name] = rec
}

func (self *SnapshotCatalog) Scan(root string) (map[string]*types.SubvolumeRecord, error) {
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  if err := self.inject(self.Scan); err != nil { return nil, err }
  result := make(map[string]*types.SubvolumeRecord)
  for name,rec := range self.Roots[root] { result[name] = rec }
  return result, self.ScanErr
}

func (self *SnapshotCatalog) Prune(ctx context.Context, rec *types.SubvolumeRecord) error {
  if rec == nil { return fmt.Errorf("Prune bad args") }
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  self.PruneCalls = append(self.PruneCalls, rec.Name)
  if err := self.inject(self.Prune); err != nil { return err }
  rec.Base = rec.Newest
  rec.All = []string{ rec.Newest }
  rec.Extra = nil
  return nil
}
