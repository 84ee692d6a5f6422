package mocks

import (
  "context"
  "fmt"
  "sort"
  "sync"

  "btrfs_syncd/types"
)

type SessionJournal struct {
  ErrBase
  Mutex   sync.Mutex
  Records map[string]*types.SessionRecord
}

func NewSessionJournal() *SessionJournal {
  journal := &SessionJournal{ Records: make(map[string]*types.SessionRecord), }
  _ = (types.SessionJournal)(journal)
  return journal
}

func (self *SessionJournal) RecordSession(ctx context.Context, rec *types.SessionRecord) error {
  if rec == nil || rec.Uuid == "" { return fmt.Errorf("RecordSession bad args") }
  if err := self.inject(self.RecordSession); err != nil { return err }
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  clone := *rec
  self.Records[rec.Uuid] = &clone
  return nil
}

func (self *SessionJournal) ReadSession(ctx context.Context, uuid string) (*types.SessionRecord, error) {
  if err := self.inject(self.ReadSession); err != nil { return nil, err }
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  rec, found := self.Records[uuid]
  if !found { return nil, fmt.Errorf("%w session '%s'", types.ErrNotFound, uuid) }
  clone := *rec
  return &clone, nil
}

func (self *SessionJournal) ListSessions(ctx context.Context, identity string) ([]*types.SessionRecord, error) {
  if err := self.inject(self.ListSessions); err != nil { return nil, err }
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  var result []*types.SessionRecord
  for _,rec := range self.Records {
    if rec.Identity != identity { continue }
    clone := *rec
    result = append(result, &clone)
  }
  sort.Slice(result, func(i, j int) bool { return result[i].StartTs < result[j].StartTs })
  return result, nil
}

func (self *SessionJournal) All() []*types.SessionRecord {
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  var result []*types.SessionRecord
  for _,rec := range self.Records { clone := *rec; result = append(result, &clone) }
  sort.Slice(result, func(i, j int) bool { return result[i].Uuid < result[j].Uuid })
  return result
}
