package local_fs

import (
  "context"
  "errors"
  "fmt"
  "io/fs"
  "os"
  fpmod "path/filepath"
  "strings"
  "sync"

  "btrfs_syncd/session_journal"
  "btrfs_syncd/types"
  "btrfs_syncd/util"
)

const RecordSuffix = ".json"

// One json file per session under `dir`.
type dirJournal struct {
  dir   string
  mutex sync.Mutex
}

func NewJournal(conf *types.Config) (types.SessionJournal, error) {
  dir := conf.Journal.Dir
  if !fpmod.IsAbs(dir) { return nil, fmt.Errorf("%w journal dir must be absolute: '%s'", types.ErrBadConfig, dir) }
  if err := os.MkdirAll(dir, 0750); err != nil { return nil, err }
  return &dirJournal{ dir: dir, }, nil
}

func (self *dirJournal) recordPath(uuid string) string {
  return fpmod.Join(self.dir, uuid + RecordSuffix)
}

// Write to a temporary file and rename so readers never see a partial record.
func (self *dirJournal) RecordSession(ctx context.Context, rec *types.SessionRecord) error {
  data, err := session_journal.MarshalRecord(rec)
  if err != nil { return err }
  self.mutex.Lock()
  defer self.mutex.Unlock()

  tmp, err := os.CreateTemp(self.dir, ".session_*")
  if err != nil { return err }
  defer os.Remove(tmp.Name())
  _, err = tmp.Write(data)
  err = util.Coalesce(err, tmp.Sync(), tmp.Close())
  if err != nil { return err }
  if err = os.Rename(tmp.Name(), self.recordPath(rec.Uuid)); err != nil { return err }
  util.Debugf("Journaled session %s", rec.Uuid)
  return nil
}

func (self *dirJournal) ReadSession(ctx context.Context, uuid string) (*types.SessionRecord, error) {
  if len(uuid) < 1 || strings.ContainsRune(uuid, os.PathSeparator) {
    return nil, fmt.Errorf("ReadSession bad uuid: '%s'", uuid)
  }
  data, err := os.ReadFile(self.recordPath(uuid))
  if errors.Is(err, fs.ErrNotExist) { return nil, fmt.Errorf("%w session %s", types.ErrNotFound, uuid) }
  if err != nil { return nil, err }
  return session_journal.UnmarshalRecord(data)
}

func (self *dirJournal) ListSessions(ctx context.Context, identity string) ([]*types.SessionRecord, error) {
  entries, err := os.ReadDir(self.dir)
  if err != nil { return nil, err }
  recs := make([]*types.SessionRecord, 0)
  for _,entry := range entries {
    if ctx.Err() != nil { return nil, ctx.Err() }
    if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), RecordSuffix) { continue }
    data, err := os.ReadFile(fpmod.Join(self.dir, entry.Name()))
    if err != nil { return nil, err }
    rec, err := session_journal.UnmarshalRecord(data)
    if err != nil {
      util.Warnf("Skipping corrupt journal entry '%s': %v", entry.Name(), err)
      continue
    }
    if rec.Identity == identity { recs = append(recs, rec) }
  }
  session_journal.SortByStart(recs)
  return recs, nil
}
