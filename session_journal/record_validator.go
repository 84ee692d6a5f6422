package session_journal

import (
  "encoding/json"
  "errors"
  "fmt"
  "sort"

  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "github.com/google/uuid"
)

func ValidateSessionRecord(rec *types.SessionRecord) error {
  if rec == nil { return errors.New("SessionRecord == nil") }
  if _, err := uuid.Parse(rec.Uuid); err != nil { return fmt.Errorf("Session bad uuid: %s", util.AsJson(rec)) }
  // Sessions failing the tls handshake have no identity.
  if rec.Identity == "" && rec.Success { return fmt.Errorf("Session success without identity: %s", util.AsJson(rec)) }
  if rec.State == "" { return fmt.Errorf("Session no state: %s", util.AsJson(rec)) }
  if rec.StartTs == 0 { return fmt.Errorf("Session no start: %s", util.AsJson(rec)) }
  if rec.EndTs != 0 && rec.EndTs < rec.StartTs { return fmt.Errorf("Session ends before start: %s", util.AsJson(rec)) }
  if rec.Success && rec.ReturnCode != 0 { return fmt.Errorf("Session success with rc!=0: %s", util.AsJson(rec)) }
  return nil
}

func MarshalRecord(rec *types.SessionRecord) ([]byte, error) {
  if err := ValidateSessionRecord(rec); err != nil { return nil, err }
  return json.Marshal(rec)
}

func UnmarshalRecord(data []byte) (*types.SessionRecord, error) {
  rec := &types.SessionRecord{}
  if err := json.Unmarshal(data, rec); err != nil { return nil, err }
  if err := ValidateSessionRecord(rec); err != nil { return nil, err }
  return rec, nil
}

// Oldest first, uuid breaks ties.
func SortByStart(recs []*types.SessionRecord) {
  sort.Slice(recs, func(i, j int) bool {
    if recs[i].StartTs != recs[j].StartTs { return recs[i].StartTs < recs[j].StartTs }
    return recs[i].Uuid < recs[j].Uuid
  })
}

func DummySessionRecord(identity string, start_ts int64) *types.SessionRecord {
  return &types.SessionRecord{
    Uuid: uuid.NewString(),
    Identity: identity,
    Path: "/backup/" + identity,
    DataPort: 40000,
    State: "DONE",
    Success: true,
    ReturnCode: 0,
    Bytes: 1024,
    StartTs: start_ts,
    EndTs: start_ts + 5,
  }
}
