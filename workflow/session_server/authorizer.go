package session_server

import (
  "fmt"

  "btrfs_syncd/types"
)

// Read-only identity -> path table.
type PathTableAuthorizer struct {
  table map[string]string
}

func NewPathTableAuthorizer(paths map[string]string) *PathTableAuthorizer {
  table := make(map[string]string, len(paths))
  for identity,path := range paths { table[identity] = path }
  return &PathTableAuthorizer{ table: table, }
}

func (self *PathTableAuthorizer) Authorize(identity string) (string, error) {
  path, found := self.table[identity]
  if !found || len(identity) < 1 {
    return "", fmt.Errorf("%w '%s'", types.ErrAuthorization, identity)
  }
  return path, nil
}
