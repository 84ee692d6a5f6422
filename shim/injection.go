package shim

import (
  "fmt"
  fpmod "path/filepath"
  "os"
  "strings"

  "btrfs_syncd/util"
)

// Dependency injection for unittests.
type FsReaderIf interface {
  ReadAsciiFile(string, string, bool) (string, error)
  ReadDir(string) ([]os.DirEntry, error)
}
type FsReaderImpl struct {}

func (self *FsReaderImpl) ReadDir(dir string) ([]os.DirEntry, error) {
  return os.ReadDir(dir)
}

func (self *FsReaderImpl) ReadAsciiFile(
    dir string, name string, allow_ctrl bool) (string, error) {
  fpath := fpmod.Join(dir, name)
  bytes, err := os.ReadFile(fpath)
  if err != nil { return "", err }
  bytes = []byte(strings.TrimRight(string(bytes), "\n"))
  err = util.IsOnlyAsciiString(bytes, allow_ctrl)
  if err != nil { err = fmt.Errorf("file:'%s', err:%v", fpath, err) }
  return string(bytes), err
}
