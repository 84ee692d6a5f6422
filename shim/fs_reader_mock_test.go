package shim

import (
  "fmt"
  "io/fs"
  "os"
  fpmod "path/filepath"
)

// Serves canned sysfs content.
type DirEntry struct {
  Leaf string
  Mode fs.FileMode
}

func (self *DirEntry) Name() string { return self.Leaf }
func (self *DirEntry) IsDir() bool { return fs.ModeDir & self.Mode != 0 }
func (self *DirEntry) Type() fs.FileMode { return self.Mode }
func (self *DirEntry) Info() (fs.FileInfo, error) { return nil, nil }

type FsReaderMock struct {
  FileContent map[string]string
  DirContent map[string][]os.DirEntry
  Err error
}

func NewFsReaderMock() *FsReaderMock {
  return &FsReaderMock{
    FileContent: make(map[string]string),
    DirContent: make(map[string][]os.DirEntry),
  }
}

func (self *FsReaderMock) ReadAsciiFile(
    dir string, name string, allow_ctrl bool) (string, error) {
  path := fpmod.Join(dir, name)
  if content,found := self.FileContent[path]; found {
    return content, self.Err
  }
  return "", fmt.Errorf("%w ReadAsciiFile '%s'", fs.ErrNotExist, path)
}

func (self *FsReaderMock) ReadDir(dir string) ([]os.DirEntry, error) {
  if content,found := self.DirContent[dir]; found {
    return content, self.Err
  }
  return nil, fmt.Errorf("%w ReadDir '%s'", fs.ErrNotExist, dir)
}
