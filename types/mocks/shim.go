package mocks

import (
  "context"
  "fmt"
  "os"
  fpmod "path/filepath"
  "sync"
)

type Linuxutil struct {
  ErrBase
  IsAdmin    bool
  KernMajor  uint32
  KernMinor  uint32
  OnAcPower  bool
  // Paths currently mounted, updated by Mount/UMount.
  Mounted    map[string]bool
  MountCalls []string
  UMountCalls []string
}
func NewLinuxutil() *Linuxutil {
  return &Linuxutil{
    IsAdmin: true,
    KernMajor: 6,
    KernMinor: 1,
    OnAcPower: true,
    Mounted: make(map[string]bool),
  }
}
func (self *Linuxutil) IsCapSysAdmin() bool { return self.IsAdmin }
func (self *Linuxutil) LinuxKernelVersion() (uint32, uint32) {
  return self.KernMajor, self.KernMinor
}
func (self *Linuxutil) IsMountPoint(path string) (bool, error) {
  if path == "" { return false, fmt.Errorf("IsMountPoint bad args") }
  if err := self.inject(self.IsMountPoint); err != nil { return false, err }
  return self.Mounted[path], nil
}
func (self *Linuxutil) Mount(ctx context.Context, path string) error {
  if path == "" { return fmt.Errorf("Mount bad args") }
  self.MountCalls = append(self.MountCalls, path)
  if err := self.inject(self.Mount); err != nil { return err }
  self.Mounted[path] = true
  return nil
}
func (self *Linuxutil) UMount(path string) error {
  if path == "" { return fmt.Errorf("UMount bad args") }
  self.UMountCalls = append(self.UMountCalls, path)
  if err := self.inject(self.UMount); err != nil { return err }
  delete(self.Mounted, path)
  return nil
}
func (self *Linuxutil) IsOnAcPower() (bool, error) {
  if err := self.inject(self.IsOnAcPower); err != nil { return false, err }
  return self.OnAcPower, nil
}


// Stands in for the btrfs binary with plain shell commands.
// Sending `snap` streams the file `snap/payload`, receiving writes `to_dir/received`.
// Receiving into a directory whose name contains "fail" drains the stream and exits 1,
// "early_exit" exits 1 without reading anything.
// DeleteSubvolumes removes the snapshot directories for real.
type Btrfsutil struct {
  ErrBase
  Mutex       sync.Mutex
  DeleteCalls [][]string
}
const PayloadName = "payload"
const ReceivedName = "received"

func (self *Btrfsutil) SendArgs(snap string, parent string) []string {
  return []string{ "cat", fpmod.Join(snap, PayloadName) }
}
func (self *Btrfsutil) ReceiveArgs(to_dir string) []string {
  script := `case "$0" in *early_exit*) exit 1;; *fail*) cat > /dev/null; exit 1;; esac; cat > "$0/` + ReceivedName + `"`
  return []string{ "sh", "-c", script, to_dir }
}
func (self *Btrfsutil) DeleteSubvolumes(ctx context.Context, cwd string, snaps []string) error {
  if cwd == "" || len(snaps) == 0 { return fmt.Errorf("DeleteSubvolumes bad args") }
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  self.DeleteCalls = append(self.DeleteCalls, append([]string{}, snaps...))
  if err := self.inject(self.DeleteSubvolumes); err != nil { return err }
  for _,snap := range snaps {
    if err := os.RemoveAll(fpmod.Join(cwd, snap)); err != nil { return err }
  }
  return nil
}
func (self *Btrfsutil) DeleteCallCount() int {
  self.Mutex.Lock()
  defer self.Mutex.Unlock()
  return len(self.DeleteCalls)
}
