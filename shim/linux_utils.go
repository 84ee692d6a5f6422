package shim

import (
  "context"
  "fmt"
  "strings"

  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "golang.org/x/sys/unix"
)

type linuxutilImpl struct {
  *FilesystemUtil
  mount_bin string
}

func NewLinuxutil(conf *types.Config) (types.Linuxutil, error) {
  impl := &linuxutilImpl{
    FilesystemUtil: &FilesystemUtil{ FsReader: &FsReaderImpl{}, },
    mount_bin: util.CoalesceStr(conf.Btrfs.MountBin, types.DefaultMountBin),
  }
  return impl, nil
}

func (*linuxutilImpl) IsCapSysAdmin() bool {
  hdr := unix.CapUserHeader{ Version: unix.LINUX_CAPABILITY_VERSION_3, }
  var data [2]unix.CapUserData
  if err := unix.Capget(&hdr, &data[0]); err != nil {
    util.Warnf("capget: %v", err)
    return false
  }
  const word = unix.CAP_SYS_ADMIN / 32
  const bit = uint32(1) << (unix.CAP_SYS_ADMIN % 32)
  return data[word].Effective & bit != 0
}

func (*linuxutilImpl) LinuxKernelVersion() (uint32, uint32) {
  var uts unix.Utsname
  if err := unix.Uname(&uts); err != nil {
    util.Warnf("uname: %v", err)
    return 0, 0
  }
  return parseKernelRelease(unix.ByteSliceToString(uts.Release[:]))
}

// Logs the running kernel and warns when btrfs `action` lacks the privilege it needs.
func CheckHost(lu types.Linuxutil, action string) bool {
  maj, min := lu.LinuxKernelVersion()
  util.Infof("Linux kernel %d.%d", maj, min)
  if lu.IsCapSysAdmin() { return true }
  util.Warnf("Not running with CAP_SYS_ADMIN, %s will likely fail", action)
  return false
}

// "5.18.3-arch1-1" -> 5, 18
func parseKernelRelease(release string) (uint32, uint32) {
  var maj, min uint32
  fmt.Sscanf(strings.TrimSpace(release), "%d.%d", &maj, &min)
  return maj, min
}

// Relies on an fstab entry for `path`, same as typing `mount <path>`.
func (self *linuxutilImpl) Mount(ctx context.Context, path string) error {
  _, err := util.RunCmd(ctx, "/", []string{ self.mount_bin, path })
  return err
}

func (self *linuxutilImpl) UMount(path string) error {
  if err := unix.Unmount(path, 0); err != nil {
    return fmt.Errorf("%w umount '%s': %v", types.ErrSubprocess, path, err)
  }
  return nil
}
