package types

import "context"

type Linuxutil interface {
  // Returns true if this process is running with CAP_SYS_ADMIN privileges.
  // `btrfs receive` and `btrfs subvolume delete` require this.
  IsCapSysAdmin() bool
  // The same as what you would get with `uname -r`.
  LinuxKernelVersion() (uint32, uint32)
  // True if `path` is the target of an entry in /proc/self/mountinfo.
  IsMountPoint(path string) (bool, error)
  // Mounts `path` using its fstab entry.
  Mount(ctx context.Context, path string) error
  UMount(path string) error
  // True if any mains power supply under /sys/class/power_supply reports online.
  IsOnAcPower() (bool, error)
}

// Knows how to talk to the btrfs userland tools.
// `cwd` arguments are the directory the command is run from, snapshot names are relative to it.
type Btrfsutil interface {
  // Command line for `btrfs send`, `parent` may be empty for a full send.
  SendArgs(snap string, parent string) []string
  // Command line for `btrfs receive` into `to_dir`.
  ReceiveArgs(to_dir string) []string
  // Calls `btrfs subvolume delete` once for all `snaps`.
  DeleteSubvolumes(ctx context.Context, cwd string, snaps []string) error
}
