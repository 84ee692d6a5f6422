package shim

import (
  "context"
  "fmt"
  fpmod "path/filepath"
  "strings"

  "btrfs_syncd/types"
  "btrfs_syncd/util"
)

type btrfsUtilImpl struct {
  bin string
}

func NewBtrfsutil(conf *types.Config) (types.Btrfsutil, error) {
  impl := &btrfsUtilImpl{
    bin: util.CoalesceStr(conf.Btrfs.Bin, types.DefaultBtrfsBin),
  }
  return impl, nil
}

// Snapshot names are resolved against the command working directory.
// Anything looking like a path or a flag is refused.
func validSnapName(name string) error {
  if len(name) < 1 { return fmt.Errorf("empty snapshot name") }
  if strings.HasPrefix(name, "-") || strings.ContainsRune(name, fpmod.Separator) {
    return fmt.Errorf("'%s' is not a plain snapshot name", name)
  }
  return nil
}

func (self *btrfsUtilImpl) SendArgs(snap string, parent string) []string {
  args := make([]string, 0, 8)
  args = append(args, self.bin, "send")
  if len(parent) > 0 {
    args = append(args, "-p", parent)
  }
  args = append(args, snap)
  return args
}

func (self *btrfsUtilImpl) ReceiveArgs(to_dir string) []string {
  return []string{ self.bin, "receive", to_dir }
}

func (self *btrfsUtilImpl) DeleteSubvolumes(ctx context.Context, cwd string, snaps []string) error {
  if !fpmod.IsAbs(cwd) {
    return fmt.Errorf("'cwd' needs an absolute path, got: %s", cwd)
  }
  if len(snaps) < 1 { return nil }
  for _,snap := range snaps {
    if err := validSnapName(snap); err != nil { return err }
  }

  args := make([]string, 0, 3 + len(snaps))
  args = append(args, self.bin, "subvolume", "delete")
  args = append(args, snaps...)
  util.Infof("Deleting %d snapshots under '%s': %v", len(snaps), cwd, snaps)
  _, err := util.RunCmd(ctx, cwd, args)
  return err
}
