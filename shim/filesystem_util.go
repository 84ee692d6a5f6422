package shim

import (
  "errors"
  "fmt"
  "io/fs"
  fpmod "path/filepath"
  "regexp"
  "strconv"
  "strings"

  "btrfs_syncd/util"
)

const MOUNT_INFO = "/proc/self/mountinfo"
const SYS_POWER_SUPPLY = "/sys/class/power_supply"
const POWER_SUPPLY_TYPE = "type"
const POWER_SUPPLY_ONLINE = "online"
const POWER_SUPPLY_MAINS = "Mains"

type MountEntry struct {
  Id          int
  // Path inside the mounted filesystem, relative to its root.
  TreePath    string
  MountedPath string
  FsType      string
  DevName     string
  Options     map[string]string
}

type FilesystemUtil struct {
  FsReader FsReaderIf
}

func (self *FilesystemUtil) parseMountOptions(line string) (map[string]string, error) {
  opts := make(map[string]string)
  for _,kv := range strings.Split(line, ",") {
    var err error
    var key, val string
    eq_idx := strings.Index(kv, "=")
    if eq_idx > -1 {
      key, err = unescapeOctal(kv[:eq_idx])
      if err != nil { return nil, err }
      val, err = unescapeOctal(kv[eq_idx+1:])
      if err != nil { return nil, err }
    } else {
      key, err = unescapeOctal(kv)
      if err != nil { return nil, err }
      val = ""
    }
    opts[key] = val
  }
  return opts, nil
}

// mountinfo escapes spaces and friends as `\040`, which strconv understands inside a quoted string.
func unescapeOctal(tok string) (string, error) {
  return strconv.Unquote(fmt.Sprintf(`"%s"`, tok))
}

// Note : there is a c library to do this, but re-implementing is easier.
// https://git.kernel.org/pub/scm/utils/util-linux/util-linux.git/tree/libmount
//
//29  1   8:18 /                    /                     rw,... shared:1   - ext4  /dev/sdb2 rw
//142 29  8:19 /                    /home                 rw,... shared:63  - ext4  /dev/sdb3 rw
//169 29  0:38 /Lucian_PrioA        /media/Lucian_PrioA   rw,... shared:92  - btrfs /dev/sdc1 subvolid=260,subvol=/Lucian_PrioA
//578 37  0:43 /snaps/asubvol.snap  /tmp/with\040spaces   rw,... shared:341 - btrfs /dev/loop111p1 subvolid=258,subvol=/snaps/asubvol.snap
func (self *FilesystemUtil) ListMounts() ([]*MountEntry, error) {
  const ID_IDX = 0
  const TREE_IDX = 3
  const MOUNT_IDX = 4
  const FS_IDX = 1
  const DEV_IDX = 2
  const OPT_IDX = 3
  const OPT_FLD_END = "-"

  var mnt_list []*MountEntry
  rx := regexp.MustCompile(" +")
  file_content, err := self.FsReader.ReadAsciiFile(fpmod.Dir(MOUNT_INFO),
                                                   fpmod.Base(MOUNT_INFO), true)
  if err != nil { return nil, err }

  for _,line := range strings.Split(file_content, "\n") {
    line = strings.TrimSpace(line)
    if len(line) < 1 { continue }
    mnt := &MountEntry{}
    toks := rx.Split(line, /*all_matches=*/-1)
    if len(toks) <= MOUNT_IDX {
      return nil, fmt.Errorf("mountinfo line malformed, too short: '%s'", line)
    }

    mnt.Id, err = strconv.Atoi(toks[ID_IDX])
    if err != nil { return nil, err }

    mnt.TreePath = strings.TrimLeft(toks[TREE_IDX], "/")
    if len(mnt.TreePath) == len(toks[TREE_IDX]) {
      return nil, fmt.Errorf("mountinfo line malformed, expected path: '%s'", line)
    }
    mnt.TreePath, err = unescapeOctal(mnt.TreePath)
    if err != nil { return nil, err }

    mnt.MountedPath, err = unescapeOctal(toks[MOUNT_IDX])
    if err != nil { return nil, err }

    var tok string
    sep_idx := 0
    for sep_idx,tok = range toks { if tok == OPT_FLD_END { break } }
    if sep_idx+OPT_IDX >= len(toks) {
      return nil, fmt.Errorf("mountinfo line malformed, no separator: '%s'", line)
    }

    mnt.FsType, err = unescapeOctal(toks[sep_idx+FS_IDX])
    if err != nil { return nil, err }
    mnt.DevName, err = unescapeOctal(toks[sep_idx+DEV_IDX])
    if err != nil { return nil, err }
    mnt.Options, err = self.parseMountOptions(toks[sep_idx+OPT_IDX])
    if err != nil { return nil, err }

    mnt_list = append(mnt_list, mnt)
  }
  util.Debugf("Found %d mount entries", len(mnt_list))
  return mnt_list, nil
}

func (self *FilesystemUtil) IsMountPoint(path string) (bool, error) {
  if !fpmod.IsAbs(path) { return false, fmt.Errorf("needs an absolute path, got: %s", path) }
  target := fpmod.Clean(path)
  mnt_list, err := self.ListMounts()
  if err != nil { return false, err }
  for _,mnt := range mnt_list {
    if fpmod.Clean(mnt.MountedPath) == target { return true, nil }
  }
  return false, nil
}

// Looks for a supply of type `Mains` under /sys/class/power_supply.
// Machines without any mains supply listed (desktops, VMs) count as powered.
func (self *FilesystemUtil) IsOnAcPower() (bool, error) {
  items, err := self.FsReader.ReadDir(SYS_POWER_SUPPLY)
  if errors.Is(err, fs.ErrNotExist) { return true, nil }
  if err != nil { return false, err }

  found_mains := false
  for _,item := range items {
    dir := fpmod.Join(SYS_POWER_SUPPLY, item.Name())
    kind, err := self.FsReader.ReadAsciiFile(dir, POWER_SUPPLY_TYPE, false)
    if err != nil { continue }
    if kind != POWER_SUPPLY_MAINS { continue }
    found_mains = true
    online, err := self.FsReader.ReadAsciiFile(dir, POWER_SUPPLY_ONLINE, false)
    if err != nil { return false, err }
    if online == "1" { return true, nil }
  }
  return !found_mains, nil
}
