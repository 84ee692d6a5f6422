package transfer_client

import (
  "context"
  "fmt"
  "net"
  fpmod "path/filepath"

  "btrfs_syncd/types"
  "btrfs_syncd/util"
)

type NetInterface struct {
  Name  string
  Up    bool
  Addrs []*net.IPNet
}

// Read-only view of the host network, replaced in unittests.
type NetProbe interface {
  Interfaces() ([]NetInterface, error)
  LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type sysNetProbe struct {}

func (self *sysNetProbe) Interfaces() ([]NetInterface, error) {
  ifaces, err := net.Interfaces()
  if err != nil { return nil, err }
  result := make([]NetInterface, 0, len(ifaces))
  for _,iface := range ifaces {
    item := NetInterface{ Name: iface.Name, Up: iface.Flags & net.FlagUp != 0, }
    addrs, err := iface.Addrs()
    if err != nil { return nil, err }
    for _,addr := range addrs {
      if ipnet, ok := addr.(*net.IPNet); ok { item.Addrs = append(item.Addrs, ipnet) }
    }
    result = append(result, item)
  }
  return result, nil
}

func (self *sysNetProbe) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
  if ip := net.ParseIP(host); ip != nil { return []net.IP{ ip }, nil }
  addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
  if err != nil { return nil, err }
  ips := make([]net.IP, 0, len(addrs))
  for _,addr := range addrs { ips = append(ips, addr.IP) }
  return ips, nil
}

func (self *transferClient) checkPower() error {
  if !self.conf.Client.Power.RequireAcPower { return nil }
  on_ac, err := self.linuxutil.IsOnAcPower()
  if err != nil { return fmt.Errorf("%w reading power supply: %v", types.ErrPrerequisite, err) }
  if !on_ac { return fmt.Errorf("%w running on battery", types.ErrPrerequisite) }
  return nil
}

// Interfaces matching `pattern` that are up and hold at least one address.
func matchingInterfaces(ifaces []NetInterface, pattern string) ([]NetInterface, error) {
  var matched []NetInterface
  for _,iface := range ifaces {
    if !iface.Up || len(iface.Addrs) < 1 { continue }
    ok, err := fpmod.Match(pattern, iface.Name)
    if err != nil { return nil, fmt.Errorf("%w bad interface pattern '%s': %v", types.ErrBadConfig, pattern, err) }
    if ok { matched = append(matched, iface) }
  }
  return matched, nil
}

func (self *transferClient) checkNetwork(ctx context.Context) error {
  prereq := self.conf.Client.Network
  if len(prereq.RequiredInterface) < 1 && !prereq.RequireSameSubnet { return nil }

  ifaces, err := self.net_probe.Interfaces()
  if err != nil { return fmt.Errorf("%w listing interfaces: %v", types.ErrPrerequisite, err) }
  pattern := util.CoalesceStr(prereq.RequiredInterface, "*")
  ifaces, err = matchingInterfaces(ifaces, pattern)
  if err != nil { return err }
  if len(ifaces) < 1 { return fmt.Errorf("%w no interface up with an address matching '%s'", types.ErrPrerequisite, pattern) }
  if !prereq.RequireSameSubnet { return nil }

  server_ips, err := self.net_probe.LookupIP(ctx, self.conf.Client.Host)
  if err != nil {
    return fmt.Errorf("%w resolving '%s': %v", types.ErrPrerequisite, self.conf.Client.Host, err)
  }
  for _,iface := range ifaces {
    for _,ipnet := range iface.Addrs {
      for _,ip := range server_ips {
        if !ipnet.Contains(ip) { continue }
        util.Debugf("Server %s is on the subnet of %s (%s)", ip, iface.Name, ipnet)
        return nil
      }
    }
  }
  return fmt.Errorf("%w server '%s' is not on a local subnet", types.ErrPrerequisite, self.conf.Client.Host)
}

// Checks power and network conditions before any connection is attempted.
func (self *transferClient) CheckPrerequisites(ctx context.Context) error {
  if err := self.checkPower(); err != nil { return err }
  return self.checkNetwork(ctx)
}
