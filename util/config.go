package util

import (
  "fmt"
  "io"
  "net"
  "os"
  fpmod "path/filepath"
  "strconv"

  "btrfs_syncd/types"

  "github.com/BurntSushi/toml"
)

func ReadConfig(r io.Reader) (*types.Config, error) {
  conf := &types.Config{}
  meta, err := toml.NewDecoder(r).Decode(conf)
  if err != nil { return nil, fmt.Errorf("%w failed to decode: %v", types.ErrBadConfig, err) }
  for _,key := range meta.Undecoded() {
    Warnf("Unknown config key '%s'", key.String())
  }
  ApplyDefaults(conf)
  return conf, nil
}

func LoadConfig(path string) (*types.Config, error) {
  f, err := os.Open(path)
  if err != nil { return nil, fmt.Errorf("%w %v", types.ErrBadConfig, err) }
  defer f.Close()
  conf, err := ReadConfig(f)
  if err != nil { return nil, fmt.Errorf("reading %s: %w", path, err) }
  // Key files are relative to the config file unless said otherwise.
  if len(conf.Tls.KeyDir) == 0 { conf.Tls.KeyDir = fpmod.Dir(path) }
  Infof("Loaded config from '%s'", path)
  return conf, nil
}

func ApplyDefaults(conf *types.Config) {
  if len(conf.Server.ListenAddr) == 0 {
    conf.Server.ListenAddr = net.JoinHostPort("", strconv.Itoa(types.DefaultControlPort))
  }
  if conf.Client.Port == 0 { conf.Client.Port = types.DefaultControlPort }
  if len(conf.Btrfs.Bin) == 0 { conf.Btrfs.Bin = types.DefaultBtrfsBin }
  if len(conf.Btrfs.MountBin) == 0 { conf.Btrfs.MountBin = types.DefaultMountBin }
  if len(conf.Journal.Type) == 0 { conf.Journal.Type = types.JournalNone }
  for idx,bp := range conf.Client.Paths {
    if bp.Automount && len(bp.MountPath) == 0 { conf.Client.Paths[idx].MountPath = bp.Path }
  }
}

// Returns the absolute path of a key file from the [tls] section.
func KeyPath(conf *types.Config, name string) string {
  if fpmod.IsAbs(name) || len(conf.Tls.KeyDir) == 0 { return name }
  return fpmod.Join(conf.Tls.KeyDir, name)
}

func validateTls(conf *types.Config) error {
  if len(conf.Tls.CaCert) == 0 || len(conf.Tls.Cert) == 0 || len(conf.Tls.Key) == 0 {
    return fmt.Errorf("%w tls needs ca_cert, cert and key", types.ErrBadConfig)
  }
  return nil
}

func ValidateServerConfig(conf *types.Config) error {
  if err := validateTls(conf); err != nil { return err }
  if len(conf.Server.Paths) == 0 {
    return fmt.Errorf("%w server has no paths", types.ErrBadConfig)
  }
  seen := make(map[string]string)
  for identity,path := range conf.Server.Paths {
    if len(identity) == 0 { return fmt.Errorf("%w empty identity", types.ErrBadConfig) }
    if !fpmod.IsAbs(path) {
      return fmt.Errorf("%w path for '%s' is not absolute: '%s'", types.ErrBadConfig, identity, path)
    }
    clean := fpmod.Clean(path)
    if other,found := seen[clean]; found {
      return fmt.Errorf("%w '%s' and '%s' share path '%s'", types.ErrBadConfig, other, identity, clean)
    }
    seen[clean] = identity
  }
  return validateJournal(conf)
}

func ValidateClientConfig(conf *types.Config) error {
  if err := validateTls(conf); err != nil { return err }
  if len(conf.Client.Host) == 0 { return fmt.Errorf("%w client needs a host", types.ErrBadConfig) }
  if conf.Client.Port < 1 || conf.Client.Port > 65535 {
    return fmt.Errorf("%w bad port %d", types.ErrBadConfig, conf.Client.Port)
  }
  names := make(map[string]bool)
  for _,bp := range conf.Client.Paths {
    if len(bp.Name) == 0 || !fpmod.IsAbs(bp.Path) {
      return fmt.Errorf("%w bad backup path: %s", types.ErrBadConfig, AsJson(bp))
    }
    if names[bp.Name] { return fmt.Errorf("%w duplicate path name '%s'", types.ErrBadConfig, bp.Name) }
    names[bp.Name] = true
  }
  if conf.Transfer.BufferSize < 0 || conf.Transfer.RateLimitBytesPerSec < 0 {
    return fmt.Errorf("%w negative transfer settings", types.ErrBadConfig)
  }
  return nil
}

func validateJournal(conf *types.Config) error {
  switch conf.Journal.Type {
    case types.JournalNone:
    case types.JournalLocalFs:
      if len(conf.Journal.Dir) == 0 { return fmt.Errorf("%w local_fs journal needs dir", types.ErrBadConfig) }
    case types.JournalAwsDynamoDb:
      if len(conf.Journal.TableName) == 0 { return fmt.Errorf("%w dynamodb journal needs table_name", types.ErrBadConfig) }
    case types.JournalAwsS3:
      if len(conf.Journal.Bucket) == 0 { return fmt.Errorf("%w s3 journal needs bucket", types.ErrBadConfig) }
    default:
      return fmt.Errorf("%w unknown journal type '%s'", types.ErrBadConfig, conf.Journal.Type)
  }
  return nil
}
