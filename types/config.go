package types

import "time"

const (
  DefaultConfigPath = "/etc/btrfs-syncd/btrfs-syncd.toml"
  DefaultControlPort = 7865
  DefaultHandshakeTimeoutSecs = 30
  DefaultDataAcceptTimeoutSecs = 60
  DefaultProgressIntervalSecs = 30
  DefaultBtrfsBin = "btrfs"
  DefaultMountBin = "mount"
)

const (
  JournalNone = "none"
  JournalLocalFs = "local_fs"
  JournalAwsDynamoDb = "aws_dynamodb"
  JournalAwsS3 = "aws_s3"
)

// Certificate material shared by both ends.
// Relative file names are resolved against `KeyDir`.
type TlsConf struct {
  KeyDir     string `toml:"key_dir"`
  CaCert     string `toml:"ca_cert"`
  Cert       string `toml:"cert"`
  Key        string `toml:"key"`
  // When empty the client only verifies the server chain, not its host name.
  ServerName string `toml:"server_name"`
}

type ServerConf struct {
  ListenAddr            string `toml:"listen_addr"`
  HandshakeTimeoutSecs  int    `toml:"handshake_timeout_secs"`
  DataAcceptTimeoutSecs int    `toml:"data_accept_timeout_secs"`
  // Certificate common name -> directory receiving the snapshots.
  Paths map[string]string `toml:"paths"`
}

type BackupPath struct {
  Name      string `toml:"name"`
  Path      string `toml:"path"`
  Automount bool   `toml:"automount"`
  MountPath string `toml:"mount_path"`
}

type NetworkPrereq struct {
  // Glob pattern matched against interface names.
  RequiredInterface string `toml:"required_interface"`
  RequireSameSubnet bool   `toml:"require_same_subnet"`
}

type PowerPrereq struct {
  RequireAcPower bool `toml:"require_ac_power"`
}

type ClientConf struct {
  Host                 string        `toml:"host"`
  Port                 int           `toml:"port"`
  HandshakeTimeoutSecs int           `toml:"handshake_timeout_secs"`
  Paths                []BackupPath  `toml:"paths"`
  Network              NetworkPrereq `toml:"network"`
  Power                PowerPrereq   `toml:"power"`
}

type BtrfsConf struct {
  Bin      string `toml:"bin"`
  MountBin string `toml:"mount_bin"`
}

type TransferConf struct {
  BufferSize           int      `toml:"buffer_size"`
  MonitorCmd           []string `toml:"monitor_cmd"`
  RateLimitBytesPerSec int64    `toml:"rate_limit_bytes_per_sec"`
  ProgressIntervalSecs int      `toml:"progress_interval_secs"`
}

type JournalConf struct {
  Type      string `toml:"type"`
  Dir       string `toml:"dir"`
  TableName string `toml:"table_name"`
  Bucket    string `toml:"bucket"`
  Prefix    string `toml:"prefix"`
}

type AwsConf struct {
  Region          string `toml:"region"`
  Profile         string `toml:"profile"`
  AccessKeyId     string `toml:"access_key_id"`
  SecretAccessKey string `toml:"secret_access_key"`
  SessionToken    string `toml:"session_token"`
}

type Config struct {
  Tls      TlsConf      `toml:"tls"`
  Server   ServerConf   `toml:"server"`
  Client   ClientConf   `toml:"client"`
  Btrfs    BtrfsConf    `toml:"btrfs"`
  Transfer TransferConf `toml:"transfer"`
  Journal  JournalConf  `toml:"journal"`
  Aws      AwsConf      `toml:"aws"`
}

func secsOr(secs int, def int) time.Duration {
  if secs > 0 { return time.Duration(secs) * time.Second }
  return time.Duration(def) * time.Second
}

func (self *ServerConf) HandshakeTimeout() time.Duration {
  return secsOr(self.HandshakeTimeoutSecs, DefaultHandshakeTimeoutSecs)
}
func (self *ServerConf) DataAcceptTimeout() time.Duration {
  return secsOr(self.DataAcceptTimeoutSecs, DefaultDataAcceptTimeoutSecs)
}
func (self *ClientConf) HandshakeTimeout() time.Duration {
  return secsOr(self.HandshakeTimeoutSecs, DefaultHandshakeTimeoutSecs)
}
func (self *TransferConf) ProgressInterval() time.Duration {
  return secsOr(self.ProgressIntervalSecs, DefaultProgressIntervalSecs)
}
