package transfer_client

import (
  "context"
  "crypto/tls"
  "errors"
  "fmt"
  "net"
  "sort"
  "strconv"
  "time"

  "btrfs_syncd/messages"
  "btrfs_syncd/shim"
  "btrfs_syncd/transport"
  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "github.com/dustin/go-humanize"
)

type transferClient struct {
  conf              *types.Config
  tls_conf          *tls.Config
  catalog           types.SnapshotCatalog
  btrfsutil         types.Btrfsutil
  linuxutil         types.Linuxutil
  pipeline          types.Pipeline
  net_probe         NetProbe
  server_host       string
  handshake_timeout time.Duration
}

func NewTransferClient(
    conf *types.Config, tls_mat *transport.Material, catalog types.SnapshotCatalog,
    btrfsutil types.Btrfsutil, linuxutil types.Linuxutil, pipeline types.Pipeline) (types.TransferClient, error) {
  if tls_mat == nil || catalog == nil || btrfsutil == nil || linuxutil == nil || pipeline == nil {
    return nil, fmt.Errorf("%w transfer client needs tls, catalog, btrfs, linux and pipeline", types.ErrBadConfig)
  }
  if len(conf.Client.Host) < 1 { return nil, fmt.Errorf("%w client needs a host", types.ErrBadConfig) }
  client := &transferClient{
    conf: conf,
    tls_conf: transport.NewClientTlsConfig(tls_mat, conf.Tls.ServerName),
    catalog: catalog,
    btrfsutil: btrfsutil,
    linuxutil: linuxutil,
    pipeline: pipeline,
    net_probe: &sysNetProbe{},
    server_host: conf.Client.Host,
    handshake_timeout: conf.Client.HandshakeTimeout(),
  }
  return client, nil
}

func (self *transferClient) addr(port int) string {
  return net.JoinHostPort(self.server_host, strconv.Itoa(port))
}

// Waits for the auth result, the server does not send anything else before it.
func (self *transferClient) readAuth(ctrl *tls.Conn, reader *messages.MessageReader) (*messages.AuthResult, error) {
  if err := ctrl.SetReadDeadline(time.Now().Add(self.handshake_timeout)); err != nil { return nil, err }
  auth := &messages.AuthResult{}
  if err := reader.ReadMessage(auth); err != nil { return nil, err }
  if err := ctrl.SetReadDeadline(time.Time{}); err != nil { return nil, err }
  if !auth.Success {
    return auth, fmt.Errorf("%w server refused: %s", types.ErrAuthorization, auth.Reason)
  }
  return auth, nil
}

// Streams the diff over a fresh connection to `port`.
// The data connection is closed on return so the server sees EOF.
func (self *transferClient) send(
    ctx context.Context, rec *types.SubvolumeRecord, port int) (*types.PipelineResult, error) {
  data, err := transport.Dial(ctx, self.tls_conf, self.addr(port), self.handshake_timeout)
  if err != nil { return nil, err }
  defer data.Close()
  stop_watch := transport.CloseOnDone(ctx, data)
  defer stop_watch()

  send_args := self.btrfsutil.SendArgs(rec.Newest, rec.Base)
  result, err := self.pipeline.RunProducer(ctx, send_args, rec.Cwd, data)
  if err != nil { return result, err }
  if err := data.Close(); err != nil {
    return result, fmt.Errorf("%w closing data connection: %v", types.ErrTransfer, err)
  }
  if result.ExitCode != 0 {
    util.Warnf("Generator for '%s' exited with %d, the server decides the outcome", rec.Newest, result.ExitCode)
  }
  return result, nil
}

// The applier exiting early is the usual cause of a broken data connection.
// Waits a bounded time for the server report so its exit code becomes the reported error.
func (self *transferClient) explainSendError(
    ctx context.Context, ctrl *tls.Conn, reader *messages.MessageReader, send_err error) error {
  if ctx.Err() != nil { return send_err }
  if err := ctrl.SetReadDeadline(time.Now().Add(self.handshake_timeout)); err != nil { return send_err }
  report := &messages.TransferResult{}
  if err := reader.ReadMessage(report); err != nil {
    util.Debugf("No report after the send failed: %v", err)
    return send_err
  }
  if report.Success { return send_err }
  return fmt.Errorf("%w server applier exited with %d (send: %v)",
                    types.ErrSubprocess, report.ReturnCode, send_err)
}

// Only a success report whose digest matches what was sent allows pruning.
func checkReport(report *messages.TransferResult, result *types.PipelineResult) error {
  if !report.Success || report.ReturnCode != 0 {
    return fmt.Errorf("%w server applier exited with %d", types.ErrSubprocess, report.ReturnCode)
  }
  if len(report.Digest) > 0 && result != nil && report.Digest != result.Digest {
    return fmt.Errorf("%w digest mismatch, sent %s received %s", types.ErrTransfer, result.Digest, report.Digest)
  }
  if report.Bytes > 0 && result != nil && report.Bytes != result.Bytes {
    return fmt.Errorf("%w sent %d bytes, server got %d", types.ErrTransfer, result.Bytes, report.Bytes)
  }
  return nil
}

func (self *transferClient) BackupSubvolume(ctx context.Context, rec *types.SubvolumeRecord) *types.TransferOutcome {
  outcome := &types.TransferOutcome{ Subvolume: rec.Name, Base: rec.Base, Newest: rec.Newest, }
  if rec.IsSynced() {
    util.Infof("'%s' already on remote: %s", rec.Name, rec.Newest)
    outcome.Skipped = true
    return outcome
  }

  ctrl, err := transport.Dial(ctx, self.tls_conf, self.addr(self.conf.Client.Port), self.handshake_timeout)
  if err != nil { outcome.Err = err; return outcome }
  defer ctrl.Close()
  stop_watch := transport.CloseOnDone(ctx, ctrl)
  defer stop_watch()
  reader := messages.NewMessageReader(ctrl)

  auth, err := self.readAuth(ctrl, reader)
  if err != nil { outcome.Err = err; return outcome }
  outcome.DataPort = auth.NewPort
  util.Debugf("'%s' authorized, data port %d", rec.Name, auth.NewPort)

  outcome.Result, err = self.send(ctx, rec, auth.NewPort)
  // Without a complete stream the server result cannot mean success.
  if err != nil { outcome.Err = self.explainSendError(ctx, ctrl, reader, err); return outcome }

  report := &messages.TransferResult{}
  if err = reader.ReadMessage(report); err != nil {
    if ctx.Err() != nil { err = fmt.Errorf("%w %v", types.ErrTransfer, ctx.Err()) }
    outcome.Err = err
    return outcome
  }
  if err = checkReport(report, outcome.Result); err != nil { outcome.Err = err; return outcome }

  if err = self.catalog.Prune(ctx, rec); err != nil {
    outcome.Err = fmt.Errorf("transfer of '%s' done but prune failed: %w", rec.Newest, err)
    return outcome
  }
  outcome.Pruned = true
  util.Infof("Sent '%s' (base '%s'): %s", rec.Newest, outcome.Base,
             humanize.Bytes(uint64(outcome.Result.Bytes)))
  return outcome
}

// Mounts `bp` if configured to and not mounted already.
// Returns a function undoing whatever was done.
func (self *transferClient) ensureMounted(ctx context.Context, bp *types.BackupPath) (func(), error) {
  noop := func() {}
  if !bp.Automount { return noop, nil }
  mount_path := util.CoalesceStr(bp.MountPath, bp.Path)
  is_mnt, err := self.linuxutil.IsMountPoint(mount_path)
  if err != nil { return noop, err }
  if is_mnt { return noop, nil }

  if err = self.linuxutil.Mount(ctx, mount_path); err != nil { return noop, err }
  util.Infof("Mounted '%s'", mount_path)
  umount := func() {
    if err := self.linuxutil.UMount(mount_path); err != nil {
      util.Warnf("Could not unmount '%s': %v", mount_path, err)
    }
  }
  return umount, nil
}

func (self *transferClient) backupPath(ctx context.Context, bp *types.BackupPath) []*types.TransferOutcome {
  var outcomes []*types.TransferOutcome
  umount, err := self.ensureMounted(ctx, bp)
  if err != nil {
    return append(outcomes, &types.TransferOutcome{ Subvolume: bp.Name, Err: err, })
  }
  defer umount()

  records, err := self.catalog.Scan(bp.Path)
  if err != nil {
    util.Warnf("Scanning '%s': %v", bp.Path, err)
    outcomes = append(outcomes, &types.TransferOutcome{ Subvolume: bp.Name, Err: err, })
    if !errors.Is(err, types.ErrScan) || records == nil { return outcomes }
  }

  names := make([]string, 0, len(records))
  for name := range records { names = append(names, name) }
  sort.Strings(names)
  for _,name := range names {
    if ctx.Err() != nil {
      outcomes = append(outcomes, &types.TransferOutcome{ Subvolume: name, Err: ctx.Err(), })
      continue
    }
    outcomes = append(outcomes, self.BackupSubvolume(ctx, records[name]))
  }
  return outcomes
}

func (self *transferClient) BackupAll(ctx context.Context) ([]*types.TransferOutcome, error) {
  shim.CheckHost(self.linuxutil, "btrfs send and subvolume delete")
  if err := self.CheckPrerequisites(ctx); err != nil { return nil, err }

  var outcomes []*types.TransferOutcome
  for i := range self.conf.Client.Paths {
    outcomes = append(outcomes, self.backupPath(ctx, &self.conf.Client.Paths[i])...)
  }
  failed := 0
  for _,o := range outcomes {
    if o.Err != nil {
      failed += 1
      util.Warnf("'%s' failed: %v", o.Subvolume, o.Err)
    }
  }
  util.Infof("Backup done: %d subvolumes, %d failed", len(outcomes), failed)
  return outcomes, nil
}
