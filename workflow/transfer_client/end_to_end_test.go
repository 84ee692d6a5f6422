package transfer_client

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "io"
  "net"
  "os"
  fpmod "path/filepath"
  "sync"
  "testing"

  "btrfs_syncd/pipeline"
  "btrfs_syncd/transport"
  "btrfs_syncd/types"
  "btrfs_syncd/types/mocks"
  "btrfs_syncd/util"
  "btrfs_syncd/volume_source"
  "btrfs_syncd/workflow/session_server"
)

// Real server, client, pipeline and catalog.
// Only the btrfs commands are replaced by shell commands working on plain directories.
type endToEnd struct {
  pki      *util.TestPki
  port     int
  journal  *mocks.SessionJournal
  cancel   context.CancelFunc
  done     chan error
}

func startEndToEnd(t *testing.T, paths map[string]string) *endToEnd {
  t.Helper()
  pki, err := util.NewTestPki("ca")
  if err != nil { t.Fatalf("NewTestPki: %v", err) }
  cert, err := pki.IssueCert("server")
  if err != nil { t.Fatalf("IssueCert: %v", err) }
  conf := &types.Config{}
  conf.Server.ListenAddr = "127.0.0.1:0"
  conf.Server.Paths = paths

  pipe, err := pipeline.NewPipeline(conf)
  if err != nil { t.Fatalf("NewPipeline: %v", err) }
  journal := mocks.NewSessionJournal()
  server, err := session_server.NewSessionServer(
    conf, &transport.Material{ Pool: pki.CaPool, Cert: cert.Cert, },
    session_server.NewPathTableAuthorizer(paths), &mocks.Btrfsutil{}, pipe, journal)
  if err != nil { t.Fatalf("NewSessionServer: %v", err) }
  if err = server.Listen(); err != nil { t.Fatalf("Listen: %v", err) }

  ctx, cancel := context.WithTimeout(context.Background(), util.HugeTimeout)
  e2e := &endToEnd{
    pki: pki,
    port: server.Addr().(*net.TCPAddr).Port,
    journal: journal,
    cancel: cancel,
    done: make(chan error, 1),
  }
  go func() { e2e.done <- server.Serve(ctx) }()
  t.Cleanup(func() { e2e.stop(t) })
  return e2e
}

func (self *endToEnd) stop(t *testing.T) {
  if self.cancel == nil { return }
  self.cancel()
  self.cancel = nil
  if err := <-self.done; err != nil { t.Errorf("Serve: %v", err) }
}

// Snapshot directories holding the payload that the fake `btrfs send` streams.
func snapshotTree(t *testing.T, root string, payloads map[string][]byte, keep []string) {
  t.Helper()
  snaps := make([]string, 0, len(payloads))
  for snap := range payloads { snaps = append(snaps, snap) }
  util.DummySnapshotTree(t, root, snaps, keep)
  for snap,payload := range payloads {
    err := os.WriteFile(fpmod.Join(root, snap, mocks.PayloadName), payload, 0644)
    if err != nil { t.Fatalf("WriteFile: %v", err) }
  }
}

func (self *endToEnd) newClient(t *testing.T, identity string, snap_root string) (types.TransferClient, *mocks.Btrfsutil) {
  t.Helper()
  cert, err := self.pki.IssueCert(identity)
  if err != nil { t.Fatalf("IssueCert: %v", err) }
  conf := &types.Config{}
  conf.Client.Host = "127.0.0.1"
  conf.Client.Port = self.port
  conf.Client.Paths = []types.BackupPath{ { Name: identity, Path: snap_root, }, }

  btrfs := &mocks.Btrfsutil{}
  catalog, err := volume_source.NewSnapshotCatalog(btrfs)
  if err != nil { t.Fatalf("NewSnapshotCatalog: %v", err) }
  pipe, err := pipeline.NewPipeline(conf)
  if err != nil { t.Fatalf("NewPipeline: %v", err) }
  client, err := NewTransferClient(conf, &transport.Material{ Pool: self.pki.CaPool, Cert: cert.Cert, },
                                   catalog, btrfs, mocks.NewLinuxutil(), pipe)
  if err != nil { t.Fatalf("NewTransferClient: %v", err) }
  return client, btrfs
}

func runBackup(t *testing.T, client types.TransferClient) *types.TransferOutcome {
  t.Helper()
  ctx, cancel := context.WithTimeout(context.Background(), util.HugeTimeout)
  defer cancel()
  outcomes, err := client.BackupAll(ctx)
  if err != nil { t.Fatalf("BackupAll: %v", err) }
  if len(outcomes) != 1 { t.Fatalf("expected a single subvolume: %s", util.AsJson(outcomes)) }
  return outcomes[0]
}

func TestEndToEnd_IncrementalSendPrunes(t *testing.T) {
  recv_dir := t.TempDir()
  e2e := startEndToEnd(t, map[string]string{ "laptop": recv_dir })
  snap_root := t.TempDir()
  old_snap, new_snap := "web@20240101-0000+0000", "web@20240102-0000+0000"
  payload := bytes.Repeat([]byte("diff "), 4096)
  snapshotTree(t, snap_root, map[string][]byte{ old_snap: []byte("old"), new_snap: payload, },
               []string{ old_snap })
  client, btrfs := e2e.newClient(t, "laptop", snap_root)

  outcome := runBackup(t, client)
  e2e.stop(t)
  if outcome.Err != nil || !outcome.Pruned { t.Fatalf("bad outcome: %s", util.AsJson(outcome)) }
  if outcome.Result.Digest != mocks.Digest(payload) { t.Errorf("bad digest: %s", outcome.Result.Digest) }

  received, err := os.ReadFile(fpmod.Join(recv_dir, mocks.ReceivedName))
  if err != nil { t.Fatalf("server did not receive: %v", err) }
  if !bytes.Equal(received, payload) { t.Errorf("received %d bytes, sent %d", len(received), len(payload)) }
  util.EqualsOrFailTest(t, "Client disk", util.DirEntryNames(t, snap_root),
                        []string{ new_snap, new_snap + types.KeepMarkerSuffix })
  util.EqualsOrFailTest(t, "Deleted", btrfs.DeleteCalls, [][]string{ { old_snap } })

  recs := e2e.journal.All()
  if len(recs) != 1 || !recs[0].Success || recs[0].Identity != "laptop" || recs[0].Digest != mocks.Digest(payload) {
    t.Errorf("bad journal: %s", util.AsJson(recs))
  }
}

func TestEndToEnd_SecondRunIsNoop(t *testing.T) {
  recv_dir := t.TempDir()
  e2e := startEndToEnd(t, map[string]string{ "laptop": recv_dir })
  snap_root := t.TempDir()
  snap := "web@20240101-0000+0000"
  snapshotTree(t, snap_root, map[string][]byte{ snap: []byte("full"), }, nil)
  client, btrfs := e2e.newClient(t, "laptop", snap_root)

  if outcome := runBackup(t, client); outcome.Err != nil || !outcome.Pruned {
    t.Fatalf("first run: %s", util.AsJson(outcome))
  }
  if outcome := runBackup(t, client); !outcome.Skipped || outcome.Err != nil {
    t.Errorf("second run should skip: %s", util.AsJson(outcome))
  }
  e2e.stop(t)
  if len(e2e.journal.All()) != 1 { t.Errorf("second run should not contact the server") }
  if btrfs.DeleteCallCount() != 0 { t.Errorf("nothing to delete: %v", btrfs.DeleteCalls) }
}

// Passes the first `left` bytes to the data connection then fails like a dropped link.
type cutWriter struct {
  sink io.Writer
  left int
}
func (self *cutWriter) Write(p []byte) (int, error) {
  if len(p) <= self.left {
    self.left -= len(p)
    return self.sink.Write(p)
  }
  n, _ := self.sink.Write(p[:self.left])
  self.left = 0
  return n, fmt.Errorf("connection reset by peer")
}

type droppingPipeline struct {
  types.Pipeline
  after int
}
func (self *droppingPipeline) RunProducer(
    ctx context.Context, send_args []string, cwd string, sink io.Writer) (*types.PipelineResult, error) {
  return self.Pipeline.RunProducer(ctx, send_args, cwd, &cutWriter{ sink: sink, left: self.after, })
}

func TestEndToEnd_DroppedConnectionRetriesSamePair(t *testing.T) {
  recv_dir := t.TempDir()
  e2e := startEndToEnd(t, map[string]string{ "laptop": recv_dir })
  snap_root := t.TempDir()
  old_snap, new_snap := "web@20240101-0000+0000", "web@20240102-0000+0000"
  payload := bytes.Repeat([]byte("half "), 2048)
  snapshotTree(t, snap_root, map[string][]byte{ old_snap: []byte("old"), new_snap: payload, },
               []string{ old_snap })
  before := util.DirEntryNames(t, snap_root)
  client, btrfs := e2e.newClient(t, "laptop", snap_root)
  real_pipe := client.(*transferClient).pipeline
  client.(*transferClient).pipeline = &droppingPipeline{ Pipeline: real_pipe, after: len(payload) / 2, }

  outcome := runBackup(t, client)
  if !errors.Is(outcome.Err, types.ErrTransfer) || outcome.Pruned {
    t.Fatalf("expected a transfer error: %s", util.AsJson(outcome))
  }
  util.EqualsOrFailTest(t, "Client disk", util.DirEntryNames(t, snap_root), before)
  if btrfs.DeleteCallCount() != 0 { t.Errorf("nothing should be deleted") }

  client.(*transferClient).pipeline = real_pipe
  retry := runBackup(t, client)
  e2e.stop(t)
  if retry.Err != nil || !retry.Pruned || retry.Base != old_snap || retry.Newest != new_snap {
    t.Errorf("retry should resend the same pair: %s", util.AsJson(retry))
  }
  received, err := os.ReadFile(fpmod.Join(recv_dir, mocks.ReceivedName))
  if err != nil { t.Fatalf("server did not receive: %v", err) }
  if !bytes.Equal(received, payload) { t.Errorf("retry received %d bytes, want %d", len(received), len(payload)) }
}

func TestEndToEnd_UnknownIdentity(t *testing.T) {
  recv_dir := t.TempDir()
  e2e := startEndToEnd(t, map[string]string{ "laptop": recv_dir })
  snap_root := t.TempDir()
  snaps := map[string][]byte{ "web@20240101-0000+0000": []byte("a"), "web@20240102-0000+0000": []byte("b"), }
  snapshotTree(t, snap_root, snaps, nil)
  before := util.DirEntryNames(t, snap_root)
  client, _ := e2e.newClient(t, "intruder", snap_root)

  outcome := runBackup(t, client)
  e2e.stop(t)
  if !errors.Is(outcome.Err, types.ErrAuthorization) || outcome.DataPort != 0 {
    t.Errorf("expected rejection: %s", util.AsJson(outcome))
  }
  util.EqualsOrFailTest(t, "Client disk", util.DirEntryNames(t, snap_root), before)
  util.EqualsOrFailTest(t, "Server disk", util.DirEntryNames(t, recv_dir), []string{})
  recs := e2e.journal.All()
  if len(recs) != 1 || recs[0].State != session_server.REJECTED.String() {
    t.Errorf("bad journal: %s", util.AsJson(recs))
  }
}

func TestEndToEnd_ApplierFailureKeepsSnapshots(t *testing.T) {
  recv_dir := fpmod.Join(t.TempDir(), "will_fail")
  if err := os.Mkdir(recv_dir, 0755); err != nil { t.Fatalf("Mkdir: %v", err) }
  e2e := startEndToEnd(t, map[string]string{ "laptop": recv_dir })
  snap_root := t.TempDir()
  old_snap, new_snap := "web@20240101-0000+0000", "web@20240102-0000+0000"
  snapshotTree(t, snap_root, map[string][]byte{ old_snap: []byte("a"), new_snap: []byte("b"), },
               []string{ old_snap })
  before := util.DirEntryNames(t, snap_root)
  client, btrfs := e2e.newClient(t, "laptop", snap_root)

  outcome := runBackup(t, client)
  e2e.stop(t)
  if !errors.Is(outcome.Err, types.ErrSubprocess) || outcome.Pruned {
    t.Errorf("expected applier failure: %s", util.AsJson(outcome))
  }
  util.EqualsOrFailTest(t, "Client disk", util.DirEntryNames(t, snap_root), before)
  if btrfs.DeleteCallCount() != 0 { t.Errorf("nothing should be deleted") }
  recs := e2e.journal.All()
  if len(recs) != 1 || recs[0].Success || recs[0].ReturnCode != 1 {
    t.Errorf("bad journal: %s", util.AsJson(recs))
  }
}

func TestEndToEnd_ApplierExitsBeforeReading(t *testing.T) {
  recv_dir := fpmod.Join(t.TempDir(), "early_exit")
  if err := os.Mkdir(recv_dir, 0755); err != nil { t.Fatalf("Mkdir: %v", err) }
  e2e := startEndToEnd(t, map[string]string{ "laptop": recv_dir })
  snap_root := t.TempDir()
  old_snap, new_snap := "web@20240101-0000+0000", "web@20240102-0000+0000"
  // Larger than the socket buffers so the sender notices the closed connection.
  payload := bytes.Repeat([]byte("stream "), 2 * 1024 * 1024)
  snapshotTree(t, snap_root, map[string][]byte{ old_snap: []byte("a"), new_snap: payload, },
               []string{ old_snap })
  before := util.DirEntryNames(t, snap_root)
  client, btrfs := e2e.newClient(t, "laptop", snap_root)

  outcome := runBackup(t, client)
  e2e.stop(t)
  if !errors.Is(outcome.Err, types.ErrSubprocess) || outcome.Pruned {
    t.Errorf("expected the applier exit code: %s", util.AsJson(outcome))
  }
  util.EqualsOrFailTest(t, "Client disk", util.DirEntryNames(t, snap_root), before)
  if btrfs.DeleteCallCount() != 0 { t.Errorf("nothing should be deleted") }
  recs := e2e.journal.All()
  if len(recs) != 1 || recs[0].Success || recs[0].ReturnCode != 1 {
    t.Errorf("bad journal: %s", util.AsJson(recs))
  }
}

func TestEndToEnd_ConcurrentClients(t *testing.T) {
  identities := []string{ "alpha", "beta", "gamma" }
  paths := make(map[string]string)
  for _,id := range identities { paths[id] = t.TempDir() }
  e2e := startEndToEnd(t, paths)

  clients := make(map[string]types.TransferClient)
  for _,id := range identities {
    snap_root := t.TempDir()
    snapshotTree(t, snap_root, map[string][]byte{ id + "@20240101-0000+0000": []byte("payload of " + id), }, nil)
    clients[id], _ = e2e.newClient(t, id, snap_root)
  }

  var wg sync.WaitGroup
  for id,client := range clients {
    wg.Add(1)
    go func(id string, client types.TransferClient) {
      defer wg.Done()
      ctx, cancel := context.WithTimeout(context.Background(), util.HugeTimeout)
      defer cancel()
      outcomes, err := client.BackupAll(ctx)
      if err != nil || len(outcomes) != 1 || !outcomes[0].Pruned {
        t.Errorf("%s: %v %s", id, err, util.AsJson(outcomes))
      }
    }(id, client)
  }
  wg.Wait()
  e2e.stop(t)

  for _,id := range identities {
    received, err := os.ReadFile(fpmod.Join(paths[id], mocks.ReceivedName))
    if err != nil { t.Errorf("%s: %v", id, err); continue }
    util.EqualsOrFailTest(t, "Streams must not mix", string(received), "payload of " + id)
  }
  if len(e2e.journal.All()) != len(identities) { t.Errorf("one session per client") }
}

func TestEndToEnd_ConcurrentMixedOutcomes(t *testing.T) {
  bad_dir := fpmod.Join(t.TempDir(), "will_fail")
  if err := os.Mkdir(bad_dir, 0755); err != nil { t.Fatalf("Mkdir: %v", err) }
  paths := map[string]string{ "alpha": t.TempDir(), "beta": bad_dir, "gamma": t.TempDir(), }
  e2e := startEndToEnd(t, paths)

  old_snap, new_snap := "web@20240101-0000+0000", "web@20240102-0000+0000"
  expect := map[string]error{
    "alpha": nil, "beta": types.ErrSubprocess, "gamma": nil, "intruder": types.ErrAuthorization,
  }
  roots := make(map[string]string)
  befores := make(map[string][]string)
  clients := make(map[string]types.TransferClient)
  for id := range expect {
    roots[id] = t.TempDir()
    snapshotTree(t, roots[id], map[string][]byte{ old_snap: []byte("old"), new_snap: []byte("new of " + id), },
                 []string{ old_snap })
    befores[id] = util.DirEntryNames(t, roots[id])
    clients[id], _ = e2e.newClient(t, id, roots[id])
  }

  var mutex sync.Mutex
  outcomes := make(map[string]*types.TransferOutcome)
  var wg sync.WaitGroup
  for id,client := range clients {
    wg.Add(1)
    go func(id string, client types.TransferClient) {
      defer wg.Done()
      ctx, cancel := context.WithTimeout(context.Background(), util.HugeTimeout)
      defer cancel()
      result, err := client.BackupAll(ctx)
      if err != nil || len(result) != 1 { t.Errorf("%s: %v %s", id, err, util.AsJson(result)); return }
      mutex.Lock()
      outcomes[id] = result[0]
      mutex.Unlock()
    }(id, client)
  }
  wg.Wait()
  e2e.stop(t)

  for id,expect_err := range expect {
    outcome := outcomes[id]
    if outcome == nil { continue }
    if expect_err == nil {
      if outcome.Err != nil || !outcome.Pruned { t.Errorf("%s should prune: %s", id, util.AsJson(outcome)) }
      util.EqualsOrFailTest(t, id + " disk", util.DirEntryNames(t, roots[id]),
                            []string{ new_snap, new_snap + types.KeepMarkerSuffix })
      continue
    }
    if !errors.Is(outcome.Err, expect_err) || outcome.Pruned {
      t.Errorf("%s should fail with %v: %s", id, expect_err, util.AsJson(outcome))
    }
    util.EqualsOrFailTest(t, id + " disk", util.DirEntryNames(t, roots[id]), befores[id])
  }
}
