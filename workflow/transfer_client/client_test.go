package transfer_client

import (
  "context"
  "crypto/tls"
  "errors"
  "fmt"
  "io"
  "net"
  "strings"
  "sync"
  "testing"

  "btrfs_syncd/messages"
  "btrfs_syncd/transport"
  "btrfs_syncd/types"
  "btrfs_syncd/types/mocks"
  "btrfs_syncd/util"
)

// Plays the server side of the protocol for each control connection, one at a time.
type fakeServer struct {
  tls_conf  *tls.Config
  listener  net.Listener
  // Sent instead of an authorization when set.
  rejection *messages.AuthResult
  // Sent instead of the result computed from the received stream when set.
  report    *messages.TransferResult
  mutex     sync.Mutex
  received  [][]byte
  done      chan struct{}
}

func startFakeServer(t *testing.T, pki *util.TestPki) *fakeServer {
  t.Helper()
  cert, err := pki.IssueCert("server")
  if err != nil { t.Fatalf("IssueCert: %v", err) }
  conf := transport.NewServerTlsConfig(&transport.Material{ Pool: pki.CaPool, Cert: cert.Cert, })
  listener, err := transport.Listen("127.0.0.1:0", conf)
  if err != nil { t.Fatalf("Listen: %v", err) }
  server := &fakeServer{ tls_conf: conf, listener: listener, done: make(chan struct{}), }
  go server.serve()
  t.Cleanup(server.stop)
  return server
}

func (self *fakeServer) stop() {
  self.listener.Close()
  <-self.done
}

func (self *fakeServer) serve() {
  defer close(self.done)
  for {
    conn, err := self.listener.Accept()
    if err != nil { return }
    if err = self.handle(conn.(*tls.Conn)); err != nil { util.Debugf("fake server: %v", err) }
  }
}

func (self *fakeServer) handle(ctrl *tls.Conn) error {
  defer ctrl.Close()
  ctx, cancel := context.WithTimeout(context.Background(), util.HugeTimeout)
  defer cancel()
  if self.rejection != nil { return messages.WriteMessage(ctrl, self.rejection) }

  data_listener, err := transport.ListenEphemeral("127.0.0.1")
  if err != nil { return err }
  auth := messages.NewAuthOk(transport.ListenerPort(data_listener))
  if err = messages.WriteMessage(ctrl, auth); err != nil { data_listener.Close(); return err }
  data, err := transport.AcceptOne(ctx, data_listener, self.tls_conf, util.HugeTimeout)
  if err != nil { return err }
  payload, err := io.ReadAll(data)
  data.Close()
  self.mutex.Lock()
  self.received = append(self.received, payload)
  self.mutex.Unlock()
  if err != nil { return err }

  report := self.report
  if report == nil { report = messages.NewTransferResult(0, mocks.Digest(payload), int64(len(payload))) }
  return messages.WriteMessage(ctrl, report)
}

func (self *fakeServer) Received() [][]byte {
  self.mutex.Lock()
  defer self.mutex.Unlock()
  return append([][]byte{}, self.received...)
}

func (self *fakeServer) Port() int { return transport.ListenerPort(self.listener) }

type mockNetProbe struct {
  ifaces []NetInterface
  hosts  map[string][]net.IP
}

func (self *mockNetProbe) Interfaces() ([]NetInterface, error) { return self.ifaces, nil }
func (self *mockNetProbe) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
  if ips, found := self.hosts[host]; found { return ips, nil }
  return nil, fmt.Errorf("no such host %s", host)
}

func ipNet(cidr string) *net.IPNet {
  ip, ipnet, err := net.ParseCIDR(cidr)
  if err != nil { util.Fatalf("bad cidr %s", cidr) }
  ipnet.IP = ip
  return ipnet
}

type testClient struct {
  *transferClient
  server    *fakeServer
  catalog   *mocks.SnapshotCatalog
  pipeline  *mocks.Pipeline
  linuxutil *mocks.Linuxutil
}

func buildTestClient(t *testing.T, data []byte) *testClient {
  t.Helper()
  pki, err := util.NewTestPki("ca")
  if err != nil { t.Fatalf("NewTestPki: %v", err) }
  server := startFakeServer(t, pki)
  cert, err := pki.IssueCert("laptop")
  if err != nil { t.Fatalf("IssueCert: %v", err) }

  conf := &types.Config{}
  conf.Client.Host = "127.0.0.1"
  conf.Client.Port = server.Port()
  catalog := mocks.NewSnapshotCatalog()
  pipeline := mocks.NewPipeline(data)
  linuxutil := mocks.NewLinuxutil()
  client, err := NewTransferClient(conf, &transport.Material{ Pool: pki.CaPool, Cert: cert.Cert, },
                                   catalog, &mocks.Btrfsutil{}, linuxutil, pipeline)
  if err != nil { t.Fatalf("NewTransferClient: %v", err) }
  return &testClient{
    transferClient: client.(*transferClient),
    server: server,
    catalog: catalog,
    pipeline: pipeline,
    linuxutil: linuxutil,
  }
}

func backupCtx(t *testing.T) context.Context {
  ctx, cancel := context.WithTimeout(context.Background(), util.HugeTimeout)
  t.Cleanup(cancel)
  return ctx
}

func TestBackupSubvolume_Incremental(t *testing.T) {
  data := []byte("incremental diff")
  client := buildTestClient(t, data)
  rec := util.DummySubvolumeRecord("/snaps", "web", "web@1", "web@1", "web@2")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if outcome.Err != nil { t.Fatalf("BackupSubvolume: %v", outcome.Err) }
  if !outcome.Pruned || outcome.DataPort == 0 || outcome.Base != "web@1" || outcome.Newest != "web@2" {
    t.Errorf("bad outcome: %s", util.AsJson(outcome))
  }
  util.EqualsOrFailTest(t, "Bad send args", client.pipeline.Calls,
                        [][]string{ (&mocks.Btrfsutil{}).SendArgs("web@2", "web@1") })
  util.EqualsOrFailTest(t, "Server got", client.server.Received(), [][]byte{ data })
  util.EqualsOrFailTest(t, "Pruned", client.catalog.PruneCalls, []string{ "web" })
  if !rec.IsSynced() { t.Errorf("record should now be synced: %v", rec) }
}

func TestBackupSubvolume_SkipsSynced(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  rec := util.DummySubvolumeRecord("/snaps", "web", "web@2", "web@2")
  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !outcome.Skipped || outcome.Err != nil { t.Errorf("should be skipped: %s", util.AsJson(outcome)) }
  if client.pipeline.CallCount() != 0 || len(client.catalog.PruneCalls) != 0 {
    t.Errorf("nothing should happen for synced records")
  }
}

func TestBackupSubvolume_Rejected(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.server.rejection = messages.NewAuthRejected(messages.ReasonBadHostname)
  rec := util.DummySubvolumeRecord("/snaps", "web", "", "web@1")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !errors.Is(outcome.Err, types.ErrAuthorization) { t.Fatalf("expected rejection, got %v", outcome.Err) }
  if outcome.DataPort != 0 || outcome.Pruned { t.Errorf("bad outcome: %s", util.AsJson(outcome)) }
  if client.pipeline.CallCount() != 0 { t.Errorf("nothing should be sent") }
  if len(client.catalog.PruneCalls) != 0 { t.Errorf("should not prune") }
}

func TestBackupSubvolume_ApplierFailed(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.server.report = messages.NewTransferResult(1, "", 0)
  rec := util.DummySubvolumeRecord("/snaps", "web", "web@1", "web@1", "web@2")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !errors.Is(outcome.Err, types.ErrSubprocess) { t.Fatalf("expected applier failure, got %v", outcome.Err) }
  if outcome.Pruned || len(client.catalog.PruneCalls) != 0 { t.Errorf("must not prune on failure") }
  if rec.Base != "web@1" { t.Errorf("record should be untouched: %v", rec) }
}

func TestBackupSubvolume_DigestMismatch(t *testing.T) {
  data := []byte("data")
  client := buildTestClient(t, data)
  client.server.report = messages.NewTransferResult(0, mocks.Digest([]byte("other")), int64(len(data)))
  rec := util.DummySubvolumeRecord("/snaps", "web", "", "web@1")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !errors.Is(outcome.Err, types.ErrTransfer) { t.Fatalf("expected digest mismatch, got %v", outcome.Err) }
  if len(client.catalog.PruneCalls) != 0 { t.Errorf("must not prune on mismatch") }
}

func TestBackupSubvolume_ConnectionDropped(t *testing.T) {
  client := buildTestClient(t, []byte("a long enough stream"))
  client.pipeline.FailAfter = 3
  rec := util.DummySubvolumeRecord("/snaps", "web", "web@1", "web@1", "web@2")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !errors.Is(outcome.Err, types.ErrTransfer) { t.Fatalf("expected transfer error, got %v", outcome.Err) }
  if outcome.Pruned || len(client.catalog.PruneCalls) != 0 { t.Errorf("must not prune a partial transfer") }
  if rec.Base != "web@1" || len(rec.Extra) != 1 { t.Errorf("record should be untouched: %v", rec) }
}

func TestBackupSubvolume_ConnectionDroppedByApplierExit(t *testing.T) {
  client := buildTestClient(t, []byte("a long enough stream"))
  client.pipeline.FailAfter = 3
  client.server.report = messages.NewTransferResult(1, "", 3)
  rec := util.DummySubvolumeRecord("/snaps", "web", "web@1", "web@1", "web@2")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !errors.Is(outcome.Err, types.ErrSubprocess) {
    t.Fatalf("the server exit code should be reported, got %v", outcome.Err)
  }
  if !strings.Contains(outcome.Err.Error(), "exited with 1") { t.Errorf("missing exit code: %v", outcome.Err) }
  if outcome.Pruned || len(client.catalog.PruneCalls) != 0 { t.Errorf("must not prune a partial transfer") }
}

func TestBackupSubvolume_ServerUnreachable(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.server.stop()
  rec := util.DummySubvolumeRecord("/snaps", "web", "", "web@1")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if !errors.Is(outcome.Err, types.ErrTransfer) { t.Fatalf("expected dial error, got %v", outcome.Err) }
  if client.pipeline.CallCount() != 0 { t.Errorf("nothing should be sent") }
}

func TestBackupSubvolume_PruneFails(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.catalog.ForMethodErrMsg(client.catalog.Prune, "delete failed")
  rec := util.DummySubvolumeRecord("/snaps", "web", "", "web@1", "web@2")

  outcome := client.BackupSubvolume(backupCtx(t), rec)
  if outcome.Err == nil || outcome.Pruned { t.Errorf("prune failure should be reported: %s", util.AsJson(outcome)) }
  if len(client.server.Received()) != 1 { t.Errorf("transfer itself should have happened") }
}

func TestBackupAll_SequentialOverPaths(t *testing.T) {
  data := []byte("data")
  client := buildTestClient(t, data)
  client.conf.Client.Paths = []types.BackupPath{
    { Name: "root", Path: "/snaps/root", },
    { Name: "home", Path: "/snaps/home", Automount: true, },
  }
  client.catalog.AddRecord(util.DummySubvolumeRecord("/snaps/root", "b", "", "b@1"))
  client.catalog.AddRecord(util.DummySubvolumeRecord("/snaps/root", "a", "a@1", "a@1", "a@2"))
  client.catalog.AddRecord(util.DummySubvolumeRecord("/snaps/home", "c", "c@1", "c@1"))

  outcomes, err := client.BackupAll(backupCtx(t))
  if err != nil { t.Fatalf("BackupAll: %v", err) }
  var names []string
  for _,o := range outcomes {
    names = append(names, o.Subvolume)
    if o.Err != nil { t.Errorf("%s: %v", o.Subvolume, o.Err) }
  }
  util.EqualsOrFailTest(t, "Order", names, []string{ "a", "b", "c" })
  if !outcomes[2].Skipped { t.Errorf("c is synced") }
  util.EqualsOrFailTest(t, "Pruned", client.catalog.PruneCalls, []string{ "a", "b" })
  util.EqualsOrFailTest(t, "Mounted", client.linuxutil.MountCalls, []string{ "/snaps/home" })
  util.EqualsOrFailTest(t, "Unmounted", client.linuxutil.UMountCalls, []string{ "/snaps/home" })
}

func TestBackupAll_AlreadyMounted(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.conf.Client.Paths = []types.BackupPath{
    { Name: "home", Path: "/snaps/home", Automount: true, MountPath: "/snaps", },
  }
  client.linuxutil.Mounted["/snaps"] = true

  if _, err := client.BackupAll(backupCtx(t)); err != nil { t.Fatalf("BackupAll: %v", err) }
  if len(client.linuxutil.MountCalls) != 0 || len(client.linuxutil.UMountCalls) != 0 {
    t.Errorf("should leave existing mounts alone")
  }
}

func TestBackupAll_MountFails(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.conf.Client.Paths = []types.BackupPath{
    { Name: "home", Path: "/snaps/home", Automount: true, },
    { Name: "root", Path: "/snaps/root", },
  }
  client.catalog.AddRecord(util.DummySubvolumeRecord("/snaps/root", "a", "", "a@1"))
  client.linuxutil.ForMethodErrMsg(client.linuxutil.Mount, "no fstab entry")

  outcomes, err := client.BackupAll(backupCtx(t))
  if err != nil { t.Fatalf("BackupAll: %v", err) }
  if len(outcomes) != 2 || outcomes[0].Err == nil || outcomes[1].Err != nil {
    t.Errorf("one path failing should not stop the others: %s", util.AsJson(outcomes))
  }
}

func TestBackupAll_PartialScan(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.conf.Client.Paths = []types.BackupPath{ { Name: "root", Path: "/snaps/root", }, }
  client.catalog.AddRecord(util.DummySubvolumeRecord("/snaps/root", "a", "", "a@1"))
  client.catalog.ScanErr = fmt.Errorf("%w: b has 2 markers", types.ErrScan)

  outcomes, err := client.BackupAll(backupCtx(t))
  if err != nil { t.Fatalf("BackupAll: %v", err) }
  if len(outcomes) != 2 || !errors.Is(outcomes[0].Err, types.ErrScan) || !outcomes[1].Pruned {
    t.Errorf("healthy subvolumes should still be sent: %s", util.AsJson(outcomes))
  }
}

func TestBackupAll_OnBattery(t *testing.T) {
  client := buildTestClient(t, []byte("data"))
  client.conf.Client.Power.RequireAcPower = true
  client.conf.Client.Paths = []types.BackupPath{ { Name: "root", Path: "/snaps/root", }, }
  client.catalog.AddRecord(util.DummySubvolumeRecord("/snaps/root", "a", "", "a@1"))
  client.linuxutil.OnAcPower = false

  _, err := client.BackupAll(backupCtx(t))
  if !errors.Is(err, types.ErrPrerequisite) { t.Fatalf("expected prerequisite error, got %v", err) }
  if client.pipeline.CallCount() != 0 { t.Errorf("nothing should be sent") }

  client.linuxutil.OnAcPower = true
  if _, err = client.BackupAll(backupCtx(t)); err != nil { t.Errorf("BackupAll: %v", err) }
}

func TestCheckPrerequisites_Network(t *testing.T) {
  client := buildTestClient(t, nil)
  client.conf.Client.Host = "nas.lan"
  client.net_probe = &mockNetProbe{
    ifaces: []NetInterface{
      { Name: "lo", Up: true, Addrs: []*net.IPNet{ ipNet("127.0.0.1/8") }, },
      { Name: "wlan0", Up: true, Addrs: []*net.IPNet{ ipNet("192.168.1.20/24") }, },
      { Name: "eth0", Up: false, Addrs: []*net.IPNet{ ipNet("10.0.0.5/24") }, },
      { Name: "wwan0", Up: true, },
    },
    hosts: map[string][]net.IP{ "nas.lan": { net.ParseIP("192.168.1.2") }, },
  }
  ctx := backupCtx(t)
  prereq := &client.conf.Client.Network

  prereq.RequiredInterface = "wlan*"
  if err := client.CheckPrerequisites(ctx); err != nil { t.Errorf("wlan0 is up: %v", err) }
  prereq.RequiredInterface = "eth*"
  if err := client.CheckPrerequisites(ctx); !errors.Is(err, types.ErrPrerequisite) {
    t.Errorf("eth0 is down: %v", err)
  }
  prereq.RequiredInterface = "wwan*"
  if err := client.CheckPrerequisites(ctx); !errors.Is(err, types.ErrPrerequisite) {
    t.Errorf("wwan0 is up but has no address: %v", err)
  }

  prereq.RequiredInterface = ""
  prereq.RequireSameSubnet = true
  if err := client.CheckPrerequisites(ctx); err != nil { t.Errorf("nas is on wlan0 subnet: %v", err) }
  prereq.RequiredInterface = "lo"
  if err := client.CheckPrerequisites(ctx); !errors.Is(err, types.ErrPrerequisite) {
    t.Errorf("nas is not on the loopback subnet: %v", err)
  }
  client.conf.Client.Host = "unknown.lan"
  prereq.RequiredInterface = ""
  if err := client.CheckPrerequisites(ctx); !errors.Is(err, types.ErrPrerequisite) {
    t.Errorf("unresolvable server: %v", err)
  }

  prereq.RequiredInterface = "[bad"
  if err := client.CheckPrerequisites(ctx); !errors.Is(err, types.ErrBadConfig) {
    t.Errorf("bad glob: %v", err)
  }
}
