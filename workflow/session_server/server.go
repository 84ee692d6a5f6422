package session_server

import (
  "context"
  "crypto/tls"
  "errors"
  "fmt"
  "net"
  "sync"
  "time"

  "btrfs_syncd/messages"
  "btrfs_syncd/transport"
  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "github.com/google/uuid"
)

const JournalWriteTimeout = 10 * time.Second

type sessionServer struct {
  listen_addr       string
  tls_conf          *tls.Config
  authorizer        types.Authorizer
  btrfsutil         types.Btrfsutil
  pipeline          types.Pipeline
  // May be nil.
  journal           types.SessionJournal
  handshake_timeout time.Duration
  accept_timeout    time.Duration
  listener          net.Listener
  sessions          sync.WaitGroup
}

func NewSessionServer(
    conf *types.Config, tls_mat *transport.Material, authorizer types.Authorizer,
    btrfsutil types.Btrfsutil, pipeline types.Pipeline, journal types.SessionJournal) (types.SessionServer, error) {
  if tls_mat == nil || authorizer == nil || btrfsutil == nil || pipeline == nil {
    return nil, fmt.Errorf("%w session server needs tls, authorizer, btrfs and pipeline", types.ErrBadConfig)
  }
  server := &sessionServer{
    listen_addr: conf.Server.ListenAddr,
    tls_conf: transport.NewServerTlsConfig(tls_mat),
    authorizer: authorizer,
    btrfsutil: btrfsutil,
    pipeline: pipeline,
    journal: journal,
    handshake_timeout: conf.Server.HandshakeTimeout(),
    accept_timeout: conf.Server.DataAcceptTimeout(),
  }
  return server, nil
}

func (self *sessionServer) Listen() error {
  if self.listener != nil { return fmt.Errorf("already listening on %s", self.listener.Addr()) }
  listener, err := transport.Listen(self.listen_addr, self.tls_conf)
  if err != nil { return err }
  self.listener = listener
  util.Infof("Listening on %s", listener.Addr())
  return nil
}

func (self *sessionServer) Addr() net.Addr {
  if self.listener == nil { return nil }
  return self.listener.Addr()
}

func (self *sessionServer) Serve(ctx context.Context) error {
  if self.listener == nil { return fmt.Errorf("call Listen before Serve") }
  stop_accept := transport.CloseOnDone(ctx, self.listener)
  defer stop_accept()
  defer self.sessions.Wait()

  for {
    conn, err := self.listener.Accept()
    if ctx.Err() != nil {
      if conn != nil { conn.Close() }
      util.Infof("Stop accepting on %s, waiting for sessions in flight", self.listener.Addr())
      return nil
    }
    if err != nil {
      var net_err net.Error
      if errors.As(err, &net_err) && net_err.Timeout() { continue }
      self.listener.Close()
      return fmt.Errorf("accept: %w", err)
    }
    self.sessions.Add(1)
    go func() {
      defer self.sessions.Done()
      self.handleSession(ctx, conn.(*tls.Conn))
    }()
  }
}

// Lifetime of a single control connection.
type session struct {
  rec   *types.SessionRecord
  state SessionState
}

func newSession(conn net.Conn) *session {
  sess := &session{
    rec: &types.SessionRecord{
      Uuid: uuid.NewString(),
      ReturnCode: -1,
      StartTs: time.Now().Unix(),
    },
    state: LISTENING,
  }
  sess.rec.State = sess.state.String()
  util.Infof("[%s] control connection from %s", sess.rec.Uuid, conn.RemoteAddr())
  return sess
}

func (self *session) transition(next SessionState) {
  if !CanTransition(self.state, next) {
    util.Fatalf("[%s] bad transition %s -> %s", self.rec.Uuid, self.state, next)
  }
  util.Debugf("[%s] %s -> %s", self.rec.Uuid, self.state, next)
  self.state = next
  self.rec.State = next.String()
}

func (self *sessionServer) finishSession(sess *session, ctrl net.Conn) {
  ctrl.Close()
  sess.rec.EndTs = time.Now().Unix()
  util.Infof("[%s] %s identity='%s' success=%v rc=%d %s",
             sess.rec.Uuid, sess.state, sess.rec.Identity, sess.rec.Success, sess.rec.ReturnCode, sess.rec.Reason)
  if self.journal == nil { return }
  // The session context may be gone already, the record is still worth keeping.
  ctx, cancel := context.WithTimeout(context.Background(), JournalWriteTimeout)
  defer cancel()
  if err := self.journal.RecordSession(ctx, sess.rec); err != nil {
    util.Warnf("[%s] journal: %v", sess.rec.Uuid, err)
  }
}

func (self *sessionServer) reject(sess *session, ctrl net.Conn, state SessionState, reason string) {
  sess.rec.Reason = reason
  sess.transition(state)
  if err := messages.WriteMessage(ctrl, messages.NewAuthRejected(reason)); err != nil {
    util.Warnf("[%s] could not send rejection: %v", sess.rec.Uuid, err)
  }
}

func (self *sessionServer) handleSession(ctx context.Context, ctrl *tls.Conn) {
  sess := newSession(ctrl)
  defer self.finishSession(sess, ctrl)
  stop_watch := transport.CloseOnDone(ctx, ctrl)
  defer stop_watch()

  sess.transition(AUTHENTICATING)
  if err := transport.Handshake(ctx, ctrl, self.handshake_timeout); err != nil {
    // No authenticated channel to report anything on.
    sess.rec.Reason = err.Error()
    sess.transition(REJECTED)
    return
  }
  identity, err := transport.PeerCommonName(ctrl)
  if err != nil {
    sess.rec.Reason = err.Error()
    sess.transition(REJECTED)
    return
  }
  sess.rec.Identity = identity

  sess.transition(AUTHORIZING)
  path, err := self.authorizer.Authorize(identity)
  if err != nil {
    util.Warnf("[%s] %v", sess.rec.Uuid, err)
    self.reject(sess, ctrl, REJECTED, messages.ReasonBadHostname)
    return
  }
  sess.rec.Path = path

  host, _, err := net.SplitHostPort(ctrl.LocalAddr().String())
  if err != nil {
    self.reject(sess, ctrl, FAILED, messages.ReasonInternal)
    return
  }
  data_listener, err := transport.ListenEphemeral(host)
  if err != nil {
    util.Warnf("[%s] data listener: %v", sess.rec.Uuid, err)
    self.reject(sess, ctrl, FAILED, messages.ReasonInternal)
    return
  }
  // AcceptOne closes it too, this covers the early returns.
  defer data_listener.Close()
  sess.rec.DataPort = transport.ListenerPort(data_listener)

  sess.transition(PORT_ALLOCATED)
  err = messages.WriteMessage(ctrl, messages.NewAuthOk(sess.rec.DataPort))
  if err != nil {
    sess.rec.Reason = err.Error()
    sess.transition(FAILED)
    return
  }

  sess.transition(DATA_AWAITING)
  result, err := self.receive(ctx, sess, data_listener, identity, path)
  if err != nil {
    util.Warnf("[%s] %v", sess.rec.Uuid, err)
    sess.rec.Reason = err.Error()
  }

  sess.transition(REPORTING)
  report := transferReport(result, err)
  sess.rec.Success = report.Success
  sess.rec.ReturnCode = report.ReturnCode
  sess.rec.Bytes = report.Bytes
  sess.rec.Digest = report.Digest
  if werr := messages.WriteMessage(ctrl, report); werr != nil {
    sess.rec.Reason = werr.Error()
    sess.transition(FAILED)
    return
  }
  if err != nil { sess.transition(FAILED); return }
  sess.transition(DONE)
}

// Accepts the data connection from the same identity and feeds the applier until EOF.
func (self *sessionServer) receive(
    ctx context.Context, sess *session, data_listener *net.TCPListener,
    identity string, path string) (*types.PipelineResult, error) {
  data, err := transport.AcceptOne(ctx, data_listener, self.tls_conf, self.accept_timeout)
  if err != nil { return nil, err }
  defer data.Close()
  data_identity, err := transport.PeerCommonName(data)
  if err != nil { return nil, err }
  if data_identity != identity {
    return nil, fmt.Errorf("%w data connection from '%s' on a session of '%s'",
                           types.ErrAuthorization, data_identity, identity)
  }

  sess.transition(RECEIVING)
  stop_watch := transport.CloseOnDone(ctx, data)
  defer stop_watch()
  return self.pipeline.RunConsumer(ctx, self.btrfsutil.ReceiveArgs(path), path, data)
}

// Only a clean stream with a zero exit code counts as success.
func transferReport(result *types.PipelineResult, err error) *messages.TransferResult {
  if result == nil { return messages.NewTransferResult(-1, "", 0) }
  code := result.ExitCode
  if err != nil && code == 0 { code = -1 }
  return messages.NewTransferResult(code, result.Digest, result.Bytes)
}
