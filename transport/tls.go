package transport

import (
  "context"
  "crypto/tls"
  "crypto/x509"
  "fmt"
  "io"
  "net"
  "os"
  "time"

  "btrfs_syncd/types"
  "btrfs_syncd/util"
)

// Trust root and own key pair, shared by the control and data connections.
type Material struct {
  Pool *x509.CertPool
  Cert tls.Certificate
}

func LoadMaterial(conf *types.Config) (*Material, error) {
  ca_path := util.KeyPath(conf, conf.Tls.CaCert)
  ca_pem, err := os.ReadFile(ca_path)
  if err != nil { return nil, fmt.Errorf("%w ca_cert: %v", types.ErrBadConfig, err) }
  pool := x509.NewCertPool()
  if !pool.AppendCertsFromPEM(ca_pem) {
    return nil, fmt.Errorf("%w no certificate in '%s'", types.ErrBadConfig, ca_path)
  }
  cert, err := tls.LoadX509KeyPair(util.KeyPath(conf, conf.Tls.Cert), util.KeyPath(conf, conf.Tls.Key))
  if err != nil { return nil, fmt.Errorf("%w key pair: %v", types.ErrBadConfig, err) }
  return &Material{ Pool: pool, Cert: cert, }, nil
}

// Requires and verifies a client certificate against the trust root.
func NewServerTlsConfig(mat *Material) *tls.Config {
  return &tls.Config{
    MinVersion: tls.VersionTLS12,
    Certificates: []tls.Certificate{ mat.Cert },
    ClientAuth: tls.RequireAndVerifyClientCert,
    ClientCAs: mat.Pool,
  }
}

// When `server_name` is empty only the server chain is verified.
// Peers are identified by their certificate, not by where they live.
func NewClientTlsConfig(mat *Material, server_name string) *tls.Config {
  conf := &tls.Config{
    MinVersion: tls.VersionTLS12,
    Certificates: []tls.Certificate{ mat.Cert },
    RootCAs: mat.Pool,
    ServerName: server_name,
  }
  if len(server_name) > 0 { return conf }

  conf.InsecureSkipVerify = true
  conf.VerifyConnection = func(state tls.ConnectionState) error {
    if len(state.PeerCertificates) < 1 { return fmt.Errorf("server sent no certificate") }
    opts := x509.VerifyOptions{
      Roots: mat.Pool,
      Intermediates: x509.NewCertPool(),
      KeyUsages: []x509.ExtKeyUsage{ x509.ExtKeyUsageServerAuth },
    }
    for _,cert := range state.PeerCertificates[1:] { opts.Intermediates.AddCert(cert) }
    _, err := state.PeerCertificates[0].Verify(opts)
    return err
  }
  return conf
}

// Common name of the verified leaf certificate, only valid after the handshake.
func PeerCommonName(conn *tls.Conn) (string, error) {
  state := conn.ConnectionState()
  if !state.HandshakeComplete { return "", fmt.Errorf("%w handshake not done", types.ErrProtocol) }
  if len(state.PeerCertificates) < 1 {
    return "", fmt.Errorf("%w peer sent no certificate", types.ErrAuthorization)
  }
  return state.PeerCertificates[0].Subject.CommonName, nil
}

// Runs the server side handshake bounded by `timeout`.
func Handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
  hs_ctx, cancel := context.WithTimeout(ctx, timeout)
  defer cancel()
  if err := conn.HandshakeContext(hs_ctx); err != nil {
    return fmt.Errorf("%w tls handshake with %s: %v", types.ErrAuthorization, conn.RemoteAddr(), err)
  }
  return nil
}

// Connects and completes the handshake within `timeout`.
func Dial(ctx context.Context, conf *tls.Config, addr string, timeout time.Duration) (*tls.Conn, error) {
  dialer := &tls.Dialer{
    NetDialer: &net.Dialer{ Timeout: timeout, },
    Config: conf,
  }
  dial_ctx, cancel := context.WithTimeout(ctx, timeout)
  defer cancel()
  conn, err := dialer.DialContext(dial_ctx, "tcp", addr)
  if err != nil { return nil, fmt.Errorf("%w dial %s: %v", types.ErrTransfer, addr, err) }
  return conn.(*tls.Conn), nil
}

// TLS listener on `addr`, port 0 picks an ephemeral port.
func Listen(addr string, conf *tls.Config) (net.Listener, error) {
  inner, err := net.Listen("tcp", addr)
  if err != nil { return nil, err }
  return tls.NewListener(inner, conf), nil
}

// Plain TCP listener on an OS assigned port of `host`.
// The TLS layer is added per connection by AcceptOne.
func ListenEphemeral(host string) (*net.TCPListener, error) {
  addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
  if err != nil { return nil, err }
  return net.ListenTCP("tcp", addr)
}

func ListenerPort(listener net.Listener) int {
  if addr, ok := listener.Addr().(*net.TCPAddr); ok { return addr.Port }
  return 0
}

// Accepts exactly one connection, closes `listener` and completes the server handshake.
// Gives up after `timeout` or when `ctx` is done.
func AcceptOne(
    ctx context.Context, listener *net.TCPListener, conf *tls.Config, timeout time.Duration) (*tls.Conn, error) {
  defer listener.Close()
  if err := listener.SetDeadline(time.Now().Add(timeout)); err != nil { return nil, err }

  accepted := make(chan struct{})
  defer close(accepted)
  go func() {
    select {
      case <-ctx.Done(): listener.Close()
      case <-accepted:
    }
  }()

  raw, err := listener.AcceptTCP()
  if err != nil {
    return nil, fmt.Errorf("%w no data connection on %s: %v", types.ErrTransfer, listener.Addr(), err)
  }
  conn := tls.Server(raw, conf)
  if err = Handshake(ctx, conn, timeout); err != nil {
    conn.Close()
    return nil, err
  }
  return conn, nil
}

// Closes `conn` if `ctx` is done before the returned function is called.
// Unblocks reads and writes that do not take a context.
func CloseOnDone(ctx context.Context, conn io.Closer) func() {
  done := make(chan struct{})
  go func() {
    select {
      case <-ctx.Done(): conn.Close()
      case <-done:
    }
  }()
  return func() { close(done) }
}
