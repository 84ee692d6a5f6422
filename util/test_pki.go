package util

import (
  "crypto/ecdsa"
  "crypto/elliptic"
  "crypto/rand"
  "crypto/tls"
  "crypto/x509"
  "crypto/x509/pkix"
  "encoding/pem"
  "math/big"
  "net"
  "time"
)

// Throwaway certificate authority for unittests.
type TestPki struct {
  CaPem   []byte
  CaPool  *x509.CertPool
  ca_cert *x509.Certificate
  ca_key  *ecdsa.PrivateKey
  serial  int64
}

type TestCert struct {
  Cert    tls.Certificate
  CertPem []byte
  KeyPem  []byte
}

func NewTestPki(name string) (*TestPki, error) {
  key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
  if err != nil { return nil, err }
  tmpl := &x509.Certificate{
    SerialNumber: big.NewInt(1),
    Subject: pkix.Name{ CommonName: name, },
    NotBefore: time.Now().Add(-time.Hour),
    NotAfter: time.Now().Add(24 * time.Hour),
    IsCA: true,
    KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
    BasicConstraintsValid: true,
  }
  der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
  if err != nil { return nil, err }
  cert, err := x509.ParseCertificate(der)
  if err != nil { return nil, err }

  pool := x509.NewCertPool()
  pool.AddCert(cert)
  pki := &TestPki{
    CaPem: pem.EncodeToMemory(&pem.Block{ Type: "CERTIFICATE", Bytes: der, }),
    CaPool: pool,
    ca_cert: cert,
    ca_key: key,
    serial: 1,
  }
  return pki, nil
}

// Issues a certificate valid for both client and server auth on localhost.
func (self *TestPki) IssueCert(common_name string) (*TestCert, error) {
  key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
  if err != nil { return nil, err }
  self.serial += 1
  tmpl := &x509.Certificate{
    SerialNumber: big.NewInt(self.serial),
    Subject: pkix.Name{ CommonName: common_name, },
    NotBefore: time.Now().Add(-time.Hour),
    NotAfter: time.Now().Add(24 * time.Hour),
    KeyUsage: x509.KeyUsageDigitalSignature,
    ExtKeyUsage: []x509.ExtKeyUsage{ x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth, },
    DNSNames: []string{ "localhost", },
    IPAddresses: []net.IP{ net.ParseIP("127.0.0.1"), },
  }
  der, err := x509.CreateCertificate(rand.Reader, tmpl, self.ca_cert, &key.PublicKey, self.ca_key)
  if err != nil { return nil, err }
  key_der, err := x509.MarshalECPrivateKey(key)
  if err != nil { return nil, err }

  cert_pem := pem.EncodeToMemory(&pem.Block{ Type: "CERTIFICATE", Bytes: der, })
  key_pem := pem.EncodeToMemory(&pem.Block{ Type: "EC PRIVATE KEY", Bytes: key_der, })
  pair, err := tls.X509KeyPair(cert_pem, key_pem)
  if err != nil { return nil, err }
  return &TestCert{ Cert: pair, CertPem: cert_pem, KeyPem: key_pem, }, nil
}
