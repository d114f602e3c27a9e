package relay

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// ConfigError reports a relay configuration that cannot be used. The relay
// is disabled; ingestion carries on.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("relay config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Identity is a client certificate with its key and issuing chain, decoded
// once from a PKCS#12 bundle and reused across reconnects.
type Identity struct {
	Certificate tls.Certificate
	CAs         []*x509.Certificate
}

// LoadIdentity decodes a PKCS#12 bundle.
func LoadIdentity(bundle []byte, password string) (*Identity, error) {
	key, cert, cas, err := pkcs12.DecodeChain(bundle, password)
	if err != nil {
		return nil, &ConfigError{Field: "bundle", Err: err}
	}
	if cert == nil || key == nil {
		return nil, &ConfigError{Field: "bundle", Err: errors.New("bundle has no certificate or key")}
	}

	chain := [][]byte{cert.Raw}
	for _, ca := range cas {
		chain = append(chain, ca.Raw)
	}
	return &Identity{
		Certificate: tls.Certificate{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        cert,
		},
		CAs: cas,
	}, nil
}

// LoadIdentityFile reads and decodes a PKCS#12 bundle from disk.
func LoadIdentityFile(path, password string) (*Identity, error) {
	if path == "" {
		return nil, &ConfigError{Field: "bundle", Err: errors.New("no bundle path configured")}
	}
	bundle, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "bundle", Err: err}
	}
	return LoadIdentity(bundle, password)
}

// TLSConfig builds the client TLS configuration. The bundle's CA chain is
// trusted on top of the system pool. skipVerify disables server
// verification for lab setups.
func (id *Identity) TLSConfig(serverName string, skipVerify bool) *tls.Config {
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	for _, ca := range id.CAs {
		roots.AddCert(ca)
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{id.Certificate},
		RootCAs:            roots,
		ServerName:         serverName,
		InsecureSkipVerify: skipVerify,
	}
}
