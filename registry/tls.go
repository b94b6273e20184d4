package registry

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Validate checks the file settings of an enabled TLS block. The CA is
// mandatory; the client key pair is optional but must be given whole.
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return errors.New("registry TLS requires ca_file")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("registry TLS requires both cert_file and key_file for client authentication")
	}
	return nil
}

// ClientConfig builds the etcd client TLS settings, or nil when disabled.
func (c *TLSConfig) ClientConfig() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read registry CA %s: %w", c.CAFile, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in registry CA %s", c.CAFile)
	}

	out := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}
	if c.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load registry client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}
