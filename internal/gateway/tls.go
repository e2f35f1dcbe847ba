package gateway

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSFiles names the files and settings used to build the client TLS
// configuration for services registered with use_tls.
type TLSFiles struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (f TLSFiles) empty() bool {
	return f == TLSFiles{}
}

// LoadTLSConfig builds a client *tls.Config from files. It returns nil,
// nil when nothing is configured, leaving the pool's default in place.
func LoadTLSConfig(files TLSFiles) (*tls.Config, error) {
	if files.empty() {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         files.ServerName,
		InsecureSkipVerify: files.InsecureSkipVerify, //nolint:gosec // opt-in for development targets
	}

	if files.CAFile != "" {
		caCert, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", files.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", files.CAFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case files.CertFile == "" && files.KeyFile == "":
	case files.CertFile == "" || files.KeyFile == "":
		return nil, errors.New("certFile and keyFile are required for client certificates")
	default:
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// WithClientTLS sets the TLS configuration used for services registered
// with use_tls. A nil config keeps the default.
func WithClientTLS(cfg *tls.Config) Option {
	return func(g *Gateway) {
		g.tlsConfig = cfg
	}
}
