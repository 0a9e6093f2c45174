package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// TLSConfig carries the transport-level TLS knobs: a custom CA bundle for
// private gateways and the dev-only verification bypass.
type TLSConfig struct {
	InsecureSkipVerify bool
	CACertificate      string // path to a PEM bundle
}

// NewTLSTransport builds an http.Transport for the given TLS options.
func NewTLSTransport(cfg *TLSConfig) (*http.Transport, error) {
	tlsCfg := &tls.Config{}
	if cfg == nil {
		return &http.Transport{TLSClientConfig: tlsCfg}, nil
	}

	if cfg.CACertificate != "" {
		pem, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate %s: %w", cfg.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACertificate)
		}
		tlsCfg.RootCAs = pool
	}
	tlsCfg.InsecureSkipVerify = cfg.InsecureSkipVerify

	return &http.Transport{TLSClientConfig: tlsCfg}, nil
}

// WithTLSConfig applies TLS options to the client's underlying transport.
// A broken TLS configuration is logged and ignored rather than failing
// client construction. Must come after WithHTTPClient when both are used.
func WithTLSConfig(cfg *TLSConfig) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		transport, err := NewTLSTransport(cfg)
		if err != nil {
			slog.Warn("ignoring TLS configuration", "error", err)
			return
		}
		if c.client == nil {
			c.client = &http.Client{}
		}
		c.client.Transport = transport
	}
}
