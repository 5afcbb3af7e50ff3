package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/obsidianstack/statussync/agent/internal/config"
)

// TLSConfig builds the client TLS config for the push server and the
// data-access API. Client certificates are loaded only in mtls mode.
func TLSConfig(cfg config.AgentConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	auth := cfg.ServerAuth
	if auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("security: load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("security: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("security: no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// Headers returns the authentication headers for auth. The result is empty
// for none and mtls modes.
func Headers(auth config.AuthConfig) http.Header {
	h := http.Header{}
	switch auth.Mode {
	case "apikey":
		h.Set(auth.EffectiveHeader(), auth.Key())
	case "bearer":
		h.Set("Authorization", "Bearer "+auth.Token())
	}
	return h
}

// RoundTripper injects authentication headers into every outgoing request.
type RoundTripper struct {
	Base http.RoundTripper
	Auth config.AuthConfig
}

func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	h := Headers(t.Auth)
	if len(h) > 0 {
		req = req.Clone(req.Context())
		for k, v := range h {
			req.Header[k] = v
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
