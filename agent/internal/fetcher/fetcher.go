// Package fetcher reads authoritative status from the server's HTTP API. The
// coordinator uses it to serve explicit refreshes.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/agent/internal/security"
	"github.com/obsidianstack/statussync/pkg/types"
)

// ErrNotFound is returned when the server has no status for the scope.
var ErrNotFound = errors.New("fetcher: scope not found")

// ErrNoAPI is returned by Fetch when no api_url is configured.
var ErrNoAPI = errors.New("fetcher: api_url not configured")

// maxBody caps the response body read from the server.
const maxBody = 1 << 20

// HTTP fetches status over HTTP.
type HTTP struct {
	base   string
	client *http.Client
}

// New builds an HTTP fetcher from the agent config. The client timeout is
// sync.fetch_timeout; zero leaves it unbounded.
func New(cfg config.AgentConfig) (*HTTP, error) {
	tlsCfg, err := security.TLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	return &HTTP{
		base: strings.TrimRight(cfg.APIURL, "/"),
		client: &http.Client{
			Transport: &security.RoundTripper{
				Base: &http.Transport{TLSClientConfig: tlsCfg},
				Auth: cfg.ServerAuth,
			},
			Timeout: cfg.Sync.FetchTimeout,
		},
	}, nil
}

// Fetch returns the current status for scope.
func (f *HTTP) Fetch(ctx context.Context, scope string) (types.StatusUpdate, error) {
	var out types.StatusUpdate
	if f.base == "" {
		return out, ErrNoAPI
	}

	u := f.base + "/api/v1/scopes/" + url.PathEscape(scope) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, fmt.Errorf("fetcher: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("fetcher: get %s: %w", scope, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out, fmt.Errorf("%w: %s", ErrNotFound, scope)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("fetcher: get %s: unexpected status %d: %s",
			scope, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return out, fmt.Errorf("fetcher: decode %s: %w", scope, err)
	}
	if out.Scope == "" {
		out.Scope = scope
	}
	return out, nil
}
