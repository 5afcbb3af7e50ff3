package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 35 * time.Second

// apiClient talks to the agent's local API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// scopePath returns the escaped path for a scope route, with an optional
// trailing action.
func scopePath(prefix, scope, action string) string {
	p := prefix + url.PathEscape(scope)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends a request and returns the body. Non-2xx responses become errors
// carrying the API's error message when present.
func (c *apiClient) do(ctx context.Context, method, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("agentctl: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("agentctl: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("agentctl: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, resp.StatusCode, apiError(resp.StatusCode, body)
	}
	return body, resp.StatusCode, nil
}

func apiError(code int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("agentctl: %d %s: %s", code, http.StatusText(code), e.Error)
	}
	return fmt.Errorf("agentctl: %d %s", code, http.StatusText(code))
}
