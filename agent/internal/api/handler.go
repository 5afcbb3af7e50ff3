package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/obsidianstack/statussync/agent/internal/coordinator"
	"github.com/obsidianstack/statussync/agent/internal/fetcher"
	"github.com/obsidianstack/statussync/agent/internal/security"
	"github.com/obsidianstack/statussync/pkg/types"
)

// Syncer is the coordinator surface the API exposes.
type Syncer interface {
	Diagnostics() types.Diagnostics
	Snapshot(scope string) (types.StatusSnapshot, bool)
	Snapshots() []types.StatusSnapshot
	ActiveScopes() []string
	SubscribeScope(scope string) error
	UnsubscribeScope(scope string) error
	Refresh(ctx context.Context, scope string) (types.StatusSnapshot, error)
	RequestRecompute(scope string) bool
	Updates() []types.UpdateLogEntry
	Errors() []types.SyncErrorEntry
	ClearUpdateLog()
	ClearErrorLog()
}

// CertChecker reports on the push server's TLS certificate. It returns nil
// when the server is not reached over TLS.
type CertChecker func(ctx context.Context) *security.CertStatus

// Handler serves the local API.
type Handler struct {
	sync  Syncer
	mux   *http.ServeMux
	certs CertChecker
}

// Option configures a Handler.
type Option func(*Handler, *http.ServeMux)

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(_ *Handler, mux *http.ServeMux) { mux.Handle("/metrics", h) }
}

// WithNotifications mounts the notification stream at /ws/notifications.
func WithNotifications(h http.Handler) Option {
	return func(_ *Handler, mux *http.ServeMux) { mux.Handle("/ws/notifications", h) }
}

// WithCertChecker enables GET /api/v1/server/cert.
func WithCertChecker(fn CertChecker) Option {
	return func(h *Handler, _ *http.ServeMux) { h.certs = fn }
}

// New creates a Handler over s and registers all routes.
func New(s Syncer, opts ...Option) http.Handler {
	h := &Handler{sync: s, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/diagnostics", h.diagnostics)
	h.mux.HandleFunc("/api/v1/snapshots", h.listSnapshots)
	h.mux.HandleFunc("/api/v1/snapshots/", h.getSnapshot) // subtree, extracts {scope}
	h.mux.HandleFunc("/api/v1/scopes", h.listScopes)
	h.mux.HandleFunc("/api/v1/scopes/", h.scope) // {scope}, {scope}/refresh, {scope}/recompute
	h.mux.HandleFunc("/api/v1/updates", h.updates)
	h.mux.HandleFunc("/api/v1/errors", h.errorLog)
	h.mux.HandleFunc("/api/v1/server/cert", h.serverCert)

	for _, opt := range opts {
		opt(h, h.mux)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.sync.Diagnostics())
}

func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, SnapshotsResponse{
		Snapshots:   h.sync.Snapshots(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw, ok := trimPath(r.URL, "/api/v1/snapshots/")
	if !ok {
		h.listSnapshots(w, r)
		return
	}
	scope, err := url.PathUnescape(raw)
	if err != nil || strings.Contains(raw, "/") {
		jsonErr(w, http.StatusBadRequest, "invalid scope")
		return
	}
	snap, found := h.sync.Snapshot(scope)
	if !found {
		jsonErr(w, http.StatusNotFound, "no snapshot for scope")
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

func (h *Handler) listScopes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, ScopesResponse{ActiveScopes: h.sync.ActiveScopes()})
}

// scope dispatches /api/v1/scopes/{scope}[/refresh|/recompute].
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) {
	raw, ok := trimPath(r.URL, "/api/v1/scopes/")
	if !ok {
		h.listScopes(w, r)
		return
	}

	action := ""
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		action = raw[i+1:]
		raw = raw[:i]
		if action != "refresh" && action != "recompute" {
			jsonErr(w, http.StatusNotFound, "unknown scope action")
			return
		}
	}
	scope, err := url.PathUnescape(raw)
	if err != nil || strings.Contains(raw, "/") {
		jsonErr(w, http.StatusBadRequest, "invalid scope")
		return
	}

	switch {
	case action == "refresh" && r.Method == http.MethodPost:
		h.refresh(w, r, scope)
	case action == "recompute" && r.Method == http.MethodPost:
		h.recompute(w, scope)
	case action == "" && r.Method == http.MethodPost:
		h.subscribe(w, scope)
	case action == "" && r.Method == http.MethodDelete:
		h.unsubscribe(w, scope)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) subscribe(w http.ResponseWriter, scope string) {
	if err := h.sync.SubscribeScope(scope); err != nil {
		jsonErr(w, statusFor(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, ScopesResponse{ActiveScopes: h.sync.ActiveScopes()})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, scope string) {
	if err := h.sync.UnsubscribeScope(scope); err != nil {
		jsonErr(w, statusFor(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, ScopesResponse{ActiveScopes: h.sync.ActiveScopes()})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, scope string) {
	snap, err := h.sync.Refresh(r.Context(), scope)
	if err != nil {
		jsonErr(w, statusFor(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

func (h *Handler) recompute(w http.ResponseWriter, scope string) {
	sent := h.sync.RequestRecompute(scope)
	code := http.StatusAccepted
	if !sent {
		code = http.StatusConflict
	}
	jsonResp(w, code, RecomputeResponse{Scope: scope, Sent: sent})
}

func (h *Handler) updates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, nonNil(h.sync.Updates()))
	case http.MethodDelete:
		h.sync.ClearUpdateLog()
		w.WriteHeader(http.StatusNoContent)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) errorLog(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonResp(w, http.StatusOK, nonNil(h.sync.Errors()))
	case http.MethodDelete:
		h.sync.ClearErrorLog()
		w.WriteHeader(http.StatusNoContent)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) serverCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.certs == nil {
		jsonErr(w, http.StatusNotFound, "certificate check not enabled")
		return
	}
	cs := h.certs(r.Context())
	if cs == nil {
		jsonErr(w, http.StatusNotFound, "push server is not using TLS")
		return
	}
	jsonResp(w, http.StatusOK, cs)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// trimPath returns the still-escaped remainder of the path after prefix.
// ok is false when nothing follows the prefix.
func trimPath(u *url.URL, prefix string) (string, bool) {
	raw := strings.TrimPrefix(u.EscapedPath(), prefix)
	return raw, raw != ""
}

// statusFor maps coordinator and fetcher errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrEmptyScope):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, fetcher.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// nonNil keeps empty logs encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
