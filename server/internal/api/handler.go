package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/obsidianstack/statussync/pkg/types"
	"github.com/obsidianstack/statussync/server/internal/history"
	"github.com/obsidianstack/statussync/server/internal/store"
)

// maxBody caps a published event.
const maxBody = 1 << 20

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(event, scope string, data json.RawMessage) int
	Count() int
	Topics() []string
}

// History stores and lists published events.
type History interface {
	Record(ctx context.Context, event, scope string, data json.RawMessage) error
	List(ctx context.Context, scope string, limit int) ([]history.Event, error)
}

// Handler is the HTTP handler for all /api/v1/* endpoints and /metrics.
type Handler struct {
	store   *store.Store
	hub     Publisher
	history History
	limit   int
	metrics *Metrics
	log     *slog.Logger
	mux     *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithHistory records every published event in hist and serves
// GET /api/v1/scopes/{scope}/history, returning at most limit rows.
func WithHistory(hist History, limit int) Option {
	return func(h *Handler) { h.history, h.limit = hist, limit }
}

// WithMetrics records publishes on m and mounts it at /metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New creates a Handler over st and hub and registers all routes.
func New(st *store.Store, hub Publisher, opts ...Option) http.Handler {
	h := &Handler{store: st, hub: hub, log: slog.Default(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/events", h.publish)
	h.mux.HandleFunc("/api/v1/scopes", h.listScopes)
	h.mux.HandleFunc("/api/v1/scopes/", h.scope) // {scope}/status, {scope}/history
	if h.metrics != nil {
		h.mux.Handle("/metrics", h.metrics.Handler())
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Scopes:  len(h.store.List()),
		Clients: h.hub.Count(),
		Topics:  h.hub.Topics(),
		History: h.history != nil,
	})
}

// publish handles POST /api/v1/events: validate, store status-shaped
// payloads, fan out, then record history.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		h.metrics.recordReject()
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	scope, status, err := classify(req)
	if err != nil {
		h.metrics.recordReject()
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	if status != nil {
		h.store.Put(*status)
	}
	delivered := h.hub.Publish(req.Event, scope, req.Data)
	h.metrics.recordPublish(req.Event, delivered)

	if h.history != nil {
		if err := h.history.Record(r.Context(), req.Event, scope, req.Data); err != nil {
			h.log.Warn("api: history record failed", "event", req.Event, "scope", scope, "err", err)
		}
	}
	h.log.Debug("api: event published", "event", req.Event, "scope", scope, "delivered", delivered)

	jsonResp(w, http.StatusAccepted, PublishResponse{
		Event:     req.Event,
		Scope:     scope,
		Delivered: delivered,
		Stored:    status != nil,
	})
}

func (h *Handler) listScopes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries := h.store.List()
	out := make([]types.StatusUpdate, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Status)
	}
	jsonResp(w, http.StatusOK, ScopesResponse{
		Scopes:      out,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// scope dispatches GET /api/v1/scopes/{scope}/status and /history.
func (h *Handler) scope(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/api/v1/scopes/")
	if raw == "" {
		h.listScopes(w, r)
		return
	}
	i := strings.LastIndex(raw, "/")
	if i <= 0 {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	action := raw[i+1:]
	scope, err := url.PathUnescape(raw[:i])
	if err != nil || strings.Contains(raw[:i], "/") {
		jsonErr(w, http.StatusBadRequest, "invalid scope")
		return
	}

	switch action {
	case "status":
		e, ok := h.store.Get(scope)
		if !ok {
			jsonErr(w, http.StatusNotFound, "no status for scope")
			return
		}
		jsonResp(w, http.StatusOK, e.Status)
	case "history":
		h.scopeHistory(w, r, scope)
	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) scopeHistory(w http.ResponseWriter, r *http.Request, scope string) {
	if h.history == nil {
		jsonErr(w, http.StatusNotFound, "history not enabled")
		return
	}
	limit := h.limit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}
	events, err := h.history.List(r.Context(), scope, limit)
	if err != nil {
		h.log.Error("api: history query failed", "scope", scope, "err", err)
		jsonErr(w, http.StatusInternalServerError, "history query failed")
		return
	}
	jsonResp(w, http.StatusOK, events)
}

// --- helpers ----------------------------------------------------------------

var errNoData = errors.New("data is required")

// classify validates a publish and returns its scope, plus the status to
// store when the payload is status-shaped.
func classify(req PublishRequest) (string, *types.StatusUpdate, error) {
	if !types.IsDataEvent(req.Event) {
		return "", nil, fmt.Errorf("unknown event %q", req.Event)
	}
	if len(req.Data) == 0 {
		return "", nil, errNoData
	}

	switch req.Event {
	case types.EventStatusUpdate:
		var u types.StatusUpdate
		if err := json.Unmarshal(req.Data, &u); err != nil {
			return "", nil, fmt.Errorf("statusUpdate data: %w", err)
		}
		if u.Scope == "" || u.Status == "" {
			return "", nil, errors.New("statusUpdate requires scope and status")
		}
		return u.Scope, &u, nil

	case types.EventComputationComplete:
		var c types.ComputationComplete
		if err := json.Unmarshal(req.Data, &c); err != nil {
			return "", nil, fmt.Errorf("computationComplete data: %w", err)
		}
		if s, ok := c.Results["status"].(string); ok && c.Scope != "" {
			return c.Scope, &types.StatusUpdate{Scope: c.Scope, Status: s, Metadata: c.Results}, nil
		}
		return c.Scope, nil, nil

	default:
		var p struct {
			Scope string `json:"scope"`
		}
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return "", nil, fmt.Errorf("%s data: %w", req.Event, err)
		}
		return p.Scope, nil, nil
	}
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
