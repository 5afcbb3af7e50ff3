package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/pkg/types"
)

func newFetcher(t *testing.T, h http.HandlerFunc, auth config.AuthConfig) *HTTP {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	f, err := New(config.AgentConfig{
		APIURL:     srv.URL + "/",
		ServerAuth: auth,
		Sync:       config.SyncConfig{FetchTimeout: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func TestFetch_OK(t *testing.T) {
	t.Setenv("FETCH_TEST_KEY", "k")
	v := int64(3)
	var gotPath, gotKey string
	f := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		json.NewEncoder(w).Encode(types.StatusUpdate{Scope: "study-42", Status: "ACTIVE", Version: &v})
	}, config.AuthConfig{Mode: "apikey", KeyEnv: "FETCH_TEST_KEY"})

	su, err := f.Fetch(context.Background(), "study-42")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/api/v1/scopes/study-42/status" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotKey != "k" {
		t.Errorf("x-api-key: got %q", gotKey)
	}
	if su.Status != "ACTIVE" || su.Version == nil || *su.Version != 3 {
		t.Errorf("got %+v", su)
	}
}

func TestFetch_FillsMissingScope(t *testing.T) {
	f := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"DONE"}`))
	}, config.AuthConfig{})

	su, err := f.Fetch(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if su.Scope != "s1" {
		t.Errorf("scope: got %q, want s1", su.Scope)
	}
}

func TestFetch_NotFound(t *testing.T) {
	f := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, config.AuthConfig{})

	_, err := f.Fetch(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFetch_ServerError(t *testing.T) {
	f := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, config.AuthConfig{})

	_, err := f.Fetch(context.Background(), "s1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want a non-NotFound error", err)
	}
}

func TestFetch_BadJSON(t *testing.T) {
	f := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{nope"))
	}, config.AuthConfig{})

	if _, err := f.Fetch(context.Background(), "s1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFetch_NoAPI(t *testing.T) {
	f, err := New(config.AgentConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := f.Fetch(context.Background(), "s1"); !errors.Is(err, ErrNoAPI) {
		t.Errorf("got %v, want ErrNoAPI", err)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	f := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, config.AuthConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "s1"); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
