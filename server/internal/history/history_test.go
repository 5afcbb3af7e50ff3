package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// setClock pins the history clock to at.
func setClock(h *History, at time.Time) { h.now = func() time.Time { return at } }

func TestRecordAndList(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	setClock(h, base)
	if err := h.Record(ctx, "statusUpdate", "S1", json.RawMessage(`{"status":"A"}`)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	setClock(h, base.Add(time.Second))
	h.Record(ctx, "statusUpdate", "S1", json.RawMessage(`{"status":"B"}`)) //nolint:errcheck
	h.Record(ctx, "statusUpdate", "S2", json.RawMessage(`{"status":"C"}`)) //nolint:errcheck

	got, err := h.List(ctx, "S1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List: got %d events, want 2", len(got))
	}
	if string(got[0].Data) != `{"status":"B"}` {
		t.Errorf("newest first: got %s", got[0].Data)
	}
	if !got[1].ReceivedAt.Equal(base) {
		t.Errorf("ReceivedAt: got %v, want %v", got[1].ReceivedAt, base)
	}
}

func TestList_Limit(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.Record(ctx, "statusUpdate", "S1", json.RawMessage(`{}`)) //nolint:errcheck
	}
	got, err := h.List(ctx, "S1", 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("List: got %d, want 3", len(got))
	}
}

func TestList_EmptyIsNotNil(t *testing.T) {
	h := newTestHistory(t)
	got, err := h.List(context.Background(), "none", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("List: got %#v, want empty slice", got)
	}
}

func TestPrune(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	setClock(h, base.Add(-2*time.Hour))
	h.Record(ctx, "statusUpdate", "S1", json.RawMessage(`{}`)) //nolint:errcheck
	setClock(h, base)
	h.Record(ctx, "statusUpdate", "S1", json.RawMessage(`{}`)) //nolint:errcheck

	n, err := h.Prune(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune: removed %d, want 1", n)
	}
	got, _ := h.List(ctx, "S1", 10)
	if len(got) != 1 {
		t.Errorf("remaining: got %d, want 1", len(got))
	}
}
