package coordinator

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/obsidianstack/statussync/agent/internal/transport"
	"github.com/obsidianstack/statussync/pkg/types"
)

func transportError(msg string) transport.Event {
	return transport.Event{Name: types.EventError, Message: msg}
}

func TestStatusUpdate_ArrivalOrderWins(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	t1 := epoch.Add(-2 * time.Minute)
	t2 := epoch.Add(-time.Minute)
	h.tr.push(t, types.EventStatusUpdate, "scope:S", types.StatusUpdate{Scope: "S", Status: "NEWER", Version: ptr(2), Timestamp: t2})
	h.tr.push(t, types.EventStatusUpdate, "scope:S", types.StatusUpdate{Scope: "S", Status: "OLDER", Version: ptr(1), Timestamp: t1})

	snap, ok := h.c.Snapshot("S")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Status != "OLDER" || *snap.Version != 1 {
		t.Errorf("got status %q version %d, want the last delivered event (OLDER, 1)", snap.Status, *snap.Version)
	}
}

func TestStatusUpdate_StampsLocalTime(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.clock.Advance(time.Minute)

	h.tr.push(t, types.EventStatusUpdate, "", types.StatusUpdate{
		Scope: "S", Status: "ACTIVE", Metadata: map[string]any{"phase": "enrolment"},
		Timestamp: epoch.Add(-10 * time.Minute),
	})

	snap, _ := h.c.Snapshot("S")
	if !snap.ReceivedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("ReceivedAt: got %v, want local clock", snap.ReceivedAt)
	}
	if snap.Metadata["phase"] != "enrolment" {
		t.Errorf("metadata: got %v", snap.Metadata)
	}
	ups := h.c.Updates()
	if len(ups) != 1 || ups[0].Type != types.UpdateStatus || ups[0].ScopeKey != "S" {
		t.Fatalf("update log: got %+v", ups)
	}
	var back types.StatusUpdate
	if err := json.Unmarshal(ups[0].Payload, &back); err != nil || back.Status != "ACTIVE" {
		t.Errorf("logged payload: got %s (%v)", ups[0].Payload, err)
	}
}

func TestStatusUpdate_ScopeFromTopic(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.push(t, types.EventStatusUpdate, "scope:from-topic", types.StatusUpdate{Status: "X"})

	if _, ok := h.c.Snapshot("from-topic"); !ok {
		t.Error("payload without scope not applied to the topic's scope")
	}
}

func TestGlobalFeed_UnscopedUpdate(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.push(t, types.EventStatusUpdate, types.GlobalTopic, types.StatusUpdate{Status: "RECOMPUTED"})

	snap, ok := h.c.Snapshot(types.GlobalScope)
	if !ok || snap.Status != "RECOMPUTED" {
		t.Errorf("global snapshot: got %+v ok=%v", snap, ok)
	}
	ups := h.c.Updates()
	if len(ups) != 1 || ups[0].ScopeKey != "" {
		t.Errorf("global update should log an empty scope: %+v", ups)
	}
}

func TestEntityUpdate_MergesIntoSnapshot(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.push(t, types.EventStatusUpdate, "", types.StatusUpdate{Scope: "S", Status: "ACTIVE", Version: ptr(3)})

	h.tr.push(t, types.EventStudyUpdate, "", types.EntityUpdate{Scope: "S", Data: map[string]any{"title": "Trial"}})
	snap, _ := h.c.Snapshot("S")
	if snap.Status != "ACTIVE" || *snap.Version != 3 {
		t.Errorf("entity update without status/version changed them: %+v", snap)
	}
	if snap.Metadata["title"] != "Trial" {
		t.Errorf("metadata: got %v", snap.Metadata)
	}

	h.tr.push(t, types.EventVersionUpdate, "", types.EntityUpdate{Scope: "S", Data: map[string]any{"version": 4, "status": "LOCKED"}})
	snap, _ = h.c.Snapshot("S")
	if snap.Status != "LOCKED" || *snap.Version != 4 {
		t.Errorf("version update: got %+v", snap)
	}

	var kinds []types.UpdateKind
	for _, u := range h.c.Updates() {
		kinds = append(kinds, u.Type)
	}
	want := []types.UpdateKind{types.UpdateStatus, types.UpdateEntity, types.UpdateVersion}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds: got %v, want %v", kinds, want)
	}
}

func TestComputationComplete_WithStatus(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.push(t, types.EventComputationComplete, "", types.ComputationComplete{
		Scope: "S", ComputationID: "comp-7", Results: map[string]any{"status": "COMPLETE", "score": 0.9},
	})

	snap, ok := h.c.Snapshot("S")
	if !ok || snap.Status != "COMPLETE" || snap.ComputationID != "comp-7" {
		t.Errorf("snapshot: got %+v ok=%v", snap, ok)
	}
}

func TestComputationComplete_WithoutStatusIsLoggedOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.push(t, types.EventComputationComplete, "", types.ComputationComplete{
		Scope: "S", ComputationID: "comp-8", Results: map[string]any{"score": 0.4},
	})

	if _, ok := h.c.Snapshot("S"); ok {
		t.Error("computation without status wrote to the cache")
	}
	ups := h.c.Updates()
	if len(ups) != 1 || ups[0].Type != types.UpdateComputation {
		t.Errorf("update log: got %+v", ups)
	}
}

func TestValidationResult_NeverCached(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.push(t, types.EventValidationResult, "", types.ValidationResult{Scope: "S", Valid: false})

	if _, ok := h.c.Snapshot("S"); ok {
		t.Error("validation result wrote to the cache")
	}
	ups := h.c.Updates()
	if len(ups) != 1 || ups[0].Type != types.UpdateValidation || ups[0].ScopeKey != "S" {
		t.Errorf("update log: got %+v", ups)
	}
}

func TestTransportError_NoStateChange(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.Emit(transportError("quota exceeded"))

	if got := h.c.State(); got != types.StateConnected {
		t.Errorf("state: got %s, want connected", got)
	}
	errs := h.c.Errors()
	if len(errs) != 1 || errs[0].Kind != types.ErrorTransport || errs[0].Message != "quota exceeded" {
		t.Errorf("errors: got %+v", errs)
	}
}

func TestMalformedPayload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.Emit(transport.Event{Name: types.EventStatusUpdate, Topic: "scope:S", Data: json.RawMessage(`"not an object"`)})

	if _, ok := h.c.Snapshot("S"); ok {
		t.Error("malformed event wrote to the cache")
	}
	errs := h.c.Errors()
	if len(errs) != 1 || errs[0].Kind != types.ErrorMalformed || errs[0].ScopeKey != "S" {
		t.Errorf("errors: got %+v", errs)
	}
	if n := len(h.c.Updates()); n != 0 {
		t.Errorf("malformed event logged as update: %d", n)
	}
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.Emit(transport.Event{Name: types.EventError, Message: "undecodable frame: bad json", Malformed: true})

	if got := h.c.State(); got != types.StateConnected {
		t.Errorf("state: got %s, want connected", got)
	}
	errs := h.c.Errors()
	if len(errs) != 1 || errs[0].Kind != types.ErrorMalformed || errs[0].Message != "undecodable frame: bad json" {
		t.Errorf("errors: got %+v", errs)
	}
}

func TestTransportError_ScopeFromTopic(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.tr.Emit(transport.Event{Name: types.EventError, Topic: "scope:S", Message: "no status for scope S"})

	errs := h.c.Errors()
	if len(errs) != 1 || errs[0].Kind != types.ErrorTransport || errs[0].ScopeKey != "S" {
		t.Errorf("errors: got %+v", errs)
	}
}

func TestEventsDroppedWhileDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	h := newHarness(t, cfg)
	h.start(t)
	h.tr.push(t, types.EventStatusUpdate, "", types.StatusUpdate{Scope: "S", Status: "ACTIVE"})

	h.tr.drop()
	h.tr.push(t, types.EventStatusUpdate, "", types.StatusUpdate{Scope: "S", Status: "CLOSED"})

	snap, ok := h.c.Snapshot("S")
	if !ok || snap.Status != "ACTIVE" {
		t.Errorf("snapshot: got %+v ok=%v, want cached ACTIVE kept", snap, ok)
	}
	if n := len(h.c.Updates()); n != 1 {
		t.Errorf("updates: got %d, want 1", n)
	}
}

func TestAsInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(4), 4, true},
		{json.Number("12"), 12, true},
		{int(3), 3, true},
		{"5", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := asInt64(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("asInt64(%#v): got %d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
