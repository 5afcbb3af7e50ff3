package retry

import (
	"testing"
	"time"

	"github.com/obsidianstack/statussync/agent/internal/config"
)

func TestFixed_RetriesForever(t *testing.T) {
	p := New(config.SyncConfig{RetryDelay: 5 * time.Second, RetryPolicy: config.RetryFixed})
	for i := 0; i < 1000; i++ {
		d, ok := p.Next()
		if !ok {
			t.Fatalf("attempt %d: policy gave up, want unlimited retries", i+1)
		}
		if d != 5*time.Second {
			t.Fatalf("attempt %d: delay %v, want 5s", i+1, d)
		}
	}
	if got := p.Attempts(); got != 1000 {
		t.Errorf("Attempts: got %d, want 1000", got)
	}
}

func TestFixed_EmptyPolicyDefaultsToFixed(t *testing.T) {
	p := New(config.SyncConfig{RetryDelay: time.Second})
	if d, _ := p.Next(); d != time.Second {
		t.Errorf("delay: got %v, want 1s", d)
	}
}

func TestMaxRetries(t *testing.T) {
	p := New(config.SyncConfig{RetryDelay: time.Millisecond, MaxRetries: 3})
	for i := 0; i < 3; i++ {
		if _, ok := p.Next(); !ok {
			t.Fatalf("attempt %d: gave up early", i+1)
		}
	}
	if _, ok := p.Next(); ok {
		t.Fatal("attempt 4: expected policy to give up")
	}
}

func TestReset(t *testing.T) {
	p := New(config.SyncConfig{RetryDelay: time.Millisecond, MaxRetries: 1})
	p.Next()
	if _, ok := p.Next(); ok {
		t.Fatal("expected exhaustion before reset")
	}
	p.Reset()
	if p.Attempts() != 0 {
		t.Errorf("Attempts after reset: got %d", p.Attempts())
	}
	if _, ok := p.Next(); !ok {
		t.Fatal("expected retry allowed after reset")
	}
}

func TestExponential_GrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 800 * time.Millisecond
	p := New(config.SyncConfig{
		RetryDelay:    base,
		RetryPolicy:   config.RetryExponential,
		MaxRetryDelay: maxDelay,
	})

	want := base
	for i := 0; i < 8; i++ {
		d, ok := p.Next()
		if !ok {
			t.Fatalf("attempt %d: gave up", i+1)
		}
		lo := time.Duration(float64(want) * (1 - jitter))
		hi := time.Duration(float64(want)*(1+jitter)) + time.Nanosecond
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i+1, d, lo, hi)
		}
		want *= 2
		if want > maxDelay {
			want = maxDelay
		}
	}

	p.Reset()
	d, _ := p.Next()
	if d > time.Duration(float64(base)*(1+jitter))+time.Nanosecond {
		t.Errorf("delay after reset: got %v, want about %v", d, base)
	}
}
