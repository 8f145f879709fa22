package parentsync

import (
	"testing"
	"time"
)

func TestBackoffDelays(t *testing.T) {
	b := newBackoff(time.Second, 10*time.Second)
	b.jitter = func() float64 { return 0 }

	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		if got := b.nextDelay(); got != w*time.Second {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w*time.Second)
		}
	}
	if b.attempts() != len(want) {
		t.Errorf("attempts = %d", b.attempts())
	}
	b.reset()
	if got := b.nextDelay(); got != time.Second {
		t.Errorf("after reset delay = %v", got)
	}
}

func TestBackoffJitterBound(t *testing.T) {
	b := newBackoff(time.Second, time.Minute)
	b.jitter = func() float64 { return 0.999 }
	got := b.nextDelay()
	if got < time.Second || got >= 1500*time.Millisecond {
		t.Errorf("delay with jitter = %v, want within [1s, 1.5s)", got)
	}
}

func TestBackoffGate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBackoff(time.Minute, time.Hour)
	b.jitter = func() float64 { return 0 }

	if !b.ready(now) {
		t.Fatal("fresh gate closed")
	}
	until := b.fail(now)
	if !until.Equal(now.Add(time.Minute)) {
		t.Errorf("until = %v", until)
	}
	if b.ready(now.Add(59 * time.Second)) {
		t.Error("gate open inside window")
	}
	if !b.ready(now.Add(time.Minute)) {
		t.Error("gate closed at window end")
	}
	if until := b.fail(now); !until.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("second failure until = %v", until)
	}
	b.reset()
	if !b.ready(now) {
		t.Error("gate closed after reset")
	}
}
