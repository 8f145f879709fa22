package parentsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LuminPulse-AI/parentsync/internal/mockapi"
)

func runListener(t *testing.T, l *PushListener) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- l.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return done
}

func TestPushListenerReloadsOnMessageNew(t *testing.T) {
	f := newFixture(t, mockapi.Config{})
	seedMessages(f.api, 1, 1, 2)
	f.signIn(t)

	l := NewPushListener(f.client, f.engine, PushConfig{})
	got := make(chan MessageNewPayload, 1)
	l.OnMessageNew(func(p MessageNewPayload) { got <- p })
	runListener(t, l)

	waitFor(t, "push channel", func() bool {
		return f.api.Listeners(testEmail) == 1 && l.State() == PushConnected
	})

	seedMessages(f.api, 1, 50, 1)
	select {
	case p := <-got:
		if p.StudentID != 1 || p.MessageID != 50 {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message.new not delivered")
	}
	if row := mustRow(t, f.store, 50); row.StudentID != 1 {
		t.Errorf("row = %+v", row)
	}
}

func TestPushListenerHeartbeat(t *testing.T) {
	f := newFixture(t, mockapi.Config{})
	f.signIn(t)
	l := NewPushListener(f.client, f.engine, PushConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		PingTimeout:       time.Second,
	})
	runListener(t, l)

	waitFor(t, "push channel", func() bool {
		return f.api.Listeners(testEmail) == 1 && l.State() == PushConnected
	})
	time.Sleep(150 * time.Millisecond)
	if l.State() != PushConnected {
		t.Errorf("state after heartbeats = %s", l.State())
	}
	if f.api.Listeners(testEmail) != 1 {
		t.Errorf("listeners = %d, want 1 (no reconnects)", f.api.Listeners(testEmail))
	}
}

func TestPushListenerStopsOnSignOut(t *testing.T) {
	f := newFixture(t, mockapi.Config{})
	f.signIn(t)
	l := NewPushListener(f.client, f.engine, PushConfig{})
	done := runListener(t, l)

	waitFor(t, "push channel", func() bool { return l.State() == PushConnected })
	f.client.Session().SignOut()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSignedOut) {
			t.Errorf("Run = %v, want ErrSignedOut", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listener kept running after sign out")
	}
}

func TestPushListenerGivesUp(t *testing.T) {
	c := newStubClient(t, nil)
	e := NewEngine(c, newTestStore(t), NewMonitor())
	l := NewPushListener(c, e, PushConfig{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.Run(ctx)
	if err == nil || errors.Is(err, ErrSignedOut) || ctx.Err() != nil {
		t.Fatalf("Run = %v, want give-up error", err)
	}
	if l.State() != PushDisconnected {
		t.Errorf("state = %s", l.State())
	}
}
