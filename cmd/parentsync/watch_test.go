package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LuminPulse-AI/parentsync"
	"github.com/LuminPulse-AI/parentsync/internal/mockapi"
)

func TestRunWatchStopsOnSignOut(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PARENTSYNC_HOME", dir)

	api := mockapi.New(mockapi.Config{})
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	if err := saveConfig(&Config{Default: ConfigDefault{BaseURL: srv.URL}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	store, err := parentsync.OpenStore(filepath.Join(dir, "parentsync.db"), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	// A refresh token the server no longer knows: the first authenticated
	// call is rejected and ends the restored session.
	if err := store.PutSetting(context.Background(), "refresh_token", "revoked"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	prevInterval, prevFlush, prevAddr, prevNoPush := watchInterval, watchFlushInterval, watchMetricsAddr, watchNoPush
	watchInterval, watchFlushInterval, watchMetricsAddr, watchNoPush = 20*time.Millisecond, 20*time.Millisecond, "", false
	t.Cleanup(func() {
		watchInterval, watchFlushInterval, watchMetricsAddr, watchNoPush = prevInterval, prevFlush, prevAddr, prevNoPush
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = runWatch(ctx)
	if ctx.Err() != nil {
		t.Fatal("watch did not stop after the session ended")
	}
	if err == nil || !strings.Contains(err.Error(), "signed out") {
		t.Fatalf("err = %v, want sign-out", err)
	}
	if api.Calls("/refresh-token") == 0 {
		t.Error("restored session never refreshed")
	}
}

func TestRunWatchRequiresSession(t *testing.T) {
	t.Setenv("PARENTSYNC_HOME", t.TempDir())
	srv := httptest.NewServer(mockapi.New(mockapi.Config{}))
	t.Cleanup(srv.Close)
	if err := saveConfig(&Config{Default: ConfigDefault{BaseURL: srv.URL}}); err != nil {
		t.Fatal(err)
	}
	if err := runWatch(context.Background()); err == nil || !strings.Contains(err.Error(), "signed out") {
		t.Fatalf("err = %v, want sign-out", err)
	}
}
