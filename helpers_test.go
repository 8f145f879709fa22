package parentsync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LuminPulse-AI/parentsync/internal/mockapi"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testEmail    = "parent@example.org"
	testPassword = "secret123"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:", nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

type fixture struct {
	api     *mockapi.Server
	srv     *httptest.Server
	store   *Store
	client  *Client
	monitor *Monitor
	engine  *Engine
	dir     *Directory
}

func newFixture(t *testing.T, cfg mockapi.Config, opts ...EngineOption) *fixture {
	t.Helper()
	api := mockapi.New(cfg)
	api.AddUser(testEmail, testPassword, false)
	api.AddStudent(testEmail, mockapi.Student{ID: 1, StudentNumber: "S-1", GivenName: "Ada", FamilyName: "Byron"})
	api.AddStudent(testEmail, mockapi.Student{ID: 2, StudentNumber: "S-2", GivenName: "Alan", FamilyName: "Turing"})

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	store := newTestStore(t)
	client := NewClient(srv.URL, WithTokenStore(store), WithTimeout(5*time.Second))
	monitor := NewMonitor()
	monitor.Set(true)
	engine := NewEngine(client, store, monitor, opts...)
	t.Cleanup(engine.Stop)
	return &fixture{
		api:     api,
		srv:     srv,
		store:   store,
		client:  client,
		monitor: monitor,
		engine:  engine,
		dir:     NewDirectory(client, store, monitor),
	}
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	res, err := f.client.Session().SignIn(context.Background(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res != SignInSuccess {
		t.Fatalf("SignIn result = %s, want success", res)
	}
}

// seedMessages adds n messages with ids first..first+n-1, one hour apart, the
// highest id being the newest.
func seedMessages(api *mockapi.Server, studentID, first int64, n int) {
	for i := 0; i < n; i++ {
		id := first + int64(i)
		api.AddMessage(studentID, mockapi.Message{
			ID:       id,
			Title:    fmt.Sprintf("notice %d", id),
			Content:  "content",
			Priority: "medium",
			SentTime: testEpoch.Add(time.Duration(i) * time.Hour),
		})
	}
}

func serverMessage(id int64, sent time.Time) Message {
	return Message{
		ID:       id,
		Title:    fmt.Sprintf("notice %d", id),
		Priority: PriorityLow,
		SentTime: sent,
	}
}

func mustRow(t *testing.T, s *Store, id int64) *MessageRow {
	t.Helper()
	row, err := s.Message(context.Background(), id)
	if err != nil {
		t.Fatalf("Message(%d): %v", id, err)
	}
	if row == nil {
		t.Fatalf("Message(%d) not cached", id)
	}
	return row
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
