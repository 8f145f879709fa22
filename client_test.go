package parentsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Stub server helpers
// ============================================================================

// newStubClient serves /login with opaque tokens plus the given routes and
// returns a signed-in client.
func newStubClient(t *testing.T, routes map[string]http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","user":{"id":7,"email":"p@example.org"}}`))
	})
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, opts...)
	res, err := c.Session().SignIn(context.Background(), "p@example.org", "x")
	if res != SignInSuccess {
		t.Fatalf("SignIn = (%s, %v)", res, err)
	}
	return c
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

// ============================================================================
// Request construction
// ============================================================================

func TestClientRequestHeaders(t *testing.T) {
	var got http.Header
	var query string
	c := newStubClient(t, map[string]http.HandlerFunc{
		"/messages": func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			query = r.URL.RawQuery
			w.Write([]byte(`[]`))
		},
	}, WithUserAgent("parentsync-test/1"))

	if _, err := c.FetchMessages(context.Background(), 3, 40, 20); err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if got.Get("Authorization") != "Bearer access-1" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if _, err := uuid.Parse(got.Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID = %q is not a uuid", got.Get("X-Request-ID"))
	}
	if got.Get("User-Agent") != "parentsync-test/1" {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	for _, want := range []string{"student_id=3", "offset=40", "limit=20"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %s", query, want)
		}
	}
}

func TestClientBaseURLTrimmed(t *testing.T) {
	c := NewClient("https://api.example.org/")
	if c.BaseURL() != "https://api.example.org" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
}

// ============================================================================
// Error classification
// ============================================================================

func TestClientErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("server error", func(t *testing.T) {
		c := newStubClient(t, map[string]http.HandlerFunc{
			"/students": jsonHandler(http.StatusInternalServerError, `{"error":"database_down"}`),
		})
		_, err := c.FetchStudents(ctx)
		var e *Error
		if !errors.As(err, &e) || e.Kind != KindServerError || e.Status != 500 {
			t.Fatalf("err = %#v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != "database_down" {
			t.Errorf("api error = %v", apiErr)
		}
		if OutcomeOf(err) != OutcomeRetryableError {
			t.Errorf("outcome = %s", OutcomeOf(err))
		}
		if c.Session().State() != StateAuthenticated {
			t.Errorf("5xx must not end the session")
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		c := newStubClient(t, map[string]http.HandlerFunc{
			"/students": jsonHandler(http.StatusOK, `{not json`),
		})
		_, err := c.FetchStudents(ctx)
		if KindOf(err) != KindServerError {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("payload fails validation", func(t *testing.T) {
		c := newStubClient(t, map[string]http.HandlerFunc{
			"/messages": jsonHandler(http.StatusOK,
				`[{"id":1,"priority":"low","sent_time":"2026-01-01T00:00:00Z"},{"id":2,"priority":"urgent","sent_time":"2026-01-01T00:00:00Z"}]`),
		})
		_, err := c.FetchMessages(ctx, 1, 0, 20)
		if KindOf(err) != KindServerError {
			t.Fatalf("err = %v", err)
		}
		if !strings.Contains(err.Error(), "item 1") {
			t.Errorf("error does not name the bad item: %v", err)
		}
	})

	t.Run("student without number", func(t *testing.T) {
		c := newStubClient(t, map[string]http.HandlerFunc{
			"/students": jsonHandler(http.StatusOK, `[{"id":1}]`),
		})
		if _, err := c.FetchStudents(ctx); KindOf(err) != KindServerError {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		block := make(chan struct{})
		c := newStubClient(t, map[string]http.HandlerFunc{
			"/students": func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-block:
				}
			},
		}, WithTimeout(50*time.Millisecond))
		t.Cleanup(func() { close(block) })

		_, err := c.FetchStudents(ctx)
		if KindOf(err) != KindNetworkUnavailable {
			t.Fatalf("err = %v", err)
		}
		if OutcomeOf(err) != OutcomeStaleCache {
			t.Errorf("outcome = %s", OutcomeOf(err))
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c := NewClient(url)
		err := c.doRequest(ctx, "fetch students", http.MethodGet, "/students", nil, nil, "", nil)
		if KindOf(err) != KindNetworkUnavailable {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1")
		if _, err := c.FetchStudents(ctx); !errors.Is(err, ErrSignedOut) {
			t.Fatalf("err = %v, want ErrSignedOut", err)
		}
	})
}

func TestSendReadReceipts(t *testing.T) {
	var body string
	c := newStubClient(t, map[string]http.HandlerFunc{
		"/messages/read-receipts": func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			body = string(b)
			w.Write([]byte(`{"acknowledged_ids":[4,5]}`))
		},
	})
	acked, err := c.SendReadReceipts(context.Background(), []int64{4, 5, 6})
	if err != nil {
		t.Fatalf("SendReadReceipts: %v", err)
	}
	if len(acked) != 2 || acked[0] != 4 || acked[1] != 5 {
		t.Errorf("acked = %v", acked)
	}
	if !strings.Contains(body, `"message_ids":[4,5,6]`) {
		t.Errorf("body = %s", body)
	}
}
