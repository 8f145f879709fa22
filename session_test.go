package parentsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LuminPulse-AI/parentsync/internal/mockapi"
)

// ============================================================================
// Sign-in
// ============================================================================

func TestSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{SchoolName: "Northside"})
		var events []SessionEvent
		f.client.Session().OnChange(func(ev SessionEvent) { events = append(events, ev) })

		f.signIn(t)
		s := f.client.Session()
		if s.State() != StateAuthenticated {
			t.Fatalf("state = %s", s.State())
		}
		if s.Generation() != 1 {
			t.Errorf("generation = %d, want 1", s.Generation())
		}
		acct, school := s.Account()
		if acct.Email != testEmail || school != "Northside" {
			t.Errorf("account = (%+v, %q)", acct, school)
		}
		if s.CurrentToken() == "" {
			t.Error("no access token after sign in")
		}
		if rt, ok, _ := f.store.Setting(ctx, refreshTokenSetting); !ok || rt == "" {
			t.Error("refresh token not persisted")
		}
		if len(events) != 2 || events[0].State != StateAuthenticating || events[1].State != StateAuthenticated {
			t.Errorf("events = %+v", events)
		}
	})

	t.Run("invalid credentials", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		res, err := f.client.Session().SignIn(ctx, testEmail, "wrong")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res != SignInInvalidCredentials {
			t.Fatalf("result = %s", res)
		}
		if f.client.Session().State() != StateAnonymous {
			t.Errorf("state = %s", f.client.Session().State())
		}
	})

	t.Run("malformed request counts as invalid", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		res, err := f.client.Session().SignIn(ctx, "not-an-email", "x")
		if err != nil || res != SignInInvalidCredentials {
			t.Fatalf("got (%s, %v)", res, err)
		}
	})

	t.Run("temporary password", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.api.AddUser("new@example.org", "temp-1", true)
		s := f.client.Session()

		res, err := s.SignIn(ctx, "new@example.org", "temp-1")
		if err != nil || res != SignInOTPRequired {
			t.Fatalf("SignIn = (%s, %v), want otp_required", res, err)
		}
		res, err = s.ChangeTempPassword(ctx, "new@example.org", "temp-1", "chosen-pass")
		if err != nil || res != SignInSuccess {
			t.Fatalf("ChangeTempPassword = (%s, %v)", res, err)
		}
		s.SignOut()
		res, _ = s.SignIn(ctx, "new@example.org", "chosen-pass")
		if res != SignInSuccess {
			t.Errorf("sign in with new password = %s", res)
		}
	})

	t.Run("server unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient(srv.URL)
		res, err := c.Session().SignIn(ctx, testEmail, testPassword)
		if res != SignInFailed {
			t.Fatalf("result = %s", res)
		}
		if !IsKind(err, KindNetworkUnavailable) {
			t.Errorf("err = %v, want network_unavailable", err)
		}
		if c.Session().State() != StateAnonymous {
			t.Errorf("state = %s", c.Session().State())
		}
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mockapi.Config{})
	f.signIn(t)
	s := f.client.Session()

	err := s.ChangePassword(ctx, "wrong", "another-pass")
	if KindOf(err) != KindServerError {
		t.Fatalf("wrong current password err = %v", err)
	}
	if err := s.ChangePassword(ctx, testPassword, "another-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	s.SignOut()
	if res, _ := s.SignIn(ctx, testEmail, "another-pass"); res != SignInSuccess {
		t.Errorf("sign in after change = %s", res)
	}
}

// ============================================================================
// Refresh
// ============================================================================

func TestRefreshOnUnauthorized(t *testing.T) {
	ctx := context.Background()

	t.Run("one refresh one retry", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.api.ExpireAccessTokens()

		students, err := f.client.FetchStudents(ctx)
		if err != nil {
			t.Fatalf("FetchStudents: %v", err)
		}
		if len(students) != 2 {
			t.Errorf("got %d students", len(students))
		}
		if n := f.api.Calls("/refresh-token"); n != 1 {
			t.Errorf("refresh calls = %d, want 1", n)
		}
		if n := f.api.Calls("/students"); n != 2 {
			t.Errorf("students calls = %d, want 2", n)
		}
	})

	t.Run("concurrent 401s share one refresh", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.api.ExpireAccessTokens()

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.client.FetchStudents(ctx)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("FetchStudents: %v", err)
			}
		}
		if n := f.api.Calls("/refresh-token"); n != 1 {
			t.Errorf("refresh calls = %d, want 1", n)
		}
	})

	t.Run("second 401 signs out", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.api.FailNext("/students", http.StatusUnauthorized)
		f.api.FailNext("/students", http.StatusUnauthorized)

		_, err := f.client.FetchStudents(ctx)
		if OutcomeOf(err) != OutcomeSignOutRequired {
			t.Fatalf("outcome = %s (err %v)", OutcomeOf(err), err)
		}
		if f.client.Session().State() != StateAnonymous {
			t.Errorf("state = %s", f.client.Session().State())
		}
		if n := f.api.Calls("/refresh-token"); n != 1 {
			t.Errorf("refresh calls = %d, want 1", n)
		}
	})

	t.Run("403 signs out without retry", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.api.FailNext("/students", http.StatusForbidden)

		_, err := f.client.FetchStudents(ctx)
		if !IsKind(err, KindForbidden) || OutcomeOf(err) != OutcomeSignOutRequired {
			t.Fatalf("err = %v", err)
		}
		if f.client.Session().State() != StateAnonymous {
			t.Errorf("state = %s", f.client.Session().State())
		}
		if f.api.Calls("/refresh-token") != 0 || f.api.Calls("/students") != 1 {
			t.Errorf("unexpected retry: refresh=%d students=%d",
				f.api.Calls("/refresh-token"), f.api.Calls("/students"))
		}
	})

	t.Run("rejected refresh ends the session", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.api.RevokeRefreshTokens()
		f.api.ExpireAccessTokens()

		_, err := f.client.FetchStudents(ctx)
		if !errors.Is(err, ErrSignedOut) {
			t.Fatalf("err = %v, want ErrSignedOut", err)
		}
		if OutcomeOf(err) != OutcomeSignOutRequired {
			t.Errorf("outcome = %s", OutcomeOf(err))
		}
		if f.client.Session().State() != StateAnonymous {
			t.Errorf("state = %s", f.client.Session().State())
		}
		if _, ok, _ := f.store.Setting(ctx, refreshTokenSetting); ok {
			t.Error("refresh token still persisted")
		}
	})

	t.Run("failed refresh keeps the session", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		f.api.ExpireAccessTokens()
		f.api.FailNext("/refresh-token", http.StatusServiceUnavailable)

		_, err := f.client.FetchStudents(ctx)
		if OutcomeOf(err) != OutcomeRetryableError {
			t.Fatalf("outcome = %s (err %v)", OutcomeOf(err), err)
		}
		s := f.client.Session()
		if s.State() != StateAuthenticated {
			t.Fatalf("state = %s", s.State())
		}
		res, err := s.Refresh(ctx)
		if res != Refreshed || err != nil {
			t.Fatalf("Refresh = (%v, %v)", res, err)
		}
		if _, err := f.client.FetchStudents(ctx); err != nil {
			t.Errorf("FetchStudents after refresh: %v", err)
		}
	})
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mockapi.Config{RotateRefreshTokens: true})
	f.signIn(t)
	before, _, _ := f.store.Setting(ctx, refreshTokenSetting)

	res, err := f.client.Session().Refresh(ctx)
	if res != Refreshed || err != nil {
		t.Fatalf("Refresh = (%v, %v)", res, err)
	}
	after, _, _ := f.store.Setting(ctx, refreshTokenSetting)
	if after == "" || after == before {
		t.Fatalf("rotated refresh token not persisted: before=%q after=%q", before, after)
	}
	// The old token was consumed by the server; the new one must work.
	res, err = f.client.Session().Refresh(ctx)
	if res != Refreshed || err != nil {
		t.Errorf("second Refresh = (%v, %v)", res, err)
	}
}

func TestProactiveRefresh(t *testing.T) {
	f := newFixture(t, mockapi.Config{AccessTTL: 10 * time.Second})
	f.signIn(t)

	if _, err := f.client.FetchStudents(context.Background()); err != nil {
		t.Fatalf("FetchStudents: %v", err)
	}
	if n := f.api.Calls("/refresh-token"); n != 1 {
		t.Errorf("refresh calls = %d, want 1 before the request", n)
	}
	if n := f.api.Calls("/students"); n != 1 {
		t.Errorf("students calls = %d, want 1", n)
	}
}

// ============================================================================
// Restore and sign-out
// ============================================================================

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mockapi.Config{})
	f.signIn(t)

	next := NewClient(f.srv.URL, WithTokenStore(f.store))
	ok, err := next.Session().Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("Restore = (%v, %v)", ok, err)
	}
	if next.Session().State() != StateAuthenticated {
		t.Fatalf("state = %s", next.Session().State())
	}
	if next.Session().CurrentToken() != "" {
		t.Error("restored session must not have an access token yet")
	}
	calls := f.api.Calls("/refresh-token")
	if _, err := next.FetchStudents(ctx); err != nil {
		t.Fatalf("FetchStudents: %v", err)
	}
	if f.api.Calls("/refresh-token") != calls+1 {
		t.Error("restored session did not refresh before first request")
	}

	empty := NewClient(f.srv.URL)
	if ok, _ := empty.Session().Restore(ctx); ok {
		t.Error("restored without a persisted token")
	}
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()

	t.Run("clears tokens and bumps generation", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		s := f.client.Session()
		gen := s.Generation()

		s.SignOut()
		if s.State() != StateAnonymous || s.CurrentToken() != "" {
			t.Fatalf("state = %s token = %q", s.State(), s.CurrentToken())
		}
		if s.Generation() != gen+1 {
			t.Errorf("generation = %d, want %d", s.Generation(), gen+1)
		}
		if _, ok, _ := f.store.Setting(ctx, refreshTokenSetting); ok {
			t.Error("refresh token survived sign out")
		}
		if _, err := f.client.FetchStudents(ctx); !errors.Is(err, ErrSignedOut) {
			t.Errorf("request after sign out err = %v", err)
		}
	})

	t.Run("stale forced sign out is ignored", func(t *testing.T) {
		f := newFixture(t, mockapi.Config{})
		f.signIn(t)
		s := f.client.Session()
		old := s.Generation()
		s.SignOut()
		f.signIn(t)

		s.forceSignOut(old, "late 401")
		if s.State() != StateAuthenticated {
			t.Errorf("new session ended by a stale sign out: %s", s.State())
		}
	})

	t.Run("aborts in-flight requests", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		mux := http.NewServeMux()
		mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"access_token":"a","refresh_token":"r","user":{"id":1,"email":"p@example.org"}}`))
		})
		mux.HandleFunc("/students", func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			select {
			case <-r.Context().Done():
			case <-release:
			}
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		c := NewClient(srv.URL)
		if res, err := c.Session().SignIn(ctx, "p@example.org", "x"); res != SignInSuccess {
			t.Fatalf("SignIn = (%s, %v)", res, err)
		}

		done := make(chan error, 1)
		go func() {
			_, err := c.FetchStudents(ctx)
			done <- err
		}()
		<-entered
		c.Session().SignOut()

		select {
		case err := <-done:
			if !errors.Is(err, ErrSignedOut) {
				t.Errorf("err = %v, want ErrSignedOut", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("request not aborted by sign out")
		}
	})
}

// ============================================================================
// Token expiry
// ============================================================================

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("jwt exp claim", func(t *testing.T) {
		exp := now.Add(42 * time.Minute)
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("k"))
		if err != nil {
			t.Fatal(err)
		}
		if got := tokenExpiry(tok, 60, now); !got.Equal(exp) {
			t.Errorf("expiry = %v, want %v", got, exp)
		}
	})

	t.Run("expires_in fallback", func(t *testing.T) {
		if got := tokenExpiry("opaque", 60, now); !got.Equal(now.Add(time.Minute)) {
			t.Errorf("expiry = %v", got)
		}
	})

	t.Run("opaque without lifetime", func(t *testing.T) {
		if got := tokenExpiry("opaque", 0, now); !got.IsZero() {
			t.Errorf("expiry = %v, want zero", got)
		}
	})
}
