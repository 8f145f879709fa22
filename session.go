package parentsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Session
// ============================================================================

// SessionState is the authentication state of the client.
type SessionState string

const (
	StateAnonymous      SessionState = "anonymous"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateRefreshing     SessionState = "refreshing"
)

// SignInResult is the outcome of SignIn and ChangeTempPassword.
type SignInResult int

const (
	SignInFailed SignInResult = iota
	SignInSuccess
	SignInInvalidCredentials
	SignInOTPRequired
)

func (r SignInResult) String() string {
	switch r {
	case SignInSuccess:
		return "success"
	case SignInInvalidCredentials:
		return "invalid_credentials"
	case SignInOTPRequired:
		return "otp_required"
	default:
		return "failed"
	}
}

// RefreshResult is the outcome of Refresh.
type RefreshResult int

const (
	Refreshed RefreshResult = iota + 1
	// RefreshFailed means the server could not be reached. The session stays.
	RefreshFailed
	// RefreshRejected means the refresh token was refused. The session ended.
	RefreshRejected
)

// SessionEvent is delivered to OnChange handlers on every state change.
// Generation increases on each sign-in and each sign-out.
type SessionEvent struct {
	State      SessionState
	Generation uint64
	Reason     string
}

const (
	refreshTokenSetting = "refresh_token"
	expirySkew          = 30 * time.Second
)

// Session owns the access and refresh tokens. Refreshes are shared: any number
// of concurrent callers wait on one /refresh-token exchange.
type Session struct {
	client  *Client
	kv      KeyValueStore
	log     *zap.Logger
	metrics *Metrics
	group   singleflight.Group
	subs    subscribers[SessionEvent]
	now     func() time.Time

	mu      sync.Mutex
	state   SessionState
	access  string
	refresh string
	expiry  time.Time
	account Account
	school  string
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

func newSession(c *Client) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Session{
		client:  c,
		kv:      c.kv,
		log:     c.log.Named("session"),
		metrics: c.metrics,
		now:     time.Now,
		state:   StateAnonymous,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnChange registers a handler for session state changes.
func (s *Session) OnChange(h func(SessionEvent)) {
	s.subs.add(h)
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation identifies the current session. Work started under one
// generation must not publish results once it has changed.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Account returns the signed-in user and school name from the last sign-in.
func (s *Session) Account() (Account, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, s.school
}

// CurrentToken returns the access token, or "" when there is none or it is
// within the expiry skew.
func (s *Session) CurrentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAnonymous || s.access == "" || s.expiredLocked() {
		return ""
	}
	return s.access
}

// Expiry returns the access token expiry; zero when unknown.
func (s *Session) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *Session) expiredLocked() bool {
	return !s.expiry.IsZero() && !s.now().Add(expirySkew).Before(s.expiry)
}

// ── Sign-in ──────────────────────────────────────────────

// SignIn exchanges email and password for tokens. A non-nil error means the
// server could not answer; rejected credentials are reported in the result.
func (s *Session) SignIn(ctx context.Context, email, password string) (SignInResult, error) {
	return s.authenticate(ctx, "sign in", "/login", credentials{Email: email, Password: password})
}

// ChangeTempPassword completes a first sign-in with a temporary password.
func (s *Session) ChangeTempPassword(ctx context.Context, email, tempPassword, newPassword string) (SignInResult, error) {
	return s.authenticate(ctx, "change temp password", "/change-temp-password", changeTempPasswordRequest{
		Email:        email,
		TempPassword: tempPassword,
		NewPassword:  newPassword,
	})
}

func (s *Session) authenticate(ctx context.Context, op, path string, body any) (SignInResult, error) {
	s.mu.Lock()
	prev := s.state
	s.state = StateAuthenticating
	gen := s.gen
	s.mu.Unlock()
	s.subs.notify(SessionEvent{State: StateAuthenticating, Generation: gen, Reason: op})

	var resp AuthResponse
	err := s.client.doRequest(ctx, op, http.MethodPost, path, body, nil, "", &resp)
	if err != nil {
		s.restoreState(prev)
		var e *Error
		if errors.As(err, &e) {
			switch {
			case e.Status == http.StatusForbidden && isAPICode(err, "otp_required"):
				return SignInOTPRequired, nil
			case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden, e.Status == http.StatusBadRequest:
				return SignInInvalidCredentials, nil
			}
		}
		s.log.Warn("sign in failed", zap.String("op", op), zap.Error(err))
		return SignInFailed, err
	}

	s.install(resp)
	s.log.Info("signed in", zap.Int64("user_id", resp.User.ID), zap.String("school", resp.SchoolName))
	return SignInSuccess, nil
}

// restoreState undoes Authenticating after a failed attempt.
func (s *Session) restoreState(prev SessionState) {
	s.mu.Lock()
	if s.state != StateAuthenticating {
		s.mu.Unlock()
		return
	}
	s.state = prev
	gen := s.gen
	s.mu.Unlock()
	s.subs.notify(SessionEvent{State: prev, Generation: gen, Reason: "sign in failed"})
}

// install starts a new generation with freshly issued tokens.
func (s *Session) install(resp AuthResponse) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.gen++
	s.state = StateAuthenticated
	s.access = resp.AccessToken
	s.refresh = resp.RefreshToken
	s.expiry = tokenExpiry(resp.AccessToken, resp.ExpiresIn, s.now())
	s.account = resp.User
	s.school = resp.SchoolName
	gen := s.gen
	s.mu.Unlock()

	s.persistRefresh(resp.RefreshToken)
	s.subs.notify(SessionEvent{State: StateAuthenticated, Generation: gen, Reason: "signed in"})
}

// ChangePassword changes the password of the signed-in account.
func (s *Session) ChangePassword(ctx context.Context, current, next string) error {
	return s.client.doAuthed(ctx, "change password", http.MethodPost, "/change-password",
		changePasswordRequest{CurrentPassword: current, NewPassword: next}, nil, nil)
}

// Restore resumes a session from a persisted refresh token without network
// access. The first authenticated call performs the refresh. It reports
// whether a session was restored.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	rt, ok, err := s.kv.Setting(ctx, refreshTokenSetting)
	if err != nil {
		return false, err
	}
	if !ok || rt == "" {
		return false, nil
	}

	s.mu.Lock()
	if s.state != StateAnonymous {
		s.mu.Unlock()
		return true, nil
	}
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.gen++
	s.state = StateAuthenticated
	s.refresh = rt
	s.access = ""
	s.expiry = time.Time{}
	gen := s.gen
	s.mu.Unlock()

	s.subs.notify(SessionEvent{State: StateAuthenticated, Generation: gen, Reason: "restored"})
	return true, nil
}

// ── Refresh ──────────────────────────────────────────────

// Refresh exchanges the refresh token for a new access token.
func (s *Session) Refresh(ctx context.Context) (RefreshResult, error) {
	s.mu.Lock()
	stale := s.access
	s.mu.Unlock()

	_, err := s.refreshFrom(ctx, stale)
	switch {
	case err == nil:
		return Refreshed, nil
	case errors.Is(err, ErrSignedOut):
		return RefreshRejected, err
	default:
		return RefreshFailed, err
	}
}

// token returns a usable access token, refreshing first when the current one
// is missing or about to expire.
func (s *Session) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == StateAnonymous {
		s.mu.Unlock()
		return "", ErrSignedOut
	}
	if s.access != "" && !s.expiredLocked() {
		tok := s.access
		s.mu.Unlock()
		return tok, nil
	}
	stale := s.access
	s.mu.Unlock()
	return s.refreshFrom(ctx, stale)
}

// refreshFrom refreshes unless the token has already moved on from stale, in
// which case the newer token is returned as is.
func (s *Session) refreshFrom(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.state == StateAnonymous || s.refresh == "" {
		s.mu.Unlock()
		return "", ErrSignedOut
	}
	if s.access != "" && s.access != stale && !s.expiredLocked() {
		tok := s.access
		s.mu.Unlock()
		return tok, nil
	}
	gen := s.gen
	s.mu.Unlock()

	ch := s.group.DoChan(fmt.Sprintf("refresh-%d", gen), func() (any, error) {
		return s.doRefresh(gen)
	})
	select {
	case <-ctx.Done():
		return "", newError(KindNetworkUnavailable, "refresh token", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *Session) doRefresh(gen uint64) (string, error) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateAnonymous {
		s.mu.Unlock()
		return "", ErrSignedOut
	}
	rt := s.refresh
	sctx := s.ctx
	s.state = StateRefreshing
	s.mu.Unlock()
	s.subs.notify(SessionEvent{State: StateRefreshing, Generation: gen, Reason: "refresh"})

	var resp RefreshResponse
	err := s.client.doRequest(sctx, "refresh token", http.MethodPost, "/refresh-token",
		refreshRequest{RefreshToken: rt}, nil, "", &resp)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Status >= 400 && e.Status < 500 {
			s.metrics.tokenRefresh("rejected")
			s.log.Warn("refresh token rejected", zap.Int("status", e.Status))
			s.endSession(gen, "refresh rejected", true)
			return "", fmt.Errorf("refresh rejected: %w", ErrSignedOut)
		}
		s.metrics.tokenRefresh("failed")
		s.log.Warn("refresh failed", zap.Error(err))
		s.mu.Lock()
		changed := false
		if s.gen == gen && s.state == StateRefreshing {
			s.state = StateAuthenticated
			changed = true
		}
		s.mu.Unlock()
		if changed {
			s.subs.notify(SessionEvent{State: StateAuthenticated, Generation: gen, Reason: "refresh failed"})
		}
		if s.isEnded(gen) {
			return "", ErrSignedOut
		}
		return "", err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return "", ErrSignedOut
	}
	s.access = resp.AccessToken
	s.expiry = tokenExpiry(resp.AccessToken, resp.ExpiresIn, s.now())
	rotated := resp.RefreshToken != "" && resp.RefreshToken != s.refresh
	if rotated {
		s.refresh = resp.RefreshToken
	}
	s.state = StateAuthenticated
	tok := s.access
	s.mu.Unlock()

	if rotated {
		s.persistRefresh(resp.RefreshToken)
	}
	s.metrics.tokenRefresh("ok")
	s.subs.notify(SessionEvent{State: StateAuthenticated, Generation: gen, Reason: "refreshed"})
	return tok, nil
}

// ── Sign-out ─────────────────────────────────────────────

// SignOut clears the tokens, cancels in-flight work and starts a new
// generation. The cache is left in place.
func (s *Session) SignOut() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.endSession(gen, "signed out", false)
}

// forceSignOut ends generation gen after the server refused the session. It is
// a no-op if that session already ended.
func (s *Session) forceSignOut(gen uint64, reason string) {
	if s.endSession(gen, reason, true) {
		s.log.Warn("forced sign out", zap.String("reason", reason))
	}
}

func (s *Session) endSession(gen uint64, reason string, forced bool) bool {
	s.mu.Lock()
	if s.gen != gen || s.state == StateAnonymous {
		s.mu.Unlock()
		return false
	}
	s.cancel()
	s.gen++
	s.state = StateAnonymous
	s.access = ""
	s.refresh = ""
	s.expiry = time.Time{}
	s.account = Account{}
	s.school = ""
	next := s.gen
	s.mu.Unlock()

	if forced {
		s.metrics.forcedSignOut()
	}
	if err := s.kv.DeleteSetting(context.Background(), refreshTokenSetting); err != nil {
		s.log.Error("failed to clear refresh token", zap.Error(err))
	}
	s.subs.notify(SessionEvent{State: StateAnonymous, Generation: next, Reason: reason})
	return true
}

// ── Request scoping ──────────────────────────────────────

// begin derives a request context that is cancelled when either ctx is done or
// the current session ends.
func (s *Session) begin(ctx context.Context) (context.Context, uint64, func(), error) {
	s.mu.Lock()
	if s.state == StateAnonymous {
		s.mu.Unlock()
		return nil, 0, nil, ErrSignedOut
	}
	sctx, gen := s.ctx, s.gen
	s.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sctx, cancel)
	return rctx, gen, func() {
		stop()
		cancel()
	}, nil
}

func (s *Session) isEnded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// abortErr replaces err with ErrSignedOut when generation gen has ended.
func (s *Session) abortErr(gen uint64, err error) error {
	if err == nil || errors.Is(err, ErrSignedOut) {
		return err
	}
	if s.isEnded(gen) {
		return fmt.Errorf("%v: %w", err, ErrSignedOut)
	}
	return err
}

func (s *Session) persistRefresh(rt string) {
	if err := s.kv.PutSetting(context.Background(), refreshTokenSetting, rt); err != nil {
		s.log.Error("failed to persist refresh token", zap.Error(err))
	}
}

// tokenExpiry reads exp from an unverified JWT, falling back to expiresIn
// seconds. Opaque tokens with no expires_in never expire locally.
func tokenExpiry(token string, expiresIn int, now time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}

func isAPICode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
