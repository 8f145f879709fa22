package parentsync

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	pushTokenSetting      = "push_token"
	installationIDSetting = "installation_id"
)

// TokenSource yields this device's push token. It returns ErrPushUnavailable
// when the platform cannot issue one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// InstallationTokenSource serves hosts without a platform push service. The
// token is a random installation id created once and kept in the store.
type InstallationTokenSource struct {
	KV KeyValueStore
}

func (s InstallationTokenSource) Token(ctx context.Context) (string, error) {
	id, ok, err := s.KV.Setting(ctx, installationIDSetting)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.KV.PutSetting(ctx, installationIDSetting, id); err != nil {
		return "", err
	}
	return id, nil
}

// ============================================================================
// Push Token Registrar
// ============================================================================

// Registrar keeps the server's copy of the device push token current. It is
// never on the message sync path; all of its failures are logged and dropped.
type Registrar struct {
	client  *Client
	kv      KeyValueStore
	source  TokenSource
	log     *zap.Logger
	metrics *Metrics

	mu              sync.Mutex
	registeredToken string
	registeredGen   uint64
	subscribed      bool
	wg              sync.WaitGroup
}

func NewRegistrar(client *Client, kv KeyValueStore, source TokenSource) *Registrar {
	return &Registrar{
		client:  client,
		kv:      kv,
		source:  source,
		log:     client.log.Named("push"),
		metrics: client.metrics,
	}
}

// EnsureRegistered upserts the push token when it differs from the last token
// the server accepted or a new session started since then. A failed upsert is
// retried on the next call.
func (r *Registrar) EnsureRegistered(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.client.Session()
	if session.State() == StateAnonymous {
		return
	}
	gen := session.Generation()

	token, err := r.source.Token(ctx)
	if err != nil {
		r.metrics.pushRegistration("unavailable")
		if errors.Is(err, ErrPushUnavailable) {
			r.log.Info("push token unavailable on this device")
		} else {
			r.log.Warn("failed to obtain push token", zap.Error(err))
		}
		return
	}

	prev, _, err := r.kv.Setting(ctx, pushTokenSetting)
	if err != nil {
		r.log.Warn("failed to read stored push token", zap.Error(err))
	}
	if token != prev {
		if err := r.kv.PutSetting(ctx, pushTokenSetting, token); err != nil {
			r.log.Warn("failed to store push token", zap.Error(err))
		}
	}
	if token == r.registeredToken && gen == r.registeredGen {
		return
	}

	if err := r.client.RegisterDeviceToken(ctx, token); err != nil {
		r.metrics.pushRegistration("failed")
		r.log.Warn("device token registration failed", zap.Error(err))
		return
	}
	r.registeredToken, r.registeredGen = token, gen
	r.metrics.pushRegistration("ok")
	r.log.Info("device token registered")
}

// Start registers in the background whenever a new session generation
// becomes authenticated.
func (r *Registrar) Start(ctx context.Context) {
	r.mu.Lock()
	if r.subscribed {
		r.mu.Unlock()
		return
	}
	r.subscribed = true
	r.mu.Unlock()

	var last uint64
	var lastMu sync.Mutex
	r.client.Session().OnChange(func(ev SessionEvent) {
		if ev.State != StateAuthenticated {
			return
		}
		lastMu.Lock()
		seen := ev.Generation == last
		last = ev.Generation
		lastMu.Unlock()
		if seen || ctx.Err() != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.EnsureRegistered(ctx)
		}()
	})
}

// Wait blocks until background registrations have returned.
func (r *Registrar) Wait() {
	r.wg.Wait()
}
