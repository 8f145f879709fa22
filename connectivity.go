package parentsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Connectivity Monitor
// ============================================================================

// Reachability is the last known network state.
type Reachability string

const (
	ReachabilityUnknown Reachability = "unknown"
	ReachabilityOnline  Reachability = "online"
	ReachabilityOffline Reachability = "offline"
)

// Monitor tracks reachability. Platform hooks or a Prober feed it; sync
// components read it and subscribe to transitions.
type Monitor struct {
	mu    sync.Mutex
	state Reachability
	subs  subscribers[Transition]
	log   *zap.Logger
}

// Transition is one reachability change.
type Transition struct {
	Prev, Next Reachability
}

// NewMonitor returns a monitor in the Unknown state.
func NewMonitor(logger ...*zap.Logger) *Monitor {
	m := &Monitor{state: ReachabilityUnknown, log: zap.NewNop()}
	if len(logger) > 0 {
		m.log = orNop(logger[0]).Named("connectivity")
	}
	return m
}

// State returns the current reachability. It never blocks on the network.
func (m *Monitor) State() Reachability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the network is known to be reachable. Unknown counts
// as offline.
func (m *Monitor) Online() bool {
	return m.State() == ReachabilityOnline
}

// Set records a reachability observation. Subscribers are only notified when
// the state actually changes.
func (m *Monitor) Set(online bool) {
	next := ReachabilityOffline
	if online {
		next = ReachabilityOnline
	}
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	m.log.Info("reachability changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	m.subs.notify(Transition{Prev: prev, Next: next})
}

// OnChange registers a handler for reachability transitions.
func (m *Monitor) OnChange(h func(prev, next Reachability)) {
	m.subs.add(func(t Transition) { h(t.Prev, t.Next) })
}

// ── Probing ──────────────────────────────────────────────

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, p Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Set(p.Probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HTTPProber issues GET <BaseURL>/health. Any HTTP response counts as reachable.
type HTTPProber struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
