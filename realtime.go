package parentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Push Channel Payloads
// ============================================================================

// PushEnvelope is one frame on the push channel.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageNewPayload announces a new message for a student.
type MessageNewPayload struct {
	StudentID int64 `json:"student_id"`
	MessageID int64 `json:"message_id,omitempty"`
}

// PongPayload answers a ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures a PushListener.
type PushConfig struct {
	// MaxReconnectAttempts bounds consecutive failed connects; 0 means no limit.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
}

// PushState represents the connection state.
type PushState string

const (
	PushDisconnected PushState = "disconnected"
	PushConnecting   PushState = "connecting"
	PushConnected    PushState = "connected"
	PushReconnecting PushState = "reconnecting"
)

// ============================================================================
// PushListener
// ============================================================================

// PushListener holds a websocket to /ws and reloads the first page of a
// student whenever the server announces a new message. Delivery is best
// effort; paging and flushing never depend on it.
type PushListener struct {
	client *Client
	engine *Engine
	config PushConfig
	log    *zap.Logger

	mu          sync.Mutex
	state       PushState
	conn        *websocket.Conn
	recon       *backoff
	pingCounter int
	pending     map[string]chan PongPayload
	onNew       subscribers[MessageNewPayload]
	wg          sync.WaitGroup
}

func NewPushListener(client *Client, engine *Engine, config PushConfig) *PushListener {
	config.defaults()
	return &PushListener{
		client:  client,
		engine:  engine,
		config:  config,
		log:     client.log.Named("realtime"),
		state:   PushDisconnected,
		recon:   newBackoff(config.ReconnectBaseDelay, config.ReconnectMaxDelay),
		pending: make(map[string]chan PongPayload),
	}
}

// OnMessageNew registers a handler for message.new frames. It runs after
// the engine reload has been scheduled.
func (l *PushListener) OnMessageNew(h func(MessageNewPayload)) {
	l.onNew.add(h)
}

// State returns the connection state.
func (l *PushListener) State() PushState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PushListener) setState(s PushState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// done, the session ends or MaxReconnectAttempts consecutive connects fail.
func (l *PushListener) Run(ctx context.Context) error {
	defer l.wg.Wait()
	defer l.setState(PushDisconnected)

	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrSignedOut) || l.client.Session().State() == StateAnonymous {
			return ErrSignedOut
		}
		if l.config.MaxReconnectAttempts > 0 && l.recon.attempts() >= l.config.MaxReconnectAttempts {
			return fmt.Errorf("push channel: giving up after %d attempts: %w", l.recon.attempts(), err)
		}

		delay := l.recon.nextDelay()
		l.setState(PushReconnecting)
		l.log.Info("push channel lost, reconnecting", zap.Duration("delay", delay), zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce runs one connection until it fails.
func (l *PushListener) runOnce(ctx context.Context) error {
	sctx, _, release, err := l.client.Session().begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	token, err := l.client.Session().token(sctx)
	if err != nil {
		return err
	}

	l.setState(PushConnecting)
	conn, err := l.connect(sctx, token)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "client disconnect")

	l.mu.Lock()
	l.conn = conn
	l.state = PushConnected
	l.mu.Unlock()
	l.recon.reset()
	l.log.Info("push channel connected")

	connCtx, cancel := context.WithCancel(sctx)
	defer cancel()
	go l.heartbeatLoop(connCtx, conn)

	err = l.readLoop(connCtx, conn)

	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()
	l.clearPendingPings()
	return err
}

func (l *PushListener) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	wsURL := strings.Replace(l.client.BaseURL(), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

func (l *PushListener) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "pong":
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				l.mu.Lock()
				ch, ok := l.pending[p.RequestID]
				delete(l.pending, p.RequestID)
				l.mu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "message.new":
			var p MessageNewPayload
			if json.Unmarshal(env.Payload, &p) != nil || p.StudentID == 0 {
				continue
			}
			l.log.Debug("message.new received", zap.Int64("student_id", p.StudentID))
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				if _, err := l.engine.NotifyNewMessage(ctx, p.StudentID); err != nil {
					l.log.Warn("reload after push failed", zap.Int64("student_id", p.StudentID), zap.Error(err))
				}
				l.onNew.notify(p)
			}()
		}
	}
}

func (l *PushListener) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.ping(ctx, conn); err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ping sends an application-level ping and waits for the matching pong.
func (l *PushListener) ping(ctx context.Context, conn *websocket.Conn) error {
	l.mu.Lock()
	l.pingCounter++
	requestID := fmt.Sprintf("ping-%d", l.pingCounter)
	ch := make(chan PongPayload, 1)
	l.pending[requestID] = ch
	l.mu.Unlock()

	forget := func() {
		l.mu.Lock()
		delete(l.pending, requestID)
		l.mu.Unlock()
	}

	data, _ := json.Marshal(map[string]any{
		"type":    "ping",
		"payload": map[string]string{"requestId": requestID},
	})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		forget()
		return err
	}

	t := time.NewTimer(l.config.PingTimeout)
	defer t.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		return nil
	case <-t.C:
		forget()
		return errors.New("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (l *PushListener) clearPendingPings() {
	l.mu.Lock()
	for k, ch := range l.pending {
		close(ch)
		delete(l.pending, k)
	}
	l.mu.Unlock()
}
