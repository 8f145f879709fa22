// Package parentsync is an offline-first client for school notification
// messages.
//
// Messages fetched earlier render from a local SQLite store, reads are
// recorded locally and replayed to the server once connectivity returns, and
// the session refreshes itself without losing the caller's place.
//
// Example:
//
//	store, _ := parentsync.OpenStore("parentsync.db", logger)
//	client := parentsync.NewClient("https://api.example-school.org",
//		parentsync.WithTokenStore(store), parentsync.WithLogger(logger))
//	monitor := parentsync.NewMonitor()
//	engine := parentsync.NewEngine(client, store, monitor)
//	engine.Start(ctx)
//	defer engine.Stop()
//
//	client.Session().SignIn(ctx, "parent@example.org", "secret")
//	page, _ := engine.LoadPage(ctx, studentID, 0)
package parentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout          = 15 * time.Second
	DefaultPageSize         = 20
	DefaultReceiptBatchSize = 50

	maxResponseBytes = 8 << 20
)

// ============================================================================
// Client
// ============================================================================

// Client is the remote gateway. It attaches the current access token to
// authenticated calls and classifies responses into the error Kinds.
type Client struct {
	baseURL    string
	httpClient *http.Client
	kv         KeyValueStore
	log        *zap.Logger
	metrics    *Metrics
	validate   *validator.Validate
	session    *Session
	userAgent  string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithTokenStore persists the refresh token in kv. Without it the session
// only survives for the life of the process.
func WithTokenStore(kv KeyValueStore) ClientOption {
	return func(c *Client) { c.kv = kv }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = orNop(l) }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a gateway for the API at baseURL together with its Session.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zap.NewNop(),
		validate:   validator.New(),
		userAgent:  "parentsync-go",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.kv == nil {
		c.kv = newMemoryKV()
	}
	c.session = newSession(c)
	return c
}

// Session returns the session manager bound to this client.
func (c *Client) Session() *Session {
	return c.session
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

// doRequest performs one HTTP exchange and decodes a 2xx body into out.
// token may be empty for unauthenticated calls.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query url.Values, token string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return newError(KindServerError, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return newError(KindServerError, op, fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindNetworkUnavailable, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return newError(KindNetworkUnavailable, op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr *APIError
		var eb APIError
		if json.Unmarshal(data, &eb) == nil && eb.Code != "" {
			apiErr = &eb
		}
		c.log.Debug("request rejected",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		if apiErr != nil {
			return statusError(op, resp.StatusCode, apiErr)
		}
		return statusError(op, resp.StatusCode, nil)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(KindServerError, op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if err := c.validatePayload(out); err != nil {
		return newError(KindServerError, op, fmt.Errorf("malformed payload: %w", err))
	}
	return nil
}

func (c *Client) validatePayload(out any) error {
	v := reflect.Indirect(reflect.ValueOf(out))
	switch v.Kind() {
	case reflect.Struct:
		return c.validate.Struct(v.Interface())
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			el := reflect.Indirect(v.Index(i))
			if el.Kind() != reflect.Struct {
				continue
			}
			if err := c.validate.Struct(el.Interface()); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
	}
	return nil
}

// doAuthed performs an authenticated call.
//
// A 401 triggers one refresh (shared with concurrent callers) and one retry;
// a second 401 ends the session. A 403 ends the session without a retry.
// Requests are aborted when the session ends while they are in flight.
func (c *Client) doAuthed(ctx context.Context, op, method, path string, body any, query url.Values, out any) error {
	rctx, gen, release, err := c.session.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	token, err := c.session.token(rctx)
	if err != nil {
		return c.session.abortErr(gen, err)
	}

	err = c.doRequest(rctx, op, method, path, body, query, token, out)
	if IsKind(err, KindUnauthorized) {
		token, err = c.session.refreshFrom(rctx, token)
		if err != nil {
			return c.session.abortErr(gen, err)
		}
		err = c.doRequest(rctx, op, method, path, body, query, token, out)
		if IsKind(err, KindUnauthorized) {
			c.session.forceSignOut(gen, "unauthorized after refresh")
			return err
		}
	}
	if IsKind(err, KindForbidden) {
		c.session.forceSignOut(gen, "forbidden")
		return err
	}
	return c.session.abortErr(gen, err)
}

// ============================================================================
// API calls
// ============================================================================

// FetchStudents returns the full student list for the account.
func (c *Client) FetchStudents(ctx context.Context) ([]Student, error) {
	var out []Student
	if err := c.doAuthed(ctx, "fetch students", http.MethodGet, "/students", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages returns one page of a student's messages, newest first.
func (c *Client) FetchMessages(ctx context.Context, studentID int64, offset, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("student_id", strconv.FormatInt(studentID, 10))
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Message
	if err := c.doAuthed(ctx, "fetch messages", http.MethodGet, "/messages", nil, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendReadReceipts delivers a batch of receipts and returns the ids the server
// acknowledged.
func (c *Client) SendReadReceipts(ctx context.Context, ids []int64) ([]int64, error) {
	var out ReadReceiptsResponse
	err := c.doAuthed(ctx, "send read receipts", http.MethodPost, "/messages/read-receipts",
		ReadReceiptsRequest{MessageIDs: ids}, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.AcknowledgedIDs, nil
}

// RegisterDeviceToken upserts the push token for this device.
func (c *Client) RegisterDeviceToken(ctx context.Context, token string) error {
	return c.doAuthed(ctx, "register device token", http.MethodPost, "/device-token",
		DeviceTokenRequest{Token: token}, nil, nil)
}

// ============================================================================
// memoryKV
// ============================================================================

// memoryKV is the process-local fallback when no Store backs the session.
type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: make(map[string]string)}
}

func (m *memoryKV) Setting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryKV) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryKV) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
