// Package mockapi is an in-memory double of the school notification API.
// It backs the client tests and the mock-server command.
package mockapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

type Student struct {
	ID            int64  `json:"id"`
	StudentNumber string `json:"student_number"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	PhoneNumber   string `json:"phone_number"`
	Email         string `json:"email"`
}

type Message struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Priority  string     `json:"priority"`
	GroupName *string    `json:"group_name,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Images    []string   `json:"images,omitempty"`
	SentTime  time.Time  `json:"sent_time"`
	ViewedAt  *time.Time `json:"viewed_at,omitempty"`
}

type user struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	password string
	temp     bool
	students []int64
	device   string
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type changeTempPasswordRequest struct {
	Email        string `json:"email" validate:"required,email"`
	TempPassword string `json:"temp_password" validate:"required"`
	NewPassword  string `json:"new_password" validate:"required,min=6"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type readReceiptsRequest struct {
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1,max=500,dive,gt=0"`
}

type deviceTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type authResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         *user  `json:"user"`
	SchoolName   string `json:"school_name,omitempty"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

// ============================================================================
// Server
// ============================================================================

type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	SchoolName string
	// RotateRefreshTokens issues a new refresh token on every refresh.
	RotateRefreshTokens bool
	// MaxPageSize caps the limit query parameter.
	MaxPageSize int
	Now         func() time.Time
	Logger      *zap.Logger
}

// Server is the backend double. All state lives in memory behind mu.
type Server struct {
	router    chi.Router
	validate  *validator.Validate
	log       *zap.Logger
	secret    []byte
	accessTTL time.Duration
	school    string
	rotate    bool
	maxPage   int
	now       func() time.Time

	mu        sync.Mutex
	epoch     int
	nextUser  int64
	users     map[string]*user
	refresh   map[string]string
	students  map[int64]Student
	messages  map[int64][]*Message
	byID      map[int64]*Message
	owner     map[int64]int64
	failures  map[string][]int
	calls     map[string]int
	receipts  [][]int64
	listeners map[string]map[*websocket.Conn]struct{}
}

func New(cfg Config) *Server {
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("mockapi-secret")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		validate:  validator.New(),
		log:       cfg.Logger,
		secret:    cfg.Secret,
		accessTTL: cfg.AccessTTL,
		school:    cfg.SchoolName,
		rotate:    cfg.RotateRefreshTokens,
		maxPage:   cfg.MaxPageSize,
		now:       cfg.Now,
		users:     make(map[string]*user),
		refresh:   make(map[string]string),
		students:  make(map[int64]Student),
		messages:  make(map[int64][]*Message),
		byID:      make(map[int64]*Message),
		owner:     make(map[int64]int64),
		failures:  make(map[string][]int),
		calls:     make(map[string]int),
		listeners: make(map[string]map[*websocket.Conn]struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countAndInject)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ws", s.handleWS)

	r.Post("/login", s.handleLogin)
	r.Post("/change-temp-password", s.handleChangeTempPassword)
	r.Post("/refresh-token", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/change-password", s.handleChangePassword)
		r.Get("/students", s.handleStudents)
		r.Get("/messages", s.handleMessages)
		r.Post("/messages/read-receipts", s.handleReadReceipts)
		r.Post("/device-token", s.handleDeviceToken)
	})
	return r
}

// ── Fixtures ─────────────────────────────────────────────

// AddUser creates an account. temp marks the password as temporary.
func (s *Server) AddUser(email, password string, temp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	s.users[strings.ToLower(email)] = &user{
		ID:       s.nextUser,
		Email:    email,
		password: password,
		temp:     temp,
	}
}

// AddStudent links a student to the account.
func (s *Server) AddStudent(email string, st Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[strings.ToLower(email)]
	if u == nil {
		return
	}
	s.students[st.ID] = st
	for _, id := range u.students {
		if id == st.ID {
			return
		}
	}
	u.students = append(u.students, st.ID)
}

// AddMessage stores a message for a student and pushes message.new to the
// account's open push channels.
func (s *Server) AddMessage(studentID int64, m Message) {
	s.mu.Lock()
	msg := m
	s.messages[studentID] = append(s.messages[studentID], &msg)
	s.byID[m.ID] = &msg
	s.owner[m.ID] = studentID
	var conns []*websocket.Conn
	for email, u := range s.users {
		for _, id := range u.students {
			if id == studentID {
				for c := range s.listeners[email] {
					conns = append(conns, c)
				}
			}
		}
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return
	}
	frame, _ := json.Marshal(map[string]any{
		"type":    "message.new",
		"payload": map[string]int64{"student_id": studentID, "message_id": m.ID},
	})
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

// ── Fault injection & inspection ─────────────────────────

// FailNext makes the next request to path answer with status. Calls queue.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], status)
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// Calls counts requests to path, including injected failures.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// ReceiptBatches returns the message_ids bodies received, in order.
func (s *Server) ReceiptBatches() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int64, len(s.receipts))
	for i, b := range s.receipts {
		out[i] = append([]int64(nil), b...)
	}
	return out
}

// Viewed reports whether a read receipt has been applied to message id.
func (s *Server) Viewed(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID[id]
	return m != nil && m.ViewedAt != nil
}

// MarkViewed sets viewed_at as if another device had sent a receipt.
func (s *Server) MarkViewed(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.byID[id]; m != nil && m.ViewedAt == nil {
		t := at.UTC()
		m.ViewedAt = &t
	}
}

// DeviceToken returns the push token registered for the account.
func (s *Server) DeviceToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[strings.ToLower(email)]; u != nil {
		return u.device
	}
	return ""
}

// Listeners counts open push channels for the account.
func (s *Server) Listeners(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[strings.ToLower(email)])
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) countAndInject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		status := 0
		if q := s.failures[r.URL.Path]; len(q) > 0 {
			status = q[0]
			s.failures[r.URL.Path] = q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected_failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		s.mu.Lock()
		c, err := s.parseAccessToken(token)
		var u *user
		if err == nil {
			u = s.users[strings.ToLower(c.Email)]
		}
		s.mu.Unlock()
		if err != nil || u == nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *user {
	u, _ := ctx.Value(userKey{}).(*user)
	return u
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	s.mu.Lock()
	u := s.users[strings.ToLower(req.Email)]
	valid := u != nil && u.password == req.Password
	temp := valid && u.temp
	s.mu.Unlock()
	if !valid {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	if temp {
		writeError(w, http.StatusForbidden, "otp_required")
		return
	}
	s.issue(w, u)
}

func (s *Server) handleChangeTempPassword(w http.ResponseWriter, r *http.Request) {
	var req changeTempPasswordRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	s.mu.Lock()
	u := s.users[strings.ToLower(req.Email)]
	ok := u != nil && u.temp && u.password == req.TempPassword
	if ok {
		u.password = req.NewPassword
		u.temp = false
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	s.issue(w, u)
}

func (s *Server) issue(w http.ResponseWriter, u *user) {
	s.mu.Lock()
	access, err := s.newAccessToken(u.Email)
	rt := newRefreshToken()
	s.refresh[rt] = strings.ToLower(u.Email)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  access,
		RefreshToken: rt,
		ExpiresIn:    s.tokenLifetime(),
		User:         u,
		SchoolName:   s.school,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}
	access, err := s.newAccessToken(email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := refreshResponse{AccessToken: access, ExpiresIn: s.tokenLifetime()}
	if s.rotate {
		delete(s.refresh, req.RefreshToken)
		resp.RefreshToken = newRefreshToken()
		s.refresh[resp.RefreshToken] = email
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	u := userFromContext(r.Context())
	s.mu.Lock()
	ok := u.password == req.CurrentPassword
	if ok {
		u.password = req.NewPassword
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "wrong_password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	s.mu.Lock()
	out := make([]Student, 0, len(u.students))
	for _, id := range u.students {
		out = append(out, s.students[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	q := r.URL.Query()
	studentID, err := strconv.ParseInt(q.Get("student_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_student_id")
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > s.maxPage {
		limit = s.maxPage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !owns(u, studentID) {
		writeError(w, http.StatusNotFound, "student_not_found")
		return
	}
	all := append([]*Message(nil), s.messages[studentID]...)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].SentTime.Equal(all[j].SentTime) {
			return all[i].SentTime.After(all[j].SentTime)
		}
		return all[i].ID > all[j].ID
	})
	out := []Message{}
	for i := offset; i < len(all) && len(out) < limit; i++ {
		out = append(out, *all[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReadReceipts(w http.ResponseWriter, r *http.Request) {
	var req readReceiptsRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	u := userFromContext(r.Context())
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, append([]int64(nil), req.MessageIDs...))
	acked := []int64{}
	for _, id := range req.MessageIDs {
		m := s.byID[id]
		if m == nil || !owns(u, s.owner[id]) {
			continue
		}
		// Applying a receipt twice keeps the first viewed_at.
		if m.ViewedAt == nil {
			t := now
			m.ViewedAt = &t
		}
		acked = append(acked, id)
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"acknowledged_ids": acked})
}

func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	u := userFromContext(r.Context())
	s.mu.Lock()
	u.device = req.Token
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, err := s.parseAccessToken(r.URL.Query().Get("token"))
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	email := strings.ToLower(c.Email)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	hello, _ := json.Marshal(map[string]string{"type": "authenticated"})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}

	s.mu.Lock()
	if s.listeners[email] == nil {
		s.listeners[email] = make(map[*websocket.Conn]struct{})
	}
	s.listeners[email][conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners[email], conn)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(data, &env) != nil || env.Type != "ping" {
			continue
		}
		pong, _ := json.Marshal(map[string]any{"type": "pong", "payload": env.Payload})
		if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
			return
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func owns(u *user, studentID int64) bool {
	for _, id := range u.students {
		if id == studentID {
			return true
		}
	}
	return false
}

func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed")
		return false
	}
	return true
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
