package parentsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine events.
const (
	EventPageLoaded       = "page.loaded"
	EventReceiptsFlushed  = "receipts.flushed"
	EventReceiptsFailed   = "receipts.failed"
	EventMessagesUpdated  = "messages.updated"
	defaultFlushBaseDelay = 2 * time.Second
	defaultFlushMaxDelay  = 5 * time.Minute
)

var errOffline = errors.New("offline")

// Page is one slice of a student's messages, newest first.
type Page struct {
	StudentID int64
	Offset    int
	Messages  []MessageRow
	Outcome   Outcome
	// Err is the fetch failure behind a non-OK outcome, if any.
	Err error
}

// PageEvent is the payload of page.loaded and messages.updated.
type PageEvent struct {
	StudentID int64
	Offset    int
	Count     int
}

// ReceiptsEvent is the payload of receipts.flushed and receipts.failed.
type ReceiptsEvent struct {
	StudentID int64
	IDs       []int64
	Err       error
	RetryAt   time.Time
}

// ============================================================================
// Message Sync Engine
// ============================================================================

// Engine pages messages from the server into the Store, records reads locally
// and replays unsent read receipts. Apart from the Store it keeps no state
// between calls; the paging offset belongs to the caller.
type Engine struct {
	emitter
	client  *Client
	session *Session
	store   *Store
	monitor *Monitor
	log     *zap.Logger
	metrics *Metrics

	pageSize  int
	batchSize int
	gate      *backoff
	now       func() time.Time

	flushMu sync.Mutex

	mu         sync.Mutex
	subscribed bool
	runCtx     context.Context
	stop       context.CancelFunc
	lastGen    uint64
	wg         sync.WaitGroup
}

type EngineOption func(*Engine)

// WithPageSize sets the number of messages per page.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithReceiptBatchSize caps the ids sent in one read-receipts call.
func WithReceiptBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFlushBackoff sets the delay bounds applied after a failed flush.
func WithFlushBackoff(base, max time.Duration) EngineOption {
	return func(e *Engine) { e.gate = newBackoff(base, max) }
}

// WithClock replaces time.Now for read timestamps and backoff.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(client *Client, store *Store, monitor *Monitor, opts ...EngineOption) *Engine {
	e := &Engine{
		emitter:   emitter{listeners: make(map[string][]EventHandler)},
		client:    client,
		session:   client.Session(),
		store:     store,
		monitor:   monitor,
		log:       client.log.Named("engine"),
		metrics:   client.metrics,
		pageSize:  DefaultPageSize,
		batchSize: DefaultReceiptBatchSize,
		gate:      newBackoff(defaultFlushBaseDelay, defaultFlushMaxDelay),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PageSize returns the configured page size.
func (e *Engine) PageSize() int { return e.pageSize }

// ── Lifecycle ────────────────────────────────────────────

// Start subscribes the engine to connectivity and session changes. Returning
// online flushes every student; a new session flushes once per generation.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	e.runCtx, e.stop = context.WithCancel(ctx)
	first := !e.subscribed
	e.subscribed = true
	e.mu.Unlock()

	if !first {
		return
	}
	e.monitor.OnChange(func(prev, next Reachability) {
		if next != ReachabilityOnline {
			return
		}
		e.gate.reset()
		e.background(func(ctx context.Context) {
			e.FlushAll(ctx)
		})
	})
	e.session.OnChange(func(ev SessionEvent) {
		if ev.State != StateAuthenticated {
			return
		}
		e.mu.Lock()
		seen := ev.Generation == e.lastGen
		e.lastGen = ev.Generation
		e.mu.Unlock()
		if seen || !e.monitor.Online() {
			return
		}
		e.background(func(ctx context.Context) {
			e.FlushAll(ctx)
		})
	})
}

// Stop cancels background flushes and waits for them to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.stop = nil
	e.runCtx = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	e.wg.Wait()
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	ctx := e.runCtx
	if ctx == nil {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// ── Paging ───────────────────────────────────────────────

// LoadPage returns the page at offset for a student.
//
// Online and signed in, the page is fetched, merged into the Store in one
// transaction and returned merged, after which pending receipts for the
// student are flushed if the retry gate allows. Offline, the cached page is
// returned without any network call. A failed fetch serves the cached page
// with a non-OK outcome. An error is returned only for store failures.
//
// Without a signed-in session (anonymous, or a first sign-in still in
// progress) the cached page is served with OutcomeSignOutRequired. When the
// session that issued the fetch ends before it completes, the page comes back
// empty with the same outcome: results of an ended session are discarded.
func (e *Engine) LoadPage(ctx context.Context, studentID int64, offset int) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if !e.monitor.Online() {
		return e.cachedPage(ctx, studentID, offset, OutcomeStaleCache, nil)
	}
	if e.session.State() == StateAnonymous {
		return e.cachedPage(ctx, studentID, offset, OutcomeSignOutRequired, ErrSignedOut)
	}

	gen := e.session.Generation()
	msgs, err := e.client.FetchMessages(ctx, studentID, offset, e.pageSize)
	if err != nil {
		outcome := OutcomeOf(err)
		e.metrics.cacheFallback(string(outcome))
		e.log.Info("page fetch failed, serving cache",
			zap.Int64("student_id", studentID), zap.Int("offset", offset),
			zap.String("outcome", string(outcome)), zap.Error(err))
		if outcome == OutcomeSignOutRequired && e.session.Generation() != gen {
			return &Page{StudentID: studentID, Offset: offset, Outcome: outcome, Err: err}, nil
		}
		return e.cachedPage(ctx, studentID, offset, outcome, err)
	}

	var studentNumber string
	st, err := e.store.StudentByID(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		studentNumber = st.StudentNumber
	}
	rows, err := e.store.MergePage(ctx, studentID, studentNumber, msgs)
	if err != nil {
		return nil, err
	}
	if e.session.Generation() != gen {
		return &Page{StudentID: studentID, Offset: offset, Outcome: OutcomeSignOutRequired, Err: ErrSignedOut}, nil
	}

	sortNewestFirst(rows)
	e.metrics.pageFetched()
	e.emit(EventPageLoaded, PageEvent{StudentID: studentID, Offset: offset, Count: len(rows)})

	e.flushOpportunistically(ctx, studentID)
	return &Page{StudentID: studentID, Offset: offset, Messages: rows, Outcome: OutcomeOK}, nil
}

func (e *Engine) cachedPage(ctx context.Context, studentID int64, offset int, outcome Outcome, cause error) (*Page, error) {
	rows, err := e.store.Page(ctx, studentID, offset, e.pageSize)
	if err != nil {
		return nil, err
	}
	return &Page{StudentID: studentID, Offset: offset, Messages: rows, Outcome: outcome, Err: cause}, nil
}

func sortNewestFirst(rows []MessageRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].SentTime.Equal(rows[j].SentTime) {
			return rows[i].SentTime.After(rows[j].SentTime)
		}
		return rows[i].ID > rows[j].ID
	})
}

// NotifyNewMessage reloads the first page of a student after a push and emits
// messages.updated when the server answered.
func (e *Engine) NotifyNewMessage(ctx context.Context, studentID int64) (*Page, error) {
	page, err := e.LoadPage(ctx, studentID, 0)
	if err != nil {
		return nil, err
	}
	if page.Outcome == OutcomeOK {
		e.emit(EventMessagesUpdated, PageEvent{StudentID: studentID, Count: len(page.Messages)})
	}
	return page, nil
}

// ── Read state ───────────────────────────────────────────

// MarkRead records that a cached message was read on this device. Marking an
// already read message keeps its first read time. The receipt is delivered by
// the next flush.
func (e *Engine) MarkRead(ctx context.Context, messageID int64) error {
	changed, err := e.store.MarkRead(ctx, messageID, e.now())
	if err != nil {
		return err
	}
	if changed {
		e.log.Debug("message marked read", zap.Int64("message_id", messageID))
	}
	return nil
}

// ── Receipts ─────────────────────────────────────────────

// FlushReadReceipts sends a student's unsent receipts in batches and marks the
// acknowledged ids as sent. Nothing is sent while the monitor reports offline. Only ids the server acknowledges change; a failed
// batch leaves its rows for the next flush and arms the retry gate.
func (e *Engine) FlushReadReceipts(ctx context.Context, studentID int64) (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.flushLocked(ctx, studentID)
}

// FlushAll flushes every student with unsent receipts and returns the total
// acknowledged. It stops at the first failing student.
func (e *Engine) FlushAll(ctx context.Context) (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	students, err := e.store.StudentsWithUnsentReceipts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range students {
		n, err := e.flushLocked(ctx, id)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) flushOpportunistically(ctx context.Context, studentID int64) {
	if !e.monitor.Online() || !e.gate.ready(e.now()) {
		return
	}
	if !e.flushMu.TryLock() {
		return
	}
	defer e.flushMu.Unlock()
	if _, err := e.flushLocked(ctx, studentID); err != nil {
		e.log.Debug("opportunistic flush failed", zap.Int64("student_id", studentID), zap.Error(err))
	}
}

func (e *Engine) flushLocked(ctx context.Context, studentID int64) (int, error) {
	if e.session.State() == StateAnonymous {
		return 0, ErrSignedOut
	}
	if !e.monitor.Online() {
		return 0, newError(KindNetworkUnavailable, "flush read receipts", errOffline)
	}
	gen := e.session.Generation()

	total := 0
	for {
		ids, err := e.store.UnsentReceipts(ctx, studentID, e.batchSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}

		acked, err := e.client.SendReadReceipts(ctx, ids)
		if err != nil {
			e.metrics.flushFailed()
			ev := ReceiptsEvent{StudentID: studentID, IDs: ids, Err: err}
			if !errors.Is(err, ErrSignedOut) && OutcomeOf(err) != OutcomeSignOutRequired {
				ev.RetryAt = e.gate.fail(e.now())
			}
			e.log.Warn("read receipt flush failed",
				zap.Int64("student_id", studentID), zap.Int("batch", len(ids)),
				zap.Time("retry_at", ev.RetryAt), zap.Error(err))
			e.emit(EventReceiptsFailed, ev)
			if total > 0 {
				e.metrics.receiptsFlushed(total)
			}
			return total, err
		}

		acked = intersect(ids, acked)
		n, err := e.store.MarkSent(ctx, acked)
		if err != nil {
			return total, err
		}
		total += n
		if e.session.Generation() != gen {
			return total, ErrSignedOut
		}
		e.emit(EventReceiptsFlushed, ReceiptsEvent{StudentID: studentID, IDs: acked})
		if len(acked) < len(ids) {
			// Unacknowledged ids stay unsent and wait for the next trigger.
			break
		}
	}

	e.gate.reset()
	if total > 0 {
		e.metrics.receiptsFlushed(total)
		e.log.Info("read receipts flushed", zap.Int64("student_id", studentID), zap.Int("count", total))
	}
	return total, nil
}

// intersect keeps the ids of sent that appear in acked, in sent order.
func intersect(sent, acked []int64) []int64 {
	ok := make(map[int64]struct{}, len(acked))
	for _, id := range acked {
		ok[id] = struct{}{}
	}
	out := make([]int64, 0, len(sent))
	for _, id := range sent {
		if _, hit := ok[id]; hit {
			out = append(out, id)
		}
	}
	return out
}
