/*
serializer.go - Single-worker update serialization

PURPOSE:
  Funnels every balance mutation through one logical worker so at most one
  recalculation pass is in flight system-wide. Normal-priority requests
  queue FIFO for the worker goroutine; immediate and high priority execute
  synchronously on the caller's path under the same execution lock, and
  are recorded in the audit history so the trail stays complete either way.

DEBOUNCE:
  A request is dropped before it is accepted when an equivalent request
  (same source key, e.g. two csvImport bursts) was accepted or executed
  within the last 100ms. Rapid-fire UI storms collapse to one pass.

STATE MACHINE:
  Idle -> Processing -> Idle. While the worker is busy, new normal-priority
  requests append to the queue rather than executing.

LIFECYCLE:
  NewSerializer does not start the worker; call Start, and Stop when done
  (the coordinator does both). Flush drains the queue before returning and,
  when the worker was never started, drains it inline on the caller.

CONSTRAINT:
  The handler runs under the execution lock. It must never submit
  synchronous work back into the serializer, or it will self-deadlock.
*/
package balance

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDebounceWindow suppresses duplicate same-source requests.
const DefaultDebounceWindow = 100 * time.Millisecond

// DefaultAuditLimit bounds the request audit history.
const DefaultAuditLimit = 100

// debounceSweepThreshold caps the debounce map: per-transaction source
// keys are unique, so expired stamps are swept once the map grows past
// this many entries.
const debounceSweepThreshold = 1024

// Handler executes one update request. Provided by the coordinator.
type Handler func(req UpdateRequest)

type SerializerState string

const (
	StateIdle       SerializerState = "idle"
	StateProcessing SerializerState = "processing"
)

type TraceStatus string

const (
	TraceQueued    TraceStatus = "queued"
	TraceExecuted  TraceStatus = "executed"
	TraceCancelled TraceStatus = "cancelled"
)

// RequestTrace is one audit-history row: an accepted request and what
// became of it.
type RequestTrace struct {
	RequestID  string
	Operation  Operation
	Priority   Priority
	Source     string
	Accounts   int
	AcceptedAt time.Time
	Status     TraceStatus
}

type queuedRequest struct {
	req   UpdateRequest
	trace *RequestTrace
}

type Serializer struct {
	handler Handler

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queuedRequest
	history  []*RequestTrace
	lastSeen map[string]time.Time
	inFlight bool
	started  bool
	closed   bool

	// execMu is the serialization lock: the worker and every synchronous
	// caller execute under it, so at most one handler runs at a time.
	execMu sync.Mutex

	wg sync.WaitGroup

	debounceWindow time.Duration
	auditLimit     int
	now            func() time.Time
	log            *zap.Logger

	processed uint64
	dropped   uint64
	cancelled uint64
}

type SerializerOption func(*Serializer)

func WithDebounceWindow(d time.Duration) SerializerOption {
	return func(s *Serializer) {
		if d >= 0 {
			s.debounceWindow = d
		}
	}
}

func WithAuditLimit(n int) SerializerOption {
	return func(s *Serializer) {
		if n > 0 {
			s.auditLimit = n
		}
	}
}

func WithSerializerClock(now func() time.Time) SerializerOption {
	return func(s *Serializer) { s.now = now }
}

func WithSerializerLogger(log *zap.Logger) SerializerOption {
	return func(s *Serializer) { s.log = log }
}

func NewSerializer(handler Handler, opts ...SerializerOption) *Serializer {
	s := &Serializer{
		handler:        handler,
		lastSeen:       make(map[string]time.Time),
		debounceWindow: DefaultDebounceWindow,
		auditLimit:     DefaultAuditLimit,
		now:            time.Now,
		log:            zap.NewNop(),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler installs the execution callback. The coordinator constructs
// the serializer before itself, so the handler is bound late. Must be
// called before Start; a nil handler makes execution a logged no-op.
func (s *Serializer) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn("handler change after start ignored")
		return
	}
	s.handler = h
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (s *Serializer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run()
}

// Stop drains nothing: queued requests still pending are left cancelled.
// Use Flush first for a graceful drain.
func (s *Serializer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, item := range s.queue {
		item.trace.Status = TraceCancelled
		s.cancelled++
	}
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Serializer) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.inFlight = true
		s.mu.Unlock()

		s.execute(item.req)

		s.mu.Lock()
		item.trace.Status = TraceExecuted
		s.processed++
		s.inFlight = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func (s *Serializer) execute(req UpdateRequest) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.handler == nil {
		s.log.Warn("no handler bound, dropping request", zap.String("request", req.ID))
		return
	}
	s.handler(req)
}

// RunExclusive runs fn under the execution lock, mutually exclusive with
// request execution. Writes that bypass the queue go through here so their
// read-modify-write cannot interleave with a request the worker is
// mid-executing. fn must not submit synchronous work back into the
// serializer, or it will self-deadlock.
func (s *Serializer) RunExclusive(fn func()) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	fn()
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit accepts a request. Debounced duplicates are silently coalesced;
// that is success, not failure. Immediate and high priority execute before
// Submit returns; normal priority waits for the worker.
func (s *Serializer) Submit(req UpdateRequest) error {
	key := req.Source.Key()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}

	now := s.now()
	if last, ok := s.lastSeen[key]; ok && s.debounceWindow > 0 && now.Sub(last) < s.debounceWindow {
		s.dropped++
		s.mu.Unlock()
		s.log.Debug("update request debounced",
			zap.String("source", key),
			zap.String("operation", string(req.Operation)))
		return nil
	}
	if len(s.lastSeen) >= debounceSweepThreshold {
		for k, at := range s.lastSeen {
			if now.Sub(at) >= s.debounceWindow {
				delete(s.lastSeen, k)
			}
		}
	}
	s.lastSeen[key] = now

	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}
	trace := &RequestTrace{
		RequestID:  req.ID,
		Operation:  req.Operation,
		Priority:   req.Priority,
		Source:     key,
		Accounts:   len(req.AffectedAccounts),
		AcceptedAt: now,
		Status:     TraceQueued,
	}
	s.appendTraceLocked(trace)

	if req.Priority.Synchronous() {
		s.mu.Unlock()
		s.execute(req)
		s.mu.Lock()
		trace.Status = TraceExecuted
		s.processed++
		s.mu.Unlock()
		return nil
	}

	s.queue = append(s.queue, queuedRequest{req: req, trace: trace})
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Serializer) appendTraceLocked(trace *RequestTrace) {
	s.history = append(s.history, trace)
	if over := len(s.history) - s.auditLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// =============================================================================
// DRAIN AND CANCEL
// =============================================================================

// Flush returns once every request queued before the call has executed.
func (s *Serializer) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}

	if !s.started {
		// No worker to wait for; drain inline on the caller.
		for len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.execute(item.req)
			s.mu.Lock()
			item.trace.Status = TraceExecuted
			s.processed++
		}
		s.mu.Unlock()
		return nil
	}

	for (len(s.queue) > 0 || s.inFlight) && !s.closed {
		s.cond.Wait()
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSerializerClosed
	}
	return nil
}

// CancelAllPending discards queued requests without executing them and
// returns how many were dropped. A request already executing finishes;
// this is for explicit user-initiated aborts only.
func (s *Serializer) CancelAllPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)
	for _, item := range s.queue {
		item.trace.Status = TraceCancelled
	}
	s.cancelled += uint64(n)
	s.queue = nil
	s.cond.Broadcast()
	return n
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

type SerializerStatistics struct {
	State      SerializerState
	QueueDepth int
	Processed  uint64
	Dropped    uint64
	Cancelled  uint64
}

func (s *Serializer) Statistics() SerializerStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := StateIdle
	if s.inFlight || len(s.queue) > 0 {
		state = StateProcessing
	}
	return SerializerStatistics{
		State:      state,
		QueueDepth: len(s.queue),
		Processed:  s.processed,
		Dropped:    s.dropped,
		Cancelled:  s.cancelled,
	}
}

// History returns the audit trail of accepted requests, oldest first.
func (s *Serializer) History() []RequestTrace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RequestTrace, len(s.history))
	for i, tr := range s.history {
		out[i] = *tr
	}
	return out
}
