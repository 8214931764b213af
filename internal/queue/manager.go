package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/metrics"
	"github.com/rferraz/syncline/internal/netstatus"
	"github.com/rferraz/syncline/internal/store"
	"go.uber.org/zap"
)

// Kind identifies the operation a queued entry performs.
type Kind string

const (
	KindSendMessage Kind = "send_message"
	KindMarkRead    Kind = "mark_read"
)

// Class separates read-style from write-style operations; they retry
// under different backoff ceilings.
type Class int

const (
	ClassQuery Class = iota
	ClassMutation
)

// Op is a queued mutating operation. Ops for the same conversation are
// dispatched strictly in enqueue order, one at a time; ops for different
// conversations may interleave freely.
type Op struct {
	ID             string
	Kind           Kind
	ConversationID string
	Payload        json.RawMessage
	Attempt        int
	NextRetryAt    time.Time
}

// Ack is published on the bus when an op completes.
type Ack struct {
	Op     Op
	Result any
}

// Retry is published on the bus when an op failed but stays queued.
type Retry struct {
	Op          Op
	Err         *backend.Error
	NextRetryAt time.Time
}

// Failure is published on the bus when an op is dropped for good.
type Failure struct {
	Op  Op
	Err *backend.Error
}

// Dispatcher executes a single op against the backend. A returned error
// must be (or wrap) a classified *backend.Error.
type Dispatcher interface {
	Dispatch(ctx context.Context, op Op) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, op Op) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, op Op) (any, error) {
	return f(ctx, op)
}

type lane struct {
	ops      []*Op
	inFlight bool
}

// Manager buffers mutating operations while offline or rate-limited and
// replays them with capped exponential backoff once dispatch is possible.
// Per-conversation FIFO order is preserved; an offline→online edge
// resets every pending op's pacing clock but not its attempt counter.
type Manager struct {
	db       *store.DB
	dispatch Dispatcher
	bus      *bus.Bus
	net      *netstatus.Machine
	logger   *zap.Logger

	queryPolicy    Policy
	mutationPolicy Policy
	maxAttempts    int

	mu    sync.Mutex
	lanes map[string]*lane

	wake   chan struct{}
	cancel context.CancelFunc
}

// Options tunes the manager's retry behavior.
type Options struct {
	BackoffBase time.Duration
	QueryCap    time.Duration
	MutationCap time.Duration
	MaxAttempts int
}

// NewManager creates an offline queue manager. db may be nil, in which
// case the outbox is not persisted across restarts.
func NewManager(db *store.DB, d Dispatcher, b *bus.Bus, net *netstatus.Machine, logger *zap.Logger, opts Options) *Manager {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.QueryCap <= 0 {
		opts.QueryCap = 30 * time.Second
	}
	if opts.MutationCap <= 0 {
		opts.MutationCap = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 6
	}
	return &Manager{
		db:             db,
		dispatch:       d,
		bus:            b,
		net:            net,
		logger:         logger,
		queryPolicy:    Policy{Base: opts.BackoffBase, Cap: opts.QueryCap},
		mutationPolicy: Policy{Base: opts.BackoffBase, Cap: opts.MutationCap},
		maxAttempts:    opts.MaxAttempts,
		lanes:          make(map[string]*lane),
		wake:           make(chan struct{}, 1),
	}
}

// class returns the backoff class for an op kind. Everything the queue
// carries today is a mutation; the query policy covers replayed reads.
func classOf(k Kind) Class {
	switch k {
	case KindSendMessage, KindMarkRead:
		return ClassMutation
	default:
		return ClassQuery
	}
}

// Enqueue adds an op to its conversation lane and persists it. The op is
// dispatched as soon as the lane is free, connectivity allows, and its
// retry time has passed.
func (m *Manager) Enqueue(op Op) {
	if op.NextRetryAt.IsZero() {
		op.NextRetryAt = time.Now()
	}
	m.mu.Lock()
	ln := m.lanes[op.ConversationID]
	if ln == nil {
		ln = &lane{}
		m.lanes[op.ConversationID] = ln
	}
	ln.ops = append(ln.ops, &op)
	m.mu.Unlock()

	if m.db != nil {
		if err := m.db.QueueOutbox(op.ID, op.ConversationID, string(op.Kind), string(op.Payload)); err != nil {
			m.logger.Error("failed to persist outbox entry", zap.Error(err), zap.String("op_id", op.ID))
		}
	}
	metrics.OutboxDepth.Inc()
	m.poke()
}

// Requeue resets a previously failed op and enqueues it again with a
// fresh attempt budget (the resend action). The op keeps its id, so the
// persisted outbox entry is reused.
func (m *Manager) Requeue(op Op) {
	op.Attempt = 0
	op.NextRetryAt = time.Now()
	if m.db != nil {
		if err := m.db.RequeueOutbox(op.ID); err != nil {
			m.logger.Error("failed to requeue outbox entry", zap.Error(err), zap.String("op_id", op.ID))
		}
	}
	m.mu.Lock()
	ln := m.lanes[op.ConversationID]
	if ln == nil {
		ln = &lane{}
		m.lanes[op.ConversationID] = ln
	}
	ln.ops = append(ln.ops, &op)
	m.mu.Unlock()
	metrics.OutboxDepth.Inc()
	m.poke()
}

// Load restores persisted queued ops from the outbox. Call once before
// Start; ops enqueued while a previous process was offline replay in
// their original order.
func (m *Manager) Load() error {
	if m.db == nil {
		return nil
	}
	entries, err := m.db.PendingOutbox()
	if err != nil {
		return err
	}
	now := time.Now()
	m.mu.Lock()
	for _, e := range entries {
		ln := m.lanes[e.ConversationID]
		if ln == nil {
			ln = &lane{}
			m.lanes[e.ConversationID] = ln
		}
		ln.ops = append(ln.ops, &Op{
			ID:             e.OpID,
			Kind:           Kind(e.Kind),
			ConversationID: e.ConversationID,
			Payload:        json.RawMessage(e.Payload),
			Attempt:        e.Attempt,
			NextRetryAt:    now,
		})
		metrics.OutboxDepth.Inc()
	}
	m.mu.Unlock()
	if len(entries) > 0 {
		m.logger.Info("outbox restored", zap.Int("ops", len(entries)))
	}
	return nil
}

// Start launches the dispatch loop and subscribes to connectivity events.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	netCh, unsubNet := m.bus.Subscribe("net.", 16)
	go func() {
		defer unsubNet()
		for {
			select {
			case evt := <-netCh:
				if evt.Kind == bus.KindNetOnline {
					m.resetPacing()
					m.poke()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go m.loop(ctx)
}

// Stop stops the dispatch loop. In-flight dispatches finish on their own.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Pending returns the number of queued ops across all lanes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ln := range m.lanes {
		n += len(ln.ops)
	}
	return n
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// resetPacing clears every pending op's next-retry time. Attempt
// counters are deliberately preserved: reconnection restarts the clock,
// not the budget.
func (m *Manager) resetPacing() {
	now := time.Now()
	m.mu.Lock()
	for _, ln := range m.lanes {
		for _, op := range ln.ops {
			if op.NextRetryAt.After(now) {
				op.NextRetryAt = now
			}
		}
	}
	m.mu.Unlock()
}

func (m *Manager) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := m.dispatchReady(ctx)

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-m.wake:
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

// dispatchReady launches one dispatch per idle lane whose head op is due,
// and returns the earliest future retry time among ops it could not run.
// Dispatches work on a snapshot of the head op; the lane entry itself is
// only touched under the lock, so resetPacing can never collide with a
// conclusion in flight.
func (m *Manager) dispatchReady(ctx context.Context) time.Time {
	if !m.net.IsOnline() {
		return time.Time{}
	}

	now := time.Now()
	var earliest time.Time

	m.mu.Lock()
	var ready []Op
	for _, ln := range m.lanes {
		if ln.inFlight || len(ln.ops) == 0 {
			continue
		}
		head := ln.ops[0]
		if head.NextRetryAt.After(now) {
			if earliest.IsZero() || head.NextRetryAt.Before(earliest) {
				earliest = head.NextRetryAt
			}
			continue
		}
		ln.inFlight = true
		ready = append(ready, *head)
	}
	m.mu.Unlock()

	for _, op := range ready {
		go m.execute(ctx, op)
	}
	return earliest
}

func (m *Manager) execute(ctx context.Context, op Op) {
	result, err := m.dispatch.Dispatch(ctx, op)
	if err == nil {
		m.finish(op, func() {
			if m.db != nil {
				if derr := m.db.MarkOutboxDone(op.ID); derr != nil {
					m.logger.Error("failed to mark outbox done", zap.Error(derr), zap.String("op_id", op.ID))
				}
			}
			metrics.OutboxDepth.Dec()
			m.bus.Emit(bus.KindSendAck, Ack{Op: op, Result: result})
		})
		return
	}

	berr := backend.Classify(err)
	limit := berr.MaxAttempts(m.maxAttempts)
	op.Attempt++

	if berr.Retryable() && op.Attempt < limit {
		delay := m.policyFor(op.Kind).Delay(op.Attempt - 1)
		op.NextRetryAt = time.Now().Add(delay)
		m.writeBack(op)
		metrics.QueueRetries.Inc()
		if m.db != nil {
			if derr := m.db.MarkOutboxAttempt(op.ID, op.Attempt, berr.Error()); derr != nil {
				m.logger.Error("failed to record outbox attempt", zap.Error(derr), zap.String("op_id", op.ID))
			}
		}
		m.logger.Warn("op dispatch failed, will retry",
			zap.String("op_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.Int("attempt", op.Attempt),
			zap.Duration("delay", delay),
			zap.String("error_kind", string(berr.Kind)))
		m.bus.Emit(bus.KindSendRetry, Retry{Op: op, Err: berr, NextRetryAt: op.NextRetryAt})
		m.poke()
		return
	}

	// Terminal kind or retry budget exhausted: drop and surface.
	m.finish(op, func() {
		if m.db != nil {
			if derr := m.db.MarkOutboxFailed(op.ID, berr.Error()); derr != nil {
				m.logger.Error("failed to mark outbox failed", zap.Error(derr), zap.String("op_id", op.ID))
			}
		}
		metrics.OutboxDepth.Dec()
		metrics.QueueDrops.Inc()
		m.logger.Error("op dropped",
			zap.String("op_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.Int("attempts", op.Attempt),
			zap.String("error_kind", string(berr.Kind)))
		m.bus.Emit(bus.KindSendFailed, Failure{Op: op, Err: berr})
	})
}

// writeBack records a retry conclusion on the lane head and frees the
// lane. The op stays at the head for its next attempt.
func (m *Manager) writeBack(op Op) {
	m.mu.Lock()
	if ln := m.lanes[op.ConversationID]; ln != nil {
		if len(ln.ops) > 0 && ln.ops[0].ID == op.ID {
			ln.ops[0].Attempt = op.Attempt
			ln.ops[0].NextRetryAt = op.NextRetryAt
		}
		ln.inFlight = false
	}
	m.mu.Unlock()
}

// finish pops op from its lane head, runs after, and frees the lane.
func (m *Manager) finish(op Op, after func()) {
	m.mu.Lock()
	ln := m.lanes[op.ConversationID]
	if ln != nil {
		if len(ln.ops) > 0 && ln.ops[0].ID == op.ID {
			ln.ops = ln.ops[1:]
		}
		ln.inFlight = false
		if len(ln.ops) == 0 {
			delete(m.lanes, op.ConversationID)
		}
	}
	m.mu.Unlock()
	after()
	m.poke()
}

func (m *Manager) policyFor(k Kind) Policy {
	if classOf(k) == ClassQuery {
		return m.queryPolicy
	}
	return m.mutationPolicy
}
