// Package receipts turns visibility/focus churn into a bounded number of
// mark-as-read calls: a 300ms debounce coalesces event bursts, a 10s
// dedup window absorbs repeat focus on the same conversation, and a
// per-conversation in-flight guard keeps at most one call on the wire.
// A call that fails retryably is handed to the offline queue and
// replayed when connectivity returns.
package receipts

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/metrics"
	"github.com/rferraz/syncline/internal/model"
	"github.com/rferraz/syncline/internal/queue"
	"go.uber.org/zap"
)

// convState is the per-conversation reconciler record, created on first
// use and disposed on Close.
type convState struct {
	timer       *time.Timer
	inFlight    bool
	queued      bool // a mark-read op is waiting in the offline queue
	lastSuccess time.Time
}

// Reconciler debounces and deduplicates mark-conversation-read calls.
type Reconciler struct {
	store  *cache.Store
	client backend.Client
	bus    *bus.Bus
	queue  *queue.Manager
	logger *zap.Logger
	cancel context.CancelFunc

	debounce time.Duration
	dedup    time.Duration

	mu     sync.Mutex
	states map[string]*convState
}

// New creates a reconciler with the given debounce and dedup windows.
// q may be nil, in which case retryable failures are dropped instead of
// replayed.
func New(s *cache.Store, client backend.Client, b *bus.Bus, q *queue.Manager, debounce, dedup time.Duration, logger *zap.Logger) *Reconciler {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	if dedup <= 0 {
		dedup = 10 * time.Second
	}
	return &Reconciler{
		store:    s,
		client:   client,
		bus:      b,
		queue:    q,
		logger:   logger,
		debounce: debounce,
		dedup:    dedup,
		states:   make(map[string]*convState),
	}
}

// Start subscribes to queue results so replayed mark-read ops settle the
// same way direct calls do.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("message.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler's bus subscription.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// NotifyActive is called on visibility/focus transitions while a
// conversation is open. Calls with nothing to do cost no network traffic:
// zero unread, a recent successful mark, an in-flight call, a queued
// replay, or a pending debounce all absorb the trigger.
func (r *Reconciler) NotifyActive(conversationID string) {
	if r.unreadCount(conversationID) == 0 {
		return
	}

	r.mu.Lock()
	st := r.states[conversationID]
	if st == nil {
		st = &convState{}
		r.states[conversationID] = st
	}
	if st.inFlight || st.queued || st.timer != nil || time.Since(st.lastSuccess) < r.dedup {
		r.mu.Unlock()
		metrics.ReceiptsCoalesced.Inc()
		return
	}
	st.timer = time.AfterFunc(r.debounce, func() { r.fire(conversationID) })
	r.mu.Unlock()
}

// Close disposes the per-conversation state when a conversation view is
// unmounted, cancelling any pending debounce timer.
func (r *Reconciler) Close(conversationID string) {
	r.mu.Lock()
	if st := r.states[conversationID]; st != nil {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.states, conversationID)
	}
	r.mu.Unlock()
}

func (r *Reconciler) fire(conversationID string) {
	r.mu.Lock()
	st := r.states[conversationID]
	if st == nil {
		// Closed while the debounce timer was pending.
		r.mu.Unlock()
		return
	}
	st.timer = nil
	if st.inFlight || st.queued || time.Since(st.lastSuccess) < r.dedup {
		r.mu.Unlock()
		metrics.ReceiptsCoalesced.Inc()
		return
	}
	st.inFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if st := r.states[conversationID]; st != nil {
			st.inFlight = false
		}
		r.mu.Unlock()
	}()

	// The count may have been reset by a concurrent receipt from another
	// device delivered over the push channel.
	if r.unreadCount(conversationID) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.ReceiptsSent.Inc()
	if err := r.client.MarkConversationRead(ctx, conversationID); err != nil {
		berr := backend.Classify(err)
		if berr.Kind == backend.NotFound {
			// Conversation is gone; nothing to mark, nothing to show.
			return
		}
		if berr.Retryable() && r.queue != nil {
			r.enqueueReplay(conversationID)
			return
		}
		r.logger.Warn("mark-as-read failed",
			zap.String("conversation_id", conversationID),
			zap.String("error_kind", string(berr.Kind)))
		return
	}

	r.mu.Lock()
	if st := r.states[conversationID]; st != nil {
		st.lastSuccess = time.Now()
	}
	r.mu.Unlock()

	// Patch the cached count in place. No refetch: an invalidate would
	// flicker the list and cost a round trip for a value we know.
	r.patchUnread(conversationID)
	r.bus.Emit(bus.KindReceiptDone, conversationID)
}

// enqueueReplay hands the mark to the offline queue. At most one replay
// per conversation is outstanding; the queued flag holds further
// triggers off until the queue settles it.
func (r *Reconciler) enqueueReplay(conversationID string) {
	payload, _ := json.Marshal(struct {
		ConversationID string `json:"conversation_id"`
	}{conversationID})

	r.mu.Lock()
	if st := r.states[conversationID]; st != nil {
		st.queued = true
	}
	r.mu.Unlock()

	r.queue.Enqueue(queue.Op{
		ID:             uuid.NewString(),
		Kind:           queue.KindMarkRead,
		ConversationID: conversationID,
		Payload:        payload,
	})
	r.logger.Info("mark-as-read queued for replay",
		zap.String("conversation_id", conversationID))
}

// handleEvent settles queued mark-read replays from queue results.
func (r *Reconciler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSendAck:
		ack, ok := evt.Payload.(queue.Ack)
		if !ok || ack.Op.Kind != queue.KindMarkRead {
			return
		}
		r.mu.Lock()
		if st := r.states[ack.Op.ConversationID]; st != nil {
			st.queued = false
			st.lastSuccess = time.Now()
		}
		r.mu.Unlock()
		r.patchUnread(ack.Op.ConversationID)
		r.bus.Emit(bus.KindReceiptDone, ack.Op.ConversationID)
	case bus.KindSendFailed:
		fail, ok := evt.Payload.(queue.Failure)
		if !ok || fail.Op.Kind != queue.KindMarkRead {
			return
		}
		r.mu.Lock()
		if st := r.states[fail.Op.ConversationID]; st != nil {
			st.queued = false
		}
		r.mu.Unlock()
		r.logger.Warn("queued mark-as-read dropped",
			zap.String("conversation_id", fail.Op.ConversationID),
			zap.String("error_kind", string(fail.Err.Kind)))
	}
}

// unreadCount reads the cached unread count for a conversation or group.
// Absent entries count as zero.
func (r *Reconciler) unreadCount(conversationID string) int {
	if convs, ok := cache.GetAs[[]model.Conversation](r.store, cache.KeyConversations); ok {
		for i := range convs {
			if convs[i].ID == conversationID {
				return convs[i].UnreadCount
			}
		}
	}
	if groups, ok := cache.GetAs[[]model.GroupConversation](r.store, cache.KeyGroups); ok {
		for i := range groups {
			if groups[i].ID == conversationID {
				return groups[i].UnreadCount
			}
		}
	}
	return 0
}

func (r *Reconciler) patchUnread(conversationID string) {
	cache.Update(r.store, cache.KeyConversations, func(cur []model.Conversation) []model.Conversation {
		out := make([]model.Conversation, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID == conversationID {
				out[i].UnreadCount = 0
				break
			}
		}
		return out
	})
	cache.Update(r.store, cache.KeyGroups, func(cur []model.GroupConversation) []model.GroupConversation {
		out := make([]model.GroupConversation, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID == conversationID {
				out[i].UnreadCount = 0
				break
			}
		}
		return out
	})
}
