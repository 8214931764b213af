// Package engine owns the per-message lifecycle: optimistic insertion on
// send, reconciliation with the canonical message on confirmation, and
// the failed/resend branch. It never talks to the network itself — sends
// go through the offline queue, results come back over the bus.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/model"
	"github.com/rferraz/syncline/internal/queue"
	"go.uber.org/zap"
)

// Engine is the message lifecycle engine.
type Engine struct {
	store  *cache.Store
	queue  *queue.Manager
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// New creates a lifecycle engine.
func New(store *cache.Store, q *queue.Manager, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		queue:  q,
		bus:    b,
		logger: logger,
	}
}

// selfID is the current user's profile id, stamped on optimistic
// messages as the sender. Empty until the profile fetch lands.
func (e *Engine) selfID() string {
	p, _ := cache.GetAs[model.Profile](e.store, cache.KeyProfile)
	return p.ID
}

// Start subscribes to send results on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("message.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Send creates an optimistic message for the given conversation and
// hands the mutation to the offline queue. The optimistic entry is
// appended at the tail of the cached list so the visual send order
// stays stable; it is not re-sorted by time. If nonce is empty a fresh
// one is generated.
func (e *Engine) Send(conversationID, content, nonce string) model.Message {
	if nonce == "" {
		nonce = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	msg := model.Message{
		ID:             model.OptimisticID(nonce),
		ConversationID: conversationID,
		SenderID:       e.selfID(),
		Content:        content,
		Type:           model.TypeText,
		Status:         model.StatusQueued,
		Nonce:          nonce,
		Optimistic:     true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	key := cache.KeyMessages(conversationID)
	cache.Update(e.store, key, func(cur []model.Message) []model.Message {
		out := make([]model.Message, 0, len(cur)+1)
		out = append(out, cur...)
		return append(out, msg)
	})

	payload, _ := json.Marshal(backend.SendRequest{
		ConversationID: conversationID,
		Content:        content,
		Type:           model.TypeText,
		Nonce:          nonce,
	})
	e.queue.Enqueue(queue.Op{
		ID:             nonce,
		Kind:           queue.KindSendMessage,
		ConversationID: conversationID,
		Payload:        payload,
	})

	e.logger.Info("message queued",
		zap.String("conversation_id", conversationID),
		zap.String("nonce", nonce))
	return msg
}

// Resend resets a failed message to queued and restarts the pipeline
// with the same nonce.
func (e *Engine) Resend(conversationID, nonce string) error {
	key := cache.KeyMessages(conversationID)
	var found *model.Message
	cache.Update(e.store, key, func(cur []model.Message) []model.Message {
		out := make([]model.Message, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].Nonce == nonce && out[i].Status == model.StatusFailed {
				if err := out[i].Advance(model.StatusQueued); err != nil {
					break
				}
				out[i].UpdatedAt = time.Now().UnixMilli()
				found = &out[i]
				break
			}
		}
		return out
	})
	if found == nil {
		return backend.Errf(backend.NotFound, "no failed message with nonce %s", nonce)
	}

	payload, _ := json.Marshal(backend.SendRequest{
		ConversationID: conversationID,
		Content:        found.Content,
		Type:           found.Type,
		Nonce:          nonce,
	})
	e.queue.Requeue(queue.Op{
		ID:             nonce,
		Kind:           queue.KindSendMessage,
		ConversationID: conversationID,
		Payload:        payload,
	})
	return nil
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSendAck:
		ack, ok := evt.Payload.(queue.Ack)
		if !ok || ack.Op.Kind != queue.KindSendMessage {
			return
		}
		canonical, ok := ack.Result.(model.Message)
		if !ok {
			e.logger.Error("send ack carried unexpected result type", zap.String("op_id", ack.Op.ID))
			return
		}
		e.Confirm(canonical)
	case bus.KindSendRetry:
		retry, ok := evt.Payload.(queue.Retry)
		if !ok || retry.Op.Kind != queue.KindSendMessage {
			return
		}
		e.markStatus(retry.Op.ConversationID, retry.Op.ID, model.StatusSending)
	case bus.KindSendFailed:
		fail, ok := evt.Payload.(queue.Failure)
		if !ok || fail.Op.Kind != queue.KindSendMessage {
			return
		}
		e.markStatus(fail.Op.ConversationID, fail.Op.ID, model.StatusFailed)
		e.logger.Warn("message send failed permanently",
			zap.String("conversation_id", fail.Op.ConversationID),
			zap.String("nonce", fail.Op.ID),
			zap.String("error_kind", string(fail.Err.Kind)))
	}
}

// Confirm replaces the optimistic entry matched by nonce with the
// canonical message. If the optimistic entry is gone (a realtime event
// for this send arrived first) the canonical message is inserted in time
// order instead. Applying the same confirmation twice does not duplicate.
func (e *Engine) Confirm(canonical model.Message) {
	if canonical.Status == "" || canonical.Status == model.StatusQueued || canonical.Status == model.StatusSending {
		canonical.Status = model.StatusSent
	}
	canonical.Optimistic = false

	key := cache.KeyMessages(canonical.ConversationID)
	cache.Update(e.store, key, func(cur []model.Message) []model.Message {
		return Reconcile(cur, canonical)
	})
}

// markStatus advances the status of the entry matched by nonce, if any.
// The entry may have been confirmed already; that is not an error. The
// move goes through the status machine, so an out-of-order event can
// never regress a message that already settled.
func (e *Engine) markStatus(conversationID, nonce string, st model.Status) {
	key := cache.KeyMessages(conversationID)
	cache.Update(e.store, key, func(cur []model.Message) []model.Message {
		out := make([]model.Message, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].Nonce == nonce && out[i].Optimistic {
				if err := out[i].Advance(st); err != nil {
					e.logger.Warn("ignoring out-of-order status event",
						zap.String("conversation_id", conversationID),
						zap.String("nonce", nonce),
						zap.Error(err))
					break
				}
				out[i].UpdatedAt = time.Now().UnixMilli()
				break
			}
		}
		return out
	})
}

// Reconcile merges a canonical message into a cached list. Exactly one
// entry for the logical send remains afterwards:
//
//  1. an entry with the canonical id is replaced in place;
//  2. otherwise the optimistic entry with the same nonce is replaced;
//  3. otherwise the message is inserted in created-at order.
func Reconcile(cur []model.Message, canonical model.Message) []model.Message {
	out := make([]model.Message, len(cur))
	copy(out, cur)

	for i := range out {
		if out[i].ID == canonical.ID {
			out[i] = canonical
			return out
		}
	}
	if canonical.Nonce != "" {
		for i := range out {
			if out[i].Optimistic && out[i].Nonce == canonical.Nonce {
				out[i] = canonical
				return out
			}
		}
	}

	pos := len(out)
	for i := range out {
		if out[i].CreatedAt > canonical.CreatedAt {
			pos = i
			break
		}
	}
	out = append(out, model.Message{})
	copy(out[pos+1:], out[pos:])
	out[pos] = canonical
	return out
}
