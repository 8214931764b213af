package app

import (
	"context"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/engine"
	"github.com/rferraz/syncline/internal/gate"
	"github.com/rferraz/syncline/internal/merge"
	"github.com/rferraz/syncline/internal/model"
	"github.com/rferraz/syncline/internal/receipts"
	"github.com/rferraz/syncline/internal/unread"
	"go.uber.org/zap"
)

// Facade is the surface exposed to presentational code. All methods are
// cheap cache reads or intent hand-offs; none of them block on the
// network except the first message-list fetch for a conversation.
type Facade struct {
	store    *cache.Store
	client   backend.Client
	gate     *gate.Gate
	engine   *engine.Engine
	merger   *merge.Merger
	receipts *receipts.Reconciler
	unread   *unread.Aggregator
	logger   *zap.Logger
}

// NewFacade assembles the exposed surface.
func NewFacade(
	s *cache.Store,
	client backend.Client,
	g *gate.Gate,
	e *engine.Engine,
	m *merge.Merger,
	r *receipts.Reconciler,
	u *unread.Aggregator,
	logger *zap.Logger,
) *Facade {
	return &Facade{
		store:    s,
		client:   client,
		gate:     g,
		engine:   e,
		merger:   m,
		receipts: r,
		unread:   u,
		logger:   logger,
	}
}

// AppReady reports whether first paint may happen.
func (f *Facade) AppReady() bool {
	return f.gate.Ready()
}

// ChatList returns the cached conversation and group lists plus a
// loading flag for each.
func (f *Facade) ChatList() (convs []model.Conversation, groups []model.GroupConversation, loading bool) {
	convs, _ = cache.GetAs[[]model.Conversation](f.store, cache.KeyConversations)
	groups, _ = cache.GetAs[[]model.GroupConversation](f.store, cache.KeyGroups)
	loading = !f.store.State(cache.KeyConversations).Terminal() ||
		!f.store.State(cache.KeyGroups).Terminal()
	return convs, groups, loading
}

// Conversation returns the cached conversation and its message list.
// The first call for a conversation kicks off the message fetch; until
// it lands, loading is true and messages may be empty.
func (f *Facade) Conversation(ctx context.Context, id string) (conv model.Conversation, msgs []model.Message, loading bool) {
	convs, _ := cache.GetAs[[]model.Conversation](f.store, cache.KeyConversations)
	for i := range convs {
		if convs[i].ID == id {
			conv = convs[i]
			break
		}
	}

	key := cache.KeyMessages(id)
	if f.store.CompareAndSetState(key, cache.StateIdle, cache.StateFetching) {
		go f.fetchMessages(ctx, id)
	}
	msgs, _ = cache.GetAs[[]model.Message](f.store, key)
	return conv, msgs, !f.store.State(key).Terminal()
}

func (f *Facade) fetchMessages(ctx context.Context, id string) {
	key := cache.KeyMessages(id)
	msgs, err := f.client.FetchMessages(ctx, id)
	if err != nil {
		berr := backend.Classify(err)
		f.logger.Error("message fetch failed",
			zap.String("conversation_id", id),
			zap.String("error_kind", string(berr.Kind)))
		f.store.SetState(key, cache.StateError)
		return
	}
	// Merge under the engine's reconciliation rules so a fetch result
	// can never clobber optimistic entries added while it was in flight.
	cache.Update(f.store, key, func(cur []model.Message) []model.Message {
		for _, msg := range msgs {
			cur = engine.Reconcile(cur, msg)
		}
		return cur
	})
	f.store.SetState(key, cache.StateSuccess)
}

// OpenConversation marks a conversation as on screen: realtime inserts
// for it stop bumping unread, and the receipt reconciler is nudged.
func (f *Facade) OpenConversation(id string) {
	f.merger.SetOpen(id)
	f.receipts.NotifyActive(id)
}

// CloseConversation unmounts a conversation view: pending debounce
// timers are cancelled and listeners detached.
func (f *Facade) CloseConversation(id string) {
	f.merger.ClearOpen()
	f.receipts.Close(id)
}

// MarkAsRead feeds a visibility/focus signal to the receipt reconciler.
func (f *Facade) MarkAsRead(id string) {
	f.receipts.NotifyActive(id)
}

// UnreadTotal returns the exact cross-conversation unread sum.
func (f *Facade) UnreadTotal() int {
	return f.unread.Total()
}

// SendMessage creates an optimistic send and returns the optimistic
// entry immediately.
func (f *Facade) SendMessage(conversationID, content string) model.Message {
	return f.engine.Send(conversationID, content, "")
}

// ResendMessage restarts a failed send with its original nonce.
func (f *Facade) ResendMessage(conversationID, nonce string) error {
	return f.engine.Resend(conversationID, nonce)
}
