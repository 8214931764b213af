// Package merge applies pushed realtime events to the cached collections.
// Ordering is decided by server timestamps, never by arrival order, so
// out-of-order delivery can never regress cached state.
package merge

import (
	"context"
	"sync"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/engine"
	"github.com/rferraz/syncline/internal/metrics"
	"github.com/rferraz/syncline/internal/model"
	"github.com/rferraz/syncline/internal/store"
	"go.uber.org/zap"
)

// heuristicWindowMS bounds the sender+content fallback match for
// payloads that carry no nonce. Legacy path, best effort only.
const heuristicWindowMS = 5000

// Merger consumes push events and applies inserts, updates and deletes
// to the cached collections.
type Merger struct {
	store  *cache.Store
	client backend.Client
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu   sync.Mutex
	open string // conversation currently on screen, "" if none
}

// New creates a merger. db may be nil; the resync cursor is then not
// persisted between runs.
func New(s *cache.Store, client backend.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *Merger {
	return &Merger{
		store:  s,
		client: client,
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// selfID is the current user's profile id; own sends never bump unread.
func (m *Merger) selfID() string {
	p, _ := cache.GetAs[model.Profile](m.store, cache.KeyProfile)
	return p.ID
}

// SetOpen records which conversation is currently visible. Inserts for
// the open conversation leave its unread count untouched — the receipt
// reconciler is about to mark it read anyway.
func (m *Merger) SetOpen(conversationID string) {
	m.mu.Lock()
	m.open = conversationID
	m.mu.Unlock()
}

// ClearOpen marks no conversation as visible.
func (m *Merger) ClearOpen() {
	m.SetOpen("")
}

func (m *Merger) openConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Start subscribes to push events and resync requests on the bus.
func (m *Merger) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	pushCh, unsubPush := m.bus.Subscribe("push.", 256)
	syncCh, unsubSync := m.bus.Subscribe("sync.", 16)

	go func() {
		defer unsubPush()
		defer unsubSync()
		for {
			select {
			case evt := <-pushCh:
				if pe, ok := evt.Payload.(backend.PushEvent); ok {
					m.Apply(pe)
				}
			case evt := <-syncCh:
				if evt.Kind == bus.KindResyncNeeded {
					m.Resync(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the merger.
func (m *Merger) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Apply merges a single tagged event into the cache.
func (m *Merger) Apply(evt backend.PushEvent) {
	switch evt.Entity {
	case backend.EntityMessage:
		msg, ok := evt.Message()
		if !ok {
			m.logger.Warn("malformed message push event")
			return
		}
		m.applyMessage(evt.Op, msg, evt.ServerTS)
	case backend.EntityConversation:
		conv, ok := evt.Conversation()
		if !ok {
			m.logger.Warn("malformed conversation push event")
			return
		}
		m.applyConversation(evt.Op, conv, evt.ServerTS)
	case backend.EntityGroup:
		grp, ok := evt.Group()
		if !ok {
			m.logger.Warn("malformed group push event")
			return
		}
		m.applyGroup(evt.Op, grp, evt.ServerTS)
	}
}

func (m *Merger) applyMessage(op backend.Op, msg model.Message, serverTS int64) {
	key := cache.KeyMessages(msg.ConversationID)

	if op == backend.OpDelete {
		cache.Update(m.store, key, func(cur []model.Message) []model.Message {
			out := cur[:0:0]
			for _, c := range cur {
				if c.ID != msg.ID {
					out = append(out, c)
				}
			}
			return out
		})
		metrics.MergeApplied.WithLabelValues(string(backend.EntityMessage), string(op)).Inc()
		return
	}

	if msg.UpdatedAt == 0 {
		msg.UpdatedAt = serverTS
	}
	msg.Optimistic = false

	wasNew := false
	cache.Update(m.store, key, func(cur []model.Message) []model.Message {
		// Last-write-wins on server time: an entry with the same id is
		// only replaced when the event is not older than what we hold.
		for i := range cur {
			if cur[i].ID == msg.ID {
				if serverTS < cur[i].UpdatedAt {
					metrics.MergeStale.Inc()
					return cur
				}
				out := make([]model.Message, len(cur))
				copy(out, cur)
				out[i] = msg
				return out
			}
		}
		// An outstanding optimistic entry for this send is replaced
		// rather than appended: by nonce when present, by the legacy
		// sender+content+time-window heuristic otherwise.
		if i := findOptimistic(cur, msg); i >= 0 {
			out := make([]model.Message, len(cur))
			copy(out, cur)
			out[i] = msg
			return out
		}
		wasNew = op == backend.OpInsert
		return engine.Reconcile(cur, msg)
	})
	metrics.MergeApplied.WithLabelValues(string(backend.EntityMessage), string(op)).Inc()

	// Exactly one of these two paths runs per insert: bump the source
	// conversation's unread count, or leave it alone because the
	// conversation is on screen.
	if wasNew && msg.SenderID != m.selfID() && msg.ConversationID != m.openConversation() {
		m.bumpUnread(msg, serverTS)
	} else if wasNew {
		m.updatePreview(msg, serverTS)
	}
}

// findOptimistic locates the optimistic entry corresponding to msg.
// Returns -1 when there is none.
func findOptimistic(cur []model.Message, msg model.Message) int {
	if msg.Nonce != "" {
		for i := range cur {
			if cur[i].Optimistic && cur[i].Nonce == msg.Nonce {
				return i
			}
		}
		return -1
	}
	for i := range cur {
		if cur[i].Optimistic &&
			cur[i].SenderID == msg.SenderID &&
			cur[i].Content == msg.Content &&
			abs(cur[i].CreatedAt-msg.CreatedAt) <= heuristicWindowMS {
			return i
		}
	}
	return -1
}

// bumpUnread increments the source conversation's unread count by one
// and refreshes its preview fields.
func (m *Merger) bumpUnread(msg model.Message, serverTS int64) {
	applied := false
	cache.Update(m.store, cache.KeyConversations, func(cur []model.Conversation) []model.Conversation {
		out := make([]model.Conversation, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID == msg.ConversationID {
				out[i].UnreadCount++
				setPreview(&out[i], msg, serverTS)
				applied = true
				break
			}
		}
		return out
	})
	if applied {
		return
	}
	cache.Update(m.store, cache.KeyGroups, func(cur []model.GroupConversation) []model.GroupConversation {
		out := make([]model.GroupConversation, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID == msg.ConversationID {
				out[i].UnreadCount++
				out[i].LastMessageContent = msg.Content
				out[i].LastMessageTime = msg.CreatedAt
				out[i].LastMessageSenderID = msg.SenderID
				out[i].UpdatedAt = serverTS
				break
			}
		}
		return out
	})
}

// updatePreview refreshes preview fields without touching unread.
func (m *Merger) updatePreview(msg model.Message, serverTS int64) {
	cache.Update(m.store, cache.KeyConversations, func(cur []model.Conversation) []model.Conversation {
		out := make([]model.Conversation, len(cur))
		copy(out, cur)
		for i := range out {
			if out[i].ID == msg.ConversationID {
				setPreview(&out[i], msg, serverTS)
				break
			}
		}
		return out
	})
}

func setPreview(c *model.Conversation, msg model.Message, serverTS int64) {
	c.LastMessageContent = msg.Content
	c.LastMessageTime = msg.CreatedAt
	c.LastMessageSenderID = msg.SenderID
	c.UpdatedAt = serverTS
}

func (m *Merger) applyConversation(op backend.Op, conv model.Conversation, serverTS int64) {
	if op == backend.OpDelete {
		cache.Update(m.store, cache.KeyConversations, func(cur []model.Conversation) []model.Conversation {
			out := cur[:0:0]
			for _, c := range cur {
				if c.ID != conv.ID {
					out = append(out, c)
				}
			}
			return out
		})
		m.store.Delete(cache.KeyMessages(conv.ID))
		metrics.MergeApplied.WithLabelValues(string(backend.EntityConversation), string(op)).Inc()
		return
	}

	if conv.UpdatedAt == 0 {
		conv.UpdatedAt = serverTS
	}
	cache.Update(m.store, cache.KeyConversations, func(cur []model.Conversation) []model.Conversation {
		for i := range cur {
			if cur[i].ID == conv.ID {
				if serverTS < cur[i].UpdatedAt {
					metrics.MergeStale.Inc()
					return cur
				}
				out := make([]model.Conversation, len(cur))
				copy(out, cur)
				out[i] = conv
				return out
			}
		}
		out := make([]model.Conversation, 0, len(cur)+1)
		out = append(out, cur...)
		return append(out, conv)
	})
	metrics.MergeApplied.WithLabelValues(string(backend.EntityConversation), string(op)).Inc()
}

func (m *Merger) applyGroup(op backend.Op, grp model.GroupConversation, serverTS int64) {
	if op == backend.OpDelete {
		cache.Update(m.store, cache.KeyGroups, func(cur []model.GroupConversation) []model.GroupConversation {
			out := cur[:0:0]
			for _, g := range cur {
				if g.ID != grp.ID {
					out = append(out, g)
				}
			}
			return out
		})
		m.store.Delete(cache.KeyMessages(grp.ID))
		metrics.MergeApplied.WithLabelValues(string(backend.EntityGroup), string(op)).Inc()
		return
	}

	if grp.UpdatedAt == 0 {
		grp.UpdatedAt = serverTS
	}
	cache.Update(m.store, cache.KeyGroups, func(cur []model.GroupConversation) []model.GroupConversation {
		for i := range cur {
			if cur[i].ID == grp.ID {
				if serverTS < cur[i].UpdatedAt {
					metrics.MergeStale.Inc()
					return cur
				}
				out := make([]model.GroupConversation, len(cur))
				copy(out, cur)
				out[i] = grp
				return out
			}
		}
		out := make([]model.GroupConversation, 0, len(cur)+1)
		out = append(out, cur...)
		return append(out, grp)
	})
	metrics.MergeApplied.WithLabelValues(string(backend.EntityGroup), string(op)).Inc()
}

// Resync pulls everything that may have been missed while the push
// channel was down and runs it through the same merge rules as live
// events. The cursor bounds the query server-side and is persisted so a
// restart resumes where the last resync ended.
func (m *Merger) Resync(ctx context.Context) {
	cursor := ""
	if m.db != nil {
		if v, err := m.db.GetCheckpoint(store.CheckpointResyncCursor); err == nil {
			cursor = v
		}
	}

	res, err := m.client.Resync(ctx, cursor)
	if err != nil {
		m.logger.Error("resync failed", zap.Error(err))
		return
	}

	for _, conv := range res.Conversations {
		m.applyConversation(backend.OpUpdate, conv, conv.UpdatedAt)
	}
	for _, grp := range res.Groups {
		m.applyGroup(backend.OpUpdate, grp, grp.UpdatedAt)
	}
	for _, msg := range res.Messages {
		m.applyMessage(backend.OpUpdate, msg, msg.UpdatedAt)
	}

	if m.db != nil && res.Cursor != "" {
		if err := m.db.SetCheckpoint(store.CheckpointResyncCursor, res.Cursor); err != nil {
			m.logger.Error("failed to persist resync cursor", zap.Error(err))
		}
	}
	m.logger.Info("resync applied",
		zap.Int("conversations", len(res.Conversations)),
		zap.Int("groups", len(res.Groups)),
		zap.Int("messages", len(res.Messages)))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
