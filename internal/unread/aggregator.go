// Package unread derives the single cross-conversation unread total.
package unread

import (
	"strconv"

	"github.com/rferraz/syncline/internal/cache"
	"github.com/rferraz/syncline/internal/model"
	"go.uber.org/zap"
)

// Sink receives the display form of the unread total, e.g. a title or
// badge consumer. Implementations must be cheap; the aggregator calls
// synchronously from cache notifications.
type Sink interface {
	SetBadge(text string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(text string)

func (f SinkFunc) SetBadge(text string) { f(text) }

// Display caps the total at the presentation boundary: empty at zero,
// "99+" above 99, the exact decimal otherwise.
func Display(total int) string {
	switch {
	case total <= 0:
		return ""
	case total > 99:
		return "99+"
	default:
		return strconv.Itoa(total)
	}
}

// Aggregator recomputes the exact unread total whenever the conversation
// or group collections change, and pushes the display form to the sink.
type Aggregator struct {
	store  *cache.Store
	sink   Sink
	logger *zap.Logger
	unsub  func()
	last   int
}

// New creates an aggregator. Call Start to attach it to the store.
func New(s *cache.Store, sink Sink, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: s, sink: sink, logger: logger, last: -1}
}

// Start subscribes to cache changes and publishes the current total once.
func (a *Aggregator) Start() {
	a.unsub = a.store.Subscribe(func(key string) {
		if key == cache.KeyConversations || key == cache.KeyGroups {
			a.recompute()
		}
	})
	a.recompute()
}

// Stop detaches from the store.
func (a *Aggregator) Stop() {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
}

// Total returns the exact unread sum over conversations and groups.
func (a *Aggregator) Total() int {
	total := 0
	if convs, ok := cache.GetAs[[]model.Conversation](a.store, cache.KeyConversations); ok {
		for i := range convs {
			total += convs[i].UnreadCount
		}
	}
	if groups, ok := cache.GetAs[[]model.GroupConversation](a.store, cache.KeyGroups); ok {
		for i := range groups {
			total += groups[i].UnreadCount
		}
	}
	return total
}

func (a *Aggregator) recompute() {
	total := a.Total()
	if total == a.last {
		return
	}
	a.last = total
	a.sink.SetBadge(Display(total))
}
