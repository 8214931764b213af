// Package gate derives the single readiness boolean that gates first
// paint: everything shows together, or nothing does.
package gate

import (
	"sync"

	"github.com/rferraz/syncline/internal/bus"
	"github.com/rferraz/syncline/internal/cache"
)

// Gate tracks the fetch lifecycle of a fixed key set and reports ready
// once every key has reached a terminal state (success or error).
// Recomputation happens synchronously inside the cache notification,
// never deferred, so a reader can never observe a half-updated mix.
// Once ready, the gate stays ready; later refetches of a tracked key do
// not retract first paint.
type Gate struct {
	store *cache.Store
	bus   *bus.Bus
	keys  []string

	mu    sync.RWMutex
	ready bool
	unsub func()
}

// New creates a gate over the given cache keys.
func New(s *cache.Store, b *bus.Bus, keys ...string) *Gate {
	if len(keys) == 0 {
		keys = []string{cache.KeyConversations, cache.KeyProfile}
	}
	return &Gate{store: s, bus: b, keys: keys}
}

// Start attaches the gate to the store and evaluates the current state.
func (g *Gate) Start() {
	g.unsub = g.store.Subscribe(func(string) {
		g.recompute()
	})
	g.recompute()
}

// Stop detaches from the store.
func (g *Gate) Stop() {
	if g.unsub != nil {
		g.unsub()
		g.unsub = nil
	}
}

// Ready reports whether every tracked key has finished its first fetch.
func (g *Gate) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready
}

func (g *Gate) recompute() {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	for _, key := range g.keys {
		if !g.store.State(key).Terminal() {
			g.mu.Unlock()
			return
		}
	}
	g.ready = true
	g.mu.Unlock()

	if g.bus != nil {
		g.bus.Emit(bus.KindSyncReady, nil)
	}
}
