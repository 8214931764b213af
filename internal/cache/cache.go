package cache

import "sync"

// FetchState is the per-key fetch lifecycle.
type FetchState string

const (
	StateIdle     FetchState = "idle"
	StateFetching FetchState = "fetching"
	StateSuccess  FetchState = "success"
	StateError    FetchState = "error"
)

// Terminal reports whether the fetch for a key has finished, either way.
func (s FetchState) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Store is the shared keyed cache. Values are replaced whole on every
// write (updaters return a new value, they never mutate in place), so a
// reader always observes a value from exactly one write — no torn reads.
// Notifications run synchronously after the write, serialized in write
// order.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	states map[string]FetchState

	subMu   sync.RWMutex
	subs    map[int]func(key string)
	nextSub int

	// notifyMu serializes notification delivery so observers see
	// writes in the order they happened.
	notifyMu sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		values: make(map[string]any),
		states: make(map[string]FetchState),
		subs:   make(map[int]func(string)),
	}
}

// Get returns the value for key, if present.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// State returns the fetch lifecycle state for key (StateIdle if unknown).
func (s *Store) State(key string) FetchState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[key]; ok {
		return st
	}
	return StateIdle
}

// SetState records the fetch lifecycle state for key and notifies.
func (s *Store) SetState(key string, st FetchState) {
	s.mu.Lock()
	s.states[key] = st
	s.mu.Unlock()
	s.notify(key)
}

// CompareAndSetState moves key from one lifecycle state to another in a
// single step. It reports whether the move happened; when several
// callers race to start a fetch, exactly one wins.
func (s *Store) CompareAndSetState(key string, from, to FetchState) bool {
	s.mu.Lock()
	cur, ok := s.states[key]
	if !ok {
		cur = StateIdle
	}
	if cur != from {
		s.mu.Unlock()
		return false
	}
	s.states[key] = to
	s.mu.Unlock()
	s.notify(key)
	return true
}

// Set applies update to the current value of key and stores the result.
// The updater receives the current value (nil if absent) and must return
// the replacement; it must not mutate the current value. Subscribers are
// notified synchronously before Set returns.
func (s *Store) Set(key string, update func(cur any) any) {
	s.mu.Lock()
	s.values[key] = update(s.values[key])
	s.mu.Unlock()
	s.notify(key)
}

// Put replaces the value for key.
func (s *Store) Put(key string, v any) {
	s.Set(key, func(any) any { return v })
}

// Delete removes key and its state, notifying subscribers.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	delete(s.states, key)
	s.mu.Unlock()
	s.notify(key)
}

// Subscribe registers a callback invoked with the key of every write.
// Callbacks run synchronously on the writer's goroutine; they may read
// the store but must not write to keys they do not own.
func (s *Store) Subscribe(fn func(key string)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(key string) {
	s.subMu.RLock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}
