package netstatus

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rferraz/syncline/internal/bus"
)

// State represents the connectivity state of the sync core.
type State string

const (
	Starting     State = "STARTING"
	Online       State = "ONLINE"
	Offline      State = "OFFLINE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
)

// validTransitions defines allowed connectivity transitions.
var validTransitions = map[State][]State{
	Starting:     {Online, Offline},
	Online:       {Offline, Reconnecting, Degraded},
	Offline:      {Reconnecting, Online},
	Reconnecting: {Online, Offline, Degraded},
	Degraded:     {Online, Reconnecting, Offline},
}

// Machine tracks connectivity and announces online/offline edges on the
// bus. An offline→online edge is what tells the offline queue to flush
// immediately.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Starting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsOnline reports whether outgoing operations may be dispatched.
func (m *Machine) IsOnline() bool {
	s := m.Current()
	return s == Online || s == Degraded
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid. Publishes net.online when connectivity is
// gained and net.offline when it is lost.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid connectivity transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		wasOnline := from == Online || from == Degraded
		isOnline := to == Online || to == Degraded
		switch {
		case !wasOnline && isOnline:
			m.bus.Emit(bus.KindNetOnline, Change{From: from, To: to})
		case wasOnline && !isOnline:
			m.bus.Emit(bus.KindNetOffline, Change{From: from, To: to})
		}
	}
	return nil
}

// Change is the payload for connectivity edge events.
type Change struct {
	From State
	To   State
}
