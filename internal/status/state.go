package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the client's connectivity to the remote store.
type State string

const (
	Offline    State = "OFFLINE"
	Connecting State = "CONNECTING"
	Online     State = "ONLINE"
	Degraded   State = "DEGRADED"
)

// validTransitions defines allowed connectivity transitions.
var validTransitions = map[State][]State{
	Offline:    {Connecting, Online},
	Connecting: {Online, Offline, Degraded},
	Online:     {Offline, Degraded},
	Degraded:   {Online, Offline, Connecting},
}

// Machine tracks and enforces connectivity state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in the given state.
func NewMachine(initial State, b *bus.Bus) *Machine {
	return &Machine{
		current: initial,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether remote writes should be attempted. A degraded
// listener does not stop sends, only an explicit offline state does.
func (m *Machine) Online() bool {
	switch m.Current() {
	case Online, Degraded:
		return true
	}
	return false
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindSyncStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
