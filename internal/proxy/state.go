package proxy

import (
	"sync"
	"time"
)

// ConnectionState represents the lifecycle of one remote connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

func (s ConnectionState) String() string { return string(s) }

// EventType identifies a connection lifecycle event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect_failed"
)

// ConnectionEvent is delivered to listeners on every lifecycle change.
type ConnectionEvent struct {
	ConnectionID string    `json:"connectionId"`
	Type         EventType `json:"type"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventListener receives connection events. Listeners are called
// synchronously; long-running handlers should spawn goroutines.
type EventListener func(ConnectionEvent)

// stateTracker holds per-connection states and fires callbacks on change.
type stateTracker struct {
	mu     sync.RWMutex
	states map[string]ConnectionState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]ConnectionState)}
}

// get returns the state, defaulting to disconnected for unknown connections.
func (t *stateTracker) get(connectionID string) ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[connectionID]
	if !ok {
		return StateDisconnected
	}
	return state
}

// set updates the state and returns the previous one.
func (t *stateTracker) set(connectionID string, state ConnectionState) ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.states[connectionID]
	if !ok {
		old = StateDisconnected
	}
	t.states[connectionID] = state
	return old
}

func (t *stateTracker) remove(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, connectionID)
}

// all returns a copy of every known connection state.
func (t *stateTracker) all() map[string]ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ConnectionState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}
