package muxpool

import "github.com/google/uuid"

// ChangeType discriminates pool lifecycle events.
type ChangeType string

const (
	// Connected is emitted when a shared entry comes alive.
	Connected ChangeType = "connected"

	// Disconnected is emitted when a shared entry is torn down.
	Disconnected ChangeType = "disconnected"
)

// ChangeEvent tells collaborators (session registries, UIs) that the set of
// shared connections changed.
type ChangeEvent struct {
	Type     ChangeType
	ServerID string
}

// OnDidChange registers a listener for pool lifecycle events.
// The returned cancel func unregisters it.
func (cp *ConnectionPool) OnDidChange(listener func(ChangeEvent)) (cancel func()) {
	id := uuid.New()

	cp.poolLock.Lock()
	cp.changeListeners[id] = listener
	cp.poolLock.Unlock()

	return func() {
		cp.poolLock.Lock()
		delete(cp.changeListeners, id)
		cp.poolLock.Unlock()
	}
}

// emitChange delivers an event to every registered listener.
// Callers must not hold poolLock.
func (cp *ConnectionPool) emitChange(eventType ChangeType, serverID string) {
	cp.poolLock.Lock()
	listeners := make([]func(ChangeEvent), 0, len(cp.changeListeners))
	for _, listener := range cp.changeListeners {
		listeners = append(listeners, listener)
	}
	cp.poolLock.Unlock()

	event := ChangeEvent{Type: eventType, ServerID: serverID}
	for _, listener := range listeners {
		listener(event)
	}
}
