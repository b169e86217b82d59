package muxpool

import (
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// poolEntry binds one server id to one live shared connection, the count of
// leases borrowing it, and the idle-eviction timer armed while that count is 0.
// All fields are guarded by the pool's poolLock.
type poolEntry struct {
	serverID   string
	connection RawConnection

	refCount  int
	idleTimer clock.Timer

	// closeCancel removes the unsolicited-close subscription; nil once the
	// entry is being torn down intentionally.
	closeCancel func()

	// leases holds every outstanding lease borrowing this entry so their
	// close-listeners can be notified if the connection drops on its own.
	leases map[uuid.UUID]*Lease

	// announced records that a Connected event went out for this entry.
	// Entries that die during the handshake are never announced, and their
	// teardown emits no Disconnected either.
	announced bool

	closed bool
}

func newPoolEntry(serverID string, connection RawConnection) *poolEntry {
	return &poolEntry{
		serverID:   serverID,
		connection: connection,
		leases:     make(map[uuid.UUID]*Lease),
	}
}

// cancelIdleTimer stops any pending idle eviction. Caller holds poolLock.
func (pe *poolEntry) cancelIdleTimer() {
	if pe.idleTimer != nil {
		pe.idleTimer.Stop()
		pe.idleTimer = nil
	}
}
