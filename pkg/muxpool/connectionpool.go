package muxpool

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// ConnectionPool shares a small number of expensive transport connections
// between many logical consumers. Each Connect call hands out a Lease that
// behaves like an exclusive connection even when it is backed by a shared one.
type ConnectionPool struct {
	Config PoolConfig

	connector   Connector
	clock       clock.Clock
	logger      *zap.Logger
	idleTimeout time.Duration

	entries cmap.ConcurrentMap // server id -> *poolEntry
	pending cmap.ConcurrentMap // server id -> *pendingConnect

	changeListeners map[uuid.UUID]func(ChangeEvent)

	poolLock     *sync.Mutex
	disposed     bool
	errorHandler func(error)
}

// pendingConnect deduplicates in-flight handshakes: at most one connector call
// per server id, with later callers waiting on done.
type pendingConnect struct {
	done chan struct{}
	err  error // written before done is closed
}

// NewConnectionPool creates hosting structure for the ConnectionPool.
func NewConnectionPool(config *PoolConfig, connector Connector) (*ConnectionPool, error) {
	return NewConnectionPoolWithLogger(config, connector, nil)
}

// NewConnectionPoolWithLogger creates hosting structure for the ConnectionPool with a logger.
func NewConnectionPoolWithLogger(config *PoolConfig, connector Connector, logger *zap.Logger) (*ConnectionPool, error) {
	return NewConnectionPoolWithClock(config, connector, logger, clock.WallClock)
}

// NewConnectionPoolWithClock creates hosting structure for the ConnectionPool with a logger
// and an injectable clock for the idle-eviction timers.
func NewConnectionPoolWithClock(config *PoolConfig, connector Connector, logger *zap.Logger, clk clock.Clock) (*ConnectionPool, error) {
	if config == nil {
		return nil, errors.New("connectionpool config can't be nil")
	}

	if connector == nil {
		return nil, errors.New("connectionpool connector can't be nil")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	cp := &ConnectionPool{
		Config:          *config,
		connector:       connector,
		clock:           clk,
		logger:          logger,
		idleTimeout:     time.Duration(config.IdleTimeoutMilliseconds) * time.Millisecond,
		entries:         cmap.New(),
		pending:         cmap.New(),
		changeListeners: make(map[uuid.UUID]func(ChangeEvent)),
		poolLock:        &sync.Mutex{},
	}

	return cp, nil
}

// SetErrorHandler installs a handler for errors the pool can only report
// asynchronously (teardown failures, dispose errors on dead connections).
func (cp *ConnectionPool) SetErrorHandler(errorHandler func(error)) {
	cp.poolLock.Lock()
	defer cp.poolLock.Unlock()
	cp.errorHandler = errorHandler
}

// Connect returns a lease on the server's connection, reusing a live shared
// connection when admission policy allows, coalescing concurrent handshakes
// for the same server, or dialing a private one on the standalone path.
func (cp *ConnectionPool) Connect(server ServerIdentity) (*Lease, error) {
	cp.poolLock.Lock()
	if cp.disposed {
		cp.poolLock.Unlock()
		return nil, ErrConnectionPoolClosed
	}
	pooled := cp.effectiveMultiplexing(server)
	cp.poolLock.Unlock()

	if !pooled {
		return cp.connectStandalone(server)
	}

	for {
		cp.poolLock.Lock()

		if cp.disposed {
			cp.poolLock.Unlock()
			return nil, ErrConnectionPoolClosed
		}

		// Healthy entry already present: borrow it.
		if item, ok := cp.entries.Get(server.ID); ok {
			entry := item.(*poolEntry)
			entry.cancelIdleTimer()
			entry.refCount++
			lease := newSharedLease(cp, server, entry, false)
			entry.leases[lease.ID] = lease
			cp.poolLock.Unlock()
			return lease, nil
		}

		// Someone else is mid-handshake for this server: wait on their attempt.
		if item, ok := cp.pending.Get(server.ID); ok {
			pc := item.(*pendingConnect)
			cp.poolLock.Unlock()
			<-pc.done
			if pc.err != nil {
				return nil, pc.err
			}
			continue
		}

		pc := &pendingConnect{done: make(chan struct{})}
		cp.pending.Set(server.ID, pc)
		cp.poolLock.Unlock()

		connection, err := cp.connector.Connect(server)

		cp.poolLock.Lock()
		cp.pending.Remove(server.ID)

		if err != nil {
			pc.err = err
			close(pc.done)
			cp.poolLock.Unlock()
			return nil, err
		}

		if cp.disposed {
			pc.err = ErrConnectionPoolClosed
			close(pc.done)
			cp.poolLock.Unlock()
			cp.disposeConnection(connection)
			return nil, ErrConnectionPoolClosed
		}

		entry := newPoolEntry(server.ID, connection)
		entry.refCount = 1
		lease := newSharedLease(cp, server, entry, true)
		entry.leases[lease.ID] = lease
		cp.entries.Set(server.ID, entry)
		close(pc.done)
		cp.poolLock.Unlock()

		// Registered outside the lock: OnClose may invoke the listener
		// immediately when the transport died right after the handshake, and
		// that listener takes poolLock itself.
		closeCancel := connection.OnClose(func(cause error) {
			cp.handleUnsolicitedClose(entry, cause)
		})
		cp.poolLock.Lock()
		if entry.closed {
			// Died during the handshake: the teardown already ran and the
			// entry was never announced, so observers hear nothing at all
			// rather than a Disconnected for something never Connected.
			cp.poolLock.Unlock()
			closeCancel()
			return lease, nil
		}
		entry.closeCancel = closeCancel
		entry.announced = true
		cp.poolLock.Unlock()

		cp.logger.Debug("shared connection established", zap.String("server", server.ID))
		cp.emitChange(Connected, server.ID)
		return lease, nil
	}
}

// connectStandalone dials a private connection outside the entry map.
// No refcount, no sharing; the lease owns the connection outright.
func (cp *ConnectionPool) connectStandalone(server ServerIdentity) (*Lease, error) {
	connection, err := cp.connector.Connect(server)
	if err != nil {
		return nil, err
	}

	cp.poolLock.Lock()
	if cp.disposed {
		cp.poolLock.Unlock()
		cp.disposeConnection(connection)
		return nil, ErrConnectionPoolClosed
	}
	lease := newStandaloneLease(cp, server, connection)
	cp.poolLock.Unlock()

	lease.watchOwnedConnection(connection)

	cp.logger.Debug("standalone connection established", zap.String("server", server.ID))
	return lease, nil
}

// effectiveMultiplexing resolves the three-state per-server preference against
// the pool-wide toggle. Caller holds poolLock.
func (cp *ConnectionPool) effectiveMultiplexing(server ServerIdentity) bool {
	switch server.Multiplexing {
	case MultiplexingOn:
		return true
	case MultiplexingOff:
		return false
	default:
		return cp.Config.EnableMultiplexing
	}
}

// Disconnect forcibly tears down the server's shared entry regardless of how
// many leases still reference it. Callers use this when they know connection
// parameters changed and shared state must be invalidated immediately.
func (cp *ConnectionPool) Disconnect(serverID string) {
	cp.poolLock.Lock()

	item, ok := cp.entries.Get(serverID)
	if !ok {
		cp.poolLock.Unlock()
		return
	}
	entry := item.(*poolEntry)
	announced := entry.announced
	connection := cp.teardownEntry(entry)
	cp.poolLock.Unlock()

	cp.disposeConnection(connection)
	cp.logger.Debug("shared connection disconnected", zap.String("server", serverID))
	if announced {
		cp.emitChange(Disconnected, serverID)
	}
}

// handleUnsolicitedClose reacts to the underlying connection dropping on its
// own (network failure). Performs the same cleanup as Disconnect and
// additionally notifies every outstanding lease's close-listeners, so no lease
// is left believing a dead connection is alive.
func (cp *ConnectionPool) handleUnsolicitedClose(entry *poolEntry, cause error) {
	cp.poolLock.Lock()

	item, ok := cp.entries.Get(entry.serverID)
	if !ok || item.(*poolEntry) != entry {
		cp.poolLock.Unlock()
		return
	}

	var notifications []func()
	for _, lease := range entry.leases {
		if fire := lease.markClosedLocked(cause); fire != nil {
			notifications = append(notifications, fire)
		}
	}
	announced := entry.announced
	connection := cp.teardownEntry(entry)
	cp.poolLock.Unlock()

	for _, fire := range notifications {
		fire()
	}

	cp.disposeConnection(connection)
	cp.logger.Warn("shared connection dropped",
		zap.String("server", entry.serverID),
		zap.Error(cause))
	if announced {
		cp.emitChange(Disconnected, entry.serverID)
	}
}

// teardownEntry removes the entry from the map and disarms its timers and
// subscriptions. Caller holds poolLock and disposes the returned connection
// after unlocking.
func (cp *ConnectionPool) teardownEntry(entry *poolEntry) RawConnection {
	entry.closed = true
	entry.cancelIdleTimer()
	if entry.closeCancel != nil {
		entry.closeCancel()
		entry.closeCancel = nil
	}
	cp.entries.Remove(entry.serverID)
	return entry.connection
}

// releaseEntry accounts for one lease letting go of the entry, whether by
// Dispose or by the fallback soft-release. Arms the idle timer when the last
// borrower leaves. Caller holds poolLock.
func (cp *ConnectionPool) releaseEntry(entry *poolEntry) {
	if entry.closed {
		return
	}

	entry.refCount--
	if entry.refCount > 0 || cp.disposed {
		return
	}

	if cp.idleTimeout <= 0 {
		return // zero timeout means entries live until an explicit Disconnect
	}

	entry.idleTimer = cp.clock.AfterFunc(cp.idleTimeout, func() {
		cp.evictIdle(entry)
	})
}

// evictIdle fires when an entry has had zero borrowers for the configured
// idle timeout. A Connect that reused the entry in the meantime cancelled the
// timer, so re-check everything under the lock before tearing down.
func (cp *ConnectionPool) evictIdle(entry *poolEntry) {
	cp.poolLock.Lock()

	item, ok := cp.entries.Get(entry.serverID)
	if !ok || item.(*poolEntry) != entry || entry.refCount > 0 || entry.closed {
		cp.poolLock.Unlock()
		return
	}
	announced := entry.announced
	connection := cp.teardownEntry(entry)
	cp.poolLock.Unlock()

	cp.disposeConnection(connection)
	cp.logger.Debug("idle connection evicted", zap.String("server", entry.serverID))
	if announced {
		cp.emitChange(Disconnected, entry.serverID)
	}
}

// ActiveConnectionCount reports how many shared entries are currently live.
func (cp *ConnectionPool) ActiveConnectionCount() int {
	return cp.entries.Count()
}

// Shutdown tears down every entry, cancels every timer and marks the pool
// disposed. All subsequent Connect calls fail fast with ErrConnectionPoolClosed.
func (cp *ConnectionPool) Shutdown() {
	if cp == nil {
		return
	}

	cp.poolLock.Lock()
	if cp.disposed {
		cp.poolLock.Unlock()
		return
	}
	cp.disposed = true

	var torndown []*poolEntry
	for item := range cp.entries.IterBuffered() {
		torndown = append(torndown, item.Val.(*poolEntry))
	}
	connections := make([]RawConnection, 0, len(torndown))
	announced := make([]bool, 0, len(torndown))
	for _, entry := range torndown {
		announced = append(announced, entry.announced)
		connections = append(connections, cp.teardownEntry(entry))
	}
	cp.poolLock.Unlock()

	for i, connection := range connections {
		cp.disposeConnection(connection)
		if announced[i] {
			cp.emitChange(Disconnected, torndown[i].serverID)
		}
	}

	cp.logger.Debug("connection pool shut down")
}

func (cp *ConnectionPool) disposeConnection(connection RawConnection) {
	if err := connection.Dispose(); err != nil {
		cp.handleError(err)
	}
}

func (cp *ConnectionPool) handleError(err error) {
	cp.poolLock.Lock()
	errorHandler := cp.errorHandler
	cp.poolLock.Unlock()

	if errorHandler != nil {
		errorHandler(err)
	}
}
