package muxpool

import (
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lease is the handle consumers hold on a server's connection. It proxies
// channel operations to a shared pool entry, or to a private connection it
// owns outright - either because the standalone path created it that way, or
// because a channel rejection on a reused connection forced a fallback.
//
// A lease transitions from the shared arm to the standalone arm at most once
// and never back. Dispose is idempotent and decrements the shared refcount at
// most once.
type Lease struct {
	ID uuid.UUID

	pool   *ConnectionPool
	server ServerIdentity

	entry *poolEntry    // shared arm; nil once standalone
	owned RawConnection // standalone arm; nil while shared

	ownedCloseCancel func()

	// fresh marks the lease whose Connect created the entry. A channel
	// rejection on a fresh connection has nothing better to fall back to.
	fresh    bool
	disposed bool
	notified bool

	closeListeners  map[uuid.UUID]func(error)
	inboundHandlers map[uuid.UUID]func(InboundTunnel)
	inboundCancels  map[uuid.UUID]func()
}

func newSharedLease(cp *ConnectionPool, server ServerIdentity, entry *poolEntry, fresh bool) *Lease {
	lease := newLease(cp, server)
	lease.entry = entry
	lease.fresh = fresh
	return lease
}

func newStandaloneLease(cp *ConnectionPool, server ServerIdentity, connection RawConnection) *Lease {
	lease := newLease(cp, server)
	lease.owned = connection
	lease.fresh = true
	return lease
}

func newLease(cp *ConnectionPool, server ServerIdentity) *Lease {
	return &Lease{
		ID:              uuid.New(),
		pool:            cp,
		server:          server,
		closeListeners:  make(map[uuid.UUID]func(error)),
		inboundHandlers: make(map[uuid.UUID]func(InboundTunnel)),
		inboundCancels:  make(map[uuid.UUID]func()),
	}
}

// OpenShell opens an interactive shell channel through the lease.
func (l *Lease) OpenShell() (io.ReadWriteCloser, error) {
	connection, err := l.activeConnection()
	if err != nil {
		return nil, err
	}

	stream, err := connection.OpenShell()
	if err == nil {
		return stream, nil
	}

	connection, err = l.maybeFallback(err)
	if err != nil {
		return nil, err
	}
	return connection.OpenShell()
}

// OpenDirectTCP opens a forwarded TCP channel through the lease.
func (l *Lease) OpenDirectTCP(host string, port int) (net.Conn, error) {
	connection, err := l.activeConnection()
	if err != nil {
		return nil, err
	}

	conn, err := connection.OpenDirectTCP(host, port)
	if err == nil {
		return conn, nil
	}

	connection, err = l.maybeFallback(err)
	if err != nil {
		return nil, err
	}
	return connection.OpenDirectTCP(host, port)
}

// OpenFileTransfer opens the file-transfer subsystem through the lease.
func (l *Lease) OpenFileTransfer() (FileTransfer, error) {
	connection, err := l.activeConnection()
	if err != nil {
		return nil, err
	}

	transfer, err := connection.OpenFileTransfer()
	if err == nil {
		return transfer, nil
	}

	connection, err = l.maybeFallback(err)
	if err != nil {
		return nil, err
	}
	return connection.OpenFileTransfer()
}

// RequestRemoteForward registers a remote port forward through the lease and
// returns the port the remote actually bound.
func (l *Lease) RequestRemoteForward(bindAddr string, bindPort int) (int, error) {
	connection, err := l.activeConnection()
	if err != nil {
		return 0, err
	}

	boundPort, err := connection.RequestRemoteForward(bindAddr, bindPort)
	if err == nil {
		return boundPort, nil
	}

	connection, err = l.maybeFallback(err)
	if err != nil {
		return 0, err
	}
	return connection.RequestRemoteForward(bindAddr, bindPort)
}

// CancelRemoteForward stops a remote port forward previously requested on this lease.
func (l *Lease) CancelRemoteForward(bindAddr string, bindPort int) error {
	connection, err := l.activeConnection()
	if err != nil {
		return err
	}
	return connection.CancelRemoteForward(bindAddr, bindPort)
}

// OnInboundTunnel registers a handler for connections arriving on this lease's
// remote forwards. Registrations follow the lease across a fallback rebind and
// are removed when the lease is disposed.
func (l *Lease) OnInboundTunnel(handler func(InboundTunnel)) (cancel func(), err error) {
	l.pool.poolLock.Lock()
	if l.disposed {
		l.pool.poolLock.Unlock()
		return nil, ErrLeaseClosed
	}
	id := uuid.New()
	l.inboundHandlers[id] = handler
	connection := l.backendLocked()
	l.pool.poolLock.Unlock()

	cancelFn := connection.OnInboundTunnel(handler)

	l.pool.poolLock.Lock()
	if l.disposed {
		l.pool.poolLock.Unlock()
		cancelFn()
		return nil, ErrLeaseClosed
	}
	// A fallback rebind while this registration was in flight already moved
	// the handler onto the new backend; drop the registration on the old one.
	if l.backendLocked() != connection {
		l.pool.poolLock.Unlock()
		cancelFn()
	} else {
		l.inboundCancels[id] = cancelFn
		l.pool.poolLock.Unlock()
	}

	return func() {
		l.pool.poolLock.Lock()
		delete(l.inboundHandlers, id)
		current := l.inboundCancels[id]
		delete(l.inboundCancels, id)
		l.pool.poolLock.Unlock()
		if current != nil {
			current()
		}
	}, nil
}

// OnClose registers a listener fired once if the backing connection closes
// while the lease is alive. The registration is removed automatically when the
// lease is disposed.
func (l *Lease) OnClose(listener func(error)) (cancel func(), err error) {
	l.pool.poolLock.Lock()
	defer l.pool.poolLock.Unlock()

	if l.disposed {
		return nil, ErrLeaseClosed
	}

	id := uuid.New()
	l.closeListeners[id] = listener
	return func() {
		l.pool.poolLock.Lock()
		delete(l.closeListeners, id)
		l.pool.poolLock.Unlock()
	}, nil
}

// Dispose releases the lease. The first call decrements the shared refcount
// (arming the idle timer when it reaches zero) or closes an owned standalone
// connection; every later call is a no-op.
func (l *Lease) Dispose() {
	l.pool.poolLock.Lock()
	if l.disposed {
		l.pool.poolLock.Unlock()
		return
	}
	l.disposed = true
	l.closeListeners = nil
	l.inboundHandlers = nil

	cancels := l.inboundCancels
	l.inboundCancels = nil
	ownedCancel := l.ownedCloseCancel
	l.ownedCloseCancel = nil

	var toClose RawConnection
	if l.entry != nil {
		delete(l.entry.leases, l.ID)
		l.pool.releaseEntry(l.entry)
		l.entry = nil
	} else if l.owned != nil {
		toClose = l.owned
		l.owned = nil
	}
	l.pool.poolLock.Unlock()

	for _, cancelFn := range cancels {
		cancelFn()
	}
	if ownedCancel != nil {
		ownedCancel()
	}
	if toClose != nil {
		l.pool.disposeConnection(toClose)
	}
}

// activeConnection resolves the connection operations should run against.
func (l *Lease) activeConnection() (RawConnection, error) {
	l.pool.poolLock.Lock()
	defer l.pool.poolLock.Unlock()

	if l.disposed {
		return nil, ErrLeaseClosed
	}
	return l.backendLocked(), nil
}

func (l *Lease) backendLocked() RawConnection {
	if l.entry != nil {
		return l.entry.connection
	}
	return l.owned
}

// maybeFallback decides what to do with a failed channel open. On a reused
// lease whose failure is a channel rejection (not a connection-refused class
// error), it dials a private connection, soft-releases the shared entry with
// the same accounting as Dispose, rebinds the lease to the standalone arm and
// returns the new connection for a single retry. In every other case the
// original error comes back unchanged.
func (l *Lease) maybeFallback(cause error) (RawConnection, error) {
	l.pool.poolLock.Lock()
	if l.disposed {
		l.pool.poolLock.Unlock()
		return nil, ErrLeaseClosed
	}
	if l.fresh || l.entry == nil || !ChannelRejected(cause) {
		l.pool.poolLock.Unlock()
		return nil, cause
	}
	server := l.server
	l.pool.poolLock.Unlock()

	connection, err := l.pool.connector.Connect(server)
	if err != nil {
		return nil, err
	}

	l.pool.poolLock.Lock()
	if l.disposed {
		l.pool.poolLock.Unlock()
		l.pool.disposeConnection(connection)
		return nil, ErrLeaseClosed
	}

	// A concurrent operation's fallback may have rebound the lease while this
	// dial was in flight. The first rebind wins; discard the extra dial and
	// retry on the connection it installed.
	if l.entry == nil {
		existing := l.owned
		l.pool.poolLock.Unlock()
		l.pool.disposeConnection(connection)
		return existing, nil
	}

	entry := l.entry
	delete(entry.leases, l.ID)
	l.pool.releaseEntry(entry)
	l.entry = nil
	l.owned = connection

	oldCancels := make([]func(), 0, len(l.inboundCancels))
	for id, cancelFn := range l.inboundCancels {
		oldCancels = append(oldCancels, cancelFn)
		delete(l.inboundCancels, id)
	}
	handlers := make(map[uuid.UUID]func(InboundTunnel), len(l.inboundHandlers))
	for id, handler := range l.inboundHandlers {
		handlers[id] = handler
	}
	l.pool.poolLock.Unlock()

	for _, cancelFn := range oldCancels {
		cancelFn()
	}
	for id, handler := range handlers {
		cancelFn := connection.OnInboundTunnel(handler)
		l.pool.poolLock.Lock()
		if l.disposed || l.inboundCancels == nil {
			l.pool.poolLock.Unlock()
			cancelFn()
			continue
		}
		if _, ok := l.inboundHandlers[id]; !ok {
			// Cancelled while the re-registration was in flight.
			l.pool.poolLock.Unlock()
			cancelFn()
			continue
		}
		l.inboundCancels[id] = cancelFn
		l.pool.poolLock.Unlock()
	}
	l.watchOwnedConnection(connection)

	l.pool.logger.Debug("lease fell back to a standalone connection",
		zap.String("server", server.ID),
		zap.NamedError("cause", cause))
	return connection, nil
}

// watchOwnedConnection subscribes the lease's close-listeners to an owned
// standalone connection.
func (l *Lease) watchOwnedConnection(connection RawConnection) {
	cancelFn := connection.OnClose(func(cause error) {
		l.pool.poolLock.Lock()
		fire := l.markClosedLocked(cause)
		l.pool.poolLock.Unlock()
		if fire != nil {
			fire()
		}
	})

	l.pool.poolLock.Lock()
	if l.disposed {
		l.pool.poolLock.Unlock()
		cancelFn()
		return
	}
	l.ownedCloseCancel = cancelFn
	l.pool.poolLock.Unlock()
}

// markClosedLocked flags the lease as having seen its connection die and
// returns a closure that fires its close-listeners, or nil when there is
// nothing to do. Listeners fire at most once per lease. Caller holds poolLock
// and invokes the closure after unlocking.
func (l *Lease) markClosedLocked(cause error) func() {
	if l.disposed || l.notified {
		return nil
	}
	l.notified = true

	listeners := make([]func(error), 0, len(l.closeListeners))
	for _, listener := range l.closeListeners {
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil
	}
	return func() {
		for _, listener := range listeners {
			listener(cause)
		}
	}
}
