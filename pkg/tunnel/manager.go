// Package tunnel turns pool leases into TCP port forwards: local listeners
// whose connections travel through a leased channel, and remote binds whose
// inbound connections are delivered back to a local target.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/evdanil/nexterminal/pkg/muxpool"
)

// ErrManagerClosed is returned once Shutdown has been triggered.
var ErrManagerClosed = errors.New("tunnel manager closed")

// Manager owns a set of forwards built on top of one connection pool.
type Manager struct {
	pool   *muxpool.ConnectionPool
	logger *zap.Logger

	forwards map[string]*Forward
	errs     chan error

	lock     *sync.Mutex
	shutdown bool
}

// NewManager creates a tunnel manager over the given pool.
func NewManager(pool *muxpool.ConnectionPool) *Manager {
	return NewManagerWithLogger(pool, nil)
}

// NewManagerWithLogger creates a tunnel manager over the given pool with a logger.
func NewManagerWithLogger(pool *muxpool.ConnectionPool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		pool:     pool,
		logger:   logger,
		forwards: make(map[string]*Forward),
		errs:     make(chan error, 1000),
		lock:     &sync.Mutex{},
	}
}

// Errors exposes forward failures the manager can only report asynchronously.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// OpenLocalForward listens on localAddress and carries every accepted
// connection to remoteHost:remotePort through a leased channel.
func (m *Manager) OpenLocalForward(server muxpool.ServerIdentity, localAddress, remoteHost string, remotePort int) (*Forward, error) {
	key := "local/" + localAddress

	if err := m.reserve(key); err != nil {
		return nil, err
	}

	lease, err := m.pool.Connect(server)
	if err != nil {
		m.unreserve(key)
		return nil, err
	}

	listener, err := net.Listen("tcp", localAddress)
	if err != nil {
		m.unreserve(key)
		lease.Dispose()
		return nil, err
	}

	forward := &Forward{
		Key:      key,
		manager:  m,
		lease:    lease,
		listener: listener,
	}
	if err = m.install(key, forward); err != nil {
		forward.Close()
		return nil, err
	}

	// A dead shared connection takes the forward down with it.
	forward.closeCancel, err = lease.OnClose(func(cause error) {
		m.reportError(fmt.Errorf("forward %s lost its connection: %w", key, cause))
		forward.Close()
	})
	if err != nil {
		forward.Close()
		return nil, err
	}

	go m.acceptLocal(forward, remoteHost, remotePort)

	m.logger.Debug("local forward opened",
		zap.String("server", server.ID),
		zap.String("local", listener.Addr().String()),
		zap.String("remote", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))))
	return forward, nil
}

// OpenRemoteForward binds bindAddr:bindPort on the remote side and carries
// every inbound connection to targetHost:targetPort locally.
func (m *Manager) OpenRemoteForward(server muxpool.ServerIdentity, bindAddr string, bindPort int, targetHost string, targetPort int) (*Forward, error) {
	key := "remote/" + net.JoinHostPort(bindAddr, strconv.Itoa(bindPort))

	if err := m.reserve(key); err != nil {
		return nil, err
	}

	lease, err := m.pool.Connect(server)
	if err != nil {
		m.unreserve(key)
		return nil, err
	}

	boundPort, err := lease.RequestRemoteForward(bindAddr, bindPort)
	if err != nil {
		m.unreserve(key)
		lease.Dispose()
		return nil, err
	}

	forward := &Forward{
		Key:           key,
		manager:       m,
		lease:         lease,
		remoteArm:     true,
		remoteBind:    bindAddr,
		remotePort:    boundPort,
		remoteReqPort: bindPort,
	}
	if err = m.install(key, forward); err != nil {
		forward.Close()
		return nil, err
	}

	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	forward.inboundCancel, err = lease.OnInboundTunnel(func(tunnel muxpool.InboundTunnel) {
		if tunnel.BindAddr != bindAddr || tunnel.BindPort != boundPort {
			return
		}
		local, dialErr := net.Dial("tcp", target)
		if dialErr != nil {
			m.reportError(fmt.Errorf("forward %s target dial failed: %w", key, dialErr))
			_ = tunnel.Conn.Close()
			return
		}
		go joinStreams(tunnel.Conn, local)
	})
	if err != nil {
		forward.Close()
		return nil, err
	}

	forward.closeCancel, err = lease.OnClose(func(cause error) {
		m.reportError(fmt.Errorf("forward %s lost its connection: %w", key, cause))
		forward.Close()
	})
	if err != nil {
		forward.Close()
		return nil, err
	}

	m.logger.Debug("remote forward opened",
		zap.String("server", server.ID),
		zap.Int("boundPort", boundPort),
		zap.String("target", target))
	return forward, nil
}

// Shutdown closes every forward. The manager rejects new forwards afterwards.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	if m.shutdown {
		m.lock.Unlock()
		return
	}
	m.shutdown = true
	forwards := make([]*Forward, 0, len(m.forwards))
	for _, forward := range m.forwards {
		if forward == nil {
			continue // reserved but not yet installed; install cleans it up
		}
		forwards = append(forwards, forward)
	}
	m.lock.Unlock()

	for _, forward := range forwards {
		forward.Close()
	}
}

func (m *Manager) acceptLocal(forward *Forward, remoteHost string, remotePort int) {
	for {
		local, err := forward.listener.Accept()
		if err != nil {
			return // listener closed
		}

		go func() {
			remote, err := forward.lease.OpenDirectTCP(remoteHost, remotePort)
			if err != nil {
				m.reportError(fmt.Errorf("forward %s channel open failed: %w", forward.Key, err))
				_ = local.Close()
				return
			}
			joinStreams(local, remote)
		}()
	}
}

func (m *Manager) reserve(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.shutdown {
		return ErrManagerClosed
	}
	if _, ok := m.forwards[key]; ok {
		return fmt.Errorf("forward already registered for %s", key)
	}
	m.forwards[key] = nil
	return nil
}

// install replaces the reservation placeholder with the live forward. When a
// Shutdown won the race against the setup, the caller tears the forward down.
func (m *Manager) install(key string, forward *Forward) error {
	m.lock.Lock()
	if m.shutdown {
		delete(m.forwards, key)
		m.lock.Unlock()
		return ErrManagerClosed
	}
	m.forwards[key] = forward
	m.lock.Unlock()
	return nil
}

func (m *Manager) unreserve(key string) {
	m.lock.Lock()
	delete(m.forwards, key)
	m.lock.Unlock()
}

func (m *Manager) reportError(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

// Forward is one live port forward, local or remote.
type Forward struct {
	Key string

	manager *Manager
	lease   *muxpool.Lease

	listener net.Listener // local arm

	remoteArm     bool // remote arm
	remoteBind    string
	remotePort    int // port actually bound
	remoteReqPort int // port as requested, keys the cancel

	inboundCancel func()
	closeCancel   func()
	closed        bool
}

// Addr reports the local listener address, or nil for a remote forward.
func (f *Forward) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// BoundPort reports the remote port actually bound, or 0 for a local forward.
func (f *Forward) BoundPort() int {
	return f.remotePort
}

// Close tears the forward down and releases its lease. Idempotent.
func (f *Forward) Close() {
	f.manager.lock.Lock()
	if f.closed {
		f.manager.lock.Unlock()
		return
	}
	f.closed = true
	delete(f.manager.forwards, f.Key)
	f.manager.lock.Unlock()

	if f.listener != nil {
		_ = f.listener.Close()
	}
	if f.inboundCancel != nil {
		f.inboundCancel()
	}
	if f.closeCancel != nil {
		f.closeCancel()
	}
	if f.remoteArm {
		_ = f.lease.CancelRemoteForward(f.remoteBind, f.remoteReqPort)
	}
	f.lease.Dispose()
}

// joinStreams copies bytes both ways and closes both ends when either side
// finishes.
func joinStreams(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()

	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
