package tunnel_test

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evdanil/nexterminal/pkg/muxpool"
	"github.com/evdanil/nexterminal/pkg/tunnel"
)

// echoConnection fakes a transport whose direct TCP channels echo bytes back.
type echoConnection struct {
	lock           sync.Mutex
	closed         bool
	nextID         int
	closeListeners map[int]func(error)
	inbound        map[int]func(muxpool.InboundTunnel)
	cancelled      []string
}

func newEchoConnection() *echoConnection {
	return &echoConnection{
		closeListeners: make(map[int]func(error)),
		inbound:        make(map[int]func(muxpool.InboundTunnel)),
	}
}

func (ec *echoConnection) OpenShell() (io.ReadWriteCloser, error) {
	return nil, errors.New("not implemented")
}

func (ec *echoConnection) OpenDirectTCP(host string, port int) (net.Conn, error) {
	client, server := net.Pipe()
	go func() { _, _ = io.Copy(server, server) }()
	return client, nil
}

func (ec *echoConnection) OpenFileTransfer() (muxpool.FileTransfer, error) {
	return nil, errors.New("not implemented")
}

func (ec *echoConnection) RequestRemoteForward(bindAddr string, bindPort int) (int, error) {
	if bindPort == 0 {
		return 42001, nil
	}
	return bindPort, nil
}

func (ec *echoConnection) CancelRemoteForward(bindAddr string, bindPort int) error {
	ec.lock.Lock()
	ec.cancelled = append(ec.cancelled, bindAddr)
	ec.lock.Unlock()
	return nil
}

func (ec *echoConnection) OnInboundTunnel(handler func(muxpool.InboundTunnel)) func() {
	ec.lock.Lock()
	id := ec.nextID
	ec.nextID++
	ec.inbound[id] = handler
	ec.lock.Unlock()
	return func() {
		ec.lock.Lock()
		delete(ec.inbound, id)
		ec.lock.Unlock()
	}
}

func (ec *echoConnection) OnClose(listener func(error)) func() {
	ec.lock.Lock()
	id := ec.nextID
	ec.nextID++
	ec.closeListeners[id] = listener
	ec.lock.Unlock()
	return func() {
		ec.lock.Lock()
		delete(ec.closeListeners, id)
		ec.lock.Unlock()
	}
}

func (ec *echoConnection) Dispose() error {
	ec.signalClose(nil)
	return nil
}

func (ec *echoConnection) signalClose(cause error) {
	ec.lock.Lock()
	if ec.closed {
		ec.lock.Unlock()
		return
	}
	ec.closed = true
	listeners := make([]func(error), 0, len(ec.closeListeners))
	for _, listener := range ec.closeListeners {
		listeners = append(listeners, listener)
	}
	ec.lock.Unlock()

	for _, listener := range listeners {
		listener(cause)
	}
}

func (ec *echoConnection) deliverInbound(t muxpool.InboundTunnel) {
	ec.lock.Lock()
	handlers := make([]func(muxpool.InboundTunnel), 0, len(ec.inbound))
	for _, handler := range ec.inbound {
		handlers = append(handlers, handler)
	}
	ec.lock.Unlock()

	for _, handler := range handlers {
		handler(t)
	}
}

func (ec *echoConnection) cancelCount() int {
	ec.lock.Lock()
	defer ec.lock.Unlock()
	return len(ec.cancelled)
}

type echoConnector struct {
	lock        sync.Mutex
	gate        chan struct{} // when set, Connect blocks until the gate closes
	connections []*echoConnection
}

func (c *echoConnector) Connect(server muxpool.ServerIdentity) (muxpool.RawConnection, error) {
	c.lock.Lock()
	gate := c.gate
	c.lock.Unlock()
	if gate != nil {
		<-gate
	}

	connection := newEchoConnection()
	c.lock.Lock()
	c.connections = append(c.connections, connection)
	c.lock.Unlock()
	return connection, nil
}

func (c *echoConnector) connection(i int) *echoConnection {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connections[i]
}

func newTestManager(t *testing.T) (*tunnel.Manager, *echoConnector) {
	t.Helper()

	connector := &echoConnector{}
	cp, err := muxpool.NewConnectionPool(&muxpool.PoolConfig{EnableMultiplexing: true}, connector)
	require.NoError(t, err)
	t.Cleanup(cp.Shutdown)

	manager := tunnel.NewManager(cp)
	t.Cleanup(manager.Shutdown)
	return manager, connector
}

func TestLocalForwardCarriesBytes(t *testing.T) {
	manager, _ := newTestManager(t)

	forward, err := manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	require.NoError(t, err)
	defer forward.Close()

	conn, err := net.Dial("tcp", forward.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	buffer := make([]byte, 5)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buffer)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buffer))
}

func TestLocalForwardDuplicateAddressRejected(t *testing.T) {
	manager, _ := newTestManager(t)

	forward, err := manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	require.NoError(t, err)
	defer forward.Close()

	_, err = manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	assert.Error(t, err)
}

func TestRemoteForwardDeliversToTarget(t *testing.T) {
	manager, connector := newTestManager(t)

	// Local echo service stands in for the forward target.
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		for {
			conn, err := target.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(conn, conn) }()
		}
	}()

	targetAddr := target.Addr().(*net.TCPAddr)
	forward, err := manager.OpenRemoteForward(
		muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1", 0, "127.0.0.1", targetAddr.Port)
	require.NoError(t, err)
	defer forward.Close()
	assert.Equal(t, 42001, forward.BoundPort())

	client, server := net.Pipe()
	connector.connection(0).deliverInbound(muxpool.InboundTunnel{
		BindAddr: "127.0.0.1",
		BindPort: 42001,
		Conn:     server,
	})

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buffer := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(client, buffer)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buffer))
	_ = client.Close()
}

func TestForwardCloseCancelsRemoteForward(t *testing.T) {
	manager, connector := newTestManager(t)

	forward, err := manager.OpenRemoteForward(
		muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1", 8022, "127.0.0.1", 9000)
	require.NoError(t, err)

	forward.Close()
	assert.Equal(t, 1, connector.connection(0).cancelCount())

	// Close twice is harmless.
	forward.Close()
	assert.Equal(t, 1, connector.connection(0).cancelCount())
}

func TestLostConnectionClosesForwardAndReportsError(t *testing.T) {
	manager, connector := newTestManager(t)

	forward, err := manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	require.NoError(t, err)
	addr := forward.Addr().String()

	connector.connection(0).signalClose(errors.New("network gone"))

	select {
	case err := <-manager.Errors():
		assert.Contains(t, err.Error(), "lost its connection")
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}

	assert.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownDuringForwardSetup(t *testing.T) {
	connector := &echoConnector{gate: make(chan struct{})}
	cp, err := muxpool.NewConnectionPool(&muxpool.PoolConfig{EnableMultiplexing: true}, connector)
	require.NoError(t, err)
	t.Cleanup(cp.Shutdown)

	manager := tunnel.NewManager(cp)

	setup := make(chan error, 1)
	go func() {
		_, err := manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
		setup <- err
	}()

	// The forward has reserved its key and is parked inside the connector;
	// Shutdown must cope with the placeholder and refuse the late install.
	time.Sleep(50 * time.Millisecond)
	manager.Shutdown()
	close(connector.gate)

	select {
	case err := <-setup:
		assert.ErrorIs(t, err, tunnel.ErrManagerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("forward setup did not resolve")
	}

	_, err = manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	assert.ErrorIs(t, err, tunnel.ErrManagerClosed)
}

func TestShutdownClosesAllForwards(t *testing.T) {
	manager, _ := newTestManager(t)

	forward, err := manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	require.NoError(t, err)
	addr := forward.Addr().String()

	manager.Shutdown()

	assert.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)

	_, err = manager.OpenLocalForward(muxpool.ServerIdentity{ID: "alpha"}, "127.0.0.1:0", "db.internal", 5432)
	assert.ErrorIs(t, err, tunnel.ErrManagerClosed)
}
