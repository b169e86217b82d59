package muxpool_test

import (
	"io"
	"net"
	"os"
	"sync"

	"github.com/evdanil/nexterminal/pkg/muxpool"
)

// fakeConnection is an in-memory RawConnection for driving the pool.
type fakeConnection struct {
	index int

	lock           sync.Mutex
	disposed       bool
	closed         bool
	closeErr       error
	nextID         int
	closeListeners map[int]func(error)
	inbound        map[int]func(muxpool.InboundTunnel)

	shellErr    error
	directErr   error
	transferErr error
	forwardErr  error

	inboundGate     chan struct{} // when set, OnInboundTunnel parks until the gate closes
	inboundArrivals chan struct{} // when set, OnInboundTunnel announces reaching the gate

	shellOpens    int
	directOpens   int
	forwardCalls  int
	cancelledFwds []string
}

func newFakeConnection(index int) *fakeConnection {
	return &fakeConnection{
		index:          index,
		closeListeners: make(map[int]func(error)),
		inbound:        make(map[int]func(muxpool.InboundTunnel)),
	}
}

func (fc *fakeConnection) OpenShell() (io.ReadWriteCloser, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	if fc.shellErr != nil {
		return nil, fc.shellErr
	}
	fc.shellOpens++
	return nopStream{}, nil
}

func (fc *fakeConnection) OpenDirectTCP(host string, port int) (net.Conn, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	if fc.directErr != nil {
		return nil, fc.directErr
	}
	fc.directOpens++
	client, server := net.Pipe()
	go func() { _, _ = io.Copy(server, server) }() // echo
	return client, nil
}

func (fc *fakeConnection) OpenFileTransfer() (muxpool.FileTransfer, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	if fc.transferErr != nil {
		return nil, fc.transferErr
	}
	return fakeFileTransfer{}, nil
}

func (fc *fakeConnection) RequestRemoteForward(bindAddr string, bindPort int) (int, error) {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	if fc.forwardErr != nil {
		return 0, fc.forwardErr
	}
	fc.forwardCalls++
	if bindPort == 0 {
		return 42000 + fc.forwardCalls, nil
	}
	return bindPort, nil
}

func (fc *fakeConnection) CancelRemoteForward(bindAddr string, bindPort int) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.cancelledFwds = append(fc.cancelledFwds, bindAddr)
	return nil
}

func (fc *fakeConnection) OnInboundTunnel(handler func(muxpool.InboundTunnel)) func() {
	fc.lock.Lock()
	gate := fc.inboundGate
	arrivals := fc.inboundArrivals
	fc.lock.Unlock()
	if gate != nil {
		if arrivals != nil {
			arrivals <- struct{}{}
		}
		<-gate
	}

	fc.lock.Lock()
	defer fc.lock.Unlock()

	id := fc.nextID
	fc.nextID++
	fc.inbound[id] = handler
	return func() {
		fc.lock.Lock()
		delete(fc.inbound, id)
		fc.lock.Unlock()
	}
}

func (fc *fakeConnection) OnClose(listener func(error)) func() {
	fc.lock.Lock()
	if fc.closed {
		closeErr := fc.closeErr
		fc.lock.Unlock()
		listener(closeErr)
		return func() {}
	}

	id := fc.nextID
	fc.nextID++
	fc.closeListeners[id] = listener
	fc.lock.Unlock()

	return func() {
		fc.lock.Lock()
		delete(fc.closeListeners, id)
		fc.lock.Unlock()
	}
}

func (fc *fakeConnection) Dispose() error {
	fc.lock.Lock()
	if fc.disposed {
		fc.lock.Unlock()
		return nil
	}
	fc.disposed = true
	fc.lock.Unlock()

	fc.signalClose(nil)
	return nil
}

// signalClose simulates the transport dropping, firing close listeners once.
func (fc *fakeConnection) signalClose(cause error) {
	fc.lock.Lock()
	if fc.closed {
		fc.lock.Unlock()
		return
	}
	fc.closed = true
	fc.closeErr = cause
	listeners := make([]func(error), 0, len(fc.closeListeners))
	for _, listener := range fc.closeListeners {
		listeners = append(listeners, listener)
	}
	fc.lock.Unlock()

	for _, listener := range listeners {
		listener(cause)
	}
}

// deliverInbound pushes a tunnel at every registered inbound handler.
func (fc *fakeConnection) deliverInbound(tunnel muxpool.InboundTunnel) int {
	fc.lock.Lock()
	handlers := make([]func(muxpool.InboundTunnel), 0, len(fc.inbound))
	for _, handler := range fc.inbound {
		handlers = append(handlers, handler)
	}
	fc.lock.Unlock()

	for _, handler := range handlers {
		handler(tunnel)
	}
	return len(handlers)
}

func (fc *fakeConnection) isDisposed() bool {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.disposed
}

func (fc *fakeConnection) inboundHandlerCount() int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return len(fc.inbound)
}

// fakeConnector hands out fakeConnections and counts handshakes.
type fakeConnector struct {
	lock         sync.Mutex
	connections  []*fakeConnection
	connectCount int
	connectErr   error
	prepare      func(*fakeConnection)
	gate         chan struct{} // when set, Connect blocks until the gate closes
	gateArrivals chan struct{} // when set, Connect announces reaching the gate
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{}
}

func (fc *fakeConnector) Connect(server muxpool.ServerIdentity) (muxpool.RawConnection, error) {
	fc.lock.Lock()
	gate := fc.gate
	arrivals := fc.gateArrivals
	fc.lock.Unlock()
	if gate != nil {
		if arrivals != nil {
			arrivals <- struct{}{}
		}
		<-gate
	}

	fc.lock.Lock()
	defer fc.lock.Unlock()

	fc.connectCount++
	if fc.connectErr != nil {
		return nil, fc.connectErr
	}

	connection := newFakeConnection(fc.connectCount)
	if fc.prepare != nil {
		fc.prepare(connection)
	}
	fc.connections = append(fc.connections, connection)
	return connection, nil
}

func (fc *fakeConnector) count() int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.connectCount
}

func (fc *fakeConnector) connection(i int) *fakeConnection {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.connections[i]
}

type nopStream struct{}

func (nopStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }

type fakeFileTransfer struct{}

func (fakeFileTransfer) Open(path string) (io.ReadWriteCloser, error)   { return nopStream{}, nil }
func (fakeFileTransfer) Create(path string) (io.ReadWriteCloser, error) { return nopStream{}, nil }
func (fakeFileTransfer) ReadDir(path string) ([]os.FileInfo, error)     { return nil, nil }
func (fakeFileTransfer) Mkdir(path string) error                        { return nil }
func (fakeFileTransfer) Remove(path string) error                       { return nil }
func (fakeFileTransfer) Rename(oldPath, newPath string) error           { return nil }
func (fakeFileTransfer) Close() error                                   { return nil }

func pooledConfig(idleMs uint32) *muxpool.PoolConfig {
	return &muxpool.PoolConfig{
		ApplicationName:         "muxpool-test",
		EnableMultiplexing:      true,
		IdleTimeoutMilliseconds: idleMs,
	}
}
