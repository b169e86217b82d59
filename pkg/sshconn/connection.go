package sshconn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/evdanil/nexterminal/pkg/muxpool"
)

// Connection adapts one *ssh.Client to the pool's RawConnection surface.
type Connection struct {
	client *ssh.Client

	connLock        *sync.Mutex
	remoteListeners map[string]net.Listener
	inboundHandlers map[uuid.UUID]func(muxpool.InboundTunnel)
	closeListeners  map[uuid.UUID]func(error)
	closed          bool
	closeErr        error
}

func newConnection(client *ssh.Client) *Connection {
	c := &Connection{
		client:          client,
		connLock:        &sync.Mutex{},
		remoteListeners: make(map[string]net.Listener),
		inboundHandlers: make(map[uuid.UUID]func(muxpool.InboundTunnel)),
		closeListeners:  make(map[uuid.UUID]func(error)),
	}

	// Wait returns when the transport dies, solicited or not.
	go func() {
		err := client.Wait()
		c.fireClosed(err)
	}()

	return c
}

// OpenShell opens a pty-backed interactive shell as a single byte stream.
func (c *Connection) OpenShell() (io.ReadWriteCloser, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, translateChannelError(err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err = session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		_ = session.Close()
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	if err = session.Shell(); err != nil {
		_ = session.Close()
		return nil, err
	}

	return &shellStream{Reader: stdout, stdin: stdin, session: session}, nil
}

// OpenDirectTCP opens a direct-tcpip channel to host:port.
func (c *Connection) OpenDirectTCP(host string, port int) (net.Conn, error) {
	conn, err := c.client.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, translateChannelError(err)
	}
	return conn, nil
}

// OpenFileTransfer opens the sftp subsystem.
func (c *Connection) OpenFileTransfer() (muxpool.FileTransfer, error) {
	client, err := sftpNewClient(c.client)
	if err != nil {
		return nil, translateChannelError(err)
	}
	return &fileTransfer{Client: client}, nil
}

// RequestRemoteForward asks the remote to listen on bindAddr:bindPort.
// Inbound connections are delivered to the registered tunnel handlers.
func (c *Connection) RequestRemoteForward(bindAddr string, bindPort int) (int, error) {
	listener, err := c.client.Listen("tcp", net.JoinHostPort(bindAddr, strconv.Itoa(bindPort)))
	if err != nil {
		return 0, translateForwardError(err)
	}

	boundPort := bindPort
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		boundPort = tcpAddr.Port
	}

	key := forwardKey(bindAddr, bindPort)
	c.connLock.Lock()
	if c.closed {
		c.connLock.Unlock()
		_ = listener.Close()
		return 0, translateForwardError(fmt.Errorf("connection closed"))
	}
	c.remoteListeners[key] = listener
	c.connLock.Unlock()

	go c.acceptInbound(listener, bindAddr, boundPort)

	return boundPort, nil
}

// CancelRemoteForward stops the forward registered for bindAddr:bindPort.
func (c *Connection) CancelRemoteForward(bindAddr string, bindPort int) error {
	key := forwardKey(bindAddr, bindPort)

	c.connLock.Lock()
	listener, ok := c.remoteListeners[key]
	delete(c.remoteListeners, key)
	c.connLock.Unlock()

	if !ok {
		return fmt.Errorf("no remote forward registered for %s", key)
	}
	return listener.Close()
}

// OnInboundTunnel registers a handler for connections arriving on remote forwards.
func (c *Connection) OnInboundTunnel(handler func(muxpool.InboundTunnel)) (cancel func()) {
	id := uuid.New()

	c.connLock.Lock()
	c.inboundHandlers[id] = handler
	c.connLock.Unlock()

	return func() {
		c.connLock.Lock()
		delete(c.inboundHandlers, id)
		c.connLock.Unlock()
	}
}

// OnClose registers a listener invoked once when the transport dies. A
// listener registered after the fact is invoked immediately.
func (c *Connection) OnClose(listener func(error)) (cancel func()) {
	c.connLock.Lock()
	if c.closed {
		closeErr := c.closeErr
		c.connLock.Unlock()
		listener(closeErr)
		return func() {}
	}

	id := uuid.New()
	c.closeListeners[id] = listener
	c.connLock.Unlock()

	return func() {
		c.connLock.Lock()
		delete(c.closeListeners, id)
		c.connLock.Unlock()
	}
}

// Dispose closes every remote forward and the underlying client.
func (c *Connection) Dispose() error {
	c.connLock.Lock()
	listeners := make([]net.Listener, 0, len(c.remoteListeners))
	for key, listener := range c.remoteListeners {
		listeners = append(listeners, listener)
		delete(c.remoteListeners, key)
	}
	c.connLock.Unlock()

	for _, listener := range listeners {
		_ = listener.Close()
	}
	return c.client.Close()
}

func (c *Connection) acceptInbound(listener net.Listener, bindAddr string, boundPort int) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		c.connLock.Lock()
		handlers := make([]func(muxpool.InboundTunnel), 0, len(c.inboundHandlers))
		for _, handler := range c.inboundHandlers {
			handlers = append(handlers, handler)
		}
		c.connLock.Unlock()

		tunnel := muxpool.InboundTunnel{BindAddr: bindAddr, BindPort: boundPort, Conn: conn}
		for _, handler := range handlers {
			handler(tunnel)
		}
	}
}

func (c *Connection) fireClosed(cause error) {
	c.connLock.Lock()
	if c.closed {
		c.connLock.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	listeners := make([]func(error), 0, len(c.closeListeners))
	for _, listener := range c.closeListeners {
		listeners = append(listeners, listener)
	}
	c.connLock.Unlock()

	for _, listener := range listeners {
		listener(cause)
	}
}

func forwardKey(bindAddr string, bindPort int) string {
	return net.JoinHostPort(bindAddr, strconv.Itoa(bindPort))
}

// shellStream glues a session's pipes into one io.ReadWriteCloser.
type shellStream struct {
	io.Reader
	stdin   io.WriteCloser
	session *ssh.Session
}

func (s *shellStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *shellStream) Close() error {
	_ = s.stdin.Close()
	return s.session.Close()
}

// translateChannelError maps SSH channel rejections onto the pool's fallback
// classification so a reused connection's administrative limits can trigger a
// standalone retry while genuine connection-refused failures cannot.
func translateChannelError(err error) error {
	var channelErr *ssh.OpenChannelError
	if !errors.As(err, &channelErr) {
		return err
	}

	switch channelErr.Reason {
	case ssh.Prohibited:
		return fmt.Errorf("%w: %v", muxpool.ErrChannelProhibited, err)
	case ssh.ResourceShortage:
		return fmt.Errorf("%w: %v", muxpool.ErrChannelResourceShortage, err)
	case ssh.ConnectionFailed:
		return fmt.Errorf("%w: %v", muxpool.ErrChannelRefused, err)
	default:
		return err
	}
}

// translateForwardError classifies tcpip-forward denials. The ssh package
// reports a peer denial as a plain error string, so match on it.
func translateForwardError(err error) error {
	if strings.Contains(err.Error(), "denied") {
		return fmt.Errorf("%w: %v", muxpool.ErrChannelProhibited, err)
	}
	return err
}
