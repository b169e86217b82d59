package muxpool

import (
	"io"
	"net"
	"os"
)

// Connector performs the actual handshake/authentication against a server.
// The pool never retries a failed Connect; callers decide whether to retry.
type Connector interface {
	Connect(server ServerIdentity) (RawConnection, error)
}

// RawConnection is one live transport to a remote server. The pool entry is
// the only strong owner of a shared RawConnection; leases borrow it.
type RawConnection interface {
	// OpenShell opens an interactive shell channel as a byte stream.
	OpenShell() (io.ReadWriteCloser, error)

	// OpenDirectTCP opens a forwarded TCP channel to host:port as seen from the remote side.
	OpenDirectTCP(host string, port int) (net.Conn, error)

	// OpenFileTransfer opens the file-transfer subsystem.
	OpenFileTransfer() (FileTransfer, error)

	// RequestRemoteForward asks the remote to listen on bindAddr:bindPort and
	// returns the port actually bound (meaningful when bindPort is 0).
	RequestRemoteForward(bindAddr string, bindPort int) (int, error)

	// CancelRemoteForward stops a previously requested remote forward.
	CancelRemoteForward(bindAddr string, bindPort int) error

	// OnInboundTunnel registers a handler for connections arriving on remote
	// forwards. The returned cancel func unregisters it.
	OnInboundTunnel(handler func(InboundTunnel)) (cancel func())

	// OnClose registers a listener invoked once when the connection closes,
	// solicited or not. The returned cancel func unregisters it.
	OnClose(listener func(error)) (cancel func())

	// Dispose closes the connection and releases its resources.
	Dispose() error
}

// FileTransfer is the file access surface of a connection's transfer subsystem.
type FileTransfer interface {
	Open(path string) (io.ReadWriteCloser, error)
	Create(path string) (io.ReadWriteCloser, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Close() error
}

// InboundTunnel is a connection delivered by a remote forward.
type InboundTunnel struct {
	BindAddr string
	BindPort int
	Conn     net.Conn
}
