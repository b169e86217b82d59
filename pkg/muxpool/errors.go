package muxpool

import "errors"

var (
	// ErrConnectionPoolClosed is returned when a connection pool shutdown has been triggered.
	// You can check for this error with errors.Is.
	ErrConnectionPoolClosed = errors.New("connection pool closed")

	// ErrLeaseClosed is returned by every operation on a disposed lease.
	ErrLeaseClosed = errors.New("lease is already disposed")

	// ErrChannelProhibited wraps a channel open administratively rejected by the remote.
	ErrChannelProhibited = errors.New("channel open administratively prohibited")

	// ErrChannelResourceShortage wraps a channel open rejected for lack of remote resources.
	ErrChannelResourceShortage = errors.New("channel open failed on resource shortage")

	// ErrChannelRefused wraps a channel open the remote service itself refused.
	// A fresh transport would fail identically, so it never triggers fallback.
	ErrChannelRefused = errors.New("channel open connection refused")
)

// ChannelRejected reports whether err is a channel rejection that a private,
// unshared connection could plausibly get past.
func ChannelRejected(err error) bool {
	return errors.Is(err, ErrChannelProhibited) || errors.Is(err, ErrChannelResourceShortage)
}
