package transport

import "errors"

var (
	// ErrPeerClosed reports a send or dial against a link the remote side
	// has already torn down.
	ErrPeerClosed = errors.New("transport: peer link closed")

	// ErrPeerUnknown reports a dial to a peer ID the fabric has never seen.
	ErrPeerUnknown = errors.New("transport: unknown peer")

	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("transport: transport closed")

	// ErrSessionUnknown reports a rendezvous call against a session ID that
	// was never allocated.
	ErrSessionUnknown = errors.New("transport: unknown session")

	// ErrBackpressure reports a send dropped because the receiver's queue
	// was full.
	ErrBackpressure = errors.New("transport: send queue full")
)
