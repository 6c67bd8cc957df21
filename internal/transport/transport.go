package transport

import "context"

// Conn is one reliable, ordered message channel to a named peer.
//
// Recv's channel is closed when the link is lost or closed, whichever side
// initiated it. Send on a closed link returns ErrPeerClosed.
type Conn interface {
	PeerID() string
	Send(data []byte) error
	Recv() <-chan []byte
	Close() error
}

// Transport dials peers by ID and surfaces inbound links. One Transport is
// bound to one local peer identity.
type Transport interface {
	Connect(ctx context.Context, peerID string) (Conn, error)
	Accept() <-chan Conn
	Close() error
}

// Rendezvous is the discovery service peers use to find each other before
// any direct link exists. AllocateSession reserves a session ID, Announce
// registers a peer under one, and ListPeers reports the announce-ordered
// membership.
type Rendezvous interface {
	AllocateSession(ctx context.Context) (string, error)
	Announce(ctx context.Context, sessionID, peerID string) error
	ListPeers(ctx context.Context, sessionID string) ([]string, error)
}
