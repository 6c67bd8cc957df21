// Package memnet is an in-process transport and rendezvous fabric. Every
// peer in a test or demo run shares one Network; links are buffered channel
// pairs with close semantics matching the transport contract.
package memnet

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/danmuck/lockstep/internal/transport"
)

const (
	recvBuffer   = 256
	acceptBuffer = 16
)

// Network is the shared fabric. It implements transport.Rendezvous and
// hands out Endpoints that implement transport.Transport.
type Network struct {
	mu        sync.Mutex
	sessions  map[string][]string
	endpoints map[string]*Endpoint
}

func New() *Network {
	return &Network{
		sessions:  make(map[string][]string),
		endpoints: make(map[string]*Endpoint),
	}
}

func (n *Network) AllocateSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "sess-" + uuid.NewString()
	n.mu.Lock()
	n.sessions[id] = nil
	n.mu.Unlock()
	return id, nil
}

func (n *Network) Announce(ctx context.Context, sessionID, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	members, ok := n.sessions[sessionID]
	if !ok {
		return transport.ErrSessionUnknown
	}
	for _, id := range members {
		if id == peerID {
			return nil
		}
	}
	n.sessions[sessionID] = append(members, peerID)
	return nil
}

func (n *Network) ListPeers(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	members, ok := n.sessions[sessionID]
	if !ok {
		return nil, transport.ErrSessionUnknown
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// Endpoint registers peerID on the fabric and returns its transport. A
// second registration under the same ID replaces the first for dialing
// purposes; the first keeps its existing links.
func (n *Network) Endpoint(peerID string) *Endpoint {
	ep := &Endpoint{
		net:    n,
		peerID: peerID,
		accept: make(chan transport.Conn, acceptBuffer),
		links:  make(map[string]*link),
	}
	n.mu.Lock()
	n.endpoints[peerID] = ep
	n.mu.Unlock()
	return ep
}

// Detach unregisters peerID and closes every link it held. Later dials to
// it fail with ErrPeerUnknown until a new Endpoint is registered.
func (n *Network) Detach(peerID string) {
	n.mu.Lock()
	ep := n.endpoints[peerID]
	n.mu.Unlock()
	if ep != nil {
		_ = ep.Close()
	}
}

// Sever closes the link between two peers but leaves both endpoints
// registered, so either side may redial.
func (n *Network) Sever(a, b string) {
	n.mu.Lock()
	ep := n.endpoints[a]
	n.mu.Unlock()
	if ep == nil {
		return
	}
	ep.mu.Lock()
	l := ep.links[b]
	ep.mu.Unlock()
	if l != nil {
		l.shutdown()
	}
}

// Endpoint is one peer's attachment to the fabric.
type Endpoint struct {
	net    *Network
	peerID string
	accept chan transport.Conn

	mu     sync.Mutex
	closed bool
	links  map[string]*link
}

func (e *Endpoint) PeerID() string { return e.peerID }

func (e *Endpoint) Accept() <-chan transport.Conn { return e.accept }

func (e *Endpoint) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if peerID == e.peerID {
		return nil, transport.ErrPeerUnknown
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, transport.ErrClosed
	}
	e.mu.Unlock()

	e.net.mu.Lock()
	remote := e.net.endpoints[peerID]
	e.net.mu.Unlock()
	if remote == nil {
		return nil, transport.ErrPeerUnknown
	}

	l := &link{}
	local := &half{l: l, ep: e, remote: peerID, rx: make(chan []byte, recvBuffer)}
	far := &half{l: l, ep: remote, remote: e.peerID, rx: make(chan []byte, recvBuffer)}
	local.peer = far
	far.peer = local
	l.a, l.b = local, far

	oldLocal, ok := e.register(peerID, l)
	if !ok {
		return nil, transport.ErrClosed
	}
	oldFar, ok := remote.register(e.peerID, l)
	if !ok {
		e.forget(peerID, l)
		return nil, transport.ErrPeerUnknown
	}
	// A redial replaces any stale link in both directions.
	if oldLocal != nil {
		oldLocal.shutdown()
	}
	if oldFar != nil && oldFar != oldLocal {
		oldFar.shutdown()
	}

	select {
	case remote.accept <- far:
	default:
		l.shutdown()
		return nil, transport.ErrBackpressure
	}
	return local, nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	links := make([]*link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.links = make(map[string]*link)
	e.mu.Unlock()

	for _, l := range links {
		l.shutdown()
	}
	e.net.mu.Lock()
	if e.net.endpoints[e.peerID] == e {
		delete(e.net.endpoints, e.peerID)
	}
	e.net.mu.Unlock()
	return nil
}

func (e *Endpoint) register(remote string, l *link) (*link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	old := e.links[remote]
	e.links[remote] = l
	return old, true
}

func (e *Endpoint) forget(remote string, l *link) {
	e.mu.Lock()
	if e.links[remote] == l {
		delete(e.links, remote)
	}
	e.mu.Unlock()
}

// link is one channel pair; both halves share its closed flag so sends and
// teardown never race a closed rx channel.
type link struct {
	mu     sync.Mutex
	closed bool
	a, b   *half
}

func (l *link) shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.a.rx)
	close(l.b.rx)
	l.mu.Unlock()

	l.a.ep.forget(l.a.remote, l)
	l.b.ep.forget(l.b.remote, l)
}

type half struct {
	l      *link
	ep     *Endpoint
	peer   *half
	remote string
	rx     chan []byte
}

func (h *half) PeerID() string { return h.remote }

func (h *half) Recv() <-chan []byte { return h.rx }

func (h *half) Send(data []byte) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	if h.l.closed {
		return transport.ErrPeerClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case h.peer.rx <- buf:
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (h *half) Close() error {
	h.l.shutdown()
	return nil
}
