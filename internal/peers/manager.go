package peers

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/lockstep/internal/faults"
	"github.com/danmuck/lockstep/internal/observability"
	"github.com/danmuck/lockstep/internal/transport"
)

// ErrNotConnected reports a send to a peer with no live link.
var ErrNotConnected = errors.New("peers: peer not connected")

// Sink receives connection lifecycle outcomes and inbound payloads.
// Implementations must not block; the coordinator posts onto its apply
// loop and returns.
type Sink interface {
	PeerUp(peer Peer)
	PeerDown(peer Peer, cause *faults.PeerError)
	StateChange(peer Peer, from ConnState)
	Inbound(peerID string, data []byte)
}

// Manager drives every peer link through the connection state machine:
// dial with bounded retries, demote on link loss or liveness expiry,
// remove after the retry budget is spent.
type Manager struct {
	cfg   Config
	self  string
	tr    transport.Transport
	table *Table
	sink  Sink
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	runners map[string]*runner
}

// runner is the per-peer goroutine handle. Dialer runners re-establish
// lost links themselves; acceptor runners wait for the remote side to
// redial and hand the replacement in through incoming.
//
// When both sides dial each other at once, the lower peer ID keeps its
// dial and the higher side adopts the inbound link, flipping its runner
// to acceptor mode. Without one deterministic owner per pair, each
// side's fresh dial severs the other's and the link never settles.
type runner struct {
	cancel   context.CancelFunc
	incoming chan transport.Conn

	mu     sync.Mutex
	conn   transport.Conn
	dialer bool
	cause  *faults.PeerError
}

func (r *runner) setConn(c transport.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

func (r *runner) isDialer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialer
}

func (r *runner) setDialer(d bool) {
	r.mu.Lock()
	r.dialer = d
	r.mu.Unlock()
}

func (r *runner) currentConn() transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *runner) setCause(pe *faults.PeerError) {
	r.mu.Lock()
	if r.cause == nil {
		r.cause = pe
	}
	r.mu.Unlock()
}

func (r *runner) takeCause() *faults.PeerError {
	r.mu.Lock()
	defer r.mu.Unlock()
	pe := r.cause
	r.cause = nil
	return pe
}

func NewManager(cfg Config, self string, tr transport.Transport, table *Table, sink Sink) *Manager {
	return &Manager{
		cfg:     cfg,
		self:    self,
		tr:      tr,
		table:   table,
		sink:    sink,
		log:     observability.ComponentLogger("peers"),
		runners: make(map[string]*runner),
	}
}

// Start spawns the accept loop and the liveness watchdog. The manager
// stops when ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.acceptLoop()
	go m.watchdog()
}

// Connect starts driving a link to peerID. Idempotent while a runner for
// that peer is alive; a no-op once the manager is closed.
func (m *Manager) Connect(peerID string, role Role) {
	if peerID == "" || peerID == m.self {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.runners[peerID]; ok {
		m.mu.Unlock()
		return
	}
	rctx, rcancel := context.WithCancel(m.ctx)
	r := &runner{cancel: rcancel, dialer: true, incoming: make(chan transport.Conn, 1)}
	m.runners[peerID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	m.table.Upsert(Peer{ID: peerID, Role: role, State: StateIdle})
	go m.runPeer(rctx, r, peerID, nil)
}

// adopt takes ownership of an inbound link. A replacement for a tracked
// peer is handed to its runner; an unknown peer gets a fresh acceptor
// runner with the guest role. An inbound link that collides with our own
// dial to the same peer is resolved by ID order: the lower side keeps
// dialing and closes the inbound, the higher side adopts it.
func (m *Manager) adopt(conn transport.Conn) {
	peerID := conn.PeerID()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	if r, ok := m.runners[peerID]; ok {
		m.mu.Unlock()
		if r.isDialer() && m.self < peerID {
			_ = conn.Close()
			return
		}
		select {
		case r.incoming <- conn:
		default:
			_ = conn.Close()
		}
		return
	}
	rctx, rcancel := context.WithCancel(m.ctx)
	r := &runner{cancel: rcancel, incoming: make(chan transport.Conn, 1)}
	m.runners[peerID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	m.table.Upsert(Peer{ID: peerID, Role: RoleGuest, State: StateIdle})
	go m.runPeer(rctx, r, peerID, conn)
}

func (m *Manager) runPeer(ctx context.Context, r *runner, peerID string, conn transport.Conn) {
	defer m.wg.Done()
	everConnected := false
	rng := rand.New(rand.NewSource(rand.Int63()))

	for {
		if ctx.Err() != nil {
			return
		}
		if conn == nil {
			if everConnected {
				m.transition(peerID, StateReconnecting)
			} else {
				m.transition(peerID, StateConnecting)
			}
			var err error
			if r.isDialer() {
				conn, err = m.redial(ctx, r, peerID, rng)
			} else {
				conn, err = m.awaitAccept(ctx, r)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.finish(peerID, everConnected, err)
				return
			}
		}

		everConnected = true
		r.setConn(conn)
		m.table.MarkAttempt(peerID, 0, "")
		m.table.Touch(peerID, time.Now())
		peer, from, ok := m.table.SetState(peerID, StateConnected)
		if !ok {
			_ = conn.Close()
			return
		}
		observability.SetConnectedPeers(len(m.table.Connected()))
		m.log.Info().Str("peer", peerID).Str("from", from.String()).Msg("peer connected")
		m.sink.StateChange(peer, from)
		m.sink.PeerUp(peer)

		conn = m.pump(ctx, r, peerID, conn)
		_ = conn.Close()
		r.setConn(nil)
		conn = nil
		if ctx.Err() != nil {
			return
		}
		cause := r.takeCause()
		if cause == nil {
			cause = faults.Wrap(faults.OpRecv, peerID, transport.ErrPeerClosed)
		}
		if !faults.Retryable(cause.Kind) {
			m.finish(peerID, everConnected, cause)
			return
		}
		observability.RecordReconnect(string(cause.Kind))
		m.log.Warn().Str("peer", peerID).Str("kind", string(cause.Kind)).Msg("peer link lost")
	}
}

// redial runs the bounded backoff budget for one outage. A link the
// remote side dialed in the meantime preempts the budget, and a fault
// the retry policy rules out stops it early.
func (m *Manager) redial(ctx context.Context, r *runner, peerID string, rng *rand.Rand) (transport.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Backoff.MaxAttempts; attempt++ {
		select {
		case conn := <-r.incoming:
			r.setDialer(false)
			return conn, nil
		default:
		}
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		conn, err := m.tr.Connect(dctx, peerID)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		m.table.MarkAttempt(peerID, attempt, err.Error())
		m.log.Debug().Str("peer", peerID).Int("attempt", attempt).Err(err).Msg("dial failed")
		kind := faults.KindOf(err)
		if kind == faults.KindUnknown {
			kind = faults.Classify(faults.OpDial, err)
		}
		if !faults.Retryable(kind) {
			return nil, err
		}
		if attempt == m.cfg.Backoff.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case conn := <-r.incoming:
			r.setDialer(false)
			return conn, nil
		case <-time.After(NextDelay(m.cfg.Backoff, attempt, rng)):
		}
	}
	return nil, lastErr
}

// awaitAccept waits for the remote side to redial. The dead window bounds
// the wait so an acceptor peer cannot linger in Reconnecting forever.
func (m *Manager) awaitAccept(ctx context.Context, r *runner) (transport.Conn, error) {
	select {
	case conn := <-r.incoming:
		return conn, nil
	case <-time.After(m.cfg.DeadAfter):
		return nil, errors.New("peers: no replacement link within dead window")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump relays inbound payloads until the link drops, switching to a
// replacement link the remote side dialed mid-stream. It returns the
// conn it last held so the caller closes the right one.
func (m *Manager) pump(ctx context.Context, r *runner, peerID string, conn transport.Conn) transport.Conn {
	for {
		select {
		case <-ctx.Done():
			return conn
		case replacement := <-r.incoming:
			_ = conn.Close()
			conn = replacement
			r.setDialer(false)
			r.setConn(conn)
			m.table.Touch(peerID, time.Now())
		case data, ok := <-conn.Recv():
			if !ok {
				return conn
			}
			m.table.Touch(peerID, time.Now())
			m.sink.Inbound(peerID, data)
		}
	}
}

func (m *Manager) transition(peerID string, to ConnState) {
	peer, from, ok := m.table.SetState(peerID, to)
	if !ok || from == to {
		return
	}
	m.sink.StateChange(peer, from)
}

// finish retires a peer whose retry budget is spent. A peer that never
// reached Connected reports connection_failed; a previously connected one
// reports peer_disconnected.
func (m *Manager) finish(peerID string, everConnected bool, cause error) {
	m.mu.Lock()
	if r, ok := m.runners[peerID]; ok {
		delete(m.runners, peerID)
		r.cancel()
	}
	m.mu.Unlock()

	peer, from, ok := m.table.SetState(peerID, StateDisconnected)
	if !ok {
		return
	}
	m.sink.StateChange(peer, from)
	m.table.Remove(peerID)
	observability.SetConnectedPeers(len(m.table.Connected()))

	kind := faults.KindConnectionFailed
	if everConnected {
		kind = faults.KindPeerDisconnected
	}
	pe := &faults.PeerError{Kind: kind, Origin: peerID, Err: cause}
	m.log.Warn().Str("peer", peerID).Str("kind", string(kind)).Err(cause).Msg("peer removed")
	m.sink.PeerDown(peer, pe)
}

// demote severs the current link so the runner re-enters its reconnect
// path with the given cause attached.
func (m *Manager) demote(peerID string, cause *faults.PeerError) {
	m.mu.Lock()
	r := m.runners[peerID]
	m.mu.Unlock()
	if r == nil {
		return
	}
	r.setCause(cause)
	if c := r.currentConn(); c != nil {
		_ = c.Close()
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case conn, ok := <-m.tr.Accept():
			if !ok {
				return
			}
			if conn.PeerID() == m.self {
				_ = conn.Close()
				continue
			}
			m.adopt(conn)
		}
	}
}

// watchdog enforces the liveness window: a connected peer with no traffic
// for DeadAfter is demoted and its link re-established.
func (m *Manager) watchdog() {
	defer m.wg.Done()
	interval := m.cfg.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range m.table.List() {
				if p.State != StateConnected {
					continue
				}
				if p.LastSeen.IsZero() || now.Sub(p.LastSeen) <= m.cfg.DeadAfter {
					continue
				}
				observability.RecordHeartbeatTimeout()
				m.log.Warn().Str("peer", p.ID).Time("last_seen", p.LastSeen).Msg("liveness window expired")
				m.demote(p.ID, faults.New(faults.KindTimeout, p.ID, "no traffic within dead window"))
			}
		}
	}
}

// Send delivers one payload to a connected peer. A delivery failure
// demotes the link and surfaces as a data_channel fault.
func (m *Manager) Send(peerID string, data []byte) error {
	m.mu.Lock()
	r := m.runners[peerID]
	m.mu.Unlock()
	var conn transport.Conn
	if r != nil {
		conn = r.currentConn()
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(data); err != nil {
		pe := faults.Wrap(faults.OpSend, peerID, err)
		m.demote(peerID, pe)
		return pe
	}
	return nil
}

// Broadcast best-effort delivers to every connected peer and reports how
// many sends succeeded.
func (m *Manager) Broadcast(data []byte) int {
	sent := 0
	for _, id := range m.table.Connected() {
		if err := m.Send(id, data); err == nil {
			sent++
		}
	}
	return sent
}

// Drop removes a peer deliberately, for peer_leave notices and targeted
// teardown. The sink sees the terminal transition and the given cause.
func (m *Manager) Drop(peerID string, cause *faults.PeerError) {
	m.mu.Lock()
	r, ok := m.runners[peerID]
	if ok {
		delete(m.runners, peerID)
	}
	m.mu.Unlock()
	if ok {
		r.cancel()
		if c := r.currentConn(); c != nil {
			_ = c.Close()
		}
	}

	peer, exists := m.table.Remove(peerID)
	if !exists {
		return
	}
	from := peer.State
	peer.State = StateDisconnected
	observability.SetConnectedPeers(len(m.table.Connected()))
	m.sink.StateChange(peer, from)
	m.sink.PeerDown(peer, cause)
}

// Close cancels every runner and waits for their goroutines. The manager
// context is cancelled first, so teardown emits nothing to the sink.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	m.closed = true
	runners := make([]*runner, 0, len(m.runners))
	for id, r := range m.runners {
		delete(m.runners, id)
		runners = append(runners, r)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.cancel()
		if c := r.currentConn(); c != nil {
			_ = c.Close()
		}
	}
	m.wg.Wait()
}
