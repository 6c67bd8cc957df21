package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/lockstep/internal/events"
	"github.com/danmuck/lockstep/internal/faults"
	"github.com/danmuck/lockstep/internal/observability"
	"github.com/danmuck/lockstep/internal/peers"
	"github.com/danmuck/lockstep/internal/playback"
	"github.com/danmuck/lockstep/internal/protocol"
	"github.com/danmuck/lockstep/internal/transport"
)

// Session identifies one open session. Zero value means none is open.
type Session struct {
	ID        string
	HostID    string
	SelfID    string
	CreatedAt time.Time
}

// Coordinator is the facade the embedding player talks to. At most one
// session is open at a time; create/join/leave guard that invariant.
//
// Membership and canonical-state effects are serialized through one apply
// loop. Peer I/O goroutines and the heartbeat ticker only post into it.
type Coordinator struct {
	cfg  Config
	self string
	tr   transport.Transport
	rv   transport.Rendezvous
	bus  *events.Bus
	log  zerolog.Logger

	mu        sync.Mutex
	active    bool
	wired     bool
	sessionID string
	hostID    string
	createdAt time.Time
	engine    *playback.Engine
	table     *peers.Table
	mgr       *peers.Manager
	loop      chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	joinReady chan struct{}
}

func New(cfg Config, tr transport.Transport, rv transport.Rendezvous) *Coordinator {
	cfg = cfg.withDefaults()
	if cfg.SelfID == "" {
		cfg.SelfID = "peer-" + uuid.NewString()
	}
	return &Coordinator{
		cfg:  cfg,
		self: cfg.SelfID,
		tr:   tr,
		rv:   rv,
		bus:  events.NewBus(),
		log:  observability.ComponentLogger("session"),
	}
}

// CreateSession allocates a session at the rendezvous service and makes
// the local peer its host. Rendezvous failures surface as server faults.
func (c *Coordinator) CreateSession(ctx context.Context) (string, error) {
	if err := c.unsupported(); err != nil {
		return "", err
	}
	if err := c.reserve(); err != nil {
		return "", err
	}
	sid, err := c.rv.AllocateSession(ctx)
	if err == nil {
		err = c.rv.Announce(ctx, sid, c.self)
	}
	if err != nil {
		c.release()
		pe := faults.Wrap(faults.OpRendezvous, "", err)
		c.bus.Publish(events.TopicError, events.ErrorEvent{Err: pe})
		return "", pe
	}
	if !c.begin(sid, c.self) {
		return "", ErrJoinAborted
	}
	c.log.Info().Str("session", sid).Str("self", c.self).Msg("session created")
	return sid, nil
}

// JoinSession looks the session up, announces the local peer, and dials
// every listed member. It returns once the host link is connected, or
// fails with a timeout fault when JoinTimeout elapses first.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID string) error {
	if err := c.unsupported(); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return faults.New(faults.KindConnectionFailed, "", "empty session id")
	}
	if err := c.reserve(); err != nil {
		return err
	}

	jctx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	listed, err := c.rv.ListPeers(jctx, sessionID)
	if err == nil {
		if len(listed) == 0 {
			err = fmt.Errorf("no peers registered for session %s", sessionID)
		} else {
			err = c.rv.Announce(jctx, sessionID, c.self)
		}
	}
	if err != nil {
		c.release()
		pe := &faults.PeerError{Kind: joinFailureKind(err), Err: err}
		c.bus.Publish(events.TopicError, events.ErrorEvent{Err: pe})
		return pe
	}

	// The creator announces first, so the head of the list is the host.
	hostID := listed[0]
	if !c.begin(sessionID, hostID) {
		return ErrJoinAborted
	}

	ready := make(chan struct{})
	c.mu.Lock()
	c.joinReady = ready
	mgr := c.mgr
	sctx := c.ctx
	c.mu.Unlock()

	for _, pid := range listed {
		if pid == c.self {
			continue
		}
		role := peers.RoleGuest
		if pid == hostID {
			role = peers.RoleHost
		}
		mgr.Connect(pid, role)
	}

	select {
	case <-ready:
	case <-jctx.Done():
		c.teardown(false)
		pe := &faults.PeerError{Kind: joinFailureKind(jctx.Err()), Origin: hostID, Err: jctx.Err()}
		c.bus.Publish(events.TopicError, events.ErrorEvent{Err: pe})
		return pe
	case <-sctx.Done():
		return ErrJoinAborted
	}

	// Announce our arrival so peers that raced the membership listing
	// still find us.
	c.post(func() { c.announceJoin() })
	c.log.Info().Str("session", sessionID).Str("self", c.self).Str("host", hostID).Msg("session joined")
	return nil
}

// joinFailureKind maps join-stage failures: deadline expiry is a timeout,
// everything else a connection failure.
func joinFailureKind(err error) faults.Kind {
	if k := faults.Classify(faults.OpDial, err); k == faults.KindTimeout {
		return k
	}
	return faults.KindConnectionFailed
}

// LeaveSession tears down every peer connection, emits a final
// peer_disconnected per remaining peer, and clears the session. Calling
// it with no session open is a no-op.
func (c *Coordinator) LeaveSession() error {
	if err := c.unsupported(); err != nil {
		return err
	}
	c.teardown(true)
	return nil
}

// Disconnect is an alias for LeaveSession.
func (c *Coordinator) Disconnect() error { return c.LeaveSession() }

// Broadcast best-effort delivers one message to every connected peer.
// With no session or no peers connected it is a silent no-op.
func (c *Coordinator) Broadcast(msg protocol.SyncMessage) error {
	if err := c.unsupported(); err != nil {
		return err
	}
	c.mu.Lock()
	active, mgr := c.active, c.mgr
	c.mu.Unlock()
	if !active || mgr == nil {
		return nil
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	mgr.Broadcast(data)
	return nil
}

// SendTo unicasts one message. An absent peer is logged and dropped,
// mirroring Broadcast's best-effort contract; reconciliation through
// heartbeats covers the gap.
func (c *Coordinator) SendTo(peerID string, msg protocol.SyncMessage) error {
	if err := c.unsupported(); err != nil {
		return err
	}
	c.mu.Lock()
	active, mgr := c.active, c.mgr
	c.mu.Unlock()
	if !active || mgr == nil {
		return nil
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := mgr.Send(peerID, data); err != nil {
		c.log.Debug().Str("peer", peerID).Err(err).Msg("unicast dropped")
	}
	return nil
}

func (c *Coordinator) SelfID() string { return c.self }

// Events returns the bus carrying peer, sync, state, and error topics.
// Subscriptions survive leave and rejoin.
func (c *Coordinator) Events() *events.Bus { return c.bus }

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Session returns the open session's identity.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return Session{}
	}
	return Session{ID: c.sessionID, HostID: c.hostID, SelfID: c.self, CreatedAt: c.createdAt}
}

func (c *Coordinator) HostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID
}

func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.hostID == c.self
}

// IsConnected reports whether sync is live: the host is connected to its
// session; a guest is connected once its host link is up.
func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	active, hostID, table := c.active, c.hostID, c.table
	c.mu.Unlock()
	if !active {
		return false
	}
	if hostID == c.self {
		return true
	}
	if table == nil {
		return false
	}
	host, ok := table.Get(hostID)
	return ok && host.State == peers.StateConnected
}

// ConnectedPeers returns the IDs of peers with a live link, ordered.
func (c *Coordinator) ConnectedPeers() []string {
	c.mu.Lock()
	active, table := c.active, c.table
	c.mu.Unlock()
	if !active || table == nil {
		return nil
	}
	return table.Connected()
}

// State returns the reconciled playback snapshot, zero when no session is
// open.
func (c *Coordinator) State() playback.State {
	c.mu.Lock()
	active, engine := c.active, c.engine
	c.mu.Unlock()
	if !active || engine == nil {
		return playback.State{}
	}
	return engine.State()
}

func (c *Coordinator) unsupported() error {
	if !c.cfg.Disabled {
		return nil
	}
	reason := c.cfg.DisabledReason
	if reason == "" {
		reason = "sync capability disabled in this build"
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, reason)
}

func (c *Coordinator) reserve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrSessionActive
	}
	c.active = true
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// begin wires up the per-session machinery: engine, peer manager, apply
// loop, heartbeat ticker. It reports false when a concurrent leave
// consumed the reservation first, in which case nothing was wired.
func (c *Coordinator) begin(sessionID, hostID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	c.sessionID = sessionID
	c.hostID = hostID
	c.createdAt = time.Now()
	c.joinReady = nil
	c.engine = playback.NewEngine(c.cfg.ReconcileWindow.Milliseconds())
	c.engine.SetAuthority(hostID)
	c.table = peers.NewTable()
	c.loop = make(chan func(), 256)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg = &sync.WaitGroup{}
	c.mgr = peers.NewManager(c.cfg.Peers, c.self, c.tr, c.table, managerSink{c})
	c.mgr.Start(c.ctx)
	c.wg.Add(2)
	go c.run(c.ctx, c.loop, c.wg)
	go c.heartbeatLoop(c.ctx, c.wg)
	c.wired = true
	return true
}

// teardown closes the session machinery. With notify set, remaining
// peers get a best-effort peer_leave so they drop us without waiting out
// their liveness windows.
func (c *Coordinator) teardown(notify bool) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	wired := c.wired
	c.wired = false
	sid := c.sessionID
	c.sessionID = ""
	c.hostID = ""
	c.createdAt = time.Time{}
	c.joinReady = nil
	engine, mgr, table := c.engine, c.mgr, c.table
	cancel, wg := c.cancel, c.wg
	c.mu.Unlock()

	// A leave landing between reserve and begin finds nothing wired; the
	// machinery snapshotted above belongs to an older, already closed
	// session.
	if !wired {
		return
	}
	var remaining []peers.Peer
	if table != nil {
		remaining = table.List()
	}
	if notify && engine != nil {
		msg := protocol.SyncMessage{
			Type:     protocol.MsgPeerLeave,
			Origin:   c.self,
			Seq:      engine.NextSeq(),
			SentAtMS: protocol.NowMS(),
		}
		if data, err := protocol.Encode(msg); err == nil {
			mgr.Broadcast(data)
		}
	}
	cancel()
	mgr.Close()
	wg.Wait()

	for _, p := range remaining {
		// Same terminal rule the manager applies: a peer that never
		// reached Connected reports connection_failed.
		kind := faults.KindConnectionFailed
		if p.State == peers.StateConnected || p.State == peers.StateReconnecting {
			kind = faults.KindPeerDisconnected
		}
		c.bus.Publish(events.TopicPeerDisconnected, events.PeerDisconnected{
			PeerID: p.ID,
			Kind:   kind,
		})
	}
	observability.SetConnectedPeers(0)
	c.log.Info().Str("session", sid).Msg("session closed")
}
