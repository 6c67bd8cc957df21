package peers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/lockstep/internal/faults"
	"github.com/danmuck/lockstep/internal/testutil/testlog"
	"github.com/danmuck/lockstep/internal/transport"
	"github.com/danmuck/lockstep/internal/transport/memnet"
)

type downEvent struct {
	peer  Peer
	cause *faults.PeerError
}

type stateEvent struct {
	peer Peer
	from ConnState
}

type inboundEvent struct {
	peerID string
	data   []byte
}

type recorder struct {
	ups     chan Peer
	downs   chan downEvent
	states  chan stateEvent
	inbound chan inboundEvent
}

func newRecorder() *recorder {
	return &recorder{
		ups:     make(chan Peer, 64),
		downs:   make(chan downEvent, 64),
		states:  make(chan stateEvent, 64),
		inbound: make(chan inboundEvent, 64),
	}
}

func (r *recorder) PeerUp(p Peer) { r.ups <- p }
func (r *recorder) PeerDown(p Peer, cause *faults.PeerError) {
	r.downs <- downEvent{peer: p, cause: cause}
}
func (r *recorder) StateChange(p Peer, from ConnState) {
	r.states <- stateEvent{peer: p, from: from}
}
func (r *recorder) Inbound(peerID string, data []byte) {
	r.inbound <- inboundEvent{peerID: peerID, data: data}
}

func (r *recorder) waitUp(t *testing.T) Peer {
	t.Helper()
	select {
	case p := <-r.ups:
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for PeerUp")
		return Peer{}
	}
}

func (r *recorder) waitDown(t *testing.T) downEvent {
	t.Helper()
	select {
	case d := <-r.downs:
		return d
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for PeerDown")
		return downEvent{}
	}
}

// waitTransition drains state events until one lands in the wanted state.
func (r *recorder) waitTransition(t *testing.T, to ConnState) stateEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.states:
			if ev.peer.State == to {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for transition to %v", to)
			return stateEvent{}
		}
	}
}

func (r *recorder) drainUps() int {
	n := 0
	for {
		select {
		case <-r.ups:
			n++
		default:
			return n
		}
	}
}

func fastConfig() Config {
	return Config{
		DialTimeout:       500 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		DeadAfter:         5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     50 * time.Millisecond,
			MaxAttempts:  3,
			Jitter:       false,
		},
	}
}

func startManager(t *testing.T, net *memnet.Network, self string, cfg Config) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	mgr := NewManager(cfg, self, net.Endpoint(self), NewTable(), rec)
	mgr.Start(context.Background())
	t.Cleanup(mgr.Close)
	return mgr, rec
}

func TestConnectDeliversInbound(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	remote := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", fastConfig())

	mgr.Connect("bob", RoleGuest)
	up := rec.waitUp(t)
	if up.ID != "bob" || up.State != StateConnected {
		t.Fatalf("unexpected PeerUp %+v", up)
	}

	conn := <-remote.Accept()
	if err := conn.Send([]byte("hello")); err != nil {
		t.Fatalf("remote send: %v", err)
	}
	select {
	case in := <-rec.inbound:
		if in.peerID != "bob" || string(in.data) != "hello" {
			t.Fatalf("unexpected inbound %+v", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for inbound payload")
	}

	if got := mgr.table.Connected(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("connected = %v, want [bob]", got)
	}
}

func TestRetryBudgetExhaustionRemovesPeer(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	mgr, rec := startManager(t, net, "alice", fastConfig())

	mgr.Connect("ghost", RoleGuest)

	ev := rec.waitTransition(t, StateConnecting)
	if ev.from != StateIdle {
		t.Fatalf("expected idle origin, got %v", ev.from)
	}
	down := rec.waitDown(t)
	if down.peer.ID != "ghost" {
		t.Fatalf("unexpected PeerDown %+v", down.peer)
	}
	if down.cause == nil || down.cause.Kind != faults.KindConnectionFailed {
		t.Fatalf("expected connection_failed cause, got %+v", down.cause)
	}
	if !errors.Is(down.cause, transport.ErrPeerUnknown) {
		t.Fatalf("expected dial error as cause, got %v", down.cause)
	}
	if mgr.table.Count() != 0 {
		t.Fatalf("peer should be removed from the table")
	}
}

// refuseEndpoint fails every dial with a pre-classified fault and counts
// the attempts.
type refuseEndpoint struct {
	transport.Transport

	mu    sync.Mutex
	dials int
}

func (e *refuseEndpoint) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	e.mu.Lock()
	e.dials++
	e.mu.Unlock()
	return nil, faults.New(faults.KindServer, peerID, "session closed to new peers")
}

func (e *refuseEndpoint) attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

func TestNonRetryableDialStopsRetrying(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	ep := &refuseEndpoint{Transport: net.Endpoint("alice")}
	rec := newRecorder()
	mgr := NewManager(fastConfig(), "alice", ep, NewTable(), rec)
	mgr.Start(context.Background())
	t.Cleanup(mgr.Close)

	mgr.Connect("bob", RoleGuest)

	down := rec.waitDown(t)
	if down.peer.ID != "bob" {
		t.Fatalf("unexpected PeerDown %+v", down.peer)
	}
	if down.cause == nil || down.cause.Kind != faults.KindConnectionFailed {
		t.Fatalf("never-connected peer should report connection_failed, got %+v", down.cause)
	}
	if got := faults.KindOf(down.cause.Err); got != faults.KindServer {
		t.Fatalf("cause kind = %q, want the server fault preserved", got)
	}
	if got := ep.attempts(); got != 1 {
		t.Fatalf("dial attempts = %d, want 1 when the fault is not retryable", got)
	}
	if mgr.table.Count() != 0 {
		t.Fatalf("peer should be removed from the table")
	}
}

func TestLinkLossDemotesThenRedials(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	remote := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", fastConfig())

	mgr.Connect("bob", RoleGuest)
	rec.waitUp(t)
	<-remote.Accept()

	net.Sever("alice", "bob")

	ev := rec.waitTransition(t, StateReconnecting)
	if ev.from != StateConnected {
		t.Fatalf("expected demotion from connected, got %v", ev.from)
	}
	again := rec.waitUp(t)
	if again.ID != "bob" {
		t.Fatalf("unexpected PeerUp after redial %+v", again)
	}
	if _, ok := mgr.table.Get("bob"); !ok {
		t.Fatalf("bob should still be tracked")
	}
}

func TestConnectedPeerVanishingReportsDisconnected(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	remote := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", fastConfig())

	mgr.Connect("bob", RoleGuest)
	rec.waitUp(t)
	<-remote.Accept()

	net.Detach("bob")

	down := rec.waitDown(t)
	if down.peer.ID != "bob" {
		t.Fatalf("unexpected PeerDown %+v", down.peer)
	}
	if down.cause == nil || down.cause.Kind != faults.KindPeerDisconnected {
		t.Fatalf("previously connected peer should report peer_disconnected, got %+v", down.cause)
	}
	if mgr.table.Count() != 0 {
		t.Fatalf("peer should be removed after budget exhaustion")
	}
}

func TestAdoptsInboundPeers(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	joiner := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", fastConfig())

	conn, err := joiner.Connect(context.Background(), "alice")
	if err != nil {
		t.Fatalf("joiner dial: %v", err)
	}
	up := rec.waitUp(t)
	if up.ID != "bob" || up.Role != RoleGuest {
		t.Fatalf("unexpected adopted peer %+v", up)
	}

	if err := conn.Send([]byte("hi")); err != nil {
		t.Fatalf("joiner send: %v", err)
	}
	select {
	case in := <-rec.inbound:
		if in.peerID != "bob" || string(in.data) != "hi" {
			t.Fatalf("unexpected inbound %+v", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for inbound payload")
	}
	if got := mgr.table.Connected(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("connected = %v, want [bob]", got)
	}
}

func TestMutualDialsSettleOnOneLink(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	bob, bobRec := startManager(t, net, "bob", fastConfig())
	carol, carolRec := startManager(t, net, "carol", fastConfig())

	bob.Connect("carol", RoleGuest)
	carol.Connect("bob", RoleGuest)

	bobRec.waitUp(t)
	carolRec.waitUp(t)

	// Resolving the collision may flap a link once; it must then hold
	// still with no reconnect cycle left running.
	time.Sleep(300 * time.Millisecond)
	bobRec.drainUps()
	carolRec.drainUps()
	time.Sleep(300 * time.Millisecond)
	if n := bobRec.drainUps(); n != 0 {
		t.Fatalf("bob link still churning, %d extra PeerUp", n)
	}
	if n := carolRec.drainUps(); n != 0 {
		t.Fatalf("carol link still churning, %d extra PeerUp", n)
	}
	select {
	case d := <-bobRec.downs:
		t.Fatalf("bob lost the peer, cause %v", d.cause)
	case d := <-carolRec.downs:
		t.Fatalf("carol lost the peer, cause %v", d.cause)
	default:
	}

	if got := bob.table.Connected(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("bob connected = %v, want [carol]", got)
	}
	if got := carol.table.Connected(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("carol connected = %v, want [bob]", got)
	}

	if err := bob.Send("carol", []byte("ping")); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	select {
	case in := <-carolRec.inbound:
		if in.peerID != "bob" || string(in.data) != "ping" {
			t.Fatalf("unexpected inbound at carol %+v", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for bob's payload")
	}
	if err := carol.Send("bob", []byte("pong")); err != nil {
		t.Fatalf("carol send: %v", err)
	}
	select {
	case in := <-bobRec.inbound:
		if in.peerID != "carol" || string(in.data) != "pong" {
			t.Fatalf("unexpected inbound at bob %+v", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for carol's payload")
	}
}

func TestWatchdogDemotesQuietPeer(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.DeadAfter = 150 * time.Millisecond
	net := memnet.New()
	remote := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", cfg)

	mgr.Connect("bob", RoleGuest)
	rec.waitUp(t)
	<-remote.Accept()

	ev := rec.waitTransition(t, StateReconnecting)
	if ev.from != StateConnected {
		t.Fatalf("watchdog should demote from connected, got %v", ev.from)
	}
	if _, ok := mgr.table.Get("bob"); !ok {
		t.Fatalf("demoted peer should stay tracked while redialing")
	}
}

func TestDropRemovesPeerImmediately(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	remote := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", fastConfig())

	mgr.Connect("bob", RoleGuest)
	rec.waitUp(t)
	<-remote.Accept()

	cause := faults.New(faults.KindPeerDisconnected, "bob", "peer announced leave")
	mgr.Drop("bob", cause)

	down := rec.waitDown(t)
	if down.peer.ID != "bob" || down.cause != cause {
		t.Fatalf("unexpected PeerDown %+v cause=%v", down.peer, down.cause)
	}
	if mgr.table.Count() != 0 {
		t.Fatalf("dropped peer should leave the table")
	}

	select {
	case p := <-rec.ups:
		t.Fatalf("dropped peer must not redial, got PeerUp %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendWithoutLink(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	mgr, _ := startManager(t, net, "alice", fastConfig())

	if err := mgr.Send("ghost", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if sent := mgr.Broadcast([]byte("x")); sent != 0 {
		t.Fatalf("broadcast with no peers should send 0, got %d", sent)
	}
}

func TestCloseIsSilent(t *testing.T) {
	testlog.Start(t)
	net := memnet.New()
	remote := net.Endpoint("bob")
	mgr, rec := startManager(t, net, "alice", fastConfig())

	mgr.Connect("bob", RoleGuest)
	rec.waitUp(t)
	<-remote.Accept()

	mgr.Close()

	select {
	case d := <-rec.downs:
		t.Fatalf("teardown must not emit PeerDown, got %+v", d.peer)
	case <-time.After(100 * time.Millisecond):
	}
}
