package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/lockstep/internal/events"
	"github.com/danmuck/lockstep/internal/faults"
	"github.com/danmuck/lockstep/internal/observability"
	"github.com/danmuck/lockstep/internal/peers"
	"github.com/danmuck/lockstep/internal/playback"
	"github.com/danmuck/lockstep/internal/protocol"
)

// Play asks for playback to resume at the current reconciled position.
// On the host it applies and broadcasts; on a guest it is forwarded to
// the host as a request.
func (c *Coordinator) Play() error { return c.requestChange(protocol.MsgPlay, -1) }

// Pause asks for playback to freeze at the current reconciled position.
func (c *Coordinator) Pause() error { return c.requestChange(protocol.MsgPause, -1) }

// Seek asks for a jump to positionMS.
func (c *Coordinator) Seek(positionMS int64) error {
	if positionMS < 0 {
		return fmt.Errorf("session: seek position must be non-negative")
	}
	return c.requestChange(protocol.MsgSeek, positionMS)
}

func (c *Coordinator) requestChange(typ protocol.MessageType, positionMS int64) error {
	if err := c.unsupported(); err != nil {
		return err
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return ErrNoSession
	}
	c.post(func() { c.localIntent(typ, positionMS) })
	return nil
}

// post hands fn to the apply loop; dropped once the session is torn down.
func (c *Coordinator) post(fn func()) {
	c.mu.Lock()
	loop, ctx := c.loop, c.ctx
	c.mu.Unlock()
	if loop == nil || ctx == nil {
		return
	}
	select {
	case loop <- fn:
	case <-ctx.Done():
	}
}

func (c *Coordinator) run(ctx context.Context, loop <-chan func(), wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-loop:
			fn()
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.Peers.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.post(c.sendHeartbeat)
		}
	}
}

// sendHeartbeat runs on the apply loop. Host heartbeats carry the
// canonical snapshot so quiet sessions still reconcile; guest heartbeats
// are liveness only.
func (c *Coordinator) sendHeartbeat() {
	now := protocol.NowMS()
	msg := protocol.SyncMessage{
		Type:     protocol.MsgHeartbeat,
		Origin:   c.self,
		Seq:      c.engine.NextSeq(),
		SentAtMS: now,
	}
	if c.isHostNow() {
		st := c.engine.State()
		msg.PositionMS = st.PositionAt(now)
		msg.Playing = st.Playing
		c.applyAndBroadcast(msg)
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	c.mgr.Broadcast(data)
}

// managerSink bridges the peer manager onto the apply loop.
type managerSink struct{ c *Coordinator }

func (s managerSink) PeerUp(p peers.Peer) {
	s.c.post(func() { s.c.onPeerUp(p) })
}

func (s managerSink) PeerDown(p peers.Peer, cause *faults.PeerError) {
	s.c.post(func() { s.c.onPeerDown(p, cause) })
}

func (s managerSink) StateChange(p peers.Peer, from peers.ConnState) {
	s.c.bus.Publish(events.TopicConnState, events.ConnStateChange{
		PeerID: p.ID,
		From:   from.String(),
		To:     p.State.String(),
	})
}

func (s managerSink) Inbound(peerID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed traffic is dropped and logged, never surfaced as a
		// peer fault.
		s.c.log.Debug().Str("peer", peerID).Err(err).Msg("dropping malformed message")
		observability.RecordSyncMessage("invalid", "malformed")
		return
	}
	s.c.post(func() { s.c.onInbound(peerID, msg) })
}

func (c *Coordinator) onPeerUp(p peers.Peer) {
	c.bus.Publish(events.TopicPeerConnected, events.PeerConnected{PeerID: p.ID})

	c.mu.Lock()
	isHost := c.hostID == c.self
	var ready chan struct{}
	if p.ID == c.hostID && c.joinReady != nil {
		ready = c.joinReady
		c.joinReady = nil
	}
	c.mu.Unlock()
	if ready != nil {
		close(ready)
	}
	if !isHost {
		return
	}

	// A fresh arrival converges immediately instead of waiting for the
	// next heartbeat.
	now := protocol.NowMS()
	st := c.engine.State()
	snapshot := protocol.SyncMessage{
		Type:       protocol.MsgHeartbeat,
		Origin:     c.self,
		Seq:        c.engine.NextSeq(),
		PositionMS: st.PositionAt(now),
		Playing:    st.Playing,
		SentAtMS:   now,
	}
	data, err := protocol.Encode(snapshot)
	if err != nil {
		return
	}
	if err := c.mgr.Send(p.ID, data); err != nil {
		c.log.Debug().Str("peer", p.ID).Err(err).Msg("snapshot send failed")
	}
}

func (c *Coordinator) onPeerDown(p peers.Peer, cause *faults.PeerError) {
	kind := faults.KindPeerDisconnected
	if cause != nil {
		kind = cause.Kind
	}
	c.bus.Publish(events.TopicPeerDisconnected, events.PeerDisconnected{PeerID: p.ID, Kind: kind})
	if cause != nil {
		c.bus.Publish(events.TopicError, events.ErrorEvent{Err: cause})
	}

	c.mu.Lock()
	hostLost := c.active && p.ID == c.hostID
	c.mu.Unlock()
	if !hostLost {
		return
	}
	switch c.cfg.HostLossPolicy {
	case HostLossTerminate:
		c.log.Warn().Str("host", p.ID).Msg("host lost, terminating session")
		c.bus.Publish(events.TopicError, events.ErrorEvent{
			Err: faults.New(faults.KindPeerDisconnected, p.ID, "host lost, session terminated"),
		})
		go c.teardown(true)
	default:
		c.elect(p.ID)
	}
}

// elect promotes the remaining peer with the lowest lexicographic ID.
// Every survivor runs the same rule over its own membership view, so
// they agree without extra coordination.
func (c *Coordinator) elect(lost string) {
	winner := c.self
	for _, p := range c.table.List() {
		if p.ID == lost || p.State.Terminal() {
			continue
		}
		if p.ID < winner {
			winner = p.ID
		}
	}
	c.mu.Lock()
	c.hostID = winner
	isSelf := winner == c.self
	c.mu.Unlock()
	c.engine.SetAuthority(winner)
	c.table.SetRole(winner, peers.RoleHost)
	c.log.Info().Str("host", winner).Str("lost", lost).Msg("host elected")
	if !isSelf {
		return
	}
	// The new authority rebroadcasts the last known canonical state.
	now := protocol.NowMS()
	st := c.engine.State()
	c.applyAndBroadcast(protocol.SyncMessage{
		Type:       protocol.MsgHeartbeat,
		Origin:     c.self,
		Seq:        c.engine.NextSeq(),
		PositionMS: st.PositionAt(now),
		Playing:    st.Playing,
		SentAtMS:   now,
	})
}

func (c *Coordinator) onInbound(peerID string, msg protocol.SyncMessage) {
	_, outcome := c.engine.Apply(msg)
	switch outcome {
	case playback.OutcomeApplied:
		observability.RecordSyncMessage(string(msg.Type), string(outcome))
		c.bus.Publish(events.TopicSyncApplied, events.SyncApplied{Message: msg})
	case playback.OutcomeStale:
		observability.RecordSyncMessage(string(msg.Type), string(outcome))
		c.log.Debug().Str("peer", peerID).Str("origin", msg.Origin).Uint64("seq", msg.Seq).Msg("stale message discarded")
	case playback.OutcomeLiveness:
		observability.RecordSyncMessage(string(msg.Type), string(outcome))
		c.handleLiveness(msg)
	case playback.OutcomeRequest:
		c.handleRequest(msg)
	}
}

func (c *Coordinator) handleLiveness(msg protocol.SyncMessage) {
	switch msg.Type {
	case protocol.MsgPeerJoin:
		if msg.Origin == c.self {
			return
		}
		// Discovery tie-break: only the lower ID dials, the higher one
		// adopts the inbound link. Two peers discovering each other at
		// the same time would otherwise dial past each other.
		if _, ok := c.table.Get(msg.Origin); !ok && c.self < msg.Origin {
			c.mgr.Connect(msg.Origin, peers.RoleGuest)
		}
		// The host relays join notices so guests that raced the
		// membership listing still learn about each other; duplicates
		// die at the sequence gate.
		if c.isHostNow() {
			if data, err := protocol.Encode(msg); err == nil {
				c.mgr.Broadcast(data)
			}
		}
	case protocol.MsgPeerLeave:
		if msg.Origin == c.self {
			return
		}
		c.mgr.Drop(msg.Origin, faults.New(faults.KindPeerDisconnected, msg.Origin, "peer announced leave"))
	}
}

// handleRequest is the host side of guest-initiated playback changes:
// first request in the reconciliation window wins, later ones converge on
// the authoritative broadcast.
func (c *Coordinator) handleRequest(msg protocol.SyncMessage) {
	if !c.isHostNow() {
		observability.RecordSyncMessage(string(msg.Type), "ignored")
		return
	}
	now := protocol.NowMS()
	if !c.engine.AdmitRequest(now) {
		observability.RecordSyncMessage(string(msg.Type), "window_conflict")
		c.log.Debug().Str("origin", msg.Origin).Str("type", string(msg.Type)).Msg("conflicting request dropped")
		return
	}
	st := c.engine.State()
	playing := st.Playing
	switch msg.Type {
	case protocol.MsgPlay:
		playing = true
	case protocol.MsgPause:
		playing = false
	}
	c.applyAndBroadcast(protocol.SyncMessage{
		Type:       msg.Type,
		Origin:     c.self,
		Seq:        c.engine.NextSeq(),
		PositionMS: msg.PositionMS,
		Playing:    playing,
		SentAtMS:   now,
	})
}

// localIntent runs on the apply loop with the same admission rules inbound
// requests get.
func (c *Coordinator) localIntent(typ protocol.MessageType, positionMS int64) {
	now := protocol.NowMS()
	st := c.engine.State()
	pos := positionMS
	if pos < 0 {
		pos = st.PositionAt(now)
	}
	playing := st.Playing
	switch typ {
	case protocol.MsgPlay:
		playing = true
	case protocol.MsgPause:
		playing = false
	}

	c.mu.Lock()
	isHost := c.hostID == c.self
	hostID := c.hostID
	c.mu.Unlock()

	msg := protocol.SyncMessage{
		Type:       typ,
		Origin:     c.self,
		Seq:        c.engine.NextSeq(),
		PositionMS: pos,
		Playing:    playing,
		SentAtMS:   now,
	}
	if isHost {
		if !c.engine.AdmitRequest(now) {
			observability.RecordSyncMessage(string(typ), "window_conflict")
			c.log.Debug().Str("type", string(typ)).Msg("local request dropped in reconciliation window")
			return
		}
		c.applyAndBroadcast(msg)
		return
	}

	// Guests forward the intent and converge on the host's broadcast.
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("encode intent")
		return
	}
	observability.RecordSyncMessage(string(typ), "forwarded")
	if err := c.mgr.Send(hostID, data); err != nil {
		c.log.Debug().Str("peer", hostID).Err(err).Msg("intent dropped, host not connected")
	}
}

func (c *Coordinator) isHostNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && c.hostID == c.self
}

func (c *Coordinator) announceJoin() {
	msg := protocol.SyncMessage{
		Type:     protocol.MsgPeerJoin,
		Origin:   c.self,
		Seq:      c.engine.NextSeq(),
		SentAtMS: protocol.NowMS(),
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	c.mgr.Broadcast(data)
}

func (c *Coordinator) applyAndBroadcast(msg protocol.SyncMessage) {
	_, outcome := c.engine.Apply(msg)
	if outcome != playback.OutcomeApplied {
		c.log.Warn().Str("type", string(msg.Type)).Str("outcome", string(outcome)).Msg("authoritative apply rejected")
		return
	}
	observability.RecordSyncMessage(string(msg.Type), string(outcome))
	c.bus.Publish(events.TopicSyncApplied, events.SyncApplied{Message: msg})
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("encode broadcast")
		return
	}
	c.mgr.Broadcast(data)
}
