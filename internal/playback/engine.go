// Package playback owns the canonical playback state and the
// host-authoritative reconciliation rule.
//
// Ownership boundary:
// - per-origin sequence gating of inbound messages
// - the single canonical state snapshot and its asOf monotonicity
// - the host-side reconciliation window for conflicting requests
//
// Routing of messages between peers stays with the session coordinator;
// the engine only decides what an inbound message means for canonical
// state.
package playback

import (
	"sync"

	"github.com/danmuck/lockstep/internal/protocol"
)

// State is the reconciled play/pause/position snapshot. AsOfMS is the
// authority clock timestamp the position was reported at.
type State struct {
	Playing    bool
	PositionMS int64
	AsOfMS     int64
	Authority  string
}

// PositionAt extrapolates the expected position at nowMS. While playing
// the position advances from the asOf timestamp; a local clock behind the
// authority's clamps to the reported position instead of regressing.
func (s State) PositionAt(nowMS int64) int64 {
	if !s.Playing || nowMS <= s.AsOfMS {
		return s.PositionMS
	}
	return s.PositionMS + (nowMS - s.AsOfMS)
}

// Outcome tells the caller how an inbound message was treated.
type Outcome string

const (
	// OutcomeApplied means canonical state was updated.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the per-origin sequence gate discarded the
	// message.
	OutcomeStale Outcome = "stale"
	// OutcomeRequest means a non-authority peer asked for a playback
	// change. The host admits or drops it; guests ignore it.
	OutcomeRequest Outcome = "request"
	// OutcomeLiveness means the message carries no canonical state:
	// membership notices and non-authority heartbeats.
	OutcomeLiveness Outcome = "liveness"
)

// Engine serializes all canonical-state decisions. It is safe for
// concurrent use, though the coordinator funnels every Apply through its
// single writer loop.
type Engine struct {
	mu          sync.Mutex
	state       State
	lastSeq     map[string]uint64
	outSeq      uint64
	windowMS    int64
	windowUntil int64
}

func NewEngine(windowMS int64) *Engine {
	return &Engine{
		lastSeq:  make(map[string]uint64),
		windowMS: windowMS,
	}
}

// SetAuthority names the peer whose messages mutate canonical state.
// Called on create/join and again after host election.
func (e *Engine) SetAuthority(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Authority = peerID
}

func (e *Engine) Authority() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Authority
}

// State returns a copy of the canonical snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NextSeq allocates the next send sequence number for the local origin.
func (e *Engine) NextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outSeq++
	return e.outSeq
}

// AdmitRequest is the host-side reconciliation window. The first request
// admitted opens the window; later requests before it closes are dropped
// and their senders converge on the next authoritative broadcast.
func (e *Engine) AdmitRequest(nowMS int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nowMS < e.windowUntil {
		return false
	}
	e.windowUntil = nowMS + e.windowMS
	return true
}

// Apply runs one inbound message through the sequence gate and, for
// authority-origin playback and heartbeat messages, folds it into
// canonical state. The returned State is the snapshot after the call.
func (e *Engine) Apply(msg protocol.SyncMessage) (State, Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Seq <= e.lastSeq[msg.Origin] {
		return e.state, OutcomeStale
	}
	e.lastSeq[msg.Origin] = msg.Seq

	if msg.Type == protocol.MsgPeerJoin || msg.Type == protocol.MsgPeerLeave {
		return e.state, OutcomeLiveness
	}
	if msg.Origin != e.state.Authority {
		if msg.Type == protocol.MsgHeartbeat {
			return e.state, OutcomeLiveness
		}
		return e.state, OutcomeRequest
	}

	switch msg.Type {
	case protocol.MsgPlay:
		e.state.Playing = true
		e.state.PositionMS = msg.PositionMS
	case protocol.MsgPause:
		e.state.Playing = false
		e.state.PositionMS = msg.PositionMS
	case protocol.MsgSeek:
		e.state.PositionMS = msg.PositionMS
	case protocol.MsgHeartbeat:
		// Host heartbeats carry the full snapshot; absent or late sync
		// broadcasts reconcile through them.
		e.state.Playing = msg.Playing
		e.state.PositionMS = msg.PositionMS
	}
	if msg.SentAtMS > e.state.AsOfMS {
		e.state.AsOfMS = msg.SentAtMS
	}
	return e.state, OutcomeApplied
}
