package protocol

import (
	"fmt"
	"strings"
	"time"
)

// MessageType discriminates sync messages on the wire.
type MessageType string

const (
	MsgPlay      MessageType = "play"
	MsgPause     MessageType = "pause"
	MsgSeek      MessageType = "seek"
	MsgHeartbeat MessageType = "heartbeat"
	MsgPeerJoin  MessageType = "peer_join"
	MsgPeerLeave MessageType = "peer_leave"
)

// KnownType reports whether t is part of the closed message set.
func KnownType(t MessageType) bool {
	switch t {
	case MsgPlay, MsgPause, MsgSeek, MsgHeartbeat, MsgPeerJoin, MsgPeerLeave:
		return true
	}
	return false
}

// IsPlayback reports whether t mutates playback state when accepted.
func (t MessageType) IsPlayback() bool {
	return t == MsgPlay || t == MsgPause || t == MsgSeek
}

// SyncMessage is one immutable sync protocol message.
//
// Seq is a per-origin counter that must be strictly increasing; receivers
// discard anything at or below the last value seen from that origin.
// Playback messages and host heartbeats carry PositionMS/Playing so that
// every authoritative message doubles as a full state refresh.
type SyncMessage struct {
	Type       MessageType `json:"type"`
	Origin     string      `json:"origin"`
	Seq        uint64      `json:"seq"`
	PositionMS int64       `json:"position_ms"`
	Playing    bool        `json:"playing"`
	SentAtMS   int64       `json:"sent_at_ms"`
}

func (m SyncMessage) Validate() error {
	if !KnownType(m.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, string(m.Type))
	}
	if strings.TrimSpace(m.Origin) == "" {
		return fmt.Errorf("%w: missing origin", ErrInvalidMessage)
	}
	if m.Seq == 0 {
		return fmt.Errorf("%w: missing seq", ErrInvalidMessage)
	}
	if m.SentAtMS <= 0 {
		return fmt.Errorf("%w: missing sent_at_ms", ErrInvalidMessage)
	}
	if m.Type.IsPlayback() && m.PositionMS < 0 {
		return fmt.Errorf("%w: negative position_ms", ErrInvalidMessage)
	}
	return nil
}

// NowMS returns the current wall clock in unix milliseconds, the time base
// used for SentAtMS and state extrapolation.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
