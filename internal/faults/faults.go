// Package faults owns the failure taxonomy surfaced by the session core.
//
// Ownership boundary:
// - the closed Kind set carried on errors and error events
// - classification of raw failures by the operation stage that produced them
// - the retry policy per Kind
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind is the closed set of failure categories. Every error that crosses
// the session boundary carries exactly one.
type Kind string

const (
	KindConnectionFailed Kind = "connection_failed"
	KindPeerDisconnected Kind = "peer_disconnected"
	KindDataChannel      Kind = "data_channel"
	KindServer           Kind = "server"
	KindTimeout          Kind = "timeout"
	KindUnknown          Kind = "unknown"
)

func (k Kind) Known() bool {
	switch k {
	case KindConnectionFailed, KindPeerDisconnected, KindDataChannel,
		KindServer, KindTimeout, KindUnknown:
		return true
	}
	return false
}

// Retryable reports whether the session core may retry the failed
// operation under backoff. Server and unknown failures surface without
// retry; peer_disconnected is terminal for that peer.
func Retryable(k Kind) bool {
	switch k {
	case KindConnectionFailed, KindTimeout, KindDataChannel:
		return true
	}
	return false
}

// Op names the stage a raw failure came from. Classification is by stage,
// not by inspecting transport internals.
type Op string

const (
	OpDial       Op = "dial"
	OpSend       Op = "send"
	OpRecv       Op = "recv"
	OpRendezvous Op = "rendezvous"
	OpHeartbeat  Op = "heartbeat"
)

// Classify maps a raw failure at the given stage onto a Kind. Deadline
// style failures win over the stage mapping so a slow dial reports
// timeout rather than connection_failed.
func Classify(op Op, err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if isTimeout(err) {
		return KindTimeout
	}
	switch op {
	case OpDial:
		return KindConnectionFailed
	case OpSend, OpRecv:
		return KindDataChannel
	case OpRendezvous:
		return KindServer
	case OpHeartbeat:
		return KindTimeout
	}
	return KindUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// PeerError is the error shape the session core returns and publishes.
// Origin is the peer the failure is about, empty for session-wide faults.
type PeerError struct {
	Kind   Kind
	Origin string
	Err    error
}

func (e *PeerError) Error() string {
	if e.Origin != "" {
		return fmt.Sprintf("%s (peer %s): %v", e.Kind, e.Origin, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PeerError) Unwrap() error { return e.Err }

// New builds a PeerError with a fixed Kind for faults the core detects
// itself rather than observes from a collaborator.
func New(kind Kind, origin, msg string) *PeerError {
	return &PeerError{Kind: kind, Origin: origin, Err: errors.New(msg)}
}

// Wrap classifies err by stage and attaches the origin peer.
func Wrap(op Op, origin string, err error) *PeerError {
	return &PeerError{Kind: Classify(op, err), Origin: origin, Err: err}
}

// KindOf extracts the Kind from any error, unwrapping as needed.
// Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
