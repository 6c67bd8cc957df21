package session

import "errors"

var (
	// ErrSessionActive reports a create or join while a session is open.
	ErrSessionActive = errors.New("session: session already active")

	// ErrNoSession reports a playback command with no session open.
	ErrNoSession = errors.New("session: no session active")

	// ErrJoinAborted reports a create or join cancelled by a concurrent
	// leave before the session finished wiring up.
	ErrJoinAborted = errors.New("session: join aborted")

	// ErrUnsupported reports any operation on a build where the sync
	// capability is disabled. No network call is ever attempted.
	ErrUnsupported = errors.New("session: sync unsupported on this platform")
)
