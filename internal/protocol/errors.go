package protocol

import "errors"

var (
	ErrInvalidMessage  = errors.New("protocol: invalid message")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrMalformed       = errors.New("protocol: malformed envelope")
)
