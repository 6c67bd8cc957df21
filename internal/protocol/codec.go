package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxEnvelopeBytes bounds decoder memory use per message. Sync messages are
// a few hundred bytes; anything near this limit is garbage or abuse.
const MaxEnvelopeBytes = 64 * 1024

// Encode validates msg and renders it as one wire envelope. The transport is
// message-oriented, so no framing is added here.
func Encode(msg SyncMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Decode parses and validates one wire envelope.
func Decode(data []byte) (SyncMessage, error) {
	if len(data) > MaxEnvelopeBytes {
		return SyncMessage{}, ErrMessageTooLarge
	}
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return SyncMessage{}, err
	}
	return msg, nil
}
