package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/lockstep/internal/testutil/testlog"
)

func validMessage() SyncMessage {
	return SyncMessage{
		Type:       MsgSeek,
		Origin:     "peer.b",
		Seq:        7,
		PositionMS: 120000,
		Playing:    true,
		SentAtMS:   1700000000000,
	}
}

func TestSyncMessageValidate(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		mutate  func(*SyncMessage)
		wantErr error
	}{
		{"valid", func(m *SyncMessage) {}, nil},
		{"unknown type", func(m *SyncMessage) { m.Type = "rewind" }, ErrUnknownType},
		{"missing origin", func(m *SyncMessage) { m.Origin = "  " }, ErrInvalidMessage},
		{"zero seq", func(m *SyncMessage) { m.Seq = 0 }, ErrInvalidMessage},
		{"missing sent_at", func(m *SyncMessage) { m.SentAtMS = 0 }, ErrInvalidMessage},
		{"negative position", func(m *SyncMessage) { m.PositionMS = -1 }, ErrInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := validMessage()
			tc.mutate(&msg)
			err := msg.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNegativePositionAllowedForNonPlayback(t *testing.T) {
	testlog.Start(t)
	msg := validMessage()
	msg.Type = MsgHeartbeat
	msg.PositionMS = -5
	if err := msg.Validate(); err != nil {
		t.Fatalf("heartbeat should not gate position: %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	want := validMessage()
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	msg := validMessage()
	msg.Origin = ""
	if _, err := Encode(msg); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("got %v want ErrInvalidMessage", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v want ErrMalformed", err)
	}
	if _, err := Decode([]byte(`{"type":"play","origin":"a","seq":0,"sent_at_ms":1}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("got %v want ErrInvalidMessage", err)
	}
}

func TestDecodeRejectsOversizedEnvelope(t *testing.T) {
	testlog.Start(t)
	data := bytes.Repeat([]byte("x"), MaxEnvelopeBytes+1)
	if _, err := Decode(data); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v want ErrMessageTooLarge", err)
	}
}
