package bridge

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	cases := []Command{
		NewQueryCommand("sess-1", "hello\nworld", true),
		NewInterruptCommand("sess-2"),
		NewShutdownCommand("sess-3"),
	}
	for _, c := range cases {
		enc, err := c.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if enc[len(enc)-1] != '\n' {
			t.Fatalf("Encode did not end in newline: %q", enc)
		}
		got, err := DecodeCommand(enc[:len(enc)-1])
		if err != nil {
			t.Fatalf("DecodeCommand: %v", err)
		}
		if !reflect.DeepEqual(got, c) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	cases := []Event{
		{Kind: EventReady},
		{Kind: EventMessage, Message: json.RawMessage(`{"text":"hi ☃"}`)},
		{Kind: EventError, Error: "boom"},
		{Kind: EventDone, SessionID: "sess-1"},
	}
	for _, e := range cases {
		enc, err := e.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := DecodeEvent(enc[:len(enc)-1])
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		if got.Kind != e.Kind || got.Error != e.Error || got.SessionID != e.SessionID {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, e)
		}
		if string(got.Message) != string(e.Message) {
			t.Errorf("message payload mismatch: got %q, want %q", got.Message, e.Message)
		}
	}
}

func TestUnknownKindDoesNotError(t *testing.T) {
	line := []byte(`{"kind":"future_event","stuff":42}`)
	ev, err := DecodeEvent(line)
	if err != nil {
		t.Fatalf("unknown kind should decode, got error: %v", err)
	}
	if ev.Kind != "future_event" {
		t.Errorf("kind = %q, want future_event", ev.Kind)
	}
}

func TestControlCharacterAndUnicodeSafety(t *testing.T) {
	payload := "tab\tand unicode ✨ and emoji \U0001F600"
	ev := Event{Kind: EventMessage, Message: mustRaw(t, payload)}
	enc, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeEvent(enc[:len(enc)-1])
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	var gotStr string
	if err := json.Unmarshal(got.Message, &gotStr); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if gotStr != payload {
		t.Errorf("payload = %q, want %q", gotStr, payload)
	}
}

func mustRaw(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
