// Package bridge implements the wire protocol spoken between the router (or
// a RunnerBackend acting on its behalf) and the bridge process running
// inside a sandbox: newline-delimited JSON commands flowing router→bridge,
// and newline-delimited JSON events flowing bridge→router.
package bridge

import "encoding/json"

// CommandKind discriminates the outbound (router→bridge) message variants.
type CommandKind string

const (
	CommandQuery    CommandKind = "query"
	CommandInterrupt CommandKind = "interrupt"
	CommandShutdown CommandKind = "shutdown"
)

// EventKind discriminates the inbound (bridge→router) message variants.
type EventKind string

const (
	EventReady   EventKind = "ready"
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
	EventDone    EventKind = "done"

	// EventDecodeError marks a line the Reassembler (or an SSE-parsing
	// RunnerBackend) could not decode as a known event. Per spec.md §7 it
	// is "recovered locally... surfaced in stream, stream survives": unlike
	// EventError it must never trigger the session-error transition, so it
	// gets its own kind rather than reusing EventError.
	EventDecodeError EventKind = "decode_error"

	// PeerClosedError is the Event.Error value a Client (internal/
	// bridgeclient) uses for the synthetic terminal event it injects when
	// the bridge's socket closes mid-stream, so a consumer reading only
	// the event stream (not the Client's own Err() method) can still tell
	// a dead connection apart from a bridge-reported failure, per spec.md
	// §7 "Sandbox died mid-stream... end the SSE with error, mark session
	// error."
	PeerClosedError = "peer_closed"
)

// Command is a single router→bridge message. Fields not relevant to Kind are
// left zero. Prompt carries the query text for CommandQuery.
type Command struct {
	Kind      CommandKind     `json:"kind"`
	SessionID string          `json:"sessionId"`
	Prompt    string          `json:"prompt,omitempty"`
	// IncludePartialMessages is part of the wire contract: it is encoded
	// on the query command and passed through verbatim to the bridge; the
	// router never branches on its value (see DESIGN.md, Open Questions).
	IncludePartialMessages bool            `json:"includePartialMessages,omitempty"`
	Flags                  json.RawMessage `json:"flags,omitempty"`
}

// NewQueryCommand builds a query command for a prompt.
func NewQueryCommand(sessionID, prompt string, includePartial bool) Command {
	return Command{
		Kind:                   CommandQuery,
		SessionID:              sessionID,
		Prompt:                 prompt,
		IncludePartialMessages: includePartial,
	}
}

// NewInterruptCommand builds a fire-and-forget interrupt command.
func NewInterruptCommand(sessionID string) Command {
	return Command{Kind: CommandInterrupt, SessionID: sessionID}
}

// NewShutdownCommand builds a graceful-shutdown command.
func NewShutdownCommand(sessionID string) Command {
	return Command{Kind: CommandShutdown, SessionID: sessionID}
}

// Encode serializes a command as a single JSON object followed by a newline.
// The trailing 0x0A is the only framing the wire format uses; JSON string
// escaping handles any embedded newlines in payload fields.
func (c Command) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Event is a single bridge→router message. Message carries an opaque
// passthrough payload the router never introspects (spec §9); Error and
// Done carry their own small shapes.
type Event struct {
	Kind EventKind `json:"kind"`

	// Message is the opaque payload for EventMessage, forwarded unchanged
	// to the client. It is decoded only as a raw JSON value so it never
	// needs to round-trip through a typed struct.
	Message json.RawMessage `json:"message,omitempty"`

	// Error is the payload for EventError: {error: string}.
	Error string `json:"error,omitempty"`

	// SessionID is the payload for EventDone: {sessionId}.
	SessionID string `json:"sessionId,omitempty"`

	// DecodeError carries the parse failure text for an EventDecodeError
	// event; it is never set by Encode/Decode directly, only synthesized
	// by the Reassembler (see reassembler.go) or a RunnerBackend's SSE
	// parser for a malformed line. Raw holds the offending bytes.
	DecodeError string `json:"-"`
	Raw         []byte `json:"-"`
}

// Encode serializes an event as a single JSON object followed by a newline.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeEvent parses a single line (without its trailing newline) into an
// Event. Unknown kinds are preserved as-is rather than rejected, so the
// decoder never crashes on a forward-compatible new event kind.
func DecodeEvent(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// DecodeCommand parses a single line (without its trailing newline) into a
// Command.
func DecodeCommand(line []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(line, &c); err != nil {
		return Command{}, err
	}
	return c, nil
}

// IsDecodeError reports whether this event represents a decode_error
// synthesized by the reassembler (or an SSE parser) for a malformed line,
// per spec §4.1/§7.
func (e Event) IsDecodeError() bool {
	return e.Kind == EventDecodeError
}
