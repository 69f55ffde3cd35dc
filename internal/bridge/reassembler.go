package bridge

import (
	"bytes"
	"strings"
)

// Reassembler turns an arbitrary sequence of byte chunks into a sequence of
// decoded events by buffering across chunk boundaries, splitting on '\n',
// and decoding each completed line. It tolerates chunk boundaries landing
// anywhere inside an encoded message, including mid-UTF8-rune, since it only
// ever splits on the single-byte newline delimiter.
//
// A whitespace-only line is skipped. A line that fails to decode as an Event
// does not kill the stream: it surfaces as a synthetic event with
// IsDecodeError() true, carrying the offending bytes in Raw, per spec §4.1.
type Reassembler struct {
	buf bytes.Buffer
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends a chunk and returns every event completed by it, in order.
// Any trailing partial line remains buffered for the next Feed call.
func (r *Reassembler) Feed(chunk []byte) []Event {
	r.buf.Write(chunk)
	var events []Event
	for {
		data := r.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		r.buf.Next(idx + 1)

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		ev, err := DecodeEvent(line)
		if err != nil {
			events = append(events, Event{
				Kind:        EventDecodeError,
				DecodeError: err.Error(),
				Raw:         line,
			})
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Pending reports the number of buffered bytes not yet forming a complete
// line. Used by tests asserting no data is lost across odd chunk splits.
func (r *Reassembler) Pending() int {
	return r.buf.Len()
}

// CommandReassembler is the bridge-side mirror of Reassembler, decoding
// router→bridge Command lines instead of Event lines. The core (router side)
// does not use this type directly but it completes the codec for any
// component acting as a bridge peer in tests.
type CommandReassembler struct {
	buf bytes.Buffer
}

// NewCommandReassembler returns an empty CommandReassembler.
func NewCommandReassembler() *CommandReassembler {
	return &CommandReassembler{}
}

// Feed appends a chunk and returns every command completed by it, in order.
// Lines that fail to decode are skipped and not reported; the bridge-side
// peer is reference-only and not on the core's critical path.
func (r *CommandReassembler) Feed(chunk []byte) []Command {
	r.buf.Write(chunk)
	var cmds []Command
	for {
		data := r.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		r.buf.Next(idx + 1)

		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		cmd, err := DecodeCommand(line)
		if err != nil {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}
