package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ash-systems/ash/internal/bridge"
)

// sseSink is the real EventSink the router writes to for
// POST /api/sessions/{id}/messages, spec.md §4.8 "SSE backpressure". Send
// enqueues onto a bounded channel rather than writing to the
// ResponseWriter directly, so a context deadline (the router wraps every
// call in one bounded by SSE_WRITE_TIMEOUT_MS) can actually preempt a
// stalled client: a direct w.Write has no such hook. A single goroutine
// (run) drains the channel and performs the real writes.
type sseSink struct {
	queue chan bridge.Event
}

func newSSESink() *sseSink {
	return &sseSink{queue: make(chan bridge.Event, 64)}
}

// Send implements router.EventSink.
func (s *sseSink) Send(ctx context.Context, ev bridge.Event) bool {
	select {
	case s.queue <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *sseSink) close() { close(s.queue) }

// run writes every queued event as an SSE frame until the queue is closed,
// flushing after each one so the client sees it immediately.
func (s *sseSink) run(w http.ResponseWriter, flusher http.Flusher) {
	for ev := range s.queue {
		writeSSEEvent(w, ev)
		flusher.Flush()
	}
}

func writeSSEEvent(w http.ResponseWriter, ev bridge.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	fmt.Fprintf(w, "event: error\ndata: {\"error\":%q}\n\n", message)
	flusher.Flush()
}
