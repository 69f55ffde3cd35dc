// Package bridgeclient owns the client end of a sandbox's local bridge
// socket: connect-with-retry, a serialized sendCommand that yields a
// bounded stream of events, and peer-close detection. Grounded in the
// event-driven-async→explicit-tasks-and-channels design note (spec.md §9):
// a reader task feeds the bridge codec's Reassembler and demultiplexes
// decoded events to whichever command is currently in flight, exactly the
// "two tasks joined by a bounded channel" model the note prescribes.
package bridgeclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ash-systems/ash/internal/bridge"
)

// Sentinel errors, spec.md §4.3 and §7.
var (
	ErrConnectTimeout = errors.New("connect_timeout")
	ErrNotConnected   = errors.New("not_connected")
	ErrPeerClosed     = errors.New("peer_closed")
	ErrBusy           = errors.New("command already in flight")
)

// eventBufferSize bounds the per-command event channel. The router drains
// it as fast as its own SSE backpressure allows (internal/router); this
// buffer only needs to smooth bursts, not hold an unbounded backlog.
const eventBufferSize = 64

// Client owns one sandbox's bridge socket connection. A single Client
// serializes outbound commands: the caller is expected to issue only one
// in-flight message per session, enforced by the session state machine
// (spec.md §4.3 "Concurrency").
type Client struct {
	conn net.Conn

	mu       sync.Mutex
	active   chan bridge.Event
	closed   bool
	closeErr error
}

// Connect polls path until a Unix socket accepts a connection, up to
// timeout, spec.md §4.3 "Connect". On success it starts the background
// reader task.
func Connect(ctx context.Context, path string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		var d net.Dialer
		dialCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		conn, err := d.DialContext(dialCtx, "unix", path)
		cancel()
		if err == nil {
			c := &Client{conn: conn}
			go c.readLoop()
			return c, nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect to %s: %w (last error: %v)", path, ErrConnectTimeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// readLoop consumes bytes from the socket, feeds the reassembler, and
// demultiplexes each decoded event to the currently active command's
// channel. Events arriving with no active command (a protocol violation by
// the bridge, or a race right after a stream ends) are dropped rather than
// blocking the reader forever.
func (c *Client) readLoop() {
	reassembler := bridge.NewReassembler()
	reader := bufio.NewReaderSize(c.conn, 64*1024)
	buf := make([]byte, 64*1024)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, ev := range reassembler.Feed(buf[:n]) {
				c.dispatch(ev)
			}
		}
		if err != nil {
			c.onPeerClosed(err)
			return
		}
	}
}

func (c *Client) dispatch(ev bridge.Event) {
	c.mu.Lock()
	ch := c.active
	terminal := ev.Kind == bridge.EventDone || ev.Kind == bridge.EventError
	if terminal {
		c.active = nil
	}
	c.mu.Unlock()

	if ch == nil {
		return
	}
	ch <- ev
	if terminal {
		close(ch)
	}
}

// onPeerClosed runs on the reader goroutine when the socket read returns an
// error (including a clean EOF): the bridge process is gone. Per spec.md
// §7 "Sandbox died mid-stream... end the SSE with error, mark session
// error", any command in flight gets a synthetic terminal error event
// (Event.Error == bridge.PeerClosedError) rather than just a closed
// channel, so a consumer reading only the event stream can still tell a
// dead connection apart from a normal done.
func (c *Client) onPeerClosed(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closeErr = fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	c.closed = true
	ch := c.active
	c.active = nil
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- bridge.Event{Kind: bridge.EventError, Error: bridge.PeerClosedError}:
		default:
			// Nobody reading in (forwardUntilCancel already returned on
			// ctx cancellation) — don't block the reader goroutine.
		}
		close(ch)
	}
}

// Err returns the reason the peer closed the connection, or nil if it is
// still open or was closed locally via Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// SendCommand writes an encoded command and returns a lazy, finite,
// non-restartable event channel terminating on the first of: a done event,
// an error event, peer close, or ctx cancellation, spec.md §4.3 "Send".
func (c *Client) SendCommand(ctx context.Context, cmd bridge.Command) (<-chan bridge.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	ch := make(chan bridge.Event, eventBufferSize)
	c.active = ch
	c.mu.Unlock()

	encoded, err := cmd.Encode()
	if err != nil {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		close(ch)
		return nil, fmt.Errorf("encode command: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(encoded); err != nil {
		c.mu.Lock()
		if c.active == ch {
			c.active = nil
		}
		c.mu.Unlock()
		close(ch)
		return nil, fmt.Errorf("write command: %w", err)
	}

	out := make(chan bridge.Event, eventBufferSize)
	go c.forwardUntilCancel(ctx, ch, out)
	return out, nil
}

// forwardUntilCancel relays events from the raw per-command channel to the
// caller's channel, closing early (without reading further) if ctx is
// cancelled, implementing "caller cancellation" as a stream terminator.
func (c *Client) forwardUntilCancel(ctx context.Context, in <-chan bridge.Event, out chan<- bridge.Event) {
	defer close(out)
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Interrupt sends a fire-and-forget interrupt command, spec.md §4.3.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.writeFireAndForget(ctx, bridge.NewInterruptCommand(sessionID))
}

// Shutdown sends a fire-and-forget shutdown command; the caller (the
// sandbox runtime) is responsible for the SIGTERM/SIGKILL escalation that
// follows, spec.md §4.2 "Teardown".
func (c *Client) Shutdown(ctx context.Context, sessionID string) error {
	return c.writeFireAndForget(ctx, bridge.NewShutdownCommand(sessionID))
}

func (c *Client) writeFireAndForget(ctx context.Context, cmd bridge.Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	encoded, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Close shuts down the socket connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	return c.conn.Close()
}

// checkSocketIsNotSymlink rejects dialing through a symlinked socket path,
// a hijack-protection measure grounded on the sandkasten runtime driver's
// execViaSocket Lstat check. Callers that accept an untrusted-ish sandbox
// directory layout should call this before Connect.
func checkSocketIsNotSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		// Not existing yet is fine — Connect's poll loop handles that.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lstat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to dial %s: possible symlink hijack", path)
	}
	return nil
}

// ConnectSafe is Connect plus the symlink-hijack check. The check runs once,
// before polling starts; the later poll attempts inside Connect do not
// repeat it.
func ConnectSafe(ctx context.Context, path string, timeout time.Duration) (*Client, error) {
	if err := checkSocketIsNotSymlink(path); err != nil {
		return nil, err
	}
	return Connect(ctx, path, timeout)
}
