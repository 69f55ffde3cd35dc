package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ash-systems/ash/internal/bridge"
	"github.com/ash-systems/ash/internal/pool"
)

// RemoteBackend wraps an HTTP client to another runner process, spec.md
// §4.7 "Wraps an HTTP client to a runner process. sendCommand issues a
// POST whose response is an SSE stream; it parses events of form
// `event: <name>\n data: <json>\n\n` and yields them."
type RemoteBackend struct {
	baseURL string
	secret  string
	client  *http.Client

	mu     sync.Mutex
	handle map[string]SandboxHandle
}

// NewRemoteBackend constructs a RemoteBackend that talks to the runner
// listening at baseURL (e.g. "http://10.0.1.5:8080"). secret, if non-empty,
// is sent as a Bearer token on every request (ASH_INTERNAL_SECRET, spec.md
// §6.2).
func NewRemoteBackend(baseURL, secret string, client *http.Client) *RemoteBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  client,
		handle:  make(map[string]SandboxHandle),
	}
}

type createSandboxWire struct {
	AgentDir      string `json:"agentDir"`
	AgentName     string `json:"agentName"`
	SessionID     string `json:"sessionId"`
	TenantID      string `json:"tenantId"`
	SkipAgentCopy bool   `json:"skipAgentCopy"`
}

type sandboxHandleWire struct {
	SandboxID    string `json:"sandboxId"`
	WorkspaceDir string `json:"workspaceDir"`
}

// CreateSandbox implements Backend.
func (b *RemoteBackend) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (SandboxHandle, error) {
	var out sandboxHandleWire
	status, err := b.doJSON(ctx, http.MethodPost, "/runner/sandboxes", createSandboxWire{
		AgentDir:      req.AgentDir,
		AgentName:     req.AgentName,
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		SkipAgentCopy: req.SkipAgentCopy,
	}, &out)
	if err != nil {
		return SandboxHandle{}, err
	}
	if status == http.StatusServiceUnavailable {
		return SandboxHandle{}, ErrCapacityReached
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return SandboxHandle{}, fmt.Errorf("runner create sandbox: status %d", status)
	}

	h := SandboxHandle{SandboxID: out.SandboxID, WorkspaceDir: out.WorkspaceDir}
	b.mu.Lock()
	b.handle[h.SandboxID] = h
	b.mu.Unlock()
	return h, nil
}

// DestroySandbox implements Backend.
func (b *RemoteBackend) DestroySandbox(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.handle, id)
	b.mu.Unlock()
	_, err := b.doJSON(ctx, http.MethodDelete, "/runner/sandboxes/"+id, nil, nil)
	return err
}

// SendCommand implements Backend, spec.md §4.7: parses a `text/event-stream`
// response body into a channel of bridge.Event, one per `data:` line.
func (b *RemoteBackend) SendCommand(ctx context.Context, id string, cmd bridge.Command) (<-chan bridge.Event, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/runner/sandboxes/"+id+"/cmd", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner send command: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("runner send command: status %d", resp.StatusCode)
	}

	out := make(chan bridge.Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanSSE(resp.Body, out)
	}()
	return out, nil
}

// scanSSE reads an SSE stream of `event: <name>\ndata: <json>\n\n` frames
// and decodes each data line as a bridge.Event, spec.md §4.7.
func scanSSE(r io.Reader, out chan<- bridge.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var ev bridge.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			out <- bridge.Event{Kind: bridge.EventDecodeError, DecodeError: err.Error(), Raw: []byte(data)}
			continue
		}
		out <- ev
	}
}

// Interrupt implements Backend.
func (b *RemoteBackend) Interrupt(ctx context.Context, id string) error {
	_, err := b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/interrupt", nil, nil)
	return err
}

// GetSandbox implements Backend: spec.md §4.7 "remote treats cache presence
// as proof", so this consults the local handle cache populated by
// CreateSandbox rather than making a network call.
func (b *RemoteBackend) GetSandbox(ctx context.Context, id string) (SandboxHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handle[id]
	return h, ok
}

// IsSandboxAlive implements Backend: "remote treats cache presence as
// proof" (spec.md §4.6).
func (b *RemoteBackend) IsSandboxAlive(ctx context.Context, id string) bool {
	_, ok := b.GetSandbox(ctx, id)
	return ok
}

type markWire struct {
	State string `json:"state"`
}

// MarkRunning implements Backend.
func (b *RemoteBackend) MarkRunning(ctx context.Context, id string) {
	_, _ = b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/mark", markWire{State: "running"}, nil)
}

// MarkWaiting implements Backend.
func (b *RemoteBackend) MarkWaiting(ctx context.Context, id string) {
	_, _ = b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/mark", markWire{State: "waiting"}, nil)
}

type persistWire struct {
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName"`
}

type persistResultWire struct {
	Persisted bool `json:"persisted"`
}

// PersistState implements Backend.
func (b *RemoteBackend) PersistState(ctx context.Context, id, sessionID, agentName string) bool {
	var out persistResultWire
	status, err := b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/persist", persistWire{
		SessionID: sessionID,
		AgentName: agentName,
	}, &out)
	if err != nil || status != http.StatusOK {
		return false
	}
	return out.Persisted
}

// RecordWarmHit, RecordColdLocalHit, RecordColdCloudHit and
// RecordColdFreshHit are no-ops on RemoteBackend. The cold counters are
// recorded server-side by the runner that performs the restore
// (internal/runner.LocalBackend) and reported back through GetStats. The
// warm counter is not: the router's warm resume path calls RecordWarmHit on
// the session's backend, so a warm resume of a session bound to a remote
// runner is not counted in any runner's resumeWarmHits.
func (b *RemoteBackend) RecordWarmHit()      {}
func (b *RemoteBackend) RecordColdLocalHit() {}
func (b *RemoteBackend) RecordColdCloudHit() {}
func (b *RemoteBackend) RecordColdFreshHit() {}

// GetStats implements Backend via GET /runner/health.
func (b *RemoteBackend) GetStats(ctx context.Context) (pool.Stats, error) {
	var out pool.Stats
	status, err := b.doJSON(ctx, http.MethodGet, "/runner/health", nil, &out)
	if err != nil {
		return pool.Stats{}, err
	}
	if status != http.StatusOK {
		return pool.Stats{}, fmt.Errorf("runner health: status %d", status)
	}
	return out, nil
}

func (b *RemoteBackend) authorize(req *http.Request) {
	if b.secret != "" {
		req.Header.Set("Authorization", "Bearer "+b.secret)
	}
}

// doJSON issues a JSON request and, if out is non-nil, decodes the JSON
// response body into it. A nil in or out is treated as "no body".
func (b *RemoteBackend) doJSON(ctx context.Context, method, path string, in, out any) (int, error) {
	var bodyReader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("runner request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode response from %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
