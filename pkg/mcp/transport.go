package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mcpmesh/mcpmesh/pkg/jsonrpc"
)

// NotificationHandler receives a server->client notification (no id).
type NotificationHandler func(method string, params json.RawMessage)

// ServerRequestHandler receives a server->client request (sampling/elicitation)
// and returns the result to send back, or a *jsonrpc.Error (RPCError) to send
// back as an rpc error response. Implemented by the dispatcher (§4.8).
type ServerRequestHandler func(ctx context.Context, method string, params json.RawMessage) (result any, errObj *jsonrpc.Error)

// Transport is the minimal capability every MCP wire variant must provide:
// a correlated request/response call and a fire-and-forget notification.
// This is the "send_request"/"send_notification" half of the capability set
// in spec §4.2; streaming and resumption are optional add-ons below.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SendRequest encodes method/params as a JSON-RPC request, sends it, and
	// returns the wire id it assigned the request alongside the correlated
	// result (or an *Error on failure/timeout). Callers that need to cancel
	// the in-flight request (e.g. on a client-side timeout) echo this id back
	// in the notifications/cancelled they send.
	SendRequest(ctx context.Context, method string, params any) (id string, result json.RawMessage, err error)

	// SendNotification encodes method/params as a JSON-RPC notification
	// (no id) and sends it without awaiting a reply.
	SendNotification(ctx context.Context, method string, params any) error
}

// StreamingChannel is the optional half of the capability set: a persistent
// channel on which the server may push notifications and requests
// (sampling/elicitation) independent of any particular POST response.
// A transport that implements this interface is "streaming-capable" per
// spec §4.2/§4.3; one that doesn't (e.g. a bare request/response transport)
// can only be driven by direct calls.
type StreamingChannel interface {
	SetNotificationHandler(h NotificationHandler)
	SetServerRequestHandler(h ServerRequestHandler)
}

// ResumptionControl is the optional resumption capability of streamable
// transports: a last-event-id / session token that can be persisted and
// restored across process restarts (spec §3 "persisted stream resumption
// token", §6 "Persisted state").
type ResumptionControl interface {
	SessionID() string
	ResumptionToken() string
	SetResumptionToken(token string)
}

// pendingEntry is a single-shot slot in a transport's pending-request table.
type pendingEntry struct {
	resultCh chan pendingResult
	done     bool
}

type pendingResult struct {
	value json.RawMessage
	err   error
}

// pendingRequestTable is the per-transport map from canonical JSON-RPC id to
// a single-shot result channel (spec §3 "Pending-request table"). It is
// owned exclusively by the transport that creates it (§5) and guarantees:
// every id appears at most once, and every entry is completed exactly once
// (value, error, or cancellation), even on disconnect.
//
// Grounded on the teacher's pkg/mcp/process.go `responses map[int64]chan
// *Response` pattern, generalized to string keys and a typed result envelope.
type pendingRequestTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingRequestTable() *pendingRequestTable {
	return &pendingRequestTable{entries: make(map[string]*pendingEntry)}
}

// register creates a new pending entry for id. It panics on a duplicate id,
// which would indicate a caller-side id-generation bug (ids are minted by
// this transport, never supplied externally).
func (t *pendingRequestTable) register(id string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		panic(fmt.Sprintf("mcp: duplicate pending request id %q", id))
	}
	e := &pendingEntry{resultCh: make(chan pendingResult, 1)}
	t.entries[id] = e
	return e
}

// complete resolves the entry for id exactly once. A second call is a no-op.
func (t *pendingRequestTable) complete(id string, value json.RawMessage, err error) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok || e.done {
		return false
	}
	e.done = true
	e.resultCh <- pendingResult{value: value, err: err}
	return true
}

// release removes the entry for id without completing it (caller has
// already drained/owns its channel directly, e.g. after a successful wait).
func (t *pendingRequestTable) release(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// drainAll completes every outstanding entry with a cancellation error, used
// on disconnect per spec §4.2 ("Disconnect must release all pending-request
// entries with a cancellation error").
func (t *pendingRequestTable) drainAll(reason string) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()
	for _, e := range entries {
		if e.done {
			continue
		}
		e.done = true
		e.resultCh <- pendingResult{err: NewCancelledError(reason)}
	}
}

func (t *pendingRequestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
