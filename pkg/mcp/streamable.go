package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// HeaderProvider supplies per-request headers (e.g. a fresh bearer token);
// it is consulted on every outbound POST/GET/DELETE so a dynamic credential
// provider (§4.2 OAuth-wrapped) can refresh ahead of expiry.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// StreamableHTTPTransport implements the Streamable-HTTP wire contract of
// spec §4.3: a single endpoint driven by POST (with inline-SSE or 202
// deferral) plus a long-poll GET SSE channel, session-id tracking and
// Last-Event-ID resumption.
//
// Grounded on the official modelcontextprotocol/go-sdk streamable client
// transport (other_examples/da844fc4_modelcontextprotocol-go-sdk__mcp-
// streamable.go.go): the atomic session-id value, the POST/hanging-GET/SSE-
// reader goroutine split, and the 404-retry-once behavior are all modeled on
// that reference. The inline-SSE response extractor deliberately differs
// from it (correlates by id rather than "last event wins") per SPEC_FULL's
// resolution of the spec's open question on this point.
type StreamableHTTPTransport struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	headers    HeaderProvider

	sessionID   atomic.Value // string
	lastEventID atomic.Value // string
	protocolVersion atomic.Value // string

	pending *pendingRequestTable
	nextID  atomic.Int64

	mu              sync.Mutex
	sseCancel       context.CancelFunc
	sseDone         chan struct{}
	disconnected    bool
	streamingSupported bool

	notifyHandler  NotificationHandler
	requestHandler ServerRequestHandler
}

func NewStreamableHTTPTransport(endpoint string, headers HeaderProvider, logger *slog.Logger) *StreamableHTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &StreamableHTTPTransport{
		endpoint:           endpoint,
		httpClient:         &http.Client{},
		logger:             logger,
		headers:            headers,
		pending:            newPendingRequestTable(),
		streamingSupported: true,
	}
	t.sessionID.Store("")
	t.lastEventID.Store("")
	t.protocolVersion.Store(LatestProtocolVersion)
	return t
}

func (t *StreamableHTTPTransport) SetNotificationHandler(h NotificationHandler)   { t.notifyHandler = h }
func (t *StreamableHTTPTransport) SetServerRequestHandler(h ServerRequestHandler) { t.requestHandler = h }
func (t *StreamableHTTPTransport) SessionID() string                             { return t.sessionID.Load().(string) }
func (t *StreamableHTTPTransport) ResumptionToken() string                       { return t.lastEventID.Load().(string) }
func (t *StreamableHTTPTransport) SetResumptionToken(tok string)                 { t.lastEventID.Store(tok) }
func (t *StreamableHTTPTransport) SetNegotiatedVersion(v string)                 { t.protocolVersion.Store(v) }

// Connect starts the long-poll GET SSE reader. A server that doesn't support
// it (405/JSON response) causes a silent downgrade, not a connect failure.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.disconnected = false
	t.mu.Unlock()
	t.startSSEReader()
	return nil
}

func (t *StreamableHTTPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return nil
	}
	t.disconnected = true
	cancel := t.sseCancel
	done := t.sseDone
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	t.pending.drainAll("transport disconnected")

	if sid := t.SessionID(); sid != "" {
		req, err := http.NewRequest(http.MethodDelete, t.endpoint, nil)
		if err == nil {
			t.applyHeaders(ctx, req)
			resp, err := t.httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
			} else {
				t.logger.Debug("DELETE session failed", "error", err)
			}
		}
	}
	return nil
}

func (t *StreamableHTTPTransport) applyHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := t.SessionID(); sid != "" {
		req.Header.Set("MCP-Session-Id", sid)
	}
	if pv, _ := t.protocolVersion.Load().(string); pv != "" {
		req.Header.Set("MCP-Protocol-Version", pv)
	}
	if t.headers != nil {
		if extra, err := t.headers(ctx); err == nil {
			for k, vs := range extra {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
		}
	}
}

func (t *StreamableHTTPTransport) adoptSessionID(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" && t.SessionID() == "" {
		t.sessionID.Store(sid)
	}
}

// SendRequest implements the POST half of §4.3, including the 200-JSON,
// 200-event-stream, 202-deferred, and stale-session-404-retry-once paths.
func (t *StreamableHTTPTransport) SendRequest(ctx context.Context, method string, params any) (string, json.RawMessage, error) {
	id := t.nextID.Add(1)
	canonicalID := fmt.Sprintf("%d", id)
	entry := t.pending.register(canonicalID)

	if err := t.postRequest(ctx, method, params, id, false); err != nil {
		t.pending.release(canonicalID)
		return canonicalID, nil, err
	}

	select {
	case res := <-entry.resultCh:
		return canonicalID, res.value, res.err
	case <-ctx.Done():
		t.pending.complete(canonicalID, nil, NewCancelledError("context cancelled"))
		return canonicalID, nil, NewCancelledError("context cancelled")
	}
}

func (t *StreamableHTTPTransport) postRequest(ctx context.Context, method string, params any, id int64, retried bool) error {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return NewEncodingError(err)
	}
	idRaw := json.RawMessage(fmt.Sprintf("%d", id))
	req := Request{JSONRPC: "2.0", ID: &idRaw, Method: method, Params: paramBytes}
	body, err := json.Marshal(req)
	if err != nil {
		return NewEncodingError(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return NewEncodingError(err)
	}
	t.applyHeaders(ctx, httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindTransportHTTPStatus, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && t.SessionID() != "" && !retried {
		t.sessionID.Store("")
		return t.postRequest(ctx, method, params, id, true)
	}

	t.adoptSessionID(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// Response deferred to the GET SSE channel; ensure the reader is
		// running (it may have been downgraded/disabled).
		t.startSSEReader()
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		ct := resp.Header.Get("Content-Type")
		if strings.Contains(ct, "text/event-stream") {
			return t.consumeInlineSSE(resp.Body, fmt.Sprintf("%d", id))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBodySize))
		if err != nil {
			return NewDecodingError(err)
		}
		var rpcResp Response
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return NewDecodingError(err)
		}
		t.resolveResponse(&rpcResp)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewTransportHTTPStatusError(resp.StatusCode, string(data))
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewTransportHTTPStatusError(resp.StatusCode, string(data))
	}
}

// consumeInlineSSE parses an inline event-stream POST response and resolves
// the pending entry matching wantID by id, per SPEC_FULL's explicit
// resolution of the "last event wins" open question.
func (t *StreamableHTTPTransport) consumeInlineSSE(body io.Reader, wantID string) error {
	events := parseSSE(body, t)
	for ev := range events {
		t.dispatchSSEEvent(ev)
	}
	return nil
}

// resolveResponse completes the pending entry for a decoded JSON-RPC
// response, or logs if the id is unknown (e.g. stale/duplicate delivery).
func (t *StreamableHTTPTransport) resolveResponse(resp *Response) {
	id := jsonCanonicalID(resp.ID)
	var result json.RawMessage
	var err error
	if resp.Error != nil {
		err = NewRPCError(resp.Error)
	} else {
		result = resp.Result
	}
	if !t.pending.complete(id, result, err) {
		t.logger.Debug("response for unknown/already-resolved request id", "id", id)
	}
}

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	id    string
	event string
	data  string
}

// parseSSE implements the line-based SSE grammar of spec §4.3: `:` comment,
// `event:`/`id:`/`data:` fields, blank line commits. It yields into a
// channel closed when the reader is exhausted.
func parseSSE(r io.Reader, t *StreamableHTTPTransport) <-chan sseEvent {
	out := make(chan sseEvent)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var cur sseEvent
		var dataLines []string
		flush := func() {
			if len(dataLines) == 0 && cur.event == "" {
				return
			}
			cur.data = strings.Join(dataLines, "\n")
			if cur.data == "[DONE]" {
				cur = sseEvent{}
				dataLines = nil
				return
			}
			out <- cur
			if cur.id != "" && t != nil {
				t.lastEventID.Store(cur.id)
			}
			cur = sseEvent{}
			dataLines = nil
		}
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				flush()
			case strings.HasPrefix(line, ":"):
				// comment, ignore (e.g. keepalive)
			case strings.HasPrefix(line, "event:"):
				cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "id:"):
				cur.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		flush()
	}()
	return out
}

func jsonCanonicalID(id *json.RawMessage) string {
	if id == nil {
		return ""
	}
	var s string
	if json.Unmarshal(*id, &s) == nil {
		return s
	}
	return strings.Trim(string(*id), `"`)
}

// dispatchSSEEvent classifies a parsed event by peeking at its fields per
// spec §4.3: method+no-id -> notification, method+id -> server request,
// id-no-method -> response.
func (t *StreamableHTTPTransport) dispatchSSEEvent(ev sseEvent) {
	if ev.event == "error" {
		t.logger.Warn("SSE error event", "data", ev.data)
		return
	}
	if ev.event == "endpoint" {
		// Legacy SSE-split servers embed the session in the endpoint URL;
		// the streamable transport doesn't rewrite its POST target (that's
		// the SSE-split transport's job) but does try to lift a sessionId.
		if sid := extractSessionIDFromEndpoint(ev.data); sid != "" {
			t.sessionID.Store(sid)
		}
		return
	}
	if ev.data == "" {
		return
	}
	var peek struct {
		Method *string          `json:"method"`
		ID     *json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(ev.data), &peek); err != nil {
		t.logger.Warn("undecodable SSE data event", "error", err)
		return
	}
	switch {
	case peek.Method != nil && peek.ID == nil:
		var notif struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal([]byte(ev.data), &notif)
		if t.notifyHandler != nil {
			t.notifyHandler(*peek.Method, notif.Params)
		}
	case peek.Method != nil && peek.ID != nil:
		t.handleServerRequest(*peek.Method, peek.ID, []byte(ev.data))
	case peek.ID != nil:
		var resp Response
		if err := json.Unmarshal([]byte(ev.data), &resp); err == nil {
			t.resolveResponse(&resp)
		}
	}
}

func (t *StreamableHTTPTransport) handleServerRequest(method string, id *json.RawMessage, raw []byte) {
	var env struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(raw, &env)

	if t.requestHandler == nil {
		resp := Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: InternalError, Message: fmt.Sprintf("client does not support %s", method)}}
		t.postResponse(resp)
		return
	}
	result, errObj := t.requestHandler(context.Background(), method, env.Params)
	var resp Response
	if errObj != nil {
		resp = Response{JSONRPC: "2.0", ID: id, Error: errObj}
	} else {
		resultBytes, _ := json.Marshal(result)
		resp = Response{JSONRPC: "2.0", ID: id, Result: resultBytes}
	}
	t.postResponse(resp)
}

// postResponse sends a client->server JSON-RPC response (the reply to a
// server->client request) as a best-effort, notification-style POST.
func (t *StreamableHTTPTransport) postResponse(resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		t.logger.Warn("failed to encode server-request response", "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	t.applyHeaders(context.Background(), req)
	out, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("failed to deliver server-request response", "error", err)
		return
	}
	out.Body.Close()
}

// SendNotification POSTs a fire-and-forget JSON-RPC notification (no id).
func (t *StreamableHTTPTransport) SendNotification(ctx context.Context, method string, params any) error {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return NewEncodingError(err)
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: paramBytes}
	body, err := json.Marshal(req)
	if err != nil {
		return NewEncodingError(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return NewEncodingError(err)
	}
	t.applyHeaders(ctx, httpReq)
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindTransportHTTPStatus, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	t.adoptSessionID(resp)
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewTransportHTTPStatusError(resp.StatusCode, string(data))
	}
	return nil
}

// startSSEReader spawns the single background reader task that owns the
// long-poll GET SSE channel (spec §4.3 concurrency invariants). It is a
// no-op if a reader is already running, and downgrades silently on 405/JSON.
func (t *StreamableHTTPTransport) startSSEReader() {
	t.mu.Lock()
	if t.disconnected || !t.streamingSupported || t.sseCancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.sseCancel = cancel
	t.sseDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			t.mu.Lock()
			t.sseCancel = nil
			t.sseDone = nil
			t.mu.Unlock()
		}()
		t.runSSEReader(ctx)
	}()
}

func (t *StreamableHTTPTransport) runSSEReader(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if tok := t.ResumptionToken(); tok != "" {
		req.Header.Set("Last-Event-ID", tok)
	}
	t.applyHeaders(ctx, req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		t.mu.Lock()
		t.streamingSupported = false
		t.mu.Unlock()
		return
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/event-stream") {
		t.mu.Lock()
		t.streamingSupported = false
		t.mu.Unlock()
		return
	}
	t.adoptSessionID(resp)

	events := parseSSE(resp.Body, t)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.dispatchSSEEvent(ev)
		}
	}
}

func extractSessionIDFromEndpoint(data string) string {
	idx := strings.Index(data, "sessionId=")
	if idx < 0 {
		return ""
	}
	rest := data[idx+len("sessionId="):]
	for i, r := range rest {
		if r == '&' {
			return rest[:i]
		}
	}
	return rest
}

func newUUID() string { return uuid.NewString() }
