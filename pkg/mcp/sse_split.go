package mcp

import (
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
)

// SSESplitTransport implements the legacy split-endpoint variant of spec
// §4.2: a persistent GET on the event-stream endpoint and a POST to a
// separate message endpoint, the latter discovered (or rewritten) from the
// SSE server's `event: endpoint` payload.
//
// Grounded on the teacher's pkg/mcp/sse.go (server-side `sendEvent`/endpoint
// event emission — the wire format a client here must consume) and
// pkg/mcp/session.go's SessionManager cleanup/eviction pattern, adapted to
// the single-session client role.
type SSESplitTransport struct {
	sseEndpoint string
	messageURL  atomic.Value // string, may be rewritten by the endpoint event
	httpClient  *http.Client
	logger      *slog.Logger
	headers     HeaderProvider

	pending *pendingRequestTable
	nextID  atomic.Int64

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	disconnected bool
	ready        chan struct{}
	readyOnce    sync.Once

	notifyHandler  NotificationHandler
	requestHandler ServerRequestHandler
}

func NewSSESplitTransport(sseEndpoint string, headers HeaderProvider, logger *slog.Logger) *SSESplitTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &SSESplitTransport{
		sseEndpoint: sseEndpoint,
		httpClient:  &http.Client{},
		logger:      logger,
		headers:     headers,
		pending:     newPendingRequestTable(),
		ready:       make(chan struct{}),
	}
	t.messageURL.Store(sseEndpoint)
	return t
}

func (t *SSESplitTransport) SetNotificationHandler(h NotificationHandler)   { t.notifyHandler = h }
func (t *SSESplitTransport) SetServerRequestHandler(h ServerRequestHandler) { t.requestHandler = h }

func (t *SSESplitTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.disconnected = false
	ctx2, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.runReader(ctx2)
	}()

	// Wait for the endpoint event so the first POST has a message URL. The
	// wait has no bound of its own: it ends when the event arrives or ctx is
	// done, and Connect returns nil either way.
	select {
	case <-t.ready:
	case <-ctx.Done():
	}
	return nil
}

func (t *SSESplitTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return nil
	}
	t.disconnected = true
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	t.pending.drainAll("transport disconnected")
	return nil
}

func (t *SSESplitTransport) runReader(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sseEndpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.headers != nil {
		if extra, err := t.headers(ctx); err == nil {
			for k, vs := range extra {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
		}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	events := parseSSE(resp.Body, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.handleEvent(ev)
		}
	}
}

func (t *SSESplitTransport) handleEvent(ev sseEvent) {
	if ev.event == "endpoint" {
		url := ev.data
		if idx := strings.Index(url, "://"); idx < 0 && !strings.HasPrefix(url, "/") {
			// relative to the SSE endpoint's origin
			url = rebaseRelativeURL(t.sseEndpoint, url)
		} else if strings.HasPrefix(url, "/") {
			url = rebaseRelativeURL(t.sseEndpoint, url)
		}
		t.messageURL.Store(url)
		t.readyOnce.Do(func() { close(t.ready) })
		return
	}
	if ev.event == "error" {
		t.logger.Warn("SSE error event", "data", ev.data)
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
			id := jsonCanonicalID(resp.ID)
			var result json.RawMessage
			var rerr error
			if resp.Error != nil {
				rerr = NewRPCError(resp.Error)
			} else {
				result = resp.Result
			}
			t.pending.complete(id, result, rerr)
		}
	}
}

func rebaseRelativeURL(base, rel string) string {
	idx := strings.Index(base, "://")
	if idx < 0 {
		return rel
	}
	afterScheme := base[idx+3:]
	slash := strings.Index(afterScheme, "/")
	var origin string
	if slash < 0 {
		origin = base
	} else {
		origin = base[:idx+3+slash]
	}
	if strings.HasPrefix(rel, "/") {
		return origin + rel
	}
	return origin + "/" + rel
}

func (t *SSESplitTransport) handleServerRequest(method string, id *json.RawMessage, raw []byte) {
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

func (t *SSESplitTransport) postResponse(resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	t.postRaw(context.Background(), body)
}

func (t *SSESplitTransport) postRaw(ctx context.Context, body []byte) (*http.Response, error) {
	url, _ := t.messageURL.Load().(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.headers != nil {
		if extra, err := t.headers(ctx); err == nil {
			for k, vs := range extra {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
		}
	}
	return t.httpClient.Do(req)
}

func (t *SSESplitTransport) SendRequest(ctx context.Context, method string, params any) (string, json.RawMessage, error) {
	id := t.nextID.Add(1)
	canonicalID := fmt.Sprintf("%d", id)
	entry := t.pending.register(canonicalID)

	paramBytes, err := json.Marshal(params)
	if err != nil {
		t.pending.release(canonicalID)
		return canonicalID, nil, NewEncodingError(err)
	}
	idRaw := json.RawMessage(canonicalID)
	req := Request{JSONRPC: "2.0", ID: &idRaw, Method: method, Params: paramBytes}
	body, err := json.Marshal(req)
	if err != nil {
		t.pending.release(canonicalID)
		return canonicalID, nil, NewEncodingError(err)
	}
	resp, err := t.postRaw(ctx, body)
	if err != nil {
		t.pending.release(canonicalID)
		return canonicalID, nil, &Error{Kind: KindTransportHTTPStatus, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		t.pending.release(canonicalID)
		return canonicalID, nil, NewTransportHTTPStatusError(resp.StatusCode, string(data))
	}

	select {
	case res := <-entry.resultCh:
		return canonicalID, res.value, res.err
	case <-ctx.Done():
		t.pending.complete(canonicalID, nil, NewCancelledError("context cancelled"))
		return canonicalID, nil, NewCancelledError("context cancelled")
	}
}

func (t *SSESplitTransport) SendNotification(ctx context.Context, method string, params any) error {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return NewEncodingError(err)
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: paramBytes}
	body, err := json.Marshal(req)
	if err != nil {
		return NewEncodingError(err)
	}
	resp, err := t.postRaw(ctx, body)
	if err != nil {
		return &Error{Kind: KindTransportHTTPStatus, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewTransportHTTPStatusError(resp.StatusCode, string(data))
	}
	return nil
}
