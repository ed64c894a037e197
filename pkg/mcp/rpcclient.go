package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// RPCClient encodes/decodes the MCP JSON-RPC method catalogue (spec §4.1)
// over a Transport. It owns no connection-lifecycle state itself (that's
// the Manager's job, §4.4) — it is a thin, reusable encoder/decoder plus
// per-call timeout racing and cursor pagination.
//
// Grounded on the teacher's pkg/mcp/client.go / client_base.go RPCClient,
// generalized from a single HTTP implementation to any Transport.
type RPCClient struct {
	transport Transport
	logger    *slog.Logger
}

func NewRPCClient(t Transport, logger *slog.Logger) *RPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCClient{transport: t, logger: logger}
}

// Initialize performs the initialize handshake and, on success, best-effort
// sends notifications/initialized. clientCaps reflects the host's currently
// registered sampling/elicitation handlers (spec §4.8).
func (c *RPCClient) Initialize(ctx context.Context, clientInfo ClientInfo, clientCaps Capabilities) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		ClientInfo:      clientInfo,
		Capabilities:    clientCaps,
	}
	_, raw, err := c.transport.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewDecodingError(err)
	}
	version := result.ProtocolVersion
	if version == "" {
		version = params.ProtocolVersion
	}
	if !isSupportedProtocolVersion(version) {
		return nil, NewUnsupportedProtocolVersionError(version)
	}
	result.ProtocolVersion = version

	// Best-effort: failure to deliver notifications/initialized must not
	// fail the handshake.
	if err := c.transport.SendNotification(ctx, "notifications/initialized", struct{}{}); err != nil {
		c.logger.Debug("notifications/initialized delivery failed", "error", err)
	}
	return &result, nil
}

// listPage performs one cursor-paginated call and tolerates method-not-found
// as an empty collection (spec §4.1).
func listPage[T any](ctx context.Context, c *RPCClient, method string, cursor *string, tolerateInvalidParams bool) (ListResult[T], bool, error) {
	var zero ListResult[T]
	params := ListParams{Cursor: cursor}
	_, raw, err := c.transport.SendRequest(ctx, method, params)
	if err != nil {
		if IsMethodNotFound(err) || (tolerateInvalidParams && IsInvalidParams(err)) {
			return zero, true, nil
		}
		return zero, false, err
	}
	var page ListResult[T]
	if err := json.Unmarshal(raw, &page); err != nil {
		return zero, false, NewDecodingError(err)
	}
	return page, false, nil
}

// listAll accumulates pages until nextCursor is absent/blank, refusing to
// follow a cursor already seen in this traversal (spec §4.1 cycle guard).
func listAll[T any](ctx context.Context, c *RPCClient, method string, tolerateInvalidParams bool) ([]T, error) {
	var out []T
	seen := map[string]bool{}
	var cursor *string
	for {
		page, absent, err := listPage[T](ctx, c, method, cursor, tolerateInvalidParams)
		if absent {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == nil || isBlank(*page.NextCursor) {
			return out, nil
		}
		next := *page.NextCursor
		if seen[next] {
			c.logger.Warn("cursor cycle detected, stopping pagination", "method", method, "cursor", next)
			return out, nil
		}
		seen[next] = true
		cursor = &next
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func (c *RPCClient) ListTools(ctx context.Context) ([]Tool, error) {
	return listAll[Tool](ctx, c, "tools/list", false)
}

func (c *RPCClient) ListResources(ctx context.Context) ([]Resource, error) {
	return listAll[Resource](ctx, c, "resources/list", false)
}

func (c *RPCClient) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	return listAll[ResourceTemplate](ctx, c, "resources/templates/list", false)
}

func (c *RPCClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	return listAll[Prompt](ctx, c, "prompts/list", false)
}

func (c *RPCClient) ListRoots(ctx context.Context) ([]Root, error) {
	return listAll[Root](ctx, c, "roots/list", true)
}

// CallToolOptions configures a single tools/call invocation issued directly
// through the RPC client (the managed tool-call engine, §4.7, layers
// watchdog/progress semantics on top of this).
type CallToolOptions struct {
	Timeout               time.Duration
	ProgressToken         any
	IncludeTimeoutInMeta  bool
	CancellationReason    string
}

// CallTool races the transport call against Timeout (if set) rather than
// pushing a raw deadline into the transport, per spec §4.1: on timeout it
// cancels the in-flight call and best-effort sends notifications/cancelled
// before surfacing request_timed_out.
func (c *RPCClient) CallTool(ctx context.Context, name string, arguments map[string]any, opts CallToolOptions) (*ToolCallResult, error) {
	meta := &ToolCallMeta{}
	if opts.ProgressToken != nil {
		meta.ProgressToken = opts.ProgressToken
	}
	if opts.IncludeTimeoutInMeta && opts.Timeout > 0 {
		meta.Timeout = opts.Timeout.Milliseconds()
	}
	params := ToolCallParams{Name: name, Arguments: arguments}
	if meta.ProgressToken != nil || meta.Timeout != 0 {
		params.Meta = meta
	}

	raw, err := c.callWithTimeout(ctx, "tools/call", params, opts.Timeout, meta.ProgressToken, opts.CancellationReason)
	if err != nil {
		return nil, err
	}
	return &ToolCallResult{Raw: raw}, nil
}

func (c *RPCClient) ReadResource(ctx context.Context, uri string, arguments map[string]any) (json.RawMessage, error) {
	_, raw, err := c.transport.SendRequest(ctx, "resources/read", ResourceReadParams{URI: uri, Arguments: arguments})
	return raw, err
}

func (c *RPCClient) GetPrompt(ctx context.Context, name string, arguments map[string]any) (*PromptGetResult, error) {
	_, raw, err := c.transport.SendRequest(ctx, "prompts/get", PromptGetParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var result PromptGetResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewDecodingError(err)
	}
	return &result, nil
}

func (c *RPCClient) SetLogLevel(ctx context.Context, level string) error {
	_, _, err := c.transport.SendRequest(ctx, "logging/setLevel", LoggingSetLevelParams{Level: level})
	return err
}

// callWithTimeout races transport.SendRequest against a timer. If the timer
// wins, it sends notifications/cancelled best-effort and returns
// request_timed_out; the underlying transport call is abandoned via ctx
// cancellation (callers must use a cancellable transport implementation,
// which all transports in this package are). Cancelling callCtx makes the
// transport unwind its own SendRequest immediately with the wire id it
// already assigned, which is what notifications/cancelled must echo — so the
// timeout/ctx-done branches wait on that unwind rather than minting an id of
// their own.
func (c *RPCClient) callWithTimeout(ctx context.Context, method string, params any, timeout time.Duration, progressToken any, cancelReason string) (json.RawMessage, error) {
	if timeout <= 0 {
		_, raw, err := c.transport.SendRequest(ctx, method, params)
		return raw, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		id    string
		value json.RawMessage
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		id, v, err := c.transport.SendRequest(callCtx, method, params)
		done <- outcome{id: id, value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.value, o.err
	case <-timer.C:
		cancel()
		o := <-done
		reason := cancelReason
		if reason == "" {
			reason = "client cancelled request"
		}
		if err := c.transport.SendNotification(context.Background(), "notifications/cancelled", CancelledParams{RequestID: o.id, Reason: reason}); err != nil {
			c.logger.Debug("cancelled-notification delivery failed", "error", err)
		}
		return nil, NewRequestTimedOutError(method, timeout.Milliseconds())
	case <-ctx.Done():
		cancel()
		o := <-done
		reason := cancelReason
		if reason == "" {
			reason = "client cancelled request"
		}
		if err := c.transport.SendNotification(context.Background(), "notifications/cancelled", CancelledParams{RequestID: o.id, Reason: reason}); err != nil {
			c.logger.Debug("cancelled-notification delivery failed", "error", err)
		}
		return nil, NewCancelledError(reason)
	}
}
