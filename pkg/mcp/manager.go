package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

// GovernanceRecorder is the audit-log sink of spec §3 ("governance log").
// pkg/logging's GovernanceLog implements this; Manager treats a nil
// recorder as a no-op so the package has no hard dependency on it.
type GovernanceRecorder interface {
	Record(category, serverID, message string, fields map[string]any)
}

// CredentialProviderResolver supplies a CredentialProvider for a server
// descriptor whose Transport is oauth-wrapped. Hosts register one via
// Manager.SetCredentialProviderResolver; a server with no resolver (or a
// resolver returning nil) connects with no Authorization header.
type CredentialProviderResolver func(desc *ServerDescriptor) CredentialProvider

// connState is the manager's private bookkeeping for one server, layered
// over the public ServerStatus the router reads.
type connState struct {
	descriptor     *ServerDescriptor
	status         *ServerStatus
	transport      Transport
	client         *RPCClient
	connecting     bool
	connDone       chan struct{}
	lastConnectErr error
	attempt        int
	cancelConn     context.CancelFunc
}

// Manager is the connection manager of spec §4.4/§4.5: the single logical
// owner of every server's descriptor, live status, and transport. All
// state-mutating operations serialize on mu, matching spec §5's "single
// logical owner" concurrency model; transports and the call engine run
// their own goroutines but report back into the manager only through
// methods that take the lock.
//
// Grounded on the teacher's internal/api + pkg/controller reconciliation
// loop shape (a central map of named resources, each with a state machine
// driven by a periodic tick plus external events) adapted from
// container-stack lifecycle to MCP-server connection lifecycle.
type Manager struct {
	mu sync.Mutex

	clientInfo ClientInfo
	dispatcher *Dispatcher
	logger     *slog.Logger
	cache      *MetadataCache
	router     *Router
	calls      *CallEngine
	governance GovernanceRecorder
	credResolver CredentialProviderResolver

	servers map[string]*connState

	watchCancel context.CancelFunc
}

func NewManager(clientInfo ClientInfo, dispatcher *Dispatcher, cache *MetadataCache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &Manager{
		clientInfo: clientInfo,
		dispatcher: dispatcher,
		logger:     logger,
		cache:      cache,
		router:     NewRouter(),
		calls:      NewCallEngine(logger),
		servers:    make(map[string]*connState),
	}
}

// CallEngine exposes the managed tool-call engine so a host can run its
// watchdog loop (go mgr.CallEngine().RunWatchdog(ctx)) and subscribe to
// progress for tokens it mints itself.
func (m *Manager) CallEngine() *CallEngine { return m.calls }

func (m *Manager) SetGovernanceRecorder(r GovernanceRecorder)                   { m.governance = r }
func (m *Manager) SetCredentialProviderResolver(r CredentialProviderResolver)   { m.credResolver = r }
func (m *Manager) Router() *Router                                             { return m.router }

// ConnectServer is the host-facing entry point for bringing one server up
// (spec §4.4 "connect_server"/CLI `servers connect`). retryOnFailure governs
// whether a failed attempt schedules the exponential-backoff reconnect loop
// or simply reports StateFailed and stops.
func (m *Manager) ConnectServer(ctx context.Context, serverID string, retryOnFailure bool) error {
	return m.Connect(ctx, serverID, connectOptions{RetryOnFailure: retryOnFailure})
}

func (m *Manager) record(category, serverID, message string, fields map[string]any) {
	if m.governance != nil {
		m.governance.Record(category, serverID, message, fields)
	}
}

// Status returns a snapshot of serverID's live status, or nil if unknown.
func (m *Manager) Status(serverID string) *ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.servers[serverID]
	if !ok {
		return nil
	}
	snap := cs.status.Snapshot()
	return &snap
}

// ReloadDescriptors reconciles the manager's server set against a freshly
// loaded descriptor list (spec §4.4 reload_descriptors): new ids get an idle
// ServerStatus ready to connect, removed ids are disconnected and dropped,
// and changed connection parameters force a disconnect-and-reconnect rather
// than silently rebinding a live transport to new settings.
func (m *Manager) ReloadDescriptors(ctx context.Context, descriptors []*ServerDescriptor) {
	m.mu.Lock()
	seen := make(map[string]bool, len(descriptors))
	var toReconnect []string
	for _, desc := range descriptors {
		seen[desc.ID] = true
		cs, exists := m.servers[desc.ID]
		if !exists {
			cs = &connState{descriptor: desc, status: &ServerStatus{State: Idle()}}
			m.servers[desc.ID] = cs
			m.router.UpsertServer(desc.ID, desc, cs.status)
			if m.cache != nil {
				if rec := m.cache.Get(desc.ID); rec != nil {
					cs.status.applyMetadata(rec)
				}
			}
			continue
		}
		changed := connectionParamsChanged(cs.descriptor, desc)
		cs.descriptor = desc
		m.router.UpsertServer(desc.ID, desc, cs.status)
		if changed {
			toReconnect = append(toReconnect, desc.ID)
		}
	}
	var toRemove []string
	for id := range m.servers {
		if !seen[id] {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		m.Disconnect(ctx, id)
		m.mu.Lock()
		delete(m.servers, id)
		m.mu.Unlock()
		m.router.RemoveServer(id)
	}
	for _, id := range toReconnect {
		m.Disconnect(ctx, id)
		go m.Connect(context.Background(), id, connectOptions{RetryOnFailure: true})
	}
}

func connectionParamsChanged(old, updated *ServerDescriptor) bool {
	if old.Transport != updated.Transport || old.Endpoint != updated.Endpoint {
		return true
	}
	if len(old.Command) != len(updated.Command) {
		return true
	}
	for i := range old.Command {
		if old.Command[i] != updated.Command[i] {
			return true
		}
	}
	return false
}

type connectOptions struct {
	PreserveSelection bool
	RetryOnFailure    bool
}

// Connect establishes (or re-establishes) a server's connection, single-
// flight per server id (spec §4.4/§4.5: "at most one connect attempt in
// flight per server"). A concurrent caller doesn't start a second attempt;
// it awaits the in-flight one and reports its actual outcome, rather than
// returning a false success for work it never observed.
func (m *Manager) Connect(ctx context.Context, serverID string, opts connectOptions) (retErr error) {
	m.mu.Lock()
	cs, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return NewNotConnectedError(serverID)
	}
	if cs.connecting {
		done := cs.connDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			err := cs.lastConnectErr
			m.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cs.connecting = true
	done := make(chan struct{})
	cs.connDone = done
	connCtx, cancel := context.WithCancel(context.Background())
	cs.cancelConn = cancel
	cs.status.setState(Connecting())
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		cs.connecting = false
		cs.lastConnectErr = retErr
		cs.connDone = nil
		m.mu.Unlock()
		close(done)
	}()

	m.record("lifecycle", serverID, "connecting", nil)
	err := traceConnect(connCtx, serverID, cs.descriptor.Transport, func(ctx context.Context) error {
		return m.attemptConnect(ctx, cs, serverID)
	})

	if err != nil {
		m.record("lifecycle", serverID, "connect failed", map[string]any{"error": err.Error()})
		cs.status.setState(Failed(err.Error()))
		var mcpErr *Error
		unsupportedVersion := asError(err, &mcpErr) && mcpErr.Kind == KindUnsupportedProtoVersion
		if opts.RetryOnFailure && cs.descriptor.SelectedForChat && !unsupportedVersion {
			go m.scheduleReconnect(serverID)
		}
		return err
	}

	m.mu.Lock()
	cs.attempt = 0
	m.mu.Unlock()
	cs.status.setState(Ready())
	m.record("lifecycle", serverID, "ready", nil)
	m.router.UpsertServer(serverID, cs.descriptor, cs.status)
	return nil
}

func (m *Manager) attemptConnect(ctx context.Context, cs *connState, serverID string) error {
	transport, err := m.buildTransport(cs.descriptor)
	if err != nil {
		return err
	}
	if sc, ok := transport.(StreamingChannel); ok {
		sc.SetNotificationHandler(func(method string, params json.RawMessage) {
			m.handleNotification(serverID, method, params)
		})
		sc.SetServerRequestHandler(m.dispatcher.AsServerRequestHandler())
	}

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	client := NewRPCClient(transport, m.logger)
	if _, err := client.Initialize(ctx, m.clientInfo, m.dispatcher.Capabilities()); err != nil {
		_ = transport.Disconnect(ctx)
		return err
	}

	m.mu.Lock()
	cs.transport = transport
	cs.client = client
	m.mu.Unlock()

	if m.cache == nil || m.cache.NeedsRefresh(serverID) {
		if err := m.refreshMetadata(ctx, cs, serverID); err != nil {
			m.logger.Warn("metadata refresh after connect failed", "server", serverID, "error", err)
		}
	}
	return nil
}

// buildTransport constructs the wire transport for a descriptor's
// TransportKind, composing an OAuth header provider when a credential
// resolver is registered for oauth-wrapped servers (spec §4.2/§10.7).
func (m *Manager) buildTransport(desc *ServerDescriptor) (Transport, error) {
	headers := staticHeaderProvider(desc.Headers)
	if desc.Transport == TransportOAuth && m.credResolver != nil {
		if creds := m.credResolver(desc); creds != nil {
			headers = NewOAuthHeaderProvider(creds, headers)
		}
	}
	switch desc.Transport {
	case TransportStreamableHTTP, TransportOAuth:
		t := NewStreamableHTTPTransport(desc.Endpoint, headers, m.logger)
		if desc.ResumptionToken != "" {
			t.SetResumptionToken(desc.ResumptionToken)
		}
		return t, nil
	case TransportSSESplit:
		return NewSSESplitTransport(desc.Endpoint, headers, m.logger), nil
	case TransportStdio:
		return NewStdioTransport(desc.Command, desc.Env, m.logger), nil
	case TransportOpenAPI:
		return NewOpenAPIBridge(desc.OpenAPI, m.logger), nil
	default:
		return nil, &Error{Kind: KindTransportUnavailable, Message: "unknown transport kind", ServerID: desc.ID}
	}
}

func staticHeaderProvider(headers map[string]string) HeaderProvider {
	return func(ctx context.Context) (http.Header, error) {
		h := http.Header{}
		for k, v := range headers {
			h.Set(k, v)
		}
		return h, nil
	}
}

// refreshMetadata calls every list_ method, tolerating a server that lacks
// an optional capability (spec §4.1), and commits the result to both the
// live status and the persistent cache.
func (m *Manager) refreshMetadata(ctx context.Context, cs *connState, serverID string) error {
	return traceRefresh(ctx, serverID, func(ctx context.Context) error {
		return m.doRefreshMetadata(ctx, cs, serverID)
	})
}

func (m *Manager) doRefreshMetadata(ctx context.Context, cs *connState, serverID string) error {
	client := cs.client
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		return err
	}
	templates, err := client.ListResourceTemplates(ctx)
	if err != nil {
		return err
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return err
	}
	roots, err := client.ListRoots(ctx)
	if err != nil {
		return err
	}

	rec := &MetadataCacheRecord{
		Tools:             tools,
		Resources:         resources,
		ResourceTemplates: templates,
		Prompts:           prompts,
		Roots:             roots,
		CachedAt:          time.Now(),
	}
	cs.status.applyMetadata(rec)
	m.router.UpsertServer(serverID, cs.descriptor, cs.status)
	if m.cache != nil {
		if err := m.cache.Put(serverID, rec); err != nil {
			m.logger.Warn("metadata cache write failed", "server", serverID, "error", err)
		}
	}
	m.record("cache", serverID, "metadata refreshed", map[string]any{"tools": len(tools)})
	return nil
}

// EnsureReady connects serverID if it is not already Ready, and additionally
// forces a metadata refresh when the cache entry is missing, empty or stale
// even if the connection is already up (spec §4.4 ensure_client_ready).
func (m *Manager) EnsureReady(ctx context.Context, serverID string, refreshIfCacheMissing bool) error {
	m.mu.Lock()
	cs, ok := m.servers[serverID]
	m.mu.Unlock()
	if !ok {
		return NewNotConnectedError(serverID)
	}
	if cs.status.stateKind() != StateReady {
		return m.Connect(ctx, serverID, connectOptions{RetryOnFailure: false})
	}
	if refreshIfCacheMissing && m.cache != nil && m.cache.NeedsRefresh(serverID) {
		return m.refreshMetadata(ctx, cs, serverID)
	}
	return nil
}

// Disconnect cancels the server's in-flight tool calls, tears the transport
// down and drops the server back to Idle; its last-known metadata stays on
// the status, so aggregation keeps listing its tools for as long as that
// metadata is fresh (see Router.rebuildLocked).
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	cs, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	transport := cs.transport
	cancel := cs.cancelConn
	cs.transport = nil
	cs.client = nil
	m.mu.Unlock()

	m.calls.mu.Lock()
	var callIDs []string
	for id, tc := range m.calls.calls {
		if tc.serverID == serverID {
			callIDs = append(callIDs, id)
		}
	}
	m.calls.mu.Unlock()
	for _, id := range callIDs {
		m.calls.Cancel(id, "server disconnected")
	}

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		if err := transport.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect error", "server", serverID, "error", err)
		}
	}
	cs.status.setState(Idle())
	m.router.UpsertServer(serverID, cs.descriptor, cs.status)
	m.record("lifecycle", serverID, "disconnected", nil)
	return nil
}

// scheduleReconnect implements spec §4.5's exponential backoff: base 1s,
// doubling, capped at 30s, giving up (Failed, no further automatic retry)
// after ReconnectMaxAttempts.
func (m *Manager) scheduleReconnect(serverID string) {
	m.mu.Lock()
	cs, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cs.attempt++
	attempt := cs.attempt
	m.mu.Unlock()

	if attempt > ReconnectMaxAttempts {
		m.record("lifecycle", serverID, "giving up after max reconnect attempts", map[string]any{"attempts": attempt - 1})
		return
	}

	delay := backoffDelay(attempt)
	scheduledAt := time.Now().Add(delay)
	cs.status.setState(Reconnecting(attempt, scheduledAt, "retrying after connect failure"))
	m.router.UpsertServer(serverID, cs.descriptor, cs.status)

	time.AfterFunc(delay, func() {
		_ = m.Connect(context.Background(), serverID, connectOptions{RetryOnFailure: true})
	})
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(ReconnectBaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > ReconnectMaxDelay {
		return ReconnectMaxDelay
	}
	return d
}

// handleNotification routes a streaming-transport notification to the
// corresponding manager action (spec §4.4/§4.8): list-changed invalidates
// the metadata cache and triggers an immediate refresh; progress is handed
// to the call engine (idle-timeout reset and observer fan-out); server log
// messages go to the governance log; anything else, notifications/cancelled
// included, is only recorded as a "notification" entry.
func (m *Manager) handleNotification(serverID, method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed",
		"notifications/roots/list_changed":
		m.record("routing", serverID, "list changed", map[string]any{"method": method})
		if m.cache != nil {
			_ = m.cache.Invalidate(serverID)
		}
		m.mu.Lock()
		cs, ok := m.servers[serverID]
		m.mu.Unlock()
		if ok && cs.status.stateKind() == StateReady {
			go func() {
				if err := m.refreshMetadata(context.Background(), cs, serverID); err != nil {
					m.logger.Warn("refresh after list_changed failed", "server", serverID, "error", err)
				}
			}()
		}
	case "notifications/progress":
		var p ProgressParams
		if err := json.Unmarshal(params, &p); err == nil {
			m.calls.Publish(p)
		}
	case "notifications/message":
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err == nil {
			m.record("server_log", serverID, p.Level, map[string]any{"data": string(p.Data)})
		}
	default:
		m.record("notification", serverID, method, nil)
	}
}

// WatchDescriptors runs the periodic reload tick of spec §4.4: every
// ConfigWatcherTick it calls source and reconciles the result. fsnotify
// (pkg/store) is a secondary fast-path that can call ReloadDescriptors
// directly the moment it fires; this ticker is the system of record and
// keeps working even if the filesystem watch is unavailable (e.g. on
// network filesystems).
func (m *Manager) WatchDescriptors(ctx context.Context, source func(ctx context.Context) ([]*ServerDescriptor, error)) {
	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.watchCancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(ConfigWatcherTick)
	defer ticker.Stop()
	for {
		select {
		case <-watchCtx.Done():
			return
		case <-ticker.C:
			descs, err := source(watchCtx)
			if err != nil {
				m.logger.Warn("descriptor reload failed", "error", err)
				continue
			}
			m.ReloadDescriptors(watchCtx, descs)
		}
	}
}

func (m *Manager) StopWatching() {
	m.mu.Lock()
	cancel := m.watchCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CallTool is the end-to-end entry point of spec §4.6/§4.7: it resolves
// name (canonical or alias) through the router, enforces its enable/policy
// gate, ensures the owning server's transport is ready (ensure_client_ready,
// step 2), and runs the call through the managed call engine so idle/total
// timeouts, progress coalescing, and at-most-once termination all apply. It
// returns the minted call id immediately alongside a channel delivering the
// single terminal CallOutcome.
func (m *Manager) CallTool(ctx context.Context, name string, arguments map[string]any, opts CallOptions) (string, <-chan CallOutcome, error) {
	serverID, toolID, err := m.router.RouteToolCall(name)
	if err != nil {
		return "", nil, err
	}
	if err := m.EnsureReady(ctx, serverID, false); err != nil {
		return "", nil, err
	}
	client := m.Client(serverID)
	if client == nil {
		return "", nil, NewNotConnectedError(serverID)
	}

	caller := func(ctx context.Context) (*ToolCallResult, error) {
		return traceToolCall(ctx, serverID, toolID, func(ctx context.Context) (*ToolCallResult, error) {
			return client.CallTool(ctx, toolID, arguments, CallToolOptions{
				Timeout:              opts.TotalTimeout,
				ProgressToken:        opts.ProgressToken,
				IncludeTimeoutInMeta: opts.TotalTimeout > 0,
			})
		})
	}
	id, outcome := m.calls.Start(ctx, serverID, toolID, caller, opts)
	return id, outcome, nil
}

// Client returns the live RPCClient for serverID, or nil if not connected.
// Used by callers (e.g. the call engine's ToolCaller closures) that need
// direct access beyond the router's name resolution.
func (m *Manager) Client(serverID string) *RPCClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.servers[serverID]
	if !ok {
		return nil
	}
	return cs.client
}
