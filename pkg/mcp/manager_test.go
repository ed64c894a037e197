package mcp

import (
	"context"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(ClientInfo{Name: "test-client", Version: "0.0.0"}, nil, nil, nil)
}

func TestManager_StatusUnknownServer(t *testing.T) {
	m := newTestManager()
	if got := m.Status("nope"); got != nil {
		t.Errorf("expected nil status for unknown server, got %+v", got)
	}
}

func TestManager_ReloadDescriptors_AddsIdleStatus(t *testing.T) {
	m := newTestManager()
	desc := &ServerDescriptor{ID: "srv-1", Name: "weather"}

	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{desc})

	status := m.Status("srv-1")
	if status == nil {
		t.Fatal("expected a status to exist after reload")
	}
	if status.State.Kind != StateIdle {
		t.Errorf("expected new server to start idle, got %v", status.State.Kind)
	}
}

func TestManager_ReloadDescriptors_RemovesDroppedServer(t *testing.T) {
	m := newTestManager()
	desc := &ServerDescriptor{ID: "srv-1"}
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{desc})

	m.ReloadDescriptors(context.Background(), nil)

	if got := m.Status("srv-1"); got != nil {
		t.Errorf("expected status removed after descriptor dropped, got %+v", got)
	}
	if len(m.Router().ServerIDs()) != 0 {
		t.Error("expected router to no longer list the removed server")
	}
}

func TestManager_ReloadDescriptors_HydratesFromCache(t *testing.T) {
	p := newFakePersister()
	p.records["srv-1"] = &MetadataCacheRecord{
		CachedAt: time.Now(),
		Tools:    []Tool{{Name: "get_forecast"}},
	}
	cache := NewMetadataCache(p)
	m := NewManager(ClientInfo{Name: "test-client"}, nil, cache, nil)

	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{{ID: "srv-1"}})

	status := m.Status("srv-1")
	if status == nil {
		t.Fatal("expected status to exist")
	}
	if len(status.Tools) != 1 || status.Tools[0].Name != "get_forecast" {
		t.Errorf("expected idle status hydrated from cache, got %+v", status.Tools)
	}
}

func TestManager_ConnectServer_UnknownServerErrors(t *testing.T) {
	m := newTestManager()
	err := m.ConnectServer(context.Background(), "nope", false)
	if err == nil {
		t.Fatal("expected an error connecting an unregistered server")
	}
}

func TestManager_Disconnect_UnknownServerIsNoOp(t *testing.T) {
	m := newTestManager()
	if err := m.Disconnect(context.Background(), "nope"); err != nil {
		t.Errorf("expected no error disconnecting an unknown server, got %v", err)
	}
}

func TestManager_CallTool_NotConnected(t *testing.T) {
	m := newTestManager()
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{{ID: "srv-1"}})

	_, _, err := m.CallTool(context.Background(), "mcp://srv-1/get_forecast", nil, CallOptions{})
	if err == nil {
		t.Fatal("expected an error calling a tool on an unconnected server")
	}
}

// TestManager_CallTool_NotYetConnectedAttemptsEnsureReady proves CallTool no
// longer fails fast on a nil client: for a server whose tool is aggregated
// via a fresh cache entry but whose connection was never established, it
// must go through EnsureReady's connect attempt (and surface that attempt's
// real error) rather than short-circuiting to not_connected before trying.
func TestManager_CallTool_NotYetConnectedAttemptsEnsureReady(t *testing.T) {
	p := newFakePersister()
	p.records["srv-1"] = &MetadataCacheRecord{
		CachedAt: time.Now(),
		Tools:    []Tool{{Name: "get_forecast"}},
	}
	cache := NewMetadataCache(p)
	m := NewManager(ClientInfo{Name: "test-client"}, nil, cache, nil)

	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true, Transport: TransportStreamableHTTP, Endpoint: "http://127.0.0.1:0"}
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{desc})

	if len(m.Router().AggregatedTools()) != 1 {
		t.Fatalf("expected the cached tool to be aggregated despite the server being idle, got %d", len(m.Router().AggregatedTools()))
	}

	_, _, err := m.CallTool(context.Background(), "mcp://srv-1/get_forecast", nil, CallOptions{})
	if err == nil {
		t.Fatal("expected an error: the connect attempt behind EnsureReady can't reach http://127.0.0.1:0")
	}
	var mcpErr *Error
	if as, ok := err.(*Error); ok {
		mcpErr = as
	}
	if mcpErr != nil && mcpErr.Kind == KindNotConnected {
		t.Error("expected CallTool to go through EnsureReady's connect attempt, not short-circuit with a bare not_connected error")
	}
}

func TestManager_Client_NilWhenNotConnected(t *testing.T) {
	m := newTestManager()
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{{ID: "srv-1"}})

	if got := m.Client("srv-1"); got != nil {
		t.Errorf("expected nil client before connect, got %+v", got)
	}
}

func TestConnectionParamsChanged(t *testing.T) {
	base := &ServerDescriptor{ID: "srv-1", Transport: TransportStreamableHTTP, Endpoint: "http://a"}

	cases := []struct {
		name    string
		updated *ServerDescriptor
		want    bool
	}{
		{"identical", &ServerDescriptor{ID: "srv-1", Transport: TransportStreamableHTTP, Endpoint: "http://a"}, false},
		{"endpoint changed", &ServerDescriptor{ID: "srv-1", Transport: TransportStreamableHTTP, Endpoint: "http://b"}, true},
		{"transport changed", &ServerDescriptor{ID: "srv-1", Transport: TransportStdio, Endpoint: "http://a"}, true},
		{"command added", &ServerDescriptor{ID: "srv-1", Transport: TransportStreamableHTTP, Endpoint: "http://a", Command: []string{"run"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := connectionParamsChanged(base, tc.updated); got != tc.want {
				t.Errorf("connectionParamsChanged() = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestManager_Connect_ConcurrentCallAwaitsInFlightAttempt exercises the
// single-flight guard directly on connState (white-box, same package):
// a caller that arrives while connecting is already true must block on
// connDone and report the in-flight attempt's real outcome, never a false
// immediate success.
func TestManager_Connect_ConcurrentCallAwaitsInFlightAttempt(t *testing.T) {
	m := newTestManager()
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{{ID: "srv-1"}})

	m.mu.Lock()
	cs := m.servers["srv-1"]
	cs.connecting = true
	done := make(chan struct{})
	cs.connDone = done
	m.mu.Unlock()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- m.Connect(context.Background(), "srv-1", connectOptions{})
	}()

	select {
	case err := <-resultCh:
		t.Fatalf("expected Connect to await the in-flight attempt instead of returning immediately, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	wantErr := NewTransportUnavailableError("srv-1")
	m.mu.Lock()
	cs.lastConnectErr = wantErr
	m.mu.Unlock()
	close(done)

	select {
	case err := <-resultCh:
		if err != wantErr {
			t.Fatalf("expected the awaiting Connect call to report the in-flight attempt's actual error %v, got %v", wantErr, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the awaiting Connect call to return")
	}
}

func TestManager_ReloadDescriptors_UnchangedParamsNoReconnect(t *testing.T) {
	m := newTestManager()
	desc := &ServerDescriptor{ID: "srv-1", Transport: TransportStreamableHTTP, Endpoint: "http://a"}
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{desc})

	renamed := &ServerDescriptor{ID: "srv-1", Name: "renamed-but-same-connection", Transport: TransportStreamableHTTP, Endpoint: "http://a"}
	m.ReloadDescriptors(context.Background(), []*ServerDescriptor{renamed})

	status := m.Status("srv-1")
	if status == nil || status.State.Kind != StateIdle {
		t.Errorf("expected server to remain idle (no disconnect/reconnect triggered), got %+v", status)
	}
}
