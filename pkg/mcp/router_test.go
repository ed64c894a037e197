package mcp

import (
	"errors"
	"testing"
	"time"
)

func readyStatus(tools []Tool, resources []Resource, templates []ResourceTemplate, prompts []Prompt) *ServerStatus {
	s := &ServerStatus{State: Ready()}
	s.applyMetadata(&MetadataCacheRecord{
		Tools:             tools,
		Resources:         resources,
		ResourceTemplates: templates,
		Prompts:           prompts,
	})
	return s
}

func TestRouter_UpsertAndAggregateTools(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", Name: "weather", SelectedForChat: true}
	status := readyStatus([]Tool{{Name: "get_forecast"}, {Name: "get_alerts"}}, nil, nil, nil)

	r.UpsertServer("srv-1", desc, status)

	entries := r.AggregatedTools()
	if len(entries) != 2 {
		t.Fatalf("expected 2 aggregated tools, got %d", len(entries))
	}
	if entries[0].Canonical > entries[1].Canonical {
		t.Error("expected tools sorted by canonical name")
	}
	for _, e := range entries {
		if e.Canonical != canonicalToolName("srv-1", e.Tool.Name) {
			t.Errorf("unexpected canonical name %q", e.Canonical)
		}
		if e.Alias == "" {
			t.Error("expected a minted alias")
		}
	}
}

func TestRouter_UpsertServer_NotSelectedForChatExcluded(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1"} // SelectedForChat left false
	status := readyStatus([]Tool{{Name: "get_forecast"}}, nil, nil, nil)

	r.UpsertServer("srv-1", desc, status)

	if len(r.AggregatedTools()) != 0 {
		t.Error("expected a server not selected-for-chat to contribute nothing")
	}
}

func TestRouter_UpsertServer_NotReadyStaleCacheExcluded(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true}
	status := &ServerStatus{State: Reconnecting(1, time.Now(), "retrying")}
	status.applyMetadata(&MetadataCacheRecord{
		Tools:    []Tool{{Name: "get_forecast"}},
		CachedAt: time.Now().Add(-2 * MetadataTTL),
	})

	r.UpsertServer("srv-1", desc, status)

	if len(r.AggregatedTools()) != 0 {
		t.Error("expected a selected-but-not-ready server with a stale cache to contribute nothing")
	}
}

func TestRouter_UpsertServer_NotReadyFreshCacheIncluded(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true}
	status := &ServerStatus{State: Reconnecting(1, time.Now(), "retrying")}
	status.applyMetadata(&MetadataCacheRecord{
		Tools:    []Tool{{Name: "get_forecast"}},
		CachedAt: time.Now(),
	})

	r.UpsertServer("srv-1", desc, status)

	if len(r.AggregatedTools()) != 1 {
		t.Errorf("expected a selected-but-not-ready server with a fresh cache to still contribute, got %d", len(r.AggregatedTools()))
	}
}

func TestRouter_RemoveServerDropsContributions(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true}
	status := readyStatus([]Tool{{Name: "get_forecast"}}, nil, nil, nil)
	r.UpsertServer("srv-1", desc, status)

	r.RemoveServer("srv-1")

	if len(r.AggregatedTools()) != 0 {
		t.Error("expected no aggregated tools after removal")
	}
	if len(r.ServerIDs()) != 0 {
		t.Error("expected no server ids after removal")
	}
}

func TestRouter_AliasCollisionFallback(t *testing.T) {
	r := NewRouter()

	// Two distinct server ids that share the same first aliasLength(8)
	// hex-stripped characters force mintAlias into its fallback path.
	id1 := "aaaaaaaa-1111-1111-1111-111111111111"
	id2 := "aaaaaaaa-2222-2222-2222-222222222222"

	r.UpsertServer(id1, &ServerDescriptor{ID: id1, SelectedForChat: true}, readyStatus([]Tool{{Name: "do_thing"}}, nil, nil, nil))
	r.UpsertServer(id2, &ServerDescriptor{ID: id2, SelectedForChat: true}, readyStatus([]Tool{{Name: "do_thing"}}, nil, nil, nil))

	entries := r.AggregatedTools()
	if len(entries) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(entries))
	}
	if entries[0].Alias == entries[1].Alias {
		t.Errorf("expected distinct aliases on collision, got %q twice", entries[0].Alias)
	}
}

func TestRouter_ResolveToolByCanonicalAndAlias(t *testing.T) {
	r := NewRouter()
	r.UpsertServer("srv-1", &ServerDescriptor{ID: "srv-1", SelectedForChat: true}, readyStatus([]Tool{{Name: "get_forecast"}}, nil, nil, nil))

	entries := r.AggregatedTools()
	entry := entries[0]

	if got, ok := r.ResolveTool(entry.Canonical); !ok || got.Tool.Name != "get_forecast" {
		t.Errorf("expected to resolve by canonical name, got %+v ok=%v", got, ok)
	}
	if got, ok := r.ResolveTool(entry.Alias); !ok || got.Tool.Name != "get_forecast" {
		t.Errorf("expected to resolve by alias, got %+v ok=%v", got, ok)
	}
	if _, ok := r.ResolveTool("does-not-exist"); ok {
		t.Error("expected no match for unknown name")
	}
}

func TestRouter_RouteToolCall_UnknownName(t *testing.T) {
	r := NewRouter()
	_, _, err := r.RouteToolCall("mcp://nope/nope")
	if err == nil {
		t.Fatal("expected an error for an unknown tool name")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Kind != KindInvalidResponse {
		t.Errorf("expected KindInvalidResponse, got %+v", err)
	}
}

func TestRouter_RouteToolCall_NotConnected(t *testing.T) {
	r := NewRouter()
	status := &ServerStatus{State: Idle()}
	status.applyMetadata(&MetadataCacheRecord{Tools: []Tool{{Name: "get_forecast"}}, CachedAt: time.Now()})
	r.UpsertServer("srv-1", &ServerDescriptor{ID: "srv-1", SelectedForChat: true}, status)

	canonical := canonicalToolName("srv-1", "get_forecast")
	_, _, err := r.RouteToolCall(canonical)
	if err == nil {
		t.Fatal("expected not-connected error")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Kind != KindNotConnected {
		t.Errorf("expected KindNotConnected, got %+v", err)
	}
}

func TestRouter_RouteToolCall_DisabledTool(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true, ToolEnabled: map[string]bool{"get_forecast": false}}
	r.UpsertServer("srv-1", desc, readyStatus([]Tool{{Name: "get_forecast"}}, nil, nil, nil))

	canonical := canonicalToolName("srv-1", "get_forecast")
	_, _, err := r.RouteToolCall(canonical)
	if err == nil {
		t.Fatal("expected tool-denied error")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Kind != KindToolDeniedByPolicy {
		t.Errorf("expected KindToolDeniedByPolicy, got %+v", err)
	}
}

func TestRouter_RouteToolCall_AlwaysDenyPolicy(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true, ToolPolicy: map[string]ApprovalPolicy{"delete_file": ApprovalAlwaysDeny}}
	r.UpsertServer("srv-1", desc, readyStatus([]Tool{{Name: "delete_file"}}, nil, nil, nil))

	canonical := canonicalToolName("srv-1", "delete_file")
	_, _, err := r.RouteToolCall(canonical)
	if err == nil {
		t.Fatal("expected tool-denied error for always-deny policy")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Kind != KindToolDeniedByPolicy {
		t.Errorf("expected KindToolDeniedByPolicy, got %+v", err)
	}
}

func TestRouter_RouteToolCall_Success(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true}
	r.UpsertServer("srv-1", desc, readyStatus([]Tool{{Name: "get_forecast"}}, nil, nil, nil))

	canonical := canonicalToolName("srv-1", "get_forecast")
	serverID, toolID, err := r.RouteToolCall(canonical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverID != "srv-1" || toolID != "get_forecast" {
		t.Errorf("unexpected route result: %s/%s", serverID, toolID)
	}
}

func TestRouter_RequiresApproval(t *testing.T) {
	r := NewRouter()
	desc := &ServerDescriptor{ID: "srv-1", SelectedForChat: true, ToolPolicy: map[string]ApprovalPolicy{
		"get_forecast": ApprovalAlwaysAllow,
		"delete_file":  ApprovalAskEveryTime,
	}}
	r.UpsertServer("srv-1", desc, readyStatus([]Tool{{Name: "get_forecast"}, {Name: "delete_file"}}, nil, nil, nil))

	if r.RequiresApproval(canonicalToolName("srv-1", "get_forecast")) {
		t.Error("expected always-allow tool to not require approval")
	}
	if !r.RequiresApproval(canonicalToolName("srv-1", "delete_file")) {
		t.Error("expected ask-every-time tool to require approval")
	}
	if r.RequiresApproval("mcp://nope/nope") {
		t.Error("expected unknown tool to not require approval")
	}
}

func TestRouter_AggregatedResourcesTemplatesPrompts(t *testing.T) {
	r := NewRouter()
	r.UpsertServer("srv-1", &ServerDescriptor{ID: "srv-1", SelectedForChat: true}, readyStatus(
		nil,
		[]Resource{{URI: "file:///b"}, {URI: "file:///a"}},
		[]ResourceTemplate{{URITemplate: "file:///{id}"}},
		[]Prompt{{Name: "greet"}},
	))

	resources := r.AggregatedResources()
	if len(resources) != 2 || resources[0].Resource.URI != "file:///a" {
		t.Errorf("expected resources sorted by uri, got %+v", resources)
	}
	if len(r.AggregatedResourceTemplates()) != 1 {
		t.Error("expected 1 aggregated resource template")
	}
	if len(r.AggregatedPrompts()) != 1 {
		t.Error("expected 1 aggregated prompt")
	}
}
