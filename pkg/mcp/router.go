package mcp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// aliasLength is how many leading hex characters of a server id are used to
// build the short alias form (spec §3: "mcp_<8charuuid>_<tool-id>").
const aliasLength = 8

// ToolEntry is one row of the router's aggregated tool table: a tool
// advertised by a single server, addressable by either name form.
type ToolEntry struct {
	ServerID  string
	Canonical string // mcp://<server-id>/<tool-id>
	Alias     string // mcp_<8charuuid>_<tool-id>, collision-suffixed if needed
	Tool      Tool
}

// ResourceEntry/ResourceTemplateEntry/PromptEntry mirror ToolEntry for the
// other three aggregated catalogues (spec §4.6).
type ResourceEntry struct {
	ServerID string
	Resource Resource
}

type ResourceTemplateEntry struct {
	ServerID string
	Template ResourceTemplate
}

type PromptEntry struct {
	ServerID string
	Prompt   Prompt
}

// Router is the aggregator of spec §4.6: it mints canonical and alias names
// for every tool/resource/resource-template/prompt a connected server
// advertises, rebuilds its projections whenever a server's metadata changes,
// and enforces each tool's enable flag and approval policy before a call is
// allowed through.
//
// Grounded on the teacher's pkg/mcp/router.go Router (the RWMutex-guarded
// map-of-maps shape, the sorted-iteration-for-determinism discipline), but
// the single "agentname__tool" delimiter scheme is replaced by SPEC_FULL
// §3's dual canonical-URI/short-alias naming with explicit collision
// handling, and the router now also projects resources/templates/prompts,
// not just tools.
type Router struct {
	mu sync.RWMutex

	descriptors map[string]*ServerDescriptor
	statuses    map[string]*ServerStatus

	toolsByCanonical map[string]ToolEntry
	toolsByAlias     map[string]ToolEntry

	resources         map[string][]ResourceEntry
	resourceTemplates map[string][]ResourceTemplateEntry
	prompts           map[string][]PromptEntry
}

func NewRouter() *Router {
	r := &Router{
		descriptors: make(map[string]*ServerDescriptor),
		statuses:    make(map[string]*ServerStatus),
	}
	r.rebuildLocked()
	return r
}

// UpsertServer registers or replaces a server's descriptor and live status,
// then rebuilds every projection. Called by the connection manager after
// every status transition and metadata refresh.
func (r *Router) UpsertServer(id string, descriptor *ServerDescriptor, status *ServerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[id] = descriptor
	r.statuses[id] = status
	r.rebuildLocked()
}

// RemoveServer drops a server and everything it contributed.
func (r *Router) RemoveServer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descriptors, id)
	delete(r.statuses, id)
	r.rebuildLocked()
}

// ServerIDs returns all registered server ids, sorted.
func (r *Router) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// rebuildLocked recomputes every projection from scratch. Called with mu
// held. O(total tools+resources+templates+prompts); acceptable since it only
// runs on connect/disconnect/metadata-refresh, never per tool-call.
//
// Per spec §4.6, only servers marked selected-for-chat contribute, and a
// selected server whose status isn't ready contributes only if its metadata
// cache is non-empty and still fresh; a stale-but-cached server is skipped
// entirely rather than surfacing possibly-outdated tools.
func (r *Router) rebuildLocked() {
	r.toolsByCanonical = make(map[string]ToolEntry)
	r.toolsByAlias = make(map[string]ToolEntry)
	r.resources = make(map[string][]ResourceEntry)
	r.resourceTemplates = make(map[string][]ResourceTemplateEntry)
	r.prompts = make(map[string][]PromptEntry)

	ids := make([]string, 0, len(r.statuses))
	for id := range r.statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		status := r.statuses[id]
		if status == nil {
			continue
		}
		desc := r.descriptors[id]
		if desc == nil || !desc.SelectedForChat {
			continue
		}
		snap := status.Snapshot()
		if snap.State.Kind != StateReady {
			rec := &MetadataCacheRecord{
				CachedAt:          snap.MetadataCachedAt,
				Tools:             snap.Tools,
				Resources:         snap.Resources,
				ResourceTemplates: snap.ResourceTemplates,
				Prompts:           snap.Prompts,
			}
			if rec.isEmpty() || !rec.isFresh(time.Now()) {
				continue
			}
		}
		for _, tool := range snap.Tools {
			entry := ToolEntry{
				ServerID:  id,
				Canonical: canonicalToolName(id, tool.Name),
				Tool:      tool,
			}
			entry.Alias = r.mintAlias(id, tool.Name)
			r.toolsByCanonical[entry.Canonical] = entry
			r.toolsByAlias[entry.Alias] = entry
		}
		for _, res := range snap.Resources {
			r.resources[id] = append(r.resources[id], ResourceEntry{ServerID: id, Resource: res})
		}
		for _, tmpl := range snap.ResourceTemplates {
			r.resourceTemplates[id] = append(r.resourceTemplates[id], ResourceTemplateEntry{ServerID: id, Template: tmpl})
		}
		for _, p := range snap.Prompts {
			r.prompts[id] = append(r.prompts[id], PromptEntry{ServerID: id, Prompt: p})
		}
	}
}

func canonicalToolName(serverID, toolID string) string {
	return fmt.Sprintf("mcp://%s/%s", serverID, toolID)
}

// mintAlias builds "mcp_<8charuuid>_<tool-id>" and falls back to
// progressively longer id prefixes (then the full id) if that alias is
// already taken by a different server's tool of the same id, per spec §3's
// collision-fallback rule.
func (r *Router) mintAlias(serverID, toolID string) string {
	sanitizedTool := sanitizeAliasSegment(toolID)
	for length := aliasLength; length < len(serverID); length *= 2 {
		candidate := fmt.Sprintf("mcp_%s_%s", shortID(serverID, length), sanitizedTool)
		if existing, ok := r.toolsByAlias[candidate]; !ok || existing.ServerID == serverID {
			return candidate
		}
	}
	return fmt.Sprintf("mcp_%s_%s", sanitizeAliasSegment(serverID), sanitizedTool)
}

func shortID(id string, length int) string {
	clean := strings.ReplaceAll(id, "-", "")
	if len(clean) <= length {
		return clean
	}
	return clean[:length]
}

// sanitizeAliasSegment keeps aliases within MCP host tool-name validation
// (commonly ^[a-zA-Z0-9_-]{1,64}$): non-alphanumeric separators collapse to
// underscore.
func sanitizeAliasSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// AggregatedTools returns every tool from every contributing server (see
// rebuildLocked: selected-for-chat and either ready or holding fresh cached
// metadata), sorted by canonical name for deterministic output.
func (r *Router) AggregatedTools() []ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolEntry, 0, len(r.toolsByCanonical))
	for _, entry := range r.toolsByCanonical {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical < out[j].Canonical })
	return out
}

func (r *Router) AggregatedResources() []ResourceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return flattenSorted(r.resources, func(e ResourceEntry) string { return e.ServerID + "/" + e.Resource.URI })
}

func (r *Router) AggregatedResourceTemplates() []ResourceTemplateEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return flattenSorted(r.resourceTemplates, func(e ResourceTemplateEntry) string { return e.ServerID + "/" + e.Template.URITemplate })
}

func (r *Router) AggregatedPrompts() []PromptEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return flattenSorted(r.prompts, func(e PromptEntry) string { return e.ServerID + "/" + e.Prompt.Name })
}

func flattenSorted[T any](m map[string][]T, key func(T) string) []T {
	var out []T
	for _, entries := range m {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

// ResolveTool looks a name up by either canonical or alias form.
func (r *Router) ResolveTool(name string) (ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.toolsByCanonical[name]; ok {
		return entry, true
	}
	entry, ok := r.toolsByAlias[name]
	return entry, ok
}

// RouteToolCall resolves name to (serverID, original tool id), enforcing the
// server descriptor's enable flag and approval policy (spec §4.6/§4.7): a
// disabled tool or an always-deny policy is rejected before any request
// reaches the transport.
func (r *Router) RouteToolCall(name string) (serverID string, toolID string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.toolsByCanonical[name]
	if !ok {
		entry, ok = r.toolsByAlias[name]
	}
	if !ok {
		return "", "", NewInvalidResponseError(fmt.Sprintf("unknown tool %q", name))
	}

	desc := r.descriptors[entry.ServerID]
	if desc == nil || !desc.SelectedForChat {
		return "", "", NewNotConnectedError(entry.ServerID)
	}
	if status := r.statuses[entry.ServerID]; status == nil || status.stateKind() != StateReady {
		return "", "", NewNotConnectedError(entry.ServerID)
	}
	if !desc.isToolEnabled(entry.Tool.Name) {
		return "", "", NewToolDeniedByPolicyError(entry.Tool.Name)
	}
	if desc.toolPolicy(entry.Tool.Name) == ApprovalAlwaysDeny {
		return "", "", NewToolDeniedByPolicyError(entry.Tool.Name)
	}
	return entry.ServerID, entry.Tool.Name, nil
}

// RequiresApproval reports whether name's policy is ask-every-time, for
// hosts that gate the call on an interactive prompt before invoking it.
func (r *Router) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.toolsByCanonical[name]
	if !ok {
		entry, ok = r.toolsByAlias[name]
	}
	if !ok {
		return false
	}
	desc := r.descriptors[entry.ServerID]
	if desc == nil {
		return false
	}
	return desc.toolPolicy(entry.Tool.Name) == ApprovalAskEveryTime
}
