package mcp

import (
	"sync"
	"time"
)

// ConnectionStateKind is the tag of the connection-state sum type (spec §4.5).
type ConnectionStateKind string

const (
	StateIdle         ConnectionStateKind = "idle"
	StateConnecting   ConnectionStateKind = "connecting"
	StateReady        ConnectionStateKind = "ready"
	StateReconnecting ConnectionStateKind = "reconnecting"
	StateFailed       ConnectionStateKind = "failed"
)

// ConnectionState is the per-server connection-state sum type. Only the
// fields relevant to Kind are meaningful: Attempt/ScheduledAt/Reason for
// StateReconnecting, Reason for StateFailed.
type ConnectionState struct {
	Kind        ConnectionStateKind
	Attempt     int
	ScheduledAt time.Time
	Reason      string
}

func Idle() ConnectionState       { return ConnectionState{Kind: StateIdle} }
func Connecting() ConnectionState { return ConnectionState{Kind: StateConnecting} }
func Ready() ConnectionState      { return ConnectionState{Kind: StateReady} }
func Failed(reason string) ConnectionState {
	return ConnectionState{Kind: StateFailed, Reason: reason}
}
func Reconnecting(attempt int, scheduledAt time.Time, reason string) ConnectionState {
	return ConnectionState{Kind: StateReconnecting, Attempt: attempt, ScheduledAt: scheduledAt, Reason: reason}
}

// ServerStatus is the per-server mutable record the manager owns (spec §3).
// Reads should go through Manager.Status(id), which returns a snapshot copy;
// mutation is confined to the manager's serialized execution context.
type ServerStatus struct {
	mu sync.RWMutex

	State             ConnectionState
	ServerInfo        ServerInfo
	Tools             []Tool
	Resources         []Resource
	ResourceTemplates []ResourceTemplate
	Prompts           []Prompt
	Roots             []Root
	MetadataCachedAt  time.Time
	Busy              int
	LogLevel          string
}

// Snapshot returns a value copy safe to read without holding any lock.
func (s *ServerStatus) Snapshot() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerStatus{
		State:             s.State,
		ServerInfo:        s.ServerInfo,
		Tools:             append([]Tool(nil), s.Tools...),
		Resources:         append([]Resource(nil), s.Resources...),
		ResourceTemplates: append([]ResourceTemplate(nil), s.ResourceTemplates...),
		Prompts:           append([]Prompt(nil), s.Prompts...),
		Roots:             append([]Root(nil), s.Roots...),
		MetadataCachedAt:  s.MetadataCachedAt,
		Busy:              s.Busy,
		LogLevel:          s.LogLevel,
	}
}

func (s *ServerStatus) setState(st ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = st
}

func (s *ServerStatus) stateKind() ConnectionStateKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State.Kind
}

func (s *ServerStatus) applyMetadata(rec *MetadataCacheRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ServerInfo = rec.ServerInfo
	s.Tools = rec.Tools
	s.Resources = rec.Resources
	s.ResourceTemplates = rec.ResourceTemplates
	s.Prompts = rec.Prompts
	s.Roots = rec.Roots
	s.MetadataCachedAt = rec.CachedAt
}

func (s *ServerStatus) metadataRecord() *MetadataCacheRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &MetadataCacheRecord{
		SchemaVersion:     metadataCacheSchemaVersion,
		CachedAt:          s.MetadataCachedAt,
		ServerInfo:        s.ServerInfo,
		Tools:             s.Tools,
		Resources:         s.Resources,
		ResourceTemplates: s.ResourceTemplates,
		Prompts:           s.Prompts,
		Roots:             s.Roots,
	}
}
