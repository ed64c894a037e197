// Package mcp implements a Model Context Protocol client runtime: concurrent
// connections to many MCP servers, capability negotiation, tool/resource/prompt
// aggregation across servers, and a managed tool-call engine with progress and
// cancellation tracking.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/mcpmesh/mcpmesh/pkg/jsonrpc"
)

// TransportKind names the wire variant a server descriptor uses.
type TransportKind string

const (
	TransportStreamableHTTP TransportKind = "streamable-http"
	TransportSSESplit       TransportKind = "sse-split"
	TransportStdio          TransportKind = "stdio"
	TransportOAuth          TransportKind = "oauth-wrapped"
	TransportOpenAPI        TransportKind = "openapi-bridge"
)

// JSON-RPC 2.0 types, re-exported from pkg/jsonrpc so callers of this package
// never need to import it directly.
type Request = jsonrpc.Request
type Response = jsonrpc.Response
type RPCError = jsonrpc.Error

const (
	ParseError     = jsonrpc.ParseError
	InvalidRequest = jsonrpc.InvalidRequest
	MethodNotFound = jsonrpc.MethodNotFound
	InvalidParams  = jsonrpc.InvalidParams
	InternalError  = jsonrpc.InternalError
)

// SupportedProtocolVersions is the closed set of protocol versions this
// runtime will negotiate. initialize() fails with an unsupported-protocol-version
// error (KindUnsupportedProtoVersion) for anything outside this set.
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26"}

// LatestProtocolVersion is offered first during negotiation.
const LatestProtocolVersion = "2025-03-26"

func isSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Default timeouts and limits.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultReadyPollInterval = 500 * time.Millisecond
	DefaultReadyTimeout      = 30 * time.Second
	MaxRequestBodySize       = 1 * 1024 * 1024

	MetadataTTL = 300 * time.Second

	ReconnectBaseDelay  = 1 * time.Second
	ReconnectMaxDelay   = 30 * time.Second
	ReconnectMaxAttempts = 5

	ConfigWatcherTick = 2 * time.Second

	ToolCallWatchdogInterval = 250 * time.Millisecond
	ActiveCallGracePeriod    = 1 * time.Second

	GovernanceLogCapacity = 1200
)

// ServerInfo describes the remote MCP server, as negotiated during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies this runtime to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities describes what the server or client supports.
type Capabilities struct {
	Tools       *ToolsCapability       `json:"tools,omitempty"`
	Resources   *ResourcesCapability   `json:"resources,omitempty"`
	Prompts     *PromptsCapability     `json:"prompts,omitempty"`
	Roots       *RootsCapability       `json:"roots,omitempty"`
	Sampling    *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation *ElicitationCapability `json:"elicitation,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability is an empty marker: present (non-nil) iff a sampling
// handler is registered with the client.
type SamplingCapability struct{}

// ElicitationCapability advertises the elicitation UI sub-capabilities the
// client supports, present iff an elicitation handler is registered.
type ElicitationCapability struct {
	Form bool `json:"form,omitempty"`
	URL  bool `json:"url,omitempty"`
}

// InitializeParams is sent as the params of the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult is the flattened, tolerant decode of an initialize response.
// Servers vary in whether protocolVersion/capabilities are echoed; all are
// optional here and the caller falls back to the request's own values.
type InitializeResult struct {
	ServerInfo      ServerInfo      `json:"serverInfo"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	Capabilities    Capabilities    `json:"capabilities,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Tool is a server-advertised tool descriptor. Name decodes from any of
// toolId/name/id for interoperability across MCP server implementations.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// UnmarshalJSON accepts toolId/id as aliases for name.
func (t *Tool) UnmarshalJSON(data []byte) error {
	type alias Tool
	var aux struct {
		alias
		ToolID string `json:"toolId"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Tool(aux.alias)
	if t.Name == "" {
		if aux.ToolID != "" {
			t.Name = aux.ToolID
		} else if aux.ID != "" {
			t.Name = aux.ID
		}
	}
	return nil
}

// Resource is a server-advertised resource descriptor.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is a URI-templated resource descriptor.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt is a server-advertised prompt descriptor.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Root is a filesystem/URI root the client exposes to the server.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListResult is the tolerant decode of any cursor-paginated list result:
// either a bare array or an {items,nextCursor} envelope.
type ListResult[T any] struct {
	Items      []T
	NextCursor *string
}

func (p *ListResult[T]) UnmarshalJSON(data []byte) error {
	var bare []T
	if err := json.Unmarshal(data, &bare); err == nil {
		p.Items = bare
		p.NextCursor = nil
		return nil
	}
	var env struct {
		Items      []T     `json:"items"`
		NextCursor *string `json:"nextCursor"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Items = env.Items
	p.NextCursor = env.NextCursor
	return nil
}

// ListParams is the optional cursor param for list methods.
type ListParams struct {
	Cursor *string `json:"cursor,omitempty"`
}

// ToolCallMeta carries the out-of-band _meta fields MCP attaches to tools/call.
type ToolCallMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
	Timeout       int64 `json:"timeout,omitempty"`
}

// ToolCallParams is the params of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      *ToolCallMeta  `json:"_meta,omitempty"`
}

// ResourceReadParams is the params of a resources/read request.
type ResourceReadParams struct {
	URI       string         `json:"uri"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PromptGetParams is the params of a prompts/get request.
type PromptGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PromptGetResult is the response to prompts/get.
type PromptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is a tagged union over {text, image, resource} content blocks.
type Content struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ToolCallResult is the response to tools/call: an opaque JSON value. Most
// servers shape it as {content, isError}; callers that need the structured
// form can decode Raw into ToolCallContent themselves.
type ToolCallResult struct {
	Raw json.RawMessage
}

// ToolCallContent is the conventional {content,isError} shape of a tool result.
type ToolCallContent struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// LoggingSetLevelParams is the params of logging/setLevel.
type LoggingSetLevelParams struct {
	Level string `json:"level"`
}

// ProgressParams is the params of notifications/progress.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// CancelledParams is the params of notifications/cancelled.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// LogMessageParams is the params of notifications/message (server log).
type LogMessageParams struct {
	Level  string          `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SamplingCreateMessageParams is the params of a server->client sampling/createMessage request.
type SamplingCreateMessageParams struct {
	Messages    []SamplingMessage `json:"messages"`
	SystemPrompt string           `json:"systemPrompt,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
}

type SamplingMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// SamplingResult is the client's reply to sampling/createMessage.
type SamplingResult struct {
	Role       string  `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model,omitempty"`
	StopReason string  `json:"stopReason,omitempty"`
}

// ElicitationCreateParams is the params of a server->client elicitation/create request.
type ElicitationCreateParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

// ElicitationResult is the client's reply to elicitation/create.
type ElicitationResult struct {
	Action  string         `json:"action"` // "accept" | "decline" | "cancel"
	Content map[string]any `json:"content,omitempty"`
}

// NewErrorResponse creates a JSON-RPC error response.
var NewErrorResponse = jsonrpc.NewErrorResponse

// NewSuccessResponse creates a JSON-RPC success response.
var NewSuccessResponse = jsonrpc.NewSuccessResponse
