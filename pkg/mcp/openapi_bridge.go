package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	openAPIBridgeTimeout      = 30 * time.Second
	openAPIMaxResponseBytes   = 10 * 1024 * 1024
)

// openAPIOperation is the parsed, execution-ready form of one OpenAPI
// operation.
type openAPIOperation struct {
	method       string
	path         string
	pathParams   []string
	queryParams  map[string]*openapi3.Parameter
	headerParams map[string]*openapi3.Parameter
}

// OpenAPIBridge implements Transport (spec §10.8) by presenting an OpenAPI 3
// document as an MCP server: initialize is a no-op handshake, tools/list
// enumerates one tool per operation, and tools/call proxies to the
// corresponding HTTP request. It has no notifications and no server->client
// requests — SetNotificationHandler/SetServerRequestHandler are accepted but
// never invoked.
//
// Grounded on the teacher's now-retired pkg/mcp/openapi_client.go
// OpenAPIClient (the operation-to-tool conversion, the path/query/header
// parameter bookkeeping, the auth application); adapted from an AgentClient
// implementation into a Transport so the same connection manager, router,
// and cache machinery that drives a real MCP server drives this one too.
type OpenAPIBridge struct {
	cfg        *OpenAPIConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.RWMutex
	baseURL    string
	serverInfo ServerInfo
	tools      []Tool
	operations map[string]*openAPIOperation

	nextID atomic.Int64
}

func NewOpenAPIBridge(cfg *OpenAPIConfig, logger *slog.Logger) *OpenAPIBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAPIBridge{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: openAPIBridgeTimeout},
		logger:     logger,
		operations: make(map[string]*openAPIOperation),
	}
}

func (b *OpenAPIBridge) SetNotificationHandler(NotificationHandler)     {}
func (b *OpenAPIBridge) SetServerRequestHandler(ServerRequestHandler)   {}

// Connect loads and validates the OpenAPI document and builds the tool
// catalogue. Unlike a live MCP server, there is no persistent session: each
// SendRequest call is a plain HTTP round trip against the target API.
func (b *OpenAPIBridge) Connect(ctx context.Context) error {
	doc, err := b.loadSpec(ctx)
	if err != nil {
		return &Error{Kind: KindTransportUnavailable, Message: err.Error(), Cause: err}
	}
	if err := doc.Validate(ctx); err != nil {
		return &Error{Kind: KindTransportUnavailable, Message: err.Error(), Cause: err}
	}

	baseURL := b.cfg.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return &Error{Kind: KindTransportUnavailable, Message: "openapi bridge: no base URL (set baseUrl or a servers entry in the spec)"}
	}

	tools, operations := b.buildCatalogue(doc)

	b.mu.Lock()
	b.baseURL = baseURL
	b.serverInfo = ServerInfo{Name: doc.Info.Title, Version: doc.Info.Version}
	b.tools = tools
	b.operations = operations
	b.mu.Unlock()
	return nil
}

func (b *OpenAPIBridge) Disconnect(ctx context.Context) error { return nil }

func (b *OpenAPIBridge) loadSpec(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true
	loader.Context = ctx

	if strings.HasPrefix(b.cfg.Spec, "http://") || strings.HasPrefix(b.cfg.Spec, "https://") {
		u, err := url.Parse(b.cfg.Spec)
		if err != nil {
			return nil, fmt.Errorf("parsing spec URL: %w", err)
		}
		return loader.LoadFromURI(u)
	}
	data, err := os.ReadFile(b.cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}
	return loader.LoadFromData(data)
}

func (b *OpenAPIBridge) buildCatalogue(doc *openapi3.T) ([]Tool, map[string]*openAPIOperation) {
	var tools []Tool
	operations := make(map[string]*openAPIOperation)
	if doc.Paths == nil {
		return tools, operations
	}

	include := toSet(b.cfg.Include)
	exclude := toSet(b.cfg.Exclude)

	for path, pathItem := range doc.Paths.Map() {
		if pathItem == nil {
			continue
		}
		for method, op := range pathItem.Operations() {
			if op == nil || op.OperationID == "" {
				continue
			}
			if len(include) > 0 && !include[op.OperationID] {
				continue
			}
			if len(exclude) > 0 && exclude[op.OperationID] {
				continue
			}
			tool, operation := operationToTool(method, path, op)
			if tool.Name == "" {
				continue
			}
			tools = append(tools, tool)
			operations[tool.Name] = operation
		}
	}
	return tools, operations
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

var pathParamPattern = regexp.MustCompile(`\{([^}]+)\}`)

func extractPathParams(path string) []string {
	matches := pathParamPattern.FindAllStringSubmatch(path, -1)
	params := make([]string, 0, len(matches))
	for _, m := range matches {
		params = append(params, m[1])
	}
	return params
}

func operationToTool(method, path string, op *openapi3.Operation) (Tool, *openAPIOperation) {
	pathParams := extractPathParams(path)
	properties, required := buildParameterSchema(op)
	for _, p := range pathParams {
		if !containsStr(required, p) {
			required = append(required, p)
		}
	}

	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	schemaBytes, _ := json.Marshal(schema)

	operation := &openAPIOperation{
		method:       method,
		path:         path,
		pathParams:   pathParams,
		queryParams:  make(map[string]*openapi3.Parameter),
		headerParams: make(map[string]*openapi3.Parameter),
	}
	for _, ref := range op.Parameters {
		if ref == nil || ref.Value == nil {
			continue
		}
		switch ref.Value.In {
		case "query":
			operation.queryParams[ref.Value.Name] = ref.Value
		case "header":
			operation.headerParams[ref.Value.Name] = ref.Value
		}
	}

	return Tool{
		Name:        sanitizeOpenAPIToolName(op.OperationID),
		Description: buildDescription(op),
		InputSchema: schemaBytes,
	}, operation
}

func buildParameterSchema(op *openapi3.Operation) (map[string]any, []string) {
	properties := make(map[string]any)
	var required []string
	for _, ref := range op.Parameters {
		if ref == nil || ref.Value == nil {
			continue
		}
		param := ref.Value
		properties[param.Name] = parameterToProperty(param)
		if param.Required {
			required = append(required, param.Name)
		}
	}
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		rb := op.RequestBody.Value
		if content, ok := rb.Content["application/json"]; ok && content.Schema != nil {
			properties["body"] = schemaToJSONSchema(content.Schema)
			if rb.Required {
				required = append(required, "body")
			}
		}
	}
	return properties, required
}

func parameterToProperty(param *openapi3.Parameter) map[string]any {
	prop := make(map[string]any)
	if param.Schema != nil && param.Schema.Value != nil {
		schema := param.Schema.Value
		if schema.Type != nil && len(*schema.Type) > 0 {
			prop["type"] = (*schema.Type)[0]
		}
		if schema.Description != "" {
			prop["description"] = schema.Description
		} else if param.Description != "" {
			prop["description"] = param.Description
		}
		if len(schema.Enum) > 0 {
			prop["enum"] = schema.Enum
		}
	} else if param.Description != "" {
		prop["description"] = param.Description
		prop["type"] = "string"
	}
	return prop
}

func schemaToJSONSchema(ref *openapi3.SchemaRef) map[string]any {
	if ref == nil || ref.Value == nil {
		return map[string]any{"type": "object"}
	}
	schema := ref.Value
	result := make(map[string]any)
	if schema.Type != nil && len(*schema.Type) > 0 {
		result["type"] = (*schema.Type)[0]
	}
	if schema.Description != "" {
		result["description"] = schema.Description
	}
	if len(schema.Properties) > 0 {
		props := make(map[string]any)
		for name, p := range schema.Properties {
			props[name] = schemaToJSONSchema(p)
		}
		result["properties"] = props
	}
	if len(schema.Required) > 0 {
		result["required"] = schema.Required
	}
	if schema.Items != nil {
		result["items"] = schemaToJSONSchema(schema.Items)
	}
	return result
}

func buildDescription(op *openapi3.Operation) string {
	d := op.Summary
	if op.Description != "" {
		if d != "" {
			d += ": " + op.Description
		} else {
			d = op.Description
		}
	}
	return d
}

func sanitizeOpenAPIToolName(name string) string {
	result := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if len(result) > 64 {
		result = result[:64]
	}
	if result == "" || result == strings.Repeat("_", len(result)) {
		return ""
	}
	return result
}

func containsStr(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// SendRequest implements the handful of MCP methods this bridge answers
// locally (initialize, tools/list) or by proxying to HTTP (tools/call).
// Anything else returns method-not-found, matching a real server that
// simply doesn't support that capability.
func (b *OpenAPIBridge) SendRequest(ctx context.Context, method string, params any) (string, json.RawMessage, error) {
	id := fmt.Sprintf("%d", b.nextID.Add(1))
	switch method {
	case "initialize":
		b.mu.RLock()
		info := b.serverInfo
		b.mu.RUnlock()
		result := InitializeResult{ServerInfo: info, ProtocolVersion: LatestProtocolVersion}
		raw, err := json.Marshal(result)
		return id, raw, err
	case "tools/list":
		b.mu.RLock()
		tools := append([]Tool(nil), b.tools...)
		b.mu.RUnlock()
		raw, err := json.Marshal(ListResult[Tool]{Items: tools})
		return id, raw, err
	case "tools/call":
		raw, err := b.callTool(ctx, params)
		return id, raw, err
	case "resources/list", "resources/templates/list", "prompts/list", "roots/list":
		return id, nil, NewRPCError(&RPCError{Code: MethodNotFound, Message: "openapi bridge exposes tools only"})
	default:
		return id, nil, NewRPCError(&RPCError{Code: MethodNotFound, Message: fmt.Sprintf("unsupported method %q", method)})
	}
}

func (b *OpenAPIBridge) SendNotification(ctx context.Context, method string, params any) error {
	return nil
}

func (b *OpenAPIBridge) callTool(ctx context.Context, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, NewEncodingError(err)
	}
	var callParams ToolCallParams
	if err := json.Unmarshal(raw, &callParams); err != nil {
		return nil, NewDecodingError(err)
	}

	b.mu.RLock()
	op, ok := b.operations[callParams.Name]
	baseURL := b.baseURL
	b.mu.RUnlock()
	if !ok {
		return toolErrorResult(fmt.Sprintf("unknown tool: %s", callParams.Name))
	}
	for _, p := range op.pathParams {
		if _, ok := callParams.Arguments[p]; !ok {
			return toolErrorResult(fmt.Sprintf("missing required path parameter: %s", p))
		}
	}

	body, status, err := b.executeOperation(ctx, baseURL, op, callParams.Arguments)
	if err != nil {
		return toolErrorResult(fmt.Sprintf("error: %v", err))
	}
	if status >= 400 {
		return toolErrorResult(fmt.Sprintf("HTTP %d: %s", status, body))
	}
	return json.Marshal(ToolCallContent{Content: []Content{NewTextContent(body)}})
}

func toolErrorResult(message string) (json.RawMessage, error) {
	return json.Marshal(ToolCallContent{Content: []Content{NewTextContent(message)}, IsError: true})
}

func (b *OpenAPIBridge) executeOperation(ctx context.Context, baseURL string, op *openAPIOperation, args map[string]any) (string, int, error) {
	path := op.path
	for _, name := range op.pathParams {
		if v, ok := args[name]; ok {
			path = strings.Replace(path, "{"+name+"}", url.PathEscape(fmt.Sprintf("%v", v)), 1)
		}
	}
	if strings.Contains(path, "{") {
		return "", 0, fmt.Errorf("unsubstituted path parameters in: %s", path)
	}

	query := url.Values{}
	for name := range op.queryParams {
		if v, ok := args[name]; ok {
			query.Set(name, fmt.Sprintf("%v", v))
		}
	}
	fullURL := strings.TrimSuffix(baseURL, "/") + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body, ok := args["body"]; ok {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return "", 0, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(op.method), fullURL, bodyReader)
	if err != nil {
		return "", 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name := range op.headerParams {
		if v, ok := args[name]; ok {
			req.Header.Set(name, fmt.Sprintf("%v", v))
		}
	}
	b.applyAuth(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, openAPIMaxResponseBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return string(data), resp.StatusCode, nil
}

func (b *OpenAPIBridge) applyAuth(req *http.Request) {
	switch b.cfg.AuthType {
	case "bearer":
		if b.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+b.cfg.AuthToken)
		}
	case "header":
		if b.cfg.AuthHeader != "" && b.cfg.AuthValue != "" {
			req.Header.Set(b.cfg.AuthHeader, b.cfg.AuthValue)
		}
	}
}
