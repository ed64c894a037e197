package mcp

import (
	"fmt"

	"github.com/mcpmesh/mcpmesh/pkg/jsonrpc"
)

// ErrorKind is the core error taxonomy surfaced by the runtime (spec §7).
// Implementations are free to wrap these further; host code should switch on
// Kind rather than string-matching messages.
type ErrorKind string

const (
	KindEncoding                 ErrorKind = "encoding_error"
	KindDecoding                 ErrorKind = "decoding_error"
	KindInvalidResponse          ErrorKind = "invalid_response"
	KindRPCError                 ErrorKind = "rpc_error"
	KindRequestTimedOut          ErrorKind = "request_timed_out"
	KindUnsupportedProtoVersion  ErrorKind = "unsupported_protocol_version"
	KindTransportHTTPStatus      ErrorKind = "transport_http_status"
	KindTransportUnavailable     ErrorKind = "transport_unavailable"
	KindNotConnected             ErrorKind = "not_connected"
	KindToolDeniedByPolicy       ErrorKind = "tool_denied_by_policy"
	KindCancelled                ErrorKind = "cancelled"
)

// Error is the concrete error type returned throughout the runtime. It
// carries a stable Kind plus structured detail fields used by some kinds.
type Error struct {
	Kind    ErrorKind
	Message string

	// Populated depending on Kind.
	Method      string
	Timeout     int64 // ms
	Code        int
	Data        any
	HTTPStatus  int
	Body        string
	ToolName    string
	ServerID    string
	Reason      string

	Cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &Error{Kind: KindCancelled}) match by kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return t.Kind == e.Kind
}

func NewEncodingError(cause error) *Error {
	return &Error{Kind: KindEncoding, Message: cause.Error(), Cause: cause}
}

func NewDecodingError(cause error) *Error {
	return &Error{Kind: KindDecoding, Message: cause.Error(), Cause: cause}
}

func NewInvalidResponseError(msg string) *Error {
	return &Error{Kind: KindInvalidResponse, Message: msg}
}

// NewRPCError wraps a server-returned JSON-RPC error object.
func NewRPCError(rpcErr *jsonrpc.Error) *Error {
	return &Error{
		Kind:    KindRPCError,
		Message: rpcErr.Message,
		Code:    rpcErr.Code,
		Data:    rpcErr.Data,
		Cause:   rpcErr,
	}
}

func NewRequestTimedOutError(method string, timeout int64) *Error {
	return &Error{
		Kind:    KindRequestTimedOut,
		Message: fmt.Sprintf("%s timed out after %dms", method, timeout),
		Method:  method,
		Timeout: timeout,
	}
}

func NewUnsupportedProtocolVersionError(version string) *Error {
	return &Error{
		Kind:    KindUnsupportedProtoVersion,
		Message: fmt.Sprintf("unsupported protocol version %q", version),
		Data:    version,
	}
}

func NewTransportHTTPStatusError(status int, body string) *Error {
	return &Error{
		Kind:       KindTransportHTTPStatus,
		Message:    fmt.Sprintf("unexpected HTTP status %d", status),
		HTTPStatus: status,
		Body:       body,
	}
}

func NewTransportUnavailableError(serverID string) *Error {
	return &Error{Kind: KindTransportUnavailable, Message: "transport unavailable", ServerID: serverID}
}

func NewNotConnectedError(serverID string) *Error {
	return &Error{Kind: KindNotConnected, Message: "unknown or unconnected server", ServerID: serverID}
}

func NewToolDeniedByPolicyError(toolName string) *Error {
	return &Error{Kind: KindToolDeniedByPolicy, Message: fmt.Sprintf("tool %q denied by policy", toolName), ToolName: toolName}
}

func NewCancelledError(reason string) *Error {
	return &Error{Kind: KindCancelled, Message: reason, Reason: reason}
}

// IsMethodNotFound reports whether err is an rpc_error with code -32601, the
// "list method absent on server" tolerance case (§4.1).
func IsMethodNotFound(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == KindRPCError && e.Code == jsonrpc.MethodNotFound
	}
	return false
}

// IsInvalidParams reports whether err is an rpc_error with code -32602,
// additionally tolerated for roots/list.
func IsInvalidParams(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == KindRPCError && e.Code == jsonrpc.InvalidParams
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
