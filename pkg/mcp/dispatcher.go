package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpmesh/mcpmesh/pkg/jsonrpc"
)

// SamplingHandler answers a server's sampling/createMessage request.
type SamplingHandler func(ctx context.Context, params SamplingCreateMessageParams) (*SamplingResult, error)

// ElicitationHandler answers a server's elicitation/create request.
type ElicitationHandler func(ctx context.Context, params ElicitationCreateParams) (*ElicitationResult, error)

// Dispatcher implements spec §4.8: it turns inbound server->client JSON-RPC
// requests (sampling/createMessage, elicitation/create) into calls against
// host-supplied handlers, with the spec's exact no-handler/error fallbacks.
//
// Grounded on the teacher's pkg/mcp/handler.go method-switch dispatch style
// (handleMethod), repurposed for the client side of the wire.
type Dispatcher struct {
	sampling    SamplingHandler
	elicitation ElicitationHandler
}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) SetSamplingHandler(h SamplingHandler)       { d.sampling = h }
func (d *Dispatcher) SetElicitationHandler(h ElicitationHandler) { d.elicitation = h }

// HasSampling/HasElicitation drive the capability advertisement in
// initialize (spec §4.8): a capability is only advertised when its handler
// is registered.
func (d *Dispatcher) HasSampling() bool    { return d.sampling != nil }
func (d *Dispatcher) HasElicitation() bool { return d.elicitation != nil }

// Capabilities builds the client-side Capabilities value to send in
// initialize: roots.listChanged is always advertised; sampling/elicitation
// only when a handler is set.
func (d *Dispatcher) Capabilities() Capabilities {
	caps := Capabilities{Roots: &RootsCapability{ListChanged: true}}
	if d.HasSampling() {
		caps.Sampling = &SamplingCapability{}
	}
	if d.HasElicitation() {
		caps.Elicitation = &ElicitationCapability{Form: true, URL: true}
	}
	return caps
}

// AsServerRequestHandler adapts the dispatcher to the ServerRequestHandler
// shape every transport expects.
func (d *Dispatcher) AsServerRequestHandler() ServerRequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc.Error) {
		switch method {
		case "sampling/createMessage":
			return d.dispatchSampling(ctx, params)
		case "elicitation/create":
			return d.dispatchElicitation(ctx, params)
		default:
			return nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: fmt.Sprintf("unknown server request method %q", method)}
		}
	}
}

func (d *Dispatcher) dispatchSampling(ctx context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	if d.sampling == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InternalError, Message: "Client does not support sampling"}
	}
	var params SamplingCreateMessageParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}
	result, err := safeSampling(ctx, d.sampling, params)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()}
	}
	return result, nil
}

func (d *Dispatcher) dispatchElicitation(ctx context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	if d.elicitation == nil {
		return &ElicitationResult{Action: "decline"}, nil
	}
	var params ElicitationCreateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}
	result, err := safeElicitation(ctx, d.elicitation, params)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()}
	}
	return result, nil
}

// safeSampling/safeElicitation convert a handler panic into an error so a
// single misbehaving host handler can't take down the reader goroutine that
// invokes it (spec §4.8 "Handler exceptions become -32603 error responses").
func safeSampling(ctx context.Context, h SamplingHandler, params SamplingCreateMessageParams) (result *SamplingResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampling handler panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

func safeElicitation(ctx context.Context, h ElicitationHandler, params ElicitationCreateParams) (result *ElicitationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("elicitation handler panicked: %v", r)
		}
	}()
	return h(ctx, params)
}
