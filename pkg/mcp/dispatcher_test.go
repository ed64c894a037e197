package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcpmesh/mcpmesh/pkg/jsonrpc"
)

func TestDispatcher_CapabilitiesNoHandlers(t *testing.T) {
	d := NewDispatcher()
	caps := d.Capabilities()

	if caps.Roots == nil || !caps.Roots.ListChanged {
		t.Error("expected roots.listChanged always advertised")
	}
	if caps.Sampling != nil {
		t.Error("expected no sampling capability without a handler")
	}
	if caps.Elicitation != nil {
		t.Error("expected no elicitation capability without a handler")
	}
}

func TestDispatcher_CapabilitiesWithHandlers(t *testing.T) {
	d := NewDispatcher()
	d.SetSamplingHandler(func(ctx context.Context, params SamplingCreateMessageParams) (*SamplingResult, error) {
		return &SamplingResult{}, nil
	})
	d.SetElicitationHandler(func(ctx context.Context, params ElicitationCreateParams) (*ElicitationResult, error) {
		return &ElicitationResult{Action: "accept"}, nil
	})

	caps := d.Capabilities()
	if caps.Sampling == nil {
		t.Error("expected sampling capability once a handler is set")
	}
	if caps.Elicitation == nil || !caps.Elicitation.Form || !caps.Elicitation.URL {
		t.Error("expected elicitation capability with form+url once a handler is set")
	}
	if !d.HasSampling() || !d.HasElicitation() {
		t.Error("expected HasSampling/HasElicitation to report true")
	}
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := NewDispatcher()
	handler := d.AsServerRequestHandler()

	_, rpcErr := handler(context.Background(), "unknown/method", nil)
	if rpcErr == nil || rpcErr.Code != jsonrpc.MethodNotFound {
		t.Errorf("expected MethodNotFound, got %+v", rpcErr)
	}
}

func TestDispatcher_SamplingNoHandler(t *testing.T) {
	d := NewDispatcher()
	handler := d.AsServerRequestHandler()

	raw, _ := json.Marshal(SamplingCreateMessageParams{})
	_, rpcErr := handler(context.Background(), "sampling/createMessage", raw)
	if rpcErr == nil || rpcErr.Code != jsonrpc.InternalError {
		t.Errorf("expected InternalError for unhandled sampling, got %+v", rpcErr)
	}
}

func TestDispatcher_SamplingDispatches(t *testing.T) {
	d := NewDispatcher()
	d.SetSamplingHandler(func(ctx context.Context, params SamplingCreateMessageParams) (*SamplingResult, error) {
		return &SamplingResult{Role: "assistant", Model: "test-model"}, nil
	})
	handler := d.AsServerRequestHandler()

	raw, _ := json.Marshal(SamplingCreateMessageParams{SystemPrompt: "hi"})
	result, rpcErr := handler(context.Background(), "sampling/createMessage", raw)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	sr, ok := result.(*SamplingResult)
	if !ok || sr.Model != "test-model" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestDispatcher_SamplingHandlerError(t *testing.T) {
	d := NewDispatcher()
	d.SetSamplingHandler(func(ctx context.Context, params SamplingCreateMessageParams) (*SamplingResult, error) {
		return nil, errors.New("boom")
	})
	handler := d.AsServerRequestHandler()

	raw, _ := json.Marshal(SamplingCreateMessageParams{})
	_, rpcErr := handler(context.Background(), "sampling/createMessage", raw)
	if rpcErr == nil || rpcErr.Code != jsonrpc.InternalError {
		t.Errorf("expected InternalError, got %+v", rpcErr)
	}
}

func TestDispatcher_SamplingHandlerPanicRecovers(t *testing.T) {
	d := NewDispatcher()
	d.SetSamplingHandler(func(ctx context.Context, params SamplingCreateMessageParams) (*SamplingResult, error) {
		panic("handler exploded")
	})
	handler := d.AsServerRequestHandler()

	raw, _ := json.Marshal(SamplingCreateMessageParams{})
	_, rpcErr := handler(context.Background(), "sampling/createMessage", raw)
	if rpcErr == nil || rpcErr.Code != jsonrpc.InternalError {
		t.Errorf("expected a panicking handler to surface as InternalError, got %+v", rpcErr)
	}
}

func TestDispatcher_ElicitationNoHandlerDeclines(t *testing.T) {
	d := NewDispatcher()
	handler := d.AsServerRequestHandler()

	raw, _ := json.Marshal(ElicitationCreateParams{Message: "confirm?"})
	result, rpcErr := handler(context.Background(), "elicitation/create", raw)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	er, ok := result.(*ElicitationResult)
	if !ok || er.Action != "decline" {
		t.Errorf("expected a default decline, got %+v", result)
	}
}

func TestDispatcher_ElicitationDispatches(t *testing.T) {
	d := NewDispatcher()
	d.SetElicitationHandler(func(ctx context.Context, params ElicitationCreateParams) (*ElicitationResult, error) {
		return &ElicitationResult{Action: "accept", Content: map[string]any{"ok": true}}, nil
	})
	handler := d.AsServerRequestHandler()

	raw, _ := json.Marshal(ElicitationCreateParams{Message: "confirm?"})
	result, rpcErr := handler(context.Background(), "elicitation/create", raw)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
	er, ok := result.(*ElicitationResult)
	if !ok || er.Action != "accept" {
		t.Errorf("unexpected result: %+v", result)
	}
}
