package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRebaseRelativeURL(t *testing.T) {
	cases := []struct {
		base, rel, want string
	}{
		{"http://example.com/sse", "/messages?sessionId=abc", "http://example.com/messages?sessionId=abc"},
		{"http://example.com/sse", "messages", "http://example.com/messages"},
		{"http://example.com:8080/a/b", "/messages", "http://example.com:8080/messages"},
	}
	for _, tc := range cases {
		if got := rebaseRelativeURL(tc.base, tc.rel); got != tc.want {
			t.Errorf("rebaseRelativeURL(%q, %q) = %q, want %q", tc.base, tc.rel, got, tc.want)
		}
	}
}

// newSplitSSEServer wires a GET /events stream that first announces a
// message endpoint, then relays whatever response bytes arrive on respCh as
// a subsequent SSE event, and a POST /post handler that decodes the client's
// request, builds a canned response keyed to the request's id, and hands it
// to the stream goroutine via respCh.
func newSplitSSEServer(t *testing.T) *httptest.Server {
	t.Helper()
	respCh := make(chan []byte, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("ResponseWriter does not support flushing")
		}
		fmt.Fprint(w, "event: endpoint\ndata: /post\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case data := <-respCh:
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		id := jsonCanonicalID(req.ID)
		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}`, id)
		respCh <- []byte(resp)
		w.WriteHeader(http.StatusAccepted)
	})
	return httptest.NewServer(mux)
}

func TestSSESplitTransport_Connect_AdoptsEndpointEvent(t *testing.T) {
	server := newSplitSSEServer(t)
	defer server.Close()

	transport := NewSSESplitTransport(server.URL+"/events", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Disconnect(context.Background())

	got, _ := transport.messageURL.Load().(string)
	want := server.URL + "/post"
	if got != want {
		t.Errorf("messageURL = %q, want %q", got, want)
	}
}

func TestSSESplitTransport_SendRequest_RoundTrip(t *testing.T) {
	server := newSplitSSEServer(t)
	defer server.Close()

	transport := NewSSESplitTransport(server.URL+"/events", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer transport.Disconnect(context.Background())

	_, raw, err := transport.SendRequest(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", raw)
	}
}

func TestSSESplitTransport_SendNotification_HTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := NewSSESplitTransport(server.URL+"/events", nil, nil)
	transport.messageURL.Store(server.URL + "/post")

	err := transport.SendNotification(context.Background(), "notifications/initialized", struct{}{})
	if err == nil {
		t.Fatal("expected an error from a non-2xx POST response")
	}
	var mcpErr *Error
	if as, ok := err.(*Error); ok {
		mcpErr = as
	}
	if mcpErr == nil || mcpErr.Kind != KindTransportHTTPStatus {
		t.Errorf("expected KindTransportHTTPStatus, got %v", err)
	}
}

func TestSSESplitTransport_HandleEvent_Notification(t *testing.T) {
	transport := NewSSESplitTransport("http://example.com/events", nil, nil)
	received := make(chan string, 1)
	transport.SetNotificationHandler(func(method string, params json.RawMessage) {
		received <- method
	})

	transport.handleEvent(sseEvent{event: "message", data: `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`})

	select {
	case method := <-received:
		if method != "notifications/progress" {
			t.Errorf("unexpected method: %s", method)
		}
	default:
		t.Fatal("expected the notification handler to be invoked synchronously")
	}
}

func TestSSESplitTransport_HandleEvent_ServerRequestNoHandlerRepliesInternalError(t *testing.T) {
	posted := make(chan Response, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		var resp Response
		_ = json.NewDecoder(r.Body).Decode(&resp)
		posted <- resp
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := NewSSESplitTransport(server.URL+"/events", nil, nil)
	transport.messageURL.Store(server.URL + "/post")

	transport.handleEvent(sseEvent{event: "message", data: `{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage","params":{}}`})

	select {
	case resp := <-posted:
		if resp.Error == nil || resp.Error.Code != InternalError {
			t.Errorf("expected an InternalError response for an unhandled server request, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the posted error response")
	}
}

func TestSSESplitTransport_Disconnect_IdempotentWithoutConnect(t *testing.T) {
	transport := NewSSESplitTransport("http://example.com/events", nil, nil)
	if err := transport.Disconnect(context.Background()); err != nil {
		t.Errorf("unexpected error disconnecting a never-connected transport: %v", err)
	}
	if err := transport.Disconnect(context.Background()); err != nil {
		t.Errorf("unexpected error on second Disconnect: %v", err)
	}
}
