package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// processKillGracePeriod mirrors the teacher's process.go: SIGTERM, then a
// grace window, then SIGKILL.
const processKillGracePeriod = 5 * time.Second

// StdioTransport runs an MCP server as a local child process and frames
// JSON-RPC messages one per line over its stdin/stdout (spec §10.6). It has
// no session id and no resumption control.
//
// Grounded directly on the teacher's pkg/mcp/process.go ProcessClient: the
// same pending-request-table-over-stdout-lines discipline, the same
// stderr-as-warnings logging, and the same graceful-SIGTERM-then-SIGKILL
// shutdown sequence.
type StdioTransport struct {
	command []string
	env     map[string]string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   interface{ Write([]byte) (int, error) }
	pending *pendingRequestTable
	nextID  atomic.Int64
	done    chan struct{}

	notifyHandler  NotificationHandler
	requestHandler ServerRequestHandler
}

func NewStdioTransport(command []string, env map[string]string, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		command: command,
		env:     env,
		logger:  logger,
		pending: newPendingRequestTable(),
	}
}

func (t *StdioTransport) SetNotificationHandler(h NotificationHandler)   { t.notifyHandler = h }
func (t *StdioTransport) SetServerRequestHandler(h ServerRequestHandler) { t.requestHandler = h }

func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.command) == 0 {
		return &Error{Kind: KindTransportUnavailable, Message: "stdio transport: empty command"}
	}
	cmd := exec.Command(t.command[0], t.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return NewEncodingError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return NewEncodingError(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return NewEncodingError(err)
	}
	if err := cmd.Start(); err != nil {
		return &Error{Kind: KindTransportUnavailable, Message: err.Error(), Cause: err}
	}
	t.cmd = cmd
	t.stdin = stdin
	t.done = make(chan struct{})

	go t.readStdout(stdout)
	go t.readStderr(stderr)
	return nil
}

func (t *StdioTransport) readStdout(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(readerOf(r))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.handleLine(line)
	}
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func readerOf(r interface{ Read([]byte) (int, error) }) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func (t *StdioTransport) readStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(readerOf(r))
	for scanner.Scan() {
		t.logger.Warn("stdio server stderr", "line", scanner.Text())
	}
}

func (t *StdioTransport) handleLine(line []byte) {
	var peek struct {
		Method *string          `json:"method"`
		ID     *json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		t.logger.Warn("undecodable stdio line", "error", err)
		return
	}
	switch {
	case peek.Method != nil && peek.ID == nil:
		var notif struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(line, &notif)
		if t.notifyHandler != nil {
			t.notifyHandler(*peek.Method, notif.Params)
		}
	case peek.Method != nil && peek.ID != nil:
		t.handleServerRequest(*peek.Method, peek.ID, line)
	case peek.ID != nil:
		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil {
			id := jsonCanonicalID(resp.ID)
			var result json.RawMessage
			var rerr error
			if resp.Error != nil {
				rerr = NewRPCError(resp.Error)
			} else {
				result = resp.Result
			}
			t.pending.complete(id, result, rerr)
		}
	}
}

func (t *StdioTransport) handleServerRequest(method string, id *json.RawMessage, raw []byte) {
	var env struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(raw, &env)
	var resp Response
	if t.requestHandler == nil {
		resp = Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: InternalError, Message: fmt.Sprintf("client does not support %s", method)}}
	} else {
		result, errObj := t.requestHandler(context.Background(), method, env.Params)
		if errObj != nil {
			resp = Response{JSONRPC: "2.0", ID: id, Error: errObj}
		} else {
			resultBytes, _ := json.Marshal(result)
			resp = Response{JSONRPC: "2.0", ID: id, Result: resultBytes}
		}
	}
	t.writeLine(resp)
}

func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return NewEncodingError(err)
	}
	data = append(data, '\n')
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return NewTransportUnavailableError("")
	}
	if _, err := stdin.Write(data); err != nil {
		return &Error{Kind: KindTransportHTTPStatus, Message: err.Error(), Cause: err}
	}
	return nil
}

func (t *StdioTransport) SendRequest(ctx context.Context, method string, params any) (string, json.RawMessage, error) {
	id := t.nextID.Add(1)
	canonicalID := fmt.Sprintf("%d", id)
	entry := t.pending.register(canonicalID)

	paramBytes, err := json.Marshal(params)
	if err != nil {
		t.pending.release(canonicalID)
		return canonicalID, nil, NewEncodingError(err)
	}
	idRaw := json.RawMessage(canonicalID)
	req := Request{JSONRPC: "2.0", ID: &idRaw, Method: method, Params: paramBytes}
	if err := t.writeLine(req); err != nil {
		t.pending.release(canonicalID)
		return canonicalID, nil, err
	}

	select {
	case res := <-entry.resultCh:
		return canonicalID, res.value, res.err
	case <-ctx.Done():
		t.pending.complete(canonicalID, nil, NewCancelledError("context cancelled"))
		return canonicalID, nil, NewCancelledError("context cancelled")
	}
}

func (t *StdioTransport) SendNotification(ctx context.Context, method string, params any) error {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return NewEncodingError(err)
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: paramBytes}
	return t.writeLine(req)
}

// Disconnect mirrors the teacher's process.go Close(): SIGTERM, then a
// grace period, then SIGKILL if the process hasn't exited.
func (t *StdioTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cmd := t.cmd
	done := t.done
	t.mu.Unlock()
	t.pending.drainAll("transport disconnected")
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if done != nil {
		select {
		case <-done:
			return nil
		case <-time.After(processKillGracePeriod):
		}
	}
	_ = cmd.Process.Kill()
	return nil
}
