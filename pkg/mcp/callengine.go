package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallStateKind is the tag of the managed tool-call's terminal-state sum
// type (spec §4.7). A call starts Active and moves to exactly one terminal
// kind, exactly once.
type CallStateKind string

const (
	CallActive    CallStateKind = "active"
	CallSucceeded CallStateKind = "succeeded"
	CallFailed    CallStateKind = "failed"
	CallTimedOut  CallStateKind = "timed_out"
	CallCancelled CallStateKind = "cancelled"
)

func (k CallStateKind) terminal() bool { return k != CallActive }

// CallOptions configures a managed call (spec §4.7).
type CallOptions struct {
	// IdleTimeout bounds the time since the idle anchor; ResetOnProgress
	// (below) decides whether progress notifications move that anchor. Zero
	// disables the idle watchdog.
	IdleTimeout time.Duration
	// TotalTimeout is an absolute ceiling from call start regardless of
	// progress; zero disables it.
	TotalTimeout time.Duration
	// ProgressToken, if non-empty, lets this call share progress fan-out
	// with any other call registered under the same token.
	ProgressToken string
	// ResetOnProgress selects the idle-timeout anchor (spec §4.7 step 3):
	// true anchors idle-timeout to the last progress notification received
	// for this call's token; false pins it to call start regardless of any
	// progress traffic.
	ResetOnProgress bool
}

// ToolCaller performs the actual tools/call request; CallEngine is
// transport-agnostic and is handed one of these by the connection manager
// (which knows which RPCClient belongs to which server).
type ToolCaller func(ctx context.Context) (*ToolCallResult, error)

// CallOutcome is delivered exactly once, when a tracked call leaves Active.
type CallOutcome struct {
	State  CallStateKind
	Result *ToolCallResult
	Err    error
}

type trackedCall struct {
	id              string
	serverID        string
	toolName        string
	progressToken   string
	resetOnProgress bool
	idleTimeout     time.Duration
	totalTimeout    time.Duration
	startedAt       time.Time
	lastProgress    time.Time
	cancel          context.CancelFunc

	mu         sync.Mutex
	state      CallStateKind
	terminated time.Time
	outcome    CallOutcome
	doneCh     chan struct{}
}

// CallEngine is the managed tool-call engine of spec §4.7: it mints call
// ids, runs a watchdog that enforces idle and total timeouts, coalesces
// progress notifications across observers sharing a progress token, and
// guarantees each call's terminal transition fires exactly once.
//
// Grounded on the teacher's internal worker-pool/job-tracking style (a
// central table plus a ticking goroutine that sweeps it) seen across
// pkg/runtime and pkg/controller, adapted into a single timeout/cancellation
// state machine scoped to one tool call instead of one container.
type CallEngine struct {
	logger *slog.Logger

	mu             sync.Mutex
	calls          map[string]*trackedCall
	tokenRefs      map[string]int
	tokenObservers map[string][]chan ProgressParams
}

func NewCallEngine(logger *slog.Logger) *CallEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallEngine{
		logger:         logger,
		calls:          make(map[string]*trackedCall),
		tokenRefs:      make(map[string]int),
		tokenObservers: make(map[string][]chan ProgressParams),
	}
}

// Start launches a call with caller run in its own goroutine, returning the
// minted call id immediately. Terminal outcome is delivered on the returned
// channel exactly once.
func (e *CallEngine) Start(ctx context.Context, serverID, toolName string, caller ToolCaller, opts CallOptions) (string, <-chan CallOutcome) {
	id := uuid.NewString()
	callCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	tc := &trackedCall{
		id:              id,
		serverID:        serverID,
		toolName:        toolName,
		progressToken:   opts.ProgressToken,
		resetOnProgress: opts.ResetOnProgress,
		idleTimeout:     opts.IdleTimeout,
		totalTimeout:    opts.TotalTimeout,
		startedAt:       now,
		lastProgress:    now,
		cancel:          cancel,
		state:           CallActive,
		doneCh:          make(chan struct{}),
	}

	e.mu.Lock()
	e.calls[id] = tc
	if opts.ProgressToken != "" {
		e.tokenRefs[opts.ProgressToken]++
	}
	e.mu.Unlock()

	outcomeCh := make(chan CallOutcome, 1)
	go func() {
		result, err := caller(callCtx)
		var state CallStateKind
		switch {
		case err == nil:
			state = CallSucceeded
		case callCtx.Err() != nil && isCancelledErr(err):
			state = CallCancelled
		case isTimedOutErr(err):
			state = CallTimedOut
		default:
			state = CallFailed
		}
		e.finish(tc, state, result, err)
		outcomeCh <- tc.outcomeSnapshot()
		close(outcomeCh)
	}()

	return id, outcomeCh
}

func isCancelledErr(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == KindCancelled
}

func isTimedOutErr(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == KindRequestTimedOut
}

// finish performs the at-most-once terminal transition.
func (e *CallEngine) finish(tc *trackedCall, state CallStateKind, result *ToolCallResult, err error) {
	tc.mu.Lock()
	if tc.state.terminal() {
		tc.mu.Unlock()
		return
	}
	tc.state = state
	tc.terminated = time.Now()
	tc.outcome = CallOutcome{State: state, Result: result, Err: err}
	close(tc.doneCh)
	tc.mu.Unlock()

	if tc.progressToken != "" {
		e.mu.Lock()
		e.tokenRefs[tc.progressToken]--
		if e.tokenRefs[tc.progressToken] <= 0 {
			for _, ch := range e.tokenObservers[tc.progressToken] {
				close(ch)
			}
			delete(e.tokenObservers, tc.progressToken)
			delete(e.tokenRefs, tc.progressToken)
		}
		e.mu.Unlock()
	}
}

func (tc *trackedCall) outcomeSnapshot() CallOutcome {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.outcome
}

// Cancel requests cooperative cancellation of id with reason; the caller's
// own context cancellation is what actually stops in-flight work (the
// transport is expected to emit notifications/cancelled on ctx.Done()).
func (e *CallEngine) Cancel(id string, reason string) {
	e.mu.Lock()
	tc, ok := e.calls[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	tc.mu.Lock()
	active := !tc.state.terminal()
	tc.mu.Unlock()
	if active {
		tc.cancel()
	}
	_ = reason
}

// Await blocks until id terminates or ctx is done.
func (e *CallEngine) Await(ctx context.Context, id string) (CallOutcome, error) {
	e.mu.Lock()
	tc, ok := e.calls[id]
	e.mu.Unlock()
	if !ok {
		return CallOutcome{}, fmt.Errorf("unknown call id %q", id)
	}
	select {
	case <-tc.doneCh:
		return tc.outcomeSnapshot(), nil
	case <-ctx.Done():
		return CallOutcome{}, ctx.Err()
	}
}

// ObserveProgress subscribes to progress notifications for token, sharing
// the channel across every call currently registered under that token
// (coalescing). The returned channel is closed once the last call
// referencing token terminates.
func (e *CallEngine) ObserveProgress(token string) <-chan ProgressParams {
	ch := make(chan ProgressParams, 8)
	e.mu.Lock()
	e.tokenObservers[token] = append(e.tokenObservers[token], ch)
	e.mu.Unlock()
	return ch
}

// Publish fans a progress notification out to every observer of its token
// and, for calls opted into reset_on_progress, resets their idle-timeout
// clock; calls with ResetOnProgress false keep their idle-anchor pinned to
// call start regardless of the progress traffic they observe here.
func (e *CallEngine) Publish(p ProgressParams) {
	token := fmt.Sprint(p.ProgressToken)
	now := time.Now()

	e.mu.Lock()
	observers := append([]chan ProgressParams(nil), e.tokenObservers[token]...)
	var matching []*trackedCall
	for _, tc := range e.calls {
		if tc.progressToken == token {
			matching = append(matching, tc)
		}
	}
	e.mu.Unlock()

	for _, tc := range matching {
		tc.mu.Lock()
		if !tc.state.terminal() && tc.resetOnProgress {
			tc.lastProgress = now
		}
		tc.mu.Unlock()
	}
	for _, ch := range observers {
		select {
		case ch <- p:
		default:
		}
	}
}

// RunWatchdog polls every ToolCallWatchdogInterval, timing out calls that
// have exceeded their idle or total timeout and pruning terminated calls
// older than ActiveCallGracePeriod from the table. Intended to be run in its
// own goroutine for the engine's lifetime; returns when ctx is done.
func (e *CallEngine) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(ToolCallWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// idleAnchor is the idle-timeout reference point (spec §4.7 step 3):
// last-progress timestamp when the call opted into reset_on_progress,
// otherwise pinned to call start. Callers must hold tc.mu.
func idleAnchor(tc *trackedCall) time.Time {
	if tc.resetOnProgress {
		return tc.lastProgress
	}
	return tc.startedAt
}

func (e *CallEngine) sweep() {
	now := time.Now()

	type expiredCall struct {
		tc    *trackedCall
		fired time.Duration // the timeout that expired: total or idle
	}

	e.mu.Lock()
	var toTimeout []expiredCall
	var toPrune []string
	for id, tc := range e.calls {
		tc.mu.Lock()
		switch {
		case tc.state.terminal():
			if now.Sub(tc.terminated) > ActiveCallGracePeriod {
				toPrune = append(toPrune, id)
			}
		case tc.totalTimeout > 0 && now.Sub(tc.startedAt) > tc.totalTimeout:
			toTimeout = append(toTimeout, expiredCall{tc: tc, fired: tc.totalTimeout})
		case tc.idleTimeout > 0 && now.Sub(idleAnchor(tc)) > tc.idleTimeout:
			toTimeout = append(toTimeout, expiredCall{tc: tc, fired: tc.idleTimeout})
		}
		tc.mu.Unlock()
	}
	for _, id := range toPrune {
		delete(e.calls, id)
	}
	e.mu.Unlock()

	for _, x := range toTimeout {
		e.finish(x.tc, CallTimedOut, nil, NewRequestTimedOutError(x.tc.toolName, x.fired.Milliseconds()))
		x.tc.cancel()
	}
}

// Active reports the number of calls currently in the Active state.
func (e *CallEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, tc := range e.calls {
		tc.mu.Lock()
		if !tc.state.terminal() {
			n++
		}
		tc.mu.Unlock()
	}
	return n
}
