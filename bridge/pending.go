package bridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/pool"
)

// CallState is the lifecycle state of a pending call
type CallState string

const (
	CallValidating       CallState = "validating"
	CallDispatched       CallState = "dispatched"
	CallAwaitingCallback CallState = "awaiting_callback"
	CallCompleted        CallState = "completed"
	CallFailed           CallState = "failed"
	CallTimedOut         CallState = "timed_out"
)

// Terminal reports whether s is a final state
func (s CallState) Terminal() bool {
	return s == CallCompleted || s == CallFailed || s == CallTimedOut
}

// PendingCall tracks one call from validation until it resolves. Resolution
// happens exactly once, whichever of response, timeout, session close or
// worker exit gets there first.
type PendingCall struct {
	ID        string
	SessionID string
	Operation string
	StartedAt time.Time
	Deadline  time.Time

	mu        sync.Mutex
	state     CallState
	worker    *pool.Handle
	callbacks int // outstanding
	handled   int

	resolved atomic.Bool
	done     chan struct{}
	result   any
	err      error

	// ctx bounds the callbacks of the call, it is cancelled on resolution
	ctx    context.Context
	cancel context.CancelFunc
}

// newPendingCall keeps the values of parent (trace span, logger) but not its
// cancellation, resolve cancels callbacks instead
func newPendingCall(parent context.Context, id, sessionID, op string, now, deadline time.Time) *PendingCall {
	ctx, cancel := context.WithDeadline(context.WithoutCancel(parent), deadline)
	return &PendingCall{
		ID:        id,
		SessionID: sessionID,
		Operation: op,
		StartedAt: now,
		Deadline:  deadline,
		state:     CallValidating,
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current state
func (p *PendingCall) State() CallState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the call resolved
func (p *PendingCall) Done() <-chan struct{} { return p.done }

func (p *PendingCall) dispatched(h *pool.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.state = CallDispatched
		p.worker = h
	}
}

func (p *PendingCall) workerHandle() *pool.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker
}

// callbackStarted moves the call to awaiting_callback, false when it already resolved
func (p *PendingCall) callbackStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.callbacks++
	p.state = CallAwaitingCallback
	return true
}

func (p *PendingCall) callbackFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks--
	p.handled++
	if p.callbacks == 0 && p.state == CallAwaitingCallback {
		p.state = CallDispatched
	}
}

// resolve settles the call, only the first resolution wins
func (p *PendingCall) resolve(state CallState, result any, err error) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.mu.Lock()
	p.state = state
	p.result = result
	p.err = err
	p.mu.Unlock()
	p.cancel()
	close(p.done)
	return true
}

// outcome returns the resolved result, valid after Done is closed
func (p *PendingCall) outcome() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// PendingInfo is a diagnostic snapshot of a pending call
type PendingInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Operation string    `json:"operation"`
	State     CallState `json:"state"`
	WorkerID  string    `json:"worker_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
	Callbacks int       `json:"callbacks"`
}

func (p *PendingCall) info() PendingInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := PendingInfo{
		ID:        p.ID,
		SessionID: p.SessionID,
		Operation: p.Operation,
		State:     p.state,
		StartedAt: p.StartedAt,
		Deadline:  p.Deadline,
		Callbacks: p.handled + p.callbacks,
	}
	if p.worker != nil {
		out.WorkerID = p.worker.ID
	}
	return out
}

// pendingTable is the correlation table, keyed by call id
type pendingTable struct {
	mu    sync.RWMutex
	calls map[string]*PendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*PendingCall)}
}

func (t *pendingTable) add(p *PendingCall) {
	t.mu.Lock()
	t.calls[p.ID] = p
	t.mu.Unlock()
}

func (t *pendingTable) get(id string) (*PendingCall, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.calls[id]
	return p, ok
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

func (t *pendingTable) matching(fn func(p *PendingCall) bool) []*PendingCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*PendingCall
	for _, p := range t.calls {
		if fn(p) {
			out = append(out, p)
		}
	}
	return out
}

func (t *pendingTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

func (t *pendingTable) snapshot() []PendingInfo {
	all := t.matching(func(*PendingCall) bool { return true })
	out := make([]PendingInfo, 0, len(all))
	for _, p := range all {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
