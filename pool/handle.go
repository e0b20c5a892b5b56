package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/protocol"
)

// State is the health state of a worker
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

// Handle is the pool's reference to one live worker. Its counters are
// atomics, routing reads them without taking any lock.
type Handle struct {
	ID             string
	MaxConcurrency int

	pool      *Pool
	proc      Process
	conn      protocol.Conn
	pid       int
	spawnedAt time.Time

	stateMu  sync.Mutex
	state    atomic.Value // State
	inFlight atomic.Int64
	requests atomic.Int64
	failures atomic.Int64
	ops      sync.Map // operation -> *opStats
	overall  opStats
	window   *errorWindow

	lastError  atomic.Int64 // unix nanos
	lastPong   atomic.Int64 // unix nanos
	lastPing   atomic.Int64
	degradedAt atomic.Int64
	pingSeq    atomic.Int64

	handshake chan struct{}
	shakeOnce sync.Once
	drained   chan struct{}
	drainOnce sync.Once
	exited    chan struct{}
}

func newHandle(p *Pool, id string, proc Process) *Handle {
	h := &Handle{
		ID:             id,
		MaxConcurrency: p.opts.MaxConcurrency,
		pool:           p,
		proc:           proc,
		conn:           proc.Conn(),
		pid:            proc.PID(),
		spawnedAt:      p.now(),
		window:         newErrorWindow(p.opts.Degraded.Window),
		handshake:      make(chan struct{}),
		drained:        make(chan struct{}),
		exited:         make(chan struct{}),
	}
	h.state.Store(StateStarting)
	return h
}

// PID is the worker process id, zero for in-process and remote workers
func (h *Handle) PID() int { return h.pid }

// SpawnedAt is when the worker was started
func (h *Handle) SpawnedAt() time.Time { return h.spawnedAt }

// State returns the current health state
func (h *Handle) State() State { return h.state.Load().(State) }

// InFlight returns the number of calls currently assigned to the worker
func (h *Handle) InFlight() int64 { return h.inFlight.Load() }

// Requests returns how many calls the worker has completed
func (h *Handle) Requests() int64 { return h.requests.Load() }

// Exited is closed once the worker has gone away
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Send writes env to the worker
func (h *Handle) Send(ctx context.Context, env *protocol.Envelope) error {
	if h.State() == StateDead {
		return fault.New(fault.CodeWorkerCrashed, "worker %s is dead", h.ID)
	}
	if err := h.conn.Send(ctx, env); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fault.Wrap(err, fault.CodeWorkerCrashed, "send to worker %s", h.ID)
	}
	return nil
}

// transition moves the handle to next if its current state is one of from
// (any state when from is empty) and reports whether it did
func (h *Handle) transition(next State, from ...State) bool {
	h.stateMu.Lock()
	cur := h.State()
	if cur == next || cur == StateDead {
		h.stateMu.Unlock()
		return false
	}
	if len(from) > 0 {
		ok := false
		for _, f := range from {
			if cur == f {
				ok = true
				break
			}
		}
		if !ok {
			h.stateMu.Unlock()
			return false
		}
	}
	h.state.Store(next)
	h.stateMu.Unlock()
	h.pool.stateChanged(h, cur, next)
	return true
}

// tryReserve claims one concurrency slot if the worker has one free
func (h *Handle) tryReserve() bool {
	for {
		n := h.inFlight.Load()
		if n >= int64(h.MaxConcurrency) {
			return false
		}
		if h.inFlight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *Handle) opStats(op string) *opStats {
	if v, ok := h.ops.Load(op); ok {
		return v.(*opStats)
	}
	v, _ := h.ops.LoadOrStore(op, &opStats{})
	return v.(*opStats)
}

// unreserve gives back a slot claimed by tryReserve without a call
func (h *Handle) unreserve() {
	h.inFlight.Add(-1)
	h.checkDrained()
}

func (h *Handle) checkDrained() {
	if h.State() == StateDraining && h.inFlight.Load() <= 0 {
		h.drainOnce.Do(func() { close(h.drained) })
	}
}

// latencyFor returns the smoothed latency of op and whether there is any history
func (h *Handle) latencyFor(op string) (time.Duration, bool) {
	v, ok := h.ops.Load(op)
	if !ok {
		return 0, false
	}
	s := v.(*opStats)
	if s.count.Load() == 0 {
		return 0, false
	}
	return s.ewma(), true
}

// avgLatency is the mean latency across every operation
func (h *Handle) avgLatency() time.Duration {
	var count, total int64
	h.ops.Range(func(_, v any) bool {
		s := v.(*opStats)
		count += s.count.Load()
		total += s.totalNanos.Load()
		return true
	})
	if count == 0 {
		return 0
	}
	return time.Duration(total / count)
}

// WorkerStats is a snapshot of one worker
type WorkerStats struct {
	ID           string             `json:"id"`
	PID          int                `json:"pid"`
	State        State              `json:"state"`
	SpawnedAt    time.Time          `json:"spawned_at"`
	InFlight     int64              `json:"in_flight"`
	Requests     int64              `json:"requests"`
	Errors       int64              `json:"errors"`
	RecentErrors int64              `json:"recent_errors"`
	AvgLatency   time.Duration      `json:"avg_latency"`
	Operations   map[string]OpStats `json:"operations"`
}

// Stats returns a snapshot of the handle
func (h *Handle) Stats() WorkerStats {
	out := WorkerStats{
		ID:           h.ID,
		PID:          h.pid,
		State:        h.State(),
		SpawnedAt:    h.spawnedAt,
		InFlight:     h.inFlight.Load(),
		Requests:     h.requests.Load(),
		Errors:       h.failures.Load(),
		RecentErrors: h.window.count(h.pool.now()),
		AvgLatency:   h.avgLatency(),
		Operations:   map[string]OpStats{},
	}
	h.ops.Range(func(k, v any) bool {
		out.Operations[k.(string)] = v.(*opStats).snapshot()
		return true
	})
	return out
}
