// Package pool manages the worker processes behind the bridge.
//
// Every worker moves through
//
//	starting -> ready <-> degraded -> draining -> dead
//
// and an unexpected exit sends it straight to dead, after which the pool
// spawns a replacement with exponential backoff. Routing prefers ready
// workers with the lowest recent latency for the requested operation and
// never blocks on a lock shared by all workers.
package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/agentuity/go-bridge/resilience"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultSize             = 2
	DefaultMaxConcurrency   = 4
	DefaultDrainGrace       = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultHealthInterval   = time.Second
	DefaultHeartbeat        = 15 * time.Second
)

// Outcome is what the caller reports back when it releases a worker
type Outcome struct {
	Operation string
	Latency   time.Duration
	Err       error
	TimedOut  bool
}

// RecyclePolicy retires a worker once any limit is reached. Zero disables a limit.
type RecyclePolicy struct {
	MaxRequests    int64
	MaxAge         time.Duration
	MaxMemoryBytes uint64
}

// DegradedPolicy decides when a ready worker is demoted
type DegradedPolicy struct {
	// ErrorThreshold demotes a worker with more errors than this inside Window
	ErrorThreshold int
	Window         time.Duration
	// Cooldown is how long a degraded worker must go without errors to be ready again
	Cooldown time.Duration
	// LatencyThreshold demotes a worker whose smoothed latency exceeds it, zero disables
	LatencyThreshold time.Duration
}

// DefaultDegradedPolicy demotes after more than 5 errors in 10s and restores after 30s
func DefaultDegradedPolicy() DegradedPolicy {
	return DegradedPolicy{ErrorThreshold: 5, Window: 10 * time.Second, Cooldown: 30 * time.Second}
}

// Options configure a Pool
type Options struct {
	Size           int
	MaxConcurrency int
	Spawner        Spawner
	Recycle        RecyclePolicy
	Degraded       DegradedPolicy
	// Respawn is the backoff used to replace dead workers. Zero uses base 100ms, cap 5s, 5 attempts.
	Respawn          resilience.RetryConfig
	DrainGrace       time.Duration
	HandshakeTimeout time.Duration
	HealthInterval   time.Duration
	// HeartbeatInterval pings idle workers, a worker silent for three intervals is killed. Negative disables.
	HeartbeatInterval time.Duration

	// OnMessage receives every envelope from a worker except pongs. It runs on
	// the worker's read loop and must not block.
	OnMessage func(h *Handle, env *protocol.Envelope)
	// OnExit runs once when a worker goes away, expected or not
	OnExit        func(h *Handle, err error)
	OnStateChange func(h *Handle, from, to State)
	Logger        logger.Logger
}

func (o *Options) defaults() {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	def := DefaultDegradedPolicy()
	if o.Degraded.ErrorThreshold <= 0 {
		o.Degraded.ErrorThreshold = def.ErrorThreshold
	}
	if o.Degraded.Window <= 0 {
		o.Degraded.Window = def.Window
	}
	if o.Degraded.Cooldown <= 0 {
		o.Degraded.Cooldown = def.Cooldown
	}
	if o.Respawn.MaxAttempts <= 0 {
		o.Respawn = resilience.DefaultRetryConfig()
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = DefaultDrainGrace
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeat
	}
	if o.Logger == nil {
		o.Logger = logger.NewConsoleLogger()
	}
}

// Pool owns every worker handle
type Pool struct {
	opts   Options
	logger logger.Logger

	mu      sync.Mutex // serializes writers of handles
	handles atomic.Pointer[[]*Handle]

	waitMu sync.Mutex
	wake   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	exhausted atomic.Bool
	respawns  atomic.Int64
	wg        sync.WaitGroup

	now      func() time.Time
	memoryOf func(pid int) (uint64, error)
}

// New returns a pool, Start spawns its workers
func New(opts Options) *Pool {
	opts.defaults()
	p := &Pool{
		opts:     opts,
		logger:   opts.Logger.WithPrefix("[pool]"),
		wake:     make(chan struct{}),
		now:      time.Now,
		memoryOf: processRSS,
	}
	empty := []*Handle{}
	p.handles.Store(&empty)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start spawns Size workers concurrently and starts the health loop. The
// pool keeps supervising its workers until Close or until ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	if p.opts.Spawner == nil {
		return fault.New(fault.CodeInvalidArgs, "pool requires a spawner")
	}
	context.AfterFunc(ctx, p.cancel)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Size; i++ {
		g.Go(func() error {
			return p.spawnWithRetry(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		_ = p.Close(context.Background())
		return err
	}
	go wait.UntilWithContext(p.ctx, p.checkHealth, p.opts.HealthInterval)
	p.logger.Info("started %d worker(s)", p.opts.Size)
	return nil
}

func (p *Pool) list() []*Handle {
	return *p.handles.Load()
}

func (p *Pool) add(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.list()
	next := make([]*Handle, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, h)
	p.handles.Store(&next)
}

func (p *Pool) remove(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.list()
	next := make([]*Handle, 0, len(cur))
	for _, x := range cur {
		if x != h {
			next = append(next, x)
		}
	}
	p.handles.Store(&next)
}

// signal wakes every Acquire waiting for capacity
func (p *Pool) signal() {
	p.waitMu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.waitMu.Unlock()
}

func (p *Pool) waitCh() <-chan struct{} {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.wake
}

func (p *Pool) stateChanged(h *Handle, from, to State) {
	p.logger.Debug("worker %s %s -> %s", h.ID, from, to)
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(h, from, to)
	}
	p.signal()
}

// Get returns the live handle with id
func (p *Pool) Get(id string) (*Handle, bool) {
	for _, h := range p.list() {
		if h.ID == id {
			return h, true
		}
	}
	return nil, false
}

// Len returns the number of workers that are not dead
func (p *Pool) Len() int {
	n := 0
	for _, h := range p.list() {
		if h.State() != StateDead {
			n++
		}
	}
	return n
}

func (p *Pool) spawnWithRetry(ctx context.Context) error {
	cfg := p.opts.Respawn
	cfg.Retryable = func(err error) bool { return ctx.Err() == nil && !p.closed.Load() }
	cfg.OnRetry = func(attempt int, backoff time.Duration, err error) {
		p.logger.Warn("spawn attempt %d failed, retrying in %v: %s", attempt, backoff, err)
	}
	err := resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		_, err := p.spawn(ctx)
		return err
	})
	if err != nil {
		return fault.Wrap(err, fault.CodePoolExhausted, "could not start a worker")
	}
	return nil
}

// spawn starts one worker and waits for its handshake
func (p *Pool) spawn(ctx context.Context) (*Handle, error) {
	if p.closed.Load() {
		return nil, fault.New(fault.CodeUnavailable, "pool is closed")
	}
	id := uuid.Must(uuid.NewV7()).String()
	proc, err := p.opts.Spawner.Spawn(ctx, id)
	if err != nil {
		return nil, err
	}
	h := newHandle(p, id, proc)
	p.add(h)
	p.stateChanged(h, "", StateStarting)
	p.wg.Add(1)
	go p.readLoop(h)

	if err := p.handshake(ctx, h); err != nil {
		// an abandoned handshake is an expected exit, not a crash
		h.transition(StateDraining)
		_ = h.proc.Kill()
		<-h.exited
		return nil, err
	}
	if p.closed.Load() {
		h.transition(StateDraining)
		_ = h.proc.Kill()
		<-h.exited
		return nil, fault.New(fault.CodeUnavailable, "pool is closed")
	}
	h.lastPong.Store(p.now().UnixNano())
	if !h.transition(StateReady, StateStarting) {
		return nil, fault.New(fault.CodeWorkerCrashed, "worker %s exited during handshake", id)
	}
	p.exhausted.Store(false)
	return h, nil
}

func (p *Pool) handshake(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	defer cancel()
	ping := &protocol.Envelope{CorrelationID: "handshake-" + h.ID, Kind: protocol.KindPing}
	if err := h.Send(ctx, ping); err != nil {
		return err
	}
	select {
	case <-h.handshake:
		return nil
	case <-h.exited:
		return fault.New(fault.CodeWorkerCrashed, "worker %s exited before its handshake", h.ID)
	case <-ctx.Done():
		return fault.New(fault.CodeDeadlineExceeded, "worker %s did not answer the handshake within %v", h.ID, p.opts.HandshakeTimeout)
	}
}

func (p *Pool) readLoop(h *Handle) {
	defer p.wg.Done()
	for {
		env, err := h.conn.Recv(context.Background())
		if err != nil {
			if fault.IsKind(err, fault.KindSerialization) {
				p.logger.Warn("dropping malformed frame from worker %s: %s", h.ID, err)
				continue
			}
			p.exit(h, err)
			return
		}
		switch env.Kind {
		case protocol.KindPong:
			h.lastPong.Store(p.now().UnixNano())
			h.shakeOnce.Do(func() { close(h.handshake) })
		case protocol.KindPing:
			pctx, cancel := context.WithTimeout(context.Background(), pongTimeout)
			_ = h.Send(pctx, &protocol.Envelope{CorrelationID: env.CorrelationID, Kind: protocol.KindPong})
			cancel()
		default:
			if p.opts.OnMessage != nil {
				p.opts.OnMessage(h, env)
			} else {
				p.logger.Warn("no handler for %s envelope from worker %s", env.Kind, h.ID)
			}
		}
	}
}

// exit handles the end of a worker's connection
func (p *Pool) exit(h *Handle, err error) {
	prev := h.State()
	h.transition(StateDead)
	_ = h.proc.Kill()
	close(h.exited)
	h.drainOnce.Do(func() { close(h.drained) })
	p.remove(h)
	if p.opts.OnExit != nil {
		p.opts.OnExit(h, err)
	}
	// a worker that dies before its handshake is retried by whoever spawned it
	if (prev == StateReady || prev == StateDegraded) && !p.closed.Load() {
		p.logger.Warn("worker %s (pid %d) exited unexpectedly: %v", h.ID, h.pid, err)
		p.respawn()
	}
	p.signal()
}

// respawn replaces a dead worker in the background. When the budget is
// spent the pool is marked exhausted and callers get PoolExhausted.
func (p *Pool) respawn() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.spawnWithRetry(p.ctx); err != nil {
			if p.closed.Load() || p.ctx.Err() != nil {
				return
			}
			p.exhausted.Store(true)
			p.logger.Error("worker respawn failed, pool exhausted: %s", err)
			p.signal()
			return
		}
		p.respawns.Add(1)
	}()
}

// Acquire reserves a worker for op, waiting until one has capacity or ctx is
// done. A degraded worker is only returned when no worker is ready, a busy
// ready worker is waited for.
func (p *Pool) Acquire(ctx context.Context, op string) (*Handle, error) {
	for {
		wake := p.waitCh()
		if p.closed.Load() {
			return nil, fault.New(fault.CodeUnavailable, "pool is closed")
		}
		if h := p.pick(op); h != nil {
			return h, nil
		}
		if p.exhausted.Load() && p.Len() == 0 {
			return nil, fault.New(fault.CodePoolExhausted, "no workers left and respawn budget exhausted")
		}
		select {
		case <-wake:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fault.New(fault.CodeDeadlineExceeded, "no worker became available for %s", op)
			}
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) pick(op string) *Handle {
	handles := p.list()
	if h := p.choose(handles, op, StateReady); h != nil {
		return h
	}
	for _, h := range handles {
		if h.State() == StateReady {
			return nil
		}
	}
	return p.choose(handles, op, StateDegraded)
}

type candidate struct {
	h          *Handle
	latency    time.Duration
	hasHistory bool
	load       int64
}

func (p *Pool) choose(handles []*Handle, op string, state State) *Handle {
	cands := make([]candidate, 0, len(handles))
	allHistory := true
	for _, h := range handles {
		if h.State() != state {
			continue
		}
		load := h.inFlight.Load()
		if load >= int64(h.MaxConcurrency) {
			continue
		}
		lat, ok := h.latencyFor(op)
		if !ok {
			allHistory = false
		}
		cands = append(cands, candidate{h: h, latency: lat, hasHistory: ok, load: load})
	}
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if allHistory {
			if a.latency != b.latency {
				return a.latency < b.latency
			}
			return a.load < b.load
		}
		if a.load != b.load {
			return a.load < b.load
		}
		return a.latency < b.latency
	})
	for _, c := range cands {
		if !c.h.tryReserve() {
			continue
		}
		if c.h.State() != state {
			c.h.unreserve()
			continue
		}
		return c.h
	}
	return nil
}

// Release returns a worker reserved by Acquire and records the outcome
func (p *Pool) Release(h *Handle, out Outcome) {
	now := p.now()
	h.inFlight.Add(-1)
	h.requests.Add(1)
	failed := out.TimedOut || (out.Err != nil && resilience.WorkerFailure(out.Err))
	if out.Operation != "" {
		h.opStats(out.Operation).record(out.Latency, failed)
	}
	h.overall.record(out.Latency, failed)
	if failed {
		h.failures.Add(1)
		h.window.add(now)
		h.lastError.Store(now.UnixNano())
	}
	p.evaluate(h, now)
	h.checkDrained()
	if limit := p.opts.Recycle.MaxRequests; limit > 0 && h.requests.Load() >= limit {
		p.recycleAsync(h, "served %d requests", h.requests.Load())
	}
	p.signal()
}

// evaluate applies the degraded policy to h
func (p *Pool) evaluate(h *Handle, now time.Time) {
	policy := p.opts.Degraded
	switch h.State() {
	case StateReady:
		errs := h.window.count(now)
		slow := policy.LatencyThreshold > 0 && h.overall.ewma() > policy.LatencyThreshold
		if errs > int64(policy.ErrorThreshold) || slow {
			if h.transition(StateDegraded, StateReady) {
				h.degradedAt.Store(now.UnixNano())
				p.logger.Warn("worker %s degraded: %d errors in %v, latency %v", h.ID, errs, policy.Window, h.overall.ewma())
			}
		}
	case StateDegraded:
		since := h.lastError.Load()
		if d := h.degradedAt.Load(); d > since {
			since = d
		}
		quiet := now.Sub(time.Unix(0, since)) >= policy.Cooldown
		fast := policy.LatencyThreshold == 0 || h.overall.ewma() <= policy.LatencyThreshold
		if quiet && fast && h.transition(StateReady, StateDegraded) {
			p.logger.Info("worker %s recovered", h.ID)
		}
	}
}

func (p *Pool) recycleAsync(h *Handle, reason string, args ...interface{}) {
	if p.closed.Load() {
		return
	}
	st := h.State()
	if st == StateDraining || st == StateDead {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Info("recycling worker %s: "+reason, append([]interface{}{h.ID}, args...)...)
		if err := p.Recycle(p.ctx, h); err != nil {
			p.logger.Error("recycle of worker %s failed: %s", h.ID, err)
		}
	}()
}

// Recycle drains h, stops it and spawns its replacement. Recycling a worker
// that is already draining or dead is a no-op.
func (p *Pool) Recycle(ctx context.Context, h *Handle) error {
	if !h.transition(StateDraining, StateStarting, StateReady, StateDegraded) {
		return nil
	}
	p.drain(ctx, h)
	if p.closed.Load() {
		return nil
	}
	if err := p.spawnWithRetry(ctx); err != nil {
		p.exhausted.Store(true)
		p.signal()
		return err
	}
	p.respawns.Add(1)
	return nil
}

// drain waits for h's in-flight calls (bounded by the grace period), asks it
// to shut down and waits for it to exit. h must already be draining.
func (p *Pool) drain(ctx context.Context, h *Handle) {
	h.checkDrained()
	grace := time.NewTimer(p.opts.DrainGrace)
	defer grace.Stop()
	select {
	case <-h.drained:
	case <-h.exited:
		return
	case <-grace.C:
		p.logger.Warn("worker %s still has %d call(s) after %v, stopping it", h.ID, h.inFlight.Load(), p.opts.DrainGrace)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = h.Send(sctx, &protocol.Envelope{Kind: protocol.KindShutdown})
	cancel()
	select {
	case <-h.exited:
		return
	case <-time.After(p.opts.DrainGrace):
	}
	_ = h.proc.Kill()
	<-h.exited
}

// Close drains every worker and stops supervision
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.signal()
	var g errgroup.Group
	for _, h := range p.list() {
		g.Go(func() error {
			if h.transition(StateDraining, StateStarting, StateReady, StateDegraded) {
				p.drain(ctx, h)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.cancel()
	p.wg.Wait()
	p.logger.Info("pool closed")
	return nil
}

// Stats is a snapshot of the whole pool
type Stats struct {
	Size      int           `json:"size"`
	Live      int           `json:"live"`
	Exhausted bool          `json:"exhausted"`
	Closed    bool          `json:"closed"`
	Respawns  int64         `json:"respawns"`
	Workers   []WorkerStats `json:"workers"`
}

// Snapshot returns the stats of every worker, oldest first
func (p *Pool) Snapshot() Stats {
	handles := p.list()
	out := Stats{
		Size:      p.opts.Size,
		Live:      p.Len(),
		Exhausted: p.exhausted.Load(),
		Closed:    p.closed.Load(),
		Respawns:  p.respawns.Load(),
		Workers:   make([]WorkerStats, 0, len(handles)),
	}
	for _, h := range handles {
		out.Workers = append(out.Workers, h.Stats())
	}
	sort.Slice(out.Workers, func(i, j int) bool { return out.Workers[i].SpawnedAt.Before(out.Workers[j].SpawnedAt) })
	return out
}
