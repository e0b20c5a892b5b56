package pool

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/agentuity/go-bridge/resilience"
	"github.com/agentuity/go-bridge/worker"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"echo": func(ctx context.Context, call *worker.Call) (any, error) {
			return call.Args, nil
		},
		"whoami": func(ctx context.Context, call *worker.Call) (any, error) {
			return os.Getenv("BRIDGE_WORKER_ID"), nil
		},
	}
}

func serveWorker(ctx context.Context, id string, conn protocol.Conn) error {
	return worker.New(conn, worker.Options{ID: id, Handlers: handlers(), Logger: logger.NewTestLogger()}).Serve(ctx)
}

// responses correlates worker responses the way the dispatcher does
type responses struct {
	mu      sync.Mutex
	waiting map[string]chan *protocol.Envelope
}

func newResponses() *responses {
	return &responses{waiting: map[string]chan *protocol.Envelope{}}
}

func (r *responses) onMessage(h *Handle, env *protocol.Envelope) {
	r.mu.Lock()
	ch := r.waiting[env.CorrelationID]
	delete(r.waiting, env.CorrelationID)
	r.mu.Unlock()
	if ch != nil {
		ch <- env
	}
}

func (r *responses) call(t *testing.T, p *Pool, op string, args map[string]any) (*Handle, *protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := p.Acquire(ctx, op)
	require.NoError(t, err)
	payload, err := codec.Msgpack.Marshal(args)
	require.NoError(t, err)
	id := uuid.NewString()
	ch := make(chan *protocol.Envelope, 1)
	r.mu.Lock()
	r.waiting[id] = ch
	r.mu.Unlock()
	started := time.Now()
	require.NoError(t, h.Send(ctx, &protocol.Envelope{CorrelationID: id, Kind: protocol.KindRequest, Name: op, Codec: "msgpack", Payload: payload}))
	select {
	case env := <-ch:
		p.Release(h, Outcome{Operation: op, Latency: time.Since(started), Err: env.Err()})
		return h, env
	case <-ctx.Done():
		p.Release(h, Outcome{Operation: op, TimedOut: true})
		t.Fatal("no response from worker")
		return nil, nil
	}
}

type clock struct{ nanos atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.nanos.Store(time.Now().UnixNano())
	return c
}

func (c *clock) now() time.Time          { return time.Unix(0, c.nanos.Load()) }
func (c *clock) advance(d time.Duration) { c.nanos.Add(int64(d)) }

func fastRespawn(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
}

func newTestPool(t *testing.T, opts Options) (*Pool, *responses) {
	t.Helper()
	r := newResponses()
	if opts.Spawner == nil {
		opts.Spawner = FuncSpawner(serveWorker)
	}
	if opts.OnMessage == nil {
		opts.OnMessage = r.onMessage
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	if opts.Respawn.MaxAttempts == 0 {
		opts.Respawn = fastRespawn(5)
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	if opts.DrainGrace == 0 {
		opts.DrainGrace = time.Second
	}
	p := New(opts)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, r
}

func TestStartAndCall(t *testing.T) {
	p, r := newTestPool(t, Options{Size: 2})
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 2, p.Len())
	for _, ws := range p.Snapshot().Workers {
		assert.Equal(t, StateReady, ws.State)
		assert.Zero(t, ws.PID)
	}

	h, env := r.call(t, p, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, env.Err())
	var out map[string]any
	require.NoError(t, codec.Msgpack.Unmarshal(env.Payload, &out))
	assert.Equal(t, "hi", out["msg"])
	assert.Equal(t, int64(1), h.Requests())
	assert.Zero(t, h.InFlight())
}

func TestStartRequiresSpawner(t *testing.T) {
	p := New(Options{Logger: logger.NewTestLogger()})
	assert.ErrorIs(t, p.Start(context.Background()), fault.ErrInvalidArgs)
}

func TestCrashIsRespawned(t *testing.T) {
	var mu sync.Mutex
	var events []State
	p, r := newTestPool(t, Options{Size: 1, OnStateChange: func(h *Handle, from, to State) {
		mu.Lock()
		events = append(events, to)
		mu.Unlock()
	}})
	exits := make(chan error, 1)
	p.opts.OnExit = func(h *Handle, err error) { exits <- err }
	require.NoError(t, p.Start(context.Background()))

	first := p.list()[0]
	require.NoError(t, first.proc.Kill())
	select {
	case <-exits:
	case <-time.After(2 * time.Second):
		t.Fatal("exit not reported")
	}
	assert.Equal(t, StateDead, first.State())

	assert.Eventually(t, func() bool {
		return p.Snapshot().Respawns == 1 && p.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	h, env := r.call(t, p, "echo", map[string]any{"after": "crash"})
	require.NoError(t, env.Err())
	assert.NotEqual(t, first.ID, h.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateStarting, StateReady, StateDead, StateStarting, StateReady}, events)
}

func TestRoutingPrefersFasterWorker(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 2})
	require.NoError(t, p.Start(context.Background()))
	ctx := context.Background()

	slow, err := p.Acquire(ctx, "predict")
	require.NoError(t, err)
	fast, err := p.Acquire(ctx, "predict")
	require.NoError(t, err)
	require.NotEqual(t, slow.ID, fast.ID, "least loaded wins without history")
	p.Release(slow, Outcome{Operation: "predict", Latency: 100 * time.Millisecond})
	p.Release(fast, Outcome{Operation: "predict", Latency: 10 * time.Millisecond})

	for i := 0; i < 5; i++ {
		h, err := p.Acquire(ctx, "predict")
		require.NoError(t, err)
		assert.Equal(t, fast.ID, h.ID)
		p.Release(h, Outcome{Operation: "predict", Latency: 10 * time.Millisecond})
	}

	// an operation without history on every worker falls back to load
	h, err := p.Acquire(ctx, "other")
	require.NoError(t, err)
	p.Release(h, Outcome{Operation: "other", Latency: time.Millisecond})
}

func TestAcquireWaitsForCapacity(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, MaxConcurrency: 1})
	require.NoError(t, p.Start(context.Background()))

	h, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "echo")
	assert.ErrorIs(t, err, fault.ErrDeadlineExceeded)

	got := make(chan *Handle, 1)
	go func() {
		h2, err := p.Acquire(context.Background(), "echo")
		if err == nil {
			got <- h2
		}
	}()
	time.Sleep(20 * time.Millisecond)
	p.Release(h, Outcome{Operation: "echo"})
	select {
	case h2 := <-got:
		assert.Equal(t, h.ID, h2.ID)
		p.Release(h2, Outcome{Operation: "echo"})
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestAcquireWaitsForBusyReadyWorkerOverDegraded(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 2, MaxConcurrency: 1})
	require.NoError(t, p.Start(context.Background()))
	handles := p.list()
	require.Len(t, handles, 2)
	sick, healthy := handles[0], handles[1]
	sick.degradedAt.Store(time.Now().UnixNano())
	require.True(t, sick.transition(StateDegraded, StateReady))

	busy, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, healthy.ID, busy.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	h, err := p.Acquire(ctx, "echo")
	if err == nil {
		p.Release(h, Outcome{Operation: "echo"})
		t.Fatalf("got worker %s in state %s while a ready worker exists", h.ID, h.State())
	}
	assert.ErrorIs(t, err, fault.ErrDeadlineExceeded)

	p.Release(busy, Outcome{Operation: "echo"})
	h, err = p.Acquire(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, healthy.ID, h.ID)
	p.Release(h, Outcome{Operation: "echo"})

	// with no ready worker left the degraded one serves
	healthy.degradedAt.Store(time.Now().UnixNano())
	require.True(t, healthy.transition(StateDegraded, StateReady))
	h, err = p.Acquire(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, StateDegraded, h.State())
	p.Release(h, Outcome{Operation: "echo"})
}

func TestDegradedAndRecovery(t *testing.T) {
	clk := newClock()
	p, _ := newTestPool(t, Options{Size: 1})
	p.now = clk.now
	require.NoError(t, p.Start(context.Background()))
	ctx := context.Background()

	fail := func(err error) {
		h, err2 := p.Acquire(ctx, "predict")
		require.NoError(t, err2)
		p.Release(h, Outcome{Operation: "predict", Latency: time.Millisecond, Err: err})
	}
	// caller mistakes do not count against the worker
	for i := 0; i < 10; i++ {
		fail(fault.New(fault.CodeInvalidArgs, "bad"))
	}
	h := p.list()[0]
	assert.Equal(t, StateReady, h.State())

	for i := 0; i < 5; i++ {
		fail(fault.Exception("boom"))
	}
	assert.Equal(t, StateReady, h.State(), "five errors is at the threshold")
	fail(fault.Exception("boom"))
	assert.Equal(t, StateDegraded, h.State())

	// a degraded worker still serves when it is the only one
	got, err := p.Acquire(ctx, "predict")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
	p.Release(got, Outcome{Operation: "predict", Latency: time.Millisecond})

	clk.advance(29 * time.Second)
	p.checkHealth(ctx)
	assert.Equal(t, StateDegraded, h.State())
	clk.advance(2 * time.Second)
	p.checkHealth(ctx)
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, int64(6), h.Stats().Errors)
}

func TestDegradedOnLatency(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, Degraded: DegradedPolicy{LatencyThreshold: 50 * time.Millisecond}})
	require.NoError(t, p.Start(context.Background()))
	h, err := p.Acquire(context.Background(), "predict")
	require.NoError(t, err)
	p.Release(h, Outcome{Operation: "predict", Latency: time.Second})
	assert.Equal(t, StateDegraded, h.State())
}

func TestRecycleAfterMaxRequests(t *testing.T) {
	p, r := newTestPool(t, Options{Size: 1, Recycle: RecyclePolicy{MaxRequests: 2}})
	require.NoError(t, p.Start(context.Background()))
	first := p.list()[0]

	r.call(t, p, "echo", nil)
	r.call(t, p, "echo", nil)
	select {
	case <-first.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("worker was not recycled")
	}
	assert.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.Live == 1 && s.Respawns == 1
	}, 2*time.Second, 5*time.Millisecond)
	h, env := r.call(t, p, "echo", nil)
	require.NoError(t, env.Err())
	assert.NotEqual(t, first.ID, h.ID)
}

func TestRecycleOnAge(t *testing.T) {
	clk := newClock()
	p, _ := newTestPool(t, Options{Size: 1, Recycle: RecyclePolicy{MaxAge: time.Hour}})
	p.now = clk.now
	require.NoError(t, p.Start(context.Background()))
	first := p.list()[0]
	clk.advance(2 * time.Hour)
	p.checkHealth(context.Background())
	select {
	case <-first.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("old worker was not recycled")
	}
}

type fakePID struct {
	Process
}

func (fakePID) PID() int { return 4242 }

func TestRecycleOnMemory(t *testing.T) {
	spawner := spawnerFunc(func(ctx context.Context, id string) (Process, error) {
		proc, err := FuncSpawner(serveWorker).Spawn(ctx, id)
		if err != nil {
			return nil, err
		}
		return fakePID{proc}, nil
	})
	p, _ := newTestPool(t, Options{Size: 1, Spawner: spawner, Recycle: RecyclePolicy{MaxMemoryBytes: 1 << 20}})
	var asked atomic.Int64
	p.memoryOf = func(pid int) (uint64, error) {
		asked.Store(int64(pid))
		return 2 << 20, nil
	}
	require.NoError(t, p.Start(context.Background()))
	h := p.list()[0]
	p.checkHealth(context.Background())
	select {
	case <-h.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("worker over its memory limit was not recycled")
	}
	assert.Equal(t, int64(4242), asked.Load())
}

type spawnerFunc func(ctx context.Context, id string) (Process, error)

func (f spawnerFunc) Spawn(ctx context.Context, id string) (Process, error) { return f(ctx, id) }

func TestDrainWaitsForInFlight(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 1, DrainGrace: 5 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	h, err := p.Acquire(context.Background(), "echo")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Recycle(context.Background(), h) }()
	assert.Eventually(t, func() bool { return h.State() == StateDraining }, time.Second, time.Millisecond)

	select {
	case <-h.Exited():
		t.Fatal("worker stopped with a call in flight")
	case <-time.After(50 * time.Millisecond):
	}
	p.Release(h, Outcome{Operation: "echo"})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("recycle did not finish")
	}
	assert.Equal(t, StateDead, h.State())
	assert.Equal(t, 1, p.Len())
}

type flakySpawner struct {
	spawns atomic.Int32
	ok     int32
}

func (s *flakySpawner) Spawn(ctx context.Context, id string) (Process, error) {
	if s.spawns.Add(1) > s.ok {
		return nil, fault.New(fault.CodeInternal, "cannot start")
	}
	return FuncSpawner(serveWorker).Spawn(ctx, id)
}

func TestPoolExhausted(t *testing.T) {
	spawner := &flakySpawner{ok: 1}
	p, _ := newTestPool(t, Options{Size: 1, Spawner: spawner, Respawn: fastRespawn(3)})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.list()[0].proc.Kill())

	assert.Eventually(t, func() bool { return p.Snapshot().Exhausted }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), spawner.spawns.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Acquire(ctx, "echo")
	assert.ErrorIs(t, err, fault.ErrPoolExhausted)
}

func TestStartFailsWhenNoWorkerStarts(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 2, Spawner: &flakySpawner{}, Respawn: fastRespawn(2)})
	err := p.Start(context.Background())
	assert.ErrorIs(t, err, fault.ErrPoolExhausted)
}

func TestHeartbeatKillsSilentWorker(t *testing.T) {
	clk := newClock()
	p, _ := newTestPool(t, Options{Size: 1, HeartbeatInterval: time.Second})
	p.now = clk.now
	require.NoError(t, p.Start(context.Background()))
	first := p.list()[0]

	// the worker answers pings, so only a jump in time makes it look silent
	assert.Eventually(t, func() bool {
		clk.advance(10 * time.Second)
		p.checkHealth(context.Background())
		select {
		case <-first.Exited():
			return true
		case <-time.After(10 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return p.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseDrainsEverything(t *testing.T) {
	p, _ := newTestPool(t, Options{Size: 3})
	require.NoError(t, p.Start(context.Background()))
	handles := p.list()
	require.NoError(t, p.Close(context.Background()))
	for _, h := range handles {
		assert.Equal(t, StateDead, h.State())
	}
	assert.Zero(t, p.Len())
	_, err := p.Acquire(context.Background(), "echo")
	assert.ErrorIs(t, err, fault.ErrUnavailable)
	assert.NoError(t, p.Close(context.Background()))
}

// TestHelperProcess is not a real test, it is the worker binary for the
// exec spawner test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	conn := protocol.NewStreamConnPair(os.Stdin, os.Stdout)
	err := worker.New(conn, worker.Options{Handlers: handlers(), Logger: logger.NewTestLogger()}).Serve(context.Background())
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestExecSpawner(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a process")
	}
	spawner := &ExecSpawner{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1"},
		Logger:  logger.NewTestLogger(),
	}
	p, r := newTestPool(t, Options{Size: 1, Spawner: spawner, HandshakeTimeout: 5 * time.Second})
	require.NoError(t, p.Start(context.Background()))
	h := p.list()[0]
	assert.Positive(t, h.PID())

	_, env := r.call(t, p, "whoami", nil)
	require.NoError(t, env.Err())
	var id string
	require.NoError(t, codec.Msgpack.Unmarshal(env.Payload, &id))
	assert.Equal(t, h.ID, id)

	require.NoError(t, p.Close(context.Background()))
	select {
	case <-h.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("child did not exit")
	}
}
