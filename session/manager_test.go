package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/variable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, opts Options) (*Manager, *clock) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	m := NewManager(opts)
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.now = c.Now
	return m, c
}

func TestCreateAndVariables(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	s, err := m.Create(ctx, CreateOptions{Variables: map[string]any{"temperature": 0.7}})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	_, err = m.SetVariable(ctx, s.ID, "name", "bridge")
	require.NoError(t, err)
	v, err := m.GetVariable(s.ID, "temperature")
	require.NoError(t, err)
	assert.Equal(t, 0.7, v)

	vars, err := m.Variables(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 0.7, "name": "bridge"}, vars)

	_, err = m.GetVariable(s.ID, "missing")
	assert.ErrorIs(t, err, fault.ErrVariableNotFound)
	_, err = m.GetVariable("nope", "name")
	assert.ErrorIs(t, err, fault.ErrSessionNotFound)

	existed, err := m.DeleteVariable(ctx, s.ID, "name")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = m.Create(ctx, CreateOptions{ID: s.ID})
	assert.ErrorIs(t, err, fault.ErrDuplicateName)
	assert.Equal(t, 1, m.Len())
}

func TestSetTypedVariable(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	s, err := m.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	v, err := m.SetTypedVariable(ctx, s.ID, "t", 1, variable.TypeFloat)
	require.NoError(t, err)
	assert.Equal(t, variable.TypeFloat, v.Type)
	_, err = m.SetTypedVariable(ctx, s.ID, "t", "x", variable.TypeInteger)
	assert.ErrorIs(t, err, fault.ErrTypeMismatch)
}

func TestSessionLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{MaxSessions: 2})
	for i := 0; i < 2; i++ {
		_, err := m.Create(ctx, CreateOptions{})
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, CreateOptions{})
	assert.ErrorIs(t, err, fault.ErrSessionLimit)
	assert.Equal(t, fault.KindResourceExhausted, fault.KindOf(err))
	_, err = m.GetOrCreate(ctx, "another")
	assert.ErrorIs(t, err, fault.ErrSessionLimit)
	assert.Equal(t, 2, m.Len())
}

func TestConcurrentIncrementsOnOneSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	s, err := m.Create(ctx, CreateOptions{Variables: map[string]any{"counter": 0}})
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Update(ctx, s.ID, func(store *variable.Store) error {
				v, err := store.Value("counter")
				if err != nil {
					return err
				}
				_, err = store.Set("counter", v.(int)+1)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	v, err := m.GetVariable(s.ID, "counter")
	require.NoError(t, err)
	assert.Equal(t, n, v)
}

func TestDistinctSessionsDoNotBlock(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	a, err := m.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.Update(ctx, a.ID, func(store *variable.Store) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := m.SetVariable(ctx, b.ID, "x", 1)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session b blocked behind session a")
	}
	close(release)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	s, err := m.Create(ctx, CreateOptions{Variables: map[string]any{"a": 1}})
	require.NoError(t, err)
	err = m.Update(ctx, s.ID, func(store *variable.Store) error {
		_, _ = store.Set("a", 2)
		_, _ = store.Set("b", 3)
		return fault.New(fault.CodeInvalidArgs, "nope")
	})
	assert.ErrorIs(t, err, fault.ErrInvalidArgs)
	vars, _ := m.Variables(s.ID)
	assert.Equal(t, map[string]any{"a": 1}, vars)
}

func TestOversizeVariableLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{Limits: variable.Limits{MaxValueBytes: 128, MaxCount: 10}})
	s, err := m.Create(ctx, CreateOptions{Variables: map[string]any{"prompt": "short"}})
	require.NoError(t, err)
	_, err = m.SetVariable(ctx, s.ID, "prompt", strings.Repeat("x", 1024))
	assert.ErrorIs(t, err, fault.ErrSizeExceeded)
	v, err := m.GetVariable(s.ID, "prompt")
	require.NoError(t, err)
	assert.Equal(t, "short", v)
}

func TestGetOrCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	const n = 64
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreate(ctx, "shared")
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, m.Len())

	_, err := m.GetOrCreate(ctx, "")
	assert.ErrorIs(t, err, fault.ErrInvalidName)
}

func TestCloseSessionIsIdempotentAndRunsHooks(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	var mu sync.Mutex
	var closed []string
	m.OnClose(func(ctx context.Context, id string, tools []string, reason CloseReason) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, fmt.Sprintf("%s:%s:%v", id, reason, tools))
	})
	_, err := m.Create(ctx, CreateOptions{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, m.AddTool(ctx, "s1", "db.lookup"))
	tools, err := m.Tools("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"db.lookup"}, tools)

	require.NoError(t, m.CloseSession(ctx, "s1"))
	require.NoError(t, m.CloseSession(ctx, "s1"))
	require.NoError(t, m.CloseSession(ctx, "never-existed"))
	assert.Equal(t, []string{"s1:closed:[db.lookup]"}, closed)
	assert.Equal(t, 0, m.Len())

	_, err = m.SetVariable(ctx, "s1", "x", 1)
	assert.ErrorIs(t, err, fault.ErrSessionNotFound)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t, Options{TTL: 10 * time.Minute})
	var reasons []CloseReason
	m.OnClose(func(ctx context.Context, id string, tools []string, reason CloseReason) {
		reasons = append(reasons, reason)
	})
	_, err := m.Create(ctx, CreateOptions{ID: "idle"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{ID: "busy"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{ID: "deadline", TTL: time.Hour, ExpiresAt: c.Now().Add(5 * time.Minute)})
	require.NoError(t, err)

	c.Advance(6 * time.Minute)
	require.NoError(t, m.Touch("busy"))
	assert.Equal(t, []string{"deadline"}, m.SweepExpired(ctx))

	c.Advance(6 * time.Minute)
	assert.Equal(t, []string{"idle"}, m.SweepExpired(ctx))
	assert.Equal(t, []CloseReason{ReasonExpired, ReasonExpired}, reasons)

	_, err = m.Get("busy")
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestExpiredSessionIsReplacedOnGetOrCreate(t *testing.T) {
	ctx := context.Background()
	m, c := newManager(t, Options{TTL: time.Minute})
	s, err := m.GetOrCreate(ctx, "s")
	require.NoError(t, err)
	_, err = m.SetVariable(ctx, "s", "x", 1)
	require.NoError(t, err)
	c.Advance(2 * time.Minute)

	_, err = m.Get("s")
	assert.ErrorIs(t, err, fault.ErrSessionNotFound)
	fresh, err := m.GetOrCreate(ctx, "s")
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
	assert.True(t, s.Closed())
	vars, _ := m.Variables("s")
	assert.Empty(t, vars)
}

func TestWriteThroughAndRestore(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersister()
	m, _ := newManager(t, Options{Persister: p, RetainOnShutdown: true})
	_, err := m.Create(ctx, CreateOptions{ID: "s1"})
	require.NoError(t, err)
	_, err = m.SetVariable(ctx, "s1", "count", 3)
	require.NoError(t, err)
	_, err = m.SetVariable(ctx, "s1", "tags", []any{"a", "b"})
	require.NoError(t, err)

	rec, err := p.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, rec.Variables, 2)

	require.NoError(t, m.Close(ctx))
	ids, _ := p.List(ctx)
	assert.Equal(t, []string{"s1"}, ids, "records survive a shutdown when retained")

	next, _ := newManager(t, Options{Persister: p})
	n, err := next.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	vars, err := next.Variables("s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": int64(3), "tags": []any{"a", "b"}}, vars)

	require.NoError(t, next.CloseSession(ctx, "s1"))
	ids, _ = p.List(ctx)
	assert.Empty(t, ids)
}

func TestGetOrCreateLoadsFromPersister(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersister()
	require.NoError(t, p.Save(ctx, Record{
		ID:         "s9",
		Variables:  []variable.Variable{{Name: "model", Value: "small", Type: variable.TypeString, Size: 6}},
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
		TTL:        time.Hour,
	}))
	m := NewManager(Options{Persister: p, Logger: logger.NewTestLogger()})
	s, err := m.GetOrCreate(ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, "s9", s.ID)
	v, err := m.GetVariable("s9", "model")
	require.NoError(t, err)
	assert.Equal(t, "small", v)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	_, _ = m.Create(ctx, CreateOptions{ID: "b"})
	_, _ = m.Create(ctx, CreateOptions{ID: "a", Variables: map[string]any{"x": 1}})
	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, 1, infos[0].Variables)
	assert.Positive(t, infos[0].Bytes)
}

func TestStartSweeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(Options{TTL: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond, Logger: logger.NewTestLogger()})
	_, err := m.Create(ctx, CreateOptions{ID: "short"})
	require.NoError(t, err)
	m.Start(ctx)
	assert.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type gatedDeletePersister struct {
	Persister
	entered chan struct{}
	release chan struct{}
}

func (p *gatedDeletePersister) Delete(ctx context.Context, id string) error {
	close(p.entered)
	<-p.release
	return p.Persister.Delete(ctx, id)
}

func TestGetOrCreateWaitsForClosingSession(t *testing.T) {
	ctx := context.Background()
	p := &gatedDeletePersister{Persister: NewMemoryPersister(), entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newManager(t, Options{Persister: p})
	_, err := m.Create(ctx, CreateOptions{ID: "s1", Variables: map[string]any{"old": 1}})
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = m.CloseSession(ctx, "s1")
	}()
	<-p.entered

	type result struct {
		s   *Session
		err error
	}
	reopened := make(chan result, 1)
	go func() {
		s, err := m.GetOrCreate(ctx, "s1")
		reopened <- result{s, err}
	}()
	select {
	case <-reopened:
		t.Fatal("session reopened before its teardown finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	<-closed
	var r result
	select {
	case r = <-reopened:
	case <-time.After(time.Second):
		t.Fatal("session was not reopened")
	}
	require.NoError(t, r.err)
	assert.Equal(t, "s1", r.s.ID)
	_, err = m.GetVariable("s1", "old")
	assert.ErrorIs(t, err, fault.ErrVariableNotFound)

	rec, err := p.Load(ctx, "s1")
	require.NoError(t, err, "the reopened session keeps its persisted record")
	assert.Empty(t, rec.Variables)
}

func TestUpdateRollbackRestoresNestedValues(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	_, err := m.Create(ctx, CreateOptions{ID: "s1", Variables: map[string]any{"cfg": map[string]any{"k": "v"}}})
	require.NoError(t, err)
	err = m.Update(ctx, "s1", func(store *variable.Store) error {
		_, err := store.Set("cfg", map[string]any{"k": "changed"})
		require.NoError(t, err)
		return fault.New(fault.CodeInvalidArgs, "abort")
	})
	require.Error(t, err)
	v, err := m.GetVariable("s1", "cfg")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, v)
}
