// Package session owns session lifecycle and every session's variable store.
//
// Sessions are spread over shards picked by an xxhash of the id so lookups on
// different sessions never contend on one lock. Each Session has its own
// mutex which is the only path to its store: all variable and tool
// mutations of one session are serialized there, sessions never wait on
// each other.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/variable"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultShards        = 32
)

// CloseReason tells close hooks why a session went away
type CloseReason string

const (
	ReasonClosed   CloseReason = "closed"
	ReasonExpired  CloseReason = "expired"
	ReasonShutdown CloseReason = "shutdown"
)

// CloseHook runs once for every session that is torn down, after the session
// is no longer reachable. tools are the tool names the session had registered.
type CloseHook func(ctx context.Context, id string, tools []string, reason CloseReason)

// Options configure a Manager
type Options struct {
	// TTL closes sessions idle for longer than this, zero uses DefaultTTL, negative disables idle expiry
	TTL           time.Duration
	SweepInterval time.Duration
	// MaxSessions bounds live sessions, zero means unbounded
	MaxSessions int
	Limits      variable.Limits
	// Persister receives a write-through copy of every mutation when set
	Persister Persister
	// RetainOnShutdown keeps persisted records when the manager is closed so another host can Restore them
	RetainOnShutdown bool
	Shards           int
	Logger           logger.Logger
}

// CreateOptions configure a single session
type CreateOptions struct {
	// ID is generated (uuid v7) when empty
	ID        string
	TTL       time.Duration
	ExpiresAt time.Time
	Variables map[string]any
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Manager owns every live session
type Manager struct {
	shards    []*shard
	opts      Options
	logger    logger.Logger
	persister Persister
	group     singleflight.Group
	count     atomic.Int64
	now       func() time.Time

	hookMu sync.RWMutex
	hooks  []CloseHook

	// closing holds the ids whose teardown has not finished yet
	closingMu sync.Mutex
	closing   map[string]chan struct{}
}

// NewManager returns a Manager with defaults filled in
func NewManager(opts Options) *Manager {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewConsoleLogger()
	}
	m := &Manager{
		shards:    make([]*shard, opts.Shards),
		opts:      opts,
		logger:    opts.Logger.WithPrefix("[session]"),
		persister: opts.Persister,
		now:       time.Now,
		closing:   make(map[string]chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

// OnClose registers a hook that runs for every closed session
func (m *Manager) OnClose(hook CloseHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, hook)
	m.hookMu.Unlock()
}

func (m *Manager) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

func (m *Manager) ttl() time.Duration {
	if m.opts.TTL < 0 {
		return 0
	}
	return m.opts.TTL
}

func (m *Manager) reserve() error {
	if m.opts.MaxSessions <= 0 {
		m.count.Add(1)
		return nil
	}
	if n := m.count.Add(1); n > int64(m.opts.MaxSessions) {
		m.count.Add(-1)
		return fault.New(fault.CodeSessionLimit, "session limit of %d reached", m.opts.MaxSessions)
	}
	return nil
}

// insert stores s unless a live session with the same id exists, in which
// case that session is returned and inserted is false
func (m *Manager) insert(s *Session) (winner *Session, inserted bool) {
	sh := m.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.sessions[s.ID]; ok {
		return existing, false
	}
	sh.sessions[s.ID] = s
	return s, true
}

// awaitClosed blocks while id is being torn down, so a new session under the
// same id never sees the old persisted record nor has its own deleted
func (m *Manager) awaitClosed(ctx context.Context, id string) error {
	m.closingMu.Lock()
	ch, ok := m.closing[id]
	m.closingMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fault.Wrap(ctx.Err(), fault.CodeDeadlineExceeded, "session %q is still closing", id)
	}
}

func (m *Manager) lookup(id string) *Session {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[id]
}

// Create allocates a new session. It fails only when the session limit is
// reached, the id is already live or the initial variables do not fit.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = m.ttl()
	}
	if err := m.awaitClosed(ctx, id); err != nil {
		return nil, err
	}
	s := newSession(id, m.now(), ttl, opts.ExpiresAt, m.opts.Limits)
	if len(opts.Variables) > 0 {
		if err := s.store.Merge(opts.Variables); err != nil {
			return nil, err
		}
	}
	if err := m.reserve(); err != nil {
		return nil, err
	}
	if _, inserted := m.insert(s); !inserted {
		m.count.Add(-1)
		return nil, fault.New(fault.CodeDuplicateName, "session %q already exists", id)
	}
	s.mu.Lock()
	m.persist(ctx, s)
	s.mu.Unlock()
	m.logger.Debug("created session %s", id)
	return s, nil
}

// GetOrCreate returns the live session id, restoring it from the persister or
// creating it when unknown. Concurrent callers for the same unknown id all
// receive the same session.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fault.New(fault.CodeInvalidName, "session id is required")
	}
	if s := m.live(ctx, id); s != nil {
		return s, nil
	}
	v, err, _ := m.group.Do(id, func() (interface{}, error) {
		if s := m.live(ctx, id); s != nil {
			return s, nil
		}
		if err := m.awaitClosed(ctx, id); err != nil {
			return nil, err
		}
		s, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			s = newSession(id, m.now(), m.ttl(), time.Time{}, m.opts.Limits)
		}
		if err := m.reserve(); err != nil {
			return nil, err
		}
		winner, inserted := m.insert(s)
		if !inserted {
			m.count.Add(-1)
			return winner, nil
		}
		s.mu.Lock()
		m.persist(ctx, s)
		s.mu.Unlock()
		m.logger.Debug("created session %s on first use", id)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// live returns the session when it is present and not expired. An expired
// session found here is closed on the spot.
func (m *Manager) live(ctx context.Context, id string) *Session {
	s := m.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	expired := s.expired(m.now())
	if !expired && !s.closed {
		s.lastAccess = m.now()
	}
	closed := s.closed
	s.mu.Unlock()
	if expired {
		m.closeSession(ctx, id, ReasonExpired)
		return nil
	}
	if closed {
		return nil
	}
	return s
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	if m.persister == nil {
		return nil, nil
	}
	rec, err := m.persister.Load(ctx, id)
	if err != nil {
		if fault.CodeOf(err) == fault.CodeSessionNotFound {
			return nil, nil
		}
		return nil, err
	}
	s, err := m.fromRecord(rec)
	if err != nil {
		return nil, err
	}
	if s.expired(m.now()) {
		_ = m.persister.Delete(ctx, id)
		return nil, nil
	}
	m.logger.Debug("restored session %s with %d variables", id, s.store.Len())
	return s, nil
}

func (m *Manager) fromRecord(rec Record) (*Session, error) {
	s := newSession(rec.ID, rec.CreatedAt, rec.TTL, rec.ExpiresAt, m.opts.Limits)
	s.lastAccess = rec.LastAccess
	if err := s.store.Restore(rec.Variables); err != nil {
		return nil, err
	}
	// tool functions live in the registry of the process that registered
	// them, only their names are persisted
	return s, nil
}

// Get returns a live session or SessionNotFound
func (m *Manager) Get(id string) (*Session, error) {
	s := m.lookup(id)
	if s == nil {
		return nil, fault.New(fault.CodeSessionNotFound, "session %q not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.expired(m.now()) {
		return nil, fault.New(fault.CodeSessionNotFound, "session %q not found", id)
	}
	return s, nil
}

// Touch refreshes the last access time of id
func (m *Manager) Touch(id string) error {
	return m.with(context.Background(), id, false, func(s *Session) error { return nil })
}

// with runs fn inside the session's serialization point. When write is true
// the session is persisted after fn succeeds.
func (m *Manager) with(ctx context.Context, id string, write bool, fn func(s *Session) error) error {
	s := m.lookup(id)
	if s == nil {
		return fault.New(fault.CodeSessionNotFound, "session %q not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.now()
	if s.closed || s.expired(now) {
		return fault.New(fault.CodeSessionNotFound, "session %q not found", id)
	}
	if err := fn(s); err != nil {
		return err
	}
	s.lastAccess = now
	if write {
		m.persist(ctx, s)
	}
	return nil
}

// persist writes s through to the persister. s.mu must be held so records are
// saved in mutation order.
func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.persister == nil {
		return
	}
	if err := m.persister.Save(ctx, s.record()); err != nil {
		m.logger.Warn("failed to persist session %s: %s", s.ID, err)
	}
}

// SetVariable stores a variable with an inferred type
func (m *Manager) SetVariable(ctx context.Context, id, name string, value any) (*variable.Variable, error) {
	return m.SetTypedVariable(ctx, id, name, value, "")
}

// SetTypedVariable stores a variable with a declared type
func (m *Manager) SetTypedVariable(ctx context.Context, id, name string, value any, tag variable.TypeTag) (*variable.Variable, error) {
	var out *variable.Variable
	err := m.with(ctx, id, true, func(s *Session) error {
		v, err := s.store.SetTyped(name, value, tag)
		if err != nil {
			return err
		}
		cp := *v
		out = &cp
		return nil
	})
	return out, err
}

// GetVariable returns the value of name in session id
func (m *Manager) GetVariable(id, name string) (any, error) {
	var out any
	err := m.with(context.Background(), id, false, func(s *Session) error {
		v, err := s.store.Value(name)
		out = v
		return err
	})
	return out, err
}

// DeleteVariable removes name and reports whether it existed
func (m *Manager) DeleteVariable(ctx context.Context, id, name string) (bool, error) {
	var existed bool
	err := m.with(ctx, id, true, func(s *Session) error {
		existed = s.store.Delete(name)
		return nil
	})
	return existed, err
}

// Variables returns every variable of the session as a map
func (m *Manager) Variables(id string) (map[string]any, error) {
	var out map[string]any
	err := m.with(context.Background(), id, false, func(s *Session) error {
		out = s.store.ToMap()
		return nil
	})
	return out, err
}

// Update runs fn against the session's store inside its serialization point.
// If fn fails the store is rolled back to its state before the call.
func (m *Manager) Update(ctx context.Context, id string, fn func(store *variable.Store) error) error {
	return m.with(ctx, id, true, func(s *Session) error {
		before := s.store.Snapshot()
		if err := fn(s.store); err != nil {
			if rerr := s.store.Restore(before); rerr != nil {
				m.logger.Error("failed to roll back session %s: %s", id, rerr)
			}
			return err
		}
		return nil
	})
}

// AddTool records name as registered in session id
func (m *Manager) AddTool(ctx context.Context, id, name string) error {
	return m.with(ctx, id, true, func(s *Session) error {
		s.tools.Insert(name)
		return nil
	})
}

// RemoveTool forgets name and reports whether it was recorded
func (m *Manager) RemoveTool(ctx context.Context, id, name string) (bool, error) {
	var had bool
	err := m.with(ctx, id, true, func(s *Session) error {
		had = s.tools.Has(name)
		s.tools.Delete(name)
		return nil
	})
	return had, err
}

// Tools returns the tool names registered in session id, sorted
func (m *Manager) Tools(id string) ([]string, error) {
	var out []string
	err := m.with(context.Background(), id, false, func(s *Session) error {
		out = sets.List(s.tools)
		return nil
	})
	return out, err
}

// CloseSession tears session id down. Closing an unknown or already closed
// session is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.closeSession(ctx, id, ReasonClosed)
	return nil
}

func (m *Manager) closeSession(ctx context.Context, id string, reason CloseReason) bool {
	sh := m.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
		done := make(chan struct{})
		m.closingMu.Lock()
		m.closing[id] = done
		m.closingMu.Unlock()
		defer func() {
			m.closingMu.Lock()
			if m.closing[id] == done {
				delete(m.closing, id)
			}
			m.closingMu.Unlock()
			close(done)
		}()
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	m.count.Add(-1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	tools := sets.List(s.tools)
	s.tools = sets.New[string]()
	s.store.Clear()
	s.mu.Unlock()

	m.hookMu.RLock()
	hooks := append([]CloseHook(nil), m.hooks...)
	m.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, id, tools, reason)
	}
	if m.persister != nil && !(reason == ReasonShutdown && m.opts.RetainOnShutdown) {
		if err := m.persister.Delete(ctx, id); err != nil {
			m.logger.Warn("failed to delete persisted session %s: %s", id, err)
		}
	}
	m.logger.Debug("closed session %s (%s)", id, reason)
	return true
}

func (m *Manager) all() []*Session {
	var out []*Session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// SweepExpired closes every session past its ttl or expiry and returns their ids
func (m *Manager) SweepExpired(ctx context.Context) []string {
	now := m.now()
	var expired []string
	for _, s := range m.all() {
		s.mu.Lock()
		if !s.closed && s.expired(now) {
			expired = append(expired, s.ID)
		}
		s.mu.Unlock()
	}
	sort.Strings(expired)
	for _, id := range expired {
		m.closeSession(ctx, id, ReasonExpired)
	}
	if len(expired) > 0 {
		m.logger.Info("swept %d expired session(s)", len(expired))
	}
	return expired
}

// Start runs the expiry sweep every SweepInterval until ctx is done
func (m *Manager) Start(ctx context.Context) {
	go wait.UntilWithContext(ctx, func(ctx context.Context) {
		m.SweepExpired(ctx)
	}, m.opts.SweepInterval)
}

// Restore loads every persisted session that is not yet live and returns how
// many were restored
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.persister == nil {
		return 0, nil
	}
	ids, err := m.persister.List(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, id := range ids {
		if m.lookup(id) != nil {
			continue
		}
		if err := m.awaitClosed(ctx, id); err != nil {
			return restored, err
		}
		s, err := m.load(ctx, id)
		if err != nil {
			m.logger.Warn("skipping persisted session %s: %s", id, err)
			continue
		}
		if s == nil {
			continue
		}
		if err := m.reserve(); err != nil {
			return restored, err
		}
		if _, inserted := m.insert(s); !inserted {
			m.count.Add(-1)
			continue
		}
		restored++
	}
	if restored > 0 {
		m.logger.Info("restored %d session(s)", restored)
	}
	return restored, nil
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	return int(m.count.Load())
}

// List returns the bookkeeping of every live session, sorted by id
func (m *Manager) List() []Info {
	sessions := m.all()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close tears down every session with ReasonShutdown
func (m *Manager) Close(ctx context.Context) error {
	for _, s := range m.all() {
		m.closeSession(ctx, s.ID, ReasonShutdown)
	}
	return nil
}
