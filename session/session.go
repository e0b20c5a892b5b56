package session

import (
	"sync"
	"time"

	"github.com/agentuity/go-bridge/variable"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Session is one isolated unit of work. Every mutation of its variables or
// tools happens under mu, the session's single serialization point.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	lastAccess time.Time
	expiresAt  time.Time
	ttl        time.Duration
	store      *variable.Store
	tools      sets.Set[string]
	closed     bool
}

// Info is a point in time copy of a session's bookkeeping
type Info struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Variables  int       `json:"variables"`
	Bytes      int       `json:"bytes"`
	Tools      []string  `json:"tools"`
}

func newSession(id string, now time.Time, ttl time.Duration, expiresAt time.Time, limits variable.Limits) *Session {
	return &Session{
		ID:         id,
		CreatedAt:  now,
		lastAccess: now,
		expiresAt:  expiresAt,
		ttl:        ttl,
		store:      variable.New(limits),
		tools:      sets.New[string](),
	}
}

// expired reports whether the session outlived its ttl or its explicit deadline. mu must be held.
func (s *Session) expired(now time.Time) bool {
	if !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
		return true
	}
	return s.ttl > 0 && now.Sub(s.lastAccess) > s.ttl
}

// Info returns a copy of the session's bookkeeping
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info()
}

func (s *Session) info() Info {
	return Info{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastAccess: s.lastAccess,
		ExpiresAt:  s.expiresAt,
		Variables:  s.store.Len(),
		Bytes:      s.store.TotalSize(),
		Tools:      sets.List(s.tools),
	}
}

// LastAccess returns when the session was last touched
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Closed reports whether the session has been torn down
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HasTool reports whether name is registered in this session
func (s *Session) HasTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools.Has(name)
}

func (s *Session) record() Record {
	return Record{
		ID:         s.ID,
		Variables:  s.store.Snapshot(),
		Tools:      sets.List(s.tools),
		CreatedAt:  s.CreatedAt,
		LastAccess: s.lastAccess,
		ExpiresAt:  s.expiresAt,
		TTL:        s.ttl,
	}
}
