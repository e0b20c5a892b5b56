package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/variable"
)

// Record is the persisted form of a session
type Record struct {
	ID         string              `msgpack:"id" json:"id"`
	Variables  []variable.Variable `msgpack:"variables" json:"variables"`
	Tools      []string            `msgpack:"tools" json:"tools"`
	CreatedAt  time.Time           `msgpack:"created_at" json:"created_at"`
	LastAccess time.Time           `msgpack:"last_access" json:"last_access"`
	ExpiresAt  time.Time           `msgpack:"expires_at" json:"expires_at"`
	TTL        time.Duration       `msgpack:"ttl" json:"ttl"`
}

// Persister stores session records so sessions can outlive the host process
type Persister interface {
	Save(ctx context.Context, rec Record) error
	// Load returns fault.ErrSessionNotFound when id has no record
	Load(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

func encodeRecord(rec Record) ([]byte, error) {
	return codec.Msgpack.Marshal(rec)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := codec.Msgpack.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	for i := range rec.Variables {
		rec.Variables[i].Value = codec.Normalize(rec.Variables[i].Value)
	}
	return rec, nil
}

type memoryPersister struct {
	mu      sync.RWMutex
	records map[string][]byte
}

var _ Persister = (*memoryPersister)(nil)

// NewMemoryPersister returns a Persister that keeps encoded records in memory
func NewMemoryPersister() Persister {
	return &memoryPersister{records: make(map[string][]byte)}
}

func (p *memoryPersister) Save(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.records[rec.ID] = data
	p.mu.Unlock()
	return nil
}

func (p *memoryPersister) Load(ctx context.Context, id string) (Record, error) {
	p.mu.RLock()
	data, ok := p.records[id]
	p.mu.RUnlock()
	if !ok {
		return Record{}, fault.New(fault.CodeSessionNotFound, "session %q has no persisted record", id)
	}
	return decodeRecord(data)
}

func (p *memoryPersister) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	delete(p.records, id)
	p.mu.Unlock()
	return nil
}

func (p *memoryPersister) List(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.records))
	for id := range p.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
