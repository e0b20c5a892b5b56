package session

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix  = "bridge:session"
	DefaultQueryTimeout = 5 * time.Second
	// used when a record carries neither a ttl nor an explicit expiry
	defaultRecordExpiry = 24 * time.Hour
)

type redisPersister struct {
	client       redis.UniversalClient
	prefix       string
	queryTimeout time.Duration
	expiry       time.Duration
}

var _ Persister = (*redisPersister)(nil)

// RedisOption configures the redis persister
type RedisOption func(*redisPersister)

// WithPrefix sets the key prefix, records live at "<prefix>:<id>"
func WithPrefix(prefix string) RedisOption {
	return func(p *redisPersister) {
		p.prefix = strings.TrimSuffix(prefix, ":")
	}
}

// WithQueryTimeout bounds every redis round trip
func WithQueryTimeout(d time.Duration) RedisOption {
	return func(p *redisPersister) {
		p.queryTimeout = d
	}
}

// WithRecordExpiry sets the key expiry used for records without a ttl
func WithRecordExpiry(d time.Duration) RedisOption {
	return func(p *redisPersister) {
		p.expiry = d
	}
}

// NewRedisPersister returns a Persister backed by redis. Records are msgpack
// encoded and expire with the session so an abandoned session is reclaimed by
// redis even if no host ever sweeps it. The caller owns the client.
func NewRedisPersister(client redis.UniversalClient, opts ...RedisOption) Persister {
	p := &redisPersister{
		client:       client,
		prefix:       DefaultRedisPrefix,
		queryTimeout: DefaultQueryTimeout,
		expiry:       defaultRecordExpiry,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *redisPersister) key(id string) string {
	return p.prefix + ":" + id
}

func (p *redisPersister) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.queryTimeout)
}

func (p *redisPersister) ttlFor(rec Record) time.Duration {
	if !rec.ExpiresAt.IsZero() {
		if d := time.Until(rec.ExpiresAt); d > 0 {
			return d
		}
		return time.Second
	}
	if rec.TTL > 0 {
		return rec.TTL
	}
	return p.expiry
}

func (p *redisPersister) Save(ctx context.Context, rec Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	if err := p.client.Set(qctx, p.key(rec.ID), data, p.ttlFor(rec)).Err(); err != nil {
		return fault.Wrap(err, fault.CodeUnavailable, "save session %s", rec.ID)
	}
	return nil
}

func (p *redisPersister) Load(ctx context.Context, id string) (Record, error) {
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	data, err := p.client.Get(qctx, p.key(id)).Bytes()
	if err == redis.Nil {
		return Record{}, fault.New(fault.CodeSessionNotFound, "session %q has no persisted record", id)
	}
	if err != nil {
		return Record{}, fault.Wrap(err, fault.CodeUnavailable, "load session %s", id)
	}
	return decodeRecord(data)
}

func (p *redisPersister) Delete(ctx context.Context, id string) error {
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	if err := p.client.Del(qctx, p.key(id)).Err(); err != nil {
		return fault.Wrap(err, fault.CodeUnavailable, "delete session %s", id)
	}
	return nil
}

func (p *redisPersister) List(ctx context.Context) ([]string, error) {
	qctx, cancel := p.queryCtx(ctx)
	defer cancel()
	pattern := p.prefix + ":*"
	var (
		cursor uint64
		ids    []string
	)
	for {
		batch, next, err := p.client.Scan(qctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeUnavailable, "scan sessions")
		}
		for _, key := range batch {
			ids = append(ids, strings.TrimPrefix(key, p.prefix+":"))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}
