// Package snapshot persists simulation snapshots for dashboards and
// post-run analysis.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signalsfoundry/gridtwin/internal/sim/state"
)

// ErrNotFound indicates no snapshot has been stored yet.
var ErrNotFound = errors.New("snapshot not found")

// Store keeps the latest snapshot and a bounded history.
type Store interface {
	Save(ctx context.Context, s *state.Snapshot) error
	Latest(ctx context.Context) (*state.Snapshot, error)
	// History returns up to n snapshots, newest first.
	History(ctx context.Context, n int) ([]*state.Snapshot, error)
}

// MemoryStore keeps snapshots in process.
type MemoryStore struct {
	mu      sync.RWMutex
	limit   int
	history []*state.Snapshot // newest last
}

// NewMemoryStore keeps at most limit snapshots; limit <= 0 keeps one.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: max(limit, 1)}
}

func (m *MemoryStore) Save(_ context.Context, s *state.Snapshot) error {
	if s == nil {
		return errors.New("snapshot is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	return nil
}

func (m *MemoryStore) Latest(_ context.Context) (*state.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil, ErrNotFound
	}
	return m.history[len(m.history)-1], nil
}

func (m *MemoryStore) History(_ context.Context, n int) ([]*state.Snapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n = min(n, len(m.history))
	out := make([]*state.Snapshot, 0, n)
	for i := len(m.history) - 1; i >= len(m.history)-n; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}

// RedisClient is the subset of the go-redis API the store uses.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisConfig holds Redis connection and key settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys: <prefix>:latest and <prefix>:history.
	Prefix  string
	History int
	TTL     time.Duration
}

// RedisStore writes snapshots as JSON.
type RedisStore struct {
	client  RedisClient
	latest  string
	history string
	limit   int
	ttl     time.Duration
}

// NewRedisClient dials Redis with cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client RedisClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gridtwin:snapshot"
	}
	return &RedisStore{
		client:  client,
		latest:  prefix + ":latest",
		history: prefix + ":history",
		limit:   max(cfg.History, 1),
		ttl:     cfg.TTL,
	}
}

func (r *RedisStore) Save(ctx context.Context, s *state.Snapshot) error {
	if s == nil {
		return errors.New("snapshot is nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.latest, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("store latest snapshot: %w", err)
	}
	if err := r.client.LPush(ctx, r.history, data).Err(); err != nil {
		return fmt.Errorf("append snapshot history: %w", err)
	}
	if err := r.client.LTrim(ctx, r.history, 0, int64(r.limit-1)).Err(); err != nil {
		return fmt.Errorf("trim snapshot history: %w", err)
	}
	return nil
}

func (r *RedisStore) Latest(ctx context.Context) (*state.Snapshot, error) {
	data, err := r.client.Get(ctx, r.latest).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	return decode(data)
}

func (r *RedisStore) History(ctx context.Context, n int) ([]*state.Snapshot, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := r.client.LRange(ctx, r.history, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot history: %w", err)
	}
	out := make([]*state.Snapshot, 0, len(raw))
	for _, item := range raw {
		s, err := decode([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decode(data []byte) (*state.Snapshot, error) {
	var s state.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
