package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Store persists cache entries. Load reports ok=false for a missing entry.
type Store interface {
	Load(ctx context.Context, customerID int64) (domain.Balance, bool, error)
	Save(ctx context.Context, b domain.Balance) error
	Delete(ctx context.Context, customerID int64) error
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]domain.Balance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]domain.Balance)}
}

func (m *MemoryStore) Load(_ context.Context, customerID int64) (domain.Balance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.entries[customerID]
	return b, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, b domain.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[b.CustomerID] = b
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, customerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, customerID)
	return nil
}

// RedisStore shares entries between processes of the same customer session.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromURL parses url and verifies the server answers.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, prefix, ttl), nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

type redisEntry struct {
	CustomerID int64           `json:"customerId"`
	Username   string          `json:"username,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	FetchedAt  time.Time       `json:"fetchedAt"`
}

func (r *RedisStore) key(customerID int64) string {
	return r.prefix + ":" + strconv.FormatInt(customerID, 10)
}

func (r *RedisStore) Load(ctx context.Context, customerID int64) (domain.Balance, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Balance{}, false, nil
	}
	if err != nil {
		return domain.Balance{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.Balance{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return domain.Balance{CustomerID: e.CustomerID, Username: e.Username, Amount: e.Amount, FetchedAt: e.FetchedAt}, true, nil
}

func (r *RedisStore) Save(ctx context.Context, b domain.Balance) error {
	raw, err := json.Marshal(redisEntry{CustomerID: b.CustomerID, Username: b.Username, Amount: b.Amount, FetchedAt: b.FetchedAt})
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key(b.CustomerID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, customerID int64) error {
	if err := r.rdb.Del(ctx, r.key(customerID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
