package deliveries

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client used here.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisRecorder keeps one key per delivery with a TTL. Payloads are not stored.
type RedisRecorder struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

func (r *RedisRecorder) Begin(ctx context.Context, key, _ string, _ []byte) (bool, error) {
	k := r.prefix + ":" + key
	status, err := r.client.Get(ctx, k).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	if status == StatusProcessed {
		return true, nil
	}
	if err := r.client.SetNX(ctx, k, StatusReceived, r.ttl).Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (r *RedisRecorder) Complete(ctx context.Context, key, _ string) error {
	return r.client.Set(ctx, r.prefix+":"+key, StatusProcessed, r.ttl).Err()
}

type memoryRecorder struct {
	mu     sync.Mutex
	seen   map[string]memoryEntry
	ttl    time.Duration
	nextGC time.Time
}

type memoryEntry struct {
	status  string
	expires time.Time
}

// NewMemoryRecorder keeps delivery keys in process memory.
func NewMemoryRecorder(ttl time.Duration) Recorder {
	return &memoryRecorder{
		seen:   make(map[string]memoryEntry),
		ttl:    ttl,
		nextGC: time.Now().Add(ttl),
	}
}

func (m *memoryRecorder) Begin(_ context.Context, key, _ string, _ []byte) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.seen[key]; ok && e.expires.After(now) {
		return e.status == StatusProcessed, nil
	}
	m.seen[key] = memoryEntry{status: StatusReceived, expires: now.Add(m.ttl)}
	if now.After(m.nextGC) {
		for k, e := range m.seen {
			if e.expires.Before(now) {
				delete(m.seen, k)
			}
		}
		m.nextGC = now.Add(m.ttl)
	}
	return false, nil
}

func (m *memoryRecorder) Complete(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key] = memoryEntry{status: StatusProcessed, expires: time.Now().Add(m.ttl)}
	return nil
}

// NewRedisRecorder builds a Redis recorder and falls back to in-memory on failure.
func NewRedisRecorder(addr, pass string, db int, ttl time.Duration) (Recorder, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if addr == "" {
		return NewMemoryRecorder(ttl), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return NewMemoryRecorder(ttl), err
	}

	return &RedisRecorder{
		client: client,
		prefix: "checkout:delivery",
		ttl:    ttl,
	}, nil
}
