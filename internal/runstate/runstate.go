// Package runstate records when the dispatcher last ran and when it is next
// expected to run, so the admin API can report it.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "mailq:dispatcher"
	lastRunField  = "last_run"
	nextRunField  = "next_run"
)

type State struct {
	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

type Store interface {
	RecordLastRun(ctx context.Context, t time.Time) error
	RecordNextRun(ctx context.Context, t time.Time) error
	Snapshot(ctx context.Context) (State, error)
}

// NewRedisClient connects and pings before returning.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("invalid redis address: %q", addr)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps the timestamps in one hash so every dispatcher process
// and the API server see the same values.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{client: client, key: prefix + ":state"}
}

func (s *RedisStore) RecordLastRun(ctx context.Context, t time.Time) error {
	return s.client.HSet(ctx, s.key, lastRunField, t.UTC().Format(time.RFC3339Nano)).Err()
}

func (s *RedisStore) RecordNextRun(ctx context.Context, t time.Time) error {
	return s.client.HSet(ctx, s.key, nextRunField, t.UTC().Format(time.RFC3339Nano)).Err()
}

func (s *RedisStore) Snapshot(ctx context.Context) (State, error) {
	var st State
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, nil
		}
		return st, err
	}
	if st.LastRun, err = parseField(values, lastRunField); err != nil {
		return st, err
	}
	if st.NextRun, err = parseField(values, nextRunField); err != nil {
		return st, err
	}
	return st, nil
}

func parseField(values map[string]string, field string) (*time.Time, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &t, nil
}

// MemoryStore is the single-process fallback used when redis is disabled.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) RecordLastRun(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRun = &t
	return nil
}

func (s *MemoryStore) RecordNextRun(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.NextRun = &t
	return nil
}

func (s *MemoryStore) Snapshot(context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
