// Package settings persists small operator toggles.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AutoSync is the persisted state of the periodic admission sync.
type AutoSync struct {
	Enabled bool       `json:"enabled"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

// Store reads and writes the auto-sync toggle.
type Store interface {
	AutoSync(ctx context.Context) (AutoSync, error)
	SaveAutoSync(ctx context.Context, s AutoSync) error
}

// DefaultKey is where the toggle lives in Redis.
const DefaultKey = "gradaccess:settings:auto_sync"

// RedisStore keeps the toggle as a JSON document so it survives restarts.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore builds a Redis-backed store.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{client: client, key: key}
}

// AutoSync returns the stored toggle; a missing key means disabled.
func (s *RedisStore) AutoSync(ctx context.Context) (AutoSync, error) {
	var out AutoSync
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read auto sync: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode auto sync: %w", err)
	}
	return out, nil
}

// SaveAutoSync overwrites the toggle.
func (s *RedisStore) SaveAutoSync(ctx context.Context, a AutoSync) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, raw, 0).Err()
}

// Memory is a process-local store.
type Memory struct {
	mu sync.Mutex
	v  AutoSync
}

// NewMemory returns a disabled in-memory toggle.
func NewMemory() *Memory {
	return &Memory{}
}

// AutoSync returns the current toggle.
func (m *Memory) AutoSync(context.Context) (AutoSync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v, nil
}

// SaveAutoSync replaces the toggle.
func (m *Memory) SaveAutoSync(_ context.Context, a AutoSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v = a
	return nil
}
