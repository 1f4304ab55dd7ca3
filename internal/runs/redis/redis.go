package redis_runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/quizchain/config"
	"github.com/mohammad-safakhou/quizchain/internal/runs"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "quizchain:run:"

// Store keeps snapshots as JSON values with a TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

// New wraps client. ttl <= 0 keeps snapshots without expiry.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Save implements runs.Store.
func (s *Store) Save(ctx context.Context, snap runs.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+snap.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save run %s: %w", snap.ID, err)
	}
	return nil
}

// Get implements runs.Store.
func (s *Store) Get(ctx context.Context, id string) (runs.Snapshot, error) {
	val, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return runs.Snapshot{}, runs.ErrNotFound
	}
	if err != nil {
		return runs.Snapshot{}, fmt.Errorf("get run %s: %w", id, err)
	}
	var snap runs.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return runs.Snapshot{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return snap, nil
}
