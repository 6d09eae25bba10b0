// Package dispatch hands workload manifests from the partitioner to workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when no manifest is waiting.
var ErrEmpty = errors.New("dispatch queue empty")

// DefaultKey is the Redis list holding manifest keys.
const DefaultKey = "share-loader:workloads"

// Queue is a FIFO of manifest keys.
type Queue interface {
	Publish(ctx context.Context, manifests ...string) error
	Pop(ctx context.Context) (string, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Config selects the queue backend.
type Config struct {
	Backend  string // "redis" or "none"
	URL      string
	Password string
	Key      string
}

// New opens the configured queue.
func New(ctx context.Context, cfg Config, log *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "none":
		return noopQueue{}, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		q := NewRedis(redis.NewClient(opts), cfg.Key, log)
		if err := q.client.Ping(ctx).Err(); err != nil {
			q.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown dispatch backend %q", cfg.Backend)
	}
}

// Redis is a Queue backed by a Redis list.
type Redis struct {
	client *redis.Client
	key    string
	log    *slog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, key string, log *slog.Logger) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{
		client: client,
		key:    key,
		log:    log.With("component", "dispatch", "queue", key),
	}
}

// Publish appends manifests in order.
func (q *Redis) Publish(ctx context.Context, manifests ...string) error {
	if len(manifests) == 0 {
		return nil
	}
	args := make([]any, len(manifests))
	for i, m := range manifests {
		args[i] = m
	}
	if err := q.client.RPush(ctx, q.key, args...).Err(); err != nil {
		return fmt.Errorf("publish manifests: %w", err)
	}
	q.log.Info("manifests published", "count", len(manifests))
	return nil
}

// Pop removes and returns the oldest manifest key.
func (q *Redis) Pop(ctx context.Context) (string, error) {
	key, err := q.client.LPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("pop manifest: %w", err)
	}
	q.log.Debug("manifest claimed", "manifest", key)
	return key, nil
}

// Len returns the number of waiting manifests.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

// noopQueue is used when manifests are handed over out of band.
type noopQueue struct{}

func (noopQueue) Publish(ctx context.Context, manifests ...string) error { return nil }
func (noopQueue) Pop(ctx context.Context) (string, error)                { return "", ErrEmpty }
func (noopQueue) Len(ctx context.Context) (int64, error)                 { return 0, nil }
func (noopQueue) Close() error                                           { return nil }
