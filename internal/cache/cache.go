// Package cache mirrors small pieces of engine state into redis so sidecar
// processes (the desktop shell's health checks, debugging tools) can observe
// the service without speaking its protocols. Entirely optional; a nil
// *Cache is a no-op.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyLastTask = "inboxpilot:last_task"
	keySnapshot = "inboxpilot:snapshot"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*Cache, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, ttl: ttl}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// SetLastTask records the most recently completed task marker.
func (c *Cache) SetLastTask(ctx context.Context, name string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, keyLastTask, strings.TrimSpace(name), c.ttl).Err()
}

// SetSnapshot mirrors the latest mailbox snapshot.
func (c *Cache) SetSnapshot(ctx context.Context, snapshot any) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keySnapshot, data, c.ttl).Err()
}
