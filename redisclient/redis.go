package redisclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/riotwarden/riotwarden/config"
)

// New creates a Redis client for the shared store from the provided config.
func New(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
}

// Ping verifies connectivity to the shared store.
func Ping(rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
