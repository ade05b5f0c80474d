package cache

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"

	"queenbee/internal/config"
)

// Connect opens the Redis client that backs the cluster coordinator.
// Returns nil without error when Redis is disabled; callers must treat a nil
// client as single-node mode.
func Connect(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		log.Println("[Cache] Redis disabled, running in single-node mode")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✓ Redis connected successfully")
	return client, nil
}

// Close closes the Redis connection
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
