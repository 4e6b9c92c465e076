package clients

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hooktap/receiver/config"
)

// NewRedisClient connects to the shared cache and verifies it is reachable
// before the receiver starts accepting traffic.
func NewRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr()},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := r.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return r, nil
}
