// Package core Redis connectivity.
//
// All Redis-backed stores in this repo take an already-connected
// *redis.Client; this file is the single place that builds and verifies
// one. Keeping construction here means every component fails fast with
// the same remediation hint when Redis is unreachable, which is a
// configuration error per the startup contract.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClientOptions configures NewRedisClient.
type RedisClientOptions struct {
	// RedisURL is the connection URL (redis://host:port/db)
	RedisURL string

	// DB overrides the database number from the URL when >= 0
	DB int

	// PingTimeout bounds the connectivity check. Default: 5s.
	PingTimeout time.Duration

	// Logger is optional
	Logger Logger
}

// NewRedisClient parses the URL, connects, and verifies connectivity
// with a bounded ping. An unreachable Redis is fatal to the caller:
// the worker refuses to serve on a store it cannot reach.
func NewRedisClient(opts RedisClientOptions) (*redis.Client, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"redis_url": opts.RedisURL,
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid Redis URL %q: %w", opts.RedisURL, ErrInvalidConfiguration)
	}
	if opts.DB >= 0 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), opts.PingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
				"redis_url": opts.RedisURL,
				"db":        redisOpt.DB,
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w (check GWI_REDIS_URL=%s and Redis connectivity)",
			ErrConnectionFailed, opts.RedisURL)
	}

	if opts.Logger != nil {
		opts.Logger.Info("Redis client connected", map[string]interface{}{
			"db": redisOpt.DB,
		})
	}

	return client, nil
}
