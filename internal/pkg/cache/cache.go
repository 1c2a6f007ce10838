package cache

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

var client *redis.Client

// SetupCache connects to Redis. A failed ping is logged and returns nil; Redis
// only accelerates the service and is never required for correctness.
func SetupCache(cfg env.CacheConfig) *redis.Client {
	if !cfg.Enabled() {
		log.Info("[Cache] CACHE_HOST not set, running without Redis")
		return nil
	}

	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := c.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] could not connect to Redis at %s: %v", cfg.Addr(), err)
		_ = c.Close()
		return nil
	}
	log.Infof("[Cache] connected to Redis: %s", pong)
	client = c
	return c
}

// GetClient returns the client created by SetupCache, or nil.
func GetClient() *redis.Client {
	return client
}
