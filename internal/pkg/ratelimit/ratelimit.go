package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/ContentPass/internal/pkg/cache"
	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
)

const (
	DefaultMax    = 10
	DefaultWindow = time.Minute
	// limiter counters live in their own Redis database (cache uses DB 0)
	storageDatabase = 1
)

// NewStorage returns Redis storage for limiter counters so limits hold across
// instances. It returns nil when Redis is unreachable; the limiter then falls
// back to per-process memory.
func NewStorage() fiber.Storage {
	if err := cache.Ping(2 * time.Second); err != nil {
		log.Warnf("[RateLimit] redis unavailable, using in-memory limiter storage: %v", err)
		return nil
	}

	// Get Redis client configuration from existing cache setup
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: storageDatabase,
		Reset:    false,
	})
}

// Config for a limited route group.
type Config struct {
	Max     int
	Window  time.Duration
	Storage fiber.Storage
}

// ConfigFromEnv reads RECONCILE_RATE_LIMIT (requests per minute).
func ConfigFromEnv(storage fiber.Storage) Config {
	return Config{
		Max:     env.GetInt("RECONCILE_RATE_LIMIT", DefaultMax),
		Window:  DefaultWindow,
		Storage: storage,
	}
}

// New returns a limiter keyed by client IP that answers with the API's JSON
// error shape.
func New(cfg Config) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Window,
		Storage:    cfg.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "reconcile:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many reconciliation requests, try again later",
			})
		},
	})
}
