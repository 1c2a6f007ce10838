package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/FoxPay/app/controllers"
	"github.com/ManuelReschke/FoxPay/internal/pkg/cache"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/middleware"
)

// limiterDatabase keeps rate limiter counters apart from the idempotency
// notifier channels.
const limiterDatabase = 3

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	cfg := h.deps.Config
	storage := limiterStorage(cfg.Cache)

	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// Stripe retries on any non-2xx, so the limit only guards against floods.
	api.Post("/stripe/webhook", newLimiter(storage, cfg.WebhookRateLimit), h.deps.Billing.HandleStripeWebhook)

	cron := api.Group("/cron", middleware.CronAuthMiddleware(cfg.CronSecret))
	cron.Post("/billing/reconcile", h.deps.Reconcile.HandleReconcile)

	// API v1 routes
	v1 := api.Group("/v1", newLimiter(storage, 60), middleware.UserTokenMiddleware(cfg.UserTokenSecret))
	billing := v1.Group("/billing")
	billing.Post("/checkout", h.deps.Billing.HandleCreateCheckout)
	billing.Post("/portal", h.deps.Billing.HandleCreatePortal)
	billing.Post("/subscriptions/:id/cancel", h.deps.Billing.HandleCancelSubscription)
	billing.Post("/resync", h.deps.Billing.HandleResync)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

func newLimiter(storage fiber.Storage, perMinute int) fiber.Handler {
	if perMinute <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return limiter.New(limiter.Config{
		Max:          perMinute,
		Expiration:   time.Minute,
		KeyGenerator: controllers.ClientIP,
		Storage:      storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "RATE_LIMITED",
				"message": "Too many requests",
			})
		},
	})
}

// limiterStorage shares limiter counters across instances through Redis.
// Without a reachable cache the limiter keeps them in memory.
func limiterStorage(cfg env.CacheConfig) fiber.Storage {
	if !cfg.Enabled() || cache.GetClient() == nil {
		return nil
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		log.Warnf("[Router] invalid CACHE_PORT %q, limiter uses memory storage", cfg.Port)
		return nil
	}
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
