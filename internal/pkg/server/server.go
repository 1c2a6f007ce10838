package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/controllers"
	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/cache"
	"github.com/ManuelReschke/FoxPay/internal/pkg/database"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/idempotency"
	"github.com/ManuelReschke/FoxPay/internal/pkg/jobs"
	"github.com/ManuelReschke/FoxPay/internal/pkg/router"
)

// Server holds the wired billing components of one process.
type Server struct {
	Config     env.Config
	DB         *gorm.DB
	Webhooks   *billing.WebhookProcessor
	Reconciler *billing.Reconciler
	Operations *billing.Operations
	Ledger     *billing.EventLedger
	Keys       *idempotency.GormStore
	Jobs       *jobs.Manager
}

// SetupLogging maps LOG_LEVEL onto the fiber logger.
func SetupLogging(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		log.SetLevel(log.LevelTrace)
	case "debug":
		log.SetLevel(log.LevelDebug)
	case "warn":
		log.SetLevel(log.LevelWarn)
	case "error":
		log.SetLevel(log.LevelError)
	default:
		log.SetLevel(log.LevelInfo)
	}
}

// New loads the environment, connects the stores and wires the billing
// components.
func New() (*Server, error) {
	env.SetupEnvFile()
	cfg := env.LoadConfig()
	SetupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := database.SetupDatabase(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("setup database: %w", err)
	}
	return Wire(cfg, db), nil
}

// Wire builds the components on an open database.
func Wire(cfg env.Config, db *gorm.DB) *Server {
	gateway := billing.NewStripeGateway(billing.StripeConfig{
		SecretKey:       cfg.StripeSecretKey,
		WebhookSecret:   cfg.StripeWebhookSecret,
		SuccessURL:      cfg.CheckoutSuccessURL,
		CancelURL:       cfg.CheckoutCancelURL,
		PortalReturnURL: cfg.PortalReturnURL,
	})

	opsCfg := billing.OperationsConfig{
		TTL:          cfg.IdempotencyTTL,
		MaxWait:      cfg.IdempotencyMaxWait,
		PollInterval: cfg.IdempotencyPollInterval,
	}
	if client := cache.SetupCache(cfg.Cache); client != nil {
		opsCfg.Notifier = cache.NewNotifier(client)
	}

	keys := idempotency.NewGormStore(db)
	s := &Server{
		Config: cfg,
		DB:     db,
		Webhooks: billing.NewWebhookProcessor(db, gateway, billing.WebhookConfig{
			Retention:  cfg.EventRetention,
			PruneEvery: cfg.PruneInterval,
			PruneLimit: cfg.PruneBatchSize,
		}),
		Reconciler: billing.NewReconciler(db, gateway, billing.ReconcileConfig{Workers: cfg.ReconcileWorkers}),
		Operations: billing.NewOperations(db, gateway, keys, opsCfg),
		Ledger:     billing.NewEventLedger(db),
		Keys:       keys,
	}

	var tasks []jobs.Task
	if cfg.MaintenanceEnabled {
		tasks = append(tasks,
			jobs.PruneEventsTask(s.Ledger, cfg.EventRetention, cfg.PruneBatchSize, cfg.PruneInterval),
			jobs.PruneKeysTask(s.Keys, cfg.PruneBatchSize, cfg.PruneInterval),
			jobs.ReconcileTask(s.Reconciler, cfg.ReconcilePageSize, cfg.ReconcileInterval),
		)
	}
	s.Jobs = jobs.NewManager(tasks...)
	return s
}

// NewApplication builds the fiber app with all routes mounted.
func (s *Server) NewApplication() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "FoxPay",
		BodyLimit: s.Config.WebhookBodyLimit,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app, router.Dependencies{
		Config:    s.Config,
		DB:        s.DB,
		Billing:   controllers.NewBillingController(s.Webhooks, s.Operations),
		Reconcile: controllers.NewReconcileController(s.Reconciler),
	})
	return app
}

// Prune runs one retention pass over the event ledger and idempotency keys.
func (s *Server) Prune(ctx context.Context) (events, keys int64, err error) {
	batch := s.Config.PruneBatchSize
	if batch <= 0 {
		return 0, 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.Config.EventRetention)
	for {
		n, err := s.Ledger.PruneProcessedBefore(ctx, cutoff, batch)
		if err != nil {
			return events, keys, fmt.Errorf("prune stripe events: %w", err)
		}
		events += n
		if n < int64(batch) {
			break
		}
	}
	for {
		n, err := s.Keys.PruneExpiredBefore(ctx, time.Now().UTC(), batch)
		if err != nil {
			return events, keys, fmt.Errorf("prune idempotency keys: %w", err)
		}
		keys += n
		if n < int64(batch) {
			break
		}
	}
	return events, keys, nil
}
