package env

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the typed runtime configuration. It is built once at startup and
// passed to constructors; nothing reads the environment after that.
type Config struct {
	AppHost  string
	AppPort  string
	LogLevel string

	DB    DatabaseConfig
	Cache CacheConfig

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PortalReturnURL     string

	CronSecret      string
	UserTokenSecret string

	IdempotencyTTL          time.Duration
	IdempotencyMaxWait      time.Duration
	IdempotencyPollInterval time.Duration

	EventRetention     time.Duration
	WebhookRateLimit   int
	WebhookBodyLimit   int
	ReconcilePageSize  int
	ReconcileWorkers   int
	ReconcileInterval  time.Duration
	MaintenanceEnabled bool
	PruneInterval      time.Duration
	PruneBatchSize     int
}

type DatabaseConfig struct {
	Driver   string // mysql or sqlite
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Path     string // sqlite file
}

type CacheConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Enabled reports whether a Redis host is configured.
func (c CacheConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// LoadConfig reads the configuration from the loaded .env map and the process
// environment.
func LoadConfig() Config {
	return Config{
		AppHost:  GetEnv("APP_HOST", "localhost"),
		AppPort:  GetEnv("APP_PORT", "4000"),
		LogLevel: GetEnv("LOG_LEVEL", "info"),
		DB: DatabaseConfig{
			Driver:   strings.ToLower(GetEnv("DB_DRIVER", "mysql")),
			Host:     GetEnv("DB_HOST", "127.0.0.1"),
			Port:     GetEnv("DB_PORT", "3306"),
			User:     GetEnv("DB_USER", ""),
			Password: GetEnv("DB_PASSWORD", ""),
			Name:     GetEnv("DB_NAME", ""),
			Path:     GetEnv("DB_PATH", "foxpay.db"),
		},
		Cache: CacheConfig{
			Host:     GetEnv("CACHE_HOST", ""),
			Port:     GetEnv("CACHE_PORT", "6379"),
			Password: GetEnv("CACHE_PASSWORD", ""),
			DB:       GetInt("CACHE_DB", 0),
		},
		StripeSecretKey:         GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:     GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutSuccessURL:      GetEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:       GetEnv("CHECKOUT_CANCEL_URL", ""),
		PortalReturnURL:         GetEnv("PORTAL_RETURN_URL", ""),
		CronSecret:              GetEnv("CRON_SECRET", ""),
		UserTokenSecret:         GetEnv("USER_TOKEN_SECRET", ""),
		IdempotencyTTL:          GetDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyMaxWait:      GetDuration("IDEMPOTENCY_MAX_WAIT", 2*time.Second),
		IdempotencyPollInterval: GetDuration("IDEMPOTENCY_POLL_INTERVAL", 100*time.Millisecond),
		EventRetention:          time.Duration(GetInt("STRIPE_EVENT_RETENTION_DAYS", 90)) * 24 * time.Hour,
		WebhookRateLimit:        GetInt("WEBHOOK_RATE_LIMIT", 120),
		WebhookBodyLimit:        GetInt("WEBHOOK_BODY_LIMIT", 1<<20),
		ReconcilePageSize:       GetInt("RECONCILE_PAGE_SIZE", 100),
		ReconcileWorkers:        GetInt("RECONCILE_WORKERS", 4),
		ReconcileInterval:       GetDuration("RECONCILE_INTERVAL", 6*time.Hour),
		MaintenanceEnabled:      GetBool("MAINTENANCE_ENABLED", true),
		PruneInterval:           GetDuration("PRUNE_INTERVAL", 15*time.Minute),
		PruneBatchSize:          GetInt("PRUNE_BATCH_SIZE", 500),
	}
}

// Validate rejects configurations the service cannot run with. Secrets that
// only gate single endpoints (cron, user tokens) are checked at request time.
func (c Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "mysql":
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required for mysql"))
		}
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.IdempotencyMaxWait <= 0 || c.IdempotencyPollInterval <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_MAX_WAIT and IDEMPOTENCY_POLL_INTERVAL must be positive"))
	}
	if c.IdempotencyPollInterval > c.IdempotencyMaxWait {
		errs = append(errs, errors.New("IDEMPOTENCY_POLL_INTERVAL must not exceed IDEMPOTENCY_MAX_WAIT"))
	}
	if c.EventRetention <= 0 {
		errs = append(errs, errors.New("STRIPE_EVENT_RETENTION_DAYS must be positive"))
	}
	if c.ReconcilePageSize <= 0 || c.ReconcileWorkers <= 0 {
		errs = append(errs, errors.New("RECONCILE_PAGE_SIZE and RECONCILE_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}
