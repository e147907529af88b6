// Package config loads server configuration from the environment.
// An optional .env file in the working directory is read first; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/warp/hostel-engine/billing"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// memory copies the whole dataset per unit of work; use it for demos and
	// tests, not for a real tenant base.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"` // sqlite | postgres | memory
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"hostel.db"`
	DatabaseURL string `env:"DATABASE_URL"` // required when STORE_DRIVER=postgres
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// Redis is optional; when RedisAddr is empty the sweep lock is
	// process-local only.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Billing Billing `envPrefix:"BILLING_"`
}

type Billing struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	Interval      time.Duration `env:"INTERVAL" envDefault:"24h"`
	AheadDays     int           `env:"AHEAD_DAYS" envDefault:"45"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"200"`
	TenantTimeout time.Duration `env:"TENANT_TIMEOUT" envDefault:"30s"`
	Concurrency   int           `env:"CONCURRENCY" envDefault:"4"`
	Location      string        `env:"LOCATION" envDefault:"UTC"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"5m"`
}

// Load reads .env (if present) and parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if err := billing.ValidateAheadDays(c.Billing.AheadDays); err != nil {
		errs = append(errs, fmt.Errorf("BILLING_AHEAD_DAYS: %w", err))
	}
	if c.Billing.Enabled && c.Billing.Interval <= 0 {
		errs = append(errs, errors.New("BILLING_INTERVAL must be positive"))
	}
	if c.Billing.Concurrency < 1 {
		errs = append(errs, errors.New("BILLING_CONCURRENCY must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Billing.Location); err != nil {
		errs = append(errs, fmt.Errorf("BILLING_LOCATION: %w", err))
	}
	return errors.Join(errs...)
}

// Loc returns the billing time zone. Validate has already checked it.
func (b Billing) Loc() *time.Location {
	loc, err := time.LoadLocation(b.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) HTTPAddr() string {
	return ":" + c.Port
}
