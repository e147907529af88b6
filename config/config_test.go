package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.HTTPAddr())
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "hostel.db", cfg.SQLitePath)
	assert.True(t, cfg.Billing.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Billing.Interval)
	assert.Equal(t, 45, cfg.Billing.AheadDays)
	assert.Equal(t, 200, cfg.Billing.BatchSize)
	assert.Equal(t, time.UTC, cfg.Billing.Loc())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/hostel")
	t.Setenv("BILLING_AHEAD_DAYS", "10")
	t.Setenv("BILLING_INTERVAL", "1h")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 10, cfg.Billing.AheadDays)
	assert.Equal(t, time.Hour, cfg.Billing.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			StoreDriver: DriverMemory,
			Billing:     Billing{Enabled: true, Interval: time.Hour, Concurrency: 1, Location: "UTC"},
		}
	}

	cases := map[string]func(*Config){
		"unknown driver":         func(c *Config) { c.StoreDriver = "mongo" },
		"postgres without url":   func(c *Config) { c.StoreDriver = DriverPostgres },
		"negative ahead days":    func(c *Config) { c.Billing.AheadDays = -1 },
		"ahead days past a year": func(c *Config) { c.Billing.AheadDays = 200000 },
		"zero interval":          func(c *Config) { c.Billing.Interval = 0 },
		"no workers":             func(c *Config) { c.Billing.Concurrency = 0 },
		"unknown time zone":      func(c *Config) { c.Billing.Location = "Mars/Olympus" },
		"sqlite without a path":  func(c *Config) { c.StoreDriver = DriverSQLite },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
