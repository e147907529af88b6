/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the hostel engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory)
  4. Wire allocation Manager, billing Ledger, Sweeper and scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. The most used ones:
    STORE_DRIVER    sqlite | postgres | memory
    DATABASE_URL    postgres connection string
    REDIS_ADDR      enables the cross-process sweep lock
    BILLING_*       scheduler settings

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the billing scheduler (cancels an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests (SHUTDOWN_TIMEOUT)
  4. Close store and Redis connections

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment variables
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/hostel-engine/allocation"
	"github.com/warp/hostel-engine/api"
	"github.com/warp/hostel-engine/billing"
	"github.com/warp/hostel-engine/config"
	"github.com/warp/hostel-engine/lock"
	"github.com/warp/hostel-engine/logging"
	"github.com/warp/hostel-engine/store/postgres"
	"github.com/warp/hostel-engine/store/sqlite"
	"github.com/warp/hostel-engine/tenancy"
	"github.com/warp/hostel-engine/tenancy/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hostel-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	logger, err := logging.NewLogger(logging.Config{Component: "hostel-server", Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	manager := allocation.NewManager(st.tx, logger.Named("allocation"))
	ledger := billing.NewLedger(st.tx, logger.Named("billing"))
	ledger.Location = cfg.Billing.Loc()

	sweeper := billing.NewSweeper(ledger)
	sweeper.TenantTimeout = cfg.Billing.TenantTimeout
	sweeper.Concurrency = cfg.Billing.Concurrency

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		sweeper.Locker = lock.NewRedisLocker(rdb, lock.DefaultKey, cfg.Billing.LockTTL, logger.Named("lock"))
		logger.Info("redis sweep lock enabled", zap.String("addr", cfg.RedisAddr))
	}

	scheduler := api.NewBillingScheduler(sweeper, logger)
	scheduler.Enabled = cfg.Billing.Enabled
	scheduler.Interval = cfg.Billing.Interval
	scheduler.AheadDays = cfg.Billing.AheadDays
	scheduler.BatchSize = cfg.Billing.BatchSize

	handler := api.NewHandler(manager, ledger, scheduler, logger)
	handler.Ping = st.ping

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:         logger.Named("http"),
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

type openedStore struct {
	tx    tenancy.TxStore
	ping  func(context.Context) error
	close func()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (openedStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			ConnString: cfg.DatabaseURL,
			MaxConns:   cfg.DBMaxConns,
		})
		if err != nil {
			return openedStore{}, fmt.Errorf("connect postgres: %w", err)
		}
		pg, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return openedStore{}, fmt.Errorf("initialize postgres store: %w", err)
		}
		logger.Info("using postgres store")
		return openedStore{tx: pg, ping: pg.Ping, close: pg.Close}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return openedStore{tx: store.NewMemory(), close: func() {}}, nil

	default:
		sq, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return openedStore{}, fmt.Errorf("initialize sqlite store: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return openedStore{tx: sq, ping: sq.Ping, close: func() {
			if err := sq.Close(); err != nil {
				logger.Warn("close sqlite store", zap.Error(err))
			}
		}}, nil
	}
}
