/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the balance engine server. Handles configuration,
  dependency wiring, state restore, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and parse command-line flags
  2. Load and validate configuration
  3. Open the SQLite registry
  4. Wire the balance coordinator (store, engine, cache, serializer)
  5. Restore persisted accounts and calculation modes
  6. Connect the AMQP publisher when configured
  7. Start the tracking janitor and HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain timeout)
  2. Stop the tracking janitor
  3. Flush queued balance work and close the coordinator
  4. Drain and close the event publisher, then the broker connection
  5. Close the database

EXAMPLES:
  # Run with file database
  ./server -db="./data/balances.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on a different port
  ./server -port=3000

ENVIRONMENT:
  See config/config.go for the full list. Highlights: PORT, SQLITE_DB_PATH,
  AMQP_URL (empty disables publishing), CACHE_CAPACITY, DEBOUNCE_WINDOW,
  LOG_LEVEL.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Environment configuration
  - store/sqlite/sqlite.go: Registry implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/finmgr/balance-engine/api"
	"github.com/finmgr/balance-engine/balance"
	"github.com/finmgr/balance-engine/config"
	"github.com/finmgr/balance-engine/events"
	"github.com/finmgr/balance-engine/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// Flags override the environment for local runs.
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_DB_PATH)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.SQLiteDBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Registry
	repo, err := sqlite.New(cfg.SQLiteDBPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", cfg.SQLiteDBPath), zap.Error(err))
	}

	// Balance coordination
	balanceStore := balance.NewStore(balance.WithHistoryLimit(cfg.HistoryLimit))
	coordinator := balance.NewCoordinator(
		balanceStore,
		balance.NewEngine(),
		balance.NewCache(
			balance.WithCacheCapacity(cfg.CacheCapacity),
			balance.WithMetadataCapacity(cfg.MetadataCapacity),
			balance.WithStaleAfter(cfg.StalenessTTL),
		),
		balance.NewSerializer(nil,
			balance.WithDebounceWindow(cfg.DebounceWindow),
			balance.WithSerializerLogger(logger.Named("serializer")),
		),
		repo,
		balance.WithCoordinatorLogger(logger.Named("coordinator")),
	)

	if err := restoreState(context.Background(), coordinator, repo, logger); err != nil {
		logger.Fatal("failed to restore persisted state", zap.Error(err))
	}

	// Balance change fan-out. Subscribing after the restore keeps startup
	// seeding out of the event stream.
	var (
		amqpClient  *events.Client
		publisher   *events.Publisher
		unsubscribe func()
	)
	if cfg.AMQPURL != "" {
		amqpClient, err = events.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger.Named("amqp"))
		if err != nil {
			logger.Fatal("failed to connect to AMQP broker", zap.Error(err))
		}
		publisher = events.NewPublisher(amqpClient, events.WithPublisherLogger(logger.Named("publisher")))
		unsubscribe = balanceStore.Subscribe(publisher)
		logger.Info("balance change publishing enabled",
			zap.String("exchange", cfg.AMQPExchange),
			zap.String("queue", cfg.AMQPQueue))
	}

	janitor := api.NewTrackingJanitor(coordinator, logger.Named("janitor"))
	janitor.MaxAge = cfg.TrackingMaxAge
	janitor.SweepInterval = cfg.TrackingSweepInterval
	janitor.Start()

	handler := api.NewHandler(coordinator, repo, logger.Named("api"))
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			zap.String("addr", fmt.Sprintf("http://localhost:%s", cfg.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}

	// Teardown in reverse order of startup. The coordinator closes while the
	// publisher is still subscribed so the final flush reaches the broker.
	janitor.Stop()
	if err := coordinator.Close(); err != nil {
		logger.Warn("coordinator close failed", zap.Error(err))
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if publisher != nil {
		publisher.Close()
	}
	if amqpClient != nil {
		if err := amqpClient.Close(); err != nil {
			logger.Warn("AMQP close failed", zap.Error(err))
		}
	}
	if err := repo.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// restoreState reloads the registry into the coordinator so balances survive
// restarts. Accounts come back with their last persisted balance attached,
// then non-default calculation modes are reapplied.
func restoreState(ctx context.Context, coordinator *balance.Coordinator, repo *sqlite.Store, logger *zap.Logger) error {
	accounts, err := repo.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil
	}
	if err := coordinator.RegisterAccounts(accounts); err != nil {
		return fmt.Errorf("register accounts: %w", err)
	}

	modes, err := repo.LoadModes(ctx)
	if err != nil {
		return fmt.Errorf("load calculation modes: %w", err)
	}
	imported := 0
	for id, mode := range modes {
		if mode != balance.ModePreserveImported {
			continue
		}
		if err := coordinator.MarkAsImported(id); err != nil {
			return fmt.Errorf("restore mode for %s: %w", id, err)
		}
		imported++
	}

	logger.Info("state restored",
		zap.Int("accounts", len(accounts)),
		zap.Int("imported_modes", imported))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
