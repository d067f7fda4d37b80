package main

import (
	"chat-relay/auth"
	grpchealth "chat-relay/infrastructure/grpc"
	httpserver "chat-relay/infrastructure/http/server"
	wsserver "chat-relay/infrastructure/ws/server"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"go.opentelemetry.io/otel"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const shutdownTimeout = 10 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// stores is what the selected driver provides.
type stores struct {
	messages repositories.IMessageRepository
	users    repositories.IUserRepository
	db       *badger.DB
	close    func()
}

// run wires every component and blocks until a signal or a server failure,
// so that deferred cleanups always run before the exit code is returned.
func run() (int, error) {
	// 1. Configuration & Logger
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return exitConfig, fmt.Errorf(".env error: %w", err)
	}
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel)
	ctx := context.Background()

	// 2. Storage
	store, err := openStores(ctx, config, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer store.close()

	if store.db != nil && logger.Enabled(ctx, slog.LevelDebug) {
		endpoint := "/inspect"
		url := fmt.Sprintf("http://localhost:%d%s", config.DebugInspectPort, endpoint)
		logger.Info("Debug Badger inspector available", "url", url)
		database.StartDebugServer(store.db, config.DebugInspectPort, endpoint, repositories.InspectRow)
	}

	messages := repositories.NewGuardedMessageRepository(store.messages, config.Breaker(), logger)

	// 3. Registry, presence and delivery
	presence := runtime.NewPresenceBroadcaster(logger)
	registry := runtime.NewRegistry(presence)
	presence.Attach(registry)

	engine, err := runtime.NewEngine(messages, store.users, registry, logger,
		runtime.WithMaxContentLength(config.MaxContentLength),
		runtime.WithReadReceiptTimeout(config.ReadReceiptTimeout),
	)
	if err != nil {
		return exitRuntime, fmt.Errorf("engine init failed: %w", err)
	}

	tokens := auth.NewTokenManager(config.JWTSecret, config.AuthTokenDuration)
	authService := services.NewAuthService(store.users, tokens, logger)
	upgrade := wsserver.NewHandler(engine, registry, config.Websocket(), logger)

	api := httpserver.New(httpserver.Dependencies{
		Auth:          authService,
		Authenticator: tokens,
		Engine:        engine,
		Registry:      registry,
		Upgrade:       upgrade.Handle,
		Log:           logger,
	})

	// 4. Background workers
	heartbeat, err := workers.NewHeartbeatWorker(logger, registry, otel.Meter("chat-relay"), config.HeartbeatInterval)
	if err != nil {
		return exitRuntime, fmt.Errorf("heartbeat init failed: %w", err)
	}
	health := grpchealth.NewHealthWorker(config.HealthAddress(), logger)
	supervisor := workers.NewSupervisor(logger, config.RestartInterval)
	supervisor.Add(presence, heartbeat, health)

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		supervisor.Run(ctx)
	}()

	go func() {
		logger.Info("Starting HTTP server", "address", config.Address(), "store", config.StoreDriver, "at", time.Now().UTC())
		if err := api.Start(config.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// 6. Wait for Stop or Error
	code := exitOK
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errChan:
		code = exitRuntime
	}

	// 7. Graceful shutdown: probes see NOT_SERVING first, then connections drain.
	logger.Info("Shutting down gracefully...")
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not stop cleanly", "error", err)
	}
	supervisor.Stop()
	<-supervised
	logger.Info("Program stopped cleanly")
	return code, runErr
}

func openStores(ctx context.Context, config Config, logger *slog.Logger) (stores, error) {
	switch config.StoreDriver {
	case driverSQLite:
		sqlStore, err := repositories.NewSQLStore(config.SQLiteDSN, logger, config.LimitMessages)
		if err != nil {
			return stores{}, fmt.Errorf("sqlite opening failed: %w", err)
		}
		return stores{
			messages: sqlStore,
			users:    sqlStore,
			close: func() {
				logger.Info("Closing SQLite...")
				_ = sqlStore.Close()
			},
		}, nil

	default:
		db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
		if err != nil {
			return stores{}, fmt.Errorf("database opening failed: %w", err)
		}
		messages, err := repositories.NewMessageRepository(db, logger, config.LimitMessages)
		if err != nil {
			_ = db.Close()
			return stores{}, err
		}
		return stores{
			messages: messages,
			users:    repositories.NewUserRepository(db),
			db:       db,
			close: func() {
				logger.Info("Closing BadgerDB...")
				_ = messages.Close()
				_ = db.Close()
			},
		}, nil
	}
}

func buildBadgerOpts(config Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.INFO)
	}

	return options
}
