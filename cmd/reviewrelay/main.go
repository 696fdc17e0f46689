package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/reviewrelay/reviewrelay/internal/analysis"
	"github.com/reviewrelay/reviewrelay/internal/api"
	"github.com/reviewrelay/reviewrelay/internal/config"
	"github.com/reviewrelay/reviewrelay/internal/database"
	"github.com/reviewrelay/reviewrelay/internal/jobs"
	"github.com/reviewrelay/reviewrelay/internal/remote"
	"github.com/reviewrelay/reviewrelay/internal/secrets"
	"github.com/reviewrelay/reviewrelay/internal/service"
	"github.com/reviewrelay/reviewrelay/internal/tokens"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: reviewrelay <command>\n\nCommands:\n  serve    Start the server\n  migrate  Run database migrations\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	cipher, err := secrets.NewCipher(cfg.Secrets.EncryptionKey)
	if err != nil {
		slog.Error("init cipher", "error", err)
		os.Exit(1)
	}

	logger := slog.Default()

	breaker := remote.NewCircuitBreaker(remote.BreakerOptions{
		FailureThreshold: cfg.Gateway.FailureThreshold,
		CoolDown:         config.Duration(cfg.Gateway.BreakerCoolDown, 30*time.Second),
	})
	gateway := remote.NewGateway(remote.GatewayOptions{
		MaxInFlight:    int64(cfg.Gateway.MaxInFlight),
		RequestTimeout: config.Duration(cfg.Gateway.RequestTimeout, 10*time.Second),
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		BackoffBase:    config.Duration(cfg.Gateway.BackoffBase, 350*time.Millisecond),
		HostRPS:        cfg.Gateway.HostRPS,
		Breaker:        breaker,
		Logger:         logger,
	})
	tokenManager := tokens.NewManager(db, cipher, tokens.ManagerOptions{Logger: logger})

	queue := jobs.NewQueue(cfg.Webhook.QueueSize, logger)
	sink := analysis.NewLogSink(logger)
	processor := jobs.NewProcessor(db, gateway, tokenManager, sink, logger)
	pool := jobs.NewWorkerPool(queue, processor, jobs.WorkerPoolOptions{
		Workers: cfg.Workers.Count,
		Logger:  logger,
	})
	scheduler := jobs.NewRedeliveryScheduler(db, queue, jobs.SchedulerOptions{
		Spec:   cfg.Scheduler.Spec,
		Grace:  config.Duration(cfg.Scheduler.Grace, 5*time.Second),
		Batch:  cfg.Scheduler.Batch,
		Logger: logger,
	})

	server := api.NewServer(db, api.ServerOptions{
		Receiver:     service.NewWebhookReceiver(db, queue, cfg.Webhook.GlobalSecret, logger),
		Connections:  service.NewConnectionService(db, cipher, gateway, tokenManager, cfg.Webhook.GlobalSecret, logger),
		Synchronizer: service.NewSynchronizer(db, gateway, tokenManager, logger),
		Hooks:        service.NewHookService(db, gateway, tokenManager, cfg.Webhook.CallbackBaseURL, logger),
		Scheduler:    scheduler,
		Logger:       logger,
	})

	if err := pool.Start(context.Background()); err != nil {
		slog.Error("start workers", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		slog.Error("start redelivery scheduler", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)

	go func() {
		slog.Info("reviewrelay listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	if err := scheduler.Stop(ctx); err != nil {
		slog.Error("stop redelivery scheduler", "error", err)
	}
	if err := pool.Stop(ctx); err != nil {
		slog.Error("stop workers", "error", err)
	}
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
