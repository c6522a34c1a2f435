package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/lastseen"
	"github.com/Tyrowin/presence-relay/internal/presence"
	"github.com/Tyrowin/presence-relay/internal/relay"
	"github.com/Tyrowin/presence-relay/internal/server"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain runs the server and returns the process exit code.
func realMain(args []string) int {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := flags.String("config", envOr("CONFIG_FILE", "config.yaml"), "path to an optional YAML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	logger, err := server.NewLogger(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func run(cfg *server.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting presence relay",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.String("group_scope", cfg.Relay.GroupScope),
	)

	notifier, closeNotifier, err := buildLastSeen(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	hub := server.NewHub(cfg.Limits(), logger.Named("hub"))

	opts := []presence.Option{
		presence.WithLogger(logger.Named("presence")),
		presence.WithRetention(cfg.Presence.Retention),
		presence.WithNotifyTimeout(cfg.LastSeen.Timeout),
	}
	if notifier != nil {
		opts = append(opts, presence.WithLastSeen(notifier))
	}
	registry := presence.NewRegistry(hub, opts...)
	router := relay.NewRouter(hub, cfg.RelayPolicy(), logger.Named("relay"))
	hub.SetHandler(server.NewDispatcher(registry, router, logger.Named("dispatch")))

	jobs, err := presence.NewJobs(registry, presence.JobConfig{
		BroadcastInterval: cfg.Presence.BroadcastInterval,
		ReapInterval:      cfg.Presence.ReapInterval,
	}, logger.Named("jobs"))
	if err != nil {
		return fmt.Errorf("schedule presence jobs: %w", err)
	}

	go hub.Run()
	jobs.Start()

	origins := cfg.Origins()
	if cfg.IsProduction() && origins.Empty() {
		logger.Warn("No allowed origins configured; every browser connection will be rejected",
			zap.String("hint", "set FRONTEND_URL, ALLOWED_ORIGINS or PREVIEW_ORIGINS"))
	}
	handlers := server.NewHandlers(hub, registry, origins, logger.Named("http"))
	engine := server.SetupRouter(handlers, origins, cfg.IsProduction(), logger.Named("http"))
	httpServer := server.CreateServer(cfg.Port, engine)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.ShutdownServer(shutdownCtx, httpServer, logger); err != nil {
		logger.Warn("Forcing HTTP server close", zap.Error(err))
		_ = httpServer.Close()
	}

	<-jobs.Stop().Done()

	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("Hub shutdown incomplete", zap.Error(err))
	}

	registry.Close()
	logger.Info("Server exited gracefully")
	return nil
}

// buildLastSeen selects the last-seen stores from configuration. It returns a
// nil notifier when none is configured.
func buildLastSeen(cfg *server.Config, logger *zap.Logger) (presence.Notifier, func(), error) {
	var (
		stores  lastseen.Multi
		closers []func()
	)

	if cfg.LastSeen.ServiceURL != "" {
		stores = append(stores, lastseen.NewHTTPClient(cfg.LastSeen.ServiceURL, cfg.LastSeen.Timeout))
		logger.Info("Last seen updates enabled", zap.String("service_url", cfg.LastSeen.ServiceURL))
	}

	if cfg.LastSeen.RedisURL != "" {
		store, err := lastseen.NewRedisStoreFromURL(cfg.LastSeen.RedisURL)
		if err != nil {
			return nil, func() {}, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.LastSeen.Timeout)
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("Redis last seen store unreachable at startup", zap.Error(err))
		}
		cancel()
		stores = append(stores, store)
		closers = append(closers, func() { _ = store.Close() })
		logger.Info("Last seen mirror enabled", zap.String("store", "redis"))
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch len(stores) {
	case 0:
		logger.Info("No last seen store configured")
		return nil, closeAll, nil
	case 1:
		return stores[0], closeAll, nil
	default:
		return stores, closeAll, nil
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
