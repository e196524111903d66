package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/mindkeeper/internal/api"
	"github.com/p-blackswan/mindkeeper/internal/config"
	"github.com/p-blackswan/mindkeeper/internal/delivery"
	"github.com/p-blackswan/mindkeeper/internal/gitops"
	"github.com/p-blackswan/mindkeeper/internal/health"
	"github.com/p-blackswan/mindkeeper/internal/metrics"
	"github.com/p-blackswan/mindkeeper/internal/minds"
	"github.com/p-blackswan/mindkeeper/internal/registry"
	"github.com/p-blackswan/mindkeeper/internal/routing"
	"github.com/p-blackswan/mindkeeper/internal/sequencer"
	"github.com/p-blackswan/mindkeeper/internal/store"
	"github.com/p-blackswan/mindkeeper/internal/supervisor"
	"github.com/p-blackswan/mindkeeper/internal/variant"
)

const (
	routingCacheSize  = 256
	retentionInterval = time.Hour
	shutdownTimeout   = 15 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("state_dir", cfg.StateDir).
		Str("listen_addr", cfg.ListenAddr).
		Int("base_port", cfg.BasePort).
		Msg("starting mindd")

	for _, dir := range []string{cfg.StateDir, cfg.MindsDir, cfg.TemplatesDir, cfg.WorktreesDir(), filepath.Dir(cfg.DBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("failed to create state directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	m := metrics.New()
	events := sequencer.New(cfg.EventBufferSize, m, logger)
	reg := registry.New(registry.Options{
		Path:        cfg.RegistryPath(),
		VariantsDir: cfg.VariantsDir(),
		MindsDir:    cfg.MindsDir,
		BasePort:    cfg.BasePort,
	}, logger)

	sup := supervisor.New(supervisor.Options{
		Command:        strings.Fields(cfg.MindCommand),
		HealthTimeout:  cfg.HealthTimeout,
		HealthInterval: cfg.HealthInterval,
		StopGrace:      cfg.StopGrace,
		RestartDelay:   cfg.CrashRestartDelay,
	}, reg, events, m, logger)

	loader := routing.NewLoader(routingCacheSize, logger)
	watcher, err := routing.NewWatcher(loader, func(path string) {
		logger.Info().Str("path", path).Msg("routing config reloaded")
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start routing watcher")
	}

	engine := delivery.New(delivery.Options{}, reg, sup, loader, delivery.NewHTTPAgent(logger), db, events, m, logger)

	git := gitops.New(cfg.GitBin, logger)
	install := variant.CommandInstaller(strings.Fields(cfg.InstallCommand), 0, logger)
	workflow := variant.New(reg, sup, git, install, cfg.WorktreesDir(), events, m, logger)
	manager := minds.New(reg, sup, workflow, git, install, watcher, cfg.TemplatesDir, logger)

	checker := health.NewChecker(logger)
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := db.Ping(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	server := api.NewServer(api.ServerConfig{
		ListenAddr:  cfg.ListenAddr,
		AuthConfig:  api.AuthConfig{Mode: cfg.AuthMode, APIKey: cfg.APIKey},
		RateLimit:   api.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		CORSOrigins: cfg.CORSOrigins,
		KeepAlive:   cfg.KeepAliveInterval,
	}, api.Deps{
		Registry:    reg,
		Minds:       manager,
		Variants:    workflow,
		Supervisor:  sup,
		Messenger:   engine,
		DeadLetters: db,
		Events:      events,
		Checker:     checker,
		Metrics:     m,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		db.RunRetentionLoop(gctx, retentionInterval)
		return nil
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		started, err := manager.Restore(gctx, cfg.RestoreOnBoot)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("boot restore failed")
		}
		logger.Info().Int("started", started).Bool("enabled", cfg.RestoreOnBoot).Msg("boot restore finished")
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API server shutdown error")
		}
		engine.Close()
		sup.Close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("mindd exited with error")
	}
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}
	logger.Info().Msg("mindd stopped")
}
