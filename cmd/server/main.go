package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"confi/backend/internal/cache"
	"confi/backend/internal/config"
	"confi/backend/internal/contact"
	"confi/backend/internal/events"
	"confi/backend/internal/httpapi"
	"confi/backend/internal/ledger"
	"confi/backend/internal/metrics"
	"confi/backend/internal/platform/logging"
	"confi/backend/internal/service"
	"confi/backend/internal/store"
	"confi/backend/internal/store/memory"
	pgstore "confi/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo = pg
		logger.Info("repository ready", zap.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository ready", zap.String("backend", "memory"))
	}

	// Only cart previews read through the cache; orders price from the repository.
	var previewCache cache.Cache = cache.Noop{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, catalog cache disabled", zap.Error(err))
			_ = redisCache.Close()
		} else {
			previewCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("catalog cache ready", zap.String("backend", "redis"))
		}
	}
	previewCatalog := cache.NewCatalog(repo, previewCache, cfg.CatalogCacheTTL(), logger)

	publishers := events.Multi{events.NewLog(logger)}
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		kafka := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		publishers = append(publishers, kafka)
		closers = append(closers, kafka.Close)
		logger.Info("event publisher ready", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	}

	builder, err := contact.NewBuilder(cfg.StoreName, cfg.StoreWhatsApp, cfg.StoreLocale, cfg.CurrencySymbol)
	if err != nil {
		return fmt.Errorf("contact builder: %w", err)
	}

	m := metrics.New()
	stock := ledger.New(repo, repo,
		ledger.WithPublisher(publishers),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(m),
		ledger.WithMaxAttempts(cfg.LedgerMaxAttempts),
	)
	svc := service.New(repo, stock, service.Options{
		PreviewCatalog: previewCatalog,
		Contact:        builder,
		Publisher:      publishers,
		Metrics:        m,
		Logger:         logger.Named("service"),
		DeliveryCost:   cfg.DeliveryCostCents,
	})
	api := httpapi.New(svc, httpapi.NewAuthenticator(cfg.AuthSecret), httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		Logger:         logger.Named("http"),
		Metrics:        m,
		OrderRateLimit: cfg.OrderRateLimit,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("confectionery backend listening", zap.String("addr", cfg.Address()), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if strings.TrimSpace(cfg.StoreWhatsApp) == "" {
		return fmt.Errorf("STORE_WHATSAPP must be set")
	}
	if cfg.Production() {
		origin := strings.TrimSpace(cfg.AllowedOrigin)
		if origin == "" || origin == "*" {
			return fmt.Errorf("ALLOWED_ORIGIN must name the storefront origin in production")
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set in production")
		}
	}
	return nil
}
