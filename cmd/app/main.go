package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"conversy/internal/billing"
	"conversy/internal/cache"
	"conversy/internal/config"
	"conversy/internal/engine"
	"conversy/internal/gateway"
	"conversy/internal/httpserver"
	"conversy/internal/logging"
	"conversy/internal/metrics"
	"conversy/internal/push"
	"conversy/internal/recovery"
	"conversy/internal/repo"
	"conversy/internal/tg"
	"conversy/internal/tracking"
	"conversy/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting conversy", "env", cfg.AppEnv)

	if cfg.PublicBaseURL != "" {
		base := strings.TrimRight(cfg.PublicBaseURL, "/")
		logger.Info("public base url configured", "base_url", cfg.PublicBaseURL,
			"telegram_webhook", base+"/webhook/telegram/{client}")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := newRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	telegramClient := tg.New(tg.Config{
		BaseURL: cfg.TelegramAPIBaseURL,
		Timeout: cfg.TelegramTimeout,
	}, logger, metricRegistry)

	gateways := gateway.NewRegistry(gateway.Config{
		FastSoftBaseURL: cfg.FastSoftBaseURL,
		DuttyFyBaseURL:  cfg.DuttyFyBaseURL,
		Timeout:         cfg.GatewayTimeout,
	}, logger, metricRegistry)

	billingService := billing.New(repository, logger, metricRegistry, cfg.PlatformFeeCents)

	trackingService := tracking.New(repository, logger, metricRegistry, tracking.Config{
		FacebookAPIVersion: cfg.FacebookAPIVersion,
		TikTokBaseURL:      cfg.TikTokAPIBaseURL,
	})

	pushService := push.New(repository, logger, metricRegistry, push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subscriber: cfg.VAPIDSubscriber,
	})

	orderEngine := engine.New(repository, telegramClient, gateways, billingService,
		trackingService, notifier(pushService), redisClient, metricRegistry, logger, engine.Config{})

	scheduler := recovery.New(repository, telegramClient, orderEngine, metricRegistry, logger, recovery.Config{
		Interval:    cfg.RecoveryInterval,
		OrderExpiry: cfg.OrderExpiry,
	})
	go scheduler.Run(ctx)

	fastsoftGW, err := gateways.ByName(gateway.GatewayFastSoft)
	if err != nil {
		return err
	}
	duttyfyGW, err := gateways.ByName(gateway.GatewayDuttyFy)
	if err != nil {
		return err
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		TelegramWebhook: tg.NewWebhookHandler(orderEngine, logger, metricRegistry),
		FastSoftWebhook: gateway.NewWebhookHandler(fastsoftGW, orderEngine, orderEngine, redisClient, logger, metricRegistry),
		DuttyFyWebhook:  gateway.NewWebhookHandler(duttyfyGW, orderEngine, orderEngine, redisClient, logger, metricRegistry),
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Repository: repository,
		Billing:    billingService,
		Recovery:   scheduler,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

// newRepository picks the store from the DSN: a sqlite: prefix selects the
// embedded store, anything else goes through pgx.
func newRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	if path, ok := strings.CutPrefix(cfg.DatabaseURL, "sqlite:"); ok {
		return repo.NewSQLite(ctx, path, logger)
	}
	return repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
}

// notifier keeps the engine's nil check meaningful when push is disabled.
func notifier(p *push.Service) engine.Notifier {
	if p == nil {
		return nil
	}
	return p
}
