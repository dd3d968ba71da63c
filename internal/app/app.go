// Package app assembles the service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/clock"
	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/events"
	"github.com/Dan9191/bnpl-service/internal/handler"
	"github.com/Dan9191/bnpl-service/internal/integrations/gateway"
	"github.com/Dan9191/bnpl-service/internal/lock"
	"github.com/Dan9191/bnpl-service/internal/notify"
	"github.com/Dan9191/bnpl-service/internal/repository"
	"github.com/Dan9191/bnpl-service/internal/repository/memory"
	"github.com/Dan9191/bnpl-service/internal/retry"
	"github.com/Dan9191/bnpl-service/internal/service"
	"github.com/Dan9191/bnpl-service/internal/utils"
	"github.com/Dan9191/bnpl-service/internal/utils/email"
)

// App holds the wired services and the resources they own.
type App struct {
	Config     *config.Config
	Log        *logrus.Logger
	Store      repository.Store
	Scheduler  *service.Scheduler
	Processor  *service.Processor
	Settlement *service.Settlement
	Handler    *handler.Handler

	closers []func() error
}

// NewLogger builds the JSON logger used by every binary.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}

// New opens the store and wires gateway, notifiers, lock and services.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	var gw service.PaymentGateway
	switch cfg.Gateway.Mode {
	case "http":
		gw = gateway.NewClient(cfg.Gateway, log)
	default:
		log.Warn("Using sandbox payment gateway")
		gw = gateway.NewSandbox()
	}

	var locker service.Locker
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL, log)
	}

	clk := clock.Real{}
	a.Scheduler = service.NewScheduler(store, gw, clk, log, cfg.Scheduling.DefaultInterval)
	a.Processor = service.NewProcessor(store, gw, retry.NewController(cfg.Retry, clk), a.notifier(), locker, clk, log, cfg.Batch)
	if cfg.Batch.CaptureOnCheckout {
		a.Scheduler.WithCapture(a.Processor)
	}
	a.Settlement = service.NewSettlement(store, gw, clk, log, cfg.Discount.CacheTTL)
	a.Handler = handler.NewHandler(a.Scheduler, a.Processor, a.Settlement, cfg.Gateway.WebhookSecret, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		a.Log.Warn("Using in-memory store, data is lost on exit")
		return memory.New(), nil
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	sealer, err := utils.NewSealer(key)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresStore(db, sealer, a.Log)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// notifier fans out to the log plus email and Kafka when they are configured.
func (a *App) notifier() service.Notifier {
	channels := notify.Multi{notify.Log{Logger: a.Log}}
	if a.Config.SMTP.Enabled() {
		channels = append(channels, email.NewSender(a.Config.SMTP, a.Log))
	}
	if len(a.Config.Kafka.BrokerList()) > 0 {
		pub := events.NewPublisher(a.Config.Kafka, a.Log)
		a.closers = append(a.closers, pub.Close)
		channels = append(channels, pub)
	}
	return channels
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
