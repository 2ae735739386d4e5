// Package app wires the shared dependency graph used by both binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"order-dispatch-service/internal/config"
	"order-dispatch-service/internal/entity"
	"order-dispatch-service/internal/ledger"
	"order-dispatch-service/internal/notify"
	"order-dispatch-service/internal/payment"
	"order-dispatch-service/internal/pricing"
	"order-dispatch-service/internal/queue"
	"order-dispatch-service/internal/repository/postgres"
	"order-dispatch-service/internal/service"
	"order-dispatch-service/internal/status"
	"order-dispatch-service/internal/token"
)

type App struct {
	Cfg        config.Config
	Dispatcher *service.Dispatcher
	Redis      *redis.Client
	PG         *pgxpool.Pool // nil when no archive DB is configured
	Archive    *postgres.ArchiveRepository
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}

	table, err := pricing.Load(cfg.FamiliesPath)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	var (
		pg      *pgxpool.Pool
		archive *postgres.ArchiveRepository
	)
	if cfg.PostgresDSN != "" {
		pg, err = postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		archive = postgres.NewArchiveRepository(pg)
	}

	queues := map[entity.Family]service.Queue{}
	for fam := range table.Families {
		queues[fam] = queue.NewRedisQueue(rdb, table.QueueKey(fam))
	}

	var notifier service.Notifier
	if cfg.MailEndpoint != "" {
		notifier = notify.NewEmailNotifier(cfg.MailEndpoint, cfg.MailAPIKey, cfg.MailFrom, log)
	}

	var archiver service.Archiver
	if archive != nil {
		archiver = archive
	}

	disp := service.NewDispatcher(service.Options{
		Codec:   token.NewCodec([]byte(cfg.TokenSecret)),
		Pricing: table,
		Payments: payment.NewGatewayClient(payment.GatewayOptions{
			BaseURL:   cfg.GatewayBaseURL,
			KeyID:     cfg.GatewayKeyID,
			KeySecret: cfg.GatewayKeySecret,
			TestMode:  cfg.PaymentTestMode,
		}, log),
		Queues:   queues,
		Statuses: status.NewRedisStore(rdb, cfg.StatusTTL),
		Ledger:   ledger.NewRedisLedger(rdb),
		Notifier: notifier,
		Archive:  archiver,
		TokenTTL: cfg.TokenTTL,
	}, log)

	return &App{Cfg: cfg, Dispatcher: disp, Redis: rdb, PG: pg, Archive: archive}, nil
}

func (a *App) Close() {
	if a.PG != nil {
		a.PG.Close()
	}
	_ = a.Redis.Close()
}
