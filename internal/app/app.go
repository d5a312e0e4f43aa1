// Package app wires configuration, storage and services for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stockledger/internal/config"
	"stockledger/internal/domain/documents/sales_order"
	"stockledger/internal/domain/idempotency"
	"stockledger/internal/domain/operations"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/cache"
	"stockledger/internal/infrastructure/messaging"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/document_repo"
	"stockledger/internal/infrastructure/storage/postgres/register_repo"
	"stockledger/pkg/logger"
	"stockledger/pkg/numerator"
)

// App holds the wired services.
type App struct {
	Config     config.Config
	Pool       *postgres.Pool
	TxManager  *postgres.TxManager
	Stock      *stock.Service
	Orders     *sales_order.Service
	Operations *operations.Service
	Audit      *postgres.AuditService
	Guard      idempotency.Guard
	// Cleaner is nil when keys expire on their own (Redis).
	Cleaner idempotency.Cleaner

	redis *redis.Client
}

// New connects to Postgres (and Redis when configured) and builds the services.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Pool: pool, TxManager: postgres.NewTxManager(pool)}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.Guard = cache.NewRedisIdempotencyStore(a.redis, cfg.IdempotencyTTL)
		logger.Info(ctx, "idempotency keys in redis", "addr", cfg.RedisAddr)
	} else {
		store := postgres.NewIdempotencyStore(a.TxManager, cfg.IdempotencyTTL)
		a.Guard, a.Cleaner = store, store
	}

	a.Audit, err = postgres.NewAuditService(a.TxManager)
	if err != nil {
		a.Close()
		return nil, err
	}

	outbox := postgres.NewOutboxPublisher(a.TxManager)
	policy := stock.DefaultRetryPolicy()
	policy.MaxRetries = cfg.OCCMaxRetries

	a.Stock = stock.NewService(
		register_repo.NewCounterRepo(a.TxManager),
		register_repo.NewMovementRepo(a.TxManager),
		a.TxManager,
		stock.WithRetryPolicy(policy),
		stock.WithEvents(outbox),
	)
	a.Orders = sales_order.NewService(
		document_repo.NewSalesOrderRepo(a.TxManager),
		a.Stock,
		a.TxManager,
		a.Guard,
		sales_order.WithEvents(outbox),
		sales_order.WithAudit(a.Audit),
		sales_order.WithNumberer(numerator.New(pool, numerator.DefaultConfig("SO"))),
	)
	a.Operations = operations.NewService(a.Stock, a.TxManager, a.Guard)
	return a, nil
}

// Publisher opens the broker selected by OUTBOX_BROKER.
func (a *App) Publisher() (messaging.Publisher, error) {
	switch a.Config.OutboxBroker {
	case config.BrokerRabbitMQ:
		return messaging.NewRabbitPublisher(a.Config.RabbitMQURL, a.Config.RabbitMQExchange)
	case config.BrokerKafka:
		return messaging.NewKafkaPublisher(a.Config.KafkaBrokers, a.Config.KafkaTopic), nil
	default:
		return messaging.LogPublisher{}, nil
	}
}

// Close releases connections.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
