package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/outbox"
	"github.com/xenking/revenue-ledger/internal/queue"
	"github.com/xenking/revenue-ledger/internal/storage/postgres"
)

// Services bundles the Postgres-backed repositories and the domain services
// built on them. The api-server and the yogi CLI share it.
type Services struct {
	Catalog *postgres.CatalogRepository
	Users   *postgres.UserRepository
	Orders  *postgres.OrderStore
	Ledger  *postgres.LedgerStore
	Outbox  *postgres.OutboxStore

	Writer    *order.Writer
	Mutator   *ledger.Mutator
	Rebuilder *ledger.Rebuilder
	Bridge    *ledger.Hooks
	Relay     *outbox.Relay

	cfg *Config
}

// NewServices wires repositories and services on pool.
func NewServices(
	pool *pgxpool.Pool,
	lg *zap.Logger,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
	cfg *Config,
) (*Services, error) {
	s := &Services{
		Catalog: postgres.NewCatalogRepository(pool),
		Users:   postgres.NewUserRepository(pool),
		Orders:  postgres.NewOrderStore(pool),
		Ledger:  postgres.NewLedgerStore(pool),
		Outbox:  postgres.NewOutboxStore(pool, cfg.Outbox.MaxAttempts),
		cfg:     cfg,
	}

	floor := ledger.FloorNone
	if cfg.Ledger.FloorAtZero {
		floor = ledger.FloorZero
	}
	mut, err := ledger.NewMutator(s.Ledger, lg.Named("ledger"), mp, ledger.MutatorOptions{
		Floor:    floor,
		Currency: cfg.Ledger.FallbackCurrency,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create ledger mutator")
	}
	s.Mutator = mut
	s.Bridge = ledger.NewHooks(mut, lg.Named("bridge"))
	s.Rebuilder = ledger.NewRebuilder(s.Ledger, lg.Named("rebuild"), cfg.Ledger.FallbackCurrency)
	s.Relay = outbox.NewRelay(s.Outbox, s.Bridge, lg.Named("outbox"), outbox.RelayOptions{
		BatchSize: cfg.Outbox.BatchSize,
		Interval:  cfg.Outbox.Interval,
	})
	s.Writer = order.NewWriter(s.Catalog, s.Orders, order.Defaults{
		StoreID:       cfg.Store.ID,
		GatewayID:     cfg.Store.GatewayID,
		CustomerID:    cfg.Store.CustomerID,
		OrderStatusID: cfg.Store.OrderStatusID,
		SiteID:        cfg.Store.SiteID,
		Currency:      cfg.Store.Currency,
	}, lg.Named("order"), tp)
	return s, nil
}

// NewBulkQueue creates a queue of variant orders written by s.Writer.
// Only write failures are retried. workers overrides the configured
// worker count when positive.
func (s *Services) NewBulkQueue(workers int, report func(queue.Report[order.VariantOrder])) *queue.Queue[order.VariantOrder] {
	cfg := s.cfg.Bulk
	if workers <= 0 {
		workers = cfg.Workers
	}
	return queue.New[order.VariantOrder](queue.Config{
		Workers:        workers,
		Capacity:       cfg.Capacity,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Retryable: func(err error) bool {
			return errors.Is(err, order.ErrWriteFailure)
		},
	}, func(ctx context.Context, v order.VariantOrder) error {
		_, err := s.Writer.CreateVariantOrder(ctx, v)
		return err
	}, report)
}
