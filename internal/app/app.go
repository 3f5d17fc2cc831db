package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/handler"
	"github.com/xenking/revenue-ledger/internal/queue"
	"github.com/xenking/revenue-ledger/internal/storage/postgres"
	"github.com/xenking/revenue-ledger/pkg/health"
	"github.com/xenking/revenue-ledger/pkg/httpmiddleware"
)

// maxOutboxBacklog is the pending event count above which the server
// reports not ready.
const maxOutboxBacklog = 10000

const (
	maxGoroutines  = 10000
	healthInterval = 10 * time.Second
)

// Run creates all dependencies, starts the HTTP server, the outbox relay and
// the bulk queue, and handles graceful shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := NewServices(pool, lg, m.MeterProvider(), m.TracerProvider(), cfg)
	if err != nil {
		return err
	}
	if err := svc.Mutator.EnsureRecord(ctx, cfg.Store.ID, cfg.Store.Currency); err != nil {
		return errors.Wrap(err, "ensure ledger entry")
	}

	bulkLg := lg.Named("bulk")
	bulk := svc.NewBulkQueue(0, func(r queue.Report[order.VariantOrder]) {
		if r.Err != nil {
			bulkLg.Warn("Bulk order failed",
				zap.Int("seq", r.Seq),
				zap.Int("attempts", r.Attempts),
				zap.Error(r.Err),
			)
		}
	})
	bulk.Start(ctx)

	h := handler.New(handler.Config{MaxBulk: cfg.Bulk.MaxRequest}, handler.Deps{
		Orders:    svc.Writer,
		OrderList: svc.Orders,
		Users:     svc.Users,
		Ledger:    svc.Ledger,
		Rebuilder: svc.Rebuilder,
		Bridge:    svc.Bridge,
		Bulk:      bulk,
	})

	hs := health.New(lg.Named("health"))
	hs.AddLiveness(health.Check{
		Name: "goroutines",
		Func: health.GoroutineCountCheck(maxGoroutines),
	})
	hs.AddReadiness(health.Check{
		Name:    "postgres",
		Timeout: 2 * time.Second,
		Func:    health.PingCheck(pool),
	})
	hs.AddReadiness(health.Check{
		Name:    "outbox",
		Timeout: 2 * time.Second,
		Func:    health.BacklogCheck(svc.Outbox.Pending, maxOutboxBacklog),
	})
	hs.Start(ctx, healthInterval)
	defer hs.Stop()

	mux := h.Routes()
	mux.HandleFunc("GET /livez", hs.LiveEndpoint)
	mux.HandleFunc("GET /readyz", hs.ReadyEndpoint)
	hs.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.Instrument("yogi-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}

		sum := bulk.Close()
		lg.Info("Bulk queue stopped",
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed),
		)
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}
