// Command yogi creates paid orders and inspects the revenue ledger from the
// command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	_ "github.com/joho/godotenv/autoload"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xenking/revenue-ledger/internal/app"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/queue"
	"github.com/xenking/revenue-ledger/internal/storage/postgres"
)

const usage = `Usage: yogi <command> [flags]

Commands:
  create-order   create one paid order for a catalog variant
  bulk-orders    create many paid orders concurrently
  list-orders    list recent completed orders
  list-users     list users
  revenue        compute revenue from orders without storing it
  init-revenue   rebuild the stored revenue entry from orders
  show-revenue   show the stored revenue entry
  drain-outbox   apply pending order events to the ledger
  info           show connection and ledger status

bulk-orders runs its queue inside this process and waits for it, so the
totals and every failed order are reported before exit. The exit status is
non-zero when any order failed.

Configuration is read from YOGI_* environment variables, .env and config.yaml.
`

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	lg, err := newLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, os.Args[1], os.Args[2:]); err != nil {
		cancel()
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		lg.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(err))
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if os.Getenv("YOGI_DEBUG") != "" {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func run(ctx context.Context, lg *zap.Logger, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		return errUsage
	}

	cfg, err := app.LoadEnvConfig()
	if err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := app.NewServices(pool, lg, metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider(), cfg)
	if err != nil {
		return err
	}

	conn := pool.Config().ConnConfig
	c := &cli{
		out:       os.Stdout,
		errOut:    os.Stderr,
		lg:        lg,
		orders:    svc.Writer,
		list:      svc.Orders,
		users:     svc.Users,
		ledger:    svc.Ledger,
		rebuilder: svc.Rebuilder,
		relay:     svc.Relay,
		pending:   svc.Outbox.Pending,
		newQueue: func(workers int, report func(queue.Report[order.VariantOrder])) *queue.Queue[order.VariantOrder] {
			return svc.NewBulkQueue(workers, report)
		},
		store:    cfg.Store,
		database: fmt.Sprintf("%s@%s:%d/%s", conn.User, conn.Host, conn.Port, conn.Database),
	}
	return cmd(c, ctx, args)
}
