package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/app"
	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/domain/user"
	"github.com/xenking/revenue-ledger/internal/outbox"
	"github.com/xenking/revenue-ledger/internal/queue"
)

const progressEvery = 100

var errUsage = errors.New("usage")

type command func(c *cli, ctx context.Context, args []string) error

var commands = map[string]command{
	"create-order": (*cli).createOrder,
	"bulk-orders":  (*cli).bulkOrders,
	"list-orders":  (*cli).listOrders,
	"list-users":   (*cli).listUsers,
	"revenue":      (*cli).revenue,
	"init-revenue": (*cli).initRevenue,
	"show-revenue": (*cli).showRevenue,
	"drain-outbox": (*cli).drainOutbox,
	"info":         (*cli).info,
}

type variantCreator interface {
	CreateVariantOrder(ctx context.Context, v order.VariantOrder) (*order.Result, error)
}

type cli struct {
	out    io.Writer
	errOut io.Writer
	lg     *zap.Logger

	orders    variantCreator
	list      order.Reader
	users     user.Repository
	ledger    ledger.Reader
	rebuilder *ledger.Rebuilder
	relay     *outbox.Relay
	pending   func(ctx context.Context) (int64, error)
	newQueue  func(workers int, report func(queue.Report[order.VariantOrder])) *queue.Queue[order.VariantOrder]

	store    app.StoreConfig
	database string
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	return fs
}

func (c *cli) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func (c *cli) variantFlags(fs *flag.FlagSet) *order.VariantOrder {
	v := &order.VariantOrder{}
	fs.StringVar(&v.Email, "email", "", "customer email (required)")
	fs.Int64Var(&v.PurchasableID, "variant", 0, "purchasable id (required)")
	fs.IntVar(&v.Qty, "qty", 1, "quantity")
	fs.Int64Var(&v.StoreID, "store", c.store.ID, "store id")
	fs.StringVar(&v.Currency, "currency", c.store.Currency, "currency code")
	return v
}

func checkVariant(v *order.VariantOrder) error {
	if v.Email == "" || v.PurchasableID <= 0 {
		return errors.Wrap(errUsage, "--email and --variant are required")
	}
	return nil
}

func (c *cli) createOrder(ctx context.Context, args []string) error {
	fs := c.flags("create-order")
	v := c.variantFlags(fs)
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if err := checkVariant(v); err != nil {
		fmt.Fprintln(c.errOut, err)
		return err
	}

	res, err := c.orders.CreateVariantOrder(ctx, *v)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Order %d created\n", res.OrderID)
	fmt.Fprintf(c.out, "  Reference:   %s\n", res.Reference)
	fmt.Fprintf(c.out, "  Number:      %s\n", res.Number)
	fmt.Fprintf(c.out, "  Total:       %s %s\n", res.Total.StringFixed(2), res.Currency)
	fmt.Fprintf(c.out, "  Transaction: %s (%s)\n", res.TransactionReference, res.TransactionHash)
	return c.settleOutbox(ctx)
}

func (c *cli) bulkOrders(ctx context.Context, args []string) error {
	fs := c.flags("bulk-orders")
	v := c.variantFlags(fs)
	count := fs.Int("count", 10, "number of orders")
	workers := fs.Int("workers", 0, "concurrent workers (default from config)")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if err := checkVariant(v); err != nil {
		fmt.Fprintln(c.errOut, err)
		return err
	}
	if *count < 1 {
		fmt.Fprintln(c.errOut, "--count must be positive")
		return errUsage
	}

	start := time.Now()
	q := c.newQueue(*workers, func(r queue.Report[order.VariantOrder]) {
		if r.Err != nil {
			c.lg.Warn("Order failed", zap.Int("seq", r.Seq), zap.Int("attempts", r.Attempts), zap.Error(r.Err))
		}
	})
	q.Start(ctx)

	var enqueueErr error
	for i := 1; i <= *count; i++ {
		if err := q.Enqueue(ctx, *v); err != nil {
			enqueueErr = errors.Wrapf(err, "enqueue order %d", i)
			break
		}
		if i%progressEvery == 0 {
			fmt.Fprintf(c.out, "Queued %d/%d orders\n", i, *count)
		}
	}
	sum := q.Close()

	fmt.Fprintf(c.out, "Created %d orders, %d failed in %s\n",
		sum.Succeeded, sum.Failed, time.Since(start).Round(time.Millisecond))
	if err := c.settleOutbox(ctx); err != nil {
		enqueueErr = multierr.Append(enqueueErr, err)
	}
	if sum.Failed > 0 {
		for _, err := range multierr.Errors(sum.Err) {
			c.lg.Debug("Bulk failure", zap.Error(err))
		}
		return multierr.Append(enqueueErr, errors.Errorf("%d of %d orders failed", sum.Failed, *count))
	}
	return enqueueErr
}

func (c *cli) listOrders(ctx context.Context, args []string) error {
	fs := c.flags("list-orders")
	limit := fs.Int("limit", 20, "maximum number of orders")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	orders, err := c.list.ListCompleted(ctx, *limit)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Fprintln(c.out, "No orders found.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREFERENCE\tEMAIL\tTOTAL\tPAID\tSTATUS\tDATE")
	for _, o := range orders {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
			o.ID, o.Reference, o.Email, o.Total.StringFixed(2), o.Currency,
			o.TotalPaid.StringFixed(2), o.PaidStatus, o.DateOrdered.Format(time.DateTime))
	}
	return tw.Flush()
}

func (c *cli) listUsers(ctx context.Context, args []string) error {
	fs := c.flags("list-users")
	limit := fs.Int("limit", 50, "maximum number of users")
	if err := c.parse(fs, args); err != nil {
		return err
	}

	users, err := c.users.List(ctx, *limit)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "No users found.")
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL\tADMIN\tSTATUS")
	for _, u := range users {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", u.ID, u.Username, u.Email, u.Admin, u.Status)
	}
	return tw.Flush()
}

func (c *cli) storeFlag(name string, args []string) (int64, error) {
	fs := c.flags(name)
	store := fs.Int64("store", c.store.ID, "store id")
	if err := c.parse(fs, args); err != nil {
		return 0, err
	}
	return *store, nil
}

// revenue computes totals from orders and prints them without writing.
func (c *cli) revenue(ctx context.Context, args []string) error {
	storeID, err := c.storeFlag("revenue", args)
	if err != nil {
		return err
	}
	e, err := c.rebuilder.Report(ctx, storeID)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Revenue report for store %d (computed from orders)\n", storeID)
	c.printEntry(e)
	return nil
}

func (c *cli) initRevenue(ctx context.Context, args []string) error {
	storeID, err := c.storeFlag("init-revenue", args)
	if err != nil {
		return err
	}
	e, err := c.rebuilder.Rebuild(ctx, storeID)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Revenue entry for store %d rebuilt\n", storeID)
	c.printEntry(e)
	return nil
}

func (c *cli) showRevenue(ctx context.Context, args []string) error {
	storeID, err := c.storeFlag("show-revenue", args)
	if err != nil {
		return err
	}
	e, err := c.ledger.Get(ctx, storeID)
	if errors.Is(err, ledger.ErrNoEntry) || (err == nil && !e.HasData()) {
		fmt.Fprintln(c.out, "No revenue data found. Run init-revenue first.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Revenue for store %d\n", storeID)
	c.printEntry(e)
	return nil
}

func (c *cli) drainOutbox(ctx context.Context, args []string) error {
	fs := c.flags("drain-outbox")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	b, err := c.relay.Drain(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Dispatched %d events, %d failed\n", b.Dispatched, b.Failed)
	return nil
}

func (c *cli) info(ctx context.Context, args []string) error {
	fs := c.flags("info")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	pending, err := c.pending(ctx)
	if err != nil {
		return errors.Wrap(err, "count pending events")
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Database:\t%s\n", c.database)
	fmt.Fprintf(tw, "Store:\t%d\n", c.store.ID)
	fmt.Fprintf(tw, "Currency:\t%s\n", c.store.Currency)
	fmt.Fprintf(tw, "Gateway:\t%d\n", c.store.GatewayID)
	fmt.Fprintf(tw, "Pending events:\t%d\n", pending)

	e, err := c.ledger.Get(ctx, c.store.ID)
	switch {
	case errors.Is(err, ledger.ErrNoEntry):
		fmt.Fprintf(tw, "Ledger:\tnot initialized\n")
	case err != nil:
		return err
	default:
		fmt.Fprintf(tw, "Ledger:\t%d orders, %s %s net\n", e.OrderCount, e.NetRevenue().StringFixed(2), e.Currency)
	}
	return tw.Flush()
}

func (c *cli) printEntry(e *ledger.Entry) {
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  Currency:\t%s\n", e.Currency)
	fmt.Fprintf(tw, "  Total revenue:\t%s\n", e.TotalRevenue.StringFixed(2))
	fmt.Fprintf(tw, "  Total paid:\t%s\n", e.TotalPaid.StringFixed(2))
	fmt.Fprintf(tw, "  Total refunded:\t%s\n", e.TotalRefunded.StringFixed(2))
	fmt.Fprintf(tw, "  Net revenue:\t%s\n", e.NetRevenue().StringFixed(2))
	fmt.Fprintf(tw, "  Orders:\t%d\n", e.OrderCount)
	fmt.Fprintf(tw, "  Paid orders:\t%d\n", e.PaidOrderCount)
	fmt.Fprintf(tw, "  Refunded orders:\t%d\n", e.RefundedOrderCount)
	if e.LastOrderID > 0 {
		fmt.Fprintf(tw, "  Last order:\t%d\n", e.LastOrderID)
	}
	_ = tw.Flush()
}

// settleOutbox applies the events of orders just written so the ledger
// reflects them before the command exits.
func (c *cli) settleOutbox(ctx context.Context) error {
	b, err := c.relay.Drain(ctx)
	if err != nil {
		return errors.Wrap(err, "apply order events")
	}
	if b.Failed > 0 {
		c.lg.Warn("Some order events were not applied; run drain-outbox", zap.Int("failed", b.Failed))
	}
	return nil
}
