package ledger_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/storage/memory"
)

// --- Helpers ---

type fixture struct {
	store     *memory.Store
	writer    *order.Writer
	mutator   *ledger.Mutator
	rebuilder *ledger.Rebuilder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	s.AddPurchasable(catalog.Purchasable{ID: 1, ProductID: 1, SKU: "MAT", BasePrice: dec("499.00")})
	return &fixture{
		store: s,
		writer: order.NewWriter(s, s, order.Defaults{
			StoreID: 1, GatewayID: 1, CustomerID: 1, OrderStatusID: 1, SiteID: 1, Currency: "EUR",
		}, zap.NewNop(), tracenoop.NewTracerProvider()),
		mutator:   newMutator(t, s, ledger.FloorNone),
		rebuilder: ledger.NewRebuilder(s, zap.NewNop(), "EUR"),
	}
}

func (f *fixture) createOrder(t *testing.T, storeID int64, currency, price string, qty int) *order.Result {
	t.Helper()
	res, err := f.writer.CreatePaidOrder(context.Background(), order.Config{
		StoreID:  storeID,
		Email:    "buyer@example.com",
		Currency: currency,
		Items:    []order.LineItemSpec{{PurchasableID: 1, Quantity: qty, UnitPrice: dec(price)}},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) refund(t *testing.T, orderID int64, amount string, status order.TransactionStatus) string {
	t.Helper()
	hash := uuid.NewString()
	require.NoError(t, f.store.RecordTransaction(order.Transaction{
		UID:     uuid.New(),
		OrderID: orderID,
		Hash:    hash,
		Type:    order.TransactionRefund,
		Status:  status,
		Amount:  dec(amount),
	}))
	return hash
}

// --- Tests ---

func TestRebuild_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.createOrder(t, 1, "EUR", "499.00", 2)

	e, err := f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("998.00").Equal(e.TotalRevenue))
	assert.True(t, dec("998.00").Equal(e.TotalPaid))
	assert.Equal(t, int64(1), e.OrderCount)
	assert.Equal(t, int64(1), e.PaidOrderCount)
	assert.Equal(t, "EUR", e.Currency)
	assert.Equal(t, res.OrderID, e.LastOrderID)

	stored, err := f.mutator.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, e.TotalRevenue.Equal(stored.TotalRevenue))
}

func TestRebuild_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createOrder(t, 1, "EUR", "10", 1)
	f.createOrder(t, 1, "EUR", "20", 2)

	first, err := f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	second, err := f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)

	assert.True(t, first.TotalRevenue.Equal(second.TotalRevenue))
	assert.True(t, first.TotalPaid.Equal(second.TotalPaid))
	assert.Equal(t, first.OrderCount, second.OrderCount)
	assert.Equal(t, first.PaidOrderCount, second.PaidOrderCount)
	assert.Equal(t, first.RefundedOrderCount, second.RefundedOrderCount)
	assert.Equal(t, first.Currency, second.Currency)
}

func TestRebuild_ExcludesSoftDeletedAndOtherStores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keep := f.createOrder(t, 1, "EUR", "10", 1)
	gone := f.createOrder(t, 1, "EUR", "30", 1)
	f.createOrder(t, 2, "EUR", "1000", 1)
	f.refund(t, gone.OrderID, "5", order.TransactionSuccess)
	require.NoError(t, f.store.SoftDeleteOrder(gone.OrderID))

	e, err := f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(e.TotalRevenue))
	assert.Equal(t, int64(1), e.OrderCount)
	assert.True(t, e.TotalRefunded.IsZero())
	assert.Equal(t, keep.OrderID, e.LastOrderID)

	require.NoError(t, f.store.RestoreOrder(gone.OrderID))
	e, err = f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(e.TotalRevenue))
	assert.True(t, dec("5").Equal(e.TotalRefunded))
}

func TestRebuild_CountsOnlySuccessfulRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := f.createOrder(t, 1, "EUR", "100", 1)
	f.refund(t, res.OrderID, "10", order.TransactionSuccess)
	f.refund(t, res.OrderID, "15", order.TransactionSuccess)
	f.refund(t, res.OrderID, "99", order.TransactionFailed)

	e, err := f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("25").Equal(e.TotalRefunded))
	assert.Equal(t, int64(2), e.RefundedOrderCount)
	assert.True(t, dec("75").Equal(e.NetRevenue()))
}

func TestRebuild_Currency(t *testing.T) {
	tests := []struct {
		name       string
		currencies []string
		want       string
	}{
		{"no orders falls back", nil, "EUR"},
		{"mode wins", []string{"USD", "GBP", "USD"}, "USD"},
		{"tie broken by code", []string{"USD", "GBP"}, "GBP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, c := range tt.currencies {
				f.createOrder(t, 1, c, "1", 1)
			}
			e, err := f.rebuilder.Rebuild(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Currency)
		})
	}
}

func TestRebuild_MatchesDeltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hooks := ledger.NewHooks(f.mutator, zap.NewNop())

	for _, price := range []string{"12.34", "56.78", "0.99"} {
		res := f.createOrder(t, 1, "EUR", price, 1)
		require.NoError(t, hooks.OnOrderCompleted(ctx, ledger.OrderEvent{
			OrderID: res.OrderID, StoreID: 1, Total: res.Total, TotalPaid: res.Total, Currency: "EUR", IsCompleted: true,
		}))
	}

	checked, err := f.rebuilder.Check(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), checked.OrderCount)
}

func TestCheck_Drift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createOrder(t, 1, "EUR", "10", 1)
	require.NoError(t, f.mutator.AddOrder(ctx, ledger.OrderDelta{StoreID: 1, Total: dec("3"), Paid: dec("3")}))

	_, err := f.rebuilder.Check(ctx, 1)
	require.ErrorIs(t, err, ledger.ErrInconsistent)
	var drift *ledger.DriftError
	require.True(t, errors.As(err, &drift))
	assert.Contains(t, drift.Fields, "total_revenue")

	_, err = f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)
	_, err = f.rebuilder.Check(ctx, 1)
	require.NoError(t, err)
}

func TestReport_DoesNotPersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createOrder(t, 1, "EUR", "10", 1)

	e, err := f.rebuilder.Report(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.OrderCount)

	_, err = f.mutator.Get(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrNoEntry)
}

func TestRebuild_LateEventsAreDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hooks := ledger.NewHooks(f.mutator, zap.NewNop())

	res := f.createOrder(t, 1, "EUR", "100.00", 1)
	hash := f.refund(t, res.OrderID, "30.00", order.TransactionSuccess)

	_, err := f.rebuilder.Rebuild(ctx, 1)
	require.NoError(t, err)

	// Events queued before the rebuild arrive afterwards.
	require.NoError(t, hooks.OnOrderCompleted(ctx, ledger.OrderEvent{
		OrderID: res.OrderID, StoreID: 1, Total: res.Total, TotalPaid: res.Total, Currency: "EUR", IsCompleted: true,
	}))
	require.NoError(t, hooks.OnRefundSucceeded(ctx, ledger.TransactionEvent{
		Hash: hash, OrderID: res.OrderID, StoreID: 1, Type: "refund", Status: "success", Amount: dec("30.00"),
	}))

	checked, err := f.rebuilder.Check(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), checked.OrderCount)
	assert.True(t, dec("30").Equal(checked.TotalRefunded))

	// Orders created after the rebuild still count.
	later := f.createOrder(t, 1, "EUR", "10.00", 1)
	require.NoError(t, hooks.OnOrderCompleted(ctx, ledger.OrderEvent{
		OrderID: later.OrderID, StoreID: 1, Total: later.Total, TotalPaid: later.Total, Currency: "EUR", IsCompleted: true,
	}))
	checked, err = f.rebuilder.Check(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), checked.OrderCount)
}
