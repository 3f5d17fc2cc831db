package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/domain/user"
	"github.com/xenking/revenue-ledger/internal/queue"
	"github.com/xenking/revenue-ledger/internal/storage/memory"
)

// --- Mock implementations ---

type mockBulk struct {
	mu     sync.Mutex
	queued []order.VariantOrder
	err    error
}

func (m *mockBulk) Enqueue(_ context.Context, v order.VariantOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.queued = append(m.queued, v)
	return nil
}

func (m *mockBulk) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockBulk) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// --- Helpers ---

type testServer struct {
	store *memory.Store
	bulk  *mockBulk
	h     *Handler
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := memory.New()
	s.AddPurchasable(catalog.Purchasable{ID: 1, ProductID: 1, SKU: "MAT", Description: "Yoga mat", BasePrice: decimal.RequireFromString("499.00")})
	s.AddUser(user.User{Username: "alice", Email: "alice@example.com", Status: user.StatusActive})

	mut, err := ledger.NewMutator(s, zap.NewNop(), metricnoop.NewMeterProvider(), ledger.MutatorOptions{})
	require.NoError(t, err)

	bulk := &mockBulk{}
	deps := Deps{
		Orders: order.NewWriter(s, s, order.Defaults{
			StoreID: 1, GatewayID: 1, CustomerID: 1, OrderStatusID: 1, SiteID: 1, Currency: "EUR",
		}, zap.NewNop(), tracenoop.NewTracerProvider()),
		OrderList: s,
		Users:     s.Users(),
		Ledger:    s,
		Rebuilder: ledger.NewRebuilder(s, zap.NewNop(), "EUR"),
		Bridge:    ledger.NewHooks(mut, zap.NewNop()),
		Bulk:      bulk,
	}
	h := New(Config{MaxBulk: 50}, deps)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{store: s, bulk: bulk, h: h, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func field(t *testing.T, data []byte, name string) string {
	t.Helper()
	var out string
	require.NoError(t, jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != name {
			return d.Skip()
		}
		raw, err := d.Raw()
		if err != nil {
			return err
		}
		out = strings.Trim(raw.String(), `"`)
		return nil
	}))
	return out
}

// --- Tests ---

func TestCreateOrder_Priced(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/orders",
		`{"email":"buyer@example.com","items":[{"purchasable_id":1,"quantity":2,"unit_price":"499.00"}]}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	assert.Equal(t, "998.00", field(t, body, "total"))
	assert.Equal(t, "EUR", field(t, body, "currency"))
	assert.Len(t, field(t, body, "number"), 32)
	assert.Len(t, field(t, body, "reference"), 7)
	assert.True(t, strings.HasPrefix(field(t, body, "transaction_reference"), "CLI-"))
	assert.Len(t, ts.store.Orders(), 1)
}

func TestCreateOrder_Variant(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/orders", `{"email":"buyer@example.com","purchasable_id":1,"qty":3}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Equal(t, "1497.00", field(t, body, "total"))
}

func TestCreateOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{"email":`, http.StatusBadRequest},
		{"missing price", `{"email":"a@b.c","items":[{"purchasable_id":1,"quantity":1}]}`, http.StatusBadRequest},
		{"zero quantity", `{"email":"a@b.c","items":[{"purchasable_id":1,"quantity":0,"unit_price":"1"}]}`, http.StatusBadRequest},
		{"empty items", `{"email":"a@b.c","items":[]}`, http.StatusBadRequest},
		{"unknown purchasable", `{"email":"a@b.c","items":[{"purchasable_id":9,"quantity":1,"unit_price":"1"}]}`, http.StatusUnprocessableEntity},
		{"unknown variant", `{"email":"a@b.c","purchasable_id":9,"qty":1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			status, body := ts.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, tt.status, status, string(body))
			assert.Empty(t, ts.store.Orders())
		})
	}
}

func TestBulkOrders(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodPost, "/api/orders/bulk", `{"email":"a@b.c","purchasable_id":1,"qty":1,"count":5}`)
	require.Equal(t, http.StatusAccepted, status, string(body))
	assert.Equal(t, "5", field(t, body, "queued"))
	assert.Equal(t, 5, ts.bulk.len())

	status, _ = ts.do(t, http.MethodPost, "/api/orders/bulk", `{"email":"a@b.c","purchasable_id":1,"qty":1,"count":51}`)
	assert.Equal(t, http.StatusBadRequest, status)

	ts.bulk.fail(queue.ErrClosed)
	status, _ = ts.do(t, http.MethodPost, "/api/orders/bulk", `{"email":"a@b.c","purchasable_id":1,"qty":1,"count":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestListOrdersAndUsers(t *testing.T) {
	ts := newTestServer(t)
	for range 3 {
		status, _ := ts.do(t, http.MethodPost, "/api/orders", `{"email":"a@b.c","purchasable_id":1,"qty":1}`)
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := ts.do(t, http.MethodGet, "/api/orders?limit=2", "")
	require.Equal(t, http.StatusOK, status)
	var count int
	require.NoError(t, jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, _ []byte) error {
		return d.Arr(func(d *jx.Decoder) error {
			count++
			return d.Skip()
		})
	}))
	assert.Equal(t, 2, count)

	status, _ = ts.do(t, http.MethodGet, "/api/orders?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"alice"`)
}

func TestRevenue_NotInitialized(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/stores/1/revenue", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, noRevenueMessage, field(t, body, "message"))

	status, _ = ts.do(t, http.MethodGet, "/api/stores/abc/revenue", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRevenue_RebuildAndReport(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, http.MethodPost, "/api/orders", `{"email":"a@b.c","purchasable_id":1,"qty":2}`)
	require.Equal(t, http.StatusCreated, status)

	status, body := ts.do(t, http.MethodGet, "/api/stores/1/revenue/report", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "998.00", field(t, body, "total_revenue"))

	// Report does not persist.
	status, _ = ts.do(t, http.MethodGet, "/api/stores/1/revenue", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = ts.do(t, http.MethodPost, "/api/stores/1/revenue/rebuild", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "998.00", field(t, body, "total_paid"))

	status, body = ts.do(t, http.MethodGet, "/api/stores/1/revenue", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "998.00", field(t, body, "net_revenue"))
	assert.Equal(t, "1", field(t, body, "order_count"))
	assert.Equal(t, "EUR", field(t, body, "currency"))
}

func TestEvents_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	completed := `{"order_id":7,"store_id":1,"total":"100.00","total_paid":"100.00","currency":"EUR","is_completed":true}`

	for range 2 {
		status, body := ts.do(t, http.MethodPost, "/api/events/order-completed", completed)
		require.Equal(t, http.StatusNoContent, status, string(body))
	}

	status, _ := ts.do(t, http.MethodPost, "/api/events/refund-succeeded",
		`{"hash":"h1","order_id":7,"store_id":1,"type":"refund","status":"success","amount":30}`)
	require.Equal(t, http.StatusNoContent, status)

	_, body := ts.do(t, http.MethodGet, "/api/stores/1/revenue", "")
	assert.Equal(t, "100.00", field(t, body, "total_revenue"))
	assert.Equal(t, "70.00", field(t, body, "total_paid"))
	assert.Equal(t, "30.00", field(t, body, "total_refunded"))
	assert.Equal(t, "1", field(t, body, "order_count"))

	second := `{"order_id":8,"store_id":1,"total":"50.00","total_paid":"50.00","currency":"EUR","is_completed":true}`
	status, _ = ts.do(t, http.MethodPost, "/api/events/order-completed", second)
	require.Equal(t, http.StatusNoContent, status)

	deleted := `{"event_id":"d1","order_id":8,"store_id":1,"total":"50.00","total_paid":"50.00","currency":"EUR","is_completed":true}`
	for range 2 {
		status, _ = ts.do(t, http.MethodPost, "/api/events/order-deleted", deleted)
		require.Equal(t, http.StatusNoContent, status)
	}

	_, body = ts.do(t, http.MethodGet, "/api/stores/1/revenue", "")
	assert.Equal(t, "100.00", field(t, body, "total_revenue"))
	assert.Equal(t, "70.00", field(t, body, "total_paid"))
	assert.Equal(t, "1", field(t, body, "order_count"))

	status, _ = ts.do(t, http.MethodPost, "/api/events/order-completed", `{"order_id":`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEvents_RequireOrderID(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/events/order-completed",
		"/api/events/order-deleted",
		"/api/events/order-restored",
	} {
		status, body := ts.do(t, http.MethodPost, path,
			`{"event_id":"e1","store_id":1,"total":"10.00","total_paid":"10.00","currency":"EUR","is_completed":true}`)
		assert.Equal(t, http.StatusBadRequest, status, path)
		assert.Contains(t, field(t, body, "message"), "order id", path)
	}

	status, _ := ts.do(t, http.MethodPost, "/api/events/refund-succeeded",
		`{"hash":"h1","store_id":1,"type":"refund","status":"success","amount":"5"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodGet, "/api/stores/1/revenue", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWriteError_Conflict(t *testing.T) {
	err := &order.WriteError{Cause: errors.Wrap(order.ErrConflict, `duplicate key value violates unique constraint "orders_number_key"`)}

	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodPost, "/api/orders", nil), err)

	assert.Equal(t, http.StatusConflict, rec.Code)
	msg := field(t, rec.Body.Bytes(), "message")
	assert.Equal(t, "order conflicts with an existing record", msg)
	assert.NotContains(t, msg, "orders_number_key")
}
