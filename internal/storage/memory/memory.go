// Package memory is an in-process implementation of the storage
// interfaces. Transactions are serialized behind one mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
	"github.com/xenking/revenue-ledger/internal/domain/ledger"
	"github.com/xenking/revenue-ledger/internal/domain/order"
	"github.com/xenking/revenue-ledger/internal/domain/user"
	"github.com/xenking/revenue-ledger/internal/outbox"
)

// ErrConflict mirrors a unique constraint violation.
var ErrConflict = order.ErrConflict

var (
	_ catalog.Repository = (*Store)(nil)
	_ order.Transactor   = (*Store)(nil)
	_ order.Reader       = (*Store)(nil)
	_ ledger.Store       = (*Store)(nil)
	_ outbox.Store       = (*Store)(nil)
	_ user.Repository    = (*Users)(nil)
)

type header struct {
	id        int64
	deletedAt *time.Time
}

type outboxRow struct {
	event      outbox.Event
	dispatched bool
	failed     bool
	claimed    bool
	lastError  string
}

// Store holds every table in memory.
type Store struct {
	mu sync.Mutex

	purchasables map[int64]catalog.Purchasable
	users        []user.User

	headers      map[int64]*header
	titles       []order.Title
	orders       map[int64]order.Order
	lineItems    []order.LineItem
	transactions []order.Transaction

	entries map[int64]ledger.Entry
	applied map[string]struct{}

	outbox    []*outboxRow
	outboxMax int

	seq int64
	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		purchasables: map[int64]catalog.Purchasable{},
		headers:      map[int64]*header{},
		orders:       map[int64]order.Order{},
		entries:      map[int64]ledger.Entry{},
		applied:      map[string]struct{}{},
		now:          time.Now,
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// AddPurchasable inserts or replaces a catalog entry.
func (s *Store) AddPurchasable(p catalog.Purchasable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchasables[p.ID] = p
}

// AddUser appends a user and returns its id.
func (s *Store) AddUser(u user.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.nextID()
	s.users = append(s.users, u)
	return u.ID
}

// GetByID returns a purchasable or catalog.ErrNotFound.
func (s *Store) GetByID(_ context.Context, id int64) (*catalog.Purchasable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchasables[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

// GetByIDs returns the purchasables that exist among ids.
func (s *Store) GetByIDs(_ context.Context, ids []int64) ([]catalog.Purchasable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Purchasable, 0, len(ids))
	seen := map[int64]bool{}
	for _, id := range ids {
		if p, ok := s.purchasables[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Users returns a user.Repository view of the store.
func (s *Store) Users() *Users {
	return &Users{s: s}
}

// Users implements user.Repository.
type Users struct {
	s *Store
}

// List returns users in insertion order.
func (u *Users) List(_ context.Context, limit int) ([]user.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	out := append([]user.User(nil), u.s.users...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListCompleted implements order.Reader.
func (s *Store) ListCompleted(_ context.Context, limit int) ([]order.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Summary
	for id, o := range s.orders {
		if !o.IsCompleted || s.headers[id].deletedAt != nil {
			continue
		}
		out = append(out, order.Summary{
			ID:          o.ID,
			Reference:   o.Reference,
			Email:       o.Email,
			Currency:    o.Currency,
			Total:       o.Total,
			TotalPaid:   o.TotalPaid,
			PaidStatus:  o.PaidStatus,
			DateOrdered: o.DateOrdered,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateOrdered.Equal(out[j].DateOrdered) {
			return out[i].DateOrdered.After(out[j].DateOrdered)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Orders returns a copy of all stored orders ordered by id.
func (s *Store) Orders() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LineItems returns a copy of all stored line items.
func (s *Store) LineItems() []order.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.LineItem(nil), s.lineItems...)
}

// Transactions returns a copy of all stored transactions.
func (s *Store) Transactions() []order.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Transaction(nil), s.transactions...)
}

// Titles returns a copy of all stored order titles.
func (s *Store) Titles() []order.Title {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Title(nil), s.titles...)
}

// Headers returns the number of order headers.
func (s *Store) Headers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

// SoftDeleteOrder marks an order header deleted.
func (s *Store) SoftDeleteOrder(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[id]
	if !ok {
		return errors.Errorf("order %d not found", id)
	}
	now := s.now()
	h.deletedAt = &now
	return nil
}

// RestoreOrder clears the deleted marker of an order header.
func (s *Store) RestoreOrder(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[id]
	if !ok {
		return errors.Errorf("order %d not found", id)
	}
	h.deletedAt = nil
	return nil
}

// RecordTransaction appends a transaction outside of order creation, as a
// gateway callback would.
func (s *Store) RecordTransaction(t order.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[t.OrderID]; !ok {
		return errors.Errorf("order %d not found", t.OrderID)
	}
	for _, existing := range s.transactions {
		if existing.Hash == t.Hash {
			return errors.Wrapf(ErrConflict, "transaction hash %q", t.Hash)
		}
	}
	t.ID = s.nextID()
	s.transactions = append(s.transactions, t)
	return nil
}

// InTx implements order.Transactor. Writes are staged and become visible
// only when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, h := range tx.headers {
		s.headers[h.id] = h
	}
	s.titles = append(s.titles, tx.titles...)
	for _, o := range tx.orders {
		s.orders[o.ID] = o
	}
	s.lineItems = append(s.lineItems, tx.lineItems...)
	s.transactions = append(s.transactions, tx.transactions...)
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

type memTx struct {
	s *Store

	headers      []*header
	titles       []order.Title
	orders       []order.Order
	lineItems    []order.LineItem
	transactions []order.Transaction
	outbox       []*outboxRow
}

func (t *memTx) InsertHeader(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.ID = t.s.nextID()
	t.headers = append(t.headers, &header{id: o.ID})
	return nil
}

func (t *memTx) InsertTitle(ctx context.Context, title *order.Title) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.titles = append(t.titles, *title)
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, existing := range t.s.orders {
		if existing.Number == o.Number {
			return errors.Wrapf(ErrConflict, "order number %q", o.Number)
		}
	}
	t.orders = append(t.orders, *o)
	return nil
}

func (t *memTx) InsertLineItem(ctx context.Context, li *order.LineItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	li.ID = t.s.nextID()
	t.lineItems = append(t.lineItems, *li)
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *order.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, list := range [][]order.Transaction{t.s.transactions, t.transactions} {
		for _, existing := range list {
			if existing.Hash == tr.Hash {
				return errors.Wrapf(ErrConflict, "transaction hash %q", tr.Hash)
			}
		}
	}
	tr.ID = t.s.nextID()
	t.transactions = append(t.transactions, *tr)
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, e outbox.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, row := range t.s.outbox {
		if row.event.Key == e.Key {
			return errors.Wrapf(ErrConflict, "outbox key %q", e.Key)
		}
	}
	e.ID = t.s.nextID()
	t.outbox = append(t.outbox, &outboxRow{event: e})
	return nil
}

// Get implements ledger.Reader.
func (s *Store) Get(_ context.Context, storeID int64) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[storeID]
	if !ok {
		return nil, ledger.ErrNoEntry
	}
	return &e, nil
}

// Ensure implements ledger.Store.
func (s *Store) Ensure(_ context.Context, storeID int64, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(storeID, currency)
	return nil
}

func (s *Store) ensureLocked(storeID int64, currency string) {
	if _, ok := s.entries[storeID]; ok {
		return
	}
	now := s.now().UTC()
	s.entries[storeID] = ledger.Entry{
		StoreID:       storeID,
		TotalRevenue:  decimal.Zero,
		TotalPaid:     decimal.Zero,
		TotalRefunded: decimal.Zero,
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply implements ledger.Store.
func (s *Store) Apply(ctx context.Context, d ledger.Delta, floor ledger.FloorPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Key != "" {
		if _, ok := s.applied[d.Key]; ok {
			return ledger.ErrDuplicateDelta
		}
	}
	s.ensureLocked(d.StoreID, d.Currency)

	e := s.entries[d.StoreID]
	e.TotalRevenue = floorDecimal(e.TotalRevenue.Add(d.Revenue), floor)
	e.TotalPaid = floorDecimal(e.TotalPaid.Add(d.Paid), floor)
	e.TotalRefunded = e.TotalRefunded.Add(d.Refunded)
	e.OrderCount = floorInt(e.OrderCount+d.Orders, floor)
	e.PaidOrderCount = floorInt(e.PaidOrderCount+d.PaidOrders, floor)
	e.RefundedOrderCount = floorInt(e.RefundedOrderCount+d.RefundedOrders, floor)
	if d.LastOrderID > 0 {
		e.LastOrderID = d.LastOrderID
	}
	e.UpdatedAt = s.now().UTC()
	s.entries[d.StoreID] = e

	if d.Key != "" {
		s.applied[d.Key] = struct{}{}
	}
	return nil
}

func floorDecimal(v decimal.Decimal, floor ledger.FloorPolicy) decimal.Decimal {
	if floor == ledger.FloorZero && v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func floorInt(v int64, floor ledger.FloorPolicy) int64 {
	if floor == ledger.FloorZero && v < 0 {
		return 0
	}
	return v
}

// ScanTotals implements ledger.Store.
func (s *Store) ScanTotals(ctx context.Context, storeID int64) (ledger.Totals, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Totals{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanLocked(storeID), nil
}

func (s *Store) scanLocked(storeID int64) ledger.Totals {
	t := ledger.Totals{
		Revenue:    decimal.Zero,
		Paid:       decimal.Zero,
		Refunded:   decimal.Zero,
		Currencies: map[string]int64{},
	}
	live := map[int64]bool{}
	for id, o := range s.orders {
		if o.StoreID != storeID || s.headers[id].deletedAt != nil {
			continue
		}
		live[id] = true
		if !o.IsCompleted {
			continue
		}
		t.Revenue = t.Revenue.Add(o.Total)
		t.Paid = t.Paid.Add(o.TotalPaid)
		t.Orders++
		if o.PaidStatus == order.PaidStatusPaid {
			t.PaidOrders++
		}
		t.Currencies[o.Currency]++
		if o.ID > t.LastOrderID {
			t.LastOrderID = o.ID
		}
	}
	for _, tr := range s.transactions {
		if !live[tr.OrderID] || tr.Type != order.TransactionRefund || tr.Status != order.TransactionSuccess {
			continue
		}
		t.Refunded = t.Refunded.Add(tr.Amount)
		t.Refunds++
	}
	return t
}

// Replace implements ledger.Store.
func (s *Store) Replace(ctx context.Context, storeID int64, build func(ledger.Totals) ledger.Entry) (*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := build(s.scanLocked(storeID))
	s.entries[storeID] = e
	s.recordCoveredLocked(storeID)
	return &e, nil
}

// recordCoveredLocked marks the keys of every order and refund a rebuild
// counted as applied.
func (s *Store) recordCoveredLocked(storeID int64) {
	live := map[int64]bool{}
	for id, o := range s.orders {
		if o.StoreID != storeID || s.headers[id].deletedAt != nil || !o.IsCompleted {
			continue
		}
		live[id] = true
		s.applied[ledger.CompletedKey(id)] = struct{}{}
	}
	for _, tr := range s.transactions {
		if !live[tr.OrderID] || tr.Type != order.TransactionRefund || tr.Status != order.TransactionSuccess {
			continue
		}
		s.applied[ledger.RefundKey(tr.Hash)] = struct{}{}
	}
}

// SetOutboxMaxAttempts sets the number of failed attempts after which an
// event is dead-lettered.
func (s *Store) SetOutboxMaxAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxMax = n
}

// Process implements outbox.Store. Claimed rows are skipped by concurrent
// callers until settled.
func (s *Store) Process(ctx context.Context, limit int, fn func(ctx context.Context, e outbox.Event) error) (outbox.Batch, error) {
	s.mu.Lock()
	var open []*outboxRow
	for _, row := range s.outbox {
		if row.dispatched || row.failed || row.claimed {
			continue
		}
		open = append(open, row)
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].event.Attempts < open[j].event.Attempts
	})
	if len(open) > limit {
		open = open[:limit]
	}
	for _, row := range open {
		row.claimed = true
	}
	maxAttempts := s.outboxMax
	if maxAttempts <= 0 {
		maxAttempts = outbox.DefaultMaxAttempts
	}
	s.mu.Unlock()

	b := outbox.Batch{Claimed: len(open)}
	for _, row := range open {
		err := fn(ctx, row.event)

		s.mu.Lock()
		row.claimed = false
		row.event.Attempts++
		if err != nil {
			row.lastError = err.Error()
			b.Failed++
			if row.event.Attempts >= maxAttempts {
				row.failed = true
				b.DeadLettered++
			}
		} else {
			row.dispatched = true
			row.lastError = ""
			b.Dispatched++
		}
		s.mu.Unlock()
	}
	return b, nil
}

// Pending implements outbox.Store.
func (s *Store) Pending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.outbox {
		if !row.dispatched && !row.failed {
			n++
		}
	}
	return n, nil
}

// OutboxEvents returns a copy of all outbox events.
func (s *Store) OutboxEvents() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Event, len(s.outbox))
	for i, row := range s.outbox {
		out[i] = row.event
	}
	return out
}
