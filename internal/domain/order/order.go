package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/revenue-ledger/internal/outbox"
)

// PaidStatus describes how much of an order total has been settled.
type PaidStatus string

const (
	PaidStatusUnpaid  PaidStatus = "unpaid"
	PaidStatusPartial PaidStatus = "partial"
	PaidStatusPaid    PaidStatus = "paid"
)

// TransactionType is the kind of money movement recorded against an order.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionRefund   TransactionType = "refund"
)

// TransactionStatus is the gateway outcome of a transaction.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Order is the persisted order record. ID is assigned by the header insert.
type Order struct {
	ID            int64
	UID           uuid.UUID
	Number        string
	Reference     string
	StoreID       int64
	GatewayID     int64
	CustomerID    int64
	OrderStatusID int64
	SiteID        int64
	Email         string
	Currency      string
	IsCompleted   bool
	PaidStatus    PaidStatus
	ItemTotal     decimal.Decimal
	ItemSubtotal  decimal.Decimal
	Total         decimal.Decimal
	TotalPaid     decimal.Decimal
	TotalTax      decimal.Decimal
	TotalDiscount decimal.Decimal
	TotalShipping decimal.Decimal
	TotalQty      int
	DateOrdered   time.Time
	DatePaid      time.Time
	DateFirstPaid time.Time
	DeletedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Title is the per-site display title of an order header.
type Title struct {
	OrderID   int64
	SiteID    int64
	Title     string
	UID       uuid.UUID
	CreatedAt time.Time
}

// LineItem is a single purchased purchasable within an order.
type LineItem struct {
	ID            int64
	UID           uuid.UUID
	OrderID       int64
	PurchasableID int64
	Description   string
	SKU           string
	Price         decimal.Decimal
	SalePrice     decimal.Decimal
	Qty           int
	Subtotal      decimal.Decimal
	Total         decimal.Decimal
	Snapshot      Snapshot
	CreatedAt     time.Time
}

// Snapshot freezes the purchasable as it was sold.
type Snapshot struct {
	ProductID   int64
	SKU         string
	Description string
	Price       decimal.Decimal
}

// Transaction is an immutable record of a money movement.
type Transaction struct {
	ID            int64
	UID           uuid.UUID
	OrderID       int64
	GatewayID     int64
	Hash          string
	Type          TransactionType
	Status        TransactionStatus
	Amount        decimal.Decimal
	PaymentAmount decimal.Decimal
	Currency      string
	Reference     string
	Code          string
	Message       string
	CreatedAt     time.Time
}

// Tx is the set of writes available inside one atomic unit. Inserts that
// allocate identifiers set them on the passed record.
type Tx interface {
	InsertHeader(ctx context.Context, o *Order) error
	InsertTitle(ctx context.Context, t *Title) error
	InsertOrder(ctx context.Context, o *Order) error
	InsertLineItem(ctx context.Context, li *LineItem) error
	InsertTransaction(ctx context.Context, t *Transaction) error
	Enqueue(ctx context.Context, e outbox.Event) error
}

// Transactor runs fn as one atomic unit. Every write made through tx is
// discarded when fn returns an error.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Summary is a row of the order listing.
type Summary struct {
	ID          int64
	Reference   string
	Email       string
	Currency    string
	Total       decimal.Decimal
	TotalPaid   decimal.Decimal
	PaidStatus  PaidStatus
	DateOrdered time.Time
}

// Reader lists completed, non-deleted orders, newest first.
type Reader interface {
	ListCompleted(ctx context.Context, limit int) ([]Summary, error)
}
