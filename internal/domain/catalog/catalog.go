package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested purchasable does not exist.
var ErrNotFound = errors.New("purchasable not found")

// Purchasable is a sellable variant of a product.
type Purchasable struct {
	ID          int64
	ProductID   int64
	SKU         string
	Description string
	BasePrice   decimal.Decimal
}

// Repository defines read operations for the purchasable catalog.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Purchasable, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Purchasable, error)
}
