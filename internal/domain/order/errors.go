package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/revenue-ledger/internal/domain/catalog"
)

// Error classes returned by the writer. Typed errors below match them via
// errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrWriteFailure = errors.New("write failure")
	// ErrConflict marks a write rejected by a uniqueness constraint, such
	// as a colliding order number. A retry generates fresh identifiers.
	ErrConflict = errors.New("conflicts with an existing record")
)

// ErrEmptyItems is returned when an order has no line items.
var ErrEmptyItems = fmt.Errorf("%w: items required", ErrInvalidInput)

// InvalidFieldError reports a malformed order-level field.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidFieldError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidQuantityError indicates a line item with quantity below one.
type InvalidQuantityError struct {
	PurchasableID int64
	Quantity      int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be at least 1 for purchasable %d, got %d", e.PurchasableID, e.Quantity)
}

func (e *InvalidQuantityError) Is(target error) bool { return target == ErrInvalidInput }

// InvalidPriceError indicates a line item with a negative unit price.
type InvalidPriceError struct {
	PurchasableID int64
	Price         string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("unit price must not be negative for purchasable %d, got %s", e.PurchasableID, e.Price)
}

func (e *InvalidPriceError) Is(target error) bool { return target == ErrInvalidInput }

// PurchasableNotFoundError indicates a referenced purchasable does not exist.
type PurchasableNotFoundError struct {
	PurchasableID int64
}

func (e *PurchasableNotFoundError) Error() string {
	return fmt.Sprintf("purchasable %d not found", e.PurchasableID)
}

func (e *PurchasableNotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == catalog.ErrNotFound
}

// WriteError wraps a failure of the atomic write. Nothing was persisted.
type WriteError struct {
	Cause error
}

func (e *WriteError) Error() string {
	return "write order: " + e.Cause.Error()
}

func (e *WriteError) Unwrap() error { return e.Cause }

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailure }
