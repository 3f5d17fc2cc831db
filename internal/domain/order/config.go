package order

import (
	"strings"

	"github.com/shopspring/decimal"
)

// LineItemSpec is a requested line of a paid order.
type LineItemSpec struct {
	PurchasableID int64
	Quantity      int
	UnitPrice     decimal.Decimal
	SKU           string
	Description   string
}

// Config describes a paid order to create.
type Config struct {
	StoreID       int64
	GatewayID     int64
	CustomerID    int64
	OrderStatusID int64
	SiteID        int64
	Email         string
	Currency      string
	Items         []LineItemSpec
}

// Validate checks c without touching storage.
func (c Config) Validate() error {
	if c.StoreID <= 0 {
		return &InvalidFieldError{Field: "store_id", Reason: "must be positive"}
	}
	if strings.TrimSpace(c.Email) == "" {
		return &InvalidFieldError{Field: "email", Reason: "required"}
	}
	if !validCurrency(c.Currency) {
		return &InvalidFieldError{Field: "currency", Reason: "must be a 3-letter code"}
	}
	if len(c.Items) == 0 {
		return ErrEmptyItems
	}
	for _, item := range c.Items {
		if item.Quantity < 1 {
			return &InvalidQuantityError{PurchasableID: item.PurchasableID, Quantity: item.Quantity}
		}
		if item.UnitPrice.IsNegative() {
			return &InvalidPriceError{PurchasableID: item.PurchasableID, Price: item.UnitPrice.String()}
		}
	}
	return nil
}

func validCurrency(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// Defaults fill the fields a caller may leave zero.
type Defaults struct {
	StoreID       int64
	GatewayID     int64
	CustomerID    int64
	OrderStatusID int64
	SiteID        int64
	Currency      string
}

func (d Defaults) apply(c Config) Config {
	if c.StoreID == 0 {
		c.StoreID = d.StoreID
	}
	if c.GatewayID == 0 {
		c.GatewayID = d.GatewayID
	}
	if c.CustomerID == 0 {
		c.CustomerID = d.CustomerID
	}
	if c.OrderStatusID == 0 {
		c.OrderStatusID = d.OrderStatusID
	}
	if c.SiteID == 0 {
		c.SiteID = d.SiteID
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	c.Currency = strings.ToUpper(c.Currency)
	return c
}

// VariantOrder is a single-line paid order priced from the catalog.
type VariantOrder struct {
	StoreID       int64
	CustomerID    int64
	Email         string
	Currency      string
	PurchasableID int64
	Qty           int
}
