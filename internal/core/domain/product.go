package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields a new product must carry.
func (p Product) Validate() error {
	if p.ID == "" {
		return InvalidArgument("product id is required")
	}
	if p.Quantity < 0 {
		return InvalidArgument("product %s: quantity must not be negative", p.ID)
	}
	if p.UnitPrice.IsNegative() {
		return InvalidArgument("product %s: unit price must not be negative", p.ID)
	}
	return nil
}
