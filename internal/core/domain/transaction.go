package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCommitted TransactionStatus = "COMMITTED"
	TransactionStatusRejected  TransactionStatus = "REJECTED"
	TransactionStatusVoided    TransactionStatus = "VOIDED"
)

type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

type Transaction struct {
	ID            string
	UserID        string
	Items         []LineItem
	PaymentMethod string
	Status        TransactionStatus
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidateLineItems rejects empty orders, blank product ids and
// non-positive quantities.
func ValidateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return InvalidArgument("transaction must contain at least one line item")
	}
	for i, item := range items {
		if item.ProductID == "" {
			return InvalidArgument("line %d: product id is required", i+1)
		}
		if item.Quantity <= 0 {
			return InvalidArgument("line %d: quantity must be positive, got %d", i+1, item.Quantity)
		}
	}
	return nil
}

// Quantities sums requested quantities per product.
func Quantities(items []LineItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, item := range items {
		out[item.ProductID] += item.Quantity
	}
	return out
}

// ProductIDs returns the distinct product ids in line order.
func ProductIDs(items []LineItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

// ReversalWarning records a line that could not be restocked while voiding.
type ReversalWarning struct {
	ProductID string
	Quantity  int
	Reason    string
}

type VoidResult struct {
	Transaction Transaction
	Warnings    []ReversalWarning
}

// Partial reports whether some lines were not restocked.
func (r VoidResult) Partial() bool {
	return len(r.Warnings) > 0
}
