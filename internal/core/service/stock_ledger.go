package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

const (
	stockLockPrefix      = "stock-lock:"
	maxOptimisticRetries = 5
)

// StockLedger owns on-hand quantity and unit price per product.
// Quantity writes are version checked, so no single adjustment can drive
// stock below zero even without a lock. Lock only narrows the
// check-then-adjust window for multi-line transactions.
type StockLedger struct {
	products port.ProductRepository
	locker   port.Locker
}

func NewStockLedger(products port.ProductRepository, locker port.Locker) *StockLedger {
	return &StockLedger{products: products, locker: locker}
}

// Lock acquires the per-product locks for productIDs.
func (l *StockLedger) Lock(ctx context.Context, productIDs ...string) (func(), error) {
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, stockLockPrefix+id)
	}
	unlock, err := l.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	return unlock, nil
}

func (l *StockLedger) CheckStock(ctx context.Context, productID string, quantity int) error {
	p, err := l.product(ctx, productID)
	if err != nil {
		return err
	}
	if p.Quantity < quantity {
		return domain.InsufficientStock("insufficient stock for product %s: requested %d, available %d",
			productID, quantity, p.Quantity)
	}
	return nil
}

// AdjustStock applies delta and returns the new quantity.
func (l *StockLedger) AdjustStock(ctx context.Context, productID string, delta int) (int, error) {
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		p, err := l.product(ctx, productID)
		if err != nil {
			return 0, err
		}

		newQuantity := p.Quantity + delta
		if newQuantity < 0 {
			return 0, domain.InvalidOperation("adjustment of %d would make stock of product %s negative (current %d)",
				delta, productID, p.Quantity)
		}

		err = l.products.UpdateProductQuantity(ctx, productID, newQuantity, p.Version)
		if errors.Is(err, port.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("update product %s: %w", productID, err)
		}
		return newQuantity, nil
	}

	return 0, domain.Conflict("product %s is being updated concurrently, gave up after %d attempts",
		productID, maxOptimisticRetries)
}

func (l *StockLedger) GetPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	p, err := l.product(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.UnitPrice, nil
}

func (l *StockLedger) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return l.product(ctx, productID)
}

func (l *StockLedger) product(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := l.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}
	if p == nil {
		return nil, domain.NotFound("product %s not found", productID)
	}
	return p, nil
}
