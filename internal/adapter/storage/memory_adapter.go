package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

// MemoryAdapter keeps products, transactions and idempotency keys in
// process memory. It backs STORE_DRIVER=memory and the service tests.
type MemoryAdapter struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	transactions map[string]domain.Transaction
	idempotency  map[string]time.Time
	ttl          time.Duration
	sweepEvery   time.Duration
	nextSweep    time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products:     make(map[string]domain.Product),
		transactions: make(map[string]domain.Transaction),
		idempotency:  make(map[string]time.Time),
		ttl:          idempotencyKeyTTL,
		sweepEvery:   time.Minute,
	}
}

func (m *MemoryAdapter) CreateProduct(ctx context.Context, product domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[product.ID]; ok {
		return fmt.Errorf("insert product: duplicate id %s", product.ID)
	}
	m.products[product.ID] = product
	return nil
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryAdapter) UpdateProductQuantity(ctx context.Context, productID string, quantity, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok || p.Version != version {
		return port.ErrOptimisticLock
	}
	if quantity < 0 {
		return fmt.Errorf("update product: quantity %d violates non-negative constraint", quantity)
	}
	p.Quantity = quantity
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	m.products[productID] = p
	return nil
}

// DeleteProduct removes a product from the catalog.
func (m *MemoryAdapter) DeleteProduct(ctx context.Context, productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, productID)
}

func (m *MemoryAdapter) SaveTransaction(ctx context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return fmt.Errorf("insert transaction: duplicate id %s", tx.ID)
	}
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (m *MemoryAdapter) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, nil
	}
	tx = cloneTransaction(tx)
	return &tx, nil
}

func (m *MemoryAdapter) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, cloneTransaction(tx))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) UpdateTransaction(ctx context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; !ok {
		return fmt.Errorf("update transaction: %s does not exist", tx.ID)
	}
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (m *MemoryAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.sweepIdempotency(now)

	if expires, ok := m.idempotency[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.idempotency[key] = now.Add(m.ttl)
	return true, nil
}

// sweepIdempotency drops expired keys, at most once per sweepEvery.
// Callers hold m.mu.
func (m *MemoryAdapter) sweepIdempotency(now time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	for key, expires := range m.idempotency {
		if !now.Before(expires) {
			delete(m.idempotency, key)
		}
	}
	m.nextSweep = now.Add(m.sweepEvery)
}

func (m *MemoryAdapter) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

func cloneTransaction(tx domain.Transaction) domain.Transaction {
	items := make([]domain.LineItem, len(tx.Items))
	copy(items, tx.Items)
	tx.Items = items
	return tx
}
