package port

import (
	"context"
	"errors"

	"github.com/rl1809/pos-ledger/internal/core/domain"
)

// ErrOptimisticLock is returned when a versioned update lost the race.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

type ProductRepository interface {
	// CreateProduct inserts a new product at version 0
	CreateProduct(ctx context.Context, product domain.Product) error

	// GetProduct retrieves a product by ID, returns nil when it does not exist
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// UpdateProductQuantity sets quantity with version check for optimistic locking
	UpdateProductQuantity(ctx context.Context, productID string, quantity, version int) error
}

type TransactionRepository interface {
	// SaveTransaction persists a new transaction with its line items
	SaveTransaction(ctx context.Context, tx domain.Transaction) error

	// GetTransaction retrieves a transaction by ID, returns nil when it does not exist
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	// ListTransactions returns every transaction, newest first
	ListTransactions(ctx context.Context) ([]domain.Transaction, error)

	// UpdateTransaction replaces status, totals and line items of an existing transaction
	UpdateTransaction(ctx context.Context, tx domain.Transaction) error
}

type DatabaseRepository interface {
	ProductRepository
	TransactionRepository
}
