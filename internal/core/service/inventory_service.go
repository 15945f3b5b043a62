package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

// InventoryService exposes catalog and manual stock operations to callers.
type InventoryService struct {
	ledger   *StockLedger
	products port.ProductRepository
	log      *zap.Logger
}

func NewInventoryService(ledger *StockLedger, products port.ProductRepository, log *zap.Logger) *InventoryService {
	return &InventoryService{ledger: ledger, products: products, log: log}
}

func (s *InventoryService) CreateProduct(ctx context.Context, principal domain.Principal, p domain.Product) (*domain.Product, error) {
	if err := Authorize(principal, domain.PermProductWrite); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.products.GetProduct(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", p.ID, err)
	}
	if existing != nil {
		return nil, domain.Conflict("product %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.Version = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.products.CreateProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("create product %s: %w", p.ID, err)
	}

	s.log.Info("product created",
		zap.String("product_id", p.ID),
		zap.String("sku", p.SKU),
		zap.Int("quantity", p.Quantity))
	return &p, nil
}

func (s *InventoryService) GetProduct(ctx context.Context, principal domain.Principal, id string) (*domain.Product, error) {
	if err := Authorize(principal, domain.PermProductRead); err != nil {
		return nil, err
	}
	return s.ledger.GetProduct(ctx, id)
}

// AdjustStock applies a manual restock (positive) or write-off (negative).
func (s *InventoryService) AdjustStock(ctx context.Context, principal domain.Principal, id string, delta int) (int, error) {
	if err := Authorize(principal, domain.PermInventoryItemWrite); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, domain.InvalidArgument("adjustment must be non-zero")
	}

	unlock, err := s.ledger.Lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	quantity, err := s.ledger.AdjustStock(ctx, id, delta)
	if err != nil {
		return 0, err
	}

	s.log.Info("stock adjusted",
		zap.String("product_id", id),
		zap.String("user_id", principal.UserID),
		zap.Int("delta", delta),
		zap.Int("quantity", quantity))
	return quantity, nil
}
