package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

const transactionLockPrefix = "transaction-lock:"

type CreateTransactionRequest struct {
	Items          []domain.LineItem
	PaymentMethod  string
	IdempotencyKey string
}

type UpdateTransactionRequest struct {
	Items         []domain.LineItem
	PaymentMethod string
}

// TransactionService runs point-of-sale transactions against the stock ledger.
// A transaction is committed only after every line has been decremented;
// any failure before that leaves stock untouched.
type TransactionService struct {
	ledger  *StockLedger
	txs     port.TransactionRepository
	locker  port.Locker
	cache   port.CacheRepository
	events  port.EventPublisher
	log     *zap.Logger
	taxRate decimal.Decimal
}

type TransactionServiceOption func(*TransactionService)

// WithIdempotency enables Idempotency-Key handling on create.
func WithIdempotency(cache port.CacheRepository) TransactionServiceOption {
	return func(s *TransactionService) { s.cache = cache }
}

func WithEventPublisher(events port.EventPublisher) TransactionServiceOption {
	return func(s *TransactionService) { s.events = events }
}

func WithTaxRate(rate decimal.Decimal) TransactionServiceOption {
	return func(s *TransactionService) { s.taxRate = rate }
}

func NewTransactionService(ledger *StockLedger, txs port.TransactionRepository, locker port.Locker, log *zap.Logger, opts ...TransactionServiceOption) *TransactionService {
	s := &TransactionService{
		ledger:  ledger,
		txs:     txs,
		locker:  locker,
		log:     log,
		taxRate: decimal.Zero,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TransactionService) CreateTransaction(ctx context.Context, principal domain.Principal, req CreateTransactionRequest) (_ *domain.Transaction, err error) {
	if err := Authorize(principal, domain.PermCreateTransaction); err != nil {
		return nil, err
	}
	if err := domain.ValidateLineItems(req.Items); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && s.cache != nil {
		key := fmt.Sprintf("transaction:%s:%s", principal.UserID, req.IdempotencyKey)
		ok, err := s.cache.SetIdempotency(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, domain.Conflict("duplicate request %s", req.IdempotencyKey)
		}
		defer func() {
			if err == nil {
				return
			}
			if clearErr := s.cache.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
				s.log.Error("failed to release idempotency key", zap.String("key", key), zap.Error(clearErr))
			}
		}()
	}

	productIDs := domain.ProductIDs(req.Items)
	unlock, err := s.ledger.Lock(ctx, productIDs...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	requested := domain.Quantities(req.Items)
	for _, id := range productIDs {
		if err := s.ledger.CheckStock(ctx, id, requested[id]); err != nil {
			s.log.Info("transaction rejected",
				zap.String("user_id", principal.UserID),
				zap.String("product_id", id),
				zap.Error(err))
			return nil, err
		}
	}

	items, err := s.price(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	deltas := make([]stockDelta, 0, len(req.Items))
	for _, item := range req.Items {
		deltas = append(deltas, stockDelta{productID: item.ProductID, delta: -item.Quantity})
	}
	if err := s.applyDeltas(ctx, deltas); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := domain.Transaction{
		ID:            uuid.NewString(),
		UserID:        principal.UserID,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.TransactionStatusCommitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.applyTotals(&tx)

	if err := s.txs.SaveTransaction(ctx, tx); err != nil {
		s.compensate(ctx, deltas)
		return nil, fmt.Errorf("save transaction: %w", err)
	}

	s.log.Info("transaction committed",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.Int("lines", len(tx.Items)),
		zap.String("total", tx.Total.StringFixed(2)))
	s.publish(ctx, domain.EventTransactionCommitted, tx, 0)

	return &tx, nil
}

func (s *TransactionService) GetTransaction(ctx context.Context, principal domain.Principal, id string) (*domain.Transaction, error) {
	if err := Authorize(principal, domain.PermViewTransaction); err != nil {
		return nil, err
	}
	return s.transaction(ctx, id)
}

func (s *TransactionService) ListTransactions(ctx context.Context, principal domain.Principal) ([]domain.Transaction, error) {
	if err := Authorize(principal, domain.PermViewAllTransactions); err != nil {
		return nil, err
	}
	txs, err := s.txs.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// UpdateTransaction replaces the line items of a committed transaction.
// Stock is moved by the net difference between old and new lines, so the
// new lines are validated as if the old ones had been returned first.
func (s *TransactionService) UpdateTransaction(ctx context.Context, principal domain.Principal, id string, req UpdateTransactionRequest) (*domain.Transaction, error) {
	if err := Authorize(principal, domain.PermUpdateTransaction); err != nil {
		return nil, err
	}
	if err := domain.ValidateLineItems(req.Items); err != nil {
		return nil, err
	}

	unlockTx, err := s.lockTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlockTx()

	existing, err := s.transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != domain.TransactionStatusCommitted {
		return nil, domain.InvalidOperation("transaction %s is %s and cannot be updated", id, existing.Status)
	}

	net := domain.Quantities(existing.Items)
	for productID, qty := range domain.Quantities(req.Items) {
		net[productID] -= qty
	}
	deltas := make([]stockDelta, 0, len(net))
	for productID, delta := range net {
		if delta != 0 {
			deltas = append(deltas, stockDelta{productID: productID, delta: delta})
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].productID < deltas[j].productID })

	lockIDs := make([]string, 0, len(deltas))
	for _, d := range deltas {
		lockIDs = append(lockIDs, d.productID)
	}
	unlock, err := s.ledger.Lock(ctx, lockIDs...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, d := range deltas {
		if d.delta >= 0 {
			if _, err := s.ledger.GetProduct(ctx, d.productID); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.ledger.CheckStock(ctx, d.productID, -d.delta); err != nil {
			return nil, err
		}
	}

	items, err := s.price(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if err := s.applyDeltas(ctx, deltas); err != nil {
		return nil, err
	}

	updated := *existing
	updated.Items = items
	if req.PaymentMethod != "" {
		updated.PaymentMethod = req.PaymentMethod
	}
	updated.UpdatedAt = time.Now().UTC()
	s.applyTotals(&updated)

	if err := s.txs.UpdateTransaction(ctx, updated); err != nil {
		s.compensate(ctx, deltas)
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	s.log.Info("transaction updated",
		zap.String("transaction_id", updated.ID),
		zap.String("user_id", principal.UserID),
		zap.String("total", updated.Total.StringFixed(2)))
	s.publish(ctx, domain.EventTransactionUpdated, updated, 0)

	return &updated, nil
}

// VoidTransaction restocks every line of a committed transaction and marks
// it voided. A line whose product no longer exists becomes a warning and
// the remaining lines are still reversed. Any other failure undoes the
// restocks done so far and leaves the transaction committed.
func (s *TransactionService) VoidTransaction(ctx context.Context, principal domain.Principal, id string) (*domain.VoidResult, error) {
	if err := Authorize(principal, domain.PermVoidTransaction); err != nil {
		return nil, err
	}

	unlockTx, err := s.lockTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlockTx()

	tx, err := s.transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionStatusCommitted {
		return nil, domain.NotFound("transaction %s not found", id)
	}

	unlock, err := s.ledger.Lock(ctx, domain.ProductIDs(tx.Items)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := domain.VoidResult{}
	restocked := make([]stockDelta, 0, len(tx.Items))
	for _, item := range tx.Items {
		_, err := s.ledger.AdjustStock(ctx, item.ProductID, item.Quantity)
		if err == nil {
			restocked = append(restocked, stockDelta{productID: item.ProductID, delta: item.Quantity})
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.compensate(ctx, restocked)
			return nil, fmt.Errorf("restock product %s: %w", item.ProductID, err)
		}

		s.log.Error("partial reversal while voiding",
			zap.String("transaction_id", tx.ID),
			zap.String("product_id", item.ProductID),
			zap.Int("quantity", item.Quantity),
			zap.Error(err))
		result.Warnings = append(result.Warnings, domain.ReversalWarning{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Reason:    err.Error(),
		})
	}

	tx.Status = domain.TransactionStatusVoided
	tx.UpdatedAt = time.Now().UTC()
	if err := s.txs.UpdateTransaction(ctx, *tx); err != nil {
		s.compensate(ctx, restocked)
		return nil, fmt.Errorf("mark transaction %s voided: %w", tx.ID, err)
	}
	result.Transaction = *tx

	s.log.Info("transaction voided",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", principal.UserID),
		zap.Int("warnings", len(result.Warnings)))
	s.publish(ctx, domain.EventTransactionVoided, *tx, len(result.Warnings))

	return &result, nil
}

type stockDelta struct {
	productID string
	delta     int
}

// applyDeltas adjusts stock for every delta, reversing the ones already
// applied when a later adjustment fails.
func (s *TransactionService) applyDeltas(ctx context.Context, deltas []stockDelta) error {
	for i, d := range deltas {
		if _, err := s.ledger.AdjustStock(ctx, d.productID, d.delta); err != nil {
			s.compensate(ctx, deltas[:i])
			return err
		}
	}
	return nil
}

func (s *TransactionService) compensate(ctx context.Context, applied []stockDelta) {
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i]
		if _, err := s.ledger.AdjustStock(ctx, d.productID, -d.delta); err != nil {
			s.log.Error("CRITICAL compensation failed",
				zap.String("product_id", d.productID),
				zap.Int("delta", -d.delta),
				zap.Error(err))
			continue
		}
		s.log.Warn("compensated stock adjustment",
			zap.String("product_id", d.productID),
			zap.Int("delta", -d.delta))
	}
}

// price copies items with unit price and subtotal read from the ledger.
func (s *TransactionService) price(ctx context.Context, items []domain.LineItem) ([]domain.LineItem, error) {
	priced := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		unitPrice, err := s.ledger.GetPrice(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		priced = append(priced, domain.LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
			Subtotal:  unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return priced, nil
}

func (s *TransactionService) applyTotals(tx *domain.Transaction) {
	subtotal := decimal.Zero
	for _, item := range tx.Items {
		subtotal = subtotal.Add(item.Subtotal)
	}
	tx.Subtotal = subtotal
	tx.Tax = subtotal.Mul(s.taxRate).Round(2)
	tx.Total = subtotal.Add(tx.Tax)
}

func (s *TransactionService) transaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := s.txs.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	if tx == nil {
		return nil, domain.NotFound("transaction %s not found", id)
	}
	return tx, nil
}

func (s *TransactionService) lockTransaction(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, transactionLockPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("lock transaction %s: %w", id, err)
	}
	return unlock, nil
}

func (s *TransactionService) publish(ctx context.Context, t domain.EventType, tx domain.Transaction, warnings int) {
	if s.events == nil {
		return
	}
	event := domain.NewTransactionEvent(t, tx)
	event.Warnings = warnings
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish transaction event",
			zap.String("type", string(t)),
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}
