package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/adapter/storage"
	"github.com/rl1809/pos-ledger/internal/core/domain"
)

var (
	cashier = domain.NewPrincipal("cashier-1",
		domain.PermCreateTransaction,
		domain.PermViewTransaction,
		domain.PermViewAllTransactions,
		domain.PermUpdateTransaction,
		domain.PermVoidTransaction,
	)
	viewer = domain.NewPrincipal("viewer-1", domain.PermViewTransaction)
)

// failingStore wraps the memory store and fails chosen operations.
type failingStore struct {
	*storage.MemoryAdapter
	failUpdateFor string
	failSave      bool
	failTxUpdates int
}

func (f *failingStore) UpdateProductQuantity(ctx context.Context, productID string, quantity, version int) error {
	if productID == f.failUpdateFor {
		return errors.New("disk on fire")
	}
	return f.MemoryAdapter.UpdateProductQuantity(ctx, productID, quantity, version)
}

func (f *failingStore) SaveTransaction(ctx context.Context, tx domain.Transaction) error {
	if f.failSave {
		return errors.New("disk on fire")
	}
	return f.MemoryAdapter.SaveTransaction(ctx, tx)
}

func (f *failingStore) UpdateTransaction(ctx context.Context, tx domain.Transaction) error {
	if f.failTxUpdates > 0 {
		f.failTxUpdates--
		return errors.New("db down")
	}
	return f.MemoryAdapter.UpdateTransaction(ctx, tx)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TransactionEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, event domain.TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	store  *failingStore
	svc    *TransactionService
	events *recordingPublisher
}

func newFixture(t *testing.T, opts ...TransactionServiceOption) *fixture {
	t.Helper()
	store := &failingStore{MemoryAdapter: storage.NewMemoryAdapter()}
	locker := storage.NewLocalLocker()
	events := &recordingPublisher{}
	ledger := NewStockLedger(store, locker)

	opts = append([]TransactionServiceOption{WithIdempotency(store), WithEventPublisher(events)}, opts...)
	svc := NewTransactionService(ledger, store, locker, zap.NewNop(), opts...)
	return &fixture{store: store, svc: svc, events: events}
}

func (f *fixture) addProduct(t *testing.T, id string, quantity int, price string) {
	t.Helper()
	require.NoError(t, f.store.CreateProduct(context.Background(), domain.Product{
		ID:        id,
		Quantity:  quantity,
		UnitPrice: decimal.RequireFromString(price),
	}))
}

func (f *fixture) quantity(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Quantity
}

func lines(pairs ...any) []domain.LineItem {
	items := make([]domain.LineItem, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		items = append(items, domain.LineItem{ProductID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return items
}

func TestCreateTransaction_Success(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 5, "10.00")

	tx, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{
		Items:         lines("P", 3),
		PaymentMethod: "CASH",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.quantity(t, "P"))
	assert.Equal(t, domain.TransactionStatusCommitted, tx.Status)
	assert.Equal(t, "30.00", tx.Total.StringFixed(2))
	assert.Equal(t, "cashier-1", tx.UserID)
	assert.NotEmpty(t, tx.ID)
	require.Len(t, tx.Items, 1)
	assert.Equal(t, "10.00", tx.Items[0].UnitPrice.StringFixed(2))

	stored, err := f.svc.GetTransaction(context.Background(), viewer, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.EventTransactionCommitted, f.events.events[0].Type)
}

func TestCreateTransaction_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 2, "10.00")

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 3)})

	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 2, f.quantity(t, "P"))
	assert.Empty(t, f.events.events)
}

func TestCreateTransaction_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 5, "10.00")

	_, err := f.svc.CreateTransaction(context.Background(), viewer, CreateTransactionRequest{Items: lines("P", 1)})

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, 5, f.quantity(t, "P"))
}

func TestCreateTransaction_UnknownProduct(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 5, "10.00")

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 1, "ghost", 1)})

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 5, f.quantity(t, "P"))
}

func TestCreateTransaction_InvalidLines(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", -1)})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCreateTransaction_AtomicWhenLaterLineFailsCheck(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 10, "1.00")
	f.addProduct(t, "B", 10, "1.00")
	f.addProduct(t, "C", 1, "1.00")

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{
		Items: lines("A", 2, "B", 3, "C", 2),
	})

	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 10, f.quantity(t, "A"))
	assert.Equal(t, 10, f.quantity(t, "B"))
	assert.Equal(t, 1, f.quantity(t, "C"))
}

func TestCreateTransaction_DuplicateLinesAreSummedForCheck(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 4, "2.00")

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 3, "P", 2)})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 4, f.quantity(t, "P"))

	tx, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 2, "P", 2)})
	require.NoError(t, err)
	assert.Equal(t, 0, f.quantity(t, "P"))
	assert.Equal(t, "8.00", tx.Total.StringFixed(2))
}

func TestCreateTransaction_CompensatesWhenAdjustmentFails(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 10, "1.00")
	f.addProduct(t, "B", 10, "1.00")
	f.store.failUpdateFor = "B"

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("A", 4, "B", 1)})

	require.Error(t, err)
	assert.Equal(t, 10, f.quantity(t, "A"), "applied decrement must be reversed")
	assert.Equal(t, 10, f.quantity(t, "B"))
}

func TestCreateTransaction_CompensatesWhenSaveFails(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 10, "1.00")
	f.store.failSave = true

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("A", 4)})

	require.Error(t, err)
	assert.Equal(t, 10, f.quantity(t, "A"))
}

func TestCreateTransaction_AppliesTax(t *testing.T) {
	f := newFixture(t, WithTaxRate(decimal.RequireFromString("0.08")))
	f.addProduct(t, "P", 5, "10.00")

	tx, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 3)})
	require.NoError(t, err)

	assert.Equal(t, "30.00", tx.Subtotal.StringFixed(2))
	assert.Equal(t, "2.40", tx.Tax.StringFixed(2))
	assert.Equal(t, "32.40", tx.Total.StringFixed(2))
}

func TestCreateTransaction_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 10, "1.00")
	req := CreateTransactionRequest{Items: lines("P", 1), IdempotencyKey: "req-1"}

	_, err := f.svc.CreateTransaction(context.Background(), cashier, req)
	require.NoError(t, err)

	_, err = f.svc.CreateTransaction(context.Background(), cashier, req)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 9, f.quantity(t, "P"), "stock should only be decremented once")
}

func TestCreateTransaction_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "P", 1, "1.00")

	_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 2), IdempotencyKey: "req-2"})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("P", 1), IdempotencyKey: "req-2"})
	assert.NoError(t, err)
}

func TestCreateTransaction_Concurrent(t *testing.T) {
	initialStock := 20
	totalRequests := 50

	f := newFixture(t)
	f.addProduct(t, "item", initialStock, "5.00")

	var successCount, insufficientCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: lines("item", 1)})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialStock), insufficientCount.Load())
	assert.Equal(t, 0, f.quantity(t, "item"))
}

func TestCreateTransaction_ConcurrentMultiProduct(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 30, "1.00")
	f.addProduct(t, "B", 30, "1.00")

	var successCount atomic.Int32
	var wg sync.WaitGroup

	// opposite line order must not deadlock
	for i := 0; i < 40; i++ {
		items := lines("A", 2, "B", 1)
		if i%2 == 1 {
			items = lines("B", 1, "A", 2)
		}
		wg.Add(1)
		go func(items []domain.LineItem) {
			defer wg.Done()
			if _, err := f.svc.CreateTransaction(context.Background(), cashier, CreateTransactionRequest{Items: items}); err == nil {
				successCount.Add(1)
			}
		}(items)
	}
	wg.Wait()

	n := int(successCount.Load())
	assert.Equal(t, 15, n)
	assert.Equal(t, 0, f.quantity(t, "A"))
	assert.Equal(t, 30-n, f.quantity(t, "B"))
}

func TestVoidTransaction_RestoresStock(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "10.00")
	f.addProduct(t, "B", 7, "1.50")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 3, "B", 7)})
	require.NoError(t, err)
	assert.Equal(t, 2, f.quantity(t, "A"))
	assert.Equal(t, 0, f.quantity(t, "B"))

	result, err := f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)

	assert.False(t, result.Partial())
	assert.Equal(t, domain.TransactionStatusVoided, result.Transaction.Status)
	assert.Equal(t, 5, f.quantity(t, "A"))
	assert.Equal(t, 7, f.quantity(t, "B"))

	_, err = f.svc.VoidTransaction(ctx, cashier, tx.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "already voided")
	assert.Equal(t, 5, f.quantity(t, "A"))
}

func TestVoidTransaction_PartialReversal(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "1.00")
	f.addProduct(t, "B", 5, "1.00")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 1, "B", 2)})
	require.NoError(t, err)

	f.store.DeleteProduct(ctx, "A")

	result, err := f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)

	require.True(t, result.Partial())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "A", result.Warnings[0].ProductID)
	assert.Equal(t, 5, f.quantity(t, "B"))
	assert.Equal(t, domain.TransactionStatusVoided, result.Transaction.Status)

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, domain.EventTransactionVoided, last.Type)
	assert.Equal(t, 1, last.Warnings)
}

func TestVoidTransaction_SaveFailureUndoesRestock(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "1.00")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 3)})
	require.NoError(t, err)

	f.store.failTxUpdates = 1
	_, err = f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.Error(t, err)

	assert.Equal(t, 2, f.quantity(t, "A"))
	stored, err := f.svc.GetTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCommitted, stored.Status)

	// a retry restocks exactly once
	_, err = f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, f.quantity(t, "A"))
}

func TestVoidTransaction_StoreErrorIsNotAWarning(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "1.00")
	f.addProduct(t, "B", 5, "1.00")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 1, "B", 2)})
	require.NoError(t, err)

	f.store.failUpdateFor = "B"
	result, err := f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.NotErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, 4, f.quantity(t, "A"), "restock of A is undone")
	assert.Equal(t, 3, f.quantity(t, "B"))
	stored, err := f.svc.GetTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCommitted, stored.Status)

	f.store.failUpdateFor = ""
	result, err = f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)
	assert.False(t, result.Partial())
	assert.Equal(t, 5, f.quantity(t, "A"))
	assert.Equal(t, 5, f.quantity(t, "B"))
}

func TestVoidTransaction_NotFoundAndUnauthorized(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.VoidTransaction(context.Background(), cashier, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.VoidTransaction(context.Background(), viewer, "missing")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestUpdateTransaction_MovesNetDifference(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "10.00")
	f.addProduct(t, "B", 5, "2.00")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 3)})
	require.NoError(t, err)
	require.Equal(t, 2, f.quantity(t, "A"))

	// 5 of A is only possible if the original 3 are returned first
	updated, err := f.svc.UpdateTransaction(ctx, cashier, tx.ID, UpdateTransactionRequest{Items: lines("A", 5, "B", 1), PaymentMethod: "CARD"})
	require.NoError(t, err)

	assert.Equal(t, 0, f.quantity(t, "A"))
	assert.Equal(t, 4, f.quantity(t, "B"))
	assert.Equal(t, "52.00", updated.Total.StringFixed(2))
	assert.Equal(t, "CARD", updated.PaymentMethod)
	assert.Equal(t, tx.CreatedAt, updated.CreatedAt)
}

func TestUpdateTransaction_InsufficientStockLeavesEverything(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "10.00")
	f.addProduct(t, "B", 1, "2.00")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 3)})
	require.NoError(t, err)

	_, err = f.svc.UpdateTransaction(ctx, cashier, tx.ID, UpdateTransactionRequest{Items: lines("A", 1, "B", 2)})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, 2, f.quantity(t, "A"))
	assert.Equal(t, 1, f.quantity(t, "B"))

	stored, err := f.svc.GetTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Items[0].Quantity)
}

func TestUpdateTransaction_VoidedIsRejected(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "1.00")
	ctx := context.Background()

	tx, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 1)})
	require.NoError(t, err)
	_, err = f.svc.VoidTransaction(ctx, cashier, tx.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateTransaction(ctx, cashier, tx.ID, UpdateTransactionRequest{Items: lines("A", 2)})
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
	assert.Equal(t, 5, f.quantity(t, "A"))
}

func TestListTransactions_RequiresViewAll(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "A", 5, "1.00")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateTransaction(ctx, cashier, CreateTransactionRequest{Items: lines("A", 1)})
		require.NoError(t, err)
	}

	_, err := f.svc.ListTransactions(ctx, viewer)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	txs, err := f.svc.ListTransactions(ctx, cashier)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestGetTransaction_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetTransaction(context.Background(), viewer, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
