package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/pos?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func newMySQLAdapter(t *testing.T) (*MySQLAdapter, *sql.DB) {
	db := getMySQLDB(t)
	t.Cleanup(func() { db.Close() })

	adapter := NewMySQLAdapter(db)
	require.NoError(t, adapter.EnsureSchema(context.Background()))
	return adapter, db
}

func TestMySQL_GetProduct(t *testing.T) {
	adapter, db := newMySQLAdapter(t)
	ctx := context.Background()

	id := "get-test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, adapter.CreateProduct(ctx, domain.Product{
		ID:        id,
		SKU:       "SKU-1",
		Name:      "Test item",
		Quantity:  50,
		UnitPrice: decimal.RequireFromString("12.50"),
		CreatedAt: now,
		UpdatedAt: now,
	}))
	defer db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)

	p, err := adapter.GetProduct(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, 50, p.Quantity)
	assert.Equal(t, 0, p.Version)
	assert.True(t, decimal.RequireFromString("12.50").Equal(p.UnitPrice))
}

func TestMySQL_GetProduct_NotFound(t *testing.T) {
	adapter, _ := newMySQLAdapter(t)

	p, err := adapter.GetProduct(context.Background(), "nonexistent-item")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMySQL_UpdateProductQuantity_OptimisticLock(t *testing.T) {
	adapter, db := newMySQLAdapter(t)
	ctx := context.Background()

	id := "lock-test-" + uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, adapter.CreateProduct(ctx, domain.Product{
		ID: id, Quantity: 100, UnitPrice: decimal.NewFromInt(1), CreatedAt: now, UpdatedAt: now,
	}))
	defer db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)

	require.NoError(t, adapter.UpdateProductQuantity(ctx, id, 90, 0))

	var version int
	db.QueryRowContext(ctx, `SELECT version FROM products WHERE id = ?`, id).Scan(&version)
	assert.Equal(t, 1, version)

	// stale version
	err := adapter.UpdateProductQuantity(ctx, id, 80, 0)
	assert.ErrorIs(t, err, port.ErrOptimisticLock)
}

func TestMySQL_TransactionRoundTrip(t *testing.T) {
	adapter, db := newMySQLAdapter(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	tx := domain.Transaction{
		ID:            "test-tx-" + uuid.NewString(),
		UserID:        "test-user",
		PaymentMethod: "CASH",
		Status:        domain.TransactionStatusCommitted,
		Items: []domain.LineItem{
			{ProductID: "a", Quantity: 3, UnitPrice: decimal.NewFromInt(10), Subtotal: decimal.NewFromInt(30)},
			{ProductID: "b", Quantity: 1, UnitPrice: decimal.RequireFromString("2.25"), Subtotal: decimal.RequireFromString("2.25")},
		},
		Subtotal:  decimal.RequireFromString("32.25"),
		Tax:       decimal.Zero,
		Total:     decimal.RequireFromString("32.25"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, adapter.SaveTransaction(ctx, tx))
	defer func() {
		db.ExecContext(ctx, `DELETE FROM transaction_items WHERE transaction_id = ?`, tx.ID)
		db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, tx.ID)
	}()

	got, err := adapter.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "a", got.Items[0].ProductID)
	assert.True(t, tx.Total.Equal(got.Total))

	tx.Status = domain.TransactionStatusVoided
	tx.Items = tx.Items[:1]
	tx.UpdatedAt = now.Add(time.Second)
	require.NoError(t, adapter.UpdateTransaction(ctx, tx))

	got, err = adapter.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusVoided, got.Status)
	assert.Len(t, got.Items, 1)
}
