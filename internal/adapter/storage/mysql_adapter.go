package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id         VARCHAR(64)    NOT NULL PRIMARY KEY,
		sku        VARCHAR(128)   NOT NULL DEFAULT '',
		name       VARCHAR(255)   NOT NULL DEFAULT '',
		stock      INT            NOT NULL,
		unit_price DECIMAL(12, 2) NOT NULL,
		version    INT            NOT NULL DEFAULT 0,
		created_at DATETIME(6)    NOT NULL,
		updated_at DATETIME(6)    NOT NULL,
		CONSTRAINT chk_products_stock CHECK (stock >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id             VARCHAR(64)    NOT NULL PRIMARY KEY,
		user_id        VARCHAR(128)   NOT NULL,
		status         VARCHAR(16)    NOT NULL,
		payment_method VARCHAR(32)    NOT NULL DEFAULT '',
		subtotal       DECIMAL(14, 2) NOT NULL,
		tax            DECIMAL(14, 2) NOT NULL,
		total          DECIMAL(14, 2) NOT NULL,
		created_at     DATETIME(6)    NOT NULL,
		updated_at     DATETIME(6)    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_items (
		transaction_id VARCHAR(64)    NOT NULL,
		line_no        INT            NOT NULL,
		product_id     VARCHAR(64)    NOT NULL,
		quantity       INT            NOT NULL,
		unit_price     DECIMAL(12, 2) NOT NULL,
		subtotal       DECIMAL(14, 2) NOT NULL,
		PRIMARY KEY (transaction_id, line_no)
	)`,
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, stock, unit_price, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.SKU, p.Name, p.Quantity, p.UnitPrice, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := m.db.QueryRowContext(ctx, `
		SELECT id, sku, name, stock, unit_price, version, created_at, updated_at
		FROM products WHERE id = ?`, productID,
	).Scan(&p.ID, &p.SKU, &p.Name, &p.Quantity, &p.UnitPrice, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	return &p, nil
}

func (m *MySQLAdapter) UpdateProductQuantity(ctx context.Context, productID string, quantity, version int) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET stock = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		quantity, productID, version,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrOptimisticLock
	}

	return nil
}

func (m *MySQLAdapter) SaveTransaction(ctx context.Context, t domain.Transaction) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, status, payment_method, subtotal, tax, total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Status, t.PaymentMethod, t.Subtotal, t.Tax, t.Total,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := insertMySQLItems(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *MySQLAdapter) UpdateTransaction(ctx context.Context, t domain.Transaction) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, payment_method = ?, subtotal = ?, tax = ?, total = ?, updated_at = ?
		WHERE id = ?`,
		t.Status, t.PaymentMethod, t.Subtotal, t.Tax, t.Total, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check transaction: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("update transaction: %s does not exist", t.ID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transaction_items WHERE transaction_id = ?`, t.ID); err != nil {
		return fmt.Errorf("delete transaction items: %w", err)
	}
	if err := insertMySQLItems(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *MySQLAdapter) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, payment_method, subtotal, tax, total, created_at, updated_at
		FROM transactions WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Status, &t.PaymentMethod, &t.Subtotal, &t.Tax, &t.Total, &t.CreatedAt, &t.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}

	items, err := m.items(ctx, `WHERE transaction_id = ?`, id)
	if err != nil {
		return nil, err
	}
	t.Items = items[id]

	return &t, nil
}

func (m *MySQLAdapter) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, user_id, status, payment_method, subtotal, tax, total, created_at, updated_at
		FROM transactions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Status, &t.PaymentMethod, &t.Subtotal, &t.Tax, &t.Total, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	items, err := m.items(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}

	return out, nil
}

func (m *MySQLAdapter) items(ctx context.Context, where string, args ...any) (map[string][]domain.LineItem, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT transaction_id, product_id, quantity, unit_price, subtotal
		FROM transaction_items `+where+` ORDER BY transaction_id, line_no`, args...)
	if err != nil {
		return nil, fmt.Errorf("query transaction items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.LineItem)
	for rows.Next() {
		var txID string
		var item domain.LineItem
		if err := rows.Scan(&txID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, fmt.Errorf("scan transaction item: %w", err)
		}
		out[txID] = append(out[txID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction items: %w", err)
	}
	return out, nil
}

func insertMySQLItems(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	for i, item := range t.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_items (transaction_id, line_no, product_id, quantity, unit_price, subtotal)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, i+1, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("insert transaction item: %w", err)
		}
	}
	return nil
}
