package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/port"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id         TEXT           PRIMARY KEY,
		sku        TEXT           NOT NULL DEFAULT '',
		name       TEXT           NOT NULL DEFAULT '',
		stock      INTEGER        NOT NULL CHECK (stock >= 0),
		unit_price NUMERIC(12, 2) NOT NULL,
		version    INTEGER        NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ    NOT NULL,
		updated_at TIMESTAMPTZ    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id             TEXT           PRIMARY KEY,
		user_id        TEXT           NOT NULL,
		status         TEXT           NOT NULL,
		payment_method TEXT           NOT NULL DEFAULT '',
		subtotal       NUMERIC(14, 2) NOT NULL,
		tax            NUMERIC(14, 2) NOT NULL,
		total          NUMERIC(14, 2) NOT NULL,
		created_at     TIMESTAMPTZ    NOT NULL,
		updated_at     TIMESTAMPTZ    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_items (
		transaction_id TEXT           NOT NULL REFERENCES transactions (id),
		line_no        INTEGER        NOT NULL,
		product_id     TEXT           NOT NULL,
		quantity       INTEGER        NOT NULL,
		unit_price     NUMERIC(12, 2) NOT NULL,
		subtotal       NUMERIC(14, 2) NOT NULL,
		PRIMARY KEY (transaction_id, line_no)
	)`,
}

// PostgresAdapter stores products and transactions in Postgres through a
// pgx pool. Numeric columns travel as text to keep decimal precision.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (r *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresAdapter) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, sku, name, stock, unit_price, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, 0, $6, $7)`,
		p.ID, p.SKU, p.Name, p.Quantity, p.UnitPrice.String(), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *PostgresAdapter) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	var price string
	err := r.pool.QueryRow(ctx, `
		SELECT id, sku, name, stock, unit_price::text, version, created_at, updated_at
		FROM products WHERE id = $1`, productID,
	).Scan(&p.ID, &p.SKU, &p.Name, &p.Quantity, &price, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	if p.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse unit price: %w", err)
	}
	return &p, nil
}

func (r *PostgresAdapter) UpdateProductQuantity(ctx context.Context, productID string, quantity, version int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET stock = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3`,
		quantity, productID, version,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return port.ErrOptimisticLock
	}
	return nil
}

func (r *PostgresAdapter) SaveTransaction(ctx context.Context, t domain.Transaction) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, status, payment_method, subtotal, tax, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)`,
		t.ID, t.UserID, string(t.Status), t.PaymentMethod,
		t.Subtotal.String(), t.Tax.String(), t.Total.String(), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := insertPostgresItems(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresAdapter) UpdateTransaction(ctx context.Context, t domain.Transaction) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $1, payment_method = $2, subtotal = $3::numeric, tax = $4::numeric, total = $5::numeric, updated_at = $6
		WHERE id = $7`,
		string(t.Status), t.PaymentMethod, t.Subtotal.String(), t.Tax.String(), t.Total.String(), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update transaction: %s does not exist", t.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transaction_items WHERE transaction_id = $1`, t.ID); err != nil {
		return fmt.Errorf("delete transaction items: %w", err)
	}
	if err := insertPostgresItems(ctx, tx, t); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PostgresAdapter) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, status, payment_method, subtotal::text, tax::text, total::text, created_at, updated_at
		FROM transactions WHERE id = $1`, id)

	t, err := scanPostgresTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items, err := r.items(ctx, `WHERE transaction_id = $1`, id)
	if err != nil {
		return nil, err
	}
	t.Items = items[id]

	return t, nil
}

func (r *PostgresAdapter) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, status, payment_method, subtotal::text, tax::text, total::text, created_at, updated_at
		FROM transactions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanPostgresTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	items, err := r.items(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r *PostgresAdapter) items(ctx context.Context, where string, args ...any) (map[string][]domain.LineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT transaction_id, product_id, quantity, unit_price::text, subtotal::text
		FROM transaction_items `+where+` ORDER BY transaction_id, line_no`, args...)
	if err != nil {
		return nil, fmt.Errorf("query transaction items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.LineItem)
	for rows.Next() {
		var txID, price, subtotal string
		var item domain.LineItem
		if err := rows.Scan(&txID, &item.ProductID, &item.Quantity, &price, &subtotal); err != nil {
			return nil, fmt.Errorf("scan transaction item: %w", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		if item.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
			return nil, fmt.Errorf("parse subtotal: %w", err)
		}
		out[txID] = append(out[txID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction items: %w", err)
	}
	return out, nil
}

func scanPostgresTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var status, subtotal, tax, total string
	err := row.Scan(&t.ID, &t.UserID, &status, &t.PaymentMethod, &subtotal, &tax, &total, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Status = domain.TransactionStatus(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.Subtotal, subtotal}, {&t.Tax, tax}, {&t.Total, total}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", f.src, err)
		}
	}
	return &t, nil
}

func insertPostgresItems(ctx context.Context, tx pgx.Tx, t domain.Transaction) error {
	batch := &pgx.Batch{}
	for i, item := range t.Items {
		batch.Queue(`
			INSERT INTO transaction_items (transaction_id, line_no, product_id, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)`,
			t.ID, i+1, item.ProductID, item.Quantity, item.UnitPrice.String(), item.Subtotal.String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert transaction items: %w", err)
	}
	return nil
}
