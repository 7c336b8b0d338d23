// Package postgres implements the cart repositories on top of a relational store.
package postgres

import (
	"context"
	"database/sql"
	"errors"

	ppostgres "github.com/mobishop/api/internal/platform/postgres"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS carts (
		user_id    TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS cart_items (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES carts(user_id) ON DELETE CASCADE,
		product_id    TEXT NOT NULL,
		variation     JSONB,
		variation_key TEXT NOT NULL,
		quantity      INTEGER NOT NULL CHECK (quantity > 0),
		added_at      TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		CONSTRAINT cart_items_line_unique UNIQUE (user_id, product_id, variation_key) DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cart_items_user ON cart_items(user_id, added_at)`,
	`CREATE TABLE IF NOT EXISTS products (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		price          NUMERIC(12,2) NOT NULL DEFAULT 0,
		images         TEXT[] NOT NULL DEFAULT '{}',
		in_stock       BOOLEAN,
		stock_quantity INTEGER NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema creates the cart and product tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres schema: db is required")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return ppostgres.WrapError("schema.ensure", err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
