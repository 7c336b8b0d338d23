package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/mobishop/api/internal/domain"
	ppostgres "github.com/mobishop/api/internal/platform/postgres"
	"github.com/mobishop/api/internal/repositories"
)

// ProductRepository reads cart product summaries from the products table.
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository constructs a Postgres-backed product repository.
func NewProductRepository(db *sql.DB) (*ProductRepository, error) {
	if db == nil {
		return nil, errors.New("product repository requires postgres db")
	}
	return &ProductRepository{db: db}, nil
}

// GetProducts fetches products by id in a single query.
func (r *ProductRepository) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("product repository not initialised")
	}
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	products := make(map[string]domain.Product, len(unique))
	if len(unique) == 0 {
		return products, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, price, COALESCE(images[1], ''), in_stock, stock_quantity
		FROM products WHERE id = ANY($1)`, unique)
	if err != nil {
		return nil, ppostgres.WrapError("products.list", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			product domain.Product
			price   decimal.NullDecimal
			inStock sql.NullBool
		)
		if err := rows.Scan(&product.ID, &product.Name, &price, &product.Image, &inStock, &product.StockQuantity); err != nil {
			return nil, ppostgres.WrapError("products.scan", err)
		}
		if price.Valid {
			product.Price = price.Decimal
		}
		if inStock.Valid {
			product.InStock = inStock.Bool
		} else {
			product.InStock = product.StockQuantity > 0
		}
		products[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("products.list", err)
	}
	return products, nil
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
