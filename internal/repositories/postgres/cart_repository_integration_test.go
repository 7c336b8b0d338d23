//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/platform/config"
	ppostgres "github.com/mobishop/api/internal/platform/postgres"
	"github.com/mobishop/api/internal/repositories"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CART_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CART_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := ppostgres.Open(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestCartRepositoryMutateAndLoad(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo, err := NewCartRepository(db)
	if err != nil {
		t.Fatalf("NewCartRepository: %v", err)
	}
	uid := fmt.Sprintf("user-%d", time.Now().UnixNano())

	empty, err := repo.Load(ctx, uid)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty.Items) != 0 {
		t.Fatalf("expected empty cart, got %+v", empty.Items)
	}

	cart, err := repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
		return append(items,
			domain.CartItem{ID: uid + "-a", ProductID: "P1", Quantity: 2},
			domain.CartItem{ID: uid + "-b", ProductID: "P1", Variation: domain.Variation{"color": "red"}, Quantity: 1},
		), nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(cart.Items))
	}

	loaded, err := repo.Load(ctx, uid)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Items) != 2 || loaded.Items[1].Variation["color"] != "red" {
		t.Fatalf("unexpected loaded items %+v", loaded.Items)
	}

	sentinel := errors.New("abort")
	if _, err := repo.Mutate(ctx, uid, func(context.Context, []domain.CartItem) ([]domain.CartItem, error) {
		return nil, sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
		return append(items, domain.CartItem{ID: uid + "-c", ProductID: "P1", Quantity: 1}), nil
	}); !errors.Is(err, repositories.ErrInvalidCartItems) {
		t.Fatalf("expected duplicate line rejection, got %v", err)
	}
}

func TestCartRepositorySerialisesConcurrentMutations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo, _ := NewCartRepository(db)
	uid := fmt.Sprintf("user-%d", time.Now().UnixNano())

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
				if len(items) == 0 {
					return []domain.CartItem{{ID: uid + "-line", ProductID: "P1", Quantity: 1}}, nil
				}
				items[0].Quantity++
				return items, nil
			})
			if err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	cart, err := repo.Load(ctx, uid)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != writers {
		t.Fatalf("expected one line with quantity %d, got %+v", writers, cart.Items)
	}
}

func TestProductRepositoryGetProducts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := fmt.Sprintf("prod-%d", time.Now().UnixNano())
	if _, err := db.ExecContext(ctx,
		`INSERT INTO products (id, name, price, images, stock_quantity) VALUES ($1, 'Phone', 199.50, ARRAY['a.png','b.png'], 3)`,
		id,
	); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	repo, _ := NewProductRepository(db)
	products, err := repo.GetProducts(ctx, []string{id, id, "missing"})
	if err != nil {
		t.Fatalf("GetProducts: %v", err)
	}
	product, ok := products[id]
	if !ok || len(products) != 1 {
		t.Fatalf("unexpected products %+v", products)
	}
	if product.Price.String() != "199.5" || product.Image != "a.png" || !product.InStock {
		t.Fatalf("unexpected product %+v", product)
	}
}
