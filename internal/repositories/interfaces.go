package repositories

import (
	"context"

	domain "github.com/mobishop/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartMutation computes the next item set of a cart from the current one. It runs inside the
// repository transaction and may be invoked more than once when the backend retries; it
// must not have side effects. Returning an error aborts the transaction without writing.
type CartMutation func(ctx context.Context, items []domain.CartItem) ([]domain.CartItem, error)

// CartRepository persists authenticated cart items keyed by user id. Products, totals and
// pricing are resolved by services.
type CartRepository interface {
	// Load returns the user's cart with items ordered by AddedAt. A user without a cart
	// yields an empty cart, not an error.
	Load(ctx context.Context, userID string) (domain.Cart, error)
	// Mutate applies fn atomically and serialised per user, returning the committed cart.
	Mutate(ctx context.Context, userID string, fn CartMutation) (domain.Cart, error)
}

// ProductRepository resolves catalog data for cart lines.
type ProductRepository interface {
	// GetProducts returns the products found for ids. Unknown ids are absent from the map.
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

// HealthRepository probes the services the cart API depends on.
type HealthRepository interface {
	Probe(ctx context.Context) []domain.DependencyStatus
}
