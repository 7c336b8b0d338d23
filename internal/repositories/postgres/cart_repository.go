package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/mobishop/api/internal/domain"
	ppostgres "github.com/mobishop/api/internal/platform/postgres"
	"github.com/mobishop/api/internal/repositories"
)

// CartRepository keeps one carts row per user and one cart_items row per line. Mutations
// lock the user's carts row so concurrent writers for the same user are serialised.
type CartRepository struct {
	db  *sql.DB
	now func() time.Time
}

// CartRepositoryOption customises the repository.
type CartRepositoryOption func(*CartRepository)

// WithCartClock overrides the clock stamping writes.
func WithCartClock(now func() time.Time) CartRepositoryOption {
	return func(r *CartRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewCartRepository constructs a Postgres-backed cart repository.
func NewCartRepository(db *sql.DB, opts ...CartRepositoryOption) (*CartRepository, error) {
	if db == nil {
		return nil, errors.New("cart repository requires postgres db")
	}
	repo := &CartRepository{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Load returns the user's cart. A user without a carts row yields an empty cart.
func (r *CartRepository) Load(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.db == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	cart := domain.Cart{UserID: uid, Items: []domain.CartItem{}}
	var updatedAt time.Time
	err := r.db.QueryRowContext(ctx, `SELECT updated_at FROM carts WHERE user_id = $1`, uid).Scan(&updatedAt)
	switch {
	case err == nil:
		cart.UpdatedAt = updatedAt.UTC()
	case errors.Is(err, sql.ErrNoRows):
		return cart, nil
	default:
		return domain.Cart{}, ppostgres.WrapError("carts.get", err)
	}

	items, err := queryItems(ctx, r.db, uid, false)
	if err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.items.list", err)
	}
	cart.Items = items
	return cart, nil
}

// Mutate applies fn inside a transaction and writes only the changed rows.
func (r *CartRepository) Mutate(ctx context.Context, userID string, fn repositories.CartMutation) (domain.Cart, error) {
	if r == nil || r.db == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	if fn == nil {
		return domain.Cart{}, errors.New("cart repository: mutation is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at) VALUES ($1, $2, $2) ON CONFLICT (user_id) DO NOTHING`,
		uid, now,
	); err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.ensure", err)
	}
	var updatedAt time.Time
	if err := tx.QueryRowContext(ctx, `SELECT updated_at FROM carts WHERE user_id = $1 FOR UPDATE`, uid).Scan(&updatedAt); err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.lock", err)
	}

	current, err := queryItems(ctx, tx, uid, true)
	if err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.items.list", err)
	}

	next, err := fn(ctx, cloneItems(current))
	if err != nil {
		return domain.Cart{}, err
	}
	if err := repositories.ValidateItems(next); err != nil {
		return domain.Cart{}, err
	}

	changes := repositories.DiffItems(current, next)
	if len(changes.Deletes) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE user_id = $1 AND id = ANY($2)`,
			uid, changes.Deletes,
		); err != nil {
			return domain.Cart{}, ppostgres.WrapError("carts.items.delete", err)
		}
	}
	for i, item := range changes.Upserts {
		if item.AddedAt.IsZero() {
			item.AddedAt = now
		}
		item.UpdatedAt = now
		if err := upsertItem(ctx, tx, uid, item); err != nil {
			return domain.Cart{}, ppostgres.WrapError("carts.items.upsert", err)
		}
		changes.Upserts[i] = item
	}
	stamped := make(map[string]domain.CartItem, len(changes.Upserts))
	for _, item := range changes.Upserts {
		stamped[item.ID] = item
	}
	for i := range next {
		if item, ok := stamped[next[i].ID]; ok {
			next[i] = item
		}
	}

	if !changes.Empty() {
		if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = $2 WHERE user_id = $1`, uid, now); err != nil {
			return domain.Cart{}, ppostgres.WrapError("carts.touch", err)
		}
		updatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return domain.Cart{}, ppostgres.WrapError("carts.commit", err)
	}

	repositories.SortItems(next)
	return domain.Cart{UserID: uid, Items: next, UpdatedAt: updatedAt.UTC()}, nil
}

func queryItems(ctx context.Context, q queryer, uid string, lock bool) ([]domain.CartItem, error) {
	query := `SELECT id, product_id, variation, quantity, added_at, updated_at
		FROM cart_items WHERE user_id = $1 ORDER BY added_at, id`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.CartItem{}
	for rows.Next() {
		var (
			item      domain.CartItem
			variation []byte
		)
		if err := rows.Scan(&item.ID, &item.ProductID, &variation, &item.Quantity, &item.AddedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if len(variation) > 0 {
			if err := json.Unmarshal(variation, &item.Variation); err != nil {
				return nil, fmt.Errorf("decode cart item %s variation: %w", item.ID, err)
			}
			if len(item.Variation) == 0 {
				item.Variation = nil
			}
		}
		item.AddedAt = item.AddedAt.UTC()
		item.UpdatedAt = item.UpdatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, uid string, item domain.CartItem) error {
	var variation any
	if len(item.Variation) > 0 {
		data, err := json.Marshal(map[string]any(item.Variation))
		if err != nil {
			return fmt.Errorf("encode cart item %s variation: %w", item.ID, err)
		}
		variation = string(data)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cart_items (id, user_id, product_id, variation, variation_key, quantity, added_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			product_id    = EXCLUDED.product_id,
			variation     = EXCLUDED.variation,
			variation_key = EXCLUDED.variation_key,
			quantity      = EXCLUDED.quantity,
			updated_at    = EXCLUDED.updated_at`,
		item.ID, uid, item.ProductID, variation, item.Variation.Signature(), item.Quantity, item.AddedAt.UTC(), item.UpdatedAt.UTC(),
	)
	return err
}

func cloneItems(items []domain.CartItem) []domain.CartItem {
	out := make([]domain.CartItem, len(items))
	for i, item := range items {
		item.Variation = item.Variation.Clone()
		out[i] = item
	}
	return out
}

var _ repositories.CartRepository = (*CartRepository)(nil)
