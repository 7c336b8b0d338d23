package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/mobishop/api/internal/domain"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/repositories"
)

const (
	cartCollection      = "carts"
	cartItemsCollection = "items"
)

// CartRepository stores a header document per user under carts/{uid} and one document per
// line in the items subcollection. Mutations read the header inside the transaction so
// concurrent writers for the same user are serialised.
type CartRepository struct {
	carts    *pfirestore.Collection[cartDocument]
	provider *pfirestore.Provider
	now      func() time.Time
}

// CartRepositoryOption customises the repository.
type CartRepositoryOption func(*CartRepository)

// WithCartClock overrides the clock stamping header updates.
func WithCartClock(now func() time.Time) CartRepositoryOption {
	return func(r *CartRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider, opts ...CartRepositoryOption) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	repo := &CartRepository{
		carts:    pfirestore.NewCollection[cartDocument](provider, cartCollection),
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Load returns the user's cart. A missing header yields an empty cart.
func (r *CartRepository) Load(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	headerRef, err := r.carts.Ref(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := domain.Cart{UserID: uid, Items: []domain.CartItem{}}
	snap, err := headerRef.Get(ctx)
	switch {
	case err == nil:
		header, decodeErr := r.carts.Decode(snap)
		if decodeErr != nil {
			return domain.Cart{}, fmt.Errorf("decode cart %s: %w", uid, decodeErr)
		}
		cart.UpdatedAt = header.Data.UpdatedAt.UTC()
	case pfirestore.IsNotFound(err):
		return cart, nil
	default:
		return domain.Cart{}, pfirestore.WrapError("carts.get", err)
	}

	iter := headerRef.Collection(cartItemsCollection).OrderBy("addedAt", firestore.Asc).Documents(ctx)
	items, err := readItems(iter)
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.items.list", err)
	}
	cart.Items = items
	return cart, nil
}

// Mutate applies fn inside a Firestore transaction and writes only the changed items.
func (r *CartRepository) Mutate(ctx context.Context, userID string, fn repositories.CartMutation) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	if fn == nil {
		return domain.Cart{}, errors.New("cart repository: mutation is required")
	}

	var (
		result      domain.Cart
		mutationErr error
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		mutationErr = nil
		headerRef, err := r.carts.Ref(ctx, uid)
		if err != nil {
			return err
		}

		header := cartDocument{}
		snap, err := tx.Get(headerRef)
		switch {
		case err == nil:
			decoded, decodeErr := r.carts.Decode(snap)
			if decodeErr != nil {
				return fmt.Errorf("decode cart %s: %w", uid, decodeErr)
			}
			header = decoded.Data
		case pfirestore.IsNotFound(err):
		default:
			return err
		}

		itemsRef := headerRef.Collection(cartItemsCollection)
		current, err := readItems(tx.Documents(itemsRef))
		if err != nil {
			return err
		}

		next, err := fn(ctx, cloneItems(current))
		if err != nil {
			mutationErr = err
			return err
		}
		if err := repositories.ValidateItems(next); err != nil {
			mutationErr = err
			return err
		}

		now := r.now().UTC()
		changes := repositories.DiffItems(current, next)
		for _, id := range changes.Deletes {
			if err := tx.Delete(itemsRef.Doc(id)); err != nil {
				return err
			}
		}
		for _, item := range changes.Upserts {
			if err := tx.Set(itemsRef.Doc(item.ID), newCartItemDocument(item, now)); err != nil {
				return err
			}
		}

		if header.CreatedAt.IsZero() {
			header.CreatedAt = now
		}
		if !changes.Empty() || header.UpdatedAt.IsZero() {
			header.UpdatedAt = now
		}
		header.ItemsCount = len(next)
		header.TotalQuantity = totalQuantity(next)
		if err := tx.Set(headerRef, header); err != nil {
			return err
		}

		repositories.SortItems(next)
		result = domain.Cart{UserID: uid, Items: next, UpdatedAt: header.UpdatedAt}
		return nil
	})
	if mutationErr != nil {
		return domain.Cart{}, mutationErr
	}
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.mutate", err)
	}
	return result, nil
}

func readItems(iter *firestore.DocumentIterator) ([]domain.CartItem, error) {
	defer iter.Stop()
	items := []domain.CartItem{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var doc cartItemDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode cart item %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}
	repositories.SortItems(items)
	return items, nil
}

func cloneItems(items []domain.CartItem) []domain.CartItem {
	out := make([]domain.CartItem, len(items))
	for i, item := range items {
		item.Variation = item.Variation.Clone()
		out[i] = item
	}
	return out
}

func totalQuantity(items []domain.CartItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

type cartDocument struct {
	ItemsCount    int       `firestore:"itemsCount"`
	TotalQuantity int       `firestore:"totalQuantity"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string         `firestore:"productId"`
	Variation map[string]any `firestore:"variation"`
	// VariationKey is the canonical signature, kept for queries and debugging.
	VariationKey string    `firestore:"variationKey"`
	Quantity     int       `firestore:"quantity"`
	AddedAt      time.Time `firestore:"addedAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func newCartItemDocument(item domain.CartItem, now time.Time) cartItemDocument {
	addedAt := item.AddedAt.UTC()
	if addedAt.IsZero() {
		addedAt = now
	}
	updatedAt := item.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = now
	}
	var variation map[string]any
	if len(item.Variation) > 0 {
		variation = map[string]any(item.Variation.Clone())
	}
	return cartItemDocument{
		ProductID:    item.ProductID,
		Variation:    variation,
		VariationKey: item.Variation.Signature(),
		Quantity:     item.Quantity,
		AddedAt:      addedAt,
		UpdatedAt:    updatedAt,
	}
}

func (d cartItemDocument) toDomain(id string) domain.CartItem {
	var variation domain.Variation
	if len(d.Variation) > 0 {
		variation = domain.Variation(d.Variation)
	}
	return domain.CartItem{
		ID:        id,
		ProductID: d.ProductID,
		Variation: variation,
		Quantity:  d.Quantity,
		AddedAt:   d.AddedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

var _ repositories.CartRepository = (*CartRepository)(nil)
