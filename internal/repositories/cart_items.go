package repositories

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	domain "github.com/mobishop/api/internal/domain"
)

// ErrInvalidCartItems is returned when a mutation produces an item set that cannot be stored.
var ErrInvalidCartItems = errors.New("cart repository: invalid items")

// ItemChanges is the write set that turns one item slice into another.
type ItemChanges struct {
	Upserts []domain.CartItem
	Deletes []string
}

// Empty reports whether nothing needs to be written.
func (c ItemChanges) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// ValidateItems checks the invariants every stored cart must satisfy: ids present and unique,
// positive quantities, and at most one item per (product, variation).
func ValidateItems(items []domain.CartItem) error {
	ids := make(map[string]struct{}, len(items))
	keys := make(map[string]struct{}, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return fmt.Errorf("%w: item id is required", ErrInvalidCartItems)
		}
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %s has no product", ErrInvalidCartItems, id)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %s quantity must be >= 1", ErrInvalidCartItems, id)
		}
		if _, dup := ids[id]; dup {
			return fmt.Errorf("%w: duplicate item id %s", ErrInvalidCartItems, id)
		}
		ids[id] = struct{}{}
		key := item.Key()
		if _, dup := keys[key]; dup {
			return fmt.Errorf("%w: duplicate line %s", ErrInvalidCartItems, key)
		}
		keys[key] = struct{}{}
	}
	return nil
}

// DiffItems compares two item slices by id. Upserts keep the order of after; deletes keep
// the order of before.
func DiffItems(before, after []domain.CartItem) ItemChanges {
	previous := make(map[string]domain.CartItem, len(before))
	for _, item := range before {
		previous[item.ID] = item
	}
	next := make(map[string]struct{}, len(after))

	var changes ItemChanges
	for _, item := range after {
		next[item.ID] = struct{}{}
		old, ok := previous[item.ID]
		if ok && old.ProductID == item.ProductID && old.Quantity == item.Quantity && old.Variation.Equal(item.Variation) {
			continue
		}
		changes.Upserts = append(changes.Upserts, item)
	}
	for _, item := range before {
		if _, ok := next[item.ID]; !ok {
			changes.Deletes = append(changes.Deletes, item.ID)
		}
	}
	return changes
}

// SortItems orders items by AddedAt, then id, in place.
func SortItems(items []domain.CartItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
}
