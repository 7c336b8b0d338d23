package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/mobishop/api/internal/domain"
)

const maxGuestCartLines = 200

// MergeGuestCart reconciles a guest cart into the user's cart. Validation happens before any
// write, and the selected action is applied in a single repository mutation.
func (s *cartService) MergeGuestCart(ctx context.Context, cmd MergeGuestCartCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}
	lines, err := normaliseGuestLines(cmd.Lines)
	if err != nil {
		return Cart{}, err
	}
	action, ok := domain.ParseMergeAction(cmd.Action)
	if !ok {
		return Cart{}, fmt.Errorf("%w: %q", ErrCartInvalidMergeAction, cmd.Action)
	}

	var (
		cart   Cart
		before int
	)
	if action == domain.MergeActionPrevious {
		cart, err = s.repo.Load(ctx, uid)
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		before = len(cart.Items)
	} else {
		cart, err = s.repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
			before = len(items)
			return planMerge(items, lines, action, s.matchMode, s.now(), s.newID), nil
		})
		if err != nil {
			s.logger(ctx, "cart.merge_failed", map[string]any{
				"userID": uid,
				"action": string(action),
				"error":  err.Error(),
			})
			return Cart{}, s.translateMutationError(err)
		}
	}

	var view Cart
	if action == domain.MergeActionPrevious {
		view, err = s.buildCart(ctx, cart)
		if err != nil {
			return Cart{}, err
		}
	} else {
		view = s.committedView(ctx, cart)
	}

	s.merges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("match_mode", string(s.matchMode)),
	))
	s.logger(ctx, "cart.merged", map[string]any{
		"userID":      uid,
		"action":      string(action),
		"guestLines":  len(lines),
		"itemsBefore": before,
		"itemsAfter":  len(view.Items),
	})
	s.publishMerged(ctx, CartMergedEvent{
		UserID:      uid,
		Action:      action,
		MatchMode:   s.matchMode,
		GuestLines:  len(lines),
		ItemsBefore: before,
		ItemsAfter:  len(view.Items),
		TotalItems:  view.TotalItems,
		OccurredAt:  s.now(),
	})
	return view, nil
}

func (s *cartService) publishMerged(ctx context.Context, event CartMergedEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishCartMerged(ctx, event); err != nil {
		s.logger(ctx, "cart.merge_event_failed", map[string]any{
			"userID": event.UserID,
			"error":  err.Error(),
		})
	}
}

// normaliseGuestLines rejects the whole cart when any line is unusable.
func normaliseGuestLines(lines []CartLine) ([]CartLine, error) {
	if len(lines) > maxGuestCartLines {
		return nil, fmt.Errorf("%w: at most %d lines", ErrCartInvalidGuestCart, maxGuestCartLines)
	}
	out := make([]CartLine, 0, len(lines))
	for i, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: line %d has no productId", ErrCartInvalidGuestCart, i)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: line %d quantity must be >= 1", ErrCartInvalidGuestCart, i)
		}
		out = append(out, CartLine{
			ProductID: productID,
			Quantity:  line.Quantity,
			Variation: line.Variation.Clone(),
		})
	}
	return out, nil
}

// planMerge computes the item set produced by action. previous returns existing unchanged.
func planMerge(existing []CartItem, guest []CartLine, action MergeAction, mode MergeMatchMode, now time.Time, newID func() string) []CartItem {
	switch action {
	case domain.MergeActionCurrent:
		out := make([]CartItem, 0, len(guest))
		index := make(map[string]int, len(guest))
		for _, line := range guest {
			key := line.Key()
			if i, ok := index[key]; ok {
				out[i].Quantity += line.Quantity
				continue
			}
			index[key] = len(out)
			out = append(out, newItemFromLine(line, now, newID))
		}
		return out
	case domain.MergeActionMerge:
		out := existing
		for _, line := range guest {
			i := matchItem(out, line, mode)
			if i < 0 {
				out = append(out, newItemFromLine(line, now, newID))
				continue
			}
			out[i].Quantity += line.Quantity
			out[i].UpdatedAt = now
		}
		return out
	default:
		return existing
	}
}

// matchItem finds the first item the guest line adds onto under mode.
func matchItem(items []CartItem, line CartLine, mode MergeMatchMode) int {
	key := line.Key()
	for i := range items {
		if mode == domain.MergeMatchVariation {
			if items[i].Key() == key {
				return i
			}
			continue
		}
		if items[i].ProductID == line.ProductID {
			return i
		}
	}
	return -1
}

func newItemFromLine(line CartLine, now time.Time, newID func() string) CartItem {
	return CartItem{
		ID:        newID(),
		ProductID: line.ProductID,
		Variation: line.Variation.Clone(),
		Quantity:  line.Quantity,
		AddedAt:   now,
		UpdatedAt: now,
	}
}
