package services

import (
	"context"

	domain "github.com/mobishop/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart            = domain.Cart
	CartItem        = domain.CartItem
	CartLine        = domain.CartLine
	Product         = domain.Product
	Variation       = domain.Variation
	MergeAction     = domain.MergeAction
	MergeMatchMode  = domain.MergeMatchMode
	CartMergedEvent = domain.CartMergedEvent
)

// CartService manages the authenticated cart and reconciles guest carts into it.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItemQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	MergeGuestCart(ctx context.Context, cmd MergeGuestCartCommand) (Cart, error)
}

// SystemService reports whether the cart API can serve traffic.
type SystemService interface {
	Readiness(ctx context.Context) (domain.Readiness, error)
}

// CartEventPublisher emits cart lifecycle events to downstream consumers.
type CartEventPublisher interface {
	PublishCartMerged(ctx context.Context, event CartMergedEvent) error
}

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
	Variation Variation
}

type UpdateCartItemCommand struct {
	UserID   string
	ItemID   string
	Quantity int
}

type RemoveCartItemCommand struct {
	UserID string
	ItemID string
}

// MergeGuestCartCommand carries a guest cart submitted at login. Action is validated by the
// service so callers can pass the raw request value.
type MergeGuestCartCommand struct {
	UserID string
	Action string
	Lines  []CartLine
}
