package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

const meterName = "github.com/mobishop/api/internal/services"

var (
	errCartRepositoryRequired    = errors.New("cart service: repository is required")
	errCartProductsRequired      = errors.New("cart service: product repository is required")
	errCartClockRequired         = errors.New("cart service: clock is required")
	errCartInvalidMergeMatchMode = errors.New("cart service: invalid merge match mode")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

var (
	// ErrCartProductNotFound indicates the referenced product is not in the catalog.
	ErrCartProductNotFound = errors.New("cart service: product not found")
	// ErrCartItemNotFound indicates the referenced cart item does not exist.
	ErrCartItemNotFound = errors.New("cart service: item not found")
	// ErrCartOutOfStock indicates the product is not purchasable.
	ErrCartOutOfStock = errors.New("cart service: out of stock")
	// ErrCartInsufficientStock indicates the requested quantity exceeds available stock.
	ErrCartInsufficientStock = errors.New("cart service: insufficient stock")
	// ErrCartInvalidGuestCart indicates the submitted guest cart is malformed.
	ErrCartInvalidGuestCart = errors.New("cart service: invalid guest cart")
	// ErrCartInvalidMergeAction indicates an unknown merge action.
	ErrCartInvalidMergeAction = errors.New("cart service: invalid merge action")
)

// CartServiceDeps wires the repository and collaborators for cart operations.
type CartServiceDeps struct {
	Repository  repositories.CartRepository
	Products    repositories.ProductRepository
	Events      CartEventPublisher
	MatchMode   MergeMatchMode
	Clock       func() time.Time
	Logger      func(context.Context, string, map[string]any)
	IDGenerator func() string
	Meter       metric.Meter
}

type cartService struct {
	repo      repositories.CartRepository
	products  repositories.ProductRepository
	events    CartEventPublisher
	matchMode MergeMatchMode
	newID     func() string
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
	merges    metric.Int64Counter
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	mode := domain.MergeMatchProduct
	if strings.TrimSpace(string(deps.MatchMode)) != "" {
		parsed, ok := domain.ParseMergeMatchMode(string(deps.MatchMode))
		if !ok {
			return nil, fmt.Errorf("%w: %q", errCartInvalidMergeMatchMode, deps.MatchMode)
		}
		mode = parsed
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	merges, err := meter.Int64Counter("cart.merges",
		metric.WithDescription("Guest cart merges applied, by action"),
		metric.WithUnit("{merge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("cart service: register metrics: %w", err)
	}

	return &cartService{
		repo:      deps.Repository,
		products:  deps.Products,
		events:    deps.Events,
		matchMode: mode,
		newID:     idGen,
		now:       func() time.Time { return deps.Clock().UTC() },
		logger:    logger,
		merges:    merges,
	}, nil
}

// GetCart returns the user's cart view. A user without a cart gets an empty one.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.repo.Load(ctx, uid)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return s.buildCart(ctx, cart)
}

// AddItem adds quantity onto the line with the same product and variation, or inserts a new
// line. The resulting quantity must fit the available stock.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(cmd.UserID)
	productID := strings.TrimSpace(cmd.ProductID)
	if uid == "" || productID == "" {
		return Cart{}, ErrCartInvalidInput
	}
	quantity := cmd.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 {
		return Cart{}, ErrCartInvalidInput
	}

	product, err := s.lookupProduct(ctx, productID)
	if err != nil {
		return Cart{}, err
	}
	if !product.InStock {
		return Cart{}, ErrCartOutOfStock
	}
	variation := cmd.Variation.Clone()
	key := domain.LineKey(productID, variation)

	cart, err := s.repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
		now := s.now()
		for i := range items {
			if items[i].Key() != key {
				continue
			}
			next := items[i].Quantity + quantity
			if err := checkStock(product, items[i].Variation, next); err != nil {
				return nil, err
			}
			items[i].Quantity = next
			items[i].UpdatedAt = now
			return items, nil
		}
		if err := checkStock(product, variation, quantity); err != nil {
			return nil, err
		}
		return append(items, domain.CartItem{
			ID:        s.newID(),
			ProductID: productID,
			Variation: variation,
			Quantity:  quantity,
			AddedAt:   now,
			UpdatedAt: now,
		}), nil
	})
	if err != nil {
		return Cart{}, s.translateMutationError(err)
	}
	return s.committedView(ctx, cart), nil
}

// UpdateItemQuantity sets the quantity of an existing item.
func (s *cartService) UpdateItemQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if uid == "" || itemID == "" || cmd.Quantity < 1 {
		return Cart{}, ErrCartInvalidInput
	}

	current, err := s.repo.Load(ctx, uid)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	index := indexOfCartItem(current.Items, itemID)
	if index < 0 {
		return Cart{}, ErrCartItemNotFound
	}
	product, err := s.lookupProduct(ctx, current.Items[index].ProductID)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
		i := indexOfCartItem(items, itemID)
		if i < 0 {
			return nil, ErrCartItemNotFound
		}
		if items[i].ProductID != product.ID {
			return nil, ErrCartConflict
		}
		if err := checkStock(product, items[i].Variation, cmd.Quantity); err != nil {
			return nil, err
		}
		if items[i].Quantity != cmd.Quantity {
			items[i].Quantity = cmd.Quantity
			items[i].UpdatedAt = s.now()
		}
		return items, nil
	})
	if err != nil {
		return Cart{}, s.translateMutationError(err)
	}
	return s.committedView(ctx, cart), nil
}

// RemoveItem deletes an item from the cart.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if uid == "" || itemID == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.repo.Mutate(ctx, uid, func(_ context.Context, items []domain.CartItem) ([]domain.CartItem, error) {
		i := indexOfCartItem(items, itemID)
		if i < 0 {
			return nil, ErrCartItemNotFound
		}
		return append(items[:i], items[i+1:]...), nil
	})
	if err != nil {
		return Cart{}, s.translateMutationError(err)
	}
	return s.committedView(ctx, cart), nil
}

func (s *cartService) lookupProduct(ctx context.Context, productID string) (Product, error) {
	products, err := s.products.GetProducts(ctx, []string{productID})
	if err != nil {
		s.logger(ctx, "cart.product_lookup_failed", map[string]any{
			"productID": productID,
			"error":     err.Error(),
		})
		return Product{}, s.translateRepoError(err)
	}
	product, ok := products[productID]
	if !ok {
		return Product{}, ErrCartProductNotFound
	}
	return product, nil
}

// checkStock enforces the variation stock when recorded, else the product stock.
func checkStock(product Product, variation Variation, quantity int) error {
	limit := product.StockQuantity
	if stock, ok := variation.Stock(); ok {
		limit = stock
	}
	if quantity > limit {
		return fmt.Errorf("%w: requested %d, available %d", ErrCartInsufficientStock, quantity, limit)
	}
	return nil
}

// buildCart resolves products and totals for the view returned to clients.
func (s *cartService) buildCart(ctx context.Context, cart Cart) (Cart, error) {
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	var products map[string]Product
	if len(ids) > 0 {
		found, err := s.products.GetProducts(ctx, ids)
		if err != nil {
			s.logger(ctx, "cart.products_failed", map[string]any{
				"userID": cart.UserID,
				"error":  err.Error(),
			})
			return Cart{}, s.translateRepoError(err)
		}
		products = found
	}
	return priceCart(cart, products), nil
}

// committedView builds the view of a cart that has already been written. A failed product
// lookup degrades the view instead of reporting the write as failed.
func (s *cartService) committedView(ctx context.Context, cart Cart) Cart {
	view, err := s.buildCart(ctx, cart)
	if err != nil {
		return priceCart(cart, nil)
	}
	return view
}

// priceCart fills products and totals. Items whose price is unknown count toward TotalItems
// but not TotalAmount.
func priceCart(cart Cart, products map[string]Product) Cart {
	if cart.Items == nil {
		cart.Items = []CartItem{}
	}
	if products == nil {
		products = map[string]Product{}
	}
	cart.Products = products

	total := decimal.Zero
	count := 0
	for _, item := range cart.Items {
		count += item.Quantity
		price, ok := cart.UnitPrice(item)
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	cart.TotalItems = count
	cart.TotalAmount = total
	return cart
}

func (s *cartService) translateMutationError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCartItemNotFound),
		errors.Is(err, ErrCartInsufficientStock),
		errors.Is(err, ErrCartOutOfStock),
		errors.Is(err, ErrCartConflict):
		return err
	case errors.Is(err, repositories.ErrInvalidCartItems):
		return fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return s.translateRepoError(err)
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

func indexOfCartItem(items []domain.CartItem, itemID string) int {
	for i := range items {
		if items[i].ID == itemID {
			return i
		}
	}
	return -1
}
