package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

type memoryCartRepository struct {
	mu      sync.Mutex
	carts   map[string][]domain.CartItem
	mutates int
	err     error
}

func newMemoryCartRepository() *memoryCartRepository {
	return &memoryCartRepository{carts: map[string][]domain.CartItem{}}
}

func (r *memoryCartRepository) Load(_ context.Context, userID string) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Cart{}, r.err
	}
	return domain.Cart{UserID: userID, Items: copyItems(r.carts[userID])}, nil
}

func (r *memoryCartRepository) Mutate(ctx context.Context, userID string, fn repositories.CartMutation) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutates++
	if r.err != nil {
		return domain.Cart{}, r.err
	}
	next, err := fn(ctx, copyItems(r.carts[userID]))
	if err != nil {
		return domain.Cart{}, err
	}
	if err := repositories.ValidateItems(next); err != nil {
		return domain.Cart{}, err
	}
	r.carts[userID] = copyItems(next)
	return domain.Cart{UserID: userID, Items: next}, nil
}

func (r *memoryCartRepository) seed(userID string, items ...domain.CartItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts[userID] = copyItems(items)
}

func copyItems(items []domain.CartItem) []domain.CartItem {
	out := make([]domain.CartItem, len(items))
	for i, item := range items {
		item.Variation = item.Variation.Clone()
		out[i] = item
	}
	return out
}

type stubProductRepository struct {
	products map[string]domain.Product
	err      error
}

func (s *stubProductRepository) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]domain.Product{}
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

type stubCartEventPublisher struct {
	events []CartMergedEvent
	err    error
}

func (s *stubCartEventPublisher) PublishCartMerged(_ context.Context, event CartMergedEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubRepoError struct {
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "repo error" }
func (e stubRepoError) IsNotFound() bool    { return false }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testCatalog() *stubProductRepository {
	return &stubProductRepository{products: map[string]domain.Product{
		"P1": {ID: "P1", Name: "Phone", Price: decimal.RequireFromString("199.99"), InStock: true, StockQuantity: 10},
		"P2": {ID: "P2", Name: "Case", Price: decimal.NewFromInt(15), InStock: true, StockQuantity: 2},
		"P3": {ID: "P3", Name: "Sold out", Price: decimal.NewFromInt(5), InStock: false},
	}}
}

type cartServiceFixture struct {
	service CartService
	repo    *memoryCartRepository
	catalog *stubProductRepository
	events  *stubCartEventPublisher
	logs    []string
}

func newCartServiceFixture(t *testing.T, mode MergeMatchMode) *cartServiceFixture {
	t.Helper()
	fx := &cartServiceFixture{repo: newMemoryCartRepository(), catalog: testCatalog(), events: &stubCartEventPublisher{}}
	seq := 0
	service, err := NewCartService(CartServiceDeps{
		Repository: fx.repo,
		Products:   fx.catalog,
		Events:     fx.events,
		MatchMode:  mode,
		Clock:      func() time.Time { return testNow },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			fx.logs = append(fx.logs, event)
		},
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("item-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	fx.service = service
	return fx
}

func quantities(cart Cart) map[string]int {
	out := map[string]int{}
	for _, item := range cart.Items {
		out[item.Key()] = item.Quantity
	}
	return out
}

func TestNewCartServiceValidatesDeps(t *testing.T) {
	clock := func() time.Time { return testNow }
	if _, err := NewCartService(CartServiceDeps{Products: testCatalog(), Clock: clock}); !errors.Is(err, errCartRepositoryRequired) {
		t.Fatalf("expected repository error, got %v", err)
	}
	if _, err := NewCartService(CartServiceDeps{Repository: newMemoryCartRepository(), Clock: clock}); !errors.Is(err, errCartProductsRequired) {
		t.Fatalf("expected products error, got %v", err)
	}
	if _, err := NewCartService(CartServiceDeps{Repository: newMemoryCartRepository(), Products: testCatalog()}); !errors.Is(err, errCartClockRequired) {
		t.Fatalf("expected clock error, got %v", err)
	}
	_, err := NewCartService(CartServiceDeps{
		Repository: newMemoryCartRepository(),
		Products:   testCatalog(),
		Clock:      clock,
		MatchMode:  "sku",
	})
	if !errors.Is(err, errCartInvalidMergeMatchMode) {
		t.Fatalf("expected match mode error, got %v", err)
	}
}

func TestCartServiceGetCartComputesTotals(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	fx.repo.seed("user-1",
		domain.CartItem{ID: "a", ProductID: "P1", Quantity: 2, AddedAt: testNow},
		domain.CartItem{ID: "b", ProductID: "P1", Variation: domain.Variation{"color": "gold", "price": 249.5}, Quantity: 1, AddedAt: testNow},
		domain.CartItem{ID: "c", ProductID: "gone", Quantity: 4, AddedAt: testNow},
	)

	cart, err := fx.service.GetCart(context.Background(), " user-1 ")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart.TotalItems != 7 {
		t.Fatalf("expected 7 total items, got %d", cart.TotalItems)
	}
	// 2 x 199.99 + 249.5; the missing product contributes nothing.
	if want := decimal.RequireFromString("649.48"); !cart.TotalAmount.Equal(want) {
		t.Fatalf("expected total %s, got %s", want, cart.TotalAmount)
	}
	if _, ok := cart.Products["gone"]; ok {
		t.Fatalf("expected missing product to be absent")
	}
}

func TestCartServiceGetCartEmpty(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	cart, err := fx.service.GetCart(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart.Items == nil || len(cart.Items) != 0 || !cart.TotalAmount.IsZero() {
		t.Fatalf("expected empty cart, got %+v", cart)
	}
	if _, err := fx.service.GetCart(context.Background(), " "); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCartServiceAddItemKeepsLinesUnique(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	ctx := context.Background()
	red := domain.Variation{"color": "red"}

	if _, err := fx.service.AddItem(ctx, AddCartItemCommand{UserID: "u", ProductID: "P1", Variation: red}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if _, err := fx.service.AddItem(ctx, AddCartItemCommand{UserID: "u", ProductID: "P1", Quantity: 2, Variation: domain.Variation{"color": "red"}}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	cart, err := fx.service.AddItem(ctx, AddCartItemCommand{UserID: "u", ProductID: "P1", Quantity: 1})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	got := quantities(cart)
	if len(got) != 2 || got[domain.LineKey("P1", red)] != 3 || got[domain.LineKey("P1", nil)] != 1 {
		t.Fatalf("unexpected lines %v", got)
	}
	if cart.Items[0].ID != "item-1" || !cart.Items[0].AddedAt.Equal(testNow) {
		t.Fatalf("expected generated id and timestamp, got %+v", cart.Items[0])
	}
}

func TestCartServiceAddItemStockRules(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  AddCartItemCommand
		want error
	}{
		{name: "unknown product", cmd: AddCartItemCommand{UserID: "u", ProductID: "nope"}, want: ErrCartProductNotFound},
		{name: "out of stock", cmd: AddCartItemCommand{UserID: "u", ProductID: "P3"}, want: ErrCartOutOfStock},
		{name: "product stock", cmd: AddCartItemCommand{UserID: "u", ProductID: "P2", Quantity: 3}, want: ErrCartInsufficientStock},
		{name: "variation stock", cmd: AddCartItemCommand{UserID: "u", ProductID: "P1", Quantity: 2, Variation: domain.Variation{"stock": 1}}, want: ErrCartInsufficientStock},
		{name: "negative quantity", cmd: AddCartItemCommand{UserID: "u", ProductID: "P1", Quantity: -1}, want: ErrCartInvalidInput},
		{name: "missing product id", cmd: AddCartItemCommand{UserID: "u"}, want: ErrCartInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.service.AddItem(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := fx.service.AddItem(ctx, AddCartItemCommand{UserID: "u", ProductID: "P2", Quantity: 2}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if _, err := fx.service.AddItem(ctx, AddCartItemCommand{UserID: "u", ProductID: "P2"}); !errors.Is(err, ErrCartInsufficientStock) {
		t.Fatalf("expected insufficient stock on increment, got %v", err)
	}
}

func TestCartServiceUpdateItemQuantity(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	ctx := context.Background()
	fx.repo.seed("u", domain.CartItem{ID: "a", ProductID: "P2", Quantity: 1, AddedAt: testNow})

	cart, err := fx.service.UpdateItemQuantity(ctx, UpdateCartItemCommand{UserID: "u", ItemID: "a", Quantity: 2})
	if err != nil {
		t.Fatalf("UpdateItemQuantity: %v", err)
	}
	if cart.Items[0].Quantity != 2 || cart.TotalAmount.String() != "30" {
		t.Fatalf("unexpected cart %+v total %s", cart.Items, cart.TotalAmount)
	}

	if _, err := fx.service.UpdateItemQuantity(ctx, UpdateCartItemCommand{UserID: "u", ItemID: "a", Quantity: 5}); !errors.Is(err, ErrCartInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := fx.service.UpdateItemQuantity(ctx, UpdateCartItemCommand{UserID: "u", ItemID: "a", Quantity: 0}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := fx.service.UpdateItemQuantity(ctx, UpdateCartItemCommand{UserID: "u", ItemID: "zzz", Quantity: 1}); !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
}

func TestCartServiceRemoveItem(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	ctx := context.Background()
	fx.repo.seed("u",
		domain.CartItem{ID: "a", ProductID: "P1", Quantity: 1},
		domain.CartItem{ID: "b", ProductID: "P2", Quantity: 1},
	)

	cart, err := fx.service.RemoveItem(ctx, RemoveCartItemCommand{UserID: "u", ItemID: "a"})
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].ID != "b" {
		t.Fatalf("unexpected items %+v", cart.Items)
	}
	if _, err := fx.service.RemoveItem(ctx, RemoveCartItemCommand{UserID: "u", ItemID: "a"}); !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
}

func TestCartServiceRemoveItemSucceedsWhenCatalogFails(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	fx.repo.seed("u",
		domain.CartItem{ID: "a", ProductID: "P1", Quantity: 1},
		domain.CartItem{ID: "b", ProductID: "P2", Quantity: 2},
	)
	fx.catalog.err = errors.New("catalog down")

	cart, err := fx.service.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "u", ItemID: "a"})
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if len(cart.Items) != 1 || cart.TotalItems != 2 || cart.Items[0].ID != "b" {
		t.Fatalf("unexpected view %+v", cart)
	}
	if _, ok := cart.Products["P2"]; ok {
		t.Fatalf("expected no product details without the catalog")
	}
}

func TestCartServiceTranslatesRepositoryErrors(t *testing.T) {
	fx := newCartServiceFixture(t, "")
	ctx := context.Background()

	fx.repo.err = stubRepoError{conflict: true}
	if _, err := fx.service.RemoveItem(ctx, RemoveCartItemCommand{UserID: "u", ItemID: "a"}); !errors.Is(err, ErrCartConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	fx.repo.err = stubRepoError{unavailable: true}
	if _, err := fx.service.GetCart(ctx, "u"); !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	fx.repo.err = errors.New("boom")
	if _, err := fx.service.GetCart(ctx, "u"); !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable for unclassified error, got %v", err)
	}
}
