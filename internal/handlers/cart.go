package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/services"
)

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn        *auth.Authenticator
	carts        services.CartService
	maxBodyBytes int64
	limiter      rateLimiter
	mergeLimiter rateLimiter
	mergeMW      []func(http.Handler) http.Handler
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithCartMaxBodyBytes bounds request bodies on mutating cart routes.
func WithCartMaxBodyBytes(limit int64) CartOption {
	return func(h *CartHandlers) {
		if limit > 0 {
			h.maxBodyBytes = limit
		}
	}
}

// WithCartRateLimit throttles every cart route per user. Zero disables throttling.
func WithCartRateLimit(perMinute int, clock func() time.Time) CartOption {
	return func(h *CartHandlers) {
		h.limiter = newKeyedRateLimiter(perMinute, clock)
	}
}

// WithMergeRateLimit throttles POST /cart/merge per user. Zero disables throttling.
func WithMergeRateLimit(perMinute int, clock func() time.Time) CartOption {
	return func(h *CartHandlers) {
		h.mergeLimiter = newKeyedRateLimiter(perMinute, clock)
	}
}

// WithMergeMiddlewares wraps the merge route, typically with idempotency replay.
func WithMergeMiddlewares(mw ...func(http.Handler) http.Handler) CartOption {
	return func(h *CartHandlers) {
		h.mergeMW = append(h.mergeMW, mw...)
	}
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn:        authn,
		carts:        carts,
		maxBodyBytes: defaultMaxBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Use(rateLimitByUser(h.limiter))
	r.Get("/", h.getCart)
	r.Post("/items", h.addItem)
	r.Put("/items/{itemId}", h.updateItem)
	r.Delete("/items/{itemId}", h.removeItem)

	merge := r.With(rateLimitByUser(h.mergeLimiter))
	for _, mw := range h.mergeMW {
		if mw != nil {
			merge = merge.With(mw)
		}
	}
	merge.Post("/merge", h.mergeGuestCart)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUserID(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, uid)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(ctx, w, http.StatusOK, cart)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUserID(ctx, w)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, h.maxBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		ProductID string             `json:"productId"`
		Quantity  *int               `json:"quantity"`
		Variation services.Variation `json:"variation"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	cart, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID:    uid,
		ProductID: req.ProductID,
		Quantity:  quantity,
		Variation: req.Variation,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(ctx, w, http.StatusCreated, cart)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUserID(ctx, w)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, h.maxBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req struct {
		Quantity *int `json:"quantity"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	if req.Quantity == nil || *req.Quantity < 1 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be at least 1", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpdateItemQuantity(ctx, services.UpdateCartItemCommand{
		UserID:   uid,
		ItemID:   chi.URLParam(r, "itemId"),
		Quantity: *req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(ctx, w, http.StatusOK, cart)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUserID(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID: uid,
		ItemID: chi.URLParam(r, "itemId"),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(ctx, w, http.StatusOK, cart)
}

func (h *CartHandlers) mergeGuestCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUserID(ctx, w)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, h.maxBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	req, err := parseMergeRequest(body)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	cart, err := h.carts.MergeGuestCart(ctx, services.MergeGuestCartCommand{
		UserID: uid,
		Action: req.action,
		Lines:  req.lines,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCart(ctx, w, http.StatusOK, cart)
}

type mergeRequest struct {
	action string
	lines  []services.CartLine
}

// parseMergeRequest decodes the body field by field so that malformed input maps to the
// specific error codes clients act on.
func parseMergeRequest(body []byte) (mergeRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return mergeRequest{}, fmt.Errorf("%w: invalid JSON payload", services.ErrCartInvalidInput)
	}

	var elements []json.RawMessage
	guestRaw, ok := raw["guestCart"]
	if !ok || json.Unmarshal(guestRaw, &elements) != nil || elements == nil {
		return mergeRequest{}, fmt.Errorf("%w: guestCart must be an array", services.ErrCartInvalidGuestCart)
	}
	lines := make([]services.CartLine, 0, len(elements))
	for i, element := range elements {
		var line struct {
			ProductID string             `json:"productId"`
			Quantity  int                `json:"quantity"`
			Variation services.Variation `json:"variation"`
		}
		if err := json.Unmarshal(element, &line); err != nil {
			return mergeRequest{}, fmt.Errorf("%w: line %d is malformed", services.ErrCartInvalidGuestCart, i)
		}
		lines = append(lines, services.CartLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Variation: line.Variation,
		})
	}

	var action string
	if actionRaw, ok := raw["action"]; ok {
		if err := json.Unmarshal(actionRaw, &action); err != nil {
			return mergeRequest{}, fmt.Errorf("%w: action must be a string", services.ErrCartInvalidMergeAction)
		}
	}
	return mergeRequest{action: action, lines: lines}, nil
}

func writeCartUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidGuestCart):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_guest_cart", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartInvalidMergeAction):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_merge_action", "action must be one of current, previous, merge", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "cart item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", "product is out of stock", http.StatusConflict))
	case errors.Is(err, services.ErrCartInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		writeCartUnavailable(ctx, w)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart", http.StatusInternalServerError))
	}
}

func writeCart(ctx context.Context, w http.ResponseWriter, status int, cart services.Cart) {
	setNoStore(w)
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
	httpx.WriteJSON(ctx, w, status, buildCartPayload(cart))
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		Items:       make([]cartItemPayload, 0, len(cart.Items)),
		TotalItems:  cart.TotalItems,
		TotalAmount: cart.TotalAmount,
		UpdatedAt:   formatTime(cart.UpdatedAt),
	}
	for _, item := range cart.Items {
		entry := cartItemPayload{
			ID:        item.ID,
			ProductID: item.ProductID,
			Variation: item.Variation,
			Quantity:  item.Quantity,
			AddedAt:   formatTime(item.AddedAt),
		}
		if product, ok := cart.Products[item.ProductID]; ok {
			// Variation overrides apply to the embedded product.
			price, _ := cart.UnitPrice(item)
			stock, ok := item.Variation.Stock()
			if !ok {
				stock = product.StockQuantity
			}
			entry.Product = &productPayload{
				ID:            product.ID,
				Name:          product.Name,
				Price:         price,
				Image:         product.Image,
				InStock:       product.InStock,
				StockQuantity: stock,
			}
		}
		payload.Items = append(payload.Items, entry)
	}
	return payload
}

func buildCartETag(cart services.Cart) string {
	if strings.TrimSpace(cart.UserID) == "" || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%s:%d:%d", cart.UserID, cart.UpdatedAt.UTC().UnixNano(), cart.TotalItems)
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}

type cartPayload struct {
	Items       []cartItemPayload `json:"items"`
	TotalItems  int               `json:"totalItems"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
	UpdatedAt   string            `json:"updatedAt,omitempty"`
}

type cartItemPayload struct {
	ID        string             `json:"id"`
	ProductID string             `json:"productId"`
	Product   *productPayload    `json:"product"`
	Variation services.Variation `json:"variation"`
	Quantity  int                `json:"quantity"`
	AddedAt   string             `json:"addedAt,omitempty"`
}

type productPayload struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Image         string          `json:"image"`
	InStock       bool            `json:"inStock"`
	StockQuantity int             `json:"stockQuantity"`
}
