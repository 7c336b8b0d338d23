package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/guestcart"
	"github.com/mobishop/api/internal/platform/httpx"
	"github.com/mobishop/api/internal/platform/requestctx"
)

// GuestCartHandlers serve the anonymous cart for clients without local storage. The cart
// lives in a signed cookie; no server state is kept.
type GuestCartHandlers struct {
	codec        *guestcart.CookieCodec
	maxBodyBytes int64
}

// NewGuestCartHandlers constructs guest cart handlers over the cookie codec.
func NewGuestCartHandlers(codec *guestcart.CookieCodec, maxBodyBytes int64) *GuestCartHandlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodySize
	}
	return &GuestCartHandlers{codec: codec, maxBodyBytes: maxBodyBytes}
}

// Routes wires the /guest-cart endpoints onto the provided router.
func (h *GuestCartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.get)
	r.Delete("/", h.clear)
	r.Post("/items", h.add)
	r.Put("/items/{lineKey}", h.update)
	r.Delete("/items/{lineKey}", h.remove)
}

func (h *GuestCartHandlers) store(w http.ResponseWriter, r *http.Request) (*guestcart.Store, bool) {
	if h.codec == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("guest_cart_unavailable", "guest cart is not configured", http.StatusServiceUnavailable))
		return nil, false
	}
	logger := requestctx.Logger(r.Context()).Named("guestcart")
	return guestcart.NewStore(h.codec.Bind(w, r), guestcart.WithLogger(logger)), true
}

func (h *GuestCartHandlers) get(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	writeGuestCart(w, r, store.Read())
}

func (h *GuestCartHandlers) clear(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	if err := store.Clear(); err != nil {
		writeGuestStorageError(w, r, err)
		return
	}
	writeGuestCart(w, r, nil)
}

func (h *GuestCartHandlers) add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, h.maxBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		ProductID string           `json:"productId"`
		Quantity  int              `json:"quantity"`
		Variation domain.Variation `json:"variation"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	lines, err := store.Add(req.ProductID, req.Quantity, req.Variation)
	if err != nil {
		if errors.Is(err, guestcart.ErrProductRequired) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
			return
		}
		writeGuestStorageError(w, r, err)
		return
	}
	writeGuestCartStatus(w, r, http.StatusCreated, lines)
}

func (h *GuestCartHandlers) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	lineKey, ok := lineKeyParam(w, r)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, h.maxBodyBytes)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Quantity < 1 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be at least 1", http.StatusBadRequest))
		return
	}

	lines, err := store.UpdateQuantity(lineKey, req.Quantity)
	if err != nil {
		writeGuestStorageError(w, r, err)
		return
	}
	writeGuestCart(w, r, lines)
}

func (h *GuestCartHandlers) remove(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	lineKey, ok := lineKeyParam(w, r)
	if !ok {
		return
	}
	lines, err := store.Remove(lineKey)
	if err != nil {
		writeGuestStorageError(w, r, err)
		return
	}
	writeGuestCart(w, r, lines)
}

// lineKeyParam accepts a raw product id or a percent-encoded composite line key.
func lineKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "lineKey"))
	if err != nil || strings.TrimSpace(key) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "line key is required", http.StatusBadRequest))
		return "", false
	}
	return key, true
}

func writeGuestStorageError(w http.ResponseWriter, r *http.Request, err error) {
	requestctx.Logger(r.Context()).Warn("guest cart write failed", zap.Error(err))
	httpx.WriteError(r.Context(), w, httpx.NewError("guest_cart_error", "unable to store guest cart", http.StatusInternalServerError))
}

func writeGuestCart(w http.ResponseWriter, r *http.Request, lines []domain.CartLine) {
	writeGuestCartStatus(w, r, http.StatusOK, lines)
}

func writeGuestCartStatus(w http.ResponseWriter, r *http.Request, status int, lines []domain.CartLine) {
	payload := guestCartPayload{Items: make([]guestCartLinePayload, 0, len(lines))}
	for _, line := range lines {
		payload.Items = append(payload.Items, guestCartLinePayload{
			Key:       line.Key(),
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Variation: line.Variation,
		})
		payload.TotalItems += line.Quantity
	}
	setNoStore(w)
	httpx.WriteJSON(r.Context(), w, status, payload)
}

type guestCartPayload struct {
	Items      []guestCartLinePayload `json:"items"`
	TotalItems int                    `json:"totalItems"`
}

type guestCartLinePayload struct {
	Key       string           `json:"key"`
	ProductID string           `json:"productId"`
	Quantity  int              `json:"quantity"`
	Variation domain.Variation `json:"variation"`
}
