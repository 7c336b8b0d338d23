// Package cartapi is the HTTP client for the authenticated cart endpoints.
package cartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"github.com/mobishop/api/internal/domain"
)

const (
	defaultTimeout    = 10 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 4 << 10
)

// ErrMissingCredentials is returned when a call is attempted without a token source.
var ErrMissingCredentials = errors.New("cartapi: missing credentials")

// APIError is a non-2xx response decoded from the API error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("cartapi: status %d", e.Status)
	}
	return fmt.Sprintf("cartapi: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// Product mirrors the product summary embedded in cart items.
type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Image         string          `json:"image"`
	InStock       bool            `json:"inStock"`
	StockQuantity int             `json:"stockQuantity"`
}

// Item is one authenticated cart line as returned by the API.
type Item struct {
	ID        string           `json:"id"`
	ProductID string           `json:"productId"`
	Product   *Product         `json:"product"`
	Variation domain.Variation `json:"variation"`
	Quantity  int              `json:"quantity"`
	AddedAt   time.Time        `json:"addedAt"`
}

// Cart is the authenticated cart view.
type Cart struct {
	Items       []Item          `json:"items"`
	TotalItems  int             `json:"totalItems"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// MergeRequest carries a guest cart and the chosen resolution.
type MergeRequest struct {
	Action         domain.MergeAction
	Lines          []domain.CartLine
	IdempotencyKey string
}

// Client issues cart calls against the API service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport client. Its Transport is wrapped with
// bearer authentication per call.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithTimeout bounds each call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewClient constructs a client for the API rooted at baseURL (for example
// https://api.example.com/api/v1).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("cartapi: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("cartapi: invalid base url: %w", err)
	}
	client := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// FetchCart returns the caller's authenticated cart.
func (c *Client) FetchCart(ctx context.Context, tokens oauth2.TokenSource) (Cart, error) {
	var cart Cart
	err := c.do(ctx, tokens, http.MethodGet, []string{"cart"}, nil, "", &cart)
	return cart, err
}

// MergeCart submits the guest cart with the chosen action and returns the resulting cart.
func (c *Client) MergeCart(ctx context.Context, tokens oauth2.TokenSource, req MergeRequest) (Cart, error) {
	lines := req.Lines
	if lines == nil {
		lines = []domain.CartLine{}
	}
	body := mergePayload{GuestCart: lines, Action: string(req.Action)}
	var cart Cart
	err := c.do(ctx, tokens, http.MethodPost, []string{"cart", "merge"}, body, req.IdempotencyKey, &cart)
	return cart, err
}

type mergePayload struct {
	GuestCart []domain.CartLine `json:"guestCart"`
	Action    string            `json:"action"`
}

func (c *Client) do(ctx context.Context, tokens oauth2.TokenSource, method string, path []string, body any, idempotencyKey string, out any) error {
	if tokens == nil {
		return ErrMissingCredentials
	}
	endpoint, err := url.JoinPath(c.baseURL, path...)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		httpReq.Header.Set(idempotencyHeader, key)
	}

	resp, err := c.authorized(tokens).Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cartapi: decode response: %w", err)
	}
	return nil
}

func (c *Client) authorized(tokens oauth2.TokenSource) *http.Client {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *c.http
	clone.Transport = &oauth2.Transport{Source: tokens, Base: base}
	return &clone
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		apiErr.Code = strings.TrimSpace(envelope.Error)
		apiErr.Message = strings.TrimSpace(envelope.Message)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// StaticToken adapts a bearer token string (for example a Firebase ID token) to an
// oauth2.TokenSource.
func StaticToken(token string) oauth2.TokenSource {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}
