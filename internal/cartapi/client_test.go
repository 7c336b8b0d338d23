package cartapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mobishop/api/internal/domain"
)

func TestClientFetchCart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/cart" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer id-token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"i1","productId":"P1","product":{"id":"P1","name":"Phone","price":199.5,"inStock":true,"stockQuantity":3},"variation":null,"quantity":2}],"totalItems":2,"totalAmount":399}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL + "/api/v1")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	cart, err := client.FetchCart(context.Background(), StaticToken("id-token"))
	if err != nil {
		t.Fatalf("FetchCart: %v", err)
	}
	if cart.TotalItems != 2 || len(cart.Items) != 1 {
		t.Fatalf("unexpected cart %+v", cart)
	}
	if cart.Items[0].Product == nil || cart.Items[0].Product.Price.String() != "199.5" {
		t.Fatalf("unexpected product %+v", cart.Items[0].Product)
	}
	if cart.TotalAmount.String() != "399" {
		t.Fatalf("unexpected total %s", cart.TotalAmount)
	}
}

func TestClientMergeCartSendsPayloadAndKey(t *testing.T) {
	var captured struct {
		GuestCart []domain.CartLine `json:"guestCart"`
		Action    string            `json:"action"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/cart/merge" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "decision-1-merge" {
			t.Fatalf("unexpected idempotency key %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"items":[],"totalItems":5,"totalAmount":"0"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	cart, err := client.MergeCart(context.Background(), StaticToken("tok"), MergeRequest{
		Action:         domain.MergeActionMerge,
		Lines:          []domain.CartLine{{ProductID: "P1", Quantity: 3, Variation: domain.Variation{"color": "red"}}},
		IdempotencyKey: "decision-1-merge",
	})
	if err != nil {
		t.Fatalf("MergeCart: %v", err)
	}
	if cart.TotalItems != 5 {
		t.Fatalf("unexpected total items %d", cart.TotalItems)
	}
	if captured.Action != "merge" || len(captured.GuestCart) != 1 || captured.GuestCart[0].Variation["color"] != "red" {
		t.Fatalf("unexpected payload %+v", captured)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_merge_action","message":"action must be one of current, previous, merge","status":400}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	_, err := client.MergeCart(context.Background(), StaticToken("tok"), MergeRequest{Action: "replace"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != "invalid_merge_action" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.Temporary() {
		t.Fatalf("400 should not be temporary")
	}
}

func TestClientRequiresCredentials(t *testing.T) {
	client, _ := NewClient("http://example.invalid")
	if _, err := client.FetchCart(context.Background(), nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if StaticToken("  ") != nil {
		t.Fatalf("expected blank token to produce nil source")
	}
}
