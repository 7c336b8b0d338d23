package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Variation describes a purchasable variant of a product such as a color/ram/rom
// combination. A nil or empty Variation selects the base product.
type Variation map[string]any

// Signature returns the canonical encoding of the variation used for structural equality.
// Keys are sorted, so two variations with the same fields produce the same signature.
func (v Variation) Signature() string {
	if len(v) == 0 {
		return "null"
	}
	data, err := json.Marshal(map[string]any(v))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(v))
	}
	return string(data)
}

// Equal reports whether both variations select the same SKU.
func (v Variation) Equal(other Variation) bool {
	return v.Signature() == other.Signature()
}

// Clone returns a shallow copy; nested values are shared.
func (v Variation) Clone() Variation {
	if len(v) == 0 {
		return nil
	}
	out := make(Variation, len(v))
	for key, value := range v {
		out[key] = value
	}
	return out
}

// Price returns the variation specific unit price when one is recorded.
func (v Variation) Price() (decimal.Decimal, bool) {
	return DecimalFrom(v["price"])
}

// DecimalFrom converts a decoded JSON or datastore value to a decimal.
func DecimalFrom(raw any) (decimal.Decimal, bool) {
	switch value := raw.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return value, true
	case float64:
		return decimal.NewFromFloat(value), true
	case float32:
		return decimal.NewFromFloat32(value), true
	case int:
		return decimal.NewFromInt(int64(value)), true
	case int64:
		return decimal.NewFromInt(value), true
	case json.Number:
		parsed, err := decimal.NewFromString(value.String())
		return parsed, err == nil
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		return parsed, err == nil
	default:
		return decimal.Zero, false
	}
}

// Stock returns the variation specific stock level when one is recorded.
func (v Variation) Stock() (int, bool) {
	raw, ok := v["stock"]
	if !ok || raw == nil {
		return 0, false
	}
	switch value := raw.(type) {
	case float64:
		if value != math.Trunc(value) {
			return 0, false
		}
		return int(value), true
	case int:
		return value, true
	case int64:
		return int(value), true
	case json.Number:
		parsed, err := value.Int64()
		return int(parsed), err == nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		return parsed, err == nil
	default:
		return 0, false
	}
}

// LineKey builds the composite identity of a cart line: the product id followed by the
// variation signature (for example `P1null` or `P1{"color":"red"}`).
func LineKey(productID string, variation Variation) string {
	return productID + variation.Signature()
}

// CartLine is the unit shared by guest carts and merge requests.
type CartLine struct {
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	Variation Variation `json:"variation"`
}

// Key returns the composite identity of the line.
func (l CartLine) Key() string {
	return LineKey(l.ProductID, l.Variation)
}

// CartItem is a persisted line of an authenticated cart.
type CartItem struct {
	ID        string
	ProductID string
	Variation Variation
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time
}

// Key returns the composite identity of the item.
func (i CartItem) Key() string {
	return LineKey(i.ProductID, i.Variation)
}

// Product is the catalog data resolved for cart lines.
type Product struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	Image         string
	InStock       bool
	StockQuantity int
}

// Cart is the authenticated cart view returned to clients.
type Cart struct {
	UserID      string
	Items       []CartItem
	Products    map[string]Product
	TotalItems  int
	TotalAmount decimal.Decimal
	UpdatedAt   time.Time
}

// UnitPrice returns the price applied to the item: the variation price when set, otherwise
// the catalog price. The boolean is false when neither is known.
func (c Cart) UnitPrice(item CartItem) (decimal.Decimal, bool) {
	if price, ok := item.Variation.Price(); ok {
		return price, true
	}
	product, ok := c.Products[item.ProductID]
	if !ok {
		return decimal.Zero, false
	}
	return product.Price, true
}

// MergeAction selects how a guest cart is reconciled with the authenticated cart.
type MergeAction string

const (
	// MergeActionCurrent replaces the authenticated cart with the guest lines.
	MergeActionCurrent MergeAction = "current"
	// MergeActionPrevious keeps the authenticated cart and discards the guest lines.
	MergeActionPrevious MergeAction = "previous"
	// MergeActionMerge adds guest quantities onto matching authenticated lines.
	MergeActionMerge MergeAction = "merge"
)

// ParseMergeAction validates the textual action.
func ParseMergeAction(value string) (MergeAction, bool) {
	switch action := MergeAction(strings.ToLower(strings.TrimSpace(value))); action {
	case MergeActionCurrent, MergeActionPrevious, MergeActionMerge:
		return action, true
	default:
		return "", false
	}
}

// MergeMatchMode decides which authenticated line a guest line is added onto during a merge.
type MergeMatchMode string

const (
	// MergeMatchProduct matches on product id alone, ignoring variations.
	MergeMatchProduct MergeMatchMode = "product"
	// MergeMatchVariation matches on the full (product id, variation) key.
	MergeMatchVariation MergeMatchMode = "variation"
)

// ParseMergeMatchMode validates the textual match mode.
func ParseMergeMatchMode(value string) (MergeMatchMode, bool) {
	switch mode := MergeMatchMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case MergeMatchProduct, MergeMatchVariation:
		return mode, true
	default:
		return "", false
	}
}

// CartMergedEvent is published after a guest cart has been reconciled.
type CartMergedEvent struct {
	UserID      string
	Action      MergeAction
	MatchMode   MergeMatchMode
	GuestLines  int
	ItemsBefore int
	ItemsAfter  int
	TotalItems  int
	OccurredAt  time.Time
}
