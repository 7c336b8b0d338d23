package domain

import (
	"encoding/json"
	"testing"
)

func TestVariationSignatureIgnoresKeyOrder(t *testing.T) {
	var a, b Variation
	if err := json.Unmarshal([]byte(`{"color":"red","ram":"8GB"}`), &a); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"ram":"8GB","color":"red"}`), &b); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected %s to equal %s", a.Signature(), b.Signature())
	}
	if got := LineKey("P1", a); got != `P1{"color":"red","ram":"8GB"}` {
		t.Fatalf("unexpected line key %q", got)
	}
}

func TestVariationSignatureTreatsEmptyAsBaseProduct(t *testing.T) {
	if got := Variation(nil).Signature(); got != "null" {
		t.Fatalf("expected null signature, got %q", got)
	}
	if !(Variation{}).Equal(nil) {
		t.Fatalf("expected empty variation to equal nil")
	}
	if got := LineKey("P1", nil); got != "P1null" {
		t.Fatalf("unexpected line key %q", got)
	}
}

func TestVariationSignatureNormalisesNumbers(t *testing.T) {
	fromJSON := Variation{"stock": float64(5)}
	fromStore := Variation{"stock": int64(5)}
	if !fromJSON.Equal(fromStore) {
		t.Fatalf("expected numeric representations to compare equal")
	}
}

func TestVariationPriceAndStock(t *testing.T) {
	v := Variation{"price": "199.50", "stock": float64(3)}
	price, ok := v.Price()
	if !ok || price.String() != "199.5" {
		t.Fatalf("unexpected price %s (ok=%v)", price, ok)
	}
	stock, ok := v.Stock()
	if !ok || stock != 3 {
		t.Fatalf("unexpected stock %d (ok=%v)", stock, ok)
	}

	if _, ok := (Variation{"color": "red"}).Price(); ok {
		t.Fatalf("expected no price for variation without price")
	}
	if _, ok := (Variation{"stock": 2.5}).Stock(); ok {
		t.Fatalf("expected fractional stock to be rejected")
	}
}

func TestParseMergeAction(t *testing.T) {
	cases := map[string]bool{
		"current":  true,
		" MERGE ":  true,
		"previous": true,
		"replace":  false,
		"":         false,
	}
	for input, valid := range cases {
		if _, ok := ParseMergeAction(input); ok != valid {
			t.Fatalf("ParseMergeAction(%q) ok=%v, want %v", input, ok, valid)
		}
	}
}
