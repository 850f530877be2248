package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStaticFeed_NoPriceUntilPosted(t *testing.T) {
	f := NewStaticFeed(DefaultDecimals)
	if _, err := f.Price(); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	if err := f.Set(big.NewInt(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice for zero, got %v", err)
	}
	if err := f.SetDecimal(d("-1")); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice for negative, got %v", err)
	}
}

func TestStaticFeed_SetDecimal(t *testing.T) {
	f := NewStaticFeed(8)
	if err := f.SetDecimal(d("2500.123456789")); err != nil {
		t.Fatalf("set: %v", err)
	}
	price, err := f.Price()
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// Truncated to 8 decimals.
	if price.String() != "250012345678" {
		t.Errorf("expected 250012345678, got %s", price)
	}
	dec, _ := f.Decimals()
	if dec != 8 {
		t.Errorf("expected 8 decimals, got %d", dec)
	}
	got, _ := f.Decimal()
	if !got.Equal(d("2500.12345678")) {
		t.Errorf("expected 2500.12345678, got %s", got)
	}
}

func TestStaticFeed_ReturnsCopies(t *testing.T) {
	f := NewStaticFeed(0)
	posted := big.NewInt(7)
	if err := f.Set(posted); err != nil {
		t.Fatalf("set: %v", err)
	}
	posted.SetInt64(9)
	got, _ := f.Price()
	got.SetInt64(11)
	again, _ := f.Price()
	if again.Int64() != 7 {
		t.Errorf("expected 7, got %s", again)
	}
}

func TestScaledFeed(t *testing.T) {
	tests := []struct {
		value string
		scale uint8
		want  string
	}{
		{"1", 0, "1"},
		{"1", 18, "1000000000000000000"},
		{"0.5", 6, "500000"},
		{"3.999", 2, "399"},
	}
	for _, tc := range tests {
		price, err := ScaledFeed{Value: d(tc.value), Scale: tc.scale}.Price()
		if err != nil {
			t.Fatalf("%s@%d: %v", tc.value, tc.scale, err)
		}
		if price.String() != tc.want {
			t.Errorf("%s@%d: expected %s, got %s", tc.value, tc.scale, tc.want, price)
		}
	}

	if _, err := (ScaledFeed{Value: d("0.001"), Scale: 2}).Price(); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice when truncated to zero, got %v", err)
	}
}
