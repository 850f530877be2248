package pricelimit

import (
	"errors"
	"math/big"
	"testing"
)

func n(v int64) *big.Int { return big.NewInt(v) }

func testConfig() Config {
	return Config{
		NormalOrderRatio:    1e5,
		LiquidationRatio:    2e5,
		EmaNormalOrderRatio: 3e5,
		EmaLiquidationRatio: 5e5,
		EmaSec:              10,
	}
}

func TestPriceBound(t *testing.T) {
	tests := []struct {
		name          string
		isLiquidation bool
		isUpperBound  bool
		want          int64
	}{
		{"normal lower", false, false, 90},     // max(90, 35)
		{"normal upper", false, true, 65},      // min(110, 65)
		{"liquidation lower", true, false, 80}, // max(80, 25)
		{"liquidation upper", true, true, 75},  // min(120, 75)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriceBound(n(100), n(50), testConfig(), tt.isLiquidation, tt.isUpperBound)
			if got.Int64() != tt.want {
				t.Errorf("expected %d, got %s", tt.want, got)
			}
		})
	}
}

func TestPriceBound_EmaTighter(t *testing.T) {
	// EMA above reference: the EMA lower bound wins.
	got := PriceBound(n(100), n(200), testConfig(), false, false)
	if got.Int64() != 140 {
		t.Errorf("expected 140, got %s", got)
	}
}

func TestUpdateDry_FirstObservationSeedsEma(t *testing.T) {
	got := UpdateDry(New(), testConfig(), n(1000), 5)
	if got.ReferencePrice.Int64() != 1000 || got.EmaPrice.Int64() != 1000 || got.ReferenceTimestamp != 5 {
		t.Errorf("unexpected state %+v", got)
	}
}

func TestUpdateDry_SameTimestampIsNoop(t *testing.T) {
	info := Info{ReferencePrice: n(100), ReferenceTimestamp: 10, EmaPrice: n(80)}
	got := UpdateDry(info, testConfig(), n(500), 10)
	if got.ReferencePrice.Int64() != 100 || got.EmaPrice.Int64() != 80 {
		t.Errorf("same timestamp should not move state, got %+v", got)
	}

	Update(&info, got)
	if info.ReferencePrice.Int64() != 100 {
		t.Errorf("update with stale result changed reference to %s", info.ReferencePrice)
	}
}

func TestUpdateDry_AdvancesEma(t *testing.T) {
	info := Info{ReferencePrice: n(100), ReferenceTimestamp: 10, EmaPrice: n(100)}
	got := UpdateDry(info, testConfig(), n(200), 20)

	// elapsed 10, emaSec 10: (100*10 + 200*10) / 20
	if got.EmaPrice.Int64() != 150 {
		t.Errorf("expected ema 150, got %s", got.EmaPrice)
	}
	if got.ReferencePrice.Int64() != 200 || got.ReferenceTimestamp != 20 {
		t.Errorf("unexpected reference %+v", got)
	}
	if info.ReferencePrice.Int64() != 100 {
		t.Errorf("dry run mutated input")
	}

	Update(&info, got)
	if info.ReferencePrice.Int64() != 200 || info.EmaPrice.Int64() != 150 {
		t.Errorf("update did not store result, got %+v", info)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := []Config{
		{NormalOrderRatio: 2e5, LiquidationRatio: 1e5, EmaNormalOrderRatio: 1, EmaLiquidationRatio: 2},
		{NormalOrderRatio: 1, LiquidationRatio: 2, EmaNormalOrderRatio: 3, EmaLiquidationRatio: 2},
		{NormalOrderRatio: 1, LiquidationRatio: 1e6, EmaNormalOrderRatio: 1, EmaLiquidationRatio: 2},
	}
	for i, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}
