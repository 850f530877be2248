package funding

import (
	"errors"
	"math/big"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
)

type feed struct {
	price    *big.Int
	decimals uint8
	err      error
}

func (f *feed) Price() (*big.Int, error) { return f.price, f.err }
func (f *feed) Decimals() (uint8, error) { return f.decimals, nil }

func n(v int64) *big.Int { return big.NewInt(v) }

func q96(v int64) *big.Int { return new(big.Int).Mul(fixed.Q96, n(v)) }

func TestProcessFunding_PremiumAndRate(t *testing.T) {
	info := New(0)
	// Index 100 with 8 decimals; mark 101 gives a 1% premium.
	params := Params{
		PriceFeedBase: &feed{price: n(100_0000_0000), decimals: 8},
		MarkPriceX96:  q96(101),
		Config:        Config{MaxPremiumRatio: 5e4, MaxElapsedSec: 3600, RolloverSec: 3600},
	}

	rate := ProcessFunding(&info, params, 1800)

	// 1% * 1800 / 3600 = 0.5%
	want := new(big.Int).Quo(fixed.Q96, n(200))
	diff := new(big.Int).Sub(rate, want)
	if diff.CmpAbs(n(1)) > 0 {
		t.Errorf("expected rate ~%s, got %s", want, rate)
	}
	if info.PrevIndexPriceTimestamp != 1800 {
		t.Errorf("timestamp not refreshed: %d", info.PrevIndexPriceTimestamp)
	}
	if info.IndexPriceX96().Cmp(q96(100)) != 0 {
		t.Errorf("expected index 100, got %s", info.IndexPriceX96())
	}
}

func TestProcessFunding_ClampsPremiumAndElapsed(t *testing.T) {
	info := New(0)
	params := Params{
		PriceFeedBase: &feed{price: n(100), decimals: 0},
		MarkPriceX96:  q96(50),
		Config:        Config{MaxPremiumRatio: 1e4, MaxElapsedSec: 100, RolloverSec: 1000},
	}

	rate := ProcessFunding(&info, params, 10_000)

	// -1% clamp * 100 / 1000
	want := new(big.Int).Neg(fixed.MulRatio(fixed.Q96, 1e4))
	want.Quo(want, n(10))
	if rate.Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, rate)
	}
}

func TestProcessFunding_NoopCases(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("same timestamp", func(t *testing.T) {
		info := New(10)
		rate := ProcessFunding(&info, Params{PriceFeedBase: &feed{price: n(5)}, MarkPriceX96: q96(1), Config: cfg}, 10)
		if rate.Sign() != 0 || info.PrevIndexPriceBaseX96.Sign() != 0 {
			t.Errorf("expected no-op, got rate %s", rate)
		}
	})

	t.Run("unchanged index", func(t *testing.T) {
		info := New(0)
		p := Params{PriceFeedBase: &feed{price: n(2)}, MarkPriceX96: q96(3), Config: cfg}
		ProcessFunding(&info, p, 10)
		rate := ProcessFunding(&info, p, 20)
		if rate.Sign() != 0 || info.PrevIndexPriceTimestamp != 10 {
			t.Errorf("unchanged legs should not refresh, rate %s ts %d", rate, info.PrevIndexPriceTimestamp)
		}
	})

	t.Run("failing never read leg", func(t *testing.T) {
		info := New(0)
		p := Params{PriceFeedBase: &feed{err: errors.New("down")}, MarkPriceX96: q96(3), Config: cfg}
		if rate := ProcessFunding(&info, p, 10); rate.Sign() != 0 {
			t.Errorf("expected zero rate, got %s", rate)
		}
		if info.PrevIndexPriceTimestamp != 0 {
			t.Errorf("state should not refresh without both legs")
		}
	})

	t.Run("decimals too large", func(t *testing.T) {
		info := New(0)
		p := Params{PriceFeedBase: &feed{price: n(2), decimals: MaxDecimals + 1}, MarkPriceX96: q96(3), Config: cfg}
		if rate := ProcessFunding(&info, p, 10); rate.Sign() != 0 {
			t.Errorf("expected zero rate, got %s", rate)
		}
	})
}

func TestProcessFunding_FailingLegKeepsStoredPrice(t *testing.T) {
	info := New(0)
	base := &feed{price: n(100)}
	quote := &feed{price: n(1)}
	cfg := Config{MaxPremiumRatio: 1e5, MaxElapsedSec: 100, RolloverSec: 100}

	ProcessFunding(&info, Params{PriceFeedBase: base, PriceFeedQuote: quote, MarkPriceX96: q96(100), Config: cfg}, 10)

	quote.err = errors.New("stale")
	base.price = n(200)
	ProcessFunding(&info, Params{PriceFeedBase: base, PriceFeedQuote: quote, MarkPriceX96: q96(100), Config: cfg}, 20)

	if info.PrevIndexPriceQuoteX96.Cmp(fixed.Q96) != 0 {
		t.Errorf("quote leg should keep its stored price, got %s", info.PrevIndexPriceQuoteX96)
	}
	if info.IndexPriceX96().Cmp(q96(200)) != 0 {
		t.Errorf("expected index 200, got %s", info.IndexPriceX96())
	}
}

func TestProcessFunding_NilMarkRefreshesOnly(t *testing.T) {
	info := New(0)
	rate := ProcessFunding(&info, Params{PriceFeedBase: &feed{price: n(7)}, Config: DefaultConfig()}, 5)
	if rate.Sign() != 0 {
		t.Errorf("expected zero rate, got %s", rate)
	}
	if info.IndexPriceX96().Cmp(q96(7)) != 0 {
		t.Errorf("index not refreshed: %s", info.IndexPriceX96())
	}
}

func TestValidateInitialLiquidityPrice(t *testing.T) {
	base := &feed{price: n(4)}
	tests := []struct {
		name  string
		quote int64
		want  error
	}{
		{"at index", 40000, nil},
		{"within band", 43000, nil},
		{"too high", 45000, ErrTooFarFromIndex},
		{"too low", 35000, ErrTooFarFromIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInitialLiquidityPrice(base, nil, n(10000), n(tt.quote), DefaultInitialPriceTolerance)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := ValidateInitialLiquidityPrice(&feed{err: errors.New("down")}, nil, n(1), n(1), DefaultInitialPriceTolerance); !errors.Is(err, ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	bad := []Config{
		{MaxPremiumRatio: 1, MaxElapsedSec: 1, RolloverSec: 0},
		{MaxPremiumRatio: 1e6, MaxElapsedSec: 1, RolloverSec: 1},
		{MaxPremiumRatio: 5e5, MaxElapsedSec: 200, RolloverSec: 100},
	}
	for i, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestCurrentIndexPriceX96(t *testing.T) {
	info := New(0)
	base := &feed{price: n(100)}
	quote := &feed{price: n(4)}
	ProcessFunding(&info, Params{PriceFeedBase: base, PriceFeedQuote: quote, Config: DefaultConfig()}, 10)

	base.price = n(200)
	if got := CurrentIndexPriceX96(info, base, quote); got.Cmp(q96(50)) != 0 {
		t.Errorf("expected live index 50, got %s", fixed.ToDecimal(got))
	}
	if info.IndexPriceX96().Cmp(q96(25)) != 0 {
		t.Errorf("stored index must not move, got %s", fixed.ToDecimal(info.IndexPriceX96()))
	}

	base.err = errors.New("down")
	if got := CurrentIndexPriceX96(info, base, quote); got.Cmp(q96(25)) != 0 {
		t.Errorf("failing leg should fall back to stored, got %s", fixed.ToDecimal(got))
	}
	if got := CurrentIndexPriceX96(New(0), base, quote); got.Sign() != 0 {
		t.Errorf("expected zero without any observation, got %s", got)
	}
	if got := CurrentIndexPriceX96(New(0), nil, nil); got.Cmp(fixed.Q96) != 0 {
		t.Errorf("expected 1 without feeds, got %s", fixed.ToDecimal(got))
	}
}
