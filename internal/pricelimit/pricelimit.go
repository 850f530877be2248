// Package pricelimit implements the per-market circuit breaker that bounds
// how far a single timestamp's trading can move the pool price.
//
// Two sources are combined: a reference price captured by the first
// operation of each timestamp and a slower exponential moving average. For
// each side the tighter of the two bounds wins.
package pricelimit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("pricelimit: invalid config")

// Config holds the bound ratios (1e6 precision) and the EMA time constant.
type Config struct {
	NormalOrderRatio    uint32 `json:"normal_order_ratio" mapstructure:"normal_order_ratio"`
	LiquidationRatio    uint32 `json:"liquidation_ratio" mapstructure:"liquidation_ratio"`
	EmaNormalOrderRatio uint32 `json:"ema_normal_order_ratio" mapstructure:"ema_normal_order_ratio"`
	EmaLiquidationRatio uint32 `json:"ema_liquidation_ratio" mapstructure:"ema_liquidation_ratio"`
	EmaSec              uint32 `json:"ema_sec" mapstructure:"ema_sec"`
}

// DefaultConfig returns 5% / 10% reference bounds, 20% / 50% EMA bounds and
// a five minute EMA.
func DefaultConfig() Config {
	return Config{
		NormalOrderRatio:    5e4,
		LiquidationRatio:    1e5,
		EmaNormalOrderRatio: 2e5,
		EmaLiquidationRatio: 5e5,
		EmaSec:              300,
	}
}

// Validate checks that every ratio is below 100% and that liquidation
// bounds are at least as wide as normal ones.
func (c Config) Validate() error {
	if c.LiquidationRatio >= fixed.RatioPrecision || c.EmaLiquidationRatio >= fixed.RatioPrecision {
		return fmt.Errorf("%w: ratios must be below %d", ErrInvalidConfig, fixed.RatioPrecision)
	}
	if c.NormalOrderRatio > c.LiquidationRatio {
		return fmt.Errorf("%w: normal order ratio %d exceeds liquidation ratio %d", ErrInvalidConfig, c.NormalOrderRatio, c.LiquidationRatio)
	}
	if c.EmaNormalOrderRatio > c.EmaLiquidationRatio {
		return fmt.Errorf("%w: ema normal order ratio %d exceeds ema liquidation ratio %d", ErrInvalidConfig, c.EmaNormalOrderRatio, c.EmaLiquidationRatio)
	}
	return nil
}

// Info is the stored limiter state of one market.
type Info struct {
	ReferencePrice     *big.Int `json:"reference_price"`
	ReferenceTimestamp int64    `json:"reference_timestamp"`
	EmaPrice           *big.Int `json:"ema_price"`
}

// New returns an empty limiter state.
func New() Info {
	return Info{ReferencePrice: fixed.Zero(), EmaPrice: fixed.Zero()}
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	return Info{
		ReferencePrice:     fixed.Clone(i.ReferencePrice),
		ReferenceTimestamp: i.ReferenceTimestamp,
		EmaPrice:           fixed.Clone(i.EmaPrice),
	}
}

// PriceBound returns the upper or lower price bound given the reference and
// EMA prices. Liquidations use the wider ratio pair.
func PriceBound(referencePrice, emaPrice *big.Int, config Config, isLiquidation, isUpperBound bool) *big.Int {
	ratio, emaRatio := config.NormalOrderRatio, config.EmaNormalOrderRatio
	if isLiquidation {
		ratio, emaRatio = config.LiquidationRatio, config.EmaLiquidationRatio
	}

	if isUpperBound {
		return fixed.Min(
			fixed.MulRatio(referencePrice, fixed.RatioPrecision+ratio),
			fixed.MulRatio(emaPrice, fixed.RatioPrecision+emaRatio),
		)
	}
	return fixed.Max(
		fixed.MulRatio(referencePrice, fixed.RatioPrecision-ratio),
		fixed.MulRatio(emaPrice, fixed.RatioPrecision-emaRatio),
	)
}

// UpdateDry returns the state after observing price at now without storing
// it. The first observation of a new timestamp moves the reference to price
// and advances the EMA by weight elapsed/(elapsed+EmaSec); observations in
// an already seen timestamp leave the state unchanged.
func UpdateDry(info Info, config Config, price *big.Int, now int64) Info {
	if now <= info.ReferenceTimestamp {
		return info.Clone()
	}

	updated := Info{
		ReferencePrice:     fixed.Clone(price),
		ReferenceTimestamp: now,
	}
	if info.ReferencePrice == nil || info.ReferencePrice.Sign() == 0 {
		updated.EmaPrice = fixed.Clone(price)
		return updated
	}

	elapsed := big.NewInt(now - info.ReferenceTimestamp)
	emaSec := big.NewInt(int64(config.EmaSec))
	denominator := new(big.Int).Add(elapsed, emaSec)

	ema := new(big.Int).Mul(info.EmaPrice, emaSec)
	ema.Add(ema, new(big.Int).Mul(price, elapsed))
	updated.EmaPrice = ema.Quo(ema, denominator)
	return updated
}

// Update stores updated into info when it was produced in a newer timestamp.
func Update(info *Info, updated Info) {
	if updated.ReferenceTimestamp <= info.ReferenceTimestamp {
		return
	}
	*info = updated.Clone()
}
