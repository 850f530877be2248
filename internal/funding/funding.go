// Package funding derives the funding rate that anchors a market's pool
// price to an external index price.
//
// The index price of a market is the ratio of two independently fed legs,
// base and quote. Each leg is normalised to X96 before it is stored so that
// feeds with different decimals compare directly.
package funding

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
)

// MaxDecimals is the largest feed precision accepted; feeds reporting more
// are treated as unavailable.
const MaxDecimals = 38

// DefaultInitialPriceTolerance is the default band (10%) within which the
// seed price of an empty pool must lie around the index price.
const DefaultInitialPriceTolerance = 1e5

var (
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("funding: invalid config")

	// ErrIndexUnavailable is returned when initial liquidity is validated
	// against a leg that cannot be read.
	ErrIndexUnavailable = errors.New("funding: index price unavailable")

	// ErrTooFarFromIndex is returned when the seed price of a pool is outside
	// the tolerance band around the index price.
	ErrTooFarFromIndex = errors.New("funding: initial price too far from index")
)

// PriceFeed is an external price source. Price fails when no price is
// available.
type PriceFeed interface {
	Price() (*big.Int, error)
	Decimals() (uint8, error)
}

// Config holds the funding parameters of one market.
type Config struct {
	MaxPremiumRatio uint32 `json:"max_premium_ratio" mapstructure:"max_premium_ratio"`
	MaxElapsedSec   uint32 `json:"max_elapsed_sec" mapstructure:"max_elapsed_sec"`
	RolloverSec     uint32 `json:"rollover_sec" mapstructure:"rollover_sec"`
}

// DefaultConfig returns a 1% premium cap, a one day elapsed cap and a one
// day rollover period.
func DefaultConfig() Config {
	return Config{
		MaxPremiumRatio: 1e4,
		MaxElapsedSec:   86400,
		RolloverSec:     86400,
	}
}

// Validate ensures the largest possible rate stays strictly below 100%.
func (c Config) Validate() error {
	if c.RolloverSec == 0 {
		return fmt.Errorf("%w: rollover must be positive", ErrInvalidConfig)
	}
	if c.MaxPremiumRatio >= fixed.RatioPrecision {
		return fmt.Errorf("%w: max premium ratio %d", ErrInvalidConfig, c.MaxPremiumRatio)
	}
	worst := uint64(c.MaxPremiumRatio) * uint64(c.MaxElapsedSec)
	if worst >= uint64(fixed.RatioPrecision)*uint64(c.RolloverSec) {
		return fmt.Errorf("%w: max funding rate reaches 100%%", ErrInvalidConfig)
	}
	return nil
}

// Info is the last observed index state of one market.
type Info struct {
	PrevIndexPriceBaseX96   *big.Int `json:"prev_index_price_base_x96"`
	PrevIndexPriceQuoteX96  *big.Int `json:"prev_index_price_quote_x96"`
	PrevIndexPriceTimestamp int64    `json:"prev_index_price_timestamp"`
}

// New returns an empty state observed at now.
func New(now int64) Info {
	return Info{
		PrevIndexPriceBaseX96:   fixed.Zero(),
		PrevIndexPriceQuoteX96:  fixed.Zero(),
		PrevIndexPriceTimestamp: now,
	}
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	return Info{
		PrevIndexPriceBaseX96:   fixed.Clone(i.PrevIndexPriceBaseX96),
		PrevIndexPriceQuoteX96:  fixed.Clone(i.PrevIndexPriceQuoteX96),
		PrevIndexPriceTimestamp: i.PrevIndexPriceTimestamp,
	}
}

// IndexPriceX96 returns the stored base/quote index price, or zero when a
// leg has never been observed.
func (i Info) IndexPriceX96() *big.Int {
	if i.PrevIndexPriceBaseX96 == nil || i.PrevIndexPriceQuoteX96 == nil || i.PrevIndexPriceQuoteX96.Sign() == 0 {
		return fixed.Zero()
	}
	price, err := fixed.MulDiv(i.PrevIndexPriceBaseX96, fixed.Q96, i.PrevIndexPriceQuoteX96)
	if err != nil {
		return fixed.Zero()
	}
	return price
}

// CurrentIndexPriceX96 reads both legs now and returns base/quote. A leg
// that cannot be read falls back to its stored observation in info; zero
// when neither is available.
func CurrentIndexPriceX96(info Info, feedBase, feedQuote PriceFeed) *big.Int {
	base := legPriceX96(feedBase, info.PrevIndexPriceBaseX96)
	quote := legPriceX96(feedQuote, info.PrevIndexPriceQuoteX96)
	if base.Sign() == 0 || quote.Sign() == 0 {
		return fixed.Zero()
	}
	price, err := fixed.MulDiv(base, fixed.Q96, quote)
	if err != nil {
		return fixed.Zero()
	}
	return price
}

// Params is the input of ProcessFunding. MarkPriceX96 is nil when the pool
// has no price; the index is still refreshed but no rate is produced.
type Params struct {
	PriceFeedBase  PriceFeed
	PriceFeedQuote PriceFeed
	MarkPriceX96   *big.Int
	Config         Config
}

// ProcessFunding refreshes the stored index price and returns the funding
// rate accrued since the previous refresh. It returns zero without touching
// info when called again in the same timestamp, when no leg changed or when
// a leg has no valid price.
func ProcessFunding(info *Info, params Params, now int64) *big.Int {
	if now <= info.PrevIndexPriceTimestamp {
		return fixed.Zero()
	}

	base := legPriceX96(params.PriceFeedBase, info.PrevIndexPriceBaseX96)
	quote := legPriceX96(params.PriceFeedQuote, info.PrevIndexPriceQuoteX96)
	if base.Sign() == 0 || quote.Sign() == 0 {
		return fixed.Zero()
	}
	if base.Cmp(fixed.Clone(info.PrevIndexPriceBaseX96)) == 0 && quote.Cmp(fixed.Clone(info.PrevIndexPriceQuoteX96)) == 0 {
		return fixed.Zero()
	}

	elapsed := now - info.PrevIndexPriceTimestamp
	if elapsed > int64(params.Config.MaxElapsedSec) {
		elapsed = int64(params.Config.MaxElapsedSec)
	}

	info.PrevIndexPriceBaseX96 = base
	info.PrevIndexPriceQuoteX96 = quote
	info.PrevIndexPriceTimestamp = now

	if params.MarkPriceX96 == nil || params.Config.RolloverSec == 0 {
		return fixed.Zero()
	}
	premium, err := premiumX96(params.MarkPriceX96, base, quote)
	if err != nil {
		return fixed.Zero()
	}
	maxPremium := fixed.MulRatio(fixed.Q96, params.Config.MaxPremiumRatio)
	premium = fixed.Max(fixed.Neg(maxPremium), fixed.Min(maxPremium, premium))

	rate, err := fixed.MulDiv(premium, big.NewInt(elapsed), big.NewInt(int64(params.Config.RolloverSec)))
	if err != nil {
		return fixed.Zero()
	}
	return rate
}

// ValidateInitialLiquidityPrice checks that quote/base lies within
// toleranceRatio of the index price. Both legs must be readable.
func ValidateInitialLiquidityPrice(feedBase, feedQuote PriceFeed, base, quote *big.Int, toleranceRatio uint32) error {
	indexBase := legPriceX96(feedBase, nil)
	indexQuote := legPriceX96(feedQuote, nil)
	if indexBase.Sign() == 0 || indexQuote.Sign() == 0 {
		return ErrIndexUnavailable
	}
	mark, err := fixed.PriceX96(base, quote)
	if err != nil {
		return err
	}
	premium, err := premiumX96(mark, indexBase, indexQuote)
	if err != nil {
		return err
	}
	if fixed.Abs(premium).Cmp(fixed.MulRatio(fixed.Q96, toleranceRatio)) > 0 {
		return fmt.Errorf("%w: premium %s", ErrTooFarFromIndex, fixed.ToDecimal(premium).StringFixed(6))
	}
	return nil
}

// premiumX96 returns mark/index - 1 where index = base/quote.
func premiumX96(markX96, baseX96, quoteX96 *big.Int) (*big.Int, error) {
	ratio, err := fixed.MulDiv(markX96, quoteX96, baseX96)
	if err != nil {
		return nil, err
	}
	return ratio.Sub(ratio, fixed.Q96), nil
}

// legPriceX96 reads feed and normalises it to X96. A nil feed prices the leg
// at exactly one; an unreadable feed keeps prev (zero when prev is nil).
func legPriceX96(feed PriceFeed, prev *big.Int) *big.Int {
	if feed == nil {
		return fixed.Q96Clone()
	}
	price, err := feed.Price()
	if err != nil || price == nil || price.Sign() <= 0 {
		return fixed.Clone(prev)
	}
	decimals, err := feed.Decimals()
	if err != nil || decimals > MaxDecimals {
		return fixed.Clone(prev)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	normalised, err := fixed.MulDiv(price, fixed.Q96, scale)
	if err != nil || normalised.Sign() == 0 {
		return fixed.Clone(prev)
	}
	return normalised
}
