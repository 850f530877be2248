// Package oracle provides in-process price feeds for markets: a static feed
// whose price the operator posts, and a feed scaling a decimal price to a
// fixed number of decimals.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/funding"
)

// DefaultDecimals is the precision of posted prices.
const DefaultDecimals = 18

var (
	// ErrNoPrice is returned by a feed that has never been posted to.
	ErrNoPrice = errors.New("oracle: no price posted")

	// ErrInvalidPrice is returned for non-positive prices.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

var (
	_ funding.PriceFeed = (*StaticFeed)(nil)
	_ funding.PriceFeed = ScaledFeed{}
)

// StaticFeed reports the last price posted to it. Safe for concurrent use.
type StaticFeed struct {
	mu       sync.RWMutex
	price    *big.Int
	decimals uint8
}

// NewStaticFeed returns a feed with the given precision and no price.
func NewStaticFeed(decimals uint8) *StaticFeed {
	return &StaticFeed{decimals: decimals}
}

// Set posts a raw price in the feed's precision.
func (f *StaticFeed) Set(price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = new(big.Int).Set(price)
	return nil
}

// SetDecimal posts a decimal price, truncated to the feed's precision.
func (f *StaticFeed) SetDecimal(price decimal.Decimal) error {
	return f.Set(ScaledFeed{Value: price, Scale: f.decimals}.raw())
}

// Price returns the last posted price.
func (f *StaticFeed) Price() (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price == nil {
		return nil, ErrNoPrice
	}
	return new(big.Int).Set(f.price), nil
}

// Decimals returns the feed precision.
func (f *StaticFeed) Decimals() (uint8, error) { return f.decimals, nil }

// Decimal returns the last posted price as a decimal.
func (f *StaticFeed) Decimal() (decimal.Decimal, error) {
	price, err := f.Price()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(price, -int32(f.decimals)), nil
}

// ScaledFeed is a fixed decimal price reported with Scale decimals.
type ScaledFeed struct {
	Value decimal.Decimal
	Scale uint8
}

func (f ScaledFeed) raw() *big.Int {
	return f.Value.Shift(int32(f.Scale)).BigInt()
}

// Price returns Value × 10^Scale, truncated.
func (f ScaledFeed) Price() (*big.Int, error) {
	raw := f.raw()
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, f.Value)
	}
	return raw, nil
}

// Decimals returns Scale.
func (f ScaledFeed) Decimals() (uint8, error) { return f.Scale, nil }
