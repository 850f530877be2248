// Package pool implements the constant-product (x*y=k) liquidity pool that
// every perpetual market trades against.
//
// Reserves are held in share units: the base reserve counts base shares and
// BaseBalancePerShareX96 converts shares into physical base. Funding is
// settled for the whole pool at once by resizing the reserves and bumping
// the per-liquidity deleverage accumulators, which liquidity providers
// reconcile against lazily.
package pool

import (
	"errors"
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
)

// MinimumLiquidity is minted on the first deposit and locked forever, so the
// reserves can never be drained to zero.
const MinimumLiquidity = 1000

var (
	// ErrEmptyPool is returned for price reads and swaps on a pool without
	// reserves.
	ErrEmptyPool = errors.New("pool: pool has no liquidity")

	// ErrZeroLiquidity is returned when an add mints nothing or a remove
	// burns nothing.
	ErrZeroLiquidity = errors.New("pool: liquidity is zero")

	// ErrZeroOutput is returned when removing liquidity would return nothing.
	ErrZeroOutput = errors.New("pool: output is zero")

	// ErrMinimumLiquidity is returned when an operation would leave less
	// than MinimumLiquidity in the pool.
	ErrMinimumLiquidity = errors.New("pool: below minimum liquidity")

	// ErrInsufficientReserve is returned when an exact-output swap asks for
	// the whole reserve or more.
	ErrInsufficientReserve = errors.New("pool: insufficient reserve")

	// ErrInvalidFeeRatio is returned for fee ratios of 100% or more.
	ErrInvalidFeeRatio = errors.New("pool: invalid fee ratio")

	// ErrInvalidFundingRate is returned when |rate| reaches 100%.
	ErrInvalidFundingRate = errors.New("pool: invalid funding rate")

	// ErrInvalidPriceBound is returned for a non-positive price bound.
	ErrInvalidPriceBound = errors.New("pool: invalid price bound")
)

// Info is the state of one pool.
type Info struct {
	Base                    *big.Int `json:"base"`
	Quote                   *big.Int `json:"quote"`
	TotalLiquidity          *big.Int `json:"total_liquidity"`
	CumBasePerLiquidityX96  *big.Int `json:"cum_base_per_liquidity_x96"`
	CumQuotePerLiquidityX96 *big.Int `json:"cum_quote_per_liquidity_x96"`
	BaseBalancePerShareX96  *big.Int `json:"base_balance_per_share_x96"`
}

// New returns an empty pool with a unit rebase factor.
func New() *Info {
	return &Info{
		Base:                    fixed.Zero(),
		Quote:                   fixed.Zero(),
		TotalLiquidity:          fixed.Zero(),
		CumBasePerLiquidityX96:  fixed.Zero(),
		CumQuotePerLiquidityX96: fixed.Zero(),
		BaseBalancePerShareX96:  fixed.Q96Clone(),
	}
}

// Clone returns a deep copy.
func (p *Info) Clone() *Info {
	return &Info{
		Base:                    fixed.Clone(p.Base),
		Quote:                   fixed.Clone(p.Quote),
		TotalLiquidity:          fixed.Clone(p.TotalLiquidity),
		CumBasePerLiquidityX96:  fixed.Clone(p.CumBasePerLiquidityX96),
		CumQuotePerLiquidityX96: fixed.Clone(p.CumQuotePerLiquidityX96),
		BaseBalancePerShareX96:  fixed.Clone(p.BaseBalancePerShareX96),
	}
}

// SwapParams describes one swap. Amount is the input for exact-input swaps
// and the output for exact-output swaps.
type SwapParams struct {
	IsBaseToQuote bool
	IsExactInput  bool
	Amount        *big.Int
	FeeRatio      uint32
}

// MarkPriceX96 returns the reserve ratio quote/base, the price of one base
// share.
func (p *Info) MarkPriceX96() (*big.Int, error) {
	if p.Base.Sign() == 0 {
		return nil, ErrEmptyPool
	}
	return fixed.PriceX96(p.Base, p.Quote)
}

// ShareMarkPriceX96 returns the reserve ratio divided by the rebase factor,
// the price of one physical base unit.
func (p *Info) ShareMarkPriceX96() (*big.Int, error) {
	mark, err := p.MarkPriceX96()
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(mark, fixed.Q96, p.BaseBalancePerShareX96)
}

// Swap applies params to the reserves and returns the opposite amount.
func (p *Info) Swap(params SwapParams) (*big.Int, error) {
	opposite, err := PreviewSwap(p.Base, p.Quote, params)
	if err != nil {
		return nil, err
	}
	base, quote, err := poolAfter(params.IsBaseToQuote, params.IsExactInput, p.Base, p.Quote, params.Amount, opposite)
	if err != nil {
		return nil, err
	}
	p.Base, p.Quote = base, quote
	return opposite, nil
}

// PreviewSwap returns the opposite amount of a swap against the given
// reserves. The fee is deducted from the input leg before the invariant is
// applied; outputs round down and required inputs round up.
func PreviewSwap(base, quote *big.Int, params SwapParams) (*big.Int, error) {
	if base.Sign() == 0 || quote.Sign() == 0 {
		return nil, ErrEmptyPool
	}
	if params.FeeRatio >= fixed.RatioPrecision {
		return nil, ErrInvalidFeeRatio
	}
	oneSubFee := uint32(fixed.RatioPrecision) - params.FeeRatio

	if params.IsExactInput {
		amountSubFee := fixed.MulRatio(params.Amount, oneSubFee)
		if params.IsBaseToQuote {
			denom, err := fixed.Add(base, amountSubFee)
			if err != nil {
				return nil, err
			}
			return fixed.MulDiv(quote, amountSubFee, denom)
		}
		denom, err := fixed.Add(quote, amountSubFee)
		if err != nil {
			return nil, err
		}
		return fixed.MulDiv(base, amountSubFee, denom)
	}

	var input *big.Int
	if params.IsBaseToQuote {
		if params.Amount.Cmp(quote) >= 0 {
			return nil, ErrInsufficientReserve
		}
		rest := new(big.Int).Sub(quote, params.Amount)
		in, err := fixed.MulDivRoundingUp(base, params.Amount, rest)
		if err != nil {
			return nil, err
		}
		input = in
	} else {
		if params.Amount.Cmp(base) >= 0 {
			return nil, ErrInsufficientReserve
		}
		rest := new(big.Int).Sub(base, params.Amount)
		in, err := fixed.MulDivRoundingUp(quote, params.Amount, rest)
		if err != nil {
			return nil, err
		}
		input = in
	}
	return fixed.DivRatioRoundingUp(input, oneSubFee)
}

func poolAfter(isBaseToQuote, isExactInput bool, base, quote, amount, opposite *big.Int) (*big.Int, *big.Int, error) {
	var (
		baseAfter, quoteAfter *big.Int
		err                   error
	)
	switch {
	case isExactInput && isBaseToQuote:
		if baseAfter, err = fixed.Add(base, amount); err != nil {
			return nil, nil, err
		}
		quoteAfter, err = fixed.Sub(quote, opposite)
	case isExactInput:
		if baseAfter, err = fixed.Sub(base, opposite); err != nil {
			return nil, nil, err
		}
		quoteAfter, err = fixed.Add(quote, amount)
	case isBaseToQuote:
		if baseAfter, err = fixed.Add(base, opposite); err != nil {
			return nil, nil, err
		}
		quoteAfter, err = fixed.Sub(quote, amount)
	default:
		if baseAfter, err = fixed.Sub(base, amount); err != nil {
			return nil, nil, err
		}
		quoteAfter, err = fixed.Add(quote, opposite)
	}
	if err != nil {
		return nil, nil, err
	}
	return baseAfter, quoteAfter, nil
}

// PriceAfterSwap returns the share mark price the reserves would have after
// the swap.
func PriceAfterSwap(base, quote *big.Int, params SwapParams) (*big.Int, error) {
	opposite, err := PreviewSwap(base, quote, params)
	if err != nil {
		return nil, err
	}
	baseAfter, quoteAfter, err := poolAfter(params.IsBaseToQuote, params.IsExactInput, base, quote, params.Amount, opposite)
	if err != nil {
		return nil, err
	}
	if baseAfter.Sign() == 0 {
		return nil, ErrInsufficientReserve
	}
	return fixed.PriceX96(baseAfter, quoteAfter)
}

// AddLiquidity deposits up to base and quote at the current reserve ratio
// and returns the amounts taken and the liquidity minted to the caller. The
// first deposit seeds the ratio and locks MinimumLiquidity.
func (p *Info) AddLiquidity(base, quote *big.Int) (addedBase, addedQuote, liquidity *big.Int, err error) {
	if p.TotalLiquidity.Sign() == 0 {
		product, err := fixed.Mul(base, quote)
		if err != nil {
			return nil, nil, nil, err
		}
		total := fixed.Sqrt(product)
		if total.Cmp(big.NewInt(MinimumLiquidity)) <= 0 {
			return nil, nil, nil, ErrMinimumLiquidity
		}
		p.Base = fixed.Clone(base)
		p.Quote = fixed.Clone(quote)
		p.TotalLiquidity = total
		return fixed.Clone(base), fixed.Clone(quote), new(big.Int).Sub(total, big.NewInt(MinimumLiquidity)), nil
	}

	baseAtRatio, err := fixed.MulDiv(quote, p.Base, p.Quote)
	if err != nil {
		return nil, nil, nil, err
	}
	quoteAtRatio, err := fixed.MulDiv(base, p.Quote, p.Base)
	if err != nil {
		return nil, nil, nil, err
	}
	addedBase = fixed.Min(base, baseAtRatio)
	addedQuote = fixed.Min(quote, quoteAtRatio)

	byBase, err := fixed.MulDiv(addedBase, p.TotalLiquidity, p.Base)
	if err != nil {
		return nil, nil, nil, err
	}
	byQuote, err := fixed.MulDiv(addedQuote, p.TotalLiquidity, p.Quote)
	if err != nil {
		return nil, nil, nil, err
	}
	liquidity = fixed.Min(byBase, byQuote)
	if liquidity.Sign() == 0 {
		return nil, nil, nil, ErrZeroLiquidity
	}

	newBase, err := fixed.Add(p.Base, addedBase)
	if err != nil {
		return nil, nil, nil, err
	}
	newQuote, err := fixed.Add(p.Quote, addedQuote)
	if err != nil {
		return nil, nil, nil, err
	}
	newTotal, err := fixed.Add(p.TotalLiquidity, liquidity)
	if err != nil {
		return nil, nil, nil, err
	}
	p.Base, p.Quote, p.TotalLiquidity = newBase, newQuote, newTotal
	return addedBase, addedQuote, liquidity, nil
}

// RemoveLiquidity burns liquidity and returns the proportional reserves.
func (p *Info) RemoveLiquidity(liquidity *big.Int) (removedBase, removedQuote *big.Int, err error) {
	if liquidity.Sign() <= 0 {
		return nil, nil, ErrZeroLiquidity
	}
	if p.TotalLiquidity.Sign() == 0 {
		return nil, nil, ErrEmptyPool
	}
	removedBase, removedQuote, err = p.LiquidityValue(liquidity)
	if err != nil {
		return nil, nil, err
	}
	if removedBase.Sign() == 0 || removedQuote.Sign() == 0 {
		return nil, nil, ErrZeroOutput
	}
	total, err := fixed.Sub(p.TotalLiquidity, liquidity)
	if err != nil || total.Cmp(big.NewInt(MinimumLiquidity)) < 0 {
		return nil, nil, ErrMinimumLiquidity
	}
	p.Base = new(big.Int).Sub(p.Base, removedBase)
	p.Quote = new(big.Int).Sub(p.Quote, removedQuote)
	p.TotalLiquidity = total
	return removedBase, removedQuote, nil
}

// LiquidityValue returns the reserves currently backing liquidity.
func (p *Info) LiquidityValue(liquidity *big.Int) (base, quote *big.Int, err error) {
	if p.TotalLiquidity.Sign() == 0 {
		return fixed.Zero(), fixed.Zero(), nil
	}
	if base, err = fixed.MulDiv(liquidity, p.Base, p.TotalLiquidity); err != nil {
		return nil, nil, err
	}
	if quote, err = fixed.MulDiv(liquidity, p.Quote, p.TotalLiquidity); err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

// LiquidityDeleveraged returns what funding has moved to liquidity since the
// accumulators were snapshotted at cumBase/cumQuote.
func (p *Info) LiquidityDeleveraged(liquidity, cumBase, cumQuote *big.Int) (base, quote *big.Int, err error) {
	baseDelta := new(big.Int).Sub(p.CumBasePerLiquidityX96, cumBase)
	quoteDelta := new(big.Int).Sub(p.CumQuotePerLiquidityX96, cumQuote)
	if base, err = fixed.MulDiv(liquidity, baseDelta, fixed.Q96); err != nil {
		return nil, nil, err
	}
	if quote, err = fixed.MulDiv(liquidity, quoteDelta, fixed.Q96); err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

// ApplyFunding settles a funding rate for the whole pool. A positive rate
// moves quote out of the reserves, a negative rate moves base out; either
// way the moved amount is credited per unit of liquidity and the rebase
// factor is scaled by (1 - rate).
func (p *Info) ApplyFunding(rateX96 *big.Int) error {
	if rateX96.Sign() == 0 || p.TotalLiquidity.Sign() == 0 {
		return nil
	}
	abs := fixed.Abs(rateX96)
	if abs.Cmp(fixed.Q96) >= 0 {
		return ErrInvalidFundingRate
	}

	base, quote := fixed.Clone(p.Base), fixed.Clone(p.Quote)
	cumBase, cumQuote := fixed.Clone(p.CumBasePerLiquidityX96), fixed.Clone(p.CumQuotePerLiquidityX96)

	if rateX96.Sign() > 0 {
		deleveraged, err := fixed.MulDiv(quote, abs, fixed.Q96)
		if err != nil {
			return err
		}
		quote.Sub(quote, deleveraged)
		perLiquidity, err := fixed.MulDiv(deleveraged, fixed.Q96, p.TotalLiquidity)
		if err != nil {
			return err
		}
		cumQuote.Add(cumQuote, perLiquidity)
	} else {
		deleveraged, err := fixed.MulDiv(base, abs, new(big.Int).Add(fixed.Q96, abs))
		if err != nil {
			return err
		}
		base.Sub(base, deleveraged)
		perLiquidity, err := fixed.MulDiv(deleveraged, fixed.Q96, p.TotalLiquidity)
		if err != nil {
			return err
		}
		cumBase.Add(cumBase, perLiquidity)
	}

	rebase, err := fixed.MulDiv(p.BaseBalancePerShareX96, new(big.Int).Sub(fixed.Q96, rateX96), fixed.Q96)
	if err != nil {
		return err
	}

	p.Base, p.Quote = base, quote
	p.CumBasePerLiquidityX96, p.CumQuotePerLiquidityX96 = cumBase, cumQuote
	p.BaseBalancePerShareX96 = rebase
	return nil
}
