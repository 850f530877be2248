package pool

import (
	"math/big"

	"github.com/atmx/perp-engine/internal/fixed"
)

// maxGallopSteps bounds the boundary search; each step doubles the stride,
// so this covers the whole 256-bit range.
const maxGallopSteps = 260

// MaxSwap returns the largest amount (input for exact-input, output for
// exact-output) whose resulting reserve ratio quote/base, the price of one
// base share, does not cross priceBoundX96. Selling base moves the price down, so the bound is a lower
// bound; buying base moves it up and the bound is an upper bound.
//
// The analytic solution of the swap quadratic seeds a galloping search that
// pins the exact integer boundary, so Swap(MaxSwap) respects the bound and
// Swap(MaxSwap+1) does not.
func MaxSwap(base, quote *big.Int, isBaseToQuote, isExactInput bool, feeRatio uint32, priceBoundX96 *big.Int) (*big.Int, error) {
	if base.Sign() == 0 || quote.Sign() == 0 {
		return nil, ErrEmptyPool
	}
	if feeRatio >= fixed.RatioPrecision {
		return nil, ErrInvalidFeeRatio
	}
	if priceBoundX96 == nil || priceBoundX96.Sign() <= 0 {
		return nil, ErrInvalidPriceBound
	}

	current, err := fixed.PriceX96(base, quote)
	if err != nil {
		return nil, err
	}
	if !withinBound(current, priceBoundX96, isBaseToQuote) {
		return fixed.Zero(), nil
	}

	valid := func(amount *big.Int) bool {
		if amount.Sign() == 0 {
			return true
		}
		price, err := PriceAfterSwap(base, quote, SwapParams{
			IsBaseToQuote: isBaseToQuote,
			IsExactInput:  isExactInput,
			Amount:        amount,
			FeeRatio:      feeRatio,
		})
		if err != nil {
			return false
		}
		return withinBound(price, priceBoundX96, isBaseToQuote)
	}

	estimate := estimateMaxSwap(base, quote, isBaseToQuote, isExactInput, feeRatio, priceBoundX96)
	return boundary(estimate, valid), nil
}

func withinBound(price, bound *big.Int, isBaseToQuote bool) bool {
	if isBaseToQuote {
		return price.Cmp(bound) >= 0
	}
	return price.Cmp(bound) <= 0
}

// estimateMaxSwap solves R*x^2 + r*(1e6+R)*x - 1e6*(target - r^2) = 0 where
// r is the reserve on the input side, R = 1e6 - fee and target is the
// squared input-side reserve at which the price reaches the bound.
func estimateMaxSwap(base, quote *big.Int, isBaseToQuote, isExactInput bool, feeRatio uint32, priceBoundX96 *big.Int) *big.Int {
	k := new(big.Int).Mul(base, quote)
	var reserve, target *big.Int
	if isBaseToQuote {
		reserve = base
		target = new(big.Int).Mul(k, fixed.Q96)
		target.Quo(target, priceBoundX96)
	} else {
		reserve = quote
		target = new(big.Int).Mul(k, priceBoundX96)
		target.Quo(target, fixed.Q96)
	}
	reserveSqr := new(big.Int).Mul(reserve, reserve)
	if target.Cmp(reserveSqr) <= 0 {
		return fixed.Zero()
	}

	precision := big.NewInt(fixed.RatioPrecision)
	a := big.NewInt(int64(fixed.RatioPrecision - feeRatio))
	b := new(big.Int).Add(precision, a)
	b.Mul(b, reserve)
	cNeg := new(big.Int).Sub(target, reserveSqr)
	cNeg.Mul(cNeg, precision)

	disc := new(big.Int).Mul(b, b)
	disc.Add(disc, new(big.Int).Mul(cNeg, new(big.Int).Mul(a, big.NewInt(4))))
	input := fixed.Sqrt(disc)
	input.Sub(input, b)
	if input.Sign() <= 0 {
		return fixed.Zero()
	}
	input.Quo(input, new(big.Int).Mul(a, big.NewInt(2)))

	if isExactInput {
		return input
	}
	output, err := PreviewSwap(base, quote, SwapParams{
		IsBaseToQuote: isBaseToQuote,
		IsExactInput:  true,
		Amount:        input,
		FeeRatio:      feeRatio,
	})
	if err != nil {
		return fixed.Zero()
	}
	return output
}

// boundary returns the largest amount for which valid holds, given that
// valid is monotone (true up to some point, false afterwards) and
// valid(0) is true.
func boundary(estimate *big.Int, valid func(*big.Int) bool) *big.Int {
	var lo, hi *big.Int
	step := big.NewInt(1)
	if valid(estimate) {
		lo = fixed.Clone(estimate)
		for i := 0; i < maxGallopSteps; i++ {
			next := new(big.Int).Add(lo, step)
			if !valid(next) {
				hi = next
				break
			}
			lo = next
			step = new(big.Int).Lsh(step, 1)
		}
		if hi == nil {
			return lo
		}
	} else {
		hi = fixed.Clone(estimate)
		for {
			next := new(big.Int).Sub(hi, step)
			if next.Sign() <= 0 {
				lo = fixed.Zero()
				break
			}
			if valid(next) {
				lo = next
				break
			}
			hi = next
			step = new(big.Int).Lsh(step, 1)
		}
	}

	// Invariant: valid(lo) && !valid(hi).
	two := big.NewInt(2)
	for new(big.Int).Sub(hi, lo).Cmp(big.NewInt(1)) > 0 {
		mid := new(big.Int).Add(lo, hi)
		mid.Quo(mid, two)
		if valid(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
