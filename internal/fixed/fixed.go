// Package fixed provides the integer fixed-point helpers shared by the pool,
// funding, price-limit and margin math.
//
// Prices and per-unit cumulative quantities are X96 values: a real number v
// is stored as floor(v * 2^96) in a *big.Int. Ratios (fees, margin ratios,
// price-limit ranges) are integers with RatioPrecision (1e6) precision.
//
// Every helper returns a freshly allocated value and never mutates its
// arguments. Results are bounded to the signed 256-bit range so that reserve
// math fails loudly instead of growing without limit.
package fixed

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// RatioPrecision is the denominator of every ratio parameter.
const RatioPrecision = 1_000_000

var (
	// ErrOverflow is returned when a result leaves the 256-bit range.
	ErrOverflow = errors.New("fixed: arithmetic overflow")

	// ErrUnderflow is returned when an unsigned subtraction would go negative.
	ErrUnderflow = errors.New("fixed: arithmetic underflow")

	// ErrDivByZero is returned for a zero denominator.
	ErrDivByZero = errors.New("fixed: division by zero")
)

var (
	// Q96 is 2^96, the X96 scale factor.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	ratioPrecision = big.NewInt(RatioPrecision)
	one            = big.NewInt(1)
)

// Zero returns a new zero value.
func Zero() *big.Int { return new(big.Int) }

// Int returns v as a *big.Int.
func Int(v int64) *big.Int { return big.NewInt(v) }

// Clone copies x. A nil x clones to zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// Q96Clone returns a fresh copy of 2^96, for use as an initial rebase factor.
func Q96Clone() *big.Int { return new(big.Int).Set(Q96) }

func bounded(x *big.Int) (*big.Int, error) {
	if x.CmpAbs(math.MaxBig256) > 0 {
		return nil, ErrOverflow
	}
	return x, nil
}

// Add returns a+b.
func Add(a, b *big.Int) (*big.Int, error) {
	return bounded(new(big.Int).Add(a, b))
}

// Sub returns a-b for unsigned quantities, failing with ErrUnderflow when
// b > a.
func Sub(a, b *big.Int) (*big.Int, error) {
	if a.Cmp(b) < 0 {
		return nil, ErrUnderflow
	}
	return new(big.Int).Sub(a, b), nil
}

// Mul returns a*b.
func Mul(a, b *big.Int) (*big.Int, error) {
	return bounded(new(big.Int).Mul(a, b))
}

// MulDiv returns a*b/denominator with the full-width product, truncated
// toward zero. For non-negative inputs this is the floor.
func MulDiv(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivByZero
	}
	p := new(big.Int).Mul(a, b)
	return bounded(p.Quo(p, denominator))
}

// MulDivRoundingUp returns ceil(a*b/denominator) for non-negative inputs.
func MulDivRoundingUp(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivByZero
	}
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, denominator, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, one)
	}
	return bounded(q)
}

// MulRatio returns v*ratio/1e6, truncated toward zero.
func MulRatio(v *big.Int, ratio uint32) *big.Int {
	p := new(big.Int).Mul(v, big.NewInt(int64(ratio)))
	return p.Quo(p, ratioPrecision)
}

// MulRatioRoundingUp returns ceil(v*ratio/1e6) for non-negative v.
func MulRatioRoundingUp(v *big.Int, ratio uint32) *big.Int {
	q, _ := MulDivRoundingUp(v, big.NewInt(int64(ratio)), ratioPrecision)
	return q
}

// DivRatio returns v*1e6/ratio, truncated toward zero.
func DivRatio(v *big.Int, ratio uint32) (*big.Int, error) {
	return MulDiv(v, ratioPrecision, big.NewInt(int64(ratio)))
}

// DivRatioRoundingUp returns ceil(v*1e6/ratio) for non-negative v.
func DivRatioRoundingUp(v *big.Int, ratio uint32) (*big.Int, error) {
	return MulDivRoundingUp(v, ratioPrecision, big.NewInt(int64(ratio)))
}

// Sqrt returns floor(sqrt(x)) for non-negative x.
func Sqrt(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sqrt(x)
}

// Abs returns |x|.
func Abs(x *big.Int) *big.Int { return new(big.Int).Abs(x) }

// Neg returns -x.
func Neg(x *big.Int) *big.Int { return new(big.Int).Neg(x) }

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int { return Clone(math.BigMin(a, b)) }

// Max returns a copy of the larger of a and b.
func Max(a, b *big.Int) *big.Int { return Clone(math.BigMax(a, b)) }

// OppositeSigns reports whether a and b are both non-zero with different
// signs.
func OppositeSigns(a, b *big.Int) bool {
	return a.Sign()*b.Sign() == -1
}

// PriceX96 returns quote*2^96/base, the X96 ratio of two reserves.
func PriceX96(base, quote *big.Int) (*big.Int, error) {
	return MulDiv(quote, Q96, base)
}
