package fixed

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var q96Decimal = decimal.NewFromBigInt(Q96, 0)

// ToDecimal converts an X96 value into a decimal, for display only.
func ToDecimal(x96 *big.Int) decimal.Decimal {
	if x96 == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x96, 0).DivRound(q96Decimal, 18)
}

// FromDecimal converts a decimal into an X96 value, truncating toward zero.
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Mul(q96Decimal).BigInt()
}

// RatioToDecimal renders a 1e6-precision ratio as a decimal fraction.
func RatioToDecimal(ratio uint32) decimal.Decimal {
	return decimal.New(int64(ratio), -6)
}
