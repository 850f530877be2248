package taker

import (
	"math/big"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// MaxTradeParams describes the trade whose maximum amount is queried.
type MaxTradeParams struct {
	Market        Market
	IsBaseToQuote bool
	IsExactInput  bool
	Risk          model.RiskConfig
	IsSelf        bool
}

// MaxTrade returns the largest amount Trade would accept for acct now,
// ignoring slippage and the initial-margin check. It is zero when a third
// party asks about a healthy account. For liquidations the amount is capped
// at what closes the position.
func MaxTrade(acct *model.AccountInfo, resolve account.Resolver, params MaxTradeParams) (*big.Int, error) {
	addr := params.Market.Address()
	enough, err := account.HasEnoughMaintenanceMargin(acct, resolve, params.Risk.MmRatio)
	if err != nil {
		return nil, err
	}
	isLiquidation := !enough
	if !params.IsSelf && !isLiquidation {
		return fixed.Zero(), nil
	}
	if isLiquidation && acct.MakerView(addr).Liquidity.Sign() != 0 {
		return fixed.Zero(), nil
	}

	marketMax, err := params.Market.MaxSwap(params.IsBaseToQuote, params.IsExactInput, isLiquidation)
	if err != nil {
		return nil, err
	}
	ratio := params.Risk.ProtocolFeeRatio
	toMarket := func(amount *big.Int) (*big.Int, error) {
		return marketAmount(params.IsBaseToQuote, params.IsExactInput, amount, ratio)
	}
	amount := largest(upperGuess(marketMax, ratio), func(a *big.Int) bool {
		m, err := toMarket(a)
		return err == nil && m.Cmp(marketMax) <= 0
	})
	if !isLiquidation {
		return amount, nil
	}

	// A liquidation may only reduce: cap the base delta at the position.
	position := acct.TakerView(addr).BaseBalanceShare
	if position.Sign() == 0 || (position.Sign() > 0) != params.IsBaseToQuote {
		return fixed.Zero(), nil
	}
	limit := fixed.Abs(position)
	capped := largest(amount, func(a *big.Int) bool {
		if a.Sign() == 0 {
			return true
		}
		m, err := toMarket(a)
		if err != nil {
			return false
		}
		if params.IsExactInput == params.IsBaseToQuote {
			// The amount itself is base.
			return a.Cmp(limit) <= 0
		}
		opposite, err := params.Market.PreviewSwap(params.IsBaseToQuote, params.IsExactInput, m, isLiquidation)
		return err == nil && opposite.Cmp(limit) <= 0
	})
	return capped, nil
}

// marketAmount maps a trader amount to the amount swapped in the market once
// the protocol fee is taken in quote.
func marketAmount(isBaseToQuote, isExactInput bool, amount *big.Int, ratio uint32) (*big.Int, error) {
	if ratio == 0 {
		return fixed.Clone(amount), nil
	}
	switch {
	case isExactInput && !isBaseToQuote:
		return new(big.Int).Sub(amount, fixed.MulRatio(amount, ratio)), nil
	case !isExactInput && isBaseToQuote:
		return fixed.DivRatio(amount, fixed.RatioPrecision-ratio)
	default:
		return fixed.Clone(amount), nil
	}
}

// upperGuess returns an amount whose market amount is certainly above
// marketMax.
func upperGuess(marketMax *big.Int, ratio uint32) *big.Int {
	guess := new(big.Int).Mul(marketMax, big.NewInt(fixed.RatioPrecision))
	guess.Quo(guess, big.NewInt(int64(fixed.RatioPrecision-ratio)))
	return guess.Add(guess, big.NewInt(2))
}

// largest returns the largest a in [0, hi] with ok(a), given ok is monotone
// and ok(0) holds.
func largest(hi *big.Int, ok func(*big.Int) bool) *big.Int {
	if ok(hi) {
		return fixed.Clone(hi)
	}
	lo, hi := fixed.Zero(), fixed.Clone(hi)
	one, two := big.NewInt(1), big.NewInt(2)
	for new(big.Int).Sub(hi, lo).Cmp(one) > 0 {
		mid := new(big.Int).Add(lo, hi)
		mid.Quo(mid, two)
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}
