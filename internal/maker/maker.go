// Package maker applies liquidity provision to accounts.
//
// Providing liquidity borrows both legs from the account: the deposited base
// shares and quote become debt, and the position is the LP share of the
// reserves net of that debt. Funding that the pool moves to liquidity is
// tracked through the per-liquidity accumulators snapshotted here.
package maker

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/taker"
)

var (
	// ErrTooSmallBase is returned when the base leg is below the caller's
	// minimum.
	ErrTooSmallBase = errors.New("maker: base below minimum")

	// ErrTooSmallQuote is returned when the quote leg is below the caller's
	// minimum.
	ErrTooSmallQuote = errors.New("maker: quote below minimum")

	// ErrNotEnoughInitialMargin is returned when an add leaves the account
	// below initial margin.
	ErrNotEnoughInitialMargin = errors.New("maker: not enough initial margin")

	// ErrEnoughMaintenance is returned when a third party removes liquidity
	// of a healthy account.
	ErrEnoughMaintenance = errors.New("maker: account has enough maintenance margin")

	// ErrInsufficientLiquidity is returned when removing more than is held.
	ErrInsufficientLiquidity = errors.New("maker: insufficient liquidity")
)

// Market is the part of a market liquidity operations use.
type Market interface {
	account.Market
	Address() common.Address
	AddLiquidity(caller common.Address, base, quote *big.Int) (addedBase, addedQuote, liquidity *big.Int, err error)
	RemoveLiquidity(caller common.Address, liquidity *big.Int, isLiquidation bool) (base, quote *big.Int, err error)
	CumDeleveragedPerLiquidityX96() (base, quote *big.Int)
}

// AddLiquidityParams describes an add. Nil minimums are treated as zero.
type AddLiquidityParams struct {
	Market   Market
	Exchange common.Address
	Base     *big.Int
	Quote    *big.Int
	MinBase  *big.Int
	MinQuote *big.Int
	Risk     model.RiskConfig
}

// AddLiquidityResponse reports what the pool took and minted.
type AddLiquidityResponse struct {
	Base      *big.Int `json:"base"`
	Quote     *big.Int `json:"quote"`
	Liquidity *big.Int `json:"liquidity"`
}

// AddLiquidity deposits into the pool on behalf of acct and records the
// borrowed legs as debt. The account must hold initial margin afterwards.
func AddLiquidity(acct *model.AccountInfo, resolve account.Resolver, params AddLiquidityParams) (AddLiquidityResponse, error) {
	addr := params.Market.Address()
	base, quote, liquidity, err := params.Market.AddLiquidity(params.Exchange, params.Base, params.Quote)
	if err != nil {
		return AddLiquidityResponse{}, err
	}
	if base.Cmp(fixed.Clone(params.MinBase)) < 0 {
		return AddLiquidityResponse{}, ErrTooSmallBase
	}
	if quote.Cmp(fixed.Clone(params.MinQuote)) < 0 {
		return AddLiquidityResponse{}, ErrTooSmallQuote
	}

	maker := acct.Maker(addr)
	cumBase, cumQuote, err := blendCumDeleveraged(maker, params.Market, liquidity)
	if err != nil {
		return AddLiquidityResponse{}, err
	}
	maker.CumBaseSharePerLiquidityX96, maker.CumQuotePerLiquidityX96 = cumBase, cumQuote
	maker.BaseDebtShare = new(big.Int).Add(maker.BaseDebtShare, base)
	maker.QuoteDebt = new(big.Int).Add(maker.QuoteDebt, quote)
	maker.Liquidity = new(big.Int).Add(maker.Liquidity, liquidity)

	if err := account.UpdateMarkets(acct, addr, params.Risk.MaxMarketsPerAccount); err != nil {
		return AddLiquidityResponse{}, err
	}
	ok, err := account.HasEnoughInitialMargin(acct, resolve, params.Risk.ImRatio)
	if err != nil {
		return AddLiquidityResponse{}, err
	}
	if !ok {
		return AddLiquidityResponse{}, ErrNotEnoughInitialMargin
	}
	return AddLiquidityResponse{Base: base, Quote: quote, Liquidity: liquidity}, nil
}

// blendCumDeleveraged returns the liquidity-weighted average of the held
// snapshot and the current accumulators, so the added liquidity starts
// accruing from now.
func blendCumDeleveraged(maker *model.MakerInfo, m Market, added *big.Int) (base, quote *big.Int, err error) {
	nowBase, nowQuote := m.CumDeleveragedPerLiquidityX96()
	if maker.Liquidity.Sign() == 0 {
		return nowBase, nowQuote, nil
	}
	total := new(big.Int).Add(maker.Liquidity, added)
	if base, err = blend(maker.CumBaseSharePerLiquidityX96, nowBase, maker.Liquidity, added, total); err != nil {
		return nil, nil, err
	}
	if quote, err = blend(maker.CumQuotePerLiquidityX96, nowQuote, maker.Liquidity, added, total); err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

func blend(held, now, heldLiquidity, addedLiquidity, total *big.Int) (*big.Int, error) {
	a, err := fixed.MulDiv(held, heldLiquidity, total)
	if err != nil {
		return nil, err
	}
	b, err := fixed.MulDiv(now, addedLiquidity, total)
	if err != nil {
		return nil, err
	}
	return a.Add(a, b), nil
}

// RemoveLiquidityParams describes a removal. IsSelf is false when a third
// party removes liquidity of an account below maintenance margin.
type RemoveLiquidityParams struct {
	Market    Market
	Exchange  common.Address
	Liquidity *big.Int
	MinBase   *big.Int
	MinQuote  *big.Int
	Risk      model.RiskConfig
	IsSelf    bool
}

// RemoveLiquidityResponse reports the removed legs and what was left over
// after repaying debt.
type RemoveLiquidityResponse struct {
	Base          *big.Int `json:"base"`
	Quote         *big.Int `json:"quote"`
	TakerBase     *big.Int `json:"taker_base"`
	TakerQuote    *big.Int `json:"taker_quote"`
	RealizedPnL   *big.Int `json:"realized_pnl"`
	IsLiquidation bool     `json:"is_liquidation"`
}

// RemoveLiquidity burns liquidity of acct, repays the proportional debt and
// folds the remaining base and quote into the taker position.
func RemoveLiquidity(acct *model.AccountInfo, resolve account.Resolver, params RemoveLiquidityParams) (RemoveLiquidityResponse, error) {
	addr := params.Market.Address()
	enough, err := account.HasEnoughMaintenanceMargin(acct, resolve, params.Risk.MmRatio)
	if err != nil {
		return RemoveLiquidityResponse{}, err
	}
	isLiquidation := !enough
	if !params.IsSelf && !isLiquidation {
		return RemoveLiquidityResponse{}, ErrEnoughMaintenance
	}

	held := acct.MakerView(addr)
	if params.Liquidity.Sign() <= 0 || params.Liquidity.Cmp(held.Liquidity) > 0 {
		return RemoveLiquidityResponse{}, ErrInsufficientLiquidity
	}

	base, quote, err := params.Market.RemoveLiquidity(params.Exchange, params.Liquidity, isLiquidation)
	if err != nil {
		return RemoveLiquidityResponse{}, err
	}
	if base.Cmp(fixed.Clone(params.MinBase)) < 0 {
		return RemoveLiquidityResponse{}, ErrTooSmallBase
	}
	if quote.Cmp(fixed.Clone(params.MinQuote)) < 0 {
		return RemoveLiquidityResponse{}, ErrTooSmallQuote
	}
	// Read after the market call so funding it settled is included.
	delBase, delQuote, err := params.Market.LiquidityDeleveraged(params.Liquidity, held.CumBaseSharePerLiquidityX96, held.CumQuotePerLiquidityX96)
	if err != nil {
		return RemoveLiquidityResponse{}, err
	}

	maker := acct.Maker(addr)
	baseDebt, quoteDebt := fixed.Clone(maker.BaseDebtShare), fixed.Clone(maker.QuoteDebt)
	if params.Liquidity.Cmp(maker.Liquidity) != 0 {
		if baseDebt, err = fixed.MulDiv(maker.BaseDebtShare, params.Liquidity, maker.Liquidity); err != nil {
			return RemoveLiquidityResponse{}, err
		}
		if quoteDebt, err = fixed.MulDiv(maker.QuoteDebt, params.Liquidity, maker.Liquidity); err != nil {
			return RemoveLiquidityResponse{}, err
		}
	}
	maker.BaseDebtShare = new(big.Int).Sub(maker.BaseDebtShare, baseDebt)
	maker.QuoteDebt = new(big.Int).Sub(maker.QuoteDebt, quoteDebt)
	maker.Liquidity = new(big.Int).Sub(maker.Liquidity, params.Liquidity)

	takerBase := new(big.Int).Add(base, delBase)
	takerBase.Sub(takerBase, baseDebt)
	takerQuote := new(big.Int).Add(quote, delQuote)
	takerQuote.Sub(takerQuote, quoteDebt)

	realized, err := settleLeftover(acct, params.Market, takerBase, takerQuote, params.Risk.MaxMarketsPerAccount)
	if err != nil {
		return RemoveLiquidityResponse{}, err
	}
	if err := account.UpdateMarkets(acct, addr, params.Risk.MaxMarketsPerAccount); err != nil {
		return RemoveLiquidityResponse{}, err
	}

	return RemoveLiquidityResponse{
		Base:          base,
		Quote:         quote,
		TakerBase:     takerBase,
		TakerQuote:    takerQuote,
		RealizedPnL:   realized,
		IsLiquidation: isLiquidation,
	}, nil
}

// settleLeftover moves what remains of a removed slice after debt into the
// taker position. A pure quote remainder is realized directly. Otherwise the
// base shares are booked at the per-share mark price and the rest of the
// quote is realized.
func settleLeftover(acct *model.AccountInfo, m Market, base, quote *big.Int, maxMarkets int) (*big.Int, error) {
	if base.Sign() == 0 {
		acct.CollateralBalance.Add(acct.CollateralBalance, quote)
		return fixed.Clone(quote), nil
	}

	atMark, err := fixed.MulDiv(base, m.MarkPriceX96(), fixed.Q96)
	if err != nil {
		return nil, err
	}
	atMark.Neg(atMark)
	if atMark.Sign() == 0 {
		atMark.SetInt64(int64(-base.Sign()))
	}
	fee := new(big.Int).Sub(quote, atMark)
	return taker.AddToTakerBalance(acct, m.Address(), base, atMark, fee, maxMarkets)
}
