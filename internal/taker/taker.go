// Package taker applies directional trades to accounts: the swap against the
// market, protocol fee, realized PnL, and the liquidation penalty split
// between liquidator and insurance fund.
package taker

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// fullyClosedRatio is the closed-fraction precision used when realizing PnL.
var fullyClosedRatio = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	ErrInvalidDelta           = errors.New("taker: base and quote must have opposite signs")
	ErrInconsistentBalance    = errors.New("taker: inconsistent taker balance")
	ErrTooSmallOpposite       = errors.New("taker: opposite amount below bound")
	ErrTooLargeOpposite       = errors.New("taker: opposite amount above bound")
	ErrEnoughMaintenance      = errors.New("taker: account has enough maintenance margin")
	ErrMakerLiquidation       = errors.New("taker: cannot liquidate while providing liquidity")
	ErrLiquidationOpen        = errors.New("taker: liquidation cannot open a position")
	ErrNotEnoughInitialMargin = errors.New("taker: not enough initial margin")
)

// Market is the part of a market a trade uses.
type Market interface {
	account.Market
	Address() common.Address
	Swap(caller common.Address, isBaseToQuote, isExactInput bool, amount *big.Int, isLiquidation bool) (*big.Int, error)
	PreviewSwap(isBaseToQuote, isExactInput bool, amount *big.Int, isLiquidation bool) (*big.Int, error)
	MaxSwap(isBaseToQuote, isExactInput, isLiquidation bool) (*big.Int, error)
}

// Book groups the global balances a trade may touch.
type Book struct {
	InsuranceFund *model.InsuranceFundInfo
	Protocol      *model.ProtocolInfo
}

// TradeParams describes one trade. Exchange is the identity the market
// accepts swaps from. A nil OppositeAmountBound disables the slippage check.
type TradeParams struct {
	Market              Market
	Exchange            common.Address
	IsBaseToQuote       bool
	IsExactInput        bool
	Amount              *big.Int
	OppositeAmountBound *big.Int
	Risk                model.RiskConfig
	IsSelf              bool
}

// TradeResponse reports the balance changes of a trade.
type TradeResponse struct {
	Base                *big.Int `json:"base"`
	Quote               *big.Int `json:"quote"`
	RealizedPnL         *big.Int `json:"realized_pnl"`
	ProtocolFee         *big.Int `json:"protocol_fee"`
	IsLiquidation       bool     `json:"is_liquidation"`
	LiquidationPenalty  *big.Int `json:"liquidation_penalty"`
	LiquidationReward   *big.Int `json:"liquidation_reward"`
	InsuranceFundReward *big.Int `json:"insurance_fund_reward"`
}

// Trade swaps against the market on behalf of acct. When acct is below
// maintenance margin the trade is a liquidation: it may only reduce the
// position and the penalty is paid to liquidator and the insurance fund.
// Opening trades require initial margin afterwards.
func Trade(acct, liquidator *model.AccountInfo, book Book, resolve account.Resolver, params TradeParams) (TradeResponse, error) {
	addr := params.Market.Address()
	isLiquidation, err := validateTrade(acct, addr, resolve, params.Risk.MmRatio, params.IsSelf)
	if err != nil {
		return TradeResponse{}, err
	}

	before := acct.TakerView(addr).BaseBalanceShare

	opposite, protocolFee, err := swapWithProtocolFee(params, isLiquidation)
	if err != nil {
		return TradeResponse{}, err
	}
	book.Protocol.ProtocolFee.Add(book.Protocol.ProtocolFee, protocolFee)

	if err := validateSlippage(params.IsExactInput, opposite, params.OppositeAmountBound); err != nil {
		return TradeResponse{}, err
	}
	base, quote := SwapResponseToBaseQuote(params.IsBaseToQuote, params.IsExactInput, params.Amount, opposite)
	realized, err := AddToTakerBalance(acct, addr, base, quote, fixed.Zero(), params.Risk.MaxMarketsPerAccount)
	if err != nil {
		return TradeResponse{}, err
	}

	resp := TradeResponse{
		Base:                base,
		Quote:               quote,
		RealizedPnL:         realized,
		ProtocolFee:         protocolFee,
		IsLiquidation:       isLiquidation,
		LiquidationPenalty:  fixed.Zero(),
		LiquidationReward:   fixed.Zero(),
		InsuranceFundReward: fixed.Zero(),
	}

	after := new(big.Int).Add(before, base)
	isOpen := after.Sign()*base.Sign() > 0

	if isLiquidation {
		if isOpen {
			return TradeResponse{}, ErrLiquidationOpen
		}
		resp.LiquidationPenalty, resp.LiquidationReward, resp.InsuranceFundReward = ProcessLiquidationReward(
			acct, liquidator, book.InsuranceFund, params.Risk.MmRatio, params.Risk.LiquidationRewardConfig, fixed.Abs(quote))
	}

	if isOpen {
		ok, err := account.HasEnoughInitialMargin(acct, resolve, params.Risk.ImRatio)
		if err != nil {
			return TradeResponse{}, err
		}
		if !ok {
			return TradeResponse{}, ErrNotEnoughInitialMargin
		}
	}
	return resp, nil
}

// validateTrade reports whether the trade is a liquidation. Third parties
// may only trade accounts below maintenance margin, and never while the
// account provides liquidity in the market.
func validateTrade(acct *model.AccountInfo, addr common.Address, resolve account.Resolver, mmRatio uint32, isSelf bool) (bool, error) {
	enough, err := account.HasEnoughMaintenanceMargin(acct, resolve, mmRatio)
	if err != nil {
		return false, err
	}
	isLiquidation := !enough
	if !isSelf && !isLiquidation {
		return false, ErrEnoughMaintenance
	}
	if isLiquidation && acct.MakerView(addr).Liquidity.Sign() != 0 {
		return false, ErrMakerLiquidation
	}
	return isLiquidation, nil
}

// swapWithProtocolFee runs the swap and takes the protocol fee in quote.
// The returned opposite amount is what the trader receives or pays.
func swapWithProtocolFee(params TradeParams, isLiquidation bool) (opposite, protocolFee *big.Int, err error) {
	m, ratio := params.Market, params.Risk.ProtocolFeeRatio
	if ratio == 0 {
		opposite, err = m.Swap(params.Exchange, params.IsBaseToQuote, params.IsExactInput, params.Amount, isLiquidation)
		return opposite, fixed.Zero(), err
	}

	switch {
	case params.IsExactInput && params.IsBaseToQuote:
		gross, err := m.Swap(params.Exchange, true, true, params.Amount, isLiquidation)
		if err != nil {
			return nil, nil, err
		}
		protocolFee = fixed.MulRatio(gross, ratio)
		return gross.Sub(gross, protocolFee), protocolFee, nil

	case params.IsExactInput:
		protocolFee = fixed.MulRatio(params.Amount, ratio)
		opposite, err = m.Swap(params.Exchange, false, true, new(big.Int).Sub(params.Amount, protocolFee), isLiquidation)
		if err != nil {
			return nil, nil, err
		}
		return opposite, protocolFee, nil

	case params.IsBaseToQuote:
		withFee, err := fixed.DivRatio(params.Amount, fixed.RatioPrecision-ratio)
		if err != nil {
			return nil, nil, err
		}
		opposite, err = m.Swap(params.Exchange, true, false, withFee, isLiquidation)
		if err != nil {
			return nil, nil, err
		}
		return opposite, withFee.Sub(withFee, params.Amount), nil

	default:
		net, err := m.Swap(params.Exchange, false, false, params.Amount, isLiquidation)
		if err != nil {
			return nil, nil, err
		}
		opposite, err = fixed.DivRatio(net, fixed.RatioPrecision-ratio)
		if err != nil {
			return nil, nil, err
		}
		return opposite, new(big.Int).Sub(opposite, net), nil
	}
}

func validateSlippage(isExactInput bool, opposite, bound *big.Int) error {
	if bound == nil {
		return nil
	}
	if isExactInput {
		if opposite.Cmp(bound) < 0 {
			return ErrTooSmallOpposite
		}
		return nil
	}
	if opposite.Cmp(bound) > 0 {
		return ErrTooLargeOpposite
	}
	return nil
}

// SwapResponseToBaseQuote converts a swap into signed base share and quote
// deltas from the trader's side.
func SwapResponseToBaseQuote(isBaseToQuote, isExactInput bool, amount, opposite *big.Int) (base, quote *big.Int) {
	switch {
	case isExactInput && isBaseToQuote:
		return fixed.Neg(amount), fixed.Clone(opposite)
	case isExactInput:
		return fixed.Clone(opposite), fixed.Neg(amount)
	case isBaseToQuote:
		return fixed.Neg(opposite), fixed.Clone(amount)
	default:
		return fixed.Clone(amount), fixed.Neg(opposite)
	}
}

// AddToTakerBalance adds a base/quote leg to the position in addr. The part
// of the leg that closes an opposite position realizes PnL into collateral
// in proportion to the closed fraction; quoteFee is realized in full.
func AddToTakerBalance(acct *model.AccountInfo, addr common.Address, baseShare, quoteBalance, quoteFee *big.Int, maxMarkets int) (*big.Int, error) {
	if baseShare.Sign()*quoteBalance.Sign() != -1 {
		return nil, ErrInvalidDelta
	}
	taker := acct.TakerView(addr)

	realized := fixed.Zero()
	if taker.BaseBalanceShare.Sign()*baseShare.Sign() == -1 {
		closedRatio, err := fixed.MulDiv(fixed.Abs(baseShare), fullyClosedRatio, fixed.Abs(taker.BaseBalanceShare))
		if err != nil {
			return nil, err
		}
		if closedRatio.Cmp(fullyClosedRatio) <= 0 {
			reduced, err := fixed.MulDiv(taker.QuoteBalance, closedRatio, fullyClosedRatio)
			if err != nil {
				return nil, err
			}
			realized.Add(quoteBalance, reduced)
		} else {
			closed, err := fixed.MulDiv(quoteBalance, fullyClosedRatio, closedRatio)
			if err != nil {
				return nil, err
			}
			realized.Add(taker.QuoteBalance, closed)
		}
	}
	realized.Add(realized, quoteFee)

	newBase := new(big.Int).Add(taker.BaseBalanceShare, baseShare)
	newQuote := new(big.Int).Add(taker.QuoteBalance, quoteBalance)
	newQuote.Add(newQuote, quoteFee).Sub(newQuote, realized)
	if !(newBase.Sign() == 0 && newQuote.Sign() == 0) && newBase.Sign()*newQuote.Sign() != -1 {
		return nil, ErrInconsistentBalance
	}

	stored := acct.Taker(addr)
	stored.BaseBalanceShare, stored.QuoteBalance = newBase, newQuote
	if err := account.UpdateMarkets(acct, addr, maxMarkets); err != nil {
		return nil, err
	}
	acct.CollateralBalance.Add(acct.CollateralBalance, realized)
	return realized, nil
}

// ProcessLiquidationReward charges the liquidation penalty on exchangedQuote
// to acct. The liquidator's share is smoothed through the insurance fund's
// reward balance; the rest goes to the insurance fund.
func ProcessLiquidationReward(acct, liquidator *model.AccountInfo, fund *model.InsuranceFundInfo, mmRatio uint32, cfg model.LiquidationRewardConfig, exchangedQuote *big.Int) (penalty, reward, insuranceReward *big.Int) {
	penalty = fixed.MulRatio(exchangedQuote, mmRatio)
	reward = fixed.MulRatio(penalty, cfg.RewardRatio)
	insuranceReward = new(big.Int).Sub(penalty, reward)

	fund.LiquidationRewardBalance, reward = smoothLiquidationReward(fund.LiquidationRewardBalance, reward, cfg.SmoothEmaTime)

	acct.CollateralBalance.Sub(acct.CollateralBalance, penalty)
	liquidator.CollateralBalance.Add(liquidator.CollateralBalance, reward)
	fund.Balance.Add(fund.Balance, insuranceReward)
	return penalty, reward, insuranceReward
}

// smoothLiquidationReward pays out 1/emaTime of the accumulated reward
// balance and keeps the rest.
func smoothLiquidationReward(balance, reward *big.Int, emaTime uint32) (newBalance, paid *big.Int) {
	total := new(big.Int).Add(balance, reward)
	if emaTime <= 1 {
		return fixed.Zero(), total
	}
	paid = new(big.Int).Quo(total, big.NewInt(int64(emaTime)))
	return total.Sub(total, paid), paid
}
