package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/maker"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/taker"
)

// TradeParams describes a trade of Trader's account. A Caller other than
// Trader acts as liquidator and needs Trader below maintenance margin. A nil
// OppositeAmountBound disables the slippage check; a zero Deadline never
// expires.
type TradeParams struct {
	Trader              common.Address
	Caller              common.Address
	Market              common.Address
	IsBaseToQuote       bool
	IsExactInput        bool
	Amount              *big.Int
	OppositeAmountBound *big.Int
	Deadline            int64
}

// Trade swaps against a market for Trader.
func (e *Exchange) Trade(params TradeParams) (taker.TradeResponse, error) {
	return e.runTrade(params, false)
}

// OpenPosition is Trade with Caller set to Trader.
func (e *Exchange) OpenPosition(params TradeParams) (taker.TradeResponse, error) {
	params.Caller = params.Trader
	return e.runTrade(params, false)
}

// PreviewTrade returns what Trade would return for the current state
// without changing it.
func (e *Exchange) PreviewTrade(params TradeParams) (taker.TradeResponse, error) {
	return e.runTrade(params, true)
}

// PreviewOpenPosition returns what OpenPosition would return for the
// current state without changing it.
func (e *Exchange) PreviewOpenPosition(params TradeParams) (taker.TradeResponse, error) {
	params.Caller = params.Trader
	return e.runTrade(params, true)
}

func (e *Exchange) runTrade(params TradeParams, dry bool) (taker.TradeResponse, error) {
	if err := e.checkDeadline(params.Deadline); err != nil {
		return taker.TradeResponse{}, e.reject("trade", err)
	}
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return taker.TradeResponse{}, e.reject("trade", ErrZeroAmount)
	}
	m, err := e.market(params.Market)
	if err != nil {
		return taker.TradeResponse{}, e.reject("trade", err)
	}

	t := e.begin([]common.Address{params.Trader, params.Caller}, m)
	resp, err := e.trade(m, params)
	if err != nil {
		t.rollback()
		return taker.TradeResponse{}, e.reject("trade", err)
	}
	if dry {
		t.rollback()
		return resp, nil
	}

	kind := model.EntryTrade
	var liquidator *common.Address
	if resp.IsLiquidation {
		kind = model.EntryLiquidation
		caller := params.Caller
		liquidator = &caller
		e.logger.Info("liquidation",
			"market", m.Address().Hex(),
			"trader", params.Trader.Hex(),
			"liquidator", params.Caller.Hex(),
			"base", resp.Base.String(),
			"quote", resp.Quote.String(),
			"penalty", resp.LiquidationPenalty.String(),
		)
	}
	e.record(model.Entry{
		Kind:        kind,
		Trader:      params.Trader,
		Liquidator:  liquidator,
		Base:        resp.Base,
		Quote:       resp.Quote,
		Amount:      resp.ProtocolFee,
		RealizedPnL: resp.RealizedPnL,
	}, m)
	t.commit()
	return resp, nil
}

func (e *Exchange) trade(m *market.Market, params TradeParams) (taker.TradeResponse, error) {
	acct := e.account(params.Trader)
	isSelf := params.Caller == params.Trader
	liquidator := acct
	if !isSelf {
		liquidator = e.account(params.Caller)
	}

	resp, err := taker.Trade(acct, liquidator, taker.Book{
		InsuranceFund: &e.insuranceFund,
		Protocol:      &e.protocol,
	}, e.resolve, taker.TradeParams{
		Market:              m,
		Exchange:            e.address,
		IsBaseToQuote:       params.IsBaseToQuote,
		IsExactInput:        params.IsExactInput,
		Amount:              params.Amount,
		OppositeAmountBound: params.OppositeAmountBound,
		Risk:                e.risk,
		IsSelf:              isSelf,
	})
	if err != nil {
		return taker.TradeResponse{}, err
	}

	if !e.allowed[params.Market] {
		after := acct.TakerView(params.Market).BaseBalanceShare
		if after.Sign()*resp.Base.Sign() > 0 {
			return taker.TradeResponse{}, ErrMarketNotAllowed
		}
	}
	return resp, nil
}

// MaxTradeParams describes a max-trade query.
type MaxTradeParams struct {
	Trader        common.Address
	Caller        common.Address
	Market        common.Address
	IsBaseToQuote bool
	IsExactInput  bool
}

// MaxTrade returns the largest amount Trade would accept from Caller in the
// given direction, ignoring slippage and initial margin.
func (e *Exchange) MaxTrade(params MaxTradeParams) (*big.Int, error) {
	m, err := e.market(params.Market)
	if err != nil {
		return nil, err
	}
	return taker.MaxTrade(e.accountView(params.Trader), e.resolve, taker.MaxTradeParams{
		Market:        m,
		IsBaseToQuote: params.IsBaseToQuote,
		IsExactInput:  params.IsExactInput,
		Risk:          e.risk,
		IsSelf:        params.Caller == params.Trader,
	})
}

// MaxOpenPosition is MaxTrade for the trader's own account.
func (e *Exchange) MaxOpenPosition(trader, marketAddr common.Address, isBaseToQuote, isExactInput bool) (*big.Int, error) {
	return e.MaxTrade(MaxTradeParams{
		Trader:        trader,
		Caller:        trader,
		Market:        marketAddr,
		IsBaseToQuote: isBaseToQuote,
		IsExactInput:  isExactInput,
	})
}

// AddLiquidityParams describes a liquidity add by Trader. Nil minimums are
// zero.
type AddLiquidityParams struct {
	Trader   common.Address
	Market   common.Address
	Base     *big.Int
	Quote    *big.Int
	MinBase  *big.Int
	MinQuote *big.Int
	Deadline int64
}

// AddLiquidity deposits into the market pool on behalf of Trader.
func (e *Exchange) AddLiquidity(params AddLiquidityParams) (maker.AddLiquidityResponse, error) {
	if err := e.checkDeadline(params.Deadline); err != nil {
		return maker.AddLiquidityResponse{}, e.reject("add_liquidity", err)
	}
	if params.Base == nil || params.Quote == nil || params.Base.Sign() <= 0 || params.Quote.Sign() <= 0 {
		return maker.AddLiquidityResponse{}, e.reject("add_liquidity", ErrZeroAmount)
	}
	m, err := e.market(params.Market)
	if err != nil {
		return maker.AddLiquidityResponse{}, e.reject("add_liquidity", err)
	}
	if !e.allowed[params.Market] {
		return maker.AddLiquidityResponse{}, e.reject("add_liquidity", ErrMarketNotAllowed)
	}

	t := e.begin([]common.Address{params.Trader}, m)
	resp, err := maker.AddLiquidity(e.account(params.Trader), e.resolve, maker.AddLiquidityParams{
		Market:   m,
		Exchange: e.address,
		Base:     params.Base,
		Quote:    params.Quote,
		MinBase:  params.MinBase,
		MinQuote: params.MinQuote,
		Risk:     e.risk,
	})
	if err != nil {
		t.rollback()
		return maker.AddLiquidityResponse{}, e.reject("add_liquidity", err)
	}
	e.record(model.Entry{
		Kind:   model.EntryLiquidityAdded,
		Trader: params.Trader,
		Base:   resp.Base,
		Quote:  resp.Quote,
		Amount: resp.Liquidity,
	}, m)
	t.commit()
	return resp, nil
}

// RemoveLiquidityParams describes a liquidity removal from Trader's
// account. A Caller other than Trader needs Trader below maintenance margin.
type RemoveLiquidityParams struct {
	Trader    common.Address
	Caller    common.Address
	Market    common.Address
	Liquidity *big.Int
	MinBase   *big.Int
	MinQuote  *big.Int
	Deadline  int64
}

// RemoveLiquidity burns liquidity of Trader and folds the remainder into
// the taker position. Allowed on disallowed markets.
func (e *Exchange) RemoveLiquidity(params RemoveLiquidityParams) (maker.RemoveLiquidityResponse, error) {
	if err := e.checkDeadline(params.Deadline); err != nil {
		return maker.RemoveLiquidityResponse{}, e.reject("remove_liquidity", err)
	}
	if params.Liquidity == nil || params.Liquidity.Sign() <= 0 {
		return maker.RemoveLiquidityResponse{}, e.reject("remove_liquidity", ErrZeroAmount)
	}
	m, err := e.market(params.Market)
	if err != nil {
		return maker.RemoveLiquidityResponse{}, e.reject("remove_liquidity", err)
	}

	isSelf := params.Caller == params.Trader
	t := e.begin([]common.Address{params.Trader}, m)
	resp, err := maker.RemoveLiquidity(e.account(params.Trader), e.resolve, maker.RemoveLiquidityParams{
		Market:    m,
		Exchange:  e.address,
		Liquidity: params.Liquidity,
		MinBase:   params.MinBase,
		MinQuote:  params.MinQuote,
		Risk:      e.risk,
		IsSelf:    isSelf,
	})
	if err != nil {
		t.rollback()
		return maker.RemoveLiquidityResponse{}, e.reject("remove_liquidity", err)
	}

	var liquidator *common.Address
	if resp.IsLiquidation && !isSelf {
		caller := params.Caller
		liquidator = &caller
		e.logger.Info("liquidity liquidated",
			"market", m.Address().Hex(),
			"trader", params.Trader.Hex(),
			"liquidator", params.Caller.Hex(),
			"liquidity", params.Liquidity.String(),
		)
	}
	e.record(model.Entry{
		Kind:        model.EntryLiquidityRemoved,
		Trader:      params.Trader,
		Liquidator:  liquidator,
		Base:        resp.TakerBase,
		Quote:       resp.TakerQuote,
		Amount:      fixed.Clone(params.Liquidity),
		RealizedPnL: resp.RealizedPnL,
	}, m)
	t.commit()
	return resp, nil
}
