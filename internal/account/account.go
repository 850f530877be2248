// Package account values trader accounts against the markets they are
// active in.
//
// A liquidity position is valued as the reserves it currently backs plus
// whatever funding has moved to it since its last touch, minus the legs it
// borrowed. Together with the directional taker balance this gives a single
// position per market, so margin is checked on the combined exposure.
package account

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrTooManyMarkets is returned when an account would exceed its active
// market cap.
var ErrTooManyMarkets = errors.New("account: too many markets")

// Market is the read side of a market needed for valuation.
type Market interface {
	MarkPriceX96() *big.Int
	LiquidityValue(liquidity *big.Int) (base, quote *big.Int, err error)
	LiquidityDeleveraged(liquidity, cumBase, cumQuote *big.Int) (base, quote *big.Int, err error)
}

// Resolver returns the market registered at an address.
type Resolver func(common.Address) Market

// Position is the valuation of one account in one market.
type Position struct {
	Share          *big.Int // net base share exposure
	QuoteComponent *big.Int
	LiquidityBase  *big.Int
	LiquidityQuote *big.Int
	MarkPriceX96   *big.Int
}

// Value returns Share × mark + QuoteComponent.
func (p Position) Value() (*big.Int, error) {
	notional, err := p.Notional()
	if err != nil {
		return nil, err
	}
	return notional.Add(notional, p.QuoteComponent), nil
}

// Notional returns the signed value of Share at mark.
func (p Position) Notional() (*big.Int, error) {
	return fixed.MulDiv(p.Share, p.MarkPriceX96, fixed.Q96)
}

// OpenShare returns the liquidity base plus the absolute net share.
func (p Position) OpenShare() *big.Int {
	return new(big.Int).Add(p.LiquidityBase, fixed.Abs(p.Share))
}

// OpenNotional returns OpenShare at mark.
func (p Position) OpenNotional() (*big.Int, error) {
	return fixed.MulDiv(p.OpenShare(), p.MarkPriceX96, fixed.Q96)
}

// PositionIn values acct in the market at addr.
func PositionIn(acct *model.AccountInfo, addr common.Address, m Market) (Position, error) {
	taker := acct.TakerView(addr)
	maker := acct.MakerView(addr)

	pos := Position{
		Share:          fixed.Clone(taker.BaseBalanceShare),
		QuoteComponent: fixed.Clone(taker.QuoteBalance),
		LiquidityBase:  fixed.Zero(),
		LiquidityQuote: fixed.Zero(),
		MarkPriceX96:   m.MarkPriceX96(),
	}
	if maker.Liquidity.Sign() == 0 {
		return pos, nil
	}

	liqBase, liqQuote, err := m.LiquidityValue(maker.Liquidity)
	if err != nil {
		return Position{}, err
	}
	delBase, delQuote, err := m.LiquidityDeleveraged(maker.Liquidity, maker.CumBaseSharePerLiquidityX96, maker.CumQuotePerLiquidityX96)
	if err != nil {
		return Position{}, err
	}

	pos.LiquidityBase, pos.LiquidityQuote = liqBase, liqQuote
	pos.Share.Add(pos.Share, liqBase).Add(pos.Share, delBase).Sub(pos.Share, maker.BaseDebtShare)
	pos.QuoteComponent.Add(pos.QuoteComponent, liqQuote).Add(pos.QuoteComponent, delQuote).Sub(pos.QuoteComponent, maker.QuoteDebt)
	return pos, nil
}

// PositionShare returns the net base share exposure in one market.
func PositionShare(acct *model.AccountInfo, addr common.Address, m Market) (*big.Int, error) {
	pos, err := PositionIn(acct, addr, m)
	if err != nil {
		return nil, err
	}
	return pos.Share, nil
}

// PositionNotional returns the signed notional in one market.
func PositionNotional(acct *model.AccountInfo, addr common.Address, m Market) (*big.Int, error) {
	pos, err := PositionIn(acct, addr, m)
	if err != nil {
		return nil, err
	}
	return pos.Notional()
}

// OpenPositionShare returns the open share in one market.
func OpenPositionShare(acct *model.AccountInfo, addr common.Address, m Market) (*big.Int, error) {
	pos, err := PositionIn(acct, addr, m)
	if err != nil {
		return nil, err
	}
	return pos.OpenShare(), nil
}

// OpenPositionNotional returns the open notional in one market.
func OpenPositionNotional(acct *model.AccountInfo, addr common.Address, m Market) (*big.Int, error) {
	pos, err := PositionIn(acct, addr, m)
	if err != nil {
		return nil, err
	}
	return pos.OpenNotional()
}

// TotalAccountValue returns collateral plus the value of every active
// market.
func TotalAccountValue(acct *model.AccountInfo, resolve Resolver) (*big.Int, error) {
	total := fixed.Clone(acct.CollateralBalance)
	for _, addr := range acct.Markets {
		pos, err := PositionIn(acct, addr, resolve(addr))
		if err != nil {
			return nil, err
		}
		value, err := pos.Value()
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// TotalOpenPositionNotional sums the open notional of every active market.
func TotalOpenPositionNotional(acct *model.AccountInfo, resolve Resolver) (*big.Int, error) {
	total := fixed.Zero()
	for _, addr := range acct.Markets {
		pos, err := PositionIn(acct, addr, resolve(addr))
		if err != nil {
			return nil, err
		}
		notional, err := pos.OpenNotional()
		if err != nil {
			return nil, err
		}
		total.Add(total, notional)
	}
	return total, nil
}

// HasEnoughInitialMargin reports value × 1e6 ≥ imRatio × open notional.
func HasEnoughInitialMargin(acct *model.AccountInfo, resolve Resolver, imRatio uint32) (bool, error) {
	return hasEnoughMargin(acct, resolve, imRatio)
}

// HasEnoughMaintenanceMargin reports value × 1e6 ≥ mmRatio × open notional.
func HasEnoughMaintenanceMargin(acct *model.AccountInfo, resolve Resolver, mmRatio uint32) (bool, error) {
	return hasEnoughMargin(acct, resolve, mmRatio)
}

func hasEnoughMargin(acct *model.AccountInfo, resolve Resolver, ratio uint32) (bool, error) {
	value, err := TotalAccountValue(acct, resolve)
	if err != nil {
		return false, err
	}
	notional, err := TotalOpenPositionNotional(acct, resolve)
	if err != nil {
		return false, err
	}
	lhs := new(big.Int).Mul(value, big.NewInt(fixed.RatioPrecision))
	rhs := new(big.Int).Mul(notional, big.NewInt(int64(ratio)))
	return lhs.Cmp(rhs) >= 0, nil
}

// UpdateMarkets keeps addr in the active set exactly while the account has
// taker or maker exposure there. Flat taker and maker entries are dropped.
func UpdateMarkets(acct *model.AccountInfo, addr common.Address, maxMarkets int) error {
	taker, hasTaker := acct.TakerInfos[addr]
	maker, hasMaker := acct.MakerInfos[addr]
	enabled := (hasTaker && !taker.IsZero()) || (hasMaker && maker.Liquidity.Sign() != 0)

	idx := -1
	for i, m := range acct.Markets {
		if m == addr {
			idx = i
			break
		}
	}

	switch {
	case enabled && idx < 0:
		if len(acct.Markets) >= maxMarkets {
			return ErrTooManyMarkets
		}
		acct.Markets = append(acct.Markets, addr)
	case !enabled && idx >= 0:
		last := len(acct.Markets) - 1
		acct.Markets[idx] = acct.Markets[last]
		acct.Markets = acct.Markets[:last]
	}
	if hasTaker && taker.IsZero() {
		delete(acct.TakerInfos, addr)
	}
	if hasMaker && maker.Liquidity.Sign() == 0 {
		delete(acct.MakerInfos, addr)
	}
	return nil
}
