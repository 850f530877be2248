// Package model defines the account, risk and journal types shared across
// the perp engine.
//
// Balances are integer *big.Int values; base quantities are held in shares
// of the market's rebasing base unit. Use fixed.ToDecimal for display
// conversion of X96 prices, never float64.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TakerInfo is a directional position in one market. BaseBalanceShare and
// QuoteBalance are both zero or of strictly opposite signs.
type TakerInfo struct {
	BaseBalanceShare *big.Int `json:"base_balance_share"`
	QuoteBalance     *big.Int `json:"quote_balance"`
}

// NewTakerInfo returns an empty position.
func NewTakerInfo() *TakerInfo {
	return &TakerInfo{BaseBalanceShare: new(big.Int), QuoteBalance: new(big.Int)}
}

// Clone returns a deep copy.
func (t *TakerInfo) Clone() *TakerInfo {
	return &TakerInfo{
		BaseBalanceShare: new(big.Int).Set(t.BaseBalanceShare),
		QuoteBalance:     new(big.Int).Set(t.QuoteBalance),
	}
}

// IsZero reports whether the position is flat.
func (t *TakerInfo) IsZero() bool {
	return t.BaseBalanceShare.Sign() == 0 && t.QuoteBalance.Sign() == 0
}

// MakerInfo is a liquidity position in one market: the LP units held, the
// legs borrowed to provide them and the deleverage accumulators seen at the
// last touch.
type MakerInfo struct {
	Liquidity                   *big.Int `json:"liquidity"`
	BaseDebtShare               *big.Int `json:"base_debt_share"`
	QuoteDebt                   *big.Int `json:"quote_debt"`
	CumBaseSharePerLiquidityX96 *big.Int `json:"cum_base_share_per_liquidity_x96"`
	CumQuotePerLiquidityX96     *big.Int `json:"cum_quote_per_liquidity_x96"`
}

// NewMakerInfo returns an empty liquidity position.
func NewMakerInfo() *MakerInfo {
	return &MakerInfo{
		Liquidity:                   new(big.Int),
		BaseDebtShare:               new(big.Int),
		QuoteDebt:                   new(big.Int),
		CumBaseSharePerLiquidityX96: new(big.Int),
		CumQuotePerLiquidityX96:     new(big.Int),
	}
}

// Clone returns a deep copy.
func (m *MakerInfo) Clone() *MakerInfo {
	return &MakerInfo{
		Liquidity:                   new(big.Int).Set(m.Liquidity),
		BaseDebtShare:               new(big.Int).Set(m.BaseDebtShare),
		QuoteDebt:                   new(big.Int).Set(m.QuoteDebt),
		CumBaseSharePerLiquidityX96: new(big.Int).Set(m.CumBaseSharePerLiquidityX96),
		CumQuotePerLiquidityX96:     new(big.Int).Set(m.CumQuotePerLiquidityX96),
	}
}

// AccountInfo is the full state of one trader.
type AccountInfo struct {
	CollateralBalance *big.Int                      `json:"collateral_balance"`
	Markets           []common.Address              `json:"markets"` // active markets, ordered by entry
	TakerInfos        map[common.Address]*TakerInfo `json:"taker_infos"`
	MakerInfos        map[common.Address]*MakerInfo `json:"maker_infos"`
}

// NewAccountInfo returns an empty account.
func NewAccountInfo() *AccountInfo {
	return &AccountInfo{
		CollateralBalance: new(big.Int),
		TakerInfos:        make(map[common.Address]*TakerInfo),
		MakerInfos:        make(map[common.Address]*MakerInfo),
	}
}

// Clone returns a deep copy.
func (a *AccountInfo) Clone() *AccountInfo {
	c := &AccountInfo{
		CollateralBalance: new(big.Int).Set(a.CollateralBalance),
		Markets:           append([]common.Address(nil), a.Markets...),
		TakerInfos:        make(map[common.Address]*TakerInfo, len(a.TakerInfos)),
		MakerInfos:        make(map[common.Address]*MakerInfo, len(a.MakerInfos)),
	}
	for k, v := range a.TakerInfos {
		c.TakerInfos[k] = v.Clone()
	}
	for k, v := range a.MakerInfos {
		c.MakerInfos[k] = v.Clone()
	}
	return c
}

// Taker returns the position in market, creating an empty one if needed.
func (a *AccountInfo) Taker(market common.Address) *TakerInfo {
	t, ok := a.TakerInfos[market]
	if !ok {
		t = NewTakerInfo()
		a.TakerInfos[market] = t
	}
	return t
}

// Maker returns the liquidity position in market, creating an empty one if
// needed.
func (a *AccountInfo) Maker(market common.Address) *MakerInfo {
	m, ok := a.MakerInfos[market]
	if !ok {
		m = NewMakerInfo()
		a.MakerInfos[market] = m
	}
	return m
}

// TakerView returns a copy of the position in market without creating it.
func (a *AccountInfo) TakerView(market common.Address) *TakerInfo {
	if t, ok := a.TakerInfos[market]; ok {
		return t.Clone()
	}
	return NewTakerInfo()
}

// MakerView returns a copy of the liquidity position in market without
// creating it.
func (a *AccountInfo) MakerView(market common.Address) *MakerInfo {
	if m, ok := a.MakerInfos[market]; ok {
		return m.Clone()
	}
	return NewMakerInfo()
}

// InsuranceFundInfo holds the global insurance balances.
type InsuranceFundInfo struct {
	Balance                  *big.Int `json:"balance"`
	LiquidationRewardBalance *big.Int `json:"liquidation_reward_balance"`
}

// Clone returns a copy.
func (i InsuranceFundInfo) Clone() InsuranceFundInfo {
	return InsuranceFundInfo{
		Balance:                  new(big.Int).Set(i.Balance),
		LiquidationRewardBalance: new(big.Int).Set(i.LiquidationRewardBalance),
	}
}

// ProtocolInfo holds the accrued protocol fee.
type ProtocolInfo struct {
	ProtocolFee *big.Int `json:"protocol_fee"`
}

// Clone returns a copy.
func (p ProtocolInfo) Clone() ProtocolInfo {
	return ProtocolInfo{ProtocolFee: new(big.Int).Set(p.ProtocolFee)}
}

// LiquidationRewardConfig splits the liquidation penalty. RewardRatio is the
// liquidator's share; SmoothEmaTime smooths the paid reward.
type LiquidationRewardConfig struct {
	RewardRatio   uint32 `json:"reward_ratio" mapstructure:"reward_ratio"`
	SmoothEmaTime uint32 `json:"smooth_ema_time" mapstructure:"smooth_ema_time"`
}

// RiskConfig holds the global margin and fee parameters. Ratios use 1e6
// precision.
type RiskConfig struct {
	ImRatio                 uint32                  `json:"im_ratio" mapstructure:"im_ratio"`
	MmRatio                 uint32                  `json:"mm_ratio" mapstructure:"mm_ratio"`
	LiquidationRewardConfig LiquidationRewardConfig `json:"liquidation_reward_config" mapstructure:"liquidation_reward"`
	ProtocolFeeRatio        uint32                  `json:"protocol_fee_ratio" mapstructure:"protocol_fee_ratio"`
	MaxMarketsPerAccount    int                     `json:"max_markets_per_account" mapstructure:"max_markets_per_account"`
}

// EntryKind names a journal entry.
type EntryKind string

const (
	EntryDeposit          EntryKind = "deposit"
	EntryWithdraw         EntryKind = "withdraw"
	EntryTrade            EntryKind = "trade"
	EntryLiquidation      EntryKind = "liquidation"
	EntryLiquidityAdded   EntryKind = "liquidity_added"
	EntryLiquidityRemoved EntryKind = "liquidity_removed"
	EntryFunding          EntryKind = "funding"
	EntryProtocolFee      EntryKind = "protocol_fee"
)

// Entry is an immutable journal record of one executed operation. Once
// created, entries are never modified or deleted. Amount fields that do not
// apply to Kind are nil.
type Entry struct {
	ID          string          `json:"id"`
	Kind        EntryKind       `json:"kind"`
	Trader      common.Address  `json:"trader"`
	Liquidator  *common.Address `json:"liquidator,omitempty"`
	Market      common.Address  `json:"market"`
	Symbol      string          `json:"symbol,omitempty"`
	Base        *big.Int        `json:"base,omitempty"`   // signed base share delta
	Quote       *big.Int        `json:"quote,omitempty"`  // signed quote delta
	Amount      *big.Int        `json:"amount,omitempty"` // collateral, liquidity, fee or funding rate X96
	RealizedPnL *big.Int        `json:"realized_pnl,omitempty"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	Timestamp   time.Time       `json:"timestamp"`
}
