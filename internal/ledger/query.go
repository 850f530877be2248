package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/model"
)

// Account returns a copy of the account of trader. Unknown traders have an
// empty account.
func (e *Exchange) Account(trader common.Address) *model.AccountInfo {
	return e.accountView(trader).Clone()
}

// CollateralBalance returns the collateral of trader.
func (e *Exchange) CollateralBalance(trader common.Address) *big.Int {
	return new(big.Int).Set(e.accountView(trader).CollateralBalance)
}

// AccountMarkets returns the active markets of trader in entry order.
func (e *Exchange) AccountMarkets(trader common.Address) []common.Address {
	return append([]common.Address(nil), e.accountView(trader).Markets...)
}

// TakerInfo returns the taker position of trader in marketAddr.
func (e *Exchange) TakerInfo(trader, marketAddr common.Address) model.TakerInfo {
	return *e.accountView(trader).TakerView(marketAddr)
}

// MakerInfo returns the liquidity position of trader in marketAddr.
func (e *Exchange) MakerInfo(trader, marketAddr common.Address) model.MakerInfo {
	return *e.accountView(trader).MakerView(marketAddr)
}

// InsuranceFundInfo returns the insurance balances.
func (e *Exchange) InsuranceFundInfo() model.InsuranceFundInfo { return e.insuranceFund.Clone() }

// ProtocolInfo returns the accrued protocol fee.
func (e *Exchange) ProtocolInfo() model.ProtocolInfo { return e.protocol.Clone() }

// Traders returns every trader with an account.
func (e *Exchange) Traders() []common.Address {
	out := make([]common.Address, 0, len(e.accounts))
	for addr := range e.accounts {
		out = append(out, addr)
	}
	return out
}

// TotalAccountValue returns collateral plus the value of every position of
// trader at mark.
func (e *Exchange) TotalAccountValue(trader common.Address) (*big.Int, error) {
	return account.TotalAccountValue(e.accountView(trader), e.resolve)
}

// TotalOpenPositionNotional returns the margin-relevant notional of trader.
func (e *Exchange) TotalOpenPositionNotional(trader common.Address) (*big.Int, error) {
	return account.TotalOpenPositionNotional(e.accountView(trader), e.resolve)
}

// PositionShare returns the net base share exposure of trader in
// marketAddr, liquidity included.
func (e *Exchange) PositionShare(trader, marketAddr common.Address) (*big.Int, error) {
	m, err := e.market(marketAddr)
	if err != nil {
		return nil, err
	}
	return account.PositionShare(e.accountView(trader), marketAddr, m)
}

// PositionNotional returns PositionShare at mark.
func (e *Exchange) PositionNotional(trader, marketAddr common.Address) (*big.Int, error) {
	m, err := e.market(marketAddr)
	if err != nil {
		return nil, err
	}
	return account.PositionNotional(e.accountView(trader), marketAddr, m)
}

// OpenPositionShare returns the gross exposure of trader in marketAddr.
func (e *Exchange) OpenPositionShare(trader, marketAddr common.Address) (*big.Int, error) {
	m, err := e.market(marketAddr)
	if err != nil {
		return nil, err
	}
	return account.OpenPositionShare(e.accountView(trader), marketAddr, m)
}

// OpenPositionNotional returns OpenPositionShare at mark.
func (e *Exchange) OpenPositionNotional(trader, marketAddr common.Address) (*big.Int, error) {
	m, err := e.market(marketAddr)
	if err != nil {
		return nil, err
	}
	return account.OpenPositionNotional(e.accountView(trader), marketAddr, m)
}

// HasEnoughInitialMargin reports whether trader may open exposure.
func (e *Exchange) HasEnoughInitialMargin(trader common.Address) (bool, error) {
	return account.HasEnoughInitialMargin(e.accountView(trader), e.resolve, e.risk.ImRatio)
}

// HasEnoughMaintenanceMargin reports whether trader is safe from
// liquidation.
func (e *Exchange) HasEnoughMaintenanceMargin(trader common.Address) (bool, error) {
	return account.HasEnoughMaintenanceMargin(e.accountView(trader), e.resolve, e.risk.MmRatio)
}
