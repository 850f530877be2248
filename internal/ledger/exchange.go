// Package ledger is the exchange: it holds every account, the markets they
// trade, the insurance fund and the protocol fee, and sequences deposits,
// withdrawals, trades, liquidity changes and liquidations across them.
//
// Each operation runs on live state after recording a snapshot of the
// accounts, market and global balances it may touch. A failure restores the
// snapshot, so operations are atomic. Market events and journal entries are
// buffered and only delivered once the operation commits.
//
// An Exchange is not safe for concurrent use. Callers serialise access.
package ledger

import (
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
)

const (
	DefaultImRatio              = 1e5
	DefaultMmRatio              = 5e4
	DefaultRewardRatio          = 2e5
	DefaultSmoothEmaTime        = 100
	DefaultMaxMarketsPerAccount = 16

	// MaxProtocolFeeRatio caps the protocol fee at 1%.
	MaxProtocolFeeRatio = 1e4
)

// DefaultRiskConfig returns the default margin and fee parameters.
func DefaultRiskConfig() model.RiskConfig {
	return model.RiskConfig{
		ImRatio: DefaultImRatio,
		MmRatio: DefaultMmRatio,
		LiquidationRewardConfig: model.LiquidationRewardConfig{
			RewardRatio:   DefaultRewardRatio,
			SmoothEmaTime: DefaultSmoothEmaTime,
		},
		MaxMarketsPerAccount: DefaultMaxMarketsPerAccount,
	}
}

// ValidateRiskConfig checks 0 < mm <= im < 1e6 and the bounds of the
// remaining parameters.
func ValidateRiskConfig(cfg model.RiskConfig) error {
	switch {
	case cfg.MmRatio == 0:
		return fmt.Errorf("%w: mm ratio must be positive", ErrInvalidRiskConfig)
	case cfg.MmRatio > cfg.ImRatio:
		return fmt.Errorf("%w: mm ratio %d above im ratio %d", ErrInvalidRiskConfig, cfg.MmRatio, cfg.ImRatio)
	case cfg.ImRatio >= fixed.RatioPrecision:
		return fmt.Errorf("%w: im ratio %d", ErrInvalidRiskConfig, cfg.ImRatio)
	case cfg.LiquidationRewardConfig.RewardRatio >= fixed.RatioPrecision:
		return fmt.Errorf("%w: reward ratio %d", ErrInvalidRiskConfig, cfg.LiquidationRewardConfig.RewardRatio)
	case cfg.LiquidationRewardConfig.SmoothEmaTime == 0:
		return fmt.Errorf("%w: smooth ema time must be positive", ErrInvalidRiskConfig)
	case cfg.ProtocolFeeRatio > MaxProtocolFeeRatio:
		return fmt.Errorf("%w: protocol fee ratio %d", ErrInvalidRiskConfig, cfg.ProtocolFeeRatio)
	case cfg.MaxMarketsPerAccount <= 0:
		return fmt.Errorf("%w: max markets per account must be positive", ErrInvalidRiskConfig)
	}
	return nil
}

// Config configures a new Exchange.
type Config struct {
	// Address is the identity markets accept mutations from and the owner
	// of custodied collateral.
	Address common.Address
	// Operator may change risk parameters, register markets and collect
	// the protocol fee.
	Operator common.Address
	// Asset defaults to a fresh Vault.
	Asset SettlementAsset
	Risk  model.RiskConfig
	// Clock defaults to the wall clock.
	Clock  market.Clock
	Logger *slog.Logger

	// OnEntry receives every committed journal entry.
	OnEntry func(model.Entry)
	// OnMarketEvent receives every committed market event.
	OnMarketEvent func(market.Event)
}

// Exchange is the ledger.
type Exchange struct {
	address  common.Address
	operator common.Address
	asset    SettlementAsset
	risk     model.RiskConfig
	clock    market.Clock
	logger   *slog.Logger

	onEntry       func(model.Entry)
	onMarketEvent func(market.Event)

	markets     map[common.Address]*market.Market
	marketOrder []common.Address
	listeners   map[common.Address]func(market.Event)
	allowed     map[common.Address]bool

	accounts      map[common.Address]*model.AccountInfo
	insuranceFund model.InsuranceFundInfo
	protocol      model.ProtocolInfo

	pendingEvents  []market.Event
	pendingEntries []model.Entry
}

// New validates cfg and returns an exchange without markets.
func New(cfg Config) (*Exchange, error) {
	if err := ValidateRiskConfig(cfg.Risk); err != nil {
		return nil, err
	}
	if cfg.Asset == nil {
		cfg.Asset = NewVault()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().Unix() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exchange{
		address:       cfg.Address,
		operator:      cfg.Operator,
		asset:         cfg.Asset,
		risk:          cfg.Risk,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		onEntry:       cfg.OnEntry,
		onMarketEvent: cfg.OnMarketEvent,
		markets:       make(map[common.Address]*market.Market),
		listeners:     make(map[common.Address]func(market.Event)),
		allowed:       make(map[common.Address]bool),
		accounts:      make(map[common.Address]*model.AccountInfo),
		insuranceFund: model.InsuranceFundInfo{Balance: new(big.Int), LiquidationRewardBalance: new(big.Int)},
		protocol:      model.ProtocolInfo{ProtocolFee: new(big.Int)},
	}, nil
}

// --- Markets ---

// AddMarket creates a market bound to this exchange and allows trading on
// it. cfg.Exchange is overwritten; a nil cfg.Clock uses the exchange clock.
func (e *Exchange) AddMarket(caller common.Address, cfg market.Config) (*market.Market, error) {
	if caller != e.operator {
		return nil, e.reject("add_market", ErrNotOperator)
	}
	if _, ok := e.markets[cfg.Address]; ok {
		return nil, e.reject("add_market", fmt.Errorf("%w: %s", ErrMarketExists, cfg.Address.Hex()))
	}

	cfg.Exchange = e.address
	if cfg.Clock == nil {
		cfg.Clock = e.clock
	}
	listener := cfg.OnEvent
	cfg.OnEvent = func(ev market.Event) { e.pendingEvents = append(e.pendingEvents, ev) }

	m, err := market.New(cfg)
	if err != nil {
		return nil, e.reject("add_market", err)
	}
	e.markets[cfg.Address] = m
	e.marketOrder = append(e.marketOrder, cfg.Address)
	e.allowed[cfg.Address] = true
	if listener != nil {
		e.listeners[cfg.Address] = listener
	}

	e.logger.Info("market registered",
		"market", cfg.Address.Hex(),
		"symbol", cfg.Symbol,
		"pool_fee_ratio", cfg.PoolFeeRatio,
	)
	return m, nil
}

// SetIsMarketAllowed toggles the allow-list. Disallowed markets only accept
// trades that reduce a position and liquidity removals.
func (e *Exchange) SetIsMarketAllowed(caller, addr common.Address, allowed bool) error {
	if caller != e.operator {
		return e.reject("set_market_allowed", ErrNotOperator)
	}
	if _, err := e.market(addr); err != nil {
		return e.reject("set_market_allowed", err)
	}
	e.allowed[addr] = allowed
	e.logger.Info("market allow-list updated", "market", addr.Hex(), "allowed", allowed)
	return nil
}

// Market returns the market registered at addr.
func (e *Exchange) Market(addr common.Address) (*market.Market, error) {
	return e.market(addr)
}

// Markets returns all markets in registration order.
func (e *Exchange) Markets() []*market.Market {
	out := make([]*market.Market, 0, len(e.marketOrder))
	for _, addr := range e.marketOrder {
		out = append(out, e.markets[addr])
	}
	return out
}

// IsMarketAllowed reports whether new exposure may be opened in addr.
func (e *Exchange) IsMarketAllowed(addr common.Address) bool { return e.allowed[addr] }

func (e *Exchange) market(addr common.Address) (*market.Market, error) {
	m, ok := e.markets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, addr.Hex())
	}
	return m, nil
}

func (e *Exchange) resolve(addr common.Address) account.Market {
	return e.markets[addr]
}

// --- Risk configuration (operator only) ---

// SetImRatio changes the initial margin ratio.
func (e *Exchange) SetImRatio(caller common.Address, ratio uint32) error {
	return e.setRisk(caller, "im_ratio", func(c *model.RiskConfig) { c.ImRatio = ratio })
}

// SetMmRatio changes the maintenance margin ratio.
func (e *Exchange) SetMmRatio(caller common.Address, ratio uint32) error {
	return e.setRisk(caller, "mm_ratio", func(c *model.RiskConfig) { c.MmRatio = ratio })
}

// SetLiquidationRewardConfig changes the liquidation penalty split.
func (e *Exchange) SetLiquidationRewardConfig(caller common.Address, cfg model.LiquidationRewardConfig) error {
	return e.setRisk(caller, "liquidation_reward", func(c *model.RiskConfig) { c.LiquidationRewardConfig = cfg })
}

// SetProtocolFeeRatio changes the protocol fee taken on every trade.
func (e *Exchange) SetProtocolFeeRatio(caller common.Address, ratio uint32) error {
	return e.setRisk(caller, "protocol_fee_ratio", func(c *model.RiskConfig) { c.ProtocolFeeRatio = ratio })
}

// SetMaxMarketsPerAccount changes the active market cap. Accounts already
// above a lowered cap keep their markets.
func (e *Exchange) SetMaxMarketsPerAccount(caller common.Address, n int) error {
	return e.setRisk(caller, "max_markets_per_account", func(c *model.RiskConfig) { c.MaxMarketsPerAccount = n })
}

func (e *Exchange) setRisk(caller common.Address, field string, apply func(*model.RiskConfig)) error {
	if caller != e.operator {
		return e.reject("set_"+field, ErrNotOperator)
	}
	next := e.risk
	apply(&next)
	if err := ValidateRiskConfig(next); err != nil {
		return e.reject("set_"+field, err)
	}
	e.risk = next
	e.logger.Info("risk config updated", "field", field)
	return nil
}

// RiskConfig returns the current risk parameters.
func (e *Exchange) RiskConfig() model.RiskConfig { return e.risk }

// Address returns the exchange identity.
func (e *Exchange) Address() common.Address { return e.address }

// Operator returns the privileged operator.
func (e *Exchange) Operator() common.Address { return e.operator }

// Asset returns the settlement asset.
func (e *Exchange) Asset() SettlementAsset { return e.asset }

// --- Collateral ---

// Deposit moves amount of the settlement asset from trader into custody and
// credits it as collateral. The custodied balance must grow by exactly
// amount; anything else is refunded and rejected.
func (e *Exchange) Deposit(trader common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return e.reject("deposit", ErrZeroAmount)
	}
	before, err := e.asset.BalanceOf(e.address)
	if err != nil {
		return e.reject("deposit", err)
	}
	if err := e.asset.TransferFrom(trader, e.address, amount); err != nil {
		return e.reject("deposit", err)
	}
	after, err := e.asset.BalanceOf(e.address)
	if err != nil {
		return e.reject("deposit", err)
	}
	received := new(big.Int).Sub(after, before)
	if received.Cmp(amount) != 0 {
		if received.Sign() > 0 {
			if err := e.asset.Transfer(e.address, trader, received); err != nil {
				e.logger.Error("deposit refund failed", "trader", trader.Hex(), "amount", received.String(), "error", err)
			}
		}
		return e.reject("deposit", fmt.Errorf("%w: sent %s, received %s", ErrInconsistentDeposit, amount, received))
	}

	t := e.begin([]common.Address{trader})
	acct := e.account(trader)
	acct.CollateralBalance.Add(acct.CollateralBalance, amount)
	e.record(model.Entry{Kind: model.EntryDeposit, Trader: trader, Amount: new(big.Int).Set(amount)}, nil)
	t.commit()
	return nil
}

// Withdraw debits collateral of trader and returns it through the
// settlement asset. The account must keep initial margin.
func (e *Exchange) Withdraw(trader common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return e.reject("withdraw", ErrZeroAmount)
	}
	t := e.begin([]common.Address{trader})
	acct := e.account(trader)
	acct.CollateralBalance.Sub(acct.CollateralBalance, amount)

	ok, err := account.HasEnoughInitialMargin(acct, e.resolve, e.risk.ImRatio)
	if err == nil && !ok {
		err = ErrNotEnoughInitialMargin
	}
	if err != nil {
		t.rollback()
		return e.reject("withdraw", err)
	}
	if err := e.asset.Transfer(e.address, trader, amount); err != nil {
		t.rollback()
		return e.reject("withdraw", err)
	}
	e.record(model.Entry{Kind: model.EntryWithdraw, Trader: trader, Amount: new(big.Int).Set(amount)}, nil)
	t.commit()
	return nil
}

// TransferProtocolFee moves amount of accrued protocol fee into the
// operator's collateral.
func (e *Exchange) TransferProtocolFee(caller common.Address, amount *big.Int) error {
	if caller != e.operator {
		return e.reject("transfer_protocol_fee", ErrNotOperator)
	}
	if amount == nil || amount.Sign() <= 0 {
		return e.reject("transfer_protocol_fee", ErrZeroAmount)
	}
	if e.protocol.ProtocolFee.Cmp(amount) < 0 {
		return e.reject("transfer_protocol_fee", fmt.Errorf("%w: have %s", ErrInsufficientProtocolFee, e.protocol.ProtocolFee))
	}
	t := e.begin([]common.Address{caller})
	e.protocol.ProtocolFee.Sub(e.protocol.ProtocolFee, amount)
	acct := e.account(caller)
	acct.CollateralBalance.Add(acct.CollateralBalance, amount)
	e.record(model.Entry{Kind: model.EntryProtocolFee, Trader: caller, Amount: new(big.Int).Set(amount)}, nil)
	t.commit()
	return nil
}

// --- Internals ---

func (e *Exchange) checkDeadline(deadline int64) error {
	if deadline != 0 && e.clock() > deadline {
		return fmt.Errorf("%w: now %d, deadline %d", ErrExpired, e.clock(), deadline)
	}
	return nil
}

// account returns the live account of trader, creating it.
func (e *Exchange) account(trader common.Address) *model.AccountInfo {
	acct, ok := e.accounts[trader]
	if !ok {
		acct = model.NewAccountInfo()
		e.accounts[trader] = acct
	}
	return acct
}

// accountView returns the live account of trader or an empty one without
// registering it. Callers must not mutate the result.
func (e *Exchange) accountView(trader common.Address) *model.AccountInfo {
	if acct, ok := e.accounts[trader]; ok {
		return acct
	}
	return model.NewAccountInfo()
}

// record queues a journal entry for delivery on commit. m, when set, stamps
// the market identity and mark price.
func (e *Exchange) record(entry model.Entry, m *market.Market) {
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Unix(e.clock(), 0).UTC()
	if m != nil {
		entry.Market = m.Address()
		entry.Symbol = m.Symbol()
		entry.MarkPrice = fixed.ToDecimal(m.MarkPriceX96())
	}
	e.pendingEntries = append(e.pendingEntries, entry)
}

func (e *Exchange) reject(op string, err error) error {
	e.logger.Debug("operation rejected", "op", op, "kind", KindOf(err).String(), "error", err)
	return err
}

// txn is the pre-operation snapshot of everything an operation may touch.
type txn struct {
	e             *Exchange
	accounts      map[common.Address]*model.AccountInfo // nil: did not exist
	markets       map[common.Address]market.State
	insuranceFund model.InsuranceFundInfo
	protocol      model.ProtocolInfo
}

func (e *Exchange) begin(traders []common.Address, markets ...*market.Market) *txn {
	t := &txn{
		e:             e,
		accounts:      make(map[common.Address]*model.AccountInfo, len(traders)),
		markets:       make(map[common.Address]market.State, len(markets)),
		insuranceFund: e.insuranceFund.Clone(),
		protocol:      e.protocol.Clone(),
	}
	for _, trader := range traders {
		if _, seen := t.accounts[trader]; seen {
			continue
		}
		if acct, ok := e.accounts[trader]; ok {
			t.accounts[trader] = acct.Clone()
		} else {
			t.accounts[trader] = nil
		}
	}
	for _, m := range markets {
		t.markets[m.Address()] = m.Snapshot()
	}
	e.pendingEvents = e.pendingEvents[:0]
	e.pendingEntries = e.pendingEntries[:0]
	return t
}

func (t *txn) rollback() {
	e := t.e
	for trader, prev := range t.accounts {
		if prev == nil {
			delete(e.accounts, trader)
		} else {
			e.accounts[trader] = prev
		}
	}
	for addr, st := range t.markets {
		e.markets[addr].Restore(st)
	}
	e.insuranceFund = t.insuranceFund
	e.protocol = t.protocol
	e.pendingEvents = e.pendingEvents[:0]
	e.pendingEntries = e.pendingEntries[:0]
}

func (t *txn) commit() {
	e := t.e
	events := append([]market.Event(nil), e.pendingEvents...)
	recorded := append([]model.Entry(nil), e.pendingEntries...)
	e.pendingEvents = e.pendingEvents[:0]
	e.pendingEntries = e.pendingEntries[:0]

	var entries []model.Entry
	for _, ev := range events {
		if ev.Kind == market.EventFundingPaid {
			e.logger.Info("funding paid",
				"market", ev.Market.Hex(),
				"symbol", ev.Symbol,
				"rate", fixed.ToDecimal(ev.FundingRateX96).String(),
			)
			entries = append(entries, model.Entry{
				ID:        uuid.NewString(),
				Kind:      model.EntryFunding,
				Market:    ev.Market,
				Symbol:    ev.Symbol,
				Amount:    ev.FundingRateX96,
				MarkPrice: fixed.ToDecimal(ev.MarkPriceX96),
				Timestamp: time.Unix(ev.Timestamp, 0).UTC(),
			})
		}
		if l := e.listeners[ev.Market]; l != nil {
			l(ev)
		}
		if e.onMarketEvent != nil {
			e.onMarketEvent(ev)
		}
	}
	entries = append(entries, recorded...)
	if e.onEntry != nil {
		for _, entry := range entries {
			e.onEntry(entry)
		}
	}
}
