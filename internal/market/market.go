// Package market composes one pool, its funding state and its price limiter
// into the per-market facade the exchange trades against.
//
// Every mutating call first settles funding for the time elapsed since the
// last touch, then refreshes the price limiter and checks the requested
// operation against its bounds, and only then touches the pool. Work is done
// on a copy of the market state that is committed on success, so a failed
// call leaves the market unchanged.
package market

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/pricelimit"
)

// MaxPoolFeeRatio caps the pool fee at 5%.
const MaxPoolFeeRatio = 5e4

// DefaultPoolFeeRatio is 0.3%.
const DefaultPoolFeeRatio = 3e3

var (
	// ErrNotExchange is returned when a mutation does not come from the
	// exchange the market is bound to.
	ErrNotExchange = errors.New("market: caller is not the exchange")

	// ErrNotOwner is returned when a configuration change does not come from
	// the market owner.
	ErrNotOwner = errors.New("market: caller is not the owner")

	// ErrPriceLimit is returned when an operation would move or find the
	// price outside the limiter bounds.
	ErrPriceLimit = errors.New("market: price limit exceeded")

	// ErrInvalidConfig is returned for out of range market parameters.
	ErrInvalidConfig = errors.New("market: invalid config")
)

// Clock returns the current unix time in seconds.
type Clock func() int64

// EventKind names a market event.
type EventKind string

const (
	EventSwapped          EventKind = "swapped"
	EventLiquidityAdded   EventKind = "liquidity_added"
	EventLiquidityRemoved EventKind = "liquidity_removed"
	EventFundingPaid      EventKind = "funding_paid"
)

// Event describes a state change of a market. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind           EventKind
	Market         common.Address
	Symbol         string
	Timestamp      int64
	IsBaseToQuote  bool
	IsExactInput   bool
	IsLiquidation  bool
	Amount         *big.Int
	OppositeAmount *big.Int
	Base           *big.Int
	Quote          *big.Int
	Liquidity      *big.Int
	FundingRateX96 *big.Int
	MarkPriceX96   *big.Int
}

// Config configures a new market.
type Config struct {
	Symbol   string
	Address  common.Address
	Owner    common.Address
	Exchange common.Address

	PriceFeedBase  funding.PriceFeed
	PriceFeedQuote funding.PriceFeed

	PoolFeeRatio          uint32
	Funding               funding.Config
	PriceLimit            pricelimit.Config
	InitialPriceTolerance uint32

	// Clock defaults to the wall clock.
	Clock Clock
	// OnEvent, when set, receives every committed event.
	OnEvent func(Event)
}

// State is the mutable part of a market, used for snapshots.
type State struct {
	Pool       *pool.Info
	Funding    funding.Info
	PriceLimit pricelimit.Info
}

func (s State) clone() State {
	return State{
		Pool:       s.Pool.Clone(),
		Funding:    s.Funding.Clone(),
		PriceLimit: s.PriceLimit.Clone(),
	}
}

// Market is one perpetual market. It is not safe for concurrent use.
type Market struct {
	symbol   string
	address  common.Address
	owner    common.Address
	exchange common.Address

	priceFeedBase  funding.PriceFeed
	priceFeedQuote funding.PriceFeed

	poolFeeRatio          uint32
	fundingConfig         funding.Config
	priceLimitConfig      pricelimit.Config
	initialPriceTolerance uint32

	clock   Clock
	onEvent func(Event)

	state State
}

// New validates cfg and returns an empty market.
func New(cfg Config) (*Market, error) {
	if cfg.PoolFeeRatio > MaxPoolFeeRatio {
		return nil, fmt.Errorf("%w: pool fee ratio %d", ErrInvalidConfig, cfg.PoolFeeRatio)
	}
	if err := cfg.Funding.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.PriceLimit.Validate(); err != nil {
		return nil, err
	}
	if cfg.InitialPriceTolerance == 0 {
		cfg.InitialPriceTolerance = funding.DefaultInitialPriceTolerance
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().Unix() }
	}

	return &Market{
		symbol:                cfg.Symbol,
		address:               cfg.Address,
		owner:                 cfg.Owner,
		exchange:              cfg.Exchange,
		priceFeedBase:         cfg.PriceFeedBase,
		priceFeedQuote:        cfg.PriceFeedQuote,
		poolFeeRatio:          cfg.PoolFeeRatio,
		fundingConfig:         cfg.Funding,
		priceLimitConfig:      cfg.PriceLimit,
		initialPriceTolerance: cfg.InitialPriceTolerance,
		clock:                 cfg.Clock,
		onEvent:               cfg.OnEvent,
		state: State{
			Pool:       pool.New(),
			Funding:    funding.New(cfg.Clock()),
			PriceLimit: pricelimit.New(),
		},
	}, nil
}

// --- Mutations (exchange only) ---

// Swap trades amount against the pool and returns the opposite amount.
// Liquidations are checked against the wider price bounds.
func (m *Market) Swap(caller common.Address, isBaseToQuote, isExactInput bool, amount *big.Int, isLiquidation bool) (*big.Int, error) {
	if caller != m.exchange {
		return nil, ErrNotExchange
	}
	if amount.Sign() == 0 {
		return fixed.Zero(), nil
	}

	now := m.clock()
	st := m.state.clone()
	events, err := m.settleFunding(&st, now)
	if err != nil {
		return nil, err
	}

	opposite, err := m.swap(&st, now, isBaseToQuote, isExactInput, amount, isLiquidation)
	if err != nil {
		return nil, err
	}

	m.state = st
	mark, _ := st.Pool.MarkPriceX96()
	events = append(events, Event{
		Kind:           EventSwapped,
		IsBaseToQuote:  isBaseToQuote,
		IsExactInput:   isExactInput,
		IsLiquidation:  isLiquidation,
		Amount:         fixed.Clone(amount),
		OppositeAmount: fixed.Clone(opposite),
		MarkPriceX96:   mark,
	})
	m.emit(now, events)
	return opposite, nil
}

// AddLiquidity deposits up to base shares and quote into the pool. The first
// deposit must be priced within the configured tolerance of the index price.
func (m *Market) AddLiquidity(caller common.Address, base, quote *big.Int) (addedBase, addedQuote, liquidity *big.Int, err error) {
	if caller != m.exchange {
		return nil, nil, nil, ErrNotExchange
	}

	now := m.clock()
	st := m.state.clone()
	first := st.Pool.TotalLiquidity.Sign() == 0
	if first {
		if err := funding.ValidateInitialLiquidityPrice(m.priceFeedBase, m.priceFeedQuote, base, quote, m.initialPriceTolerance); err != nil {
			return nil, nil, nil, err
		}
	}
	events, err := m.settleFunding(&st, now)
	if err != nil {
		return nil, nil, nil, err
	}

	if !first {
		if err := m.checkPriceWithinBounds(&st, now, false); err != nil {
			return nil, nil, nil, err
		}
	}

	addedBase, addedQuote, liquidity, err = st.Pool.AddLiquidity(base, quote)
	if err != nil {
		return nil, nil, nil, err
	}
	if first {
		mark, err := st.Pool.MarkPriceX96()
		if err != nil {
			return nil, nil, nil, err
		}
		pricelimit.Update(&st.PriceLimit, pricelimit.UpdateDry(st.PriceLimit, m.priceLimitConfig, mark, now))
	}

	m.state = st
	events = append(events, Event{
		Kind:      EventLiquidityAdded,
		Base:      fixed.Clone(addedBase),
		Quote:     fixed.Clone(addedQuote),
		Liquidity: fixed.Clone(liquidity),
	})
	m.emit(now, events)
	return addedBase, addedQuote, liquidity, nil
}

// RemoveLiquidity burns liquidity and returns the base shares and quote it
// was backing.
func (m *Market) RemoveLiquidity(caller common.Address, liquidity *big.Int, isLiquidation bool) (base, quote *big.Int, err error) {
	if caller != m.exchange {
		return nil, nil, ErrNotExchange
	}

	now := m.clock()
	st := m.state.clone()
	events, err := m.settleFunding(&st, now)
	if err != nil {
		return nil, nil, err
	}

	if err := m.checkPriceWithinBounds(&st, now, isLiquidation); err != nil {
		return nil, nil, err
	}
	base, quote, err = st.Pool.RemoveLiquidity(liquidity)
	if err != nil {
		return nil, nil, err
	}

	m.state = st
	events = append(events, Event{
		Kind:          EventLiquidityRemoved,
		IsLiquidation: isLiquidation,
		Base:          fixed.Clone(base),
		Quote:         fixed.Clone(quote),
		Liquidity:     fixed.Clone(liquidity),
	})
	m.emit(now, events)
	return base, quote, nil
}

// --- Dry runs ---

// PreviewSwap returns what Swap would return now without changing state.
func (m *Market) PreviewSwap(isBaseToQuote, isExactInput bool, amount *big.Int, isLiquidation bool) (*big.Int, error) {
	if amount.Sign() == 0 {
		return fixed.Zero(), nil
	}
	now := m.clock()
	st := m.state.clone()
	if _, err := m.settleFunding(&st, now); err != nil {
		return nil, err
	}
	return m.swap(&st, now, isBaseToQuote, isExactInput, amount, isLiquidation)
}

// MaxSwap returns the largest amount Swap would accept now.
func (m *Market) MaxSwap(isBaseToQuote, isExactInput, isLiquidation bool) (*big.Int, error) {
	now := m.clock()
	st := m.state.clone()
	if _, err := m.settleFunding(&st, now); err != nil {
		return nil, err
	}
	if st.Pool.TotalLiquidity.Sign() == 0 {
		return fixed.Zero(), nil
	}
	bound, err := m.refreshBound(&st, now, isLiquidation, !isBaseToQuote)
	if err != nil {
		return nil, err
	}
	return pool.MaxSwap(st.Pool.Base, st.Pool.Quote, isBaseToQuote, isExactInput, m.poolFeeRatio, bound)
}

func (m *Market) swap(st *State, now int64, isBaseToQuote, isExactInput bool, amount *big.Int, isLiquidation bool) (*big.Int, error) {
	if st.Pool.TotalLiquidity.Sign() == 0 {
		return nil, pool.ErrEmptyPool
	}
	bound, err := m.refreshBound(st, now, isLiquidation, !isBaseToQuote)
	if err != nil {
		return nil, err
	}
	maxAmount, err := pool.MaxSwap(st.Pool.Base, st.Pool.Quote, isBaseToQuote, isExactInput, m.poolFeeRatio, bound)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(maxAmount) > 0 {
		return nil, ErrPriceLimit
	}
	return st.Pool.Swap(pool.SwapParams{
		IsBaseToQuote: isBaseToQuote,
		IsExactInput:  isExactInput,
		Amount:        amount,
		FeeRatio:      m.poolFeeRatio,
	})
}

// refreshBound observes the current share price in the limiter and returns
// the requested bound.
func (m *Market) refreshBound(st *State, now int64, isLiquidation, isUpperBound bool) (*big.Int, error) {
	mark, err := st.Pool.MarkPriceX96()
	if err != nil {
		return nil, err
	}
	pricelimit.Update(&st.PriceLimit, pricelimit.UpdateDry(st.PriceLimit, m.priceLimitConfig, mark, now))
	return pricelimit.PriceBound(st.PriceLimit.ReferencePrice, st.PriceLimit.EmaPrice, m.priceLimitConfig, isLiquidation, isUpperBound), nil
}

func (m *Market) checkPriceWithinBounds(st *State, now int64, isLiquidation bool) error {
	mark, err := st.Pool.MarkPriceX96()
	if err != nil {
		return err
	}
	upper, err := m.refreshBound(st, now, isLiquidation, true)
	if err != nil {
		return err
	}
	lower := pricelimit.PriceBound(st.PriceLimit.ReferencePrice, st.PriceLimit.EmaPrice, m.priceLimitConfig, isLiquidation, false)
	if mark.Cmp(lower) < 0 || mark.Cmp(upper) > 0 {
		return ErrPriceLimit
	}
	return nil
}

// settleFunding refreshes the index price and applies the accrued funding
// rate to the pool. On error st must be discarded.
func (m *Market) settleFunding(st *State, now int64) ([]Event, error) {
	params := funding.Params{
		PriceFeedBase:  m.priceFeedBase,
		PriceFeedQuote: m.priceFeedQuote,
		Config:         m.fundingConfig,
	}
	if st.Pool.TotalLiquidity.Sign() != 0 {
		if mark, err := st.Pool.ShareMarkPriceX96(); err == nil {
			params.MarkPriceX96 = mark
		}
	}

	rate := funding.ProcessFunding(&st.Funding, params, now)
	if rate.Sign() == 0 {
		return nil, nil
	}
	if err := st.Pool.ApplyFunding(rate); err != nil {
		return nil, err
	}
	return []Event{{Kind: EventFundingPaid, FundingRateX96: rate, MarkPriceX96: params.MarkPriceX96}}, nil
}

func (m *Market) emit(now int64, events []Event) {
	if m.onEvent == nil {
		return
	}
	for _, e := range events {
		e.Market = m.address
		e.Symbol = m.symbol
		e.Timestamp = now
		m.onEvent(e)
	}
}

// --- Configuration (owner only) ---

// SetPoolFeeRatio changes the swap fee.
func (m *Market) SetPoolFeeRatio(caller common.Address, ratio uint32) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	if ratio > MaxPoolFeeRatio {
		return fmt.Errorf("%w: pool fee ratio %d", ErrInvalidConfig, ratio)
	}
	m.poolFeeRatio = ratio
	return nil
}

// SetFundingConfig changes the funding parameters.
func (m *Market) SetFundingConfig(caller common.Address, cfg funding.Config) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.fundingConfig = cfg
	return nil
}

// SetPriceLimitConfig changes the limiter ratios.
func (m *Market) SetPriceLimitConfig(caller common.Address, cfg pricelimit.Config) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.priceLimitConfig = cfg
	return nil
}

// SetPriceFeeds replaces the index price legs. A nil feed prices its leg at
// one.
func (m *Market) SetPriceFeeds(caller common.Address, base, quote funding.PriceFeed) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	m.priceFeedBase, m.priceFeedQuote = base, quote
	return nil
}

// --- Reads ---

func (m *Market) Symbol() string { return m.symbol }
func (m *Market) Address() common.Address { return m.address }
func (m *Market) Owner() common.Address { return m.owner }
func (m *Market) Exchange() common.Address { return m.exchange }
func (m *Market) PoolFeeRatio() uint32 { return m.poolFeeRatio }
func (m *Market) FundingConfig() funding.Config { return m.fundingConfig }
func (m *Market) PriceLimitConfig() pricelimit.Config { return m.priceLimitConfig }

// PoolInfo returns a copy of the pool state.
func (m *Market) PoolInfo() *pool.Info { return m.state.Pool.Clone() }

// FundingInfo returns a copy of the funding state.
func (m *Market) FundingInfo() funding.Info { return m.state.Funding.Clone() }

// PriceLimitInfo returns a copy of the limiter state.
func (m *Market) PriceLimitInfo() pricelimit.Info { return m.state.PriceLimit.Clone() }

// MarkPriceX96 returns the raw reserve ratio, the price of one base share.
// An empty pool prices at zero.
func (m *Market) MarkPriceX96() *big.Int {
	mark, err := m.state.Pool.MarkPriceX96()
	if err != nil {
		return fixed.Zero()
	}
	return mark
}

// ShareMarkPriceX96 returns the reserve ratio divided by the rebase factor,
// the price of one physical base unit.
func (m *Market) ShareMarkPriceX96() *big.Int {
	mark, err := m.state.Pool.ShareMarkPriceX96()
	if err != nil {
		return fixed.Zero()
	}
	return mark
}

// IndexPriceX96 returns the index price read from the feeds now. A leg whose
// feed fails keeps its last observed price.
func (m *Market) IndexPriceX96() *big.Int {
	return funding.CurrentIndexPriceX96(m.state.Funding, m.priceFeedBase, m.priceFeedQuote)
}

// BaseBalancePerShareX96 returns the rebase factor.
func (m *Market) BaseBalancePerShareX96() *big.Int {
	return fixed.Clone(m.state.Pool.BaseBalancePerShareX96)
}

// LiquidityValue returns the base shares and quote backing liquidity.
func (m *Market) LiquidityValue(liquidity *big.Int) (base, quote *big.Int, err error) {
	return m.state.Pool.LiquidityValue(liquidity)
}

// LiquidityDeleveraged returns what funding moved to liquidity since the
// given accumulator snapshot.
func (m *Market) LiquidityDeleveraged(liquidity, cumBase, cumQuote *big.Int) (base, quote *big.Int, err error) {
	return m.state.Pool.LiquidityDeleveraged(liquidity, cumBase, cumQuote)
}

// CumDeleveragedPerLiquidityX96 returns the current deleverage accumulators.
func (m *Market) CumDeleveragedPerLiquidityX96() (base, quote *big.Int) {
	return fixed.Clone(m.state.Pool.CumBasePerLiquidityX96), fixed.Clone(m.state.Pool.CumQuotePerLiquidityX96)
}

// PriceBounds returns the limiter bounds that would apply to an operation
// now.
func (m *Market) PriceBounds(isLiquidation bool) (lower, upper *big.Int, err error) {
	now := m.clock()
	st := m.state.clone()
	if _, err = m.settleFunding(&st, now); err != nil {
		return nil, nil, err
	}
	if upper, err = m.refreshBound(&st, now, isLiquidation, true); err != nil {
		return nil, nil, err
	}
	lower = pricelimit.PriceBound(st.PriceLimit.ReferencePrice, st.PriceLimit.EmaPrice, m.priceLimitConfig, isLiquidation, false)
	return lower, upper, nil
}

// Snapshot returns a copy of the mutable state.
func (m *Market) Snapshot() State { return m.state.clone() }

// Restore replaces the mutable state with a snapshot.
func (m *Market) Restore(s State) { m.state = s.clone() }
