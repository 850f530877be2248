package ledger

import (
	"errors"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/maker"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/pricelimit"
	"github.com/atmx/perp-engine/internal/taker"
)

var (
	ErrZeroAmount              = errors.New("ledger: amount must be positive")
	ErrExpired                 = errors.New("ledger: deadline exceeded")
	ErrUnknownMarket           = errors.New("ledger: unknown market")
	ErrMarketExists            = errors.New("ledger: market already registered")
	ErrMarketNotAllowed        = errors.New("ledger: market not allowed")
	ErrNotOperator             = errors.New("ledger: caller is not the operator")
	ErrNotEnoughInitialMargin  = errors.New("ledger: not enough initial margin")
	ErrInconsistentDeposit     = errors.New("ledger: deposit balance delta mismatch")
	ErrInsufficientProtocolFee = errors.New("ledger: insufficient protocol fee")
	ErrInvalidRiskConfig       = errors.New("ledger: invalid risk config")
)

// Kind classifies an error for callers that map failures to responses.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed input and expired deadlines.
	KindValidation
	// KindRisk covers margin and allow-list rejections.
	KindRisk
	// KindMarketState covers price limits, empty pools and reserve math.
	KindMarketState
	// KindAuth covers privileged calls and liquidations of healthy accounts.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRisk:
		return "risk"
	case KindMarketState:
		return "market_state"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindAuth, []error{
		ErrNotOperator,
		market.ErrNotExchange,
		market.ErrNotOwner,
		taker.ErrEnoughMaintenance,
		maker.ErrEnoughMaintenance,
	}},
	{KindRisk, []error{
		ErrMarketNotAllowed,
		ErrNotEnoughInitialMargin,
		taker.ErrNotEnoughInitialMargin,
		taker.ErrLiquidationOpen,
		taker.ErrMakerLiquidation,
		maker.ErrNotEnoughInitialMargin,
		account.ErrTooManyMarkets,
	}},
	{KindMarketState, []error{
		market.ErrPriceLimit,
		pool.ErrEmptyPool,
		pool.ErrZeroLiquidity,
		pool.ErrZeroOutput,
		pool.ErrMinimumLiquidity,
		pool.ErrInsufficientReserve,
		pool.ErrInvalidFundingRate,
		pool.ErrInvalidPriceBound,
		fixed.ErrOverflow,
		fixed.ErrUnderflow,
		fixed.ErrDivByZero,
		funding.ErrIndexUnavailable,
		funding.ErrTooFarFromIndex,
	}},
	{KindValidation, []error{
		ErrZeroAmount,
		ErrExpired,
		ErrUnknownMarket,
		ErrMarketExists,
		ErrInconsistentDeposit,
		ErrInsufficientProtocolFee,
		ErrInvalidRiskConfig,
		ErrInsufficientFunds,
		taker.ErrInvalidDelta,
		taker.ErrInconsistentBalance,
		taker.ErrTooSmallOpposite,
		taker.ErrTooLargeOpposite,
		maker.ErrTooSmallBase,
		maker.ErrTooSmallQuote,
		maker.ErrInsufficientLiquidity,
		market.ErrInvalidConfig,
		funding.ErrInvalidConfig,
		pricelimit.ErrInvalidConfig,
		pool.ErrInvalidFeeRatio,
	}},
}

// KindOf classifies err. Errors from outside the engine are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, group := range kinds {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.kind
			}
		}
	}
	return KindUnknown
}
