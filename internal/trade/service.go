// Package trade provides the HTTP handlers of the perp engine: collateral
// movements, trades, liquidity changes and the market, account and journal
// queries over a ledger.Exchange.
//
// Amounts on the wire are decimals in whole units of the settlement asset
// (18 decimals); prices are decimals converted from X96. Never float64 for
// money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pricelimit"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/taker"
)

// Decimals is the precision of wire amounts.
const Decimals = 18

var (
	// ErrInvalidAddress is returned for a malformed trader or caller.
	ErrInvalidAddress = errors.New("trade: invalid address")

	// ErrFaucetDisabled is returned when the settlement asset is external.
	ErrFaucetDisabled = errors.New("trade: faucet disabled")

	// ErrNoFeed is returned when a market has no operator-posted feed.
	ErrNoFeed = errors.New("trade: market has no static feed")
)

// Options configures optional collaborators of a Service.
type Options struct {
	// Limiter throttles mutation endpoints. Nil disables throttling.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// Service serves the ledger over HTTP. The ledger is not safe for
// concurrent use, so every call into it holds mu (single instance).
type Service struct {
	mu      sync.Mutex
	ex      *ledger.Exchange
	store   store.Store
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	faucet  *ledger.Vault
	feeds   map[common.Address]*oracle.StaticFeed
	limiter *rate.Limiter
	logger  *slog.Logger

	// pending collects entries committed by the current call.
	pending []model.Entry
}

// NewService builds the exchange from cfg and returns a service journaling
// into st. Pass nil for hub if WebSocket broadcasting is not needed. When
// the settlement asset is the in-process Vault the faucet is enabled.
func NewService(cfg ledger.Config, st store.Store, hub *WSHub, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   st,
		wsHub:   hub,
		feeds:   make(map[common.Address]*oracle.StaticFeed),
		limiter: opts.Limiter,
		logger:  logger,
	}

	onEntry := cfg.OnEntry
	cfg.OnEntry = func(e model.Entry) {
		s.pending = append(s.pending, e)
		if onEntry != nil {
			onEntry(e)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	ex, err := ledger.New(cfg)
	if err != nil {
		return nil, err
	}
	s.ex = ex
	if v, ok := ex.Asset().(*ledger.Vault); ok {
		s.faucet = v
	}
	return s, nil
}

// Exchange returns the underlying ledger. Callers must not use it
// concurrently with the service.
func (s *Service) Exchange() *ledger.Exchange { return s.ex }

// MarketParams describes a market to register. The base leg is priced by a
// static feed the operator posts to; the quote leg is the settlement unit.
type MarketParams struct {
	Symbol                string
	PoolFeeRatio          uint32
	InitialPriceTolerance uint32
	FeedDecimals          uint8
	IndexPrice            decimal.Decimal
	Funding               funding.Config
	PriceLimit            pricelimit.Config
}

// DefaultMarketParams returns the default parameters for symbol.
func DefaultMarketParams(symbol string) MarketParams {
	return MarketParams{
		Symbol:                symbol,
		PoolFeeRatio:          market.DefaultPoolFeeRatio,
		InitialPriceTolerance: funding.DefaultInitialPriceTolerance,
		FeedDecimals:          oracle.DefaultDecimals,
		Funding:               funding.DefaultConfig(),
		PriceLimit:            pricelimit.DefaultConfig(),
	}
}

// AddMarket registers a market on behalf of caller, which must be the
// operator. The market address is derived from its symbol.
func (s *Service) AddMarket(caller common.Address, p MarketParams) (*market.Market, error) {
	sym, err := contract.ParseSymbol(p.Symbol)
	if err != nil {
		return nil, err
	}
	feed := oracle.NewStaticFeed(p.FeedDecimals)
	if p.IndexPrice.IsPositive() {
		if err := feed.SetDecimal(p.IndexPrice); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ex.AddMarket(caller, market.Config{
		Symbol:                sym.Symbol,
		Address:               sym.Address(),
		Owner:                 s.ex.Operator(),
		PriceFeedBase:         feed,
		PoolFeeRatio:          p.PoolFeeRatio,
		Funding:               p.Funding,
		PriceLimit:            p.PriceLimit,
		InitialPriceTolerance: p.InitialPriceTolerance,
	})
	if err != nil {
		return nil, err
	}
	s.feeds[m.Address()] = feed
	metrics.ActiveMarkets.Set(float64(len(s.ex.Markets())))
	return m, nil
}

// Routes registers every API route on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/exchange", s.GetExchange)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{symbol}", s.GetMarket)
	r.Get("/markets/{symbol}/price", s.GetPrice)
	r.Get("/markets/{symbol}/history", s.GetMarketHistory)
	r.Get("/accounts/{trader}", s.GetAccount)
	r.Get("/accounts/{trader}/history", s.GetAccountHistory)
	r.Get("/journal", s.GetJournal)
	r.Get("/trade/max", s.MaxTrade)

	r.Group(func(r chi.Router) {
		r.Use(s.limit)
		r.Post("/faucet", s.Faucet)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Post("/trade", s.ExecuteTrade)
		r.Post("/trade/preview", s.PreviewTrade)
		r.Post("/liquidity/add", s.AddLiquidity)
		r.Post("/liquidity/remove", s.RemoveLiquidity)

		r.Post("/admin/markets", s.CreateMarket)
		r.Post("/admin/markets/{symbol}/index-price", s.SetIndexPrice)
		r.Post("/admin/markets/{symbol}/allowed", s.SetMarketAllowed)
		r.Post("/admin/protocol-fee", s.TransferProtocolFee)
	})
}

func (s *Service) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// CollateralRequest is the JSON body for deposit, withdraw and faucet.
type CollateralRequest struct {
	Trader string          `json:"trader"`
	Amount decimal.Decimal `json:"amount"`
}

// CollateralResponse reports the collateral after a deposit or withdrawal.
type CollateralResponse struct {
	Trader     string          `json:"trader"`
	Collateral decimal.Decimal `json:"collateral"`
	Wallet     decimal.Decimal `json:"wallet"`
}

// TradeRequest is the JSON body for POST /trade and /trade/preview. Caller
// defaults to Trader; a different caller liquidates Trader.
type TradeRequest struct {
	Trader              string           `json:"trader"`
	Caller              string           `json:"caller,omitempty"`
	Symbol              string           `json:"symbol"`
	IsBaseToQuote       bool             `json:"is_base_to_quote"`
	IsExactInput        bool             `json:"is_exact_input"`
	Amount              decimal.Decimal  `json:"amount"`
	OppositeAmountBound *decimal.Decimal `json:"opposite_amount_bound,omitempty"`
	Deadline            int64            `json:"deadline,omitempty"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	EntryID             string          `json:"entry_id,omitempty"`
	Trader              string          `json:"trader"`
	Symbol              string          `json:"symbol"`
	Base                decimal.Decimal `json:"base"`
	Quote               decimal.Decimal `json:"quote"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	ProtocolFee         decimal.Decimal `json:"protocol_fee"`
	IsLiquidation       bool            `json:"is_liquidation"`
	LiquidationPenalty  decimal.Decimal `json:"liquidation_penalty"`
	LiquidationReward   decimal.Decimal `json:"liquidation_reward"`
	InsuranceFundReward decimal.Decimal `json:"insurance_fund_reward"`
	MarkPrice           decimal.Decimal `json:"mark_price"`
	Position            PositionView    `json:"position"`
}

// AddLiquidityRequest is the JSON body for POST /liquidity/add.
type AddLiquidityRequest struct {
	Trader   string           `json:"trader"`
	Symbol   string           `json:"symbol"`
	Base     decimal.Decimal  `json:"base"`
	Quote    decimal.Decimal  `json:"quote"`
	MinBase  *decimal.Decimal `json:"min_base,omitempty"`
	MinQuote *decimal.Decimal `json:"min_quote,omitempty"`
	Deadline int64            `json:"deadline,omitempty"`
}

// RemoveLiquidityRequest is the JSON body for POST /liquidity/remove.
type RemoveLiquidityRequest struct {
	Trader    string           `json:"trader"`
	Caller    string           `json:"caller,omitempty"`
	Symbol    string           `json:"symbol"`
	Liquidity decimal.Decimal  `json:"liquidity"`
	MinBase   *decimal.Decimal `json:"min_base,omitempty"`
	MinQuote  *decimal.Decimal `json:"min_quote,omitempty"`
	Deadline  int64            `json:"deadline,omitempty"`
}

// LiquidityResponse is returned from the liquidity endpoints. TakerBase and
// TakerQuote are set on removal.
type LiquidityResponse struct {
	EntryID       string          `json:"entry_id"`
	Trader        string          `json:"trader"`
	Symbol        string          `json:"symbol"`
	Base          decimal.Decimal `json:"base"`
	Quote         decimal.Decimal `json:"quote"`
	Liquidity     decimal.Decimal `json:"liquidity"`
	TakerBase     decimal.Decimal `json:"taker_base"`
	TakerQuote    decimal.Decimal `json:"taker_quote"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	IsLiquidation bool            `json:"is_liquidation"`
	Position      PositionView    `json:"position"`
}

// --- HTTP Handlers ---

// Faucet handles POST /api/v1/faucet. It mints settlement asset into the
// trader's wallet when the exchange custodies an in-process Vault.
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, err := parseAddress(req.Trader)
	if err != nil {
		s.fail(w, "faucet", err)
		return
	}
	if s.faucet == nil {
		writeError(w, ErrFaucetDisabled.Error(), http.StatusNotFound)
		return
	}
	if err := s.faucet.Mint(trader, toUnits(req.Amount)); err != nil {
		s.fail(w, "faucet", err)
		return
	}
	s.logger.Info("faucet minted", "trader", trader.Hex(), "amount", req.Amount.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.collateral(trader))
}

// Deposit handles POST /api/v1/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "deposit", s.ex.Deposit)
}

// Withdraw handles POST /api/v1/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, "withdraw", s.ex.Withdraw)
}

func (s *Service) moveCollateral(w http.ResponseWriter, r *http.Request, op string, apply func(common.Address, *big.Int) error) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, err := parseAddress(req.Trader)
	if err != nil {
		s.fail(w, op, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	err = apply(trader, toUnits(req.Amount))
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, op, err)
		return
	}
	s.flush(r.Context())

	s.logger.Info("collateral moved", "op", op, "trader", trader.Hex(), "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, s.collateral(trader))
}

// ExecuteTrade handles POST /api/v1/trade
// Swaps against the market pool and returns the position afterwards.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, false)
}

// PreviewTrade handles POST /api/v1/trade/preview
// Returns what the trade would do without changing any state.
func (s *Service) PreviewTrade(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, true)
}

func (s *Service) trade(w http.ResponseWriter, r *http.Request, dry bool) {
	op := "trade"
	if dry {
		op = "preview_trade"
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, caller, err := parseTraderCaller(req.Trader, req.Caller)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	marketAddr, err := marketAddress(req.Symbol)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	params := ledger.TradeParams{
		Trader:              trader,
		Caller:              caller,
		Market:              marketAddr,
		IsBaseToQuote:       req.IsBaseToQuote,
		IsExactInput:        req.IsExactInput,
		Amount:              toUnits(req.Amount),
		OppositeAmountBound: optionalUnits(req.OppositeAmountBound),
		Deadline:            req.Deadline,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	var resp TradeResponse
	if dry {
		res, err := s.ex.PreviewTrade(params)
		if err != nil {
			s.fail(w, op, err)
			return
		}
		resp = s.tradeResponse(trader, marketAddr, res)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	res, err := s.ex.Trade(params)
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, op, err)
		return
	}
	entries := s.flush(r.Context())
	resp = s.tradeResponse(trader, marketAddr, res)
	resp.EntryID = lastEntryID(entries, model.EntryTrade, model.EntryLiquidation)

	s.logger.Info("trade executed",
		"entry_id", resp.EntryID,
		"trader", trader.Hex(),
		"caller", caller.Hex(),
		"symbol", resp.Symbol,
		"base", resp.Base.String(),
		"quote", resp.Quote.String(),
		"is_liquidation", res.IsLiquidation,
		"mark_price", resp.MarkPrice.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// MaxTrade handles GET /api/v1/trade/max?trader=&caller=&symbol=&is_base_to_quote=&is_exact_input=
func (s *Service) MaxTrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trader, caller, err := parseTraderCaller(q.Get("trader"), q.Get("caller"))
	if err != nil {
		s.fail(w, "max_trade", err)
		return
	}
	marketAddr, err := marketAddress(q.Get("symbol"))
	if err != nil {
		s.fail(w, "max_trade", err)
		return
	}
	isBaseToQuote := q.Get("is_base_to_quote") == "true"
	isExactInput := q.Get("is_exact_input") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	amount, err := s.ex.MaxTrade(ledger.MaxTradeParams{
		Trader:        trader,
		Caller:        caller,
		Market:        marketAddr,
		IsBaseToQuote: isBaseToQuote,
		IsExactInput:  isExactInput,
	})
	if err != nil {
		s.fail(w, "max_trade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": fromUnits(amount)})
}

// AddLiquidity handles POST /api/v1/liquidity/add
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, err := parseAddress(req.Trader)
	if err != nil {
		s.fail(w, "add_liquidity", err)
		return
	}
	marketAddr, err := marketAddress(req.Symbol)
	if err != nil {
		s.fail(w, "add_liquidity", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	res, err := s.ex.AddLiquidity(ledger.AddLiquidityParams{
		Trader:   trader,
		Market:   marketAddr,
		Base:     toUnits(req.Base),
		Quote:    toUnits(req.Quote),
		MinBase:  optionalUnits(req.MinBase),
		MinQuote: optionalUnits(req.MinQuote),
		Deadline: req.Deadline,
	})
	metrics.OperationLatency.WithLabelValues("add_liquidity").Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, "add_liquidity", err)
		return
	}
	entries := s.flush(r.Context())

	resp := LiquidityResponse{
		EntryID:   lastEntryID(entries, model.EntryLiquidityAdded),
		Trader:    trader.Hex(),
		Symbol:    s.symbol(marketAddr),
		Base:      fromUnits(res.Base),
		Quote:     fromUnits(res.Quote),
		Liquidity: fromUnits(res.Liquidity),
		Position:  s.position(trader, marketAddr),
	}
	s.logger.Info("liquidity added",
		"entry_id", resp.EntryID,
		"trader", resp.Trader,
		"symbol", resp.Symbol,
		"base", resp.Base.String(),
		"quote", resp.Quote.String(),
		"liquidity", resp.Liquidity.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// RemoveLiquidity handles POST /api/v1/liquidity/remove
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req RemoveLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	trader, caller, err := parseTraderCaller(req.Trader, req.Caller)
	if err != nil {
		s.fail(w, "remove_liquidity", err)
		return
	}
	marketAddr, err := marketAddress(req.Symbol)
	if err != nil {
		s.fail(w, "remove_liquidity", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	res, err := s.ex.RemoveLiquidity(ledger.RemoveLiquidityParams{
		Trader:    trader,
		Caller:    caller,
		Market:    marketAddr,
		Liquidity: toUnits(req.Liquidity),
		MinBase:   optionalUnits(req.MinBase),
		MinQuote:  optionalUnits(req.MinQuote),
		Deadline:  req.Deadline,
	})
	metrics.OperationLatency.WithLabelValues("remove_liquidity").Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(w, "remove_liquidity", err)
		return
	}
	entries := s.flush(r.Context())

	resp := LiquidityResponse{
		EntryID:       lastEntryID(entries, model.EntryLiquidityRemoved),
		Trader:        trader.Hex(),
		Symbol:        s.symbol(marketAddr),
		Base:          fromUnits(res.Base),
		Quote:         fromUnits(res.Quote),
		Liquidity:     req.Liquidity,
		TakerBase:     fromUnits(res.TakerBase),
		TakerQuote:    fromUnits(res.TakerQuote),
		RealizedPnL:   fromUnits(res.RealizedPnL),
		IsLiquidation: res.IsLiquidation,
		Position:      s.position(trader, marketAddr),
	}
	s.logger.Info("liquidity removed",
		"entry_id", resp.EntryID,
		"trader", resp.Trader,
		"caller", caller.Hex(),
		"symbol", resp.Symbol,
		"liquidity", resp.Liquidity.String(),
		"is_liquidation", res.IsLiquidation,
	)
	writeJSON(w, http.StatusOK, resp)
}

// --- Journal delivery ---

// flush persists the entries committed by the last ledger call, records
// their metrics and broadcasts the market ones. Callers hold mu.
func (s *Service) flush(ctx context.Context) []model.Entry {
	entries := s.pending
	s.pending = nil
	for i := range entries {
		e := &entries[i]
		if err := s.store.Append(ctx, e); err != nil {
			s.logger.Error("journal append failed", "entry_id", e.ID, "kind", string(e.Kind), "err", err)
		}
		observe(e)
		if s.wsHub != nil && e.Market != (common.Address{}) {
			s.wsHub.Broadcast(s.entryMessage(e))
		}
	}
	return entries
}

func observe(e *model.Entry) {
	metrics.OperationsTotal.WithLabelValues(string(e.Kind)).Inc()
	if e.Market == (common.Address{}) {
		return
	}
	metrics.MarkPrice.WithLabelValues(e.Symbol).Set(e.MarkPrice.InexactFloat64())
	switch e.Kind {
	case model.EntryLiquidation:
		metrics.LiquidationsTotal.WithLabelValues(e.Symbol).Inc()
		fallthrough
	case model.EntryTrade:
		if e.Quote != nil {
			metrics.TradeVolume.WithLabelValues(e.Symbol).Add(fromUnits(fixed.Abs(e.Quote)).InexactFloat64())
		}
	case model.EntryFunding:
		metrics.FundingRate.WithLabelValues(e.Symbol).Set(fixed.ToDecimal(e.Amount).InexactFloat64())
	}
}

func lastEntryID(entries []model.Entry, kinds ...model.EntryKind) string {
	for i := len(entries) - 1; i >= 0; i-- {
		for _, k := range kinds {
			if entries[i].Kind == k {
				return entries[i].ID
			}
		}
	}
	return ""
}

// --- Helpers ---

func (s *Service) tradeResponse(trader, marketAddr common.Address, res taker.TradeResponse) TradeResponse {
	resp := TradeResponse{
		Trader:              trader.Hex(),
		Base:                fromUnits(res.Base),
		Quote:               fromUnits(res.Quote),
		RealizedPnL:         fromUnits(res.RealizedPnL),
		ProtocolFee:         fromUnits(res.ProtocolFee),
		IsLiquidation:       res.IsLiquidation,
		LiquidationPenalty:  fromUnits(res.LiquidationPenalty),
		LiquidationReward:   fromUnits(res.LiquidationReward),
		InsuranceFundReward: fromUnits(res.InsuranceFundReward),
		Position:            s.position(trader, marketAddr),
	}
	if m, err := s.ex.Market(marketAddr); err == nil {
		resp.Symbol = m.Symbol()
		resp.MarkPrice = fixed.ToDecimal(m.MarkPriceX96())
	}
	return resp
}

func (s *Service) collateral(trader common.Address) CollateralResponse {
	resp := CollateralResponse{
		Trader:     trader.Hex(),
		Collateral: fromUnits(s.ex.CollateralBalance(trader)),
	}
	if bal, err := s.ex.Asset().BalanceOf(trader); err == nil {
		resp.Wallet = fromUnits(bal)
	}
	return resp
}

func (s *Service) symbol(marketAddr common.Address) string {
	m, err := s.ex.Market(marketAddr)
	if err != nil {
		return ""
	}
	return m.Symbol()
}

// fail maps err to a status code, counts the rejection and writes it.
func (s *Service) fail(w http.ResponseWriter, op string, err error) {
	metrics.RejectionsTotal.WithLabelValues(op, ledger.KindOf(err).String()).Inc()
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("operation failed", "op", op, "err", err)
	}
	writeError(w, err.Error(), status)
}

// StatusFor maps an engine error to its HTTP status: validation 400, auth
// 403, unknown market 404, market state 409, risk 422.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnknownMarket), errors.Is(err, ErrNoFeed):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidAddress),
		errors.Is(err, contract.ErrInvalidSymbol),
		errors.Is(err, contract.ErrSameAsset),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, store.ErrInvalidEntry):
		return http.StatusBadRequest
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindAuth:
		return http.StatusForbidden
	case ledger.KindMarketState:
		return http.StatusConflict
	case ledger.KindRisk:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// parseTraderCaller parses a trader and an optional caller defaulting to
// the trader.
func parseTraderCaller(trader, caller string) (common.Address, common.Address, error) {
	t, err := parseAddress(trader)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	if strings.TrimSpace(caller) == "" {
		return t, t, nil
	}
	c, err := parseAddress(caller)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return t, c, nil
}

func marketAddress(symbol string) (common.Address, error) {
	sym, err := contract.ParseSymbol(symbol)
	if err != nil {
		return common.Address{}, err
	}
	return sym.Address(), nil
}

// toUnits converts a wire amount into base units, truncating toward zero.
func toUnits(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).BigInt()
}

func optionalUnits(d *decimal.Decimal) *big.Int {
	if d == nil {
		return nil
	}
	return toUnits(*d)
}

func fromUnits(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -Decimals)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
