package trade

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricelimit"
)

// DefaultJournalLimit bounds GET /journal without a limit parameter.
const DefaultJournalLimit = 50

// MarketView is the JSON representation of a market.
type MarketView struct {
	Symbol         string            `json:"symbol"`
	Address        string            `json:"address"`
	Allowed        bool              `json:"allowed"`
	MarkPrice      decimal.Decimal   `json:"mark_price"`
	IndexPrice     decimal.Decimal   `json:"index_price"`
	PoolBase       decimal.Decimal   `json:"pool_base"`
	PoolQuote      decimal.Decimal   `json:"pool_quote"`
	TotalLiquidity decimal.Decimal   `json:"total_liquidity"`
	BasePerShare   decimal.Decimal   `json:"base_per_share"`
	PoolFeeRatio   decimal.Decimal   `json:"pool_fee_ratio"`
	Funding        funding.Config    `json:"funding"`
	PriceLimit     pricelimit.Config `json:"price_limit"`
}

// PriceView is the JSON body of GET /markets/{symbol}/price. Bounds are
// omitted while the pool is empty.
type PriceView struct {
	Symbol     string           `json:"symbol"`
	MarkPrice  decimal.Decimal  `json:"mark_price"`
	IndexPrice decimal.Decimal  `json:"index_price"`
	LowerBound *decimal.Decimal `json:"lower_bound,omitempty"`
	UpperBound *decimal.Decimal `json:"upper_bound,omitempty"`
}

// PositionView is the exposure of one account in one market.
type PositionView struct {
	Symbol            string          `json:"symbol"`
	BaseShare         decimal.Decimal `json:"base_share"`
	Quote             decimal.Decimal `json:"quote"`
	Liquidity         decimal.Decimal `json:"liquidity"`
	BaseDebtShare     decimal.Decimal `json:"base_debt_share"`
	QuoteDebt         decimal.Decimal `json:"quote_debt"`
	PositionShare     decimal.Decimal `json:"position_share"`
	PositionNotional  decimal.Decimal `json:"position_notional"`
	OpenPositionShare decimal.Decimal `json:"open_position_share"`
}

// AccountView is the JSON body of GET /accounts/{trader}.
type AccountView struct {
	Trader                     string          `json:"trader"`
	Collateral                 decimal.Decimal `json:"collateral"`
	Wallet                     decimal.Decimal `json:"wallet"`
	TotalAccountValue          decimal.Decimal `json:"total_account_value"`
	TotalOpenPositionNotional  decimal.Decimal `json:"total_open_position_notional"`
	HasEnoughInitialMargin     bool            `json:"has_enough_initial_margin"`
	HasEnoughMaintenanceMargin bool            `json:"has_enough_maintenance_margin"`
	Positions                  []PositionView  `json:"positions"`
}

// ExchangeView is the JSON body of GET /exchange.
type ExchangeView struct {
	Address                  string           `json:"address"`
	Operator                 string           `json:"operator"`
	Risk                     model.RiskConfig `json:"risk"`
	InsuranceFund            decimal.Decimal  `json:"insurance_fund"`
	LiquidationRewardBalance decimal.Decimal  `json:"liquidation_reward_balance"`
	ProtocolFee              decimal.Decimal  `json:"protocol_fee"`
	Markets                  int              `json:"markets"`
	Traders                  int              `json:"traders"`
}

// GetExchange handles GET /api/v1/exchange
func (s *Service) GetExchange(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fund := s.ex.InsuranceFundInfo()
	writeJSON(w, http.StatusOK, ExchangeView{
		Address:                  s.ex.Address().Hex(),
		Operator:                 s.ex.Operator().Hex(),
		Risk:                     s.ex.RiskConfig(),
		InsuranceFund:            fromUnits(fund.Balance),
		LiquidationRewardBalance: fromUnits(fund.LiquidationRewardBalance),
		ProtocolFee:              fromUnits(s.ex.ProtocolInfo().ProtocolFee),
		Markets:                  len(s.ex.Markets()),
		Traders:                  len(s.ex.Traders()),
	})
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markets := s.ex.Markets()
	out := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		out = append(out, s.marketView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket handles GET /api/v1/markets/{symbol}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := marketAddress(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, "get_market", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ex.Market(addr)
	if err != nil {
		s.fail(w, "get_market", err)
		return
	}
	writeJSON(w, http.StatusOK, s.marketView(m))
}

// GetPrice handles GET /api/v1/markets/{symbol}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	addr, err := marketAddress(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, "get_price", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ex.Market(addr)
	if err != nil {
		s.fail(w, "get_price", err)
		return
	}
	view := PriceView{
		Symbol:     m.Symbol(),
		MarkPrice:  fixed.ToDecimal(m.MarkPriceX96()),
		IndexPrice: fixed.ToDecimal(m.IndexPriceX96()),
	}
	if m.PoolInfo().Base.Sign() > 0 {
		if lower, upper, err := m.PriceBounds(false); err == nil {
			lo, hi := fixed.ToDecimal(lower), fixed.ToDecimal(upper)
			view.LowerBound, view.UpperBound = &lo, &hi
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// GetMarketHistory handles GET /api/v1/markets/{symbol}/history
// Returns journal entries to reconstruct price and funding history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := marketAddress(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, "market_history", err)
		return
	}
	entries, err := s.store.EntriesByMarket(r.Context(), addr)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAccount handles GET /api/v1/accounts/{trader}
// Returns collateral, account value, margin state and every position.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	trader, err := parseAddress(chi.URLParam(r, "trader"))
	if err != nil {
		s.fail(w, "get_account", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := s.ex.TotalAccountValue(trader)
	if err != nil {
		s.fail(w, "get_account", err)
		return
	}
	notional, err := s.ex.TotalOpenPositionNotional(trader)
	if err != nil {
		s.fail(w, "get_account", err)
		return
	}
	im, err := s.ex.HasEnoughInitialMargin(trader)
	if err != nil {
		s.fail(w, "get_account", err)
		return
	}
	mm, err := s.ex.HasEnoughMaintenanceMargin(trader)
	if err != nil {
		s.fail(w, "get_account", err)
		return
	}

	col := s.collateral(trader)
	view := AccountView{
		Trader:                     col.Trader,
		Collateral:                 col.Collateral,
		Wallet:                     col.Wallet,
		TotalAccountValue:          fromUnits(value),
		TotalOpenPositionNotional:  fromUnits(notional),
		HasEnoughInitialMargin:     im,
		HasEnoughMaintenanceMargin: mm,
		Positions:                  []PositionView{},
	}
	for _, addr := range s.ex.AccountMarkets(trader) {
		view.Positions = append(view.Positions, s.position(trader, addr))
	}
	writeJSON(w, http.StatusOK, view)
}

// GetAccountHistory handles GET /api/v1/accounts/{trader}/history
// Returns the entries of the trader, liquidations they performed included.
func (s *Service) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	trader, err := parseAddress(chi.URLParam(r, "trader"))
	if err != nil {
		s.fail(w, "account_history", err)
		return
	}
	entries, err := s.store.EntriesByTrader(r.Context(), trader)
	if err != nil {
		writeError(w, "failed to get account history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetJournal handles GET /api/v1/journal?limit=N
// Returns the newest entries first.
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	limit := DefaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to get journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// marketView renders m. Callers hold mu.
func (s *Service) marketView(m *market.Market) MarketView {
	pool := m.PoolInfo()
	return MarketView{
		Symbol:         m.Symbol(),
		Address:        m.Address().Hex(),
		Allowed:        s.ex.IsMarketAllowed(m.Address()),
		MarkPrice:      fixed.ToDecimal(m.MarkPriceX96()),
		IndexPrice:     fixed.ToDecimal(m.IndexPriceX96()),
		PoolBase:       fromUnits(pool.Base),
		PoolQuote:      fromUnits(pool.Quote),
		TotalLiquidity: fromUnits(pool.TotalLiquidity),
		BasePerShare:   fixed.ToDecimal(pool.BaseBalancePerShareX96),
		PoolFeeRatio:   fixed.RatioToDecimal(m.PoolFeeRatio()),
		Funding:        m.FundingConfig(),
		PriceLimit:     m.PriceLimitConfig(),
	}
}

// position renders the exposure of trader in marketAddr. Callers hold mu.
func (s *Service) position(trader, marketAddr common.Address) PositionView {
	tk := s.ex.TakerInfo(trader, marketAddr)
	mk := s.ex.MakerInfo(trader, marketAddr)
	view := PositionView{
		Symbol:        s.symbol(marketAddr),
		BaseShare:     fromUnits(tk.BaseBalanceShare),
		Quote:         fromUnits(tk.QuoteBalance),
		Liquidity:     fromUnits(mk.Liquidity),
		BaseDebtShare: fromUnits(mk.BaseDebtShare),
		QuoteDebt:     fromUnits(mk.QuoteDebt),
	}
	if share, err := s.ex.PositionShare(trader, marketAddr); err == nil {
		view.PositionShare = fromUnits(share)
	}
	if notional, err := s.ex.PositionNotional(trader, marketAddr); err == nil {
		view.PositionNotional = fromUnits(notional)
	}
	if open, err := s.ex.OpenPositionShare(trader, marketAddr); err == nil {
		view.OpenPositionShare = fromUnits(open)
	}
	return view
}
