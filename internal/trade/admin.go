package trade

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/pricelimit"
)

// CallerHeader carries the authenticated operator address. The service does
// not authenticate; a gateway in front of the admin routes must verify the
// client and set this header. When present it overrides the body caller.
const CallerHeader = "X-Caller"

// adminCaller returns the caller of an admin request, preferring
// CallerHeader over the body field.
func adminCaller(r *http.Request, body string) (common.Address, error) {
	if h := r.Header.Get(CallerHeader); h != "" {
		return parseAddress(h)
	}
	return parseAddress(body)
}

// CreateMarketRequest is the JSON body for market creation. Omitted
// parameters take their defaults.
type CreateMarketRequest struct {
	Caller                string             `json:"caller"`
	Symbol                string             `json:"symbol"` // PERP-{BASE}-{QUOTE}
	PoolFeeRatio          *uint32            `json:"pool_fee_ratio,omitempty"`
	InitialPriceTolerance *uint32            `json:"initial_price_tolerance,omitempty"`
	FeedDecimals          *uint8             `json:"feed_decimals,omitempty"`
	IndexPrice            decimal.Decimal    `json:"index_price"`
	Funding               *funding.Config    `json:"funding,omitempty"`
	PriceLimit            *pricelimit.Config `json:"price_limit,omitempty"`
}

// IndexPriceRequest is the JSON body for posting an index price.
type IndexPriceRequest struct {
	Caller string          `json:"caller"`
	Price  decimal.Decimal `json:"price"`
}

// AllowedRequest is the JSON body for the market allow-list.
type AllowedRequest struct {
	Caller  string `json:"caller"`
	Allowed bool   `json:"allowed"`
}

// ProtocolFeeRequest is the JSON body for collecting the protocol fee.
type ProtocolFeeRequest struct {
	Caller string          `json:"caller"`
	Amount decimal.Decimal `json:"amount"`
}

// CreateMarket handles POST /api/v1/admin/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := adminCaller(r, req.Caller)
	if err != nil {
		s.fail(w, "create_market", err)
		return
	}

	params := DefaultMarketParams(req.Symbol)
	params.IndexPrice = req.IndexPrice
	if req.PoolFeeRatio != nil {
		params.PoolFeeRatio = *req.PoolFeeRatio
	}
	if req.InitialPriceTolerance != nil {
		params.InitialPriceTolerance = *req.InitialPriceTolerance
	}
	if req.FeedDecimals != nil {
		params.FeedDecimals = *req.FeedDecimals
	}
	if req.Funding != nil {
		params.Funding = *req.Funding
	}
	if req.PriceLimit != nil {
		params.PriceLimit = *req.PriceLimit
	}

	m, err := s.AddMarket(caller, params)
	if err != nil {
		s.fail(w, "create_market", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	view := s.marketView(m)
	s.logger.Info("market created",
		"symbol", view.Symbol,
		"address", view.Address,
		"pool_fee_ratio", view.PoolFeeRatio.String(),
		"index_price", view.IndexPrice.String(),
	)
	writeJSON(w, http.StatusCreated, view)
}

// SetIndexPrice handles POST /api/v1/admin/markets/{symbol}/index-price
// Posts the operator's base price to the market's static feed.
func (s *Service) SetIndexPrice(w http.ResponseWriter, r *http.Request) {
	var req IndexPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := adminCaller(r, req.Caller)
	if err != nil {
		s.fail(w, "set_index_price", err)
		return
	}
	addr, err := marketAddress(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, "set_index_price", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if caller != s.ex.Operator() {
		s.fail(w, "set_index_price", ledger.ErrNotOperator)
		return
	}
	if _, err := s.ex.Market(addr); err != nil {
		s.fail(w, "set_index_price", err)
		return
	}
	feed, ok := s.feeds[addr]
	if !ok {
		s.fail(w, "set_index_price", fmt.Errorf("%w: %s", ErrNoFeed, addr.Hex()))
		return
	}
	if err := feed.SetDecimal(req.Price); err != nil {
		s.fail(w, "set_index_price", err)
		return
	}
	posted, _ := feed.Decimal()
	s.logger.Info("index price posted", "market", addr.Hex(), "price", posted.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    s.symbol(addr),
		"price":     posted,
		"posted_at": time.Now().UTC(),
	})
}

// SetMarketAllowed handles POST /api/v1/admin/markets/{symbol}/allowed
func (s *Service) SetMarketAllowed(w http.ResponseWriter, r *http.Request) {
	var req AllowedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := adminCaller(r, req.Caller)
	if err != nil {
		s.fail(w, "set_market_allowed", err)
		return
	}
	addr, err := marketAddress(chi.URLParam(r, "symbol"))
	if err != nil {
		s.fail(w, "set_market_allowed", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ex.SetIsMarketAllowed(caller, addr, req.Allowed); err != nil {
		s.fail(w, "set_market_allowed", err)
		return
	}
	m, _ := s.ex.Market(addr)
	writeJSON(w, http.StatusOK, s.marketView(m))
}

// TransferProtocolFee handles POST /api/v1/admin/protocol-fee
// Moves accrued protocol fee into the operator's collateral.
func (s *Service) TransferProtocolFee(w http.ResponseWriter, r *http.Request) {
	var req ProtocolFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := adminCaller(r, req.Caller)
	if err != nil {
		s.fail(w, "transfer_protocol_fee", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ex.TransferProtocolFee(caller, toUnits(req.Amount)); err != nil {
		s.fail(w, "transfer_protocol_fee", err)
		return
	}
	s.flush(r.Context())
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"protocol_fee": fromUnits(s.ex.ProtocolInfo().ProtocolFee),
		"collateral":   fromUnits(s.ex.CollateralBalance(caller)),
	})
}
