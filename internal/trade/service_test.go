package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pricelimit"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/taker"
	"github.com/atmx/perp-engine/internal/trade"
)

const (
	exchangeHex = "0x00000000000000000000000000000000000000e1"
	operatorHex = "0x00000000000000000000000000000000000000a0"
	aliceHex    = "0x00000000000000000000000000000000000000a1"
	bobHex      = "0x00000000000000000000000000000000000000b0"
	ethUSD      = "PERP-ETH-USD"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	router chi.Router
}

// newTestEnv creates a Service over an in-process vault with a fixed clock,
// in-memory store and chi router, and registers PERP-ETH-USD at index 1.
func newTestEnv(t *testing.T, cfg ledger.Config, opts trade.Options) *testEnv {
	t.Helper()
	cfg.Address = common.HexToAddress(exchangeHex)
	cfg.Operator = common.HexToAddress(operatorHex)
	if cfg.Risk == (model.RiskConfig{}) {
		cfg.Risk = ledger.DefaultRiskConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return 1_700_000_000 }
	}
	ms := store.NewMemoryStore()
	svc, err := trade.NewService(cfg, ms, nil, opts)
	require.NoError(t, err)

	params := trade.DefaultMarketParams(ethUSD)
	params.IndexPrice = d("1")
	params.PriceLimit = pricelimit.Config{
		NormalOrderRatio:    5e5,
		LiquidationRatio:    6e5,
		EmaNormalOrderRatio: 8e5,
		EmaLiquidationRatio: 9e5,
		EmaSec:              300,
	}
	_, err = svc.AddMarket(cfg.Operator, params)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{svc: svc, store: ms, router: r}
}

// newSeededEnv adds alice's 1000/1000 liquidity on top of newTestEnv.
func newSeededEnv(t *testing.T, cfg ledger.Config) *testEnv {
	t.Helper()
	env := newTestEnv(t, cfg, trade.Options{})
	env.fund(t, aliceHex, "1000")
	w := env.post(t, "/api/v1/liquidity/add", trade.AddLiquidityRequest{
		Trader: aliceHex,
		Symbol: ethUSD,
		Base:   d("1000"),
		Quote:  d("1000"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil)
}

func (e *testEnv) fund(t *testing.T, trader, amount string) {
	t.Helper()
	w := e.post(t, "/api/v1/faucet", trade.CollateralRequest{Trader: trader, Amount: d(amount)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.post(t, "/api/v1/deposit", trade.CollateralRequest{Trader: trader, Amount: d(amount)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (e *testEnv) account(t *testing.T, trader string) trade.AccountView {
	t.Helper()
	w := e.get(t, "/api/v1/accounts/"+trader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view trade.AccountView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func buyBase(trader, quote string) trade.TradeRequest {
	return trade.TradeRequest{
		Trader:        trader,
		Symbol:        ethUSD,
		IsBaseToQuote: false,
		IsExactInput:  true,
		Amount:        d(quote),
	}
}

// --- Collateral ---

func TestFaucetDepositWithdraw(t *testing.T) {
	env := newTestEnv(t, ledger.Config{}, trade.Options{})

	w := env.post(t, "/api/v1/faucet", trade.CollateralRequest{Trader: bobHex, Amount: d("1000")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.post(t, "/api/v1/deposit", trade.CollateralRequest{Trader: bobHex, Amount: d("400")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var col trade.CollateralResponse
	decodeInto(t, w, &col)
	assert.True(t, col.Collateral.Equal(d("400")), col.Collateral.String())
	assert.True(t, col.Wallet.Equal(d("600")), col.Wallet.String())

	w = env.post(t, "/api/v1/withdraw", trade.CollateralRequest{Trader: bobHex, Amount: d("150.5")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeInto(t, w, &col)
	assert.True(t, col.Collateral.Equal(d("249.5")), col.Collateral.String())
	assert.True(t, col.Wallet.Equal(d("750.5")), col.Wallet.String())

	view := env.account(t, bobHex)
	assert.True(t, view.Collateral.Equal(d("249.5")))
	assert.True(t, view.TotalAccountValue.Equal(d("249.5")))
	assert.True(t, view.HasEnoughInitialMargin)
	assert.Empty(t, view.Positions)

	w = env.get(t, "/api/v1/accounts/"+bobHex+"/history")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.Entry
	decodeInto(t, w, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryDeposit, entries[0].Kind)
	assert.Equal(t, model.EntryWithdraw, entries[1].Kind)
	assert.NotEmpty(t, entries[0].ID)
}

func TestDeposit_Rejections(t *testing.T) {
	env := newTestEnv(t, ledger.Config{}, trade.Options{})

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"zero amount", trade.CollateralRequest{Trader: bobHex, Amount: d("0")}, http.StatusBadRequest},
		{"bad trader", trade.CollateralRequest{Trader: "bob", Amount: d("1")}, http.StatusBadRequest},
		{"empty wallet", trade.CollateralRequest{Trader: bobHex, Amount: d("1")}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.post(t, "/api/v1/deposit", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

type externalAsset struct{ *ledger.Vault }

func TestFaucet_DisabledForExternalAsset(t *testing.T) {
	env := newTestEnv(t, ledger.Config{Asset: externalAsset{ledger.NewVault()}}, trade.Options{})
	w := env.post(t, "/api/v1/faucet", trade.CollateralRequest{Trader: bobHex, Amount: d("1")})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, ledger.Config{}, trade.Options{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	w := env.post(t, "/api/v1/faucet", trade.CollateralRequest{Trader: bobHex, Amount: d("1")})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.post(t, "/api/v1/faucet", trade.CollateralRequest{Trader: bobHex, Amount: d("1")})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Queries are not throttled.
	w = env.get(t, "/api/v1/markets")
	assert.Equal(t, http.StatusOK, w.Code)
}

// --- Trading ---

func TestExecuteTrade_OpensLong(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})
	env.fund(t, bobHex, "100")

	w := env.post(t, "/api/v1/trade", buyBase(bobHex, "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp trade.TradeResponse
	decodeInto(t, w, &resp)
	assert.NotEmpty(t, resp.EntryID)
	assert.Equal(t, ethUSD, resp.Symbol)
	assert.True(t, resp.Quote.Equal(d("-10")), resp.Quote.String())
	assert.True(t, resp.Base.IsPositive())
	assert.True(t, resp.Base.LessThan(d("10")), "fee and impact should cost base: %s", resp.Base)
	assert.False(t, resp.IsLiquidation)
	assert.True(t, resp.MarkPrice.GreaterThan(d("1")), resp.MarkPrice.String())
	assert.True(t, resp.Position.BaseShare.Equal(resp.Base))
	assert.True(t, resp.Position.Quote.Equal(d("-10")))

	view := env.account(t, bobHex)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, ethUSD, view.Positions[0].Symbol)
	assert.True(t, view.HasEnoughMaintenanceMargin)

	w = env.get(t, "/api/v1/markets/"+ethUSD+"/history")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.Entry
	decodeInto(t, w, &entries)
	kinds := make([]model.EntryKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []model.EntryKind{model.EntryLiquidityAdded, model.EntryTrade}, kinds)
	assert.Equal(t, resp.EntryID, entries[1].ID)
}

func TestPreviewTrade_MatchesTradeWithoutSideEffects(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})
	env.fund(t, bobHex, "100")
	before, err := env.store.Recent(context.Background(), 100)
	require.NoError(t, err)

	w := env.post(t, "/api/v1/trade/preview", buyBase(bobHex, "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview trade.TradeResponse
	decodeInto(t, w, &preview)
	assert.Empty(t, preview.EntryID)
	assert.Empty(t, env.account(t, bobHex).Positions)

	after, err := env.store.Recent(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	w = env.post(t, "/api/v1/trade", buyBase(bobHex, "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var executed trade.TradeResponse
	decodeInto(t, w, &executed)
	assert.True(t, preview.Base.Equal(executed.Base), "%s != %s", preview.Base, executed.Base)
	assert.True(t, preview.Quote.Equal(executed.Quote))
}

func TestExecuteTrade_ErrorMapping(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})
	env.fund(t, bobHex, "1")

	expired := buyBase(bobHex, "1")
	expired.Deadline = 1

	third := buyBase(aliceHex, "1")
	third.Caller = bobHex

	tests := []struct {
		name string
		req  trade.TradeRequest
		want int
	}{
		{"unknown market", trade.TradeRequest{Trader: bobHex, Symbol: "PERP-BTC-USD", IsExactInput: true, Amount: d("1")}, http.StatusNotFound},
		{"bad symbol", trade.TradeRequest{Trader: bobHex, Symbol: "ETHUSD", IsExactInput: true, Amount: d("1")}, http.StatusBadRequest},
		{"bad trader", buyBase("0x12", "1"), http.StatusBadRequest},
		{"zero amount", buyBase(bobHex, "0"), http.StatusBadRequest},
		{"expired", expired, http.StatusBadRequest},
		{"not enough margin", buyBase(bobHex, "50"), http.StatusUnprocessableEntity},
		{"liquidate healthy account", third, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.post(t, "/api/v1/trade", tc.req)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			var body map[string]string
			decodeInto(t, w, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestMaxTrade(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})

	w := env.get(t, fmt.Sprintf("/api/v1/trade/max?trader=%s&symbol=%s&is_base_to_quote=false&is_exact_input=true", bobHex, ethUSD))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]decimal.Decimal
	decodeInto(t, w, &body)
	assert.True(t, body["amount"].IsPositive(), body["amount"].String())

	w = env.get(t, "/api/v1/trade/max?trader=bob&symbol="+ethUSD)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Liquidity ---

func TestRemoveLiquidity_FoldsIntoPosition(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})
	env.fund(t, bobHex, "100")
	w := env.post(t, "/api/v1/trade", buyBase(bobHex, "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	before := env.account(t, aliceHex)
	require.Len(t, before.Positions, 1)

	w = env.post(t, "/api/v1/liquidity/remove", trade.RemoveLiquidityRequest{
		Trader:    aliceHex,
		Symbol:    ethUSD,
		Liquidity: d("100"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp trade.LiquidityResponse
	decodeInto(t, w, &resp)
	assert.NotEmpty(t, resp.EntryID)
	assert.True(t, resp.Liquidity.Equal(d("100")))
	assert.False(t, resp.IsLiquidation)
	// Bob went long, so the pool holds less base: alice leaves short.
	assert.True(t, resp.TakerBase.IsNegative(), resp.TakerBase.String())
	assert.True(t, resp.Position.Liquidity.Equal(before.Positions[0].Liquidity.Sub(d("100"))))
	assert.True(t, resp.Position.BaseShare.Equal(resp.TakerBase))

	w = env.post(t, "/api/v1/liquidity/remove", trade.RemoveLiquidityRequest{
		Trader:    aliceHex,
		Caller:    bobHex,
		Symbol:    ethUSD,
		Liquidity: d("1"),
	})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestAddLiquidity_NeedsIndex(t *testing.T) {
	env := newTestEnv(t, ledger.Config{}, trade.Options{})
	env.fund(t, aliceHex, "1000")

	// Pool price 2 against index 1 is outside the initial tolerance.
	w := env.post(t, "/api/v1/liquidity/add", trade.AddLiquidityRequest{
		Trader: aliceHex,
		Symbol: ethUSD,
		Base:   d("100"),
		Quote:  d("200"),
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

// --- Queries ---

func TestMarketViews(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})

	w := env.get(t, "/api/v1/markets")
	require.Equal(t, http.StatusOK, w.Code)
	var markets []trade.MarketView
	decodeInto(t, w, &markets)
	require.Len(t, markets, 1)
	sym, err := contract.ParseSymbol(ethUSD)
	require.NoError(t, err)
	assert.Equal(t, sym.Address().Hex(), markets[0].Address)
	assert.True(t, markets[0].Allowed)
	assert.True(t, markets[0].PoolBase.Equal(d("1000")))
	assert.True(t, markets[0].MarkPrice.Equal(d("1")), markets[0].MarkPrice.String())
	assert.True(t, markets[0].PoolFeeRatio.Equal(d("0.003")))

	w = env.get(t, "/api/v1/markets/perp-eth-usd/price")
	require.Equal(t, http.StatusOK, w.Code)
	var price trade.PriceView
	decodeInto(t, w, &price)
	assert.True(t, price.IndexPrice.Equal(d("1")), price.IndexPrice.String())
	require.NotNil(t, price.LowerBound)
	require.NotNil(t, price.UpperBound)
	assert.True(t, price.LowerBound.LessThan(price.MarkPrice))
	assert.True(t, price.UpperBound.GreaterThan(price.MarkPrice))

	w = env.get(t, "/api/v1/markets/PERP-SOL-USD")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.get(t, "/api/v1/exchange")
	require.Equal(t, http.StatusOK, w.Code)
	var ex trade.ExchangeView
	decodeInto(t, w, &ex)
	assert.Equal(t, common.HexToAddress(operatorHex).Hex(), ex.Operator)
	assert.Equal(t, 1, ex.Markets)
	assert.Equal(t, 1, ex.Traders)
	assert.Equal(t, ledger.DefaultRiskConfig(), ex.Risk)
}

func TestGetJournal(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})

	w := env.get(t, "/api/v1/journal?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.Entry
	decodeInto(t, w, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryLiquidityAdded, entries[0].Kind)

	w = env.get(t, "/api/v1/journal?limit=-3")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Admin ---

func TestAdmin_IndexPriceAndAllowList(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})
	env.fund(t, bobHex, "100")

	w := env.post(t, "/api/v1/admin/markets/"+ethUSD+"/index-price", trade.IndexPriceRequest{Caller: bobHex, Price: d("1.01")})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.post(t, "/api/v1/admin/markets/"+ethUSD+"/index-price", trade.IndexPriceRequest{Caller: operatorHex, Price: d("-1")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.post(t, "/api/v1/admin/markets/"+ethUSD+"/index-price", trade.IndexPriceRequest{Caller: operatorHex, Price: d("1.01")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The view reads the feed directly, before any trade settles funding.
	w = env.get(t, "/api/v1/markets/"+ethUSD+"/price")
	require.Equal(t, http.StatusOK, w.Code)
	var price trade.PriceView
	decodeInto(t, w, &price)
	assert.True(t, price.IndexPrice.Sub(d("1.01")).Abs().LessThan(d("0.000001")), price.IndexPrice.String())

	w = env.post(t, "/api/v1/admin/markets/"+ethUSD+"/allowed", trade.AllowedRequest{Caller: bobHex, Allowed: false})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.post(t, "/api/v1/admin/markets/"+ethUSD+"/allowed", trade.AllowedRequest{Caller: operatorHex, Allowed: false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view trade.MarketView
	decodeInto(t, w, &view)
	assert.False(t, view.Allowed)

	w = env.post(t, "/api/v1/trade", buyBase(bobHex, "10"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	w = env.post(t, "/api/v1/liquidity/add", trade.AddLiquidityRequest{Trader: aliceHex, Symbol: ethUSD, Base: d("1"), Quote: d("1")})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestAdmin_CallerHeaderOverridesBody(t *testing.T) {
	env := newSeededEnv(t, ledger.Config{})
	path := "/api/v1/admin/markets/" + ethUSD + "/allowed"

	send := func(header, body string) int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(trade.AllowedRequest{Caller: body, Allowed: true}))
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(trade.CallerHeader, header)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, send(bobHex, operatorHex))
	assert.Equal(t, http.StatusOK, send(operatorHex, bobHex))
	assert.Equal(t, http.StatusBadRequest, send("not-an-address", operatorHex))
}

func TestAdmin_CreateMarket(t *testing.T) {
	env := newTestEnv(t, ledger.Config{}, trade.Options{})

	req := trade.CreateMarketRequest{Caller: bobHex, Symbol: "PERP-BTC-USD", IndexPrice: d("65000")}
	w := env.post(t, "/api/v1/admin/markets", req)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	req.Caller = operatorHex
	w = env.post(t, "/api/v1/admin/markets", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view trade.MarketView
	decodeInto(t, w, &view)
	assert.Equal(t, "PERP-BTC-USD", view.Symbol)
	assert.True(t, view.Allowed)

	w = env.post(t, "/api/v1/admin/markets", req)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	req.Symbol = "PERP-USD-USD"
	w = env.post(t, "/api/v1/admin/markets", req)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = env.get(t, "/api/v1/markets")
	var markets []trade.MarketView
	decodeInto(t, w, &markets)
	assert.Len(t, markets, 2)
}

func TestAdmin_TransferProtocolFee(t *testing.T) {
	risk := ledger.DefaultRiskConfig()
	risk.ProtocolFeeRatio = 1e3
	env := newSeededEnv(t, ledger.Config{Risk: risk})
	env.fund(t, bobHex, "100")
	w := env.post(t, "/api/v1/trade", buyBase(bobHex, "10"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp trade.TradeResponse
	decodeInto(t, w, &resp)
	require.True(t, resp.ProtocolFee.IsPositive())

	w = env.post(t, "/api/v1/admin/protocol-fee", trade.ProtocolFeeRequest{Caller: bobHex, Amount: resp.ProtocolFee})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.post(t, "/api/v1/admin/protocol-fee", trade.ProtocolFeeRequest{Caller: operatorHex, Amount: resp.ProtocolFee.Add(d("1"))})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.post(t, "/api/v1/admin/protocol-fee", trade.ProtocolFeeRequest{Caller: operatorHex, Amount: resp.ProtocolFee})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]decimal.Decimal
	decodeInto(t, w, &body)
	assert.True(t, body["protocol_fee"].IsZero())
	assert.True(t, body["collateral"].Equal(resp.ProtocolFee))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrZeroAmount, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", ledger.ErrUnknownMarket), http.StatusNotFound},
		{trade.ErrInvalidAddress, http.StatusBadRequest},
		{contract.ErrInvalidSymbol, http.StatusBadRequest},
		{oracle.ErrInvalidPrice, http.StatusBadRequest},
		{ledger.ErrNotOperator, http.StatusForbidden},
		{taker.ErrEnoughMaintenance, http.StatusForbidden},
		{market.ErrPriceLimit, http.StatusConflict},
		{taker.ErrNotEnoughInitialMargin, http.StatusUnprocessableEntity},
		{ledger.ErrMarketNotAllowed, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, trade.StatusFor(tc.err), tc.err.Error())
	}
}

func TestFromUnitsRoundTrip(t *testing.T) {
	// 1 wei survives the decimal wire format.
	env := newTestEnv(t, ledger.Config{}, trade.Options{})
	w := env.post(t, "/api/v1/faucet", trade.CollateralRequest{Trader: bobHex, Amount: d("0.000000000000000001")})
	require.Equal(t, http.StatusOK, w.Code)
	bal, err := env.svc.Exchange().Asset().BalanceOf(common.HexToAddress(bobHex))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1).String(), bal.String())
}
