package maker

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/account"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricelimit"
)

var (
	exchange   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	marketAddr = common.HexToAddress("0x0000000000000000000000000000000000000101")
)

type feed struct{ price int64 }

func (f *feed) Price() (*big.Int, error) { return big.NewInt(f.price), nil }
func (f *feed) Decimals() (uint8, error) { return 0, nil }

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testRisk() model.RiskConfig {
	return model.RiskConfig{
		ImRatio:              1e5,
		MmRatio:              5e4,
		MaxMarketsPerAccount: 4,
	}
}

type fixture struct {
	m       *market.Market
	now     int64
	feed    *feed
	resolve account.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: 1000, feed: &feed{price: 1}}
	m, err := market.New(market.Config{
		Symbol:        "PERP-BTC-USD",
		Address:       marketAddr,
		Exchange:      exchange,
		PriceFeedBase: f.feed,
		PoolFeeRatio:  market.DefaultPoolFeeRatio,
		Funding:       funding.DefaultConfig(),
		PriceLimit:    pricelimit.DefaultConfig(),
		Clock:         func() int64 { return f.now },
	})
	require.NoError(t, err)
	_, _, _, err = m.AddLiquidity(exchange, e18(1000), e18(1000))
	require.NoError(t, err)
	f.m = m
	f.resolve = func(common.Address) account.Market { return m }
	return f
}

func (f *fixture) add(acct *model.AccountInfo, base, quote *big.Int) (AddLiquidityResponse, error) {
	return AddLiquidity(acct, f.resolve, AddLiquidityParams{
		Market:   f.m,
		Exchange: exchange,
		Base:     base,
		Quote:    quote,
		Risk:     testRisk(),
	})
}

func (f *fixture) remove(acct *model.AccountInfo, liquidity *big.Int, isSelf bool) (RemoveLiquidityResponse, error) {
	return RemoveLiquidity(acct, f.resolve, RemoveLiquidityParams{
		Market:    f.m,
		Exchange:  exchange,
		Liquidity: liquidity,
		Risk:      testRisk(),
		IsSelf:    isSelf,
	})
}

func funded(v *big.Int) *model.AccountInfo {
	acct := model.NewAccountInfo()
	acct.CollateralBalance = v
	return acct
}

func TestAddLiquidity_RecordsDebt(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))

	resp, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)
	assert.Equal(t, e18(100).String(), resp.Base.String())
	assert.Equal(t, e18(100).String(), resp.Quote.String())
	assert.Equal(t, e18(100).String(), resp.Liquidity.String())

	maker := acct.MakerInfos[marketAddr]
	require.NotNil(t, maker)
	assert.Equal(t, resp.Base.String(), maker.BaseDebtShare.String())
	assert.Equal(t, resp.Quote.String(), maker.QuoteDebt.String())
	assert.Equal(t, []common.Address{marketAddr}, acct.Markets)

	share, err := account.PositionShare(acct, marketAddr, f.m)
	require.NoError(t, err)
	assert.True(t, share.CmpAbs(big.NewInt(1)) <= 0, "fresh liquidity is delta neutral, got %s", share)
}

func TestAddLiquidity_Minimums(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))

	_, err := AddLiquidity(acct, f.resolve, AddLiquidityParams{
		Market: f.m, Exchange: exchange, Base: e18(10), Quote: e18(10), MinBase: e18(11), Risk: testRisk(),
	})
	assert.ErrorIs(t, err, ErrTooSmallBase)

	_, err = AddLiquidity(acct, f.resolve, AddLiquidityParams{
		Market: f.m, Exchange: exchange, Base: e18(10), Quote: e18(10), MinQuote: e18(11), Risk: testRisk(),
	})
	assert.ErrorIs(t, err, ErrTooSmallQuote)
}

func TestAddLiquidity_RequiresInitialMargin(t *testing.T) {
	f := newFixture(t)
	_, err := f.add(funded(e18(1)), e18(100), e18(100))
	assert.ErrorIs(t, err, ErrNotEnoughInitialMargin)
}

func TestRemoveLiquidity_RoundTrip(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))
	added, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)

	resp, err := f.remove(acct, added.Liquidity, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.TakerBase.Int64())
	assert.Equal(t, int64(0), resp.TakerQuote.Int64())
	assert.False(t, resp.IsLiquidation)
	assert.Empty(t, acct.Markets)
	assert.Equal(t, e18(100).String(), acct.CollateralBalance.String())
}

func TestRemoveLiquidity_LeavesTakerPosition(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))
	added, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)

	// Someone buys base from the pool; the maker ends up short.
	_, err = f.m.Swap(exchange, false, false, e18(20), false)
	require.NoError(t, err)

	resp, err := f.remove(acct, added.Liquidity, true)
	require.NoError(t, err)
	assert.True(t, resp.TakerBase.Sign() < 0)
	assert.True(t, resp.TakerQuote.Sign() > 0)

	taker := acct.TakerInfos[marketAddr]
	require.NotNil(t, taker)
	assert.Equal(t, resp.TakerBase.String(), taker.BaseBalanceShare.String())
	assert.Equal(t, []common.Address{marketAddr}, acct.Markets)
	_, hasMaker := acct.MakerInfos[marketAddr]
	assert.False(t, hasMaker, "emptied maker entry is dropped")
}

func TestRemoveLiquidity_PartialRepaysProportionally(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))
	added, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)

	half := new(big.Int).Quo(added.Liquidity, big.NewInt(2))
	_, err = f.remove(acct, half, true)
	require.NoError(t, err)

	maker := acct.MakerInfos[marketAddr]
	assert.Equal(t, e18(50).String(), maker.BaseDebtShare.String())
	assert.Equal(t, e18(50).String(), maker.QuoteDebt.String())
	assert.Equal(t, half.String(), maker.Liquidity.String())
}

func TestRemoveLiquidity_Guards(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))
	added, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)

	_, err = f.remove(acct, added.Liquidity, false)
	assert.ErrorIs(t, err, ErrEnoughMaintenance)

	_, err = f.remove(acct, new(big.Int).Add(added.Liquidity, big.NewInt(1)), true)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestAddLiquidity_BlendsSnapshot(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(1000))
	_, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)
	assert.Equal(t, 0, acct.MakerInfos[marketAddr].CumBaseSharePerLiquidityX96.Sign())

	// Index rises above mark: shorts pay, base moves into the accumulator.
	f.now += 3600
	f.feed.price = 2
	_, err = f.add(acct, e18(100), e18(100))
	require.NoError(t, err)

	nowBase, _ := f.m.CumDeleveragedPerLiquidityX96()
	held := acct.MakerInfos[marketAddr].CumBaseSharePerLiquidityX96
	require.True(t, nowBase.Sign() > 0)
	assert.True(t, held.Sign() > 0 && held.Cmp(nowBase) < 0, "blended snapshot %s should be between 0 and %s", held, nowBase)

	// The first slice keeps its accrued funding.
	pos, err := account.PositionIn(acct, marketAddr, f.m)
	require.NoError(t, err)
	delBase, _, err := f.m.LiquidityDeleveraged(acct.MakerInfos[marketAddr].Liquidity, held, fixed.Zero())
	require.NoError(t, err)
	assert.True(t, delBase.Sign() > 0)
	assert.NotNil(t, pos.Share)
}

func TestRemoveLiquidity_BooksLeftoverAtMark(t *testing.T) {
	f := newFixture(t)
	acct := funded(e18(100))
	added, err := f.add(acct, e18(100), e18(100))
	require.NoError(t, err)

	// The maker ends up short with a quote surplus, priced off mark.
	_, err = f.m.Swap(exchange, false, false, e18(20), false)
	require.NoError(t, err)
	collateral := new(big.Int).Set(acct.CollateralBalance)

	resp, err := f.remove(acct, added.Liquidity, true)
	require.NoError(t, err)
	require.True(t, fixed.OppositeSigns(resp.TakerBase, resp.TakerQuote))

	atMark, err := fixed.MulDiv(resp.TakerBase, f.m.MarkPriceX96(), fixed.Q96)
	require.NoError(t, err)
	atMark.Neg(atMark)

	taker := acct.TakerInfos[marketAddr]
	require.NotNil(t, taker)
	assert.Equal(t, atMark.String(), taker.QuoteBalance.String())
	assert.Equal(t, new(big.Int).Sub(resp.TakerQuote, atMark).String(), resp.RealizedPnL.String())
	assert.Equal(t, new(big.Int).Add(collateral, resp.RealizedPnL).String(), acct.CollateralBalance.String())
}
