package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/pricelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.JournalTTL)
	assert.Equal(t, "perp:journal", cfg.JournalChannel)
	assert.Equal(t, ledger.DefaultRiskConfig(), cfg.Risk)
	assert.Equal(t, common.HexToAddress("0x1"), cfg.Operator)

	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, DefaultMarket(DefaultSymbol), cfg.Markets[0])
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
operator: "0x00000000000000000000000000000000000000aa"
risk:
  im_ratio: 200000
  mm_ratio: 100000
  protocol_fee_ratio: 500
markets:
  - symbol: perp-btc-usd
    pool_fee_ratio: 1000
    index_price: 65000.5
    price_limit:
      normal_order_ratio: 60000
  - symbol: PERP-ETH-USD
    feed_decimals: 8
    funding:
      max_premium_ratio: 5000
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Operator)
	assert.EqualValues(t, 200000, cfg.Risk.ImRatio)
	assert.EqualValues(t, 100000, cfg.Risk.MmRatio)
	assert.EqualValues(t, 500, cfg.Risk.ProtocolFeeRatio)
	assert.EqualValues(t, ledger.DefaultRewardRatio, cfg.Risk.LiquidationRewardConfig.RewardRatio)

	require.Len(t, cfg.Markets, 2)
	btc := cfg.Markets[0]
	assert.Equal(t, "PERP-BTC-USD", btc.Symbol)
	assert.EqualValues(t, 1000, btc.PoolFeeRatio)
	assert.EqualValues(t, 60000, btc.PriceLimit.NormalOrderRatio)
	assert.Equal(t, pricelimit.DefaultConfig().LiquidationRatio, btc.PriceLimit.LiquidationRatio)
	assert.Equal(t, funding.DefaultConfig(), btc.Funding)
	index, err := btc.Index()
	require.NoError(t, err)
	assert.True(t, index.Equal(decimal.RequireFromString("65000.5")), index.String())

	eth := cfg.Markets[1]
	assert.EqualValues(t, 8, eth.FeedDecimals)
	assert.EqualValues(t, 5000, eth.Funding.MaxPremiumRatio)
	assert.Equal(t, funding.DefaultConfig().RolloverSec, eth.Funding.RolloverSec)
	index, err = eth.Index()
	require.NoError(t, err)
	assert.True(t, index.IsZero())
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("PERP_RISK_IM_RATIO", "300000")
	t.Setenv("PERP_LOG_LEVEL", "debug")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.String("addr", ":8080", "listen address")
	require.NoError(t, flags.Parse([]string{"--addr=:7070"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.EqualValues(t, 300000, cfg.Risk.ImRatio)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":7070", cfg.Addr)
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "mm above im",
			body: "risk:\n  im_ratio: 50000\n  mm_ratio: 60000\n",
			want: ledger.ErrInvalidRiskConfig,
		},
		{
			name: "bad symbol",
			body: "markets:\n  - symbol: ETH-USD\n",
			want: contract.ErrInvalidSymbol,
		},
		{
			name: "duplicate market",
			body: "markets:\n  - symbol: PERP-ETH-USD\n  - symbol: perp-eth-usd\n",
			want: ErrInvalidConfig,
		},
		{
			name: "bad operator",
			body: "operator: alice\n",
			want: ErrInvalidConfig,
		},
		{
			name: "operator is exchange",
			body: "operator: \"0x000000000000000000000000000000000000e0e0\"\n",
			want: ErrInvalidConfig,
		},
		{
			name: "pool fee too high",
			body: "markets:\n  - symbol: PERP-ETH-USD\n    pool_fee_ratio: 60000\n",
			want: ErrInvalidConfig,
		},
		{
			name: "negative index price",
			body: "markets:\n  - symbol: PERP-ETH-USD\n    index_price: -1\n",
			want: ErrInvalidConfig,
		},
		{
			name: "funding rate reaches 100%",
			body: "markets:\n  - symbol: PERP-ETH-USD\n    funding:\n      max_premium_ratio: 500000\n      max_elapsed_sec: 200000\n",
			want: funding.ErrInvalidConfig,
		},
		{
			name: "price limit ratios",
			body: "markets:\n  - symbol: PERP-ETH-USD\n    price_limit:\n      normal_order_ratio: 200000\n",
			want: pricelimit.ErrInvalidConfig,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}
