// Package config loads the server configuration from a config file,
// environment variables (prefix PERP) and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pricelimit"
)

// DefaultSymbol is the market served when none is configured.
const DefaultSymbol = "PERP-ETH-USD"

// ErrInvalidConfig is returned for a configuration that cannot be served.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// MarketConfig describes one market to register at startup. IndexPrice,
// when set, is posted to the base feed before trading starts.
type MarketConfig struct {
	Symbol                string            `mapstructure:"symbol"`
	PoolFeeRatio          uint32            `mapstructure:"pool_fee_ratio"`
	InitialPriceTolerance uint32            `mapstructure:"initial_price_tolerance"`
	FeedDecimals          uint8             `mapstructure:"feed_decimals"`
	IndexPrice            string            `mapstructure:"index_price"`
	Funding               funding.Config    `mapstructure:"funding"`
	PriceLimit            pricelimit.Config `mapstructure:"price_limit"`
}

// DefaultMarket returns the default parameters for symbol.
func DefaultMarket(symbol string) MarketConfig {
	return MarketConfig{
		Symbol:                symbol,
		PoolFeeRatio:          market.DefaultPoolFeeRatio,
		InitialPriceTolerance: funding.DefaultInitialPriceTolerance,
		FeedDecimals:          oracle.DefaultDecimals,
		Funding:               funding.DefaultConfig(),
		PriceLimit:            pricelimit.DefaultConfig(),
	}
}

// Config holds the server configuration.
type Config struct {
	Addr          string
	LogLevel      string
	LogFile       string
	LogMaxAgeDays int

	RedisURL       string
	JournalTTL     time.Duration
	JournalChannel string

	RateLimit float64
	RateBurst int

	Exchange common.Address
	Operator common.Address
	Risk     model.RiskConfig
	Markets  []MarketConfig
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", "")
	v.SetDefault("log-max-age", 7)
	v.SetDefault("redis-url", "")
	v.SetDefault("journal-ttl", 30*time.Second)
	v.SetDefault("journal-channel", "perp:journal")
	v.SetDefault("rate-limit", 50.0)
	v.SetDefault("rate-burst", 100)
	v.SetDefault("exchange", "0x000000000000000000000000000000000000e0e0")
	v.SetDefault("operator", "0x0000000000000000000000000000000000000001")

	risk := ledger.DefaultRiskConfig()
	v.SetDefault("risk.im_ratio", risk.ImRatio)
	v.SetDefault("risk.mm_ratio", risk.MmRatio)
	v.SetDefault("risk.liquidation_reward.reward_ratio", risk.LiquidationRewardConfig.RewardRatio)
	v.SetDefault("risk.liquidation_reward.smooth_ema_time", risk.LiquidationRewardConfig.SmoothEmaTime)
	v.SetDefault("risk.protocol_fee_ratio", risk.ProtocolFeeRatio)
	v.SetDefault("risk.max_markets_per_account", risk.MaxMarketsPerAccount)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	exchange, err := parseAddress(v, "exchange")
	if err != nil {
		return Config{}, err
	}
	operator, err := parseAddress(v, "operator")
	if err != nil {
		return Config{}, err
	}
	markets, err := decodeMarkets(v.Get("markets"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:           v.GetString("addr"),
		LogLevel:       v.GetString("log-level"),
		LogFile:        v.GetString("log-file"),
		LogMaxAgeDays:  v.GetInt("log-max-age"),
		RedisURL:       v.GetString("redis-url"),
		JournalTTL:     v.GetDuration("journal-ttl"),
		JournalChannel: v.GetString("journal-channel"),
		RateLimit:      v.GetFloat64("rate-limit"),
		RateBurst:      v.GetInt("rate-burst"),
		Exchange:       exchange,
		Operator:       operator,
		Risk: model.RiskConfig{
			ImRatio: v.GetUint32("risk.im_ratio"),
			MmRatio: v.GetUint32("risk.mm_ratio"),
			LiquidationRewardConfig: model.LiquidationRewardConfig{
				RewardRatio:   v.GetUint32("risk.liquidation_reward.reward_ratio"),
				SmoothEmaTime: v.GetUint32("risk.liquidation_reward.smooth_ema_time"),
			},
			ProtocolFeeRatio:     v.GetUint32("risk.protocol_fee_ratio"),
			MaxMarketsPerAccount: v.GetInt("risk.max_markets_per_account"),
		},
		Markets: markets,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the risk parameters and every market entry.
func (c Config) Validate() error {
	if err := ledger.ValidateRiskConfig(c.Risk); err != nil {
		return err
	}
	if c.Exchange == c.Operator {
		return fmt.Errorf("%w: exchange and operator share address %s", ErrInvalidConfig, c.Exchange.Hex())
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		sym, err := contract.ParseSymbol(m.Symbol)
		if err != nil {
			return err
		}
		if seen[sym.Symbol] {
			return fmt.Errorf("%w: duplicate market %s", ErrInvalidConfig, sym.Symbol)
		}
		seen[sym.Symbol] = true
		if m.PoolFeeRatio > market.MaxPoolFeeRatio {
			return fmt.Errorf("%w: %s pool fee ratio %d", ErrInvalidConfig, sym.Symbol, m.PoolFeeRatio)
		}
		if err := m.Funding.Validate(); err != nil {
			return fmt.Errorf("%s: %w", sym.Symbol, err)
		}
		if err := m.PriceLimit.Validate(); err != nil {
			return fmt.Errorf("%s: %w", sym.Symbol, err)
		}
		if m.IndexPrice != "" {
			if _, err := m.Index(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Index parses IndexPrice. A blank price is zero.
func (m MarketConfig) Index() (decimal.Decimal, error) {
	if strings.TrimSpace(m.IndexPrice) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(m.IndexPrice))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s index price %q", ErrInvalidConfig, m.Symbol, m.IndexPrice)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s index price must be positive", ErrInvalidConfig, m.Symbol)
	}
	return d, nil
}

func parseAddress(v *viper.Viper, key string) (common.Address, error) {
	s := strings.TrimSpace(v.GetString(key))
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", ErrInvalidConfig, key, s)
	}
	return common.HexToAddress(s), nil
}

// decodeMarkets decodes each entry over DefaultMarket so that omitted
// fields keep their defaults.
func decodeMarkets(raw interface{}) ([]MarketConfig, error) {
	items, _ := raw.([]interface{})
	if len(items) == 0 {
		return []MarketConfig{DefaultMarket(DefaultSymbol)}, nil
	}

	out := make([]MarketConfig, 0, len(items))
	for i, item := range items {
		m := DefaultMarket("")
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &m,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(item); err != nil {
			return nil, fmt.Errorf("%w: markets[%d]: %v", ErrInvalidConfig, i, err)
		}
		m.Symbol = strings.ToUpper(strings.TrimSpace(m.Symbol))
		out = append(out, m)
	}
	return out, nil
}
