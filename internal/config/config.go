// Package config loads settlementd configuration from an optional YAML file
// and SETTLEMENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pairs"
)

// EnvPrefix prefixes every environment override, e.g. SETTLEMENT_HTTP_ADDR.
const EnvPrefix = "SETTLEMENT"

type Config struct {
	Env         string            `mapstructure:"env"`
	Log         LogConfig         `mapstructure:"log"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Bots        BotConfig         `mapstructure:"bots"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Pairs       []model.Pair      `mapstructure:"pairs"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects the ledger and order store. An empty URL runs on
// in-memory stores.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the quote and position caches when URL is set.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	QuoteTTL    time.Duration `mapstructure:"quote_ttl"`
	MaxStale    time.Duration `mapstructure:"max_stale"`
	PositionTTL time.Duration `mapstructure:"position_ttl"`
}

type RegistryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MarketDataConfig configures the REST quote provider.
type MarketDataConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

type SettlementConfig struct {
	FeeAccount          string          `mapstructure:"fee_account"`
	LiquidityAccount    string          `mapstructure:"liquidity_account"`
	StopSlippagePercent decimal.Decimal `mapstructure:"stop_slippage_percent"`
	// Net position caps in base units; zero disables a cap.
	MaxPositionPerPair decimal.Decimal `mapstructure:"max_position_per_pair"`
	MaxCorrelated      decimal.Decimal `mapstructure:"max_correlated"`
}

type BotConfig struct {
	PerTradeCap decimal.Decimal `mapstructure:"per_trade_cap"`
	Parallelism int             `mapstructure:"parallelism"`
}

type ReplicationConfig struct {
	Parallelism int           `mapstructure:"parallelism"`
	Lookback    time.Duration `mapstructure:"lookback"`
}

type SchedulerConfig struct {
	SettleInterval      time.Duration `mapstructure:"settle_interval"`
	BotInterval         time.Duration `mapstructure:"bot_interval"`
	ReplicationInterval time.Duration `mapstructure:"replication_interval"`
}

// Load reads path (if non-empty and present), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultPairs()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.quote_ttl", "5s")
	v.SetDefault("redis.max_stale", "2m")
	v.SetDefault("redis.position_ttl", "30s")
	v.SetDefault("registry.dsn", "file:settlement-registry.db")
	v.SetDefault("market_data.base_url", "https://api.binance.com/api/v3")
	v.SetDefault("market_data.rate_limit", 10)
	v.SetDefault("market_data.burst", 5)
	v.SetDefault("market_data.timeout", "10s")
	v.SetDefault("market_data.max_retries", 3)
	v.SetDefault("market_data.backoff_base", "1s")
	v.SetDefault("settlement.fee_account", "platform-fees")
	v.SetDefault("settlement.liquidity_account", "")
	v.SetDefault("settlement.stop_slippage_percent", "1")
	v.SetDefault("settlement.max_position_per_pair", "0")
	v.SetDefault("settlement.max_correlated", "0")
	v.SetDefault("bots.per_trade_cap", "0.1")
	v.SetDefault("bots.parallelism", 4)
	v.SetDefault("replication.parallelism", 8)
	v.SetDefault("replication.lookback", "1h")
	v.SetDefault("scheduler.settle_interval", "2s")
	v.SetDefault("scheduler.bot_interval", "1m")
	v.SetDefault("scheduler.replication_interval", "5s")
}

// DefaultPairs is used when no pairs are configured.
func DefaultPairs() []model.Pair {
	mk := func(symbol, minSize, maxSize string) model.Pair {
		return model.Pair{
			Symbol:            symbol,
			Active:            true,
			MinOrderSize:      decimal.RequireFromString(minSize),
			MaxOrderSize:      decimal.RequireFromString(maxSize),
			PricePrecision:    2,
			QuantityPrecision: 8,
			FeePercentage:     decimal.RequireFromString("0.1"),
		}
	}
	return []model.Pair{
		mk("BTC/USDT", "0.0001", "100"),
		mk("ETH/USDT", "0.001", "1000"),
		mk("SOL/USDT", "0.01", "10000"),
	}
}

// Validate checks the settings the services cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Settlement.FeeAccount) == "" {
		return errors.New("config: settlement.fee_account is required")
	}
	if c.Settlement.StopSlippagePercent.IsNegative() {
		return errors.New("config: settlement.stop_slippage_percent must not be negative")
	}
	if !c.Bots.PerTradeCap.IsPositive() || c.Bots.PerTradeCap.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: bots.per_trade_cap %s not in (0, 1]", c.Bots.PerTradeCap)
	}
	if c.Replication.Parallelism < 1 || c.Bots.Parallelism < 1 {
		return errors.New("config: parallelism must be at least 1")
	}
	if _, err := pairs.NewCatalog(c.Pairs); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	}
	return data, nil
}
