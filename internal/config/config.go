// Package config defines all configuration for the band keeper.
// Config is loaded from a YAML file (default: configs/keeper.yaml) with
// sensitive fields overridable via KEEPER_* environment variables.
//
// The bands document is configured separately (bands.path) and hot-reloads
// while the keeper runs; see Watcher.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Pair     PairConfig     `mapstructure:"pair"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Bands    BandsConfig    `mapstructure:"bands"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PairConfig names the traded pair. Base is the token being priced, Quote
// the token prices are denominated in.
type PairConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// ExchangeConfig holds the venue connection settings.
type ExchangeConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// FeedConfig describes the reference price sources.
//
//   - Sources: comma-separated feed chain, tried in order. Elements:
//     fixed:<price>, file:<path>, ws(s)://<url>, <pair>-setzer, <pair>-tub,
//     or a name registered under Named.
//   - Expiry: readings older than this make the feed unavailable and the
//     keeper idle.
//   - SetzerCommand: external pricing binary for -setzer sources.
//   - EthRPCURL and Oracles serve -tub on-chain sources; oracle addresses
//     are keyed by pair name.
type FeedConfig struct {
	Sources       string            `mapstructure:"sources"`
	Expiry        time.Duration     `mapstructure:"expiry"`
	SetzerCommand string            `mapstructure:"setzer_command"`
	ShellInterval time.Duration     `mapstructure:"shell_interval"`
	EthRPCURL     string            `mapstructure:"eth_rpc_url"`
	Oracles       map[string]string `mapstructure:"oracles"`
	PollInterval  time.Duration     `mapstructure:"poll_interval"`
	Named         map[string]string `mapstructure:"named"`
}

// BandsConfig locates the hot-reloaded bands document.
type BandsConfig struct {
	Path         string        `mapstructure:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// KeeperConfig tunes the control loop.
//
//   - CycleInterval: how often the keeper evaluates the book.
//   - DispatchTimeout: per-call deadline for exchange actions.
//   - MaxParallel: concurrent exchange actions per phase.
//   - InflightCycles: cycles an unconfirmed action stays in the book view.
//   - MaxConsecutiveFailures: permanent-failure streak before giving up.
//   - FeedOutageLimit: continuous feed unavailability before the keeper
//     fails closed (cancels everything and exits). Zero disables.
//   - PriceFloor: reference price below which the keeper drains. Empty
//     disables.
//   - MinBuyBalance / MinSellBalance: pre-start balance floors; starting
//     below either aborts as unsafe. Empty disables.
type KeeperConfig struct {
	CycleInterval          time.Duration `mapstructure:"cycle_interval"`
	DispatchTimeout        time.Duration `mapstructure:"dispatch_timeout"`
	MaxParallel            int           `mapstructure:"max_parallel"`
	InflightCycles         int           `mapstructure:"inflight_cycles"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	FeedOutageLimit        time.Duration `mapstructure:"feed_outage_limit"`
	PriceFloor             string        `mapstructure:"price_floor"`
	MinBuyBalance          string        `mapstructure:"min_buy_balance"`
	MinSellBalance         string        `mapstructure:"min_sell_balance"`
}

// HistoryConfig controls the order book reporter. Disabled when URL is
// empty.
type HistoryConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KEEPER_API_KEY, KEEPER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KEEPER_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("KEEPER_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if os.Getenv("KEEPER_DRY_RUN") == "true" || os.Getenv("KEEPER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.Timeout <= 0 {
		c.Exchange.Timeout = 10 * time.Second
	}
	if c.Feed.Expiry <= 0 {
		c.Feed.Expiry = 2 * time.Minute
	}
	if c.Bands.PollInterval <= 0 {
		c.Bands.PollInterval = 5 * time.Second
	}
	if c.Keeper.CycleInterval <= 0 {
		c.Keeper.CycleInterval = 10 * time.Second
	}
	if c.Keeper.DispatchTimeout <= 0 {
		c.Keeper.DispatchTimeout = 30 * time.Second
	}
	if c.Keeper.MaxParallel <= 0 {
		c.Keeper.MaxParallel = 4
	}
	if c.Keeper.InflightCycles <= 0 {
		c.Keeper.InflightCycles = 10
	}
	if c.Keeper.MaxConsecutiveFailures <= 0 {
		c.Keeper.MaxConsecutiveFailures = 10
	}
	if c.History.URL != "" && c.History.Interval <= 0 {
		c.History.Interval = 30 * time.Second
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Pair.Base == "" || c.Pair.Quote == "" {
		return fmt.Errorf("pair.base and pair.quote are required")
	}
	if strings.EqualFold(c.Pair.Base, c.Pair.Quote) {
		return fmt.Errorf("pair.base and pair.quote must differ")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if !c.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required (set KEEPER_API_KEY / KEEPER_API_SECRET)")
	}
	if c.Feed.Sources == "" {
		return fmt.Errorf("feed.sources is required")
	}
	if c.Bands.Path == "" {
		return fmt.Errorf("bands.path is required")
	}
	for name, value := range map[string]string{
		"keeper.price_floor":      c.Keeper.PriceFloor,
		"keeper.min_buy_balance":  c.Keeper.MinBuyBalance,
		"keeper.min_sell_balance": c.Keeper.MinSellBalance,
	} {
		if value == "" {
			continue
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func parseOptionalDecimal(value string) (decimal.Decimal, bool) {
	if value == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// BalanceFloors returns the parsed pre-start balance floors. A missing
// floor defaults to zero. Call Validate first.
func (c *Config) BalanceFloors() (buy, sell decimal.Decimal) {
	buy, _ = parseOptionalDecimal(c.Keeper.MinBuyBalance)
	sell, _ = parseOptionalDecimal(c.Keeper.MinSellBalance)
	return buy, sell
}

// PriceFloorDecimal returns the parsed price floor and whether one is set.
// Call Validate first.
func (c *Config) PriceFloorDecimal() (decimal.Decimal, bool) {
	return parseOptionalDecimal(c.Keeper.PriceFloor)
}
