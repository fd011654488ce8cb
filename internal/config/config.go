// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
//
// Every component receives one validated, fully-enumerated struct at
// startup. Unknown keys in the file are rejected at load time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Store      StoreConfig      `mapstructure:"store"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds venue-A credentials and endpoints.
// PrivateKey signs the EIP-712 derive request for L2 credentials; if the
// ApiKey/ApiSecret/ApiPassphrase triplet is present, derivation is skipped.
// SignatureType selects which on-chain balance funds orders:
// 0 = EOA, 1 = proxy wallet, 2 = Gnosis Safe.
type PolymarketConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	ApiKey        string `mapstructure:"api_key"`
	ApiSecret     string `mapstructure:"api_secret"`
	ApiPassphrase string `mapstructure:"api_passphrase"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	SignatureType int    `mapstructure:"signature_type"`
	RESTBaseURL   string `mapstructure:"rest_base_url"`
	DataBaseURL   string `mapstructure:"data_base_url"`
	WSURL         string `mapstructure:"ws_url"`
}

// KalshiConfig holds venue-B credentials and endpoints. Exactly one of
// PrivateKeyPem / PrivateKeyPath must be set; Environment selects the demo
// or production host when Host is empty.
type KalshiConfig struct {
	ApiKeyID       string `mapstructure:"api_key_id"`
	PrivateKeyPem  string `mapstructure:"private_key_pem"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Environment    string `mapstructure:"environment"` // "demo" or "prod"
	Host           string `mapstructure:"host"`
	WSURL          string `mapstructure:"ws_url"`
	Tier           string `mapstructure:"tier"` // rate-limit tier: basic, advanced, premier
}

// RiskConfig sets the hard limits enforced by the risk core.
type RiskConfig struct {
	MaxPositionSizeUsd      float64       `mapstructure:"max_position_size_usd"`
	MaxTotalExposureUsd     float64       `mapstructure:"max_total_exposure_usd"`
	MaxDailyLossUsd         float64       `mapstructure:"max_daily_loss_usd"`
	MaxDrawdownPct          float64       `mapstructure:"max_drawdown_pct"`
	MinArbitrageSpreadBps   float64       `mapstructure:"min_arbitrage_spread_bps"`
	CrossPlatformBuffer     float64       `mapstructure:"cross_platform_spread_buffer"`
	PolymarketTakerFeeRate  float64       `mapstructure:"polymarket_taker_fee_rate"`
	KalshiTakerFeeRate      float64       `mapstructure:"kalshi_taker_fee_rate"`
	ApiErrorRateThreshold   float64       `mapstructure:"api_error_rate_threshold"`
	ApiErrorWindow          time.Duration `mapstructure:"api_error_window"`
	KillSwitchCheckInterval time.Duration `mapstructure:"kill_switch_check_interval"`
}

// TradingConfig controls execution behavior.
type TradingConfig struct {
	PaperTrading        bool          `mapstructure:"paper_trading"`
	PaperTradingBalance float64       `mapstructure:"paper_trading_balance"`
	ExecutionTimeout    time.Duration `mapstructure:"execution_timeout"`
	UnwindTimeout       time.Duration `mapstructure:"unwind_timeout"`
	OrderRetryAttempts  int           `mapstructure:"order_retry_attempts"`
	OrderRetryDelay     time.Duration `mapstructure:"order_retry_delay"`
	MaxSlippagePct      float64       `mapstructure:"max_slippage_pct"`
	MinConfidence       float64       `mapstructure:"min_confidence"`
	CooldownAfterExec   time.Duration `mapstructure:"cooldown_after_execution"`
}

// FeaturesConfig toggles detectors and strategies.
type FeaturesConfig struct {
	EnableCrossPlatformArb  bool `mapstructure:"enable_cross_platform_arb"`
	EnableSinglePlatformArb bool `mapstructure:"enable_single_platform_arb"`
	EnableWebSocket         bool `mapstructure:"enable_websocket"`
	EnableProbabilitySum    bool `mapstructure:"enable_probability_sum"`
	EnableEndgame           bool `mapstructure:"enable_endgame"`
	EnableMomentum          bool `mapstructure:"enable_momentum"`
	EnableMeanReversion     bool `mapstructure:"enable_mean_reversion"`
	EnableImbalance         bool `mapstructure:"enable_imbalance"`
}

// StrategiesConfig tunes the individual strategy detectors.
type StrategiesConfig struct {
	// Probability sum: emit when ask(YES)+ask(NO) < 1 − SumThresholdPct/100.
	SumThresholdPct float64 `mapstructure:"sum_threshold_pct"`

	// Endgame: near-resolution carry trades.
	EndgameMinHours      float64 `mapstructure:"endgame_min_hours"`
	EndgameMaxHours      float64 `mapstructure:"endgame_max_hours"`
	EndgameMinProb       float64 `mapstructure:"endgame_min_prob"`
	EndgameMaxProb       float64 `mapstructure:"endgame_max_prob"`
	EndgameMinAnnualized float64 `mapstructure:"endgame_min_annualized_pct"`

	// Momentum / mean reversion / imbalance thresholds. The z-score
	// bounds are magnitudes: mean reversion buys at z ≤ −Low and sells
	// at z ≥ +High.
	MomentumThreshold   float64       `mapstructure:"momentum_threshold"`
	ChangePctThreshold  float64       `mapstructure:"change_pct_threshold"`
	MeanRevZScoreLow    float64       `mapstructure:"mean_rev_zscore_low"`
	MeanRevZScoreHigh   float64       `mapstructure:"mean_rev_zscore_high"`
	ImbalanceRatio      float64       `mapstructure:"imbalance_ratio"`
	DefaultOrderSizeUsd float64       `mapstructure:"default_order_size_usd"`
	SignalTTL           time.Duration `mapstructure:"signal_ttl"`
	SignalCooldown      time.Duration `mapstructure:"signal_cooldown"`
	PostTradeCooldown   time.Duration `mapstructure:"post_trade_cooldown"`
}

// MarketDataConfig tunes the market data plane.
type MarketDataConfig struct {
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ScanDebounce     time.Duration `mapstructure:"scan_debounce"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	TopMarkets       int           `mapstructure:"top_markets"`
}

// MatcherConfig tunes cross-venue market matching.
type MatcherConfig struct {
	MinJaccard        float64 `mapstructure:"min_jaccard"`
	MaxCandidates     int     `mapstructure:"max_candidates"`
	MaxEndDateGapDays int     `mapstructure:"max_end_date_gap_days"`
	MinConfidence     float64 `mapstructure:"min_confidence"`
}

// StoreConfig sets where the execution log is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig controls the command/observation HTTP surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_POLY_PRIVATE_KEY, ARB_POLY_API_KEY,
// ARB_POLY_API_SECRET, ARB_POLY_PASSPHRASE, ARB_KALSHI_API_KEY_ID,
// ARB_KALSHI_PRIVATE_KEY_PEM.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	// UnmarshalExact rejects unknown keys so a typo in the YAML fails loudly
	// instead of silently falling back to a default.
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_POLY_PRIVATE_KEY"); key != "" {
		cfg.Polymarket.PrivateKey = key
	}
	if key := os.Getenv("ARB_POLY_API_KEY"); key != "" {
		cfg.Polymarket.ApiKey = key
	}
	if secret := os.Getenv("ARB_POLY_API_SECRET"); secret != "" {
		cfg.Polymarket.ApiSecret = secret
	}
	if pass := os.Getenv("ARB_POLY_PASSPHRASE"); pass != "" {
		cfg.Polymarket.ApiPassphrase = pass
	}
	if id := os.Getenv("ARB_KALSHI_API_KEY_ID"); id != "" {
		cfg.Kalshi.ApiKeyID = id
	}
	if pem := os.Getenv("ARB_KALSHI_PRIVATE_KEY_PEM"); pem != "" {
		cfg.Kalshi.PrivateKeyPem = pem
	}
	if os.Getenv("ARB_PAPER_TRADING") == "true" || os.Getenv("ARB_PAPER_TRADING") == "1" {
		cfg.Trading.PaperTrading = true
	}

	return &cfg, nil
}

// setDefaults applies the documented default for every optional knob.
func setDefaults(v *viper.Viper) {
	v.SetDefault("polymarket.chain_id", 137)
	v.SetDefault("polymarket.signature_type", 0)
	v.SetDefault("polymarket.rest_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.data_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")

	v.SetDefault("kalshi.environment", "demo")
	v.SetDefault("kalshi.ws_url", "")
	v.SetDefault("kalshi.tier", "basic")

	v.SetDefault("risk.max_position_size_usd", 5.0)
	v.SetDefault("risk.max_total_exposure_usd", 10.0)
	v.SetDefault("risk.max_daily_loss_usd", 2.0)
	v.SetDefault("risk.max_drawdown_pct", 10.0)
	v.SetDefault("risk.min_arbitrage_spread_bps", 5.0)
	v.SetDefault("risk.cross_platform_spread_buffer", 0.15)
	v.SetDefault("risk.polymarket_taker_fee_rate", 0.0)
	v.SetDefault("risk.kalshi_taker_fee_rate", 0.0)
	v.SetDefault("risk.api_error_rate_threshold", 0.5)
	v.SetDefault("risk.api_error_window", time.Minute)
	v.SetDefault("risk.kill_switch_check_interval", 100*time.Millisecond)

	v.SetDefault("trading.paper_trading", true)
	v.SetDefault("trading.paper_trading_balance", 10000.0)
	v.SetDefault("trading.execution_timeout", 5*time.Second)
	v.SetDefault("trading.unwind_timeout", 10*time.Second)
	v.SetDefault("trading.order_retry_attempts", 3)
	v.SetDefault("trading.order_retry_delay", time.Second)
	v.SetDefault("trading.max_slippage_pct", 2.0)
	v.SetDefault("trading.min_confidence", 0.3)
	v.SetDefault("trading.cooldown_after_execution", 30*time.Second)

	v.SetDefault("features.enable_cross_platform_arb", true)
	v.SetDefault("features.enable_single_platform_arb", true)
	v.SetDefault("features.enable_websocket", true)
	v.SetDefault("features.enable_probability_sum", true)
	v.SetDefault("features.enable_endgame", true)
	v.SetDefault("features.enable_momentum", false)
	v.SetDefault("features.enable_mean_reversion", false)
	v.SetDefault("features.enable_imbalance", false)

	v.SetDefault("strategies.sum_threshold_pct", 0.3)
	v.SetDefault("strategies.endgame_min_hours", 1.0)
	v.SetDefault("strategies.endgame_max_hours", 72.0)
	v.SetDefault("strategies.endgame_min_prob", 0.70)
	v.SetDefault("strategies.endgame_max_prob", 0.98)
	v.SetDefault("strategies.endgame_min_annualized_pct", 50.0)
	v.SetDefault("strategies.momentum_threshold", 0.05)
	v.SetDefault("strategies.change_pct_threshold", 2.0)
	v.SetDefault("strategies.mean_rev_zscore_low", 1.5)
	v.SetDefault("strategies.mean_rev_zscore_high", 3.0)
	v.SetDefault("strategies.imbalance_ratio", 3.0)
	v.SetDefault("strategies.default_order_size_usd", 5.0)
	v.SetDefault("strategies.signal_ttl", 30*time.Second)
	v.SetDefault("strategies.signal_cooldown", time.Minute)
	v.SetDefault("strategies.post_trade_cooldown", 5*time.Minute)

	v.SetDefault("marketdata.cache_ttl", 10*time.Second)
	v.SetDefault("marketdata.debounce_interval", 100*time.Millisecond)
	v.SetDefault("marketdata.poll_interval", 30*time.Second)
	v.SetDefault("marketdata.scan_debounce", 500*time.Millisecond)
	v.SetDefault("marketdata.watchdog_interval", 60*time.Second)
	v.SetDefault("marketdata.top_markets", 20)

	v.SetDefault("matcher.min_jaccard", 0.3)
	v.SetDefault("matcher.max_candidates", 50)
	v.SetDefault("matcher.max_end_date_gap_days", 7)
	v.SetDefault("matcher.min_confidence", 0.8)

	v.SetDefault("store.path", "data/executions.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Trading.PaperTrading {
		if c.Polymarket.PrivateKey == "" {
			return fmt.Errorf("polymarket.private_key is required for live trading (set ARB_POLY_PRIVATE_KEY)")
		}
		if c.Kalshi.ApiKeyID == "" {
			return fmt.Errorf("kalshi.api_key_id is required for live trading (set ARB_KALSHI_API_KEY_ID)")
		}
		if c.Kalshi.PrivateKeyPem == "" && c.Kalshi.PrivateKeyPath == "" {
			return fmt.Errorf("one of kalshi.private_key_pem or kalshi.private_key_path is required for live trading")
		}
	}
	switch c.Polymarket.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("polymarket.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS)")
	}
	if c.Polymarket.SignatureType != 0 && c.Polymarket.FunderAddress == "" {
		return fmt.Errorf("polymarket.funder_address is required when polymarket.signature_type is 1 or 2")
	}
	switch c.Kalshi.Environment {
	case "demo", "prod":
	default:
		return fmt.Errorf("kalshi.environment must be demo or prod")
	}
	if c.Risk.MaxPositionSizeUsd <= 0 {
		return fmt.Errorf("risk.max_position_size_usd must be > 0")
	}
	if c.Risk.MaxTotalExposureUsd < c.Risk.MaxPositionSizeUsd {
		return fmt.Errorf("risk.max_total_exposure_usd must be >= risk.max_position_size_usd")
	}
	if c.Risk.MaxDailyLossUsd <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct > 100 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 100]")
	}
	if c.Risk.CrossPlatformBuffer < 0 || c.Risk.CrossPlatformBuffer >= 1 {
		return fmt.Errorf("risk.cross_platform_spread_buffer must be in [0, 1)")
	}
	if c.Trading.MaxSlippagePct < 0 {
		return fmt.Errorf("trading.max_slippage_pct must be >= 0")
	}
	if c.Strategies.EndgameMinHours <= 0 || c.Strategies.EndgameMaxHours <= c.Strategies.EndgameMinHours {
		return fmt.Errorf("strategies.endgame_max_hours must exceed strategies.endgame_min_hours > 0")
	}
	if c.Matcher.MinConfidence < 0 || c.Matcher.MinConfidence > 1 {
		return fmt.Errorf("matcher.min_confidence must be in [0, 1]")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port")
	}
	return nil
}

// KalshiHost resolves the REST host from Host/Environment.
func (c *Config) KalshiHost() string {
	if c.Kalshi.Host != "" {
		return c.Kalshi.Host
	}
	if c.Kalshi.Environment == "prod" {
		return "https://api.elections.kalshi.com"
	}
	return "https://demo-api.kalshi.co"
}

// KalshiWSURL resolves the WebSocket endpoint.
func (c *Config) KalshiWSURL() string {
	if c.Kalshi.WSURL != "" {
		return c.Kalshi.WSURL
	}
	if c.Kalshi.Environment == "prod" {
		return "wss://api.elections.kalshi.com/trade-api/ws/v2"
	}
	return "wss://demo-api.kalshi.co/trade-api/ws/v2"
}
