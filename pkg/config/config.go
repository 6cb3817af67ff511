package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port      string
	DBPath    string
	JWTSecret string

	// Single-operator API credentials.
	APIUsername string
	APIPassword string

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Paper trading
	DryRun               bool
	DryRunInitialBalance float64
	DryRunFeeRate        float64 // decimal (e.g. 0.001 = 10 bps)
	DryRunSlippageBps    float64

	Bot BotConfig
}

// BotConfig is the YAML-driven trading configuration.
type BotConfig struct {
	Exchange   string   `yaml:"exchange"`
	QuoteAsset string   `yaml:"quote_asset"`
	Symbols    []string `yaml:"symbols"`
	Interval   string   `yaml:"interval"`
	Lookback   int      `yaml:"lookback"`

	TickInterval Duration `yaml:"tick_interval"`
	TickTimeout  Duration `yaml:"tick_timeout"`

	MaxOpenTrades int     `yaml:"max_open_trades"`
	RiskFraction  float64 `yaml:"risk_fraction"`
	StoplossPct   float64 `yaml:"stoploss_pct"`
	TrailingPct   float64 `yaml:"trailing_stop_pct"` // 0 disables trailing

	EntryTimeout Duration `yaml:"entry_timeout"`
	RetryCeiling int      `yaml:"retry_ceiling"`

	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	RateLimitMaxWait   Duration `yaml:"rate_limit_max_wait"`

	ROI []ROIStep `yaml:"roi"`

	Strategy StrategyConfig `yaml:"strategy"`
}

// ROIStep is one entry of the time-decayed take-profit table.
type ROIStep struct {
	After Duration `yaml:"after"`
	Pct   float64  `yaml:"pct"`
}

// StrategyConfig selects and parameterizes the evaluator.
type StrategyConfig struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads environment variables (optionally via .env) plus the YAML bot
// file referenced by BOT_CONFIG.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               getEnv("DB_PATH", "./data/tradebot.db"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		APIUsername:          getEnv("API_USERNAME", "admin"),
		APIPassword:          os.Getenv("API_PASSWORD"),
		BinanceAPIKey:        os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:     os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:       getEnv("BINANCE_TESTNET", "false") == "true",
		DryRun:               getEnv("DRY_RUN", "true") == "true",
		DryRunInitialBalance: getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunFeeRate:        getEnvFloat("DRY_RUN_FEE_RATE", 0.001),
		DryRunSlippageBps:    getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
	}

	botPath := getEnv("BOT_CONFIG", "./config/bot.yaml")
	bot, err := LoadBot(botPath)
	if err != nil {
		return nil, err
	}
	cfg.Bot = *bot

	return cfg, nil
}

// LoadBot reads and validates the YAML bot configuration.
func LoadBot(path string) (*BotConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bot config: %w", err)
	}

	bot := defaultBot()
	if err := yaml.Unmarshal(raw, &bot); err != nil {
		return nil, fmt.Errorf("parse bot config: %w", err)
	}
	if err := bot.Validate(); err != nil {
		return nil, fmt.Errorf("bot config: %w", err)
	}
	return &bot, nil
}

func defaultBot() BotConfig {
	return BotConfig{
		Exchange:           "binance",
		QuoteAsset:         "USDT",
		Interval:           "5m",
		Lookback:           200,
		TickInterval:       Duration(30 * time.Second),
		TickTimeout:        Duration(20 * time.Second),
		MaxOpenTrades:      3,
		RiskFraction:       0.05,
		StoplossPct:        0.05,
		EntryTimeout:       Duration(10 * time.Minute),
		RetryCeiling:       4,
		RateLimitPerMinute: 1200,
		RateLimitMaxWait:   Duration(10 * time.Second),
	}
}

// Validate rejects configurations the engine cannot run safely with.
func (b *BotConfig) Validate() error {
	if len(b.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if b.QuoteAsset == "" {
		return fmt.Errorf("quote_asset is required")
	}
	if b.MaxOpenTrades <= 0 {
		return fmt.Errorf("max_open_trades must be positive")
	}
	if b.RiskFraction <= 0 || b.RiskFraction > 1 {
		return fmt.Errorf("risk_fraction must be in (0, 1]")
	}
	if b.StoplossPct <= 0 || b.StoplossPct >= 1 {
		return fmt.Errorf("stoploss_pct must be in (0, 1)")
	}
	if b.TrailingPct < 0 || b.TrailingPct >= 1 {
		return fmt.Errorf("trailing_stop_pct must be in [0, 1)")
	}
	if b.TickInterval.Std() <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if b.TickTimeout.Std() <= 0 || b.TickTimeout.Std() > b.TickInterval.Std() {
		return fmt.Errorf("tick_timeout must be positive and not exceed tick_interval")
	}
	if b.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	for i := 1; i < len(b.ROI); i++ {
		if b.ROI[i].After.Std() <= b.ROI[i-1].After.Std() {
			return fmt.Errorf("roi steps must have strictly increasing 'after' offsets")
		}
	}
	for _, sym := range b.Symbols {
		if !strings.HasSuffix(sym, b.QuoteAsset) {
			return fmt.Errorf("symbol %s is not quoted in %s", sym, b.QuoteAsset)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
