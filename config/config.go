package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RiskLimits immutable per-run risk policy
type RiskLimits struct {
	MaxPositionSizePct   float64 `json:"max_position_size_pct" yaml:"max_position_size_pct" default:"10" validate:"gt=0,lte=100"`
	MaxPortfolioHeatPct  float64 `json:"max_portfolio_heat_pct" yaml:"max_portfolio_heat_pct" default:"25" validate:"gt=0,lte=100"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct" default:"5" validate:"gt=0,lte=100"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct" default:"15" validate:"gt=0,lte=100"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses" default:"3" validate:"gte=1"`
	MaxLeverage          int     `json:"max_leverage" yaml:"max_leverage" default:"5" validate:"gte=1,lte=50"`
	MaxOpenPositions     int     `json:"max_open_positions" yaml:"max_open_positions" default:"3" validate:"gte=1"`
	MinConfidence        float64 `json:"min_confidence" yaml:"min_confidence" default:"65" validate:"gte=0,lte=100"`
	MinRiskReward        float64 `json:"min_risk_reward" yaml:"min_risk_reward" default:"1.5" validate:"gte=0"`
	CooldownMinutes      int     `json:"cooldown_minutes" yaml:"cooldown_minutes" default:"60" validate:"gte=1"`
	MaxOrderSizeUSD      float64 `json:"max_order_size_usd" yaml:"max_order_size_usd" default:"50000" validate:"gt=0"`
	MinOrderSizeUSD      float64 `json:"min_order_size_usd" yaml:"min_order_size_usd" default:"10" validate:"gte=0"`
	MaxSlippagePct       float64 `json:"max_slippage_pct" yaml:"max_slippage_pct" default:"0.5" validate:"gt=0,lte=10"`
}

// Cooldown returns the breaker cooldown as a duration
func (r RiskLimits) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// AdvisorConfig OpenAI-compatible advisory endpoint
type AdvisorConfig struct {
	Provider       string `json:"provider" yaml:"provider" default:"openrouter" validate:"oneof=openrouter groq deepseek qwen custom"`
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" default:"30" validate:"gte=1,lte=120"`
}

// Enabled reports whether an advisory service is configured at all
func (a AdvisorConfig) Enabled() bool {
	return a.APIKey != ""
}

// Timeout returns the per-call advisory timeout
func (a AdvisorConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// AgentConfig configuration for a single trading agent
type AgentConfig struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	Name    string `json:"name" yaml:"name" validate:"required"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Symbol  string `json:"symbol" yaml:"symbol" default:"BTC" validate:"required"`

	// Exchange selection: "hyperliquid", "binance" or "paper"
	Exchange string `json:"exchange" yaml:"exchange" default:"paper" validate:"oneof=hyperliquid binance paper"`

	// Hyperliquid configuration
	HyperliquidPrivateKey string `json:"hyperliquid_private_key,omitempty" yaml:"hyperliquid_private_key,omitempty"`
	HyperliquidWalletAddr string `json:"hyperliquid_wallet_addr,omitempty" yaml:"hyperliquid_wallet_addr,omitempty"`
	HyperliquidTestnet    bool   `json:"hyperliquid_testnet,omitempty" yaml:"hyperliquid_testnet,omitempty"`

	// Binance USDⓈ-M futures configuration
	BinanceAPIKey    string `json:"binance_api_key,omitempty" yaml:"binance_api_key,omitempty"`
	BinanceSecretKey string `json:"binance_secret_key,omitempty" yaml:"binance_secret_key,omitempty"`
	BinanceTestnet   bool   `json:"binance_testnet,omitempty" yaml:"binance_testnet,omitempty"`

	InitialBalance      float64 `json:"initial_balance" yaml:"initial_balance" default:"10000" validate:"gt=0"`
	ScanIntervalMinutes float64 `json:"scan_interval_minutes" yaml:"scan_interval_minutes" default:"5" validate:"gt=0"`
	CandleInterval      string  `json:"candle_interval" yaml:"candle_interval" default:"15m"`
	CandleLimit         int     `json:"candle_limit" yaml:"candle_limit" default:"200" validate:"gte=50,lte=1500"`

	MarketDataTimeoutSeconds int `json:"market_data_timeout_seconds" yaml:"market_data_timeout_seconds" default:"10" validate:"gte=1"`
	OrderTimeoutSeconds      int `json:"order_timeout_seconds" yaml:"order_timeout_seconds" default:"15" validate:"gte=1"`
	ReconnectCooldownSeconds int `json:"reconnect_cooldown_seconds" yaml:"reconnect_cooldown_seconds" default:"30" validate:"gte=1"`

	Advisor AdvisorConfig `json:"advisor" yaml:"advisor"`

	// Risk overrides the global limits for this agent when set
	Risk *RiskLimits `json:"risk,omitempty" yaml:"risk,omitempty"`
}

// DatabaseConfig persistence backend
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres"`
	DSN    string `json:"dsn" yaml:"dsn" default:"data/perpagent.db"`
}

// LogConfig zerolog output configuration
type LogConfig struct {
	Level      string `json:"level" yaml:"level" default:"info" validate:"oneof=trace debug info warn error fatal panic"`
	Format     string `json:"format" yaml:"format" default:"console" validate:"oneof=json console"`
	Output     string `json:"output" yaml:"output" default:"stdout"`
	TimeFormat string `json:"time_format" yaml:"time_format" default:"2006-01-02T15:04:05.000Z07:00"`
}

// MarketDataConfig candle / order-book feed
type MarketDataConfig struct {
	// QuoteAsset is appended to agent symbols to form the feed symbol (BTC -> BTCUSDT)
	QuoteAsset     string `json:"quote_asset" yaml:"quote_asset" default:"USDT"`
	OrderBookDepth int    `json:"order_book_depth" yaml:"order_book_depth" default:"20" validate:"oneof=5 10 20 50 100"`
}

// Config main configuration
type Config struct {
	Agents        []AgentConfig    `json:"agents" yaml:"agents" validate:"required,min=1,dive"`
	APIServerPort int              `json:"api_server_port" yaml:"api_server_port" default:"8080" validate:"gt=0,lt=65536"`
	Risk          RiskLimits       `json:"risk" yaml:"risk"`
	Database      DatabaseConfig   `json:"database" yaml:"database"`
	Log           LogConfig        `json:"log" yaml:"log"`
	MarketData    MarketDataConfig `json:"market_data" yaml:"market_data"`
}

var validate = validator.New()

// LoadConfig loads configuration from a JSON or YAML file, applies defaults and
// environment overrides, and validates the result
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields from their default tags
func (c *Config) ApplyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	for i := range c.Agents {
		if err := defaults.Set(&c.Agents[i]); err != nil {
			return fmt.Errorf("agent[%d]: failed to apply defaults: %w", i, err)
		}
		if c.Agents[i].Risk != nil {
			if err := defaults.Set(c.Agents[i].Risk); err != nil {
				return fmt.Errorf("agent[%d]: failed to apply risk defaults: %w", i, err)
			}
		}
	}
	return nil
}

// ApplyEnv overrides secrets and deployment settings from the environment.
// Per-agent secrets use the upper-cased agent ID as prefix (MAIN_HYPERLIQUID_PRIVATE_KEY);
// the unprefixed variable applies to every agent that has none.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.APIServerPort = n
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			c.Database.Driver = "postgres"
		}
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Log.Level = strings.ToLower(lvl)
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		prefix := strings.ToUpper(strings.ReplaceAll(a.ID, "-", "_")) + "_"
		a.HyperliquidPrivateKey = envOr(a.HyperliquidPrivateKey, prefix+"HYPERLIQUID_PRIVATE_KEY", "HYPERLIQUID_PRIVATE_KEY")
		a.HyperliquidWalletAddr = envOr(a.HyperliquidWalletAddr, prefix+"HYPERLIQUID_WALLET_ADDR", "HYPERLIQUID_WALLET_ADDR")
		a.BinanceAPIKey = envOr(a.BinanceAPIKey, prefix+"BINANCE_API_KEY", "BINANCE_API_KEY")
		a.BinanceSecretKey = envOr(a.BinanceSecretKey, prefix+"BINANCE_SECRET_KEY", "BINANCE_SECRET_KEY")
		a.Advisor.APIKey = envOr(a.Advisor.APIKey, prefix+"ADVISOR_API_KEY", "ADVISOR_API_KEY")
		if os.Getenv("HYPERLIQUID_TESTNET") == "true" {
			a.HyperliquidTestnet = true
		}
	}
}

func envOr(current string, keys ...string) string {
	if current != "" {
		return current
	}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return current
}

// Validate validates configuration validity
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	agentIDs := make(map[string]bool)
	for i, agent := range c.Agents {
		if agentIDs[agent.ID] {
			return fmt.Errorf("agent[%d]: ID '%s' is duplicated", i, agent.ID)
		}
		agentIDs[agent.ID] = true

		if agent.Exchange == "hyperliquid" && agent.HyperliquidPrivateKey == "" {
			return fmt.Errorf("agent[%d]: hyperliquid_private_key must be configured when using Hyperliquid", i)
		}
		if agent.Exchange == "binance" && (agent.BinanceAPIKey == "" || agent.BinanceSecretKey == "") {
			return fmt.Errorf("agent[%d]: binance_api_key and binance_secret_key must be configured when using Binance", i)
		}
		if agent.Advisor.Provider == "custom" && agent.Advisor.Enabled() && agent.Advisor.BaseURL == "" {
			return fmt.Errorf("agent[%d]: advisor.base_url must be configured when using a custom provider", i)
		}
		if agent.Risk != nil {
			if err := validate.Struct(agent.Risk); err != nil {
				return fmt.Errorf("agent[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// RiskFor returns the effective risk limits for an agent
func (c *Config) RiskFor(agent AgentConfig) RiskLimits {
	if agent.Risk != nil {
		return *agent.Risk
	}
	return c.Risk
}

// GetScanInterval gets the scan interval
func (ac *AgentConfig) GetScanInterval() time.Duration {
	return time.Duration(ac.ScanIntervalMinutes * float64(time.Minute))
}

// MarketDataTimeout per-call timeout for candles / order book / account reads
func (ac *AgentConfig) MarketDataTimeout() time.Duration {
	return time.Duration(ac.MarketDataTimeoutSeconds) * time.Second
}

// OrderTimeout per-call timeout for order placement and cancellation
func (ac *AgentConfig) OrderTimeout() time.Duration {
	return time.Duration(ac.OrderTimeoutSeconds) * time.Second
}

// ReconnectCooldown minimum interval between venue reconnect attempts
func (ac *AgentConfig) ReconnectCooldown() time.Duration {
	return time.Duration(ac.ReconnectCooldownSeconds) * time.Second
}
