// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Broker    BrokerConfig    `yaml:"broker"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Storage   StorageConfig   `yaml:"storage"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Alert     AlertConfig     `yaml:"alert"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	DataDir    string `yaml:"data_dir"`
	ReportDir  string `yaml:"report_dir"`
	JournalDSN string `yaml:"journal_dsn"`
}

// BrokerConfig contains broker API credentials and endpoints
type BrokerConfig struct {
	AppKey          Secret `yaml:"app_key"`
	AppSecret       Secret `yaml:"app_secret"`
	AccountNo       string `yaml:"account_no"`
	AccountPassword Secret `yaml:"account_password"`
	BaseURL         string `yaml:"base_url"` // Optional override for REST URL
	WSURL           string `yaml:"ws_url"`   // Optional override for websocket URL
	PaperTrading    bool   `yaml:"paper_trading"`
	MacAddress      string `yaml:"mac_address"` // Corporate accounts only
}

// StrategySpec declares one strategy instance from config
type StrategySpec struct {
	Name       string                 `yaml:"name"`
	Symbol     string                 `yaml:"symbol"`
	Symbols    []string               `yaml:"symbols"` // Portfolio strategies
	Params     map[string]interface{} `yaml:"params"`
	Conditions *ConditionSpec         `yaml:"conditions"` // Dynamic strategies
}

// ConditionSpec is a declarative entry/exit condition tree
type ConditionSpec struct {
	Entry yaml.Node `yaml:"entry"`
	Exit  yaml.Node `yaml:"exit"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	Symbols    []string       `yaml:"symbols"`
	Interval   string         `yaml:"interval"`
	Strategies []StrategySpec `yaml:"strategies"`
	Commission float64        `yaml:"commission"`
	Slippage   float64        `yaml:"slippage"`
}

// RiskConfig contains risk limits
type RiskConfig struct {
	MaxDrawdown             float64 `yaml:"max_drawdown"`      // Fraction below the equity peak
	MaxPositionSize         float64 `yaml:"max_position_size"` // Fraction of equity per position
	MaxDailyLoss            float64 `yaml:"max_daily_loss"`    // Fraction of day-start equity
	MaxSlippage             float64 `yaml:"max_slippage"`      // Limit-price deviation from market
	MaxDailyTradesPerSymbol int     `yaml:"max_daily_trades_per_symbol"`
}

// StorageConfig contains bar store settings
type StorageConfig struct {
	BaseDir       string `yaml:"base_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ScheduleConfig contains the daily automation timetable.
// Cron expressions include a seconds field.
type ScheduleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	UniverseScanCron  string  `yaml:"universe_scan_cron"`
	EngineStartCron   string  `yaml:"engine_start_cron"`
	MarketOpenCron    string  `yaml:"market_open_cron"`
	SettlementCron    string  `yaml:"settlement_cron"`
	MinLiquidityValue float64 `yaml:"min_liquidity_value"` // KRW traded value floor
	UniverseSize      int     `yaml:"universe_size"`
	MaxPER            float64 `yaml:"max_per"` // 0 disables the filter
	MinROE            float64 `yaml:"min_roe"` // 0 disables the filter
}

// TelegramConfig contains telegram alert settings
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken Secret `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig contains slack alert settings
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL Secret `yaml:"webhook_url"`
}

// AlertConfig contains notification settings
type AlertConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.DataDir == "" {
		c.App.DataDir = "./data"
	}
	if c.App.ReportDir == "" {
		c.App.ReportDir = "./reports"
	}
	if c.App.JournalDSN == "" {
		c.App.JournalDSN = c.App.DataDir + "/journal.db"
	}
	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = c.App.DataDir + "/bars"
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 365
	}
	if c.Trading.Interval == "" {
		c.Trading.Interval = "5m"
	}
	if c.Trading.Commission == 0 {
		c.Trading.Commission = 0.0015
	}
	if c.Trading.Slippage == 0 {
		c.Trading.Slippage = 0.0005
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Schedule.UniverseScanCron == "" {
		c.Schedule.UniverseScanCron = "0 10 8 * * MON-FRI"
	}
	if c.Schedule.EngineStartCron == "" {
		c.Schedule.EngineStartCron = "0 30 8 * * MON-FRI"
	}
	if c.Schedule.MarketOpenCron == "" {
		c.Schedule.MarketOpenCron = "0 0 9 * * MON-FRI"
	}
	if c.Schedule.SettlementCron == "" {
		c.Schedule.SettlementCron = "0 30 15 * * MON-FRI"
	}
	if c.Schedule.UniverseSize == 0 {
		c.Schedule.UniverseSize = 20
	}
	if c.Schedule.MinLiquidityValue == 0 {
		c.Schedule.MinLiquidityValue = 100_000_000_000
	}
	if c.Risk.MaxDrawdown == 0 {
		c.Risk.MaxDrawdown = 0.20
	}
	if c.Risk.MaxPositionSize == 0 {
		c.Risk.MaxPositionSize = 0.10
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 0.05
	}
	if c.Risk.MaxSlippage == 0 {
		c.Risk.MaxSlippage = 0.005
	}
	if c.Risk.MaxDailyTradesPerSymbol == 0 {
		c.Risk.MaxDailyTradesPerSymbol = 10
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBrokerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAlertConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBrokerConfig() error {
	if c.Broker.AppKey == "" {
		return ValidationError{
			Field:   "broker.app_key",
			Message: "app key is required",
		}
	}
	if c.Broker.AppSecret == "" {
		return ValidationError{
			Field:   "broker.app_secret",
			Message: "app secret is required",
		}
	}
	if c.Broker.AccountNo == "" {
		return ValidationError{
			Field:   "broker.account_no",
			Message: "account number is required",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if _, err := parseIntervalString(c.Trading.Interval); err != nil {
		return ValidationError{
			Field:   "trading.interval",
			Value:   c.Trading.Interval,
			Message: "must be 1d or one of 1m/3m/5m/10m/15m/30m/60m",
		}
	}

	for i, spec := range c.Trading.Strategies {
		if spec.Name == "" {
			return ValidationError{
				Field:   fmt.Sprintf("trading.strategies[%d].name", i),
				Message: "strategy name is required",
			}
		}
		if spec.Symbol == "" && len(spec.Symbols) == 0 {
			return ValidationError{
				Field:   fmt.Sprintf("trading.strategies[%d].symbol", i),
				Value:   spec.Name,
				Message: "symbol (or symbols) is required",
			}
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxPositionSize < 0 || c.Risk.MaxPositionSize > 1 {
		return ValidationError{
			Field:   "risk.max_position_size",
			Value:   c.Risk.MaxPositionSize,
			Message: "must be a fraction between 0 and 1",
		}
	}
	if c.Risk.MaxSlippage < 0 || c.Risk.MaxSlippage > 1 {
		return ValidationError{
			Field:   "risk.max_slippage",
			Value:   c.Risk.MaxSlippage,
			Message: "must be a fraction between 0 and 1",
		}
	}
	if c.Risk.MaxDailyLoss < 0 || c.Risk.MaxDailyLoss > 1 {
		return ValidationError{
			Field:   "risk.max_daily_loss",
			Value:   c.Risk.MaxDailyLoss,
			Message: "must be a fraction between 0 and 1",
		}
	}
	if c.Risk.MaxDrawdown < 0 || c.Risk.MaxDrawdown > 1 {
		return ValidationError{
			Field:   "risk.max_drawdown",
			Value:   c.Risk.MaxDrawdown,
			Message: "must be a fraction between 0 and 1",
		}
	}
	return nil
}

func (c *Config) validateAlertConfig() error {
	if c.Alert.Telegram.Enabled {
		if c.Alert.Telegram.BotToken == "" || c.Alert.Telegram.ChatID == "" {
			return ValidationError{
				Field:   "alert.telegram",
				Message: "bot_token and chat_id are required when telegram is enabled",
			}
		}
	}
	if c.Alert.Slack.Enabled && c.Alert.Slack.WebhookURL == "" {
		return ValidationError{
			Field:   "alert.slack.webhook_url",
			Message: "webhook_url is required when slack is enabled",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Broker.AccountNo = maskString(configCopy.Broker.AccountNo)
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// parseIntervalString mirrors core.ParseInterval without importing core,
// keeping config free of domain dependencies.
func parseIntervalString(s string) (string, error) {
	switch s {
	case "1d", "1m", "3m", "5m", "10m", "15m", "30m", "60m":
		return s, nil
	}
	return "", fmt.Errorf("invalid interval: %q", s)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Broker: BrokerConfig{
			AppKey:          "test_app_key",
			AppSecret:       "test_app_secret",
			AccountNo:       "12345678901",
			AccountPassword: "0000",
			PaperTrading:    true,
		},
		Trading: TradingConfig{
			Symbols:  []string{"005930", "000660"},
			Interval: "5m",
			Strategies: []StrategySpec{
				{
					Name:   "ma_cross",
					Symbol: "005930",
					Params: map[string]interface{}{"fast": 5, "slow": 20},
				},
			},
		},
		Risk: RiskConfig{
			MaxDrawdown:             0.20,
			MaxPositionSize:         0.10,
			MaxDailyLoss:            0.05,
			MaxSlippage:             0.005,
			MaxDailyTradesPerSymbol: 10,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
