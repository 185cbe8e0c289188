package strategy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every config validation failure.
var ErrInvalidConfig = errors.New("invalid strategy config")

// Config is one breakout strategy. It is fixed for the life of an instance.
type Config struct {
	Name       string           `json:"name,omitempty" yaml:"name"`
	Trading    TradingConfig    `json:"trading" yaml:"trading"`
	Schedule   ScheduleConfig   `json:"schedule" yaml:"schedule"`
	Risk       RiskConfig       `json:"risk_management" yaml:"risk_management"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	API        APIConfig        `json:"api" yaml:"api"`
}

type TradingConfig struct {
	Symbol              string  `json:"symbol" yaml:"symbol"`
	ProductID           int     `json:"product_id" yaml:"product_id"`
	OrderSize           float64 `json:"order_size" yaml:"order_size"`
	MaxPositionSize     float64 `json:"max_position_size,omitempty" yaml:"max_position_size"` // 0 means 3x order size
	CheckExistingOrders *bool   `json:"check_existing_orders,omitempty" yaml:"check_existing_orders"`
}

type ScheduleConfig struct {
	Timeframe            string   `json:"timeframe" yaml:"timeframe"`
	Timezone             string   `json:"timezone,omitempty" yaml:"timezone"`
	WaitForNextCandle    bool     `json:"wait_for_next_candle" yaml:"wait_for_next_candle"`
	StartupDelayMinutes  float64  `json:"startup_delay_minutes,omitempty" yaml:"startup_delay_minutes"`
	ResetIntervalMinutes *float64 `json:"reset_interval_minutes,omitempty" yaml:"reset_interval_minutes"` // nil rearms at the next boundary
}

type RiskConfig struct {
	StopLossPoints         float64 `json:"stop_loss_points" yaml:"stop_loss_points"`
	TakeProfitPoints       float64 `json:"take_profit_points" yaml:"take_profit_points"`
	BreakevenTriggerPoints float64 `json:"breakeven_trigger_points" yaml:"breakeven_trigger_points"`
}

// MonitoringConfig intervals are in seconds and may be fractional.
type MonitoringConfig struct {
	OrderCheckInterval    float64 `json:"order_check_interval,omitempty" yaml:"order_check_interval"`
	PositionCheckInterval float64 `json:"position_check_interval,omitempty" yaml:"position_check_interval"`
	EntryWaitSeconds      int     `json:"entry_wait_seconds,omitempty" yaml:"entry_wait_seconds"`
	CancelOrdersOnStop    *bool   `json:"cancel_orders_on_stop,omitempty" yaml:"cancel_orders_on_stop"`
}

type APIConfig struct {
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url"`
	APIKey    string `json:"api_key,omitempty" yaml:"api_key"`
	APISecret string `json:"api_secret,omitempty" yaml:"api_secret"`
}

const (
	DefaultTimezone              = "Asia/Kolkata"
	defaultOrderCheckInterval    = 10
	defaultPositionCheckInterval = 5
	defaultEntryWaitSeconds      = 60
)

// Normalize fills defaults and validates the result.
func (c Config) Normalize() (Config, error) {
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = DefaultTimezone
	}
	if c.Trading.MaxPositionSize == 0 {
		c.Trading.MaxPositionSize = c.Trading.OrderSize * 3
	}
	if c.Trading.CheckExistingOrders == nil {
		c.Trading.CheckExistingOrders = boolPtr(true)
	}
	if c.Monitoring.OrderCheckInterval == 0 {
		c.Monitoring.OrderCheckInterval = defaultOrderCheckInterval
	}
	if c.Monitoring.PositionCheckInterval == 0 {
		c.Monitoring.PositionCheckInterval = defaultPositionCheckInterval
	}
	if c.Monitoring.EntryWaitSeconds == 0 {
		c.Monitoring.EntryWaitSeconds = defaultEntryWaitSeconds
	}
	if c.Monitoring.CancelOrdersOnStop == nil {
		c.Monitoring.CancelOrdersOnStop = boolPtr(true)
	}
	return c, c.Validate()
}

// Validate reports the first problem found, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var problem string
	switch {
	case c.Trading.Symbol == "":
		problem = "trading.symbol is required"
	case c.Trading.ProductID < 0:
		problem = "trading.product_id must not be negative"
	case c.Trading.OrderSize <= 0:
		problem = "trading.order_size must be positive"
	case c.Trading.MaxPositionSize < 0:
		problem = "trading.max_position_size must not be negative"
	case c.Risk.StopLossPoints < 0 || c.Risk.TakeProfitPoints < 0 || c.Risk.BreakevenTriggerPoints < 0:
		problem = "risk_management distances must not be negative"
	case c.Monitoring.OrderCheckInterval < 0 || c.Monitoring.PositionCheckInterval < 0:
		problem = "monitoring intervals must not be negative"
	case c.Monitoring.EntryWaitSeconds < 0:
		problem = "monitoring.entry_wait_seconds must not be negative"
	case c.Schedule.StartupDelayMinutes < 0:
		problem = "schedule.startup_delay_minutes must not be negative"
	case c.Schedule.ResetIntervalMinutes != nil && *c.Schedule.ResetIntervalMinutes < 0:
		problem = "schedule.reset_interval_minutes must not be negative"
	}
	if problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, problem)
	}
	if _, err := ParseTimeframe(c.Schedule.Timeframe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, c.Schedule.Timezone, err)
		}
	}
	return nil
}

// Redacted returns a copy safe to log or persist.
func (c Config) Redacted() Config {
	if c.API.APIKey != "" {
		c.API.APIKey = "***"
	}
	if c.API.APISecret != "" {
		c.API.APISecret = "***"
	}
	return c
}

func (c Config) timeframe() time.Duration {
	tf, _ := ParseTimeframe(c.Schedule.Timeframe)
	return tf
}

func (c Config) location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) orderCheckInterval() time.Duration {
	return seconds(c.Monitoring.OrderCheckInterval)
}

func (c Config) positionCheckInterval() time.Duration {
	return seconds(c.Monitoring.PositionCheckInterval)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func boolPtr(v bool) *bool { return &v }

// ConfigFile is the top-level YAML structure of a strategies file.
type ConfigFile struct {
	Strategies []FileEntry `yaml:"strategies"`
}

// FileEntry is a strategy listed in a strategies file.
type FileEntry struct {
	Config   `yaml:",inline"`
	IsActive *bool `yaml:"is_active"`
}

// LoadConfigFile reads the active strategies from a YAML file. Entries
// without is_active are treated as active.
func LoadConfigFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var out []Config
	for i, e := range file.Strategies {
		if e.IsActive != nil && !*e.IsActive {
			continue
		}
		cfg, err := e.Config.Normalize()
		if err != nil {
			return nil, fmt.Errorf("%s: strategy %d (%s): %w", path, i, e.Name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
