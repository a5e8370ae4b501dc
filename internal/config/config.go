// Package config provides configuration management for the strangle engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultSLPercent is used when strategy.stop_loss_percent is unset
	defaultSLPercent = 25.0
	// defaultMaxSLTriggers caps stop-loss driven re-entries per session
	defaultMaxSLTriggers = 3
	// defaultRiskFreeRate feeds the Black-Scholes calculations
	defaultRiskFreeRate = 0.07
	// defaultDeltaDriftLow is the |delta| floor below which a winning leg's
	// stop is tightened when delta_drift_exit is on
	defaultDeltaDriftLow = 0.10
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Regime      RegimeConfig      `yaml:"regime"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	AccountID   string `yaml:"account_id"`
	APIEndpoint string `yaml:"api_endpoint"`
}

// StrategyConfig defines the strangle parameters.
type StrategyConfig struct {
	Underlying      string  `yaml:"underlying"`       // e.g. "NIFTY 50"
	UnderlyingExch  string  `yaml:"underlying_exch"`  // e.g. "NSE"
	ChainName       string  `yaml:"chain_name"`       // instrument name on the options exchange
	OptionsExchange string  `yaml:"options_exchange"` // e.g. "NFO"
	Quantity        int     `yaml:"quantity"`         // per leg, in units not lots
	LotSize         int     `yaml:"lot_size"`
	StrikeStep      float64 `yaml:"strike_step"`
	WindowWidth     float64 `yaml:"window_width"`

	MaxParityPercent    float64 `yaml:"max_parity_percent"`
	IVFloorPercent      float64 `yaml:"iv_floor_percent"`
	VWAPDistancePercent float64 `yaml:"vwap_distance_percent"`
	RiskFreeRate        float64 `yaml:"risk_free_rate"`

	StopLossPercent  float64   `yaml:"stop_loss_percent"` // SL offset as percent of leg entry price
	MaxSLTriggers    int       `yaml:"max_sl_triggers"`
	ProfitTiers      []float64 `yaml:"profit_tiers"` // premium-reduction points, ascending
	DeltaDriftExit   bool      `yaml:"delta_drift_exit"`
	DeltaDriftLow    float64   `yaml:"delta_drift_low"` // |delta| floor that marks a leg as decayed
	HedgeOffsetFar   float64   `yaml:"hedge_offset_far"` // points beyond the short strike for hedges
	OrderTag         string    `yaml:"order_tag"`
	ScanBackoff      string    `yaml:"scan_backoff"`
	MonitorInterval  string    `yaml:"monitor_interval"`
}

// RegimeConfig defines the volatility regime thresholds.
type RegimeConfig struct {
	VIXSymbol    string       `yaml:"vix_symbol"`
	VIXExchange  string       `yaml:"vix_exchange"`
	Threshold    float64      `yaml:"threshold"`
	LookbackDays int          `yaml:"lookback_days"`
	Extended     RegimeParams `yaml:"extended"`
	Standard     RegimeParams `yaml:"standard"`
}

// RegimeParams mirror models.DeltaRangeConfig per regime.
type RegimeParams struct {
	DeltaLow           float64 `yaml:"delta_low"`
	DeltaHigh          float64 `yaml:"delta_high"`
	HedgeTriggerPoints float64 `yaml:"hedge_trigger_points"`
	UseExtendedExpiry  bool    `yaml:"use_extended_expiry"`
}

// GatewayConfig defines caching and retry behaviour of the broker gateway.
type GatewayConfig struct {
	ChainTTL          string `yaml:"chain_ttl"`
	QuoteTTL          string `yaml:"quote_ttl"`
	VWAPTTL           string `yaml:"vwap_ttl"`
	StalenessMultiple int    `yaml:"staleness_multiple"`
	MinCallGap        string `yaml:"min_call_gap"`
	MaxAttempts       int    `yaml:"max_attempts"`
}

// ScheduleConfig defines trading hours in exchange local time.
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"`      // e.g. "Asia/Kolkata"
	MarketOpen   string `yaml:"market_open"`   // "HH:MM"
	MarketClose  string `yaml:"market_close"`  // "HH:MM"
	SquareOffAt  string `yaml:"square_off_at"` // "HH:MM", before market_close
}

// StorageConfig defines where session snapshots are written.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only status endpoint.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // host:port
}

// Load reads, expands and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	s := &c.Strategy
	if s.Underlying == "" {
		return fmt.Errorf("strategy.underlying is required")
	}
	if s.ChainName == "" {
		return fmt.Errorf("strategy.chain_name is required")
	}
	if s.LotSize <= 0 {
		return fmt.Errorf("strategy.lot_size must be > 0")
	}
	if s.Quantity <= 0 || s.Quantity%s.LotSize != 0 {
		return fmt.Errorf("strategy.quantity must be a positive multiple of lot_size (%d)", s.LotSize)
	}
	if s.StrikeStep <= 0 {
		return fmt.Errorf("strategy.strike_step must be > 0")
	}
	if s.StopLossPercent == 0 {
		s.StopLossPercent = defaultSLPercent
	}
	if s.StopLossPercent < 0 || s.StopLossPercent > 100 {
		return fmt.Errorf("strategy.stop_loss_percent must be in (0,100]")
	}
	if s.MaxSLTriggers == 0 {
		s.MaxSLTriggers = defaultMaxSLTriggers
	}
	if s.MaxSLTriggers < 0 {
		return fmt.Errorf("strategy.max_sl_triggers must be > 0")
	}
	if len(s.ProfitTiers) == 0 {
		return fmt.Errorf("strategy.profit_tiers must name at least one tier")
	}
	for i, tier := range s.ProfitTiers {
		if tier <= 0 {
			return fmt.Errorf("strategy.profit_tiers[%d] must be > 0", i)
		}
		if i > 0 && tier <= s.ProfitTiers[i-1] {
			return fmt.Errorf("strategy.profit_tiers must be strictly ascending")
		}
	}
	if s.RiskFreeRate == 0 {
		s.RiskFreeRate = defaultRiskFreeRate
	}
	if s.DeltaDriftLow == 0 {
		s.DeltaDriftLow = defaultDeltaDriftLow
	}
	if s.DeltaDriftLow < 0 || s.DeltaDriftLow >= 1 {
		return fmt.Errorf("strategy.delta_drift_low must be in (0,1)")
	}
	if s.HedgeOffsetFar <= 0 {
		return fmt.Errorf("strategy.hedge_offset_far must be > 0")
	}
	if s.ScanBackoff != "" {
		if _, err := time.ParseDuration(s.ScanBackoff); err != nil {
			return fmt.Errorf("strategy.scan_backoff invalid: %w", err)
		}
	}
	if s.MonitorInterval != "" {
		if _, err := time.ParseDuration(s.MonitorInterval); err != nil {
			return fmt.Errorf("strategy.monitor_interval invalid: %w", err)
		}
	}

	r := &c.Regime
	if r.Threshold < 0 {
		return fmt.Errorf("regime.threshold must be >= 0")
	}
	for name, p := range map[string]RegimeParams{"extended": r.Extended, "standard": r.Standard} {
		if p.DeltaLow <= 0 || p.DeltaHigh <= p.DeltaLow || p.DeltaHigh > 1 {
			return fmt.Errorf("regime.%s delta band must satisfy 0 < low < high <= 1", name)
		}
		if p.HedgeTriggerPoints <= 0 {
			return fmt.Errorf("regime.%s.hedge_trigger_points must be > 0", name)
		}
	}

	g := &c.Gateway
	for name, d := range map[string]string{
		"chain_ttl": g.ChainTTL, "quote_ttl": g.QuoteTTL,
		"vwap_ttl": g.VWAPTTL, "min_call_gap": g.MinCallGap,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("gateway.%s invalid: %w", name, err)
		}
	}
	if g.StalenessMultiple < 0 {
		return fmt.Errorf("gateway.staleness_multiple must be >= 0")
	}

	loc, err := c.Location()
	if err != nil {
		return err
	}
	open, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	close_, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	squareOff, err3 := time.ParseInLocation("15:04", c.Schedule.SquareOffAt, loc)
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("schedule times must be HH:MM")
	}
	if !open.Before(close_) {
		return fmt.Errorf("schedule.market_open must precede market_close")
	}
	if !squareOff.After(open) || !squareOff.Before(close_) {
		return fmt.Errorf("schedule.square_off_at must fall inside the trading window")
	}

	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsPaperTrading reports whether orders should stay on the paper account.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location resolves the schedule timezone, defaulting to exchange time.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers without tzdata
		return time.FixedZone("IST", 5*3600+1800), nil
	}
	return loc, nil
}

// ScanBackoffDuration returns the pause between empty scans.
func (c *Config) ScanBackoffDuration() time.Duration {
	return durationOr(c.Strategy.ScanBackoff, 10*time.Second)
}

// MonitorIntervalDuration returns the monitoring tick period.
func (c *Config) MonitorIntervalDuration() time.Duration {
	return durationOr(c.Strategy.MonitorInterval, 3*time.Second)
}

// InTradingWindow reports whether now falls inside regular market hours.
func (c *Config) InTradingWindow(now time.Time) bool {
	loc, err := c.Location()
	if err != nil {
		return false
	}
	local := now.In(loc)
	open, err1 := parseClock(c.Schedule.MarketOpen, local, loc)
	close_, err2 := parseClock(c.Schedule.MarketClose, local, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	return !local.Before(open) && local.Before(close_)
}

// PastSquareOff reports whether now is at or past the square-off cutoff.
func (c *Config) PastSquareOff(now time.Time) bool {
	loc, err := c.Location()
	if err != nil {
		return false
	}
	local := now.In(loc)
	cutoff, err := parseClock(c.Schedule.SquareOffAt, local, loc)
	if err != nil {
		return false
	}
	return !local.Before(cutoff)
}

func parseClock(hhmm string, day time.Time, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
