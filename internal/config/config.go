// Package config loads the engine's typed settings document: a YAML file on
// disk, overridden by TRADER_-prefixed environment variables, falling back
// to hard-coded defaults, via viper.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// decimalDecodeHook lets mapstructure populate decimal.Decimal fields from
// YAML/env values expressed as strings, ints, or floats.
func decimalDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return data, nil
	}
}

// RiskConfig is the risk-management section (§6 `risk`).
type RiskConfig struct {
	MaxPositions      int             `mapstructure:"max_positions"`
	RiskPerTrade      decimal.Decimal `mapstructure:"risk_per_trade"`
	MaxDrawdownDaily  decimal.Decimal `mapstructure:"max_drawdown_daily"`
	MaxDrawdownTotal  decimal.Decimal `mapstructure:"max_drawdown_total"`
	MaxCorrelation    float64         `mapstructure:"max_correlation"`
}

// Phase0Config is the Buzz Factory section.
type Phase0Config struct {
	VolumeSpikeMultiplier  float64 `mapstructure:"volume_spike_multiplier"`
	GapThreshold           float64 `mapstructure:"gap_threshold"`
	FridayBlock            bool    `mapstructure:"friday_block"`
	EarningsProximityDays  int     `mapstructure:"earnings_proximity_days"`
}

// Phase2Config is the Vault's defensive-mode / beta-sizing section.
type Phase2Config struct {
	WeeklyDDDefensive  float64 `mapstructure:"weekly_dd_defensive"`
	DailyDDDefensive   float64 `mapstructure:"daily_dd_defensive"`
	SectorExposureMax  float64 `mapstructure:"sector_exposure_max"`
	BetaNormal         float64 `mapstructure:"beta_normal"`
	BetaAggressive     float64 `mapstructure:"beta_aggressive"`
}

// Phase5Config is the Guardian's polling-interval section.
type Phase5Config struct {
	WatchdogInterval    int `mapstructure:"watchdog_interval"`
	SentinelInterval    int `mapstructure:"sentinel_interval"`
	FlashCrashWindow    int `mapstructure:"flash_crash_window"`
	FridayBreakevenHour int `mapstructure:"friday_breakeven_hour"`
}

// AlertsConfig tunes Watchdog alert thresholds.
type AlertsConfig struct {
	FlashCrashThreshold float64 `mapstructure:"flash_crash_threshold"`
}

// TechnicalConfig tunes the shared technical-analytics package.
type TechnicalConfig struct {
	RSIPeriod            int     `mapstructure:"rsi_period"`
	ATRPeriod            int     `mapstructure:"atr_period"`
	SuperTrendPeriod     int     `mapstructure:"supertrend_period"`
	SuperTrendMultiplier float64 `mapstructure:"supertrend_multiplier"`
	ATRStopMultiplier    float64 `mapstructure:"atr_stop_multiplier"`
}

// TierBand is a market-cap bucket with its position-size multiplier.
type TierBand struct {
	MinMarketCap       decimal.Decimal `mapstructure:"min_market_cap"`
	PositionMultiplier float64         `mapstructure:"position_multiplier"`
}

// TiersConfig buckets candidates into tier1/tier2.
type TiersConfig struct {
	Tier1LargeCap TierBand `mapstructure:"tier1_large_cap"`
	Tier2MidCap   TierBand `mapstructure:"tier2_mid_cap"`
}

// LiquidityConfig gates candidates on tradability.
type LiquidityConfig struct {
	MinAvgVolume   int64           `mapstructure:"min_avg_volume"`
	MinDollarVolume decimal.Decimal `mapstructure:"min_dollar_volume"`
}

// AIConfig tunes the Screener/Judge AI thresholds and cache lifetime.
type AIConfig struct {
	ScreenerThreshold float64 `mapstructure:"screener_threshold"`
	JudgeThreshold    float64 `mapstructure:"judge_threshold"`
	CacheExpiryHours  int     `mapstructure:"cache_expiry_hours"`
}

// ScheduleConfig times the daily cycle.
type ScheduleConfig struct {
	MarketOpen   string `mapstructure:"market_open"`
	MarketClose  string `mapstructure:"market_close"`
	Phase0Time   string `mapstructure:"phase0_time"`
	Phase1To4Time string `mapstructure:"phase1_4_time"`
}

// BrokerConfig selects the execution adapter.
type BrokerConfig struct {
	Provider string `mapstructure:"provider"`
}

// ServerConfig is the operator HTTP surface (§4.12).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelegramConfig is the optional Guardian operator-alert sink.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// DatabaseConfig points at the embedded Decision Store file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the engine's full typed settings document.
type Config struct {
	Risk      RiskConfig      `mapstructure:"risk"`
	Phase0    Phase0Config    `mapstructure:"phase0"`
	Phase2    Phase2Config    `mapstructure:"phase2"`
	Phase5    Phase5Config    `mapstructure:"phase5"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Technical TechnicalConfig `mapstructure:"technical"`
	Tiers     TiersConfig     `mapstructure:"tiers"`
	Liquidity LiquidityConfig `mapstructure:"liquidity"`
	AI        AIConfig        `mapstructure:"ai"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Server    ServerConfig    `mapstructure:"server"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// DefaultConfig returns the engine's hard-coded defaults, the last
// precedence tier behind file and environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Risk: RiskConfig{
			MaxPositions:     5,
			RiskPerTrade:     decimal.NewFromFloat(0.01),
			MaxDrawdownDaily: decimal.NewFromFloat(0.02),
			MaxDrawdownTotal: decimal.NewFromFloat(0.06),
			MaxCorrelation:   0.7,
		},
		Phase0: Phase0Config{
			VolumeSpikeMultiplier: 2.0,
			GapThreshold:          0.03,
			FridayBlock:           true,
			EarningsProximityDays: 5,
		},
		Phase2: Phase2Config{
			WeeklyDDDefensive: 0.05,
			DailyDDDefensive:  0.03,
			SectorExposureMax: 0.20,
			BetaNormal:        2.0,
			BetaAggressive:    3.0,
		},
		Phase5: Phase5Config{
			WatchdogInterval:    60,
			SentinelInterval:    300,
			FlashCrashWindow:    300,
			FridayBreakevenHour: 14,
		},
		Alerts: AlertsConfig{
			FlashCrashThreshold: 0.03,
		},
		Technical: TechnicalConfig{
			RSIPeriod:            14,
			ATRPeriod:            14,
			SuperTrendPeriod:     10,
			SuperTrendMultiplier: 3.0,
			ATRStopMultiplier:    2.5,
		},
		Tiers: TiersConfig{
			Tier1LargeCap: TierBand{MinMarketCap: decimal.NewFromInt(4_000_000_000), PositionMultiplier: 1.0},
			Tier2MidCap:   TierBand{MinMarketCap: decimal.NewFromInt(800_000_000), PositionMultiplier: 0.6},
		},
		Liquidity: LiquidityConfig{
			MinAvgVolume:    500_000,
			MinDollarVolume: decimal.NewFromInt(15_000_000),
		},
		AI: AIConfig{
			ScreenerThreshold: 7,
			JudgeThreshold:    8,
			CacheExpiryHours:  4,
		},
		Schedule: ScheduleConfig{
			MarketOpen:    "09:30",
			MarketClose:   "16:00",
			Phase0Time:    "08:00",
			Phase1To4Time: "10:30",
		},
		Broker: BrokerConfig{
			Provider: "paper_local",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Telegram: TelegramConfig{Enabled: false},
		Database: DatabaseConfig{Path: "./data/engine.db"},
	}
}

// Load reads path (YAML) into a Config seeded with DefaultConfig, applying
// TRADER_-prefixed environment overrides on top of the file. A missing file
// is not an error: defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindDefaults(v, cfg); err != nil {
		return nil, fmt.Errorf("config: binding defaults: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHook,
	))); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	return cfg, nil
}

// bindDefaults seeds viper with the default config so that AutomaticEnv and
// partial YAML overrides merge onto, rather than replace, DefaultConfig.
func bindDefaults(v *viper.Viper, cfg *Config) error {
	v.SetDefault("risk.max_positions", cfg.Risk.MaxPositions)
	v.SetDefault("risk.max_correlation", cfg.Risk.MaxCorrelation)
	v.SetDefault("phase0.volume_spike_multiplier", cfg.Phase0.VolumeSpikeMultiplier)
	v.SetDefault("phase0.gap_threshold", cfg.Phase0.GapThreshold)
	v.SetDefault("phase0.friday_block", cfg.Phase0.FridayBlock)
	v.SetDefault("phase0.earnings_proximity_days", cfg.Phase0.EarningsProximityDays)
	v.SetDefault("phase2.weekly_dd_defensive", cfg.Phase2.WeeklyDDDefensive)
	v.SetDefault("phase2.daily_dd_defensive", cfg.Phase2.DailyDDDefensive)
	v.SetDefault("phase2.sector_exposure_max", cfg.Phase2.SectorExposureMax)
	v.SetDefault("phase2.beta_normal", cfg.Phase2.BetaNormal)
	v.SetDefault("phase2.beta_aggressive", cfg.Phase2.BetaAggressive)
	v.SetDefault("phase5.watchdog_interval", cfg.Phase5.WatchdogInterval)
	v.SetDefault("phase5.sentinel_interval", cfg.Phase5.SentinelInterval)
	v.SetDefault("phase5.flash_crash_window", cfg.Phase5.FlashCrashWindow)
	v.SetDefault("phase5.friday_breakeven_hour", cfg.Phase5.FridayBreakevenHour)
	v.SetDefault("alerts.flash_crash_threshold", cfg.Alerts.FlashCrashThreshold)
	v.SetDefault("technical.rsi_period", cfg.Technical.RSIPeriod)
	v.SetDefault("technical.atr_period", cfg.Technical.ATRPeriod)
	v.SetDefault("technical.supertrend_period", cfg.Technical.SuperTrendPeriod)
	v.SetDefault("technical.supertrend_multiplier", cfg.Technical.SuperTrendMultiplier)
	v.SetDefault("technical.atr_stop_multiplier", cfg.Technical.ATRStopMultiplier)
	v.SetDefault("liquidity.min_avg_volume", cfg.Liquidity.MinAvgVolume)
	v.SetDefault("ai.screener_threshold", cfg.AI.ScreenerThreshold)
	v.SetDefault("ai.judge_threshold", cfg.AI.JudgeThreshold)
	v.SetDefault("ai.cache_expiry_hours", cfg.AI.CacheExpiryHours)
	v.SetDefault("schedule.market_open", cfg.Schedule.MarketOpen)
	v.SetDefault("schedule.market_close", cfg.Schedule.MarketClose)
	v.SetDefault("schedule.phase0_time", cfg.Schedule.Phase0Time)
	v.SetDefault("schedule.phase1_4_time", cfg.Schedule.Phase1To4Time)
	v.SetDefault("broker.provider", cfg.Broker.Provider)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("telegram.enabled", cfg.Telegram.Enabled)
	v.SetDefault("database.path", cfg.Database.Path)
	return nil
}
