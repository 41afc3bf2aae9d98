// Package config centralises runtime configuration for the trading engine.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// RiskLimits bounds what the risk manager will allow. Hot-swappable at
// runtime through the risk manager; zero values mean "unlimited" except for
// OrderRatePerSecond which disables throttling when zero.
type RiskLimits struct {
	// MaxPositionSize caps the stake of a single instruction.
	MaxPositionSize decimal.Decimal `yaml:"maxPositionSize"`

	// MaxMarketExposure caps worst-case liability within one market.
	MaxMarketExposure decimal.Decimal `yaml:"maxMarketExposure"`

	// MaxTotalExposure caps worst-case liability across all markets.
	MaxTotalExposure decimal.Decimal `yaml:"maxTotalExposure"`

	// MaxDailyLoss freezes new orders once realized+unrealized daily loss
	// breaches it.
	MaxDailyLoss decimal.Decimal `yaml:"maxDailyLoss"`

	// MaxOpenPositions caps the number of distinct open position keys.
	MaxOpenPositions int `yaml:"maxOpenPositions"`

	// OrderRatePerSecond is the per-market submission rate ceiling.
	OrderRatePerSecond float64 `yaml:"orderRatePerSecond"`

	// OrderRateBurst is the per-market burst allowance.
	OrderRateBurst int `yaml:"orderRateBurst"`
}

// IcebergConfig tunes the iceberg strategy.
type IcebergConfig struct {
	// VisibleFraction caps each child slice at this fraction of the
	// opposing top-of-book size.
	VisibleFraction decimal.Decimal `yaml:"visibleFraction"`

	// MinSliceSize floors child slices so thin books still make progress.
	MinSliceSize decimal.Decimal `yaml:"minSliceSize"`
}

// TWAPConfig tunes the time-weighted strategy.
type TWAPConfig struct {
	Buckets int           `yaml:"buckets"`
	Horizon time.Duration `yaml:"horizon"`
}

// SmartConfig tunes the adaptive strategy.
type SmartConfig struct {
	// SpreadTicks is the widest spread, in ladder ticks, considered narrow
	// enough to rest passively.
	SpreadTicks int `yaml:"spreadTicks"`

	// DepthMultiple requires opposing top-of-book size to be at least this
	// multiple of the remainder before resting.
	DepthMultiple decimal.Decimal `yaml:"depthMultiple"`

	// MaxRest is the longest an unfilled remainder may rest before the
	// strategy crosses the spread.
	MaxRest time.Duration `yaml:"maxRest"`

	// Reevaluate caps how long smart waits for a market tick before
	// re-checking its deadline.
	Reevaluate time.Duration `yaml:"reevaluate"`
}

// RetryConfig bounds provider retry behaviour.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// ProviderConfig points at the upstream exchange adapter.
type ProviderConfig struct {
	Name             string        `yaml:"name"`
	StreamURL        string        `yaml:"streamURL"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`

	// Markets lists the market IDs to stream at startup.
	Markets []string `yaml:"markets"`
}

// AuditConfig configures the append-only audit sinks.
type AuditConfig struct {
	// Path of the JSONL audit log; empty disables the file sink.
	Path string `yaml:"path"`

	// PostgresDSN enables the durable store when non-empty.
	PostgresDSN string `yaml:"postgresDSN"`

	// ReplayBuffer is how many events the bus retains for reconnecting
	// subscribers.
	ReplayBuffer int `yaml:"replayBuffer"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"serviceName"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Settings is the full configuration tree.
type Settings struct {
	Risk           RiskLimits      `yaml:"risk"`
	CommissionRate decimal.Decimal `yaml:"commissionRate"`
	Iceberg        IcebergConfig   `yaml:"iceberg"`
	TWAP           TWAPConfig      `yaml:"twap"`
	Smart          SmartConfig     `yaml:"smart"`
	Retry          RetryConfig     `yaml:"retry"`
	Provider       ProviderConfig  `yaml:"provider"`
	Audit          AuditConfig     `yaml:"audit"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`

	// StaleAfter is how long without updates before a market surfaces as stale.
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// Default returns production-sane defaults.
func Default() Settings {
	return Settings{
		Risk: RiskLimits{
			MaxPositionSize:    decimal.NewFromInt(100),
			MaxMarketExposure:  decimal.NewFromInt(500),
			MaxTotalExposure:   decimal.NewFromInt(1000),
			MaxDailyLoss:       decimal.NewFromInt(200),
			MaxOpenPositions:   20,
			OrderRatePerSecond: 5,
			OrderRateBurst:     5,
		},
		CommissionRate: decimal.NewFromFloat(0.02),
		Iceberg: IcebergConfig{
			VisibleFraction: decimal.NewFromFloat(0.25),
			MinSliceSize:    decimal.NewFromInt(2),
		},
		TWAP: TWAPConfig{
			Buckets: 6,
			Horizon: time.Minute,
		},
		Smart: SmartConfig{
			SpreadTicks:   2,
			DepthMultiple: decimal.NewFromInt(2),
			MaxRest:       5 * time.Second,
			Reevaluate:    500 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxAttempts:     4,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Provider: ProviderConfig{
			Name:             "fake",
			StreamURL:        "",
			HandshakeTimeout: 10 * time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Audit: AuditConfig{
			Path:         "audit.log",
			PostgresDSN:  "",
			ReplayBuffer: 4096,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "fairline-trader",
			OTLPEndpoint: "",
		},
		StaleAfter: 5 * time.Second,
	}
}

// Load reads settings from the YAML file at path, layered over defaults.
func Load(path string) (Settings, error) {
	settings := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	if s.CommissionRate.IsNegative() || s.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: commission rate %s outside [0,1)", s.CommissionRate)
	}
	if s.Risk.MaxOpenPositions < 0 {
		return fmt.Errorf("config: maxOpenPositions must be non-negative")
	}
	if s.Iceberg.VisibleFraction.LessThanOrEqual(decimal.Zero) || s.Iceberg.VisibleFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: iceberg visibleFraction %s outside (0,1]", s.Iceberg.VisibleFraction)
	}
	if s.TWAP.Buckets <= 0 {
		return fmt.Errorf("config: twap buckets must be positive")
	}
	if s.TWAP.Horizon <= 0 {
		return fmt.Errorf("config: twap horizon must be positive")
	}
	if s.Smart.MaxRest <= 0 {
		return fmt.Errorf("config: smart maxRest must be positive")
	}
	if s.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry maxAttempts must be positive")
	}
	if s.StaleAfter <= 0 {
		return fmt.Errorf("config: staleAfter must be positive")
	}
	return nil
}
