// Package config defines the orchestrator's recognized configuration
// surface (spec §6) and decodes it from an untyped map the way a
// config-file adapter (out of scope per spec §1) would hand it to the
// core after parsing HCL/YAML/etc.
package config

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/cronexpr"

	"github.com/fleetsched/fleetsched/internal/structs"
)

type EnergyMode string

const (
	EnergyPerformance EnergyMode = "performance"
	EnergyBalanced    EnergyMode = "balanced"
	EnergyEfficiency  EnergyMode = "efficiency"
)

// Config is the orchestrator's recognized option set. Field names map
// to the snake_case keys in spec §6 via mapstructure tags; decoding
// with ErrorUnused rejects any key not named here, per "unknown keys ⇒
// error".
type Config struct {
	ResilienceLevel             structs.ResilienceLevel        `mapstructure:"resilience_level"`
	EnergyMode                  EnergyMode                     `mapstructure:"energy_mode"`
	CycleIntervalSeconds        int                             `mapstructure:"cycle_interval_seconds"`
	HeartbeatTimeoutSeconds     int                             `mapstructure:"heartbeat_timeout_seconds"`
	ErrorThresholdPerTier       map[structs.TenantTier]int      `mapstructure:"error_threshold_per_tier"`
	CheckpointIntervalOverrides map[structs.ResilienceLevel]int `mapstructure:"checkpoint_interval_overrides"`

	// CancelAckTimeoutSeconds is T_cancel_ack, the stop-acknowledgement
	// timeout. It is decoded, defaulted and merged, but no component in
	// this module reads it: nothing forces a job to cancelled or marks
	// its node errored when the timeout passes.
	CancelAckTimeoutSeconds int `mapstructure:"cancel_ack_timeout_seconds"`

	// EnergyOffPeakCron defines the off-peak window efficiency mode
	// defers non-critical jobs into (SPEC_FULL.md C5 supplement).
	EnergyOffPeakCron string `mapstructure:"energy_off_peak_cron"`
}

// Default returns the baseline configuration every orchestrator context
// starts from before any overrides are merged in.
func Default() *Config {
	return &Config{
		ResilienceLevel:         structs.ResilienceStandard,
		EnergyMode:              EnergyPerformance,
		CycleIntervalSeconds:    10,
		HeartbeatTimeoutSeconds: 30,
		CancelAckTimeoutSeconds: 60,
		EnergyOffPeakCron:       "0 0-6 * * *",
		ErrorThresholdPerTier: map[structs.TenantTier]int{
			structs.TierPremium:  5,
			structs.TierStandard: 3,
			structs.TierBasic:    2,
		},
		CheckpointIntervalOverrides: map[structs.ResilienceLevel]int{},
	}
}

// Decode parses an untyped map (as would arrive from a config-file
// adapter) into a Config, rejecting unrecognized keys.
func Decode(raw map[string]any) (*Config, error) {
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return nil, structs.NewValidationError("config: build decoder: %v", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, structs.NewValidationError("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge layers override on top of c, returning a new Config — mirroring
// the teacher's own Config.Merge idiom (command/agent's TestConfig_Merge)
// where a zero-value field in override leaves the base untouched.
func (c *Config) Merge(override *Config) *Config {
	if c == nil {
		return override
	}
	if override == nil {
		return c
	}
	result := *c
	if override.ResilienceLevel != "" {
		result.ResilienceLevel = override.ResilienceLevel
	}
	if override.EnergyMode != "" {
		result.EnergyMode = override.EnergyMode
	}
	if override.CycleIntervalSeconds != 0 {
		result.CycleIntervalSeconds = override.CycleIntervalSeconds
	}
	if override.HeartbeatTimeoutSeconds != 0 {
		result.HeartbeatTimeoutSeconds = override.HeartbeatTimeoutSeconds
	}
	if override.CancelAckTimeoutSeconds != 0 {
		result.CancelAckTimeoutSeconds = override.CancelAckTimeoutSeconds
	}
	if override.EnergyOffPeakCron != "" {
		result.EnergyOffPeakCron = override.EnergyOffPeakCron
	}
	if len(override.ErrorThresholdPerTier) > 0 {
		merged := map[structs.TenantTier]int{}
		for k, v := range c.ErrorThresholdPerTier {
			merged[k] = v
		}
		for k, v := range override.ErrorThresholdPerTier {
			merged[k] = v
		}
		result.ErrorThresholdPerTier = merged
	}
	if len(override.CheckpointIntervalOverrides) > 0 {
		merged := map[structs.ResilienceLevel]int{}
		for k, v := range c.CheckpointIntervalOverrides {
			merged[k] = v
		}
		for k, v := range override.CheckpointIntervalOverrides {
			merged[k] = v
		}
		result.CheckpointIntervalOverrides = merged
	}
	return &result
}

func (c *Config) Validate() error {
	switch c.ResilienceLevel {
	case structs.ResilienceMinimal, structs.ResilienceStandard, structs.ResilienceHigh, structs.ResilienceMaximum:
	default:
		return structs.NewValidationError("config: invalid resilience_level %q", c.ResilienceLevel)
	}
	switch c.EnergyMode {
	case EnergyPerformance, EnergyBalanced, EnergyEfficiency:
	default:
		return structs.NewValidationError("config: invalid energy_mode %q", c.EnergyMode)
	}
	if c.CycleIntervalSeconds <= 0 {
		return structs.NewValidationError("config: cycle_interval_seconds must be positive")
	}
	if c.HeartbeatTimeoutSeconds <= 0 {
		return structs.NewValidationError("config: heartbeat_timeout_seconds must be positive")
	}
	if _, err := cronexpr.Parse(c.EnergyOffPeakCron); err != nil {
		return structs.NewValidationError("config: invalid energy_off_peak_cron: %v", err)
	}
	return nil
}

// CheckpointInterval resolves the effective checkpoint interval for a
// resilience level, honoring any override.
func (c *Config) CheckpointInterval(level structs.ResilienceLevel) time.Duration {
	if secs, ok := c.CheckpointIntervalOverrides[level]; ok {
		return time.Duration(secs) * time.Second
	}
	return level.DefaultInterval()
}

// ErrorThreshold resolves the per-tier error count beyond which a job
// is forced to failed (spec §4.8).
func (c *Config) ErrorThreshold(tier structs.TenantTier) int {
	if n, ok := c.ErrorThresholdPerTier[tier]; ok {
		return n
	}
	return 3
}
