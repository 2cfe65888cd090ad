package guard

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"copytrade-core/pkg/db"
)

// DrawdownConfig holds validated drawdown guard thresholds.
type DrawdownConfig struct {
	WarningPercent  float64 `yaml:"warning_percent" json:"warning_percent"`
	CriticalPercent float64 `yaml:"critical_percent" json:"critical_percent"`
	MinEquity       float64 `yaml:"min_equity" json:"min_equity"`
}

// MarketConfig holds validated market-condition guard thresholds.
type MarketConfig struct {
	MaxGapPercent    float64 `yaml:"max_gap_percent" json:"max_gap_percent"`
	MaxSpreadPercent float64 `yaml:"max_spread_percent" json:"max_spread_percent"`
}

// Config bundles both guard configs for one user.
type Config struct {
	Drawdown DrawdownConfig `yaml:"drawdown" json:"drawdown"`
	Market   MarketConfig   `yaml:"market" json:"market"`
}

// DefaultConfig returns the stock thresholds: 15% warning / 20% critical
// drawdown, no equity floor, 1% gap, 0.5% spread.
func DefaultConfig() Config {
	return Config{
		Drawdown: DrawdownConfig{
			WarningPercent:  15,
			CriticalPercent: 20,
			MinEquity:       0,
		},
		Market: MarketConfig{
			MaxGapPercent:    1.0,
			MaxSpreadPercent: 0.5,
		},
	}
}

// Validate checks internal consistency of the thresholds.
func (c Config) Validate() error {
	if c.Drawdown.WarningPercent <= 0 || c.Drawdown.CriticalPercent <= 0 {
		return fmt.Errorf("drawdown thresholds must be positive")
	}
	if c.Drawdown.WarningPercent > c.Drawdown.CriticalPercent {
		return fmt.Errorf("drawdown warning %.1f%% above critical %.1f%%",
			c.Drawdown.WarningPercent, c.Drawdown.CriticalPercent)
	}
	if c.Drawdown.MinEquity < 0 {
		return fmt.Errorf("min_equity must not be negative")
	}
	if c.Market.MaxGapPercent < 0 || c.Market.MaxSpreadPercent < 0 {
		return fmt.Errorf("market thresholds must not be negative")
	}
	return nil
}

// fromRow converts a stored guard_configs row.
func fromRow(gc db.GuardConfig) Config {
	return Config{
		Drawdown: DrawdownConfig{
			WarningPercent:  gc.WarningPercent,
			CriticalPercent: gc.CriticalPercent,
			MinEquity:       gc.MinEquity,
		},
		Market: MarketConfig{
			MaxGapPercent:    gc.MaxGapPercent,
			MaxSpreadPercent: gc.MaxSpreadPercent,
		},
	}
}

// UserConfigEntry is one per-user override in guards.yaml.
type UserConfigEntry struct {
	UserID string `yaml:"user_id"`
	Config `yaml:",inline"`
}

// ConfigFile is the top-level guards.yaml structure.
type ConfigFile struct {
	Users []UserConfigEntry `yaml:"users"`
}

// LoadConfigFile reads per-user guard overrides from a YAML file.
func LoadConfigFile(path string) ([]UserConfigEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	for _, entry := range file.Users {
		if entry.UserID == "" {
			return nil, fmt.Errorf("guards config entry missing user_id")
		}
		if err := entry.Config.Validate(); err != nil {
			return nil, fmt.Errorf("guards config for %s: %w", entry.UserID, err)
		}
	}
	return file.Users, nil
}

// SyncConfigToDB upserts per-user overrides from guards.yaml into the store.
func SyncConfigToDB(ctx context.Context, database *db.Database, entries []UserConfigEntry) error {
	for _, entry := range entries {
		row := db.GuardConfig{
			UserID:           entry.UserID,
			WarningPercent:   entry.Drawdown.WarningPercent,
			CriticalPercent:  entry.Drawdown.CriticalPercent,
			MinEquity:        entry.Drawdown.MinEquity,
			MaxGapPercent:    entry.Market.MaxGapPercent,
			MaxSpreadPercent: entry.Market.MaxSpreadPercent,
		}
		if err := database.UpsertGuardConfig(ctx, row); err != nil {
			return fmt.Errorf("sync guard config for %s: %w", entry.UserID, err)
		}
	}
	return nil
}
