package config

import (
	"adaptive-grid-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidConfiguration marks a config that must not be traded on.
// It is fatal at startup.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Load reads the JSON config file, applies defaults and validates it.
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-valued optional fields.
func ApplyDefaults(cfg *models.Config) {
	if cfg.VolatilityPeriod == 0 {
		cfg.VolatilityPeriod = 14
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = "1h"
	}
	if cfg.SpacingMultiplier == 0 {
		cfg.SpacingMultiplier = 1.0
	}
	if cfg.TickSize == 0 {
		cfg.TickSize = 0.01
	}
	if cfg.StepSize == 0 {
		cfg.StepSize = 0.00001
	}
	if cfg.RecalibrationEpsilon == 0 {
		cfg.RecalibrationEpsilon = 0.001
	}
	if cfg.GatewayTimeoutSec == 0 {
		cfg.GatewayTimeoutSec = 10
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs == 0 {
		cfg.RetryInitialDelayMs = 200
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./data/state"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate checks every startup constraint and reports all violations at
// once, so a broken config can be fixed in a single pass.
func Validate(cfg *models.Config) error {
	var problems []string

	if cfg.Symbol == "" {
		problems = append(problems, "symbol must be set")
	}
	if cfg.Leverage <= 0 {
		problems = append(problems, fmt.Sprintf("leverage must be > 0, got %d", cfg.Leverage))
	}
	if cfg.GridSize < 2 {
		problems = append(problems, fmt.Sprintf("grid_size must be >= 2, got %d", cfg.GridSize))
	}
	if cfg.AdjustIntervalMin <= 0 {
		problems = append(problems, fmt.Sprintf("adjust_interval_min must be > 0, got %d", cfg.AdjustIntervalMin))
	}
	if cfg.StopLossPct <= 0 {
		problems = append(problems, "stop_loss_pct must be > 0 (fractional)")
	}
	if cfg.TakeProfitPct <= 0 {
		problems = append(problems, "take_profit_pct must be > 0 (fractional)")
	}
	if cfg.Budget <= 0 {
		problems = append(problems, fmt.Sprintf("budget must be > 0, got %.2f", cfg.Budget))
	}
	if cfg.VolatilityPeriod < 1 {
		problems = append(problems, fmt.Sprintf("volatility_period must be >= 1, got %d", cfg.VolatilityPeriod))
	}
	if cfg.Sandbox && cfg.SandboxDataFile == "" {
		problems = append(problems, "sandbox_data_file must be set when sandbox is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
