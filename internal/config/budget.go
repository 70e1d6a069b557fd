package config

import "time"

// Price is the per-million-token price of one model.
type Price struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// BudgetConfig configures the daily spend ceiling.
type BudgetConfig struct {
	DailyCeilingUSD float64          `yaml:"daily_ceiling_usd"`
	Pricing         map[string]Price `yaml:"pricing"`
}

// DefaultBudgetConfig returns the default ceiling and price table.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyCeilingUSD: 5.00,
		Pricing: map[string]Price{
			"claude-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
			"claude-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
			"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		},
	}
}

// BreakerConfig configures the per-dependency circuit breakers.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
	MaxCooldown      string `yaml:"max_cooldown"`
}

// GetCooldown returns the initial open-state cooldown.
func (b BreakerConfig) GetCooldown() time.Duration {
	return parseDuration(b.Cooldown, 5*time.Minute)
}

// GetMaxCooldown returns the cap for extended cooldowns.
func (b BreakerConfig) GetMaxCooldown() time.Duration {
	return parseDuration(b.MaxCooldown, time.Hour)
}
