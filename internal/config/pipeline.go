package config

import (
	"fmt"
	"time"
)

// PairingConfig configures collision scoring and the collision cache.
type PairingConfig struct {
	MinScore       float64      `yaml:"min_score"`
	ScoringVersion string       `yaml:"scoring_version"`
	Rubric         RubricConfig `yaml:"rubric"`
	CacheBaseTTL   string       `yaml:"cache_base_ttl"`
	CacheJitter    float64      `yaml:"cache_jitter"` // fraction, 0.15 = ±15%

	// Discoveries per corridor after which discover is skipped and an
	// existing unverified claim is deepened instead.
	SaturationLimit int `yaml:"saturation_limit"`
}

// RubricConfig is the active evaluation lens for collision scoring.
type RubricConfig struct {
	ID               string  `yaml:"id"`
	LayerWeight      float64 `yaml:"layer_weight"`
	NoveltyWeight    float64 `yaml:"novelty_weight"`
	ComplementWeight float64 `yaml:"complement_weight"`
}

// GetCacheBaseTTL returns the collision cache base TTL.
func (p PairingConfig) GetCacheBaseTTL() time.Duration {
	return parseDuration(p.CacheBaseTTL, 24*time.Hour)
}

func (p PairingConfig) validate() error {
	if p.MinScore < 0 || p.MinScore > 1 {
		return fmt.Errorf("min_score must be within [0,1]")
	}
	if p.CacheJitter < 0 || p.CacheJitter >= 1 {
		return fmt.Errorf("cache_jitter must be within [0,1)")
	}
	if p.ScoringVersion == "" || p.Rubric.ID == "" {
		return fmt.Errorf("scoring_version and rubric.id are required")
	}
	return nil
}

// StageModel describes the paid call one pipeline stage makes.
type StageModel struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	EstInputTokens  int    `yaml:"est_input_tokens"`
	EstOutputTokens int    `yaml:"est_output_tokens"`
}

// PipelineConfig configures the six-stage runner.
type PipelineConfig struct {
	CallTimeout       string                `yaml:"call_timeout"`
	MinCallWindow     string                `yaml:"min_call_window"`
	MaxAttempts       int                   `yaml:"max_attempts"`
	QueueCapacity     int                   `yaml:"queue_capacity"`
	DeepDiveThreshold int                   `yaml:"deep_dive_threshold"`
	LowFloor          int                   `yaml:"low_floor"`
	TopK              int                   `yaml:"top_k"`
	DeepDiveDelay     string                `yaml:"deep_dive_delay"`
	VerifyCooldown    string                `yaml:"verify_cooldown"`
	ValidateCooldown  string                `yaml:"validate_cooldown"`
	PublishPerDay     int                   `yaml:"publish_per_day"`
	Stages            map[string]StageModel `yaml:"stages"`
}

// DefaultPipelineConfig returns the stage runner defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		CallTimeout:       "45s",
		MinCallWindow:     "5s",
		MaxAttempts:       3,
		QueueCapacity:     50,
		DeepDiveThreshold: 75,
		LowFloor:          50,
		TopK:              10,
		DeepDiveDelay:     "2s",
		VerifyCooldown:    "3s",
		ValidateCooldown:  "3s",
		PublishPerDay:     3,
		Stages: map[string]StageModel{
			"screen":    {Provider: "anthropic", Model: "claude-haiku", EstInputTokens: 800, EstOutputTokens: 100},
			"discover":  {Provider: "anthropic", Model: "claude-sonnet", EstInputTokens: 6000, EstOutputTokens: 2000},
			"deep_dive": {Provider: "anthropic", Model: "claude-sonnet", EstInputTokens: 4000, EstOutputTokens: 1500},
			"verify":    {Provider: "openai", Model: "gpt-4o", EstInputTokens: 4000, EstOutputTokens: 1000},
			"validate":  {Provider: "anthropic", Model: "claude-haiku", EstInputTokens: 2000, EstOutputTokens: 600},
		},
	}
}

// GetCallTimeout returns the per-call timeout.
func (p PipelineConfig) GetCallTimeout() time.Duration {
	return parseDuration(p.CallTimeout, 45*time.Second)
}

// GetMinCallWindow returns the least tick time a paid call needs to be
// started. Calls that start are still cut off at the tick deadline.
func (p PipelineConfig) GetMinCallWindow() time.Duration {
	return parseDuration(p.MinCallWindow, 5*time.Second)
}

// GetDeepDiveDelay returns the delay enforced between the two deep-dive calls.
func (p PipelineConfig) GetDeepDiveDelay() time.Duration {
	return parseDuration(p.DeepDiveDelay, 2*time.Second)
}

// GetVerifyCooldown returns the cooldown after each verify call.
func (p PipelineConfig) GetVerifyCooldown() time.Duration {
	return parseDuration(p.VerifyCooldown, 3*time.Second)
}

// GetValidateCooldown returns the cooldown after each validate call.
func (p PipelineConfig) GetValidateCooldown() time.Duration {
	return parseDuration(p.ValidateCooldown, 3*time.Second)
}

func (p PipelineConfig) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if p.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1")
	}
	if p.LowFloor > p.DeepDiveThreshold {
		return fmt.Errorf("low_floor (%d) must not exceed deep_dive_threshold (%d)", p.LowFloor, p.DeepDiveThreshold)
	}
	if p.TopK < 1 {
		return fmt.Errorf("top_k must be >= 1")
	}
	return nil
}
