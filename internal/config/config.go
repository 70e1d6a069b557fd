package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all clashd configuration.
type Config struct {
	Name string `yaml:"name"`

	// Directory holding every persisted document, the archive and logs.
	DataDir string `yaml:"data_dir"`

	// Optional YAML grid pack replacing the built-in 27-cell grid.
	GridFile string `yaml:"grid_file,omitempty"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Budget    BudgetConfig    `yaml:"budget"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Findings  FindingsConfig  `yaml:"findings"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SchedulerConfig configures the tick driver and the simulated agents.
type SchedulerConfig struct {
	TickInterval   string `yaml:"tick_interval"`
	TickBudget     string `yaml:"tick_budget"` // wall-clock budget for one tick's paid work
	LockStaleAfter string `yaml:"lock_stale_after"`
	CellCount      int    `yaml:"cell_count"`
	MoveEnergyCost int    `yaml:"move_energy_cost"`
	BondEnergy     int    `yaml:"bond_energy"`
	MemoryWindow   int    `yaml:"memory_window"`
}

// FindingsConfig configures the finding log and metric recomputation.
type FindingsConfig struct {
	LogCap         int `yaml:"log_cap"`
	RecomputeEvery int `yaml:"recompute_every"` // ticks between full recomputes
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "clashd27",
		DataDir: "data",

		Scheduler: SchedulerConfig{
			TickInterval:   "60s",
			TickBudget:     "50s",
			LockStaleAfter: "10m",
			CellCount:      27,
			MoveEnergyCost: 1,
			BondEnergy:     10,
			MemoryWindow:   20,
		},

		Pairing: PairingConfig{
			MinScore:       0.3,
			ScoringVersion: "v2",
			CacheBaseTTL:   "24h",
			CacheJitter:    0.15,
			Rubric: RubricConfig{
				ID:               "golden",
				LayerWeight:      0.40,
				NoveltyWeight:    0.35,
				ComplementWeight: 0.25,
			},
			SaturationLimit: 2,
		},

		Pipeline: DefaultPipelineConfig(),

		Budget: DefaultBudgetConfig(),

		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         "5m",
			MaxCooldown:      "1h",
		},

		Findings: FindingsConfig{
			LogCap:         1000,
			RecomputeEvery: 10,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("CLASHD_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if v := os.Getenv("CLASHD_DAILY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.DailyCeilingUSD = f
		}
	}
	if v := os.Getenv("CLASHD_TICK_INTERVAL"); v != "" {
		c.Scheduler.TickInterval = v
	}
	if v := os.Getenv("CLASHD_DEBUG"); v != "" {
		c.Logging.DebugMode = v == "1" || v == "true"
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetTickInterval returns the scheduler interval as a duration.
func (c *Config) GetTickInterval() time.Duration {
	return parseDuration(c.Scheduler.TickInterval, 60*time.Second)
}

// GetTickBudget returns the per-tick wall-clock budget.
func (c *Config) GetTickBudget() time.Duration {
	return parseDuration(c.Scheduler.TickBudget, 50*time.Second)
}

// GetLockStaleAfter returns the age after which a lock record is abandoned.
func (c *Config) GetLockStaleAfter() time.Duration {
	return parseDuration(c.Scheduler.LockStaleAfter, 10*time.Minute)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Scheduler.CellCount < 2 {
		return fmt.Errorf("cell_count must be >= 2")
	}
	if c.Findings.LogCap < 1 {
		return fmt.Errorf("log_cap must be >= 1")
	}
	if c.Findings.RecomputeEvery < 1 {
		return fmt.Errorf("recompute_every must be >= 1")
	}
	if err := c.Pairing.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if c.Budget.DailyCeilingUSD < 0 {
		return fmt.Errorf("daily_ceiling_usd must be >= 0")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure_threshold must be >= 1")
	}
	return nil
}
