// Package config loads orchestrator configuration: godotenv for local
// .env files, environment variables with sane defaults, bound through
// viper so the same keys can be set via flag, env, or config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/cortexscore/evalengine/internal/model"
)

// Config holds every tunable the orchestrator needs: dispatch
// concurrency, retry ceiling, deadlines, and per-dimension weights,
// plus the broker/store connection strings.
type Config struct {
	Env      string
	LogLevel string

	BrokerAddr     string
	BrokerPassword string
	BrokerDB       int

	DatabaseURL string

	MaxConcurrentTasks   int
	MaxRetries           int
	TaskTimeout          time.Duration
	SweepInterval        time.Duration
	PartialResultsTTL    time.Duration
	ResultsPopTimeout    time.Duration
	MainPopTimeout       time.Duration
	HardShutdownDeadline time.Duration

	Weights model.Weights

	MetricsAddr string
	SentryDSN   string
}

// defaults sets every Config field's default value before env/flag
// overrides are applied.
func defaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("broker_addr", "localhost:6379")
	v.SetDefault("broker_password", "")
	v.SetDefault("broker_db", 0)

	v.SetDefault("database_url", "")

	v.SetDefault("max_concurrent_tasks", 10)
	v.SetDefault("max_retries", 3)
	v.SetDefault("task_timeout_seconds", 300)
	v.SetDefault("sweep_interval_seconds", 60)
	v.SetDefault("partial_results_ttl_seconds", 3600)
	v.SetDefault("results_pop_timeout_ms", 1000)
	v.SetDefault("main_pop_timeout_ms", 5000)
	v.SetDefault("hard_shutdown_deadline_seconds", 30)

	v.SetDefault("weight_instruction", 0.20)
	v.SetDefault("weight_hallucination", 0.25)
	v.SetDefault("weight_assumption", 0.20)
	v.SetDefault("weight_coherence", 0.15)
	v.SetDefault("weight_accuracy", 0.20)

	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("sentry_dsn", "")
}

// Load builds a Config from (in increasing precedence) defaults, an
// optional .env file, environment variables prefixed EVAL_, and any
// flags already bound into v by the CLI layer.
func Load(v *viper.Viper) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, continuing with environment")
	}

	defaults(v)
	v.SetEnvPrefix("eval")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	weights := model.Weights{
		model.DimensionInstruction:   v.GetFloat64("weight_instruction"),
		model.DimensionHallucination: v.GetFloat64("weight_hallucination"),
		model.DimensionAssumption:    v.GetFloat64("weight_assumption"),
		model.DimensionCoherence:     v.GetFloat64("weight_coherence"),
		model.DimensionAccuracy:      v.GetFloat64("weight_accuracy"),
	}

	cfg := &Config{
		Env:      v.GetString("env"),
		LogLevel: v.GetString("log_level"),

		BrokerAddr:     v.GetString("broker_addr"),
		BrokerPassword: v.GetString("broker_password"),
		BrokerDB:       v.GetInt("broker_db"),

		DatabaseURL: v.GetString("database_url"),

		MaxConcurrentTasks:   v.GetInt("max_concurrent_tasks"),
		MaxRetries:           v.GetInt("max_retries"),
		TaskTimeout:          time.Duration(v.GetInt64("task_timeout_seconds")) * time.Second,
		SweepInterval:        time.Duration(v.GetInt64("sweep_interval_seconds")) * time.Second,
		PartialResultsTTL:    time.Duration(v.GetInt64("partial_results_ttl_seconds")) * time.Second,
		ResultsPopTimeout:    time.Duration(v.GetInt64("results_pop_timeout_ms")) * time.Millisecond,
		MainPopTimeout:       time.Duration(v.GetInt64("main_pop_timeout_ms")) * time.Millisecond,
		HardShutdownDeadline: time.Duration(v.GetInt64("hard_shutdown_deadline_seconds")) * time.Second,

		Weights: weights,

		MetricsAddr: v.GetString("metrics_addr"),
		SentryDSN:   v.GetString("sentry_dsn"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants configuration must satisfy: weights
// must be non-negative and sum to 1 (within floating-point tolerance),
// MaxConcurrentTasks, TaskTimeout, SweepInterval and PartialResultsTTL
// must be positive, and MaxRetries must be non-negative. The pop
// timeouts and HardShutdownDeadline are not checked.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.TaskTimeout <= 0 || c.SweepInterval <= 0 || c.PartialResultsTTL <= 0 {
		return fmt.Errorf("task_timeout, sweep_interval, and partial_results_ttl must all be positive")
	}

	var sum float64
	for _, d := range model.Dimensions {
		w, ok := c.Weights[d]
		if !ok {
			return fmt.Errorf("missing weight for dimension %q", d)
		}
		if w < 0 {
			return fmt.Errorf("weight for dimension %q must be non-negative, got %f", d, w)
		}
		sum += w
	}
	const tolerance = 1e-9
	if sum < 1-tolerance || sum > 1+tolerance {
		return fmt.Errorf("dimension weights must sum to 1, got %f", sum)
	}
	return nil
}
