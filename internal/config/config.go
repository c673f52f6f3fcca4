package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/surgagent/surgagent/internal/routing"
)

// Config represents the full SurgAgent configuration
type Config struct {
	Thresholds ThresholdsConfig      `mapstructure:"thresholds"`
	Advisor    AdvisorConfig         `mapstructure:"advisor"`
	Gemini     GeminiConfig          `mapstructure:"gemini"`
	Langfuse   LangfuseConfig        `mapstructure:"langfuse"`
	Cloud      CloudConfig           `mapstructure:"cloud"`
	Trace      TraceConfig           `mapstructure:"trace"`
	Routing    *routing.PhaseRouting `mapstructure:"routing"`
}

// ThresholdsConfig contains the decision-policy thresholds and windows
type ThresholdsConfig struct {
	CheckpointInterval int     `mapstructure:"checkpoint_interval"`
	Window             int     `mapstructure:"window"`
	ConfidenceFloor    float64 `mapstructure:"confidence_floor"`
	LowConfidence      float64 `mapstructure:"low_confidence"`
	Continuity         float64 `mapstructure:"continuity"`
	Replan             float64 `mapstructure:"replan"`
	RecoveryWindow     int     `mapstructure:"recovery_window"`
}

// AdvisorConfig bounds the external advisor calls
type AdvisorConfig struct {
	Timeout    string `mapstructure:"timeout"`
	Attempts   int    `mapstructure:"attempts"`
	Backoff    string `mapstructure:"backoff"`
	RateLimit  int    `mapstructure:"rate_limit"`  // calls per rate_interval
	RateWindow string `mapstructure:"rate_window"` // interval for the limit
}

// GeminiConfig contains Gemini API settings. The key is resolved from
// api_key first, then from the Secret Manager path in api_key_secret.
type GeminiConfig struct {
	APIKey       string `mapstructure:"api_key"`
	APIKeySecret string `mapstructure:"api_key_secret"`
	Model        string `mapstructure:"model"`
	BaseURL      string `mapstructure:"base_url"`
}

// LangfuseConfig contains generation tracing settings
type LangfuseConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	PublicKey string `mapstructure:"public_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
}

// CloudConfig contains Google Cloud Logging settings
type CloudConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Project string `mapstructure:"project"`
	LogName string `mapstructure:"log_name"`
}

// TraceConfig contains trace and session persistence settings
type TraceConfig struct {
	Dir         string `mapstructure:"dir"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

// Load loads configuration from file and environment
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Thresholds.CheckpointInterval == 0 {
		cfg.Thresholds.CheckpointInterval = 15
	}

	if cfg.Thresholds.Window == 0 {
		cfg.Thresholds.Window = 15
	}

	if cfg.Thresholds.ConfidenceFloor == 0 {
		cfg.Thresholds.ConfidenceFloor = 0.3
	}

	if cfg.Thresholds.LowConfidence == 0 {
		cfg.Thresholds.LowConfidence = 0.5
	}

	if cfg.Thresholds.Continuity == 0 {
		cfg.Thresholds.Continuity = 0.6
	}

	if cfg.Thresholds.Replan == 0 {
		cfg.Thresholds.Replan = 0.65
	}

	if cfg.Thresholds.RecoveryWindow == 0 {
		cfg.Thresholds.RecoveryWindow = 10
	}

	if cfg.Advisor.Timeout == "" {
		cfg.Advisor.Timeout = "3s"
	}

	if cfg.Advisor.Attempts == 0 {
		cfg.Advisor.Attempts = 3
	}

	if cfg.Advisor.Backoff == "" {
		cfg.Advisor.Backoff = "200ms"
	}

	if cfg.Advisor.RateLimit == 0 {
		cfg.Advisor.RateLimit = 30
	}

	if cfg.Advisor.RateWindow == "" {
		cfg.Advisor.RateWindow = "1m"
	}

	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = "gemini-2.0-flash"
	}

	if cfg.Cloud.LogName == "" {
		cfg.Cloud.LogName = "surgagent-sessions"
	}

	if cfg.Trace.Dir == "" {
		cfg.Trace.Dir = "."
	}

	if cfg.Trace.MaxSessions == 0 {
		cfg.Trace.MaxSessions = 100
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Thresholds.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint_interval must be at least 1")
	}

	if c.Thresholds.Window < 1 {
		return fmt.Errorf("window must be at least 1")
	}

	if c.Thresholds.RecoveryWindow < 1 {
		return fmt.Errorf("recovery_window must be at least 1")
	}

	fractions := map[string]float64{
		"confidence_floor": c.Thresholds.ConfidenceFloor,
		"low_confidence":   c.Thresholds.LowConfidence,
		"continuity":       c.Thresholds.Continuity,
		"replan":           c.Thresholds.Replan,
	}
	for name, v := range fractions {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}

	if c.Thresholds.Replan < c.Thresholds.LowConfidence {
		return fmt.Errorf("replan threshold %v must not be below low_confidence %v",
			c.Thresholds.Replan, c.Thresholds.LowConfidence)
	}

	if c.Advisor.Attempts < 1 {
		return fmt.Errorf("advisor attempts must be at least 1")
	}

	if _, err := time.ParseDuration(c.Advisor.Timeout); err != nil {
		return fmt.Errorf("invalid advisor timeout: %w", err)
	}

	if _, err := time.ParseDuration(c.Advisor.Backoff); err != nil {
		return fmt.Errorf("invalid advisor backoff: %w", err)
	}

	if _, err := time.ParseDuration(c.Advisor.RateWindow); err != nil {
		return fmt.Errorf("invalid advisor rate_window: %w", err)
	}

	if c.Cloud.Enabled && c.Cloud.Project == "" {
		return fmt.Errorf("cloud project is required when cloud logging is enabled")
	}

	if c.Langfuse.Enabled && (c.Langfuse.PublicKey == "" || c.Langfuse.SecretKey == "") {
		return fmt.Errorf("langfuse public_key and secret_key are required when langfuse is enabled")
	}

	return nil
}

// ValidateForTrack performs additional validation required before driving a
// live tracking session with the Gemini advisor. A key may come from config
// or from the GEMINI_API_KEY environment variable.
func (c *Config) ValidateForTrack() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Gemini.APIKey == "" && c.Gemini.APIKeySecret == "" && os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("gemini api_key, api_key_secret, or GEMINI_API_KEY is required")
	}

	return nil
}

// TimeoutDuration returns the parsed advisor timeout. Call Validate first;
// an unparsable value falls back to the default.
func (a AdvisorConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// BackoffDuration returns the parsed advisor backoff base.
func (a AdvisorConfig) BackoffDuration() time.Duration {
	d, err := time.ParseDuration(a.Backoff)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}

// RateWindowDuration returns the parsed rate-limit interval.
func (a AdvisorConfig) RateWindowDuration() time.Duration {
	d, err := time.ParseDuration(a.RateWindow)
	if err != nil {
		return time.Minute
	}
	return d
}
