// Package config loads engine settings, the model catalog and aliases.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/concord/pkg/executor"
	"github.com/zen-systems/concord/pkg/registry"
)

// Config holds the application configuration.
type Config struct {
	Logging    LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Engine     EngineConfig           `mapstructure:"engine" yaml:"engine"`
	Retry      executor.RetryPolicy   `mapstructure:"retry" yaml:"retry"`
	Timeouts   executor.Timeouts      `mapstructure:"timeouts" yaml:"timeouts"`
	Breaker    registry.BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Store      StoreConfig            `mapstructure:"store" yaml:"store"`
	Classifier ClassifierConfig       `mapstructure:"classifier" yaml:"classifier"`
	Judge      string                 `mapstructure:"judge" yaml:"judge,omitempty"`
	Pins       map[string]string      `mapstructure:"pins" yaml:"pins,omitempty"`
	Models     []ModelSpec            `mapstructure:"models" yaml:"models"`
	Aliases    map[string]string      `mapstructure:"aliases" yaml:"aliases,omitempty"`

	// API keys are read from the environment only, never from the config file.
	AnthropicAPIKey string `mapstructure:"-" yaml:"-"`
	OpenAIAPIKey    string `mapstructure:"-" yaml:"-"`
	GoogleAPIKey    string `mapstructure:"-" yaml:"-"`
	DeepSeekAPIKey  string `mapstructure:"-" yaml:"-"`

	// Path is the file the config was read from, empty when none was found.
	Path string `mapstructure:"-" yaml:"-"`
}

// LoggingConfig selects the log level and output format (console or json).
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// EngineConfig tunes the pipeline.
type EngineConfig struct {
	MaxSubtasks       int     `mapstructure:"max_subtasks" yaml:"max_subtasks"`
	MaxParallel       int     `mapstructure:"max_parallel" yaml:"max_parallel"`
	ArbitrationFanout int     `mapstructure:"arbitration_fanout" yaml:"arbitration_fanout"`
	AllowDegraded     bool    `mapstructure:"allow_degraded" yaml:"allow_degraded"`
	FallbackOnFailure bool    `mapstructure:"fallback_on_failure" yaml:"fallback_on_failure"`
	BudgetUSD         float64 `mapstructure:"budget_usd" yaml:"budget_usd"`
}

// StoreConfig locates the outcome database used to warm-start reliability.
type StoreConfig struct {
	Path     string        `mapstructure:"path" yaml:"path"`
	Disabled bool          `mapstructure:"disabled" yaml:"disabled"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
	MinCalls int           `mapstructure:"min_calls" yaml:"min_calls"`
}

// ClassifierConfig enables the model tie-breaker for low-confidence intents.
type ClassifierConfig struct {
	Model     string  `mapstructure:"model" yaml:"model,omitempty"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := defaultDir()
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Engine: EngineConfig{
			MaxSubtasks:       10,
			MaxParallel:       4,
			ArbitrationFanout: 2,
			AllowDegraded:     true,
			FallbackOnFailure: true,
		},
		Retry:      executor.DefaultRetryPolicy(),
		Timeouts:   executor.DefaultTimeouts(),
		Breaker:    registry.DefaultBreakerConfig(),
		Store:      StoreConfig{Path: filepath.Join(dir, "outcomes.db"), Window: 7 * 24 * time.Hour, MinCalls: 5},
		Classifier: ClassifierConfig{Threshold: 0.65},
		Models:     DefaultModels(),
		Aliases:    DefaultAliases(),
	}
}

// DefaultPath returns ~/.concord/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDir(), "config.yaml")
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".concord"
	}
	return filepath.Join(home, ".concord")
}

// Load reads configuration from path (or ~/.concord/config.yaml when empty) and
// CONCORD_* environment variables. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("CONCORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		cfg.Path = path
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if cfg.Aliases == nil {
		cfg.Aliases = DefaultAliases()
	}
	// A models.yaml next to the config file adds aliases on top of the config's own.
	if extra, err := LoadAliases(filepath.Join(filepath.Dir(path), "models.yaml")); err == nil {
		for k, v := range extra.Aliases {
			cfg.Aliases[k] = v
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read aliases: %w", err)
	}

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	cfg.DeepSeekAPIKey = os.Getenv("DEEPSEEK_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("engine.max_subtasks", d.Engine.MaxSubtasks)
	v.SetDefault("engine.max_parallel", d.Engine.MaxParallel)
	v.SetDefault("engine.arbitration_fanout", d.Engine.ArbitrationFanout)
	v.SetDefault("engine.allow_degraded", d.Engine.AllowDegraded)
	v.SetDefault("engine.fallback_on_failure", d.Engine.FallbackOnFailure)
	v.SetDefault("engine.budget_usd", d.Engine.BudgetUSD)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_backoff", d.Retry.BaseBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("timeouts.fast", d.Timeouts.Fast)
	v.SetDefault("timeouts.balanced", d.Timeouts.Balanced)
	v.SetDefault("timeouts.best_quality", d.Timeouts.BestQuality)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.cool_down", d.Breaker.CoolDown)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.disabled", d.Store.Disabled)
	v.SetDefault("store.window", d.Store.Window)
	v.SetDefault("store.min_calls", d.Store.MinCalls)
	v.SetDefault("classifier.model", d.Classifier.Model)
	v.SetDefault("classifier.threshold", d.Classifier.Threshold)
	v.SetDefault("judge", d.Judge)
}

// Validate checks ranges and that aliases, pins and the judge refer to catalog models.
func (c *Config) Validate() error {
	if c.Engine.MaxSubtasks < 1 {
		return fmt.Errorf("engine.max_subtasks must be at least 1")
	}
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine.max_parallel must be at least 1")
	}
	if c.Engine.ArbitrationFanout < 1 {
		return fmt.Errorf("engine.arbitration_fanout must be at least 1")
	}
	if c.Engine.BudgetUSD < 0 {
		return fmt.Errorf("engine.budget_usd must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if _, err := m.Descriptor(); err != nil {
			return err
		}
		if seen[m.ID] {
			return fmt.Errorf("model %s listed twice", m.ID)
		}
		seen[m.ID] = true
		if m.Reliability < 0 || m.Reliability > 1 {
			return fmt.Errorf("model %s: reliability %.2f out of range", m.ID, m.Reliability)
		}
	}

	aliases := c.ModelAliases()
	if errs := aliases.ValidatePins(c.Pins); len(errs) > 0 {
		return errors.Join(errs...)
	}
	if _, err := PinMap(c.Pins, aliases); err != nil {
		return err
	}
	for _, ref := range []struct{ name, model string }{{"judge", c.Judge}, {"classifier.model", c.Classifier.Model}} {
		if ref.model != "" && !seen[aliases.Resolve(ref.model)] {
			return fmt.Errorf("%s: model %q is not in the catalog", ref.name, ref.model)
		}
	}
	return nil
}

// ModelAliases builds the alias table over the configured catalog.
func (c *Config) ModelAliases() *ModelAliases {
	return NewAliases(c.Aliases, c.Models)
}

// APIKey returns the environment-provided key for a provider.
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "google":
		return c.GoogleAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	default:
		return ""
	}
}

// HasProvider returns true if the API key for the given provider is configured.
func (c *Config) HasProvider(name string) bool {
	return c.APIKey(name) != ""
}

// WriteDefault writes the built-in configuration to path. Existing files are kept
// unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
