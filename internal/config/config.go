package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable namespace, e.g.
// MAIL_SORTER_PROVIDER overrides the provider key.
const EnvPrefix = "MAIL_SORTER"

// Config wraps the underlying Viper instance.
type Config struct {
	v *viper.Viper
}

// New loads configuration from the standard search paths. A missing file
// is fine; defaults plus environment cover everything.
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath("/etc/llm-mail-sorter/")
	v.AddConfigPath("$HOME/.config/llm-mail-sorter")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// NewFromFile loads configuration from an explicit path.
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "ollama")

	// Ollama defaults
	v.SetDefault("ollama.endpoint", "http://127.0.0.1:11434")
	v.SetDefault("ollama.model", "llama3.1:8b")
	v.SetDefault("ollama.timeout_ms", 30000)
	v.SetDefault("ollama.api_key_ref", "")
	v.SetDefault("ollama.enabled", true)
	v.SetDefault("ollama.max_tokens", 256)
	v.SetDefault("ollama.temperature", 0.1)
	v.SetDefault("ollama.max_body_size", 8192)

	// OpenAI defaults
	v.SetDefault("openai.endpoint", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout_ms", 30000)
	v.SetDefault("openai.api_key_ref", "openai_api_key")
	v.SetDefault("openai.enabled", false)
	v.SetDefault("openai.max_tokens", 256)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.max_body_size", 8192)

	// Anthropic defaults
	v.SetDefault("anthropic.endpoint", "https://api.anthropic.com")
	v.SetDefault("anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("anthropic.timeout_ms", 30000)
	v.SetDefault("anthropic.api_key_ref", "anthropic_api_key")
	v.SetDefault("anthropic.enabled", false)
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("anthropic.max_body_size", 8192)

	// Gemini defaults
	v.SetDefault("gemini.endpoint", "")
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("gemini.timeout_ms", 30000)
	v.SetDefault("gemini.api_key_ref", "gemini_api_key")
	v.SetDefault("gemini.enabled", false)
	v.SetDefault("gemini.max_tokens", 256)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.max_body_size", 8192)

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("bedrock.timeout_ms", 30000)
	v.SetDefault("bedrock.enabled", false)
	v.SetDefault("bedrock.max_tokens", 256)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)
	v.SetDefault("bedrock.max_body_size", 8192)

	v.SetDefault("analysis_mode", "full")
	v.SetDefault("default_language", "en")

	v.SetDefault("thresholds.default", 0.5)
	v.SetDefault("thresholds.folders", map[string]float64{})

	v.SetDefault("rate_limit_per_min", 10)

	v.SetDefault("batch.enabled", true)
	v.SetDefault("batch.rate_limit_per_min", 30)
	v.SetDefault("batch.workers", 2)

	v.SetDefault("circuit_breaker.failures", 3)
	v.SetDefault("circuit_breaker.cooldown_ms", 30000)
	v.SetDefault("circuit_breaker.count_folder_rejections", false)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", 1024)
	v.SetDefault("cache.ttl_ms", 3600000)
	v.SetDefault("cache.sqlite_path", "")

	v.SetDefault("signing.enabled", false)
	v.SetDefault("signing.key_ref", "")

	v.SetDefault("feedback.enabled", false)
	v.SetDefault("feedback.data_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("queue_size", 256)
	v.SetDefault("workers", 4)
}

// ErrInvalid marks configuration that failed decoding or validation.
// Entry points use it to distinguish operator mistakes from runtime
// failures in their exit codes.
var ErrInvalid = errors.New("invalid configuration")

// Snapshot decodes the current settings into an immutable Snapshot.
// Unknown keys are an error: a typo in config must fail loudly instead
// of silently falling back to a default.
func (c *Config) Snapshot() (*Snapshot, error) {
	var s Snapshot
	err := c.v.Unmarshal(&s, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return &s, nil
}

// AllSettings returns the raw settings map for the get_config frame.
// Config never holds secret material, only key references, so the map
// is safe to echo back to the client.
func (c *Config) AllSettings() map[string]interface{} {
	return c.v.AllSettings()
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}

// Manager owns the live snapshot and serializes runtime config changes.
// Readers get the current snapshot lock-free; writers validate the
// merged result before swapping, so a bad patch never half-applies.
type Manager struct {
	mu      sync.Mutex
	cfg     *Config
	current atomic.Pointer[Snapshot]
}

// NewManager validates the initial configuration and installs it.
func NewManager(cfg *Config) (*Manager, error) {
	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg}
	m.current.Store(snap)
	return m, nil
}

// Current returns the live snapshot. Never nil after NewManager.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Candidate is a staged, validated configuration that has not been
// installed yet. The caller commits it once dependent components have
// been rebuilt successfully.
type Candidate struct {
	Snapshot *Snapshot
	cfg      *Config
}

// Stage merges a patch from a set_config frame over the current settings
// and validates the result without installing it. On error nothing
// changes.
func (m *Manager) Stage(patch map[string]interface{}) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := NewEmptyViper()
	if err := merged.MergeConfigMap(m.cfg.v.AllSettings()); err != nil {
		return nil, fmt.Errorf("merge current config: %w", err)
	}
	if err := merged.MergeConfigMap(patch); err != nil {
		return nil, fmt.Errorf("merge config patch: %w", err)
	}

	candidate := NewFromViper(merged)
	snap, err := candidate.Snapshot()
	if err != nil {
		return nil, err
	}
	return &Candidate{Snapshot: snap, cfg: candidate}, nil
}

// Commit installs a staged candidate atomically.
func (m *Manager) Commit(c *Candidate) {
	m.mu.Lock()
	m.cfg = c.cfg
	m.mu.Unlock()
	m.current.Store(c.Snapshot)
}

// Apply stages and immediately commits a patch.
func (m *Manager) Apply(patch map[string]interface{}) (*Snapshot, error) {
	c, err := m.Stage(patch)
	if err != nil {
		return nil, err
	}
	m.Commit(c)
	return c.Snapshot, nil
}

// AllSettings returns the live raw settings map.
func (m *Manager) AllSettings() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.AllSettings()
}
