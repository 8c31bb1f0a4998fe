package config

import (
	"fmt"
	"time"
)

// Known provider and cache identifiers.
var (
	KnownProviders  = map[string]bool{"ollama": true, "openai": true, "anthropic": true, "gemini": true, "bedrock": true}
	KnownCacheTypes = map[string]bool{"memory": true, "sqlite": true}
)

// ProviderConfig is the per-provider block shared by the HTTP-backed
// providers. API keys are referenced by name and resolved through the
// OS secret store; the raw key never appears in config.
type ProviderConfig struct {
	Endpoint    string  `mapstructure:"endpoint" json:"endpoint"`
	Model       string  `mapstructure:"model" json:"model"`
	TimeoutMs   int     `mapstructure:"timeout_ms" json:"timeout_ms"`
	APIKeyRef   string  `mapstructure:"api_key_ref" json:"api_key_ref"`
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxBodySize int     `mapstructure:"max_body_size" json:"max_body_size"`
}

// Timeout returns the provider call timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// BedrockConfig configures the AWS Bedrock provider. Credentials come
// from the standard AWS chain, not from this file.
type BedrockConfig struct {
	Region      string  `mapstructure:"region" json:"region"`
	ModelID     string  `mapstructure:"model_id" json:"model_id"`
	TimeoutMs   int     `mapstructure:"timeout_ms" json:"timeout_ms"`
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	TopP        float32 `mapstructure:"top_p" json:"top_p"`
	MaxBodySize int     `mapstructure:"max_body_size" json:"max_body_size"`
}

// Timeout returns the provider call timeout.
func (b BedrockConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// ThresholdsConfig holds the per-folder confidence thresholds.
type ThresholdsConfig struct {
	Default float64            `mapstructure:"default" json:"default"`
	Folders map[string]float64 `mapstructure:"folders" json:"folders"`
}

// BatchConfig tunes the batch coordinator.
type BatchConfig struct {
	Enabled         bool `mapstructure:"enabled" json:"enabled"`
	RateLimitPerMin int  `mapstructure:"rate_limit_per_min" json:"rate_limit_per_min"`
	Workers         int  `mapstructure:"workers" json:"workers"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	Failures              int  `mapstructure:"failures" json:"failures"`
	CooldownMs            int  `mapstructure:"cooldown_ms" json:"cooldown_ms"`
	CountFolderRejections bool `mapstructure:"count_folder_rejections" json:"count_folder_rejections"`
}

// Cooldown returns the open-state cooldown.
func (b BreakerConfig) Cooldown() time.Duration {
	if b.CooldownMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.CooldownMs) * time.Millisecond
}

// CacheConfig selects and tunes the decision cache.
type CacheConfig struct {
	Type       string `mapstructure:"type" json:"type"`
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	Capacity   int    `mapstructure:"capacity" json:"capacity"`
	TTLMs      int64  `mapstructure:"ttl_ms" json:"ttl_ms"`
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLMs <= 0 {
		return time.Hour
	}
	return time.Duration(c.TTLMs) * time.Millisecond
}

// SigningConfig enables HMAC decision signing. The key is referenced by
// name and resolved through the OS secret store.
type SigningConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	KeyRef  string `mapstructure:"key_ref" json:"key_ref"`
}

// FeedbackConfig enables the user-correction store.
type FeedbackConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	DataPath string `mapstructure:"data_path" json:"data_path"`
}

// LoggingConfig tunes the stderr logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Snapshot is one immutable, validated view of the full configuration.
// The host swaps snapshots atomically on set_config; a snapshot never
// mutates after construction.
type Snapshot struct {
	Provider        string           `mapstructure:"provider" json:"provider"`
	Ollama          ProviderConfig   `mapstructure:"ollama" json:"ollama"`
	OpenAI          ProviderConfig   `mapstructure:"openai" json:"openai"`
	Anthropic       ProviderConfig   `mapstructure:"anthropic" json:"anthropic"`
	Gemini          ProviderConfig   `mapstructure:"gemini" json:"gemini"`
	Bedrock         BedrockConfig    `mapstructure:"bedrock" json:"bedrock"`
	AnalysisMode    string           `mapstructure:"analysis_mode" json:"analysis_mode"`
	DefaultLanguage string           `mapstructure:"default_language" json:"default_language"`
	Thresholds      ThresholdsConfig `mapstructure:"thresholds" json:"thresholds"`
	RateLimitPerMin int              `mapstructure:"rate_limit_per_min" json:"rate_limit_per_min"`
	Batch           BatchConfig      `mapstructure:"batch" json:"batch"`
	CircuitBreaker  BreakerConfig    `mapstructure:"circuit_breaker" json:"circuit_breaker"`
	Cache           CacheConfig      `mapstructure:"cache" json:"cache"`
	Signing         SigningConfig    `mapstructure:"signing" json:"signing"`
	Feedback        FeedbackConfig   `mapstructure:"feedback" json:"feedback"`
	Logging         LoggingConfig    `mapstructure:"logging" json:"logging"`
	QueueSize       int              `mapstructure:"queue_size" json:"queue_size"`
	Workers         int              `mapstructure:"workers" json:"workers"`
}

// ActiveProvider returns the selected provider block as the generic
// shape. Bedrock is special-cased by the factory.
func (s *Snapshot) ActiveProvider() ProviderConfig {
	switch s.Provider {
	case "openai":
		return s.OpenAI
	case "anthropic":
		return s.Anthropic
	case "gemini":
		return s.Gemini
	default:
		return s.Ollama
	}
}

// Validate checks the snapshot for internal consistency. A snapshot that
// fails validation is never installed.
func (s *Snapshot) Validate() error {
	if !KnownProviders[s.Provider] {
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	switch s.Provider {
	case "bedrock":
		if !s.Bedrock.Enabled {
			return fmt.Errorf("provider %q selected but not enabled", s.Provider)
		}
	default:
		if !s.ActiveProvider().Enabled {
			return fmt.Errorf("provider %q selected but not enabled", s.Provider)
		}
	}
	if s.AnalysisMode != "full" && s.AnalysisMode != "headers_only" {
		return fmt.Errorf("invalid analysis_mode %q", s.AnalysisMode)
	}
	if s.Thresholds.Default < 0 || s.Thresholds.Default > 1 {
		return fmt.Errorf("thresholds.default %v out of range [0,1]", s.Thresholds.Default)
	}
	for folder, t := range s.Thresholds.Folders {
		if t < 0 || t > 1 {
			return fmt.Errorf("threshold for folder %q out of range [0,1]", folder)
		}
	}
	if s.RateLimitPerMin < 1 {
		return fmt.Errorf("rate_limit_per_min must be at least 1")
	}
	if !KnownCacheTypes[s.Cache.Type] {
		return fmt.Errorf("unknown cache type %q", s.Cache.Type)
	}
	if s.Cache.Type == "sqlite" && s.Cache.SQLitePath == "" {
		return fmt.Errorf("cache.sqlite_path required for sqlite cache")
	}
	if s.Signing.Enabled && s.Signing.KeyRef == "" {
		return fmt.Errorf("signing.key_ref required when signing is enabled")
	}
	if s.Feedback.Enabled && s.Feedback.DataPath == "" {
		return fmt.Errorf("feedback.data_path required when feedback is enabled")
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if s.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be at least 1")
	}
	switch s.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", s.Logging.Level)
	}
	if s.Logging.Format != "json" && s.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format %q", s.Logging.Format)
	}
	return nil
}
