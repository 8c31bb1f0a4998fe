package di

import (
	"flag"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/adapters/secrets"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/factory"
	"github.com/mikey/llm-mail-sorter/internal/logging"
	"github.com/mikey/llm-mail-sorter/internal/privacy"
	"github.com/mikey/llm-mail-sorter/internal/prompt"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

// CLIFlags contains all command line flags for the one-shot classifier
type CLIFlags struct {
	Provider    string
	Endpoint    string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxBodySize int
	APIKey      string

	Folders   string
	Threshold float64
	Mode      string
	Language  string

	InputFile  string
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct
func ParseFlags() *CLIFlags {
	flags := &CLIFlags{}

	flag.StringVar(&flags.Provider, "provider", "ollama", "LLM provider (ollama, openai, anthropic, gemini, bedrock)")
	flag.StringVar(&flags.Endpoint, "endpoint", "", "Provider endpoint override")
	flag.StringVar(&flags.Model, "model", "", "Model name override")
	flag.IntVar(&flags.MaxTokens, "max-tokens", 256, "Maximum tokens for LLM response")
	flag.Float64Var(&flags.Temperature, "temperature", 0.1, "Temperature for LLM generation")
	flag.IntVar(&flags.MaxBodySize, "max-body-size", 8192, "Maximum payload size sent to the LLM")
	flag.StringVar(&flags.APIKey, "api-key", "", "API key for the selected provider (bypasses the OS keyring)")

	flag.StringVar(&flags.Folders, "folders", "", "Comma-separated candidate folder list (required)")
	flag.Float64Var(&flags.Threshold, "threshold", 0.5, "Confidence threshold")
	flag.StringVar(&flags.Mode, "mode", "full", "Analysis mode (full, headers_only)")
	flag.StringVar(&flags.Language, "language", "en", "Default prompt language")

	flag.StringVar(&flags.InputFile, "file", "", "Input email file (use stdin if not specified)")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	flag.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")

	flag.Parse()
	return flags
}

// BuildCLIContainer creates a container for the one-shot classifier. It
// wires a bare orchestrator: no cache, no limiter, no breaker, because a
// single classification has nothing to amortize or protect.
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Snapshot, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.NewFromFile(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			logger.Info("loaded configuration file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			return cfg.Snapshot()
		}
		return snapshotFromFlags(flags)
	}); err != nil {
		return nil, err
	}

	// Register secret store: flag-provided key, nothing else.
	if err := container.Provide(func(flags *CLIFlags) core.SecretStore {
		store := secretsFromFlags(flags)
		return store
	}); err != nil {
		return nil, err
	}

	// Register LLM client
	if err := container.Provide(func(
		snap *config.Snapshot,
		store core.SecretStore,
		logger *zap.Logger,
	) (core.LLMClient, error) {
		textProcessor := utils.NewTextProcessor(logger)
		return factory.NewLLMFactory(snap, store, logger, textProcessor).CreateLLMClient()
	}); err != nil {
		return nil, err
	}

	// Register the orchestrator
	if err := container.Provide(func(
		snap *config.Snapshot,
		llm core.LLMClient,
		logger *zap.Logger,
	) *core.Service {
		return core.NewService(core.ServiceParams{
			LLM:         llm,
			Guard:       privacy.NewGuard(),
			Renderer:    prompt.NewEngine(snap.DefaultLanguage),
			Calibrator:  core.NewCalibrator(snap.Thresholds.Folders, snap.Thresholds.Default, logger),
			Logger:      logger,
			CallTimeout: snap.ActiveProvider().Timeout(),
			Mode:        core.AnalysisMode(snap.AnalysisMode),
		})
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// snapshotFromFlags builds a validated snapshot from command line flags.
func snapshotFromFlags(flags *CLIFlags) (*config.Snapshot, error) {
	v := config.NewEmptyViper()

	v.Set("provider", flags.Provider)
	v.Set("analysis_mode", flags.Mode)
	v.Set("default_language", flags.Language)
	v.Set("thresholds.default", flags.Threshold)

	prefix := flags.Provider
	v.Set(prefix+".enabled", true)
	v.Set(prefix+".max_tokens", flags.MaxTokens)
	v.Set(prefix+".temperature", flags.Temperature)
	v.Set(prefix+".max_body_size", flags.MaxBodySize)
	if flags.Endpoint != "" {
		v.Set(prefix+".endpoint", flags.Endpoint)
	}
	if flags.Model != "" {
		if flags.Provider == "bedrock" {
			v.Set("bedrock.model_id", flags.Model)
		} else {
			v.Set(prefix+".model", flags.Model)
		}
	}
	if flags.APIKey != "" {
		v.Set(prefix+".api_key_ref", "cli_api_key")
	}

	return config.NewFromViper(v).Snapshot()
}

// secretsFromFlags returns an in-memory store seeded with the flag key.
func secretsFromFlags(flags *CLIFlags) core.SecretStore {
	store := secrets.NewMemoryStore()
	if flags.APIKey != "" {
		_ = store.Put("cli_api_key", []byte(flags.APIKey))
	}
	return store
}
