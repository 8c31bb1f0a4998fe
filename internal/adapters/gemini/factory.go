package gemini

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

// Factory creates new instances of GeminiClient
type Factory struct {
	cfg           config.ProviderConfig
	secrets       core.SecretStore
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewFactory creates a new factory for GeminiClient instances
func NewFactory(cfg config.ProviderConfig, secrets core.SecretStore, logger *zap.Logger, textProcessor *utils.TextProcessor) *Factory {
	return &Factory{
		cfg:           cfg,
		secrets:       secrets,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateLLMClient creates a new GeminiClient, resolving the API key
// through the secret store.
func (f *Factory) CreateLLMClient() (core.LLMClient, error) {
	apiKey, err := f.secrets.Get(f.cfg.APIKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve gemini API key: %w", err)
	}

	return NewGeminiClient(
		string(apiKey),
		f.cfg.Model,
		f.cfg.MaxTokens,
		f.cfg.Temperature,
		f.cfg.MaxBodySize,
		f.logger,
		f.textProcessor,
	)
}
