package ollama

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

// Factory creates new instances of OllamaClient
type Factory struct {
	cfg           config.ProviderConfig
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewFactory creates a new factory for OllamaClient instances
func NewFactory(cfg config.ProviderConfig, logger *zap.Logger, textProcessor *utils.TextProcessor) *Factory {
	return &Factory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateLLMClient creates a new OllamaClient
func (f *Factory) CreateLLMClient() (core.LLMClient, error) {
	return NewOllamaClient(
		f.cfg.Endpoint,
		f.cfg.Model,
		f.cfg.MaxTokens,
		f.cfg.Temperature,
		f.cfg.MaxBodySize,
		f.logger,
		f.textProcessor,
	), nil
}
