package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/adapters/anthropic"
	"github.com/mikey/llm-mail-sorter/internal/adapters/bedrock"
	"github.com/mikey/llm-mail-sorter/internal/adapters/gemini"
	"github.com/mikey/llm-mail-sorter/internal/adapters/ollama"
	"github.com/mikey/llm-mail-sorter/internal/adapters/openai"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

// LLMFactory creates LLM clients
type LLMFactory struct {
	snap          *config.Snapshot
	secrets       core.SecretStore
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(snap *config.Snapshot, secrets core.SecretStore, logger *zap.Logger, textProcessor *utils.TextProcessor) *LLMFactory {
	return &LLMFactory{
		snap:          snap,
		secrets:       secrets,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateLLMClient creates the client for the configured provider. The
// provider set is closed: adding one means adding a new adapter package
// and a case here.
func (f *LLMFactory) CreateLLMClient() (core.LLMClient, error) {
	switch f.snap.Provider {
	case "ollama":
		return ollama.NewFactory(f.snap.Ollama, f.logger, f.textProcessor).CreateLLMClient()
	case "openai":
		return openai.NewFactory(f.snap.OpenAI, f.secrets, f.logger, f.textProcessor).CreateLLMClient()
	case "anthropic":
		return anthropic.NewFactory(f.snap.Anthropic, f.secrets, f.logger, f.textProcessor).CreateLLMClient()
	case "gemini":
		return gemini.NewFactory(f.snap.Gemini, f.secrets, f.logger, f.textProcessor).CreateLLMClient()
	case "bedrock":
		return bedrock.NewFactory(f.snap.Bedrock, f.logger, f.textProcessor).CreateLLMClient()
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", f.snap.Provider)
	}
}
