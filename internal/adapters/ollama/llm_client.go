package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

const providerName = "ollama"

// defaultConfidence is used when the model answers with a folder but
// omits the confidence field.
const defaultConfidence = 0.5

// OllamaClient implements core.LLMClient against a local Ollama daemon.
// This is the privacy-preserving default: nothing leaves the machine.
type OllamaClient struct {
	httpClient    *http.Client
	endpoint      string
	modelName     string
	maxTokens     int
	temperature   float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(
	endpoint string,
	modelName string,
	maxTokens int,
	temperature float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *OllamaClient {
	return &OllamaClient{
		httpClient:    &http.Client{},
		endpoint:      strings.TrimRight(endpoint, "/"),
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	System  string                 `json:"system"`
	Prompt  string                 `json:"prompt"`
	Format  string                 `json:"format"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type folderResponse struct {
	Folder     string   `json:"folder"`
	Confidence *float64 `json:"confidence"`
}

// Classify asks the local model to pick a folder.
func (c *OllamaClient) Classify(ctx context.Context, prompt *core.Prompt, folders []string) (*core.ProviderResult, error) {
	user := c.textProcessor.ProcessText(prompt.User, c.maxBodySize)

	payload, err := json.Marshal(generateRequest{
		Model:  c.modelName,
		System: prompt.System,
		Prompt: user,
		Format: "json",
		Stream: false,
		Options: map[string]interface{}{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	})
	if err != nil {
		return nil, core.NewPermanentError(providerName, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewPermanentError(providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewTransientError(providerName, fmt.Errorf("call ollama: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, classifyStatus(resp.StatusCode, err)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, core.NewTransientError(providerName, fmt.Errorf("decode ollama response: %w", err))
	}

	folder, confidence, err := parseDecision(gen.Response)
	if err != nil {
		return nil, core.NewTransientError(providerName, err)
	}

	return &core.ProviderResult{
		Folder:     core.NormalizeFolder(folder, folders),
		Confidence: confidence,
		TokensIn:   gen.PromptEvalCount,
		TokensOut:  gen.EvalCount,
	}, nil
}

// HealthCheck probes the daemon's tag listing, which is cheap and does
// not load a model.
func (c *OllamaClient) HealthCheck(ctx context.Context) core.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return core.HealthStatus{State: core.HealthUnreachable, Detail: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.HealthStatus{State: core.HealthUnreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.HealthStatus{
			State:  core.HealthUnreachable,
			Detail: fmt.Sprintf("ollama returned status %d", resp.StatusCode),
		}
	}
	return core.HealthStatus{State: core.HealthOK}
}

// Name returns the provider identifier.
func (c *OllamaClient) Name() string { return providerName }

// ModelID returns the configured model.
func (c *OllamaClient) ModelID() string { return c.modelName }

func classifyStatus(status int, err error) error {
	switch core.ClassifyHTTPStatus(status) {
	case core.ErrorPermanent:
		return core.NewPermanentError(providerName, err)
	case core.ErrorRateLimitedRemote:
		return core.NewRemoteRateLimitError(providerName, err)
	default:
		return core.NewTransientError(providerName, err)
	}
}

// parseDecision extracts the {"folder": ..., "confidence": ...} object
// from the model's answer, tolerating prose around the JSON.
func parseDecision(text string) (string, float64, error) {
	var fr folderResponse
	if err := json.Unmarshal([]byte(text), &fr); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return "", 0, errors.New("no JSON object in model response")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &fr); err != nil {
			return "", 0, fmt.Errorf("parse model response: %w", err)
		}
	}
	if fr.Folder == "" {
		return "", 0, errors.New("model response missing folder field")
	}
	confidence := defaultConfidence
	if fr.Confidence != nil {
		confidence = *fr.Confidence
	}
	return fr.Folder, confidence, nil
}
