package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

const providerName = "gemini"

const defaultConfidence = 0.5

// GeminiClient implements core.LLMClient using Google Gemini.
type GeminiClient struct {
	client        *genai.Client
	model         *genai.GenerativeModel
	modelName     string
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(
	apiKey string,
	modelName string,
	maxTokens int,
	temperature float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) (*GeminiClient, error) {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"

	return &GeminiClient{
		client:        client,
		model:         model,
		modelName:     modelName,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

type folderResponse struct {
	Folder     string   `json:"folder"`
	Confidence *float64 `json:"confidence"`
}

// Classify asks the model to pick a folder. Gemini has no separate
// system role in this API shape, so the system prompt is prepended.
func (c *GeminiClient) Classify(ctx context.Context, prompt *core.Prompt, folders []string) (*core.ProviderResult, error) {
	user := c.textProcessor.ProcessText(prompt.User, c.maxBodySize)

	resp, err := c.model.GenerateContent(ctx, genai.Text(prompt.System+"\n\n"+user))
	if err != nil {
		return nil, core.NewTransientError(providerName, fmt.Errorf("generate content with Gemini: %w", err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, core.NewTransientError(providerName, errors.New("empty response from Gemini"))
	}

	responseText := fmt.Sprintf("%v", resp.Candidates[0].Content.Parts[0])

	folder, confidence, err := parseDecision(responseText)
	if err != nil {
		return nil, core.NewTransientError(providerName, err)
	}

	result := &core.ProviderResult{
		Folder:     core.NormalizeFolder(folder, folders),
		Confidence: confidence,
	}
	if resp.UsageMetadata != nil {
		result.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		result.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// HealthCheck counts tokens on a trivial input, which validates the API
// key and reachability without generating anything.
func (c *GeminiClient) HealthCheck(ctx context.Context) core.HealthStatus {
	_, err := c.model.CountTokens(ctx, genai.Text("ping"))
	if err == nil {
		return core.HealthStatus{State: core.HealthOK}
	}

	detail := err.Error()
	switch {
	case strings.Contains(detail, "API key") || strings.Contains(detail, "401") || strings.Contains(detail, "403"):
		return core.HealthStatus{State: core.HealthAuthFailed, Detail: detail}
	case strings.Contains(detail, "429"):
		return core.HealthStatus{State: core.HealthRateLimited, Detail: detail}
	default:
		return core.HealthStatus{State: core.HealthUnreachable, Detail: detail}
	}
}

// Name returns the provider identifier.
func (c *GeminiClient) Name() string { return providerName }

// ModelID returns the configured model.
func (c *GeminiClient) ModelID() string { return c.modelName }

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
