package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

const providerName = "openai"

const defaultConfidence = 0.5

// OpenAIClient implements core.LLMClient using the OpenAI chat API.
type OpenAIClient struct {
	client        *openai.Client
	modelName     string
	maxTokens     int
	temperature   float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewOpenAIClient creates a new OpenAI client. A non-empty endpoint
// overrides the API base URL for compatible gateways.
func NewOpenAIClient(
	apiKey string,
	endpoint string,
	modelName string,
	maxTokens int,
	temperature float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *OpenAIClient {
	clientCfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		clientCfg.BaseURL = endpoint
	}

	return &OpenAIClient{
		client:        openai.NewClientWithConfig(clientCfg),
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

type folderResponse struct {
	Folder     string   `json:"folder"`
	Confidence *float64 `json:"confidence"`
}

// Classify asks the model to pick a folder.
func (c *OpenAIClient) Classify(ctx context.Context, prompt *core.Prompt, folders []string) (*core.ProviderResult, error) {
	user := c.textProcessor.ProcessText(prompt.User, c.maxBodySize)

	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt.System,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: user,
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, core.NewTransientError(providerName, errors.New("empty response from OpenAI"))
	}

	folder, confidence, err := parseDecision(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, core.NewTransientError(providerName, err)
	}

	return &core.ProviderResult{
		Folder:     core.NormalizeFolder(folder, folders),
		Confidence: confidence,
		TokensIn:   resp.Usage.PromptTokens,
		TokensOut:  resp.Usage.CompletionTokens,
	}, nil
}

// HealthCheck lists models, which validates both reachability and the
// API key without spending completion tokens.
func (c *OpenAIClient) HealthCheck(ctx context.Context) core.HealthStatus {
	_, err := c.client.ListModels(ctx)
	if err == nil {
		return core.HealthStatus{State: core.HealthOK}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return core.HealthStatus{State: core.HealthAuthFailed, Detail: apiErr.Message}
		case apiErr.HTTPStatusCode == 429:
			return core.HealthStatus{State: core.HealthRateLimited, Detail: apiErr.Message}
		}
	}
	return core.HealthStatus{State: core.HealthUnreachable, Detail: err.Error()}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return providerName }

// ModelID returns the configured model.
func (c *OpenAIClient) ModelID() string { return c.modelName }

func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := fmt.Errorf("openai API error: %w", err)
		switch core.ClassifyHTTPStatus(apiErr.HTTPStatusCode) {
		case core.ErrorPermanent:
			return core.NewPermanentError(providerName, wrapped)
		case core.ErrorRateLimitedRemote:
			return core.NewRemoteRateLimitError(providerName, wrapped)
		default:
			return core.NewTransientError(providerName, wrapped)
		}
	}
	return core.NewTransientError(providerName, fmt.Errorf("call openai: %w", err))
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
