package anthropic

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

const providerName = "anthropic"

const defaultConfidence = 0.5

// apiVersion is the pinned Anthropic API version header.
const apiVersion = "2023-06-01"

// AnthropicClient implements core.LLMClient against the Anthropic
// messages API.
type AnthropicClient struct {
	httpClient    *http.Client
	endpoint      string
	apiKey        string
	modelName     string
	maxTokens     int
	temperature   float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(
	apiKey string,
	endpoint string,
	modelName string,
	maxTokens int,
	temperature float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *AnthropicClient {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		httpClient:    &http.Client{},
		endpoint:      strings.TrimRight(endpoint, "/"),
		apiKey:        apiKey,
		modelName:     modelName,
		maxTokens:     maxTokens,
		temperature:   temperature,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
	System      string    `json:"system"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type folderResponse struct {
	Folder     string   `json:"folder"`
	Confidence *float64 `json:"confidence"`
}

// Classify asks the model to pick a folder.
func (c *AnthropicClient) Classify(ctx context.Context, prompt *core.Prompt, folders []string) (*core.ProviderResult, error) {
	user := c.textProcessor.ProcessText(prompt.User, c.maxBodySize)

	payload, err := json.Marshal(messagesRequest{
		Model:       c.modelName,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		System:      prompt.System,
		Messages: []message{
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, core.NewPermanentError(providerName, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewPermanentError(providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewTransientError(providerName, fmt.Errorf("call anthropic: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, classifyStatus(resp.StatusCode, err)
	}

	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, core.NewTransientError(providerName, fmt.Errorf("decode anthropic response: %w", err))
	}

	var text string
	for _, block := range mr.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, core.NewTransientError(providerName, errors.New("empty response from Anthropic"))
	}

	folder, confidence, err := parseDecision(text)
	if err != nil {
		return nil, core.NewTransientError(providerName, err)
	}

	return &core.ProviderResult{
		Folder:     core.NormalizeFolder(folder, folders),
		Confidence: confidence,
		TokensIn:   mr.Usage.InputTokens,
		TokensOut:  mr.Usage.OutputTokens,
	}, nil
}

// HealthCheck lists models, which validates both reachability and the
// API key without spending completion tokens.
func (c *AnthropicClient) HealthCheck(ctx context.Context) core.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/models", nil)
	if err != nil {
		return core.HealthStatus{State: core.HealthUnreachable, Detail: err.Error()}
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.HealthStatus{State: core.HealthUnreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return core.HealthStatus{State: core.HealthOK}
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return core.HealthStatus{State: core.HealthAuthFailed, Detail: fmt.Sprintf("anthropic returned status %d", resp.StatusCode)}
	case resp.StatusCode == 429:
		return core.HealthStatus{State: core.HealthRateLimited}
	default:
		return core.HealthStatus{State: core.HealthUnreachable, Detail: fmt.Sprintf("anthropic returned status %d", resp.StatusCode)}
	}
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string { return providerName }

// ModelID returns the configured model.
func (c *AnthropicClient) ModelID() string { return c.modelName }

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
