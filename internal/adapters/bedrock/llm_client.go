package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/utils"
)

const providerName = "bedrock"

const defaultConfidence = 0.5

// BedrockClient implements core.LLMClient using Amazon Bedrock.
type BedrockClient struct {
	client        *bedrockruntime.Client
	modelID       string
	maxTokens     int
	temperature   float32
	topP          float32
	maxBodySize   int
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewBedrockClient creates a new Bedrock client
func NewBedrockClient(
	client *bedrockruntime.Client,
	modelID string,
	maxTokens int,
	temperature float32,
	topP float32,
	maxBodySize int,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
) *BedrockClient {
	return &BedrockClient{
		client:        client,
		modelID:       modelID,
		maxTokens:     maxTokens,
		temperature:   temperature,
		topP:          topP,
		maxBodySize:   maxBodySize,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

type folderResponse struct {
	Folder     string   `json:"folder"`
	Confidence *float64 `json:"confidence"`
}

// Classify asks the model to pick a folder. The request payload shape
// depends on the model family behind the shared InvokeModel API.
func (c *BedrockClient) Classify(ctx context.Context, prompt *core.Prompt, folders []string) (*core.ProviderResult, error) {
	user := c.textProcessor.ProcessText(prompt.User, c.maxBodySize)

	var payload []byte
	var err error

	if c.isAnthropicModel() {
		payload, err = json.Marshal(map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        c.maxTokens,
			"temperature":       c.temperature,
			"top_p":             c.topP,
			"system":            prompt.System,
			"messages": []map[string]interface{}{
				{"role": "user", "content": user},
			},
		})
	} else if c.isAmazonTitanModel() {
		payload, err = json.Marshal(map[string]interface{}{
			"inputText": prompt.System + "\n\n" + user,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": c.maxTokens,
				"temperature":   c.temperature,
				"topP":          c.topP,
			},
		})
	} else {
		payload, err = json.Marshal(map[string]interface{}{
			"prompt":      prompt.System + "\n\n" + user,
			"max_tokens":  c.maxTokens,
			"temperature": c.temperature,
			"top_p":       c.topP,
		})
	}
	if err != nil {
		return nil, core.NewPermanentError(providerName, fmt.Errorf("marshal request payload: %w", err))
	}

	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &c.modelID,
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyInvokeError(err)
	}

	responseText, err := c.extractText(resp.Body)
	if err != nil {
		return nil, core.NewTransientError(providerName, err)
	}

	folder, confidence, err := parseDecision(responseText)
	if err != nil {
		return nil, core.NewTransientError(providerName, err)
	}

	return &core.ProviderResult{
		Folder:     core.NormalizeFolder(folder, folders),
		Confidence: confidence,
	}, nil
}

// extractText pulls the generated text out of the model-family-specific
// response envelope.
func (c *BedrockClient) extractText(body []byte) (string, error) {
	if c.isAnthropicModel() {
		var claudeResp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &claudeResp); err != nil {
			return "", fmt.Errorf("unmarshal Claude response: %w", err)
		}
		for _, block := range claudeResp.Content {
			if block.Type == "text" {
				return block.Text, nil
			}
		}
		return "", errors.New("empty response from Claude model")
	}

	if c.isAmazonTitanModel() {
		var titanResp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &titanResp); err != nil {
			return "", fmt.Errorf("unmarshal Titan response: %w", err)
		}
		if len(titanResp.Results) == 0 {
			return "", errors.New("empty response from Titan model")
		}
		return titanResp.Results[0].OutputText, nil
	}

	var genericResp struct {
		Output   string `json:"output"`
		Text     string `json:"text"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &genericResp); err != nil {
		return "", fmt.Errorf("unmarshal generic response: %w", err)
	}
	switch {
	case genericResp.Output != "":
		return genericResp.Output, nil
	case genericResp.Text != "":
		return genericResp.Text, nil
	case genericResp.Response != "":
		return genericResp.Response, nil
	default:
		return string(body), nil
	}
}

// HealthCheck reports reachability. Bedrock has no free probe on the
// runtime API, so this only verifies the client was constructed with
// resolvable credentials.
func (c *BedrockClient) HealthCheck(ctx context.Context) core.HealthStatus {
	_, err := c.client.Options().Credentials.Retrieve(ctx)
	if err != nil {
		return core.HealthStatus{State: core.HealthAuthFailed, Detail: err.Error()}
	}
	return core.HealthStatus{State: core.HealthOK}
}

// Name returns the provider identifier.
func (c *BedrockClient) Name() string { return providerName }

// ModelID returns the configured model.
func (c *BedrockClient) ModelID() string { return c.modelID }

// isAnthropicModel checks if the model is an Anthropic Claude model
func (c *BedrockClient) isAnthropicModel() bool {
	return strings.HasPrefix(c.modelID, "anthropic.claude")
}

// isAmazonTitanModel checks if the model is an Amazon Titan model
func (c *BedrockClient) isAmazonTitanModel() bool {
	return strings.HasPrefix(c.modelID, "amazon.titan")
}

func classifyInvokeError(err error) error {
	wrapped := fmt.Errorf("invoke Bedrock model: %w", err)
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ThrottlingException"):
		return core.NewRemoteRateLimitError(providerName, wrapped)
	case strings.Contains(msg, "AccessDeniedException"),
		strings.Contains(msg, "ValidationException"),
		strings.Contains(msg, "ResourceNotFoundException"):
		return core.NewPermanentError(providerName, wrapped)
	default:
		return core.NewTransientError(providerName, wrapped)
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
