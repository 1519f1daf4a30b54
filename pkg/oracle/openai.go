package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/6chenhua/research-agent-backend/pkg/types"
)

// Config holds chat model settings for the extraction oracle.
type Config struct {
	Model       string  `json:"model" mapstructure:"model"`
	BaseURL     string  `json:"base_url,omitempty" mapstructure:"base_url"`
	Temperature float32 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openai.GPT4oMini

// OpenAIOracle extracts with an OpenAI-compatible chat completion endpoint.
type OpenAIOracle struct {
	client *openai.Client
	config Config
}

// NewOpenAIOracle creates a new OpenAI oracle.
// Supports OpenAI-compatible services through custom BaseURL configuration.
func NewOpenAIOracle(apiKey string, config Config) *OpenAIOracle {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL != "" && apiKey == "" {
		// some compatible services don't require authentication
		apiKey = "dummy-key"
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	return &OpenAIOracle{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// Extract sends one chunk to the model in JSON mode and parses the answer.
func (o *OpenAIOracle) Extract(ctx context.Context, chunkText string, schema *types.SchemaSpec) (*types.Extraction, error) {
	system, user := BuildMessages(chunkText, schema)

	req := openai.ChatCompletionRequest{
		Model: o.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: o.config.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if o.config.MaxTokens > 0 {
		req.MaxTokens = o.config.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, fmt.Errorf("%w: %s", ErrRefusal, choice.Message.Refusal)
	}
	return ParseExtraction(choice.Message.Content)
}

func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return NewRateLimitError(apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return NewRateLimitError(reqErr.Error())
	}
	return fmt.Errorf("chat completion failed: %w", err)
}
