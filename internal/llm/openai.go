package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/denvoros/aurabot/internal/logging"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// Works with OpenAI itself, Groq, OpenRouter and local servers via BaseURL.
type OpenAIClient struct {
	client      *openai.Client
	maxTokens   int
	temperature float32
}

// NewOpenAIClient builds a client for the configured endpoint. API key may be
// empty for local servers that don't require auth.
func NewOpenAIClient(baseURL, apiKey string, maxTokens int, temperature float32) *OpenAIClient {
	if apiKey == "" {
		apiKey = "not-needed"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cfg.BaseURL = baseURL
	}

	if maxTokens == 0 {
		maxTokens = 1024
	}

	L_debug("llm: client created", "baseURL", baseURL, "maxTokens", maxTokens)

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

// Complete sends the ordered message list and returns the assembled reply.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty response")
	}

	content := resp.Choices[0].Message.Content
	L_trace("llm: completion", "model", model, "inMessages", len(messages), "outChars", len(content))
	return content, nil
}
