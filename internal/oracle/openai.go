package oracle

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"
)

// OpenAIClassifier scores leads with any OpenAI-compatible chat endpoint.
type OpenAIClassifier struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI builds a classifier. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int) (*OpenAIClassifier, error) {
	if apiKey == "" {
		return nil, eris.New("oracle: openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &OpenAIClassifier{client: openai.NewClientWithConfig(cfg), model: model, maxTokens: maxTokens}, nil
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, req Request) Result {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(req)},
		},
		MaxTokens:      c.maxTokens,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return fromError(ctx, eris.Wrap(err, "oracle: openai chat completion"))
	}

	usage := Usage{Model: c.model, InputTokens: int64(resp.Usage.PromptTokens), OutputTokens: int64(resp.Usage.CompletionTokens)}
	if len(resp.Choices) == 0 {
		res := Malformed("", eris.New("oracle: no choices in response"))
		res.Usage = usage
		return res
	}

	res := ParseResponse(resp.Choices[0].Message.Content)
	res.Usage = usage
	return res
}
