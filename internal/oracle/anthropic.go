package oracle

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/pkg/anthropic"
)

// AnthropicClassifier scores leads with a Claude model.
type AnthropicClassifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic returns a classifier using client and model.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *AnthropicClassifier {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &AnthropicClassifier{client: client, model: model, maxTokens: maxTokens}
}

// Classify implements Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, req Request) Result {
	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      anthropic.CachedSystem(SystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: UserPrompt(req)}},
		Temperature: &temp,
	})
	if err != nil {
		return fromError(ctx, err)
	}

	usage := Usage{Model: c.model, InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	text := resp.Text()
	if text == "" {
		res := Malformed("", eris.New("oracle: empty response"))
		res.Usage = usage
		return res
	}

	res := ParseResponse(text)
	res.Usage = usage
	return res
}

// fromError maps a call error to Timeout, Canceled or Failed.
func fromError(ctx context.Context, err error) Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Timeout(err)
	case errors.Is(err, context.Canceled):
		return Canceled(err)
	}
	return Failed(err)
}
