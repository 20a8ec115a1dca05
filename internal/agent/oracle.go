package agent

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// Oracle produces a planning decision as JSON text for a prompt.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMOracle asks a chat model for a JSON object.
type LLMOracle struct {
	Model       llms.Model
	Temperature float64
	JSONMode    bool
}

func NewLLMOracle(model llms.Model) *LLMOracle {
	return &LLMOracle{
		Model:       model,
		Temperature: 0.1,
		JSONMode:    true,
	}
}

func (o *LLMOracle) Complete(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, prompt),
	}

	opts := []llms.CallOption{llms.WithTemperature(o.Temperature)}
	if o.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := o.Model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}
