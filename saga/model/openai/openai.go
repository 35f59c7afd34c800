// Package openai adapts OpenAI's chat completions API to the model.Provider
// contract.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/relayworks/sagakit/saga/model"
)

// Provider implements model.Provider using the official openai-go client.
// Safe for concurrent use after creation. The SDK retries transient errors
// automatically.
type Provider struct {
	client *openai.Client
	model  string
}

// NewProvider creates an OpenAI-backed provider for the given model
// (e.g. "gpt-4o", "gpt-4o-mini").
func NewProvider(apiKey, modelName string) *Provider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Provider{
		client: &client,
		model:  modelName,
	}
}

// Generate sends the prompt as a chat completion and returns the first
// choice's content along with token usage.
func (p *Provider) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(req.Prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai generate: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.Response{}, fmt.Errorf("openai generate: response contained no choices")
	}

	return model.Response{
		Text: completion.Choices[0].Message.Content,
		// No confidence signal in the API; fixed mid-range value.
		Confidence:   0.5,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// GenerateDraft produces a first-pass draft. The API has no dedicated
// draft endpoint, so it runs over Generate.
func (p *Provider) GenerateDraft(ctx context.Context, prompt string) (model.Response, error) {
	return model.DraftWith(ctx, p, prompt)
}

// ReviewContent critiques content, parsing the score from the model's
// reply.
func (p *Provider) ReviewContent(ctx context.Context, content string) (model.Review, error) {
	return model.ReviewWith(ctx, p, content)
}

// Name returns "openai".
func (p *Provider) Name() string {
	return "openai"
}
