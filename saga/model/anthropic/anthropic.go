// Package anthropic adapts Anthropic's Claude API to the model.Provider
// contract.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relayworks/sagakit/saga/model"
)

// defaultMaxTokens caps responses when the request does not set a limit.
const defaultMaxTokens = 4096

// Provider implements model.Provider using the official anthropic-sdk-go
// client. Safe for concurrent use after creation.
type Provider struct {
	client *anthropic.Client
	model  string
}

// NewProvider creates a Claude-backed provider.
//
// The API key can be obtained from https://console.anthropic.com/; the model
// parameter names any available Claude model.
func NewProvider(apiKey, modelName string) *Provider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Provider{
		client: &client,
		model:  modelName,
	}
}

// Generate sends the prompt to Claude and returns the concatenated text
// blocks of the response along with token usage.
func (p *Provider) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return model.Response{
		Text: sb.String(),
		// The API exposes no confidence signal; report a fixed mid-range
		// value and let the belief store learn from observed rewards.
		Confidence:   0.5,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// GenerateDraft produces a first-pass draft. The API has no dedicated
// draft endpoint, so it runs over Generate.
func (p *Provider) GenerateDraft(ctx context.Context, prompt string) (model.Response, error) {
	return model.DraftWith(ctx, p, prompt)
}

// ReviewContent critiques content, parsing the score from Claude's reply.
func (p *Provider) ReviewContent(ctx context.Context, content string) (model.Review, error) {
	return model.ReviewWith(ctx, p, content)
}

// Name returns "anthropic".
func (p *Provider) Name() string {
	return "anthropic"
}
