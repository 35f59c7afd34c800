// Package google adapts Google's Gemini API to the model.Provider contract.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/relayworks/sagakit/saga/model"
)

// Provider implements model.Provider using the official generative-ai-go
// client. Safe for concurrent use after creation.
//
// Unlike the other adapters, the Gemini client holds a gRPC connection;
// call Close when the provider is no longer needed.
type Provider struct {
	client *genai.Client
	model  string
}

// NewProvider creates a Gemini-backed provider for the given model
// (e.g. "gemini-1.5-pro", "gemini-1.5-flash").
func NewProvider(ctx context.Context, apiKey, modelName string) (*Provider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Provider{
		client: client,
		model:  modelName,
	}, nil
}

// Close releases the underlying client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Generate sends the prompt to Gemini and returns the first candidate's text
// parts along with token usage.
func (p *Provider) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	m := p.client.GenerativeModel(p.model)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature != nil {
		m.SetTemperature(float32(*req.Temperature))
	}

	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return model.Response{}, fmt.Errorf("google generate: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return model.Response{}, fmt.Errorf("google generate: response contained no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return model.Response{}, fmt.Errorf("google generate: candidate contained no content")
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	out := model.Response{
		Text: sb.String(),
		// No confidence signal in the API; fixed mid-range value.
		Confidence: 0.5,
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// GenerateDraft produces a first-pass draft. The API has no dedicated
// draft endpoint, so it runs over Generate.
func (p *Provider) GenerateDraft(ctx context.Context, prompt string) (model.Response, error) {
	return model.DraftWith(ctx, p, prompt)
}

// ReviewContent critiques content, parsing the score from Gemini's reply.
func (p *Provider) ReviewContent(ctx context.Context, content string) (model.Review, error) {
	return model.ReviewWith(ctx, p, content)
}

// Name returns "google".
func (p *Provider) Name() string {
	return "google"
}
