// Package model defines the provider contract agents use to invoke LLMs,
// plus a scripted mock for tests.
//
// A Provider abstracts one backend (Anthropic, OpenAI, Google, or a local
// model) behind Generate plus the draft/review pair the refinement loop
// drives. Step handlers receive the provider for the agent the scheduler
// selected; they never talk to an SDK directly.
//
// Example usage:
//
//	provider := anthropic.NewProvider(apiKey, "claude-sonnet-4-5")
//	resp, err := provider.Generate(ctx, model.Request{
//	    System: "You are a research assistant.",
//	    Prompt: "Summarize the attached findings.",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(resp.Text, resp.Confidence)
package model

import "context"

// Provider is the interface all LLM backends implement.
//
// Implementations must be safe for concurrent use, respect context
// cancellation, and report token usage when the backend exposes it so the
// budget guard can meter consumption.
type Provider interface {
	// Generate sends a prompt to the model and returns its response.
	//
	// Returns the generated text, a confidence estimate in [0, 1], and
	// token usage. Transport errors, provider errors, and context
	// cancellation are returned as-is.
	Generate(ctx context.Context, req Request) (Response, error)

	// GenerateDraft produces a first-pass draft for the prompt. Backends
	// without a dedicated draft surface implement it over Generate;
	// DraftWith does that.
	GenerateDraft(ctx context.Context, prompt string) (Response, error)

	// ReviewContent critiques content, returning feedback and a quality
	// score in [0, 1]. ReviewWith implements it over Generate.
	ReviewContent(ctx context.Context, content string) (Review, error)

	// Name returns the provider identifier used in logs, events, and
	// belief-store keys (e.g. "anthropic", "openai", "google", "mock").
	Name() string
}

// Request is the input to a single model invocation.
type Request struct {
	// System sets the system prompt. Optional.
	System string

	// Prompt is the user-turn content. Required.
	Prompt string

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature controls sampling randomness. Nil uses the provider
	// default; pointer form distinguishes "unset" from an explicit 0.
	Temperature *float64
}

// Response is the output of a single model invocation.
type Response struct {
	// Text is the generated content.
	Text string

	// Confidence is the provider's self-reported or derived confidence in
	// [0, 1]. Providers that expose nothing usable report a fixed mid-range
	// value; the belief store treats it as a reward signal, not a truth.
	Confidence float64

	// InputTokens and OutputTokens report usage for budget metering.
	// Zero when the backend does not expose usage.
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns combined input and output token usage.
func (r Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Review is the outcome of a content review.
type Review struct {
	// Feedback is the reviewer's critique of the content.
	Feedback string

	// Score rates the content in [0, 1]; higher is better.
	Score float64
}
