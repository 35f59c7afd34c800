package model

import (
	"context"
	"strconv"
	"strings"
)

// System prompts used when a backend has no native draft or review surface.
const (
	draftSystem  = "Produce a complete first draft for the request. Output only the draft, no preamble."
	reviewSystem = "You are a critical reviewer. Reply with a quality score between 0.0 and 1.0 on the first line, then your feedback on the lines after it."
)

// DraftWith implements GenerateDraft over a plain Generate call. The SDK
// adapters delegate to it.
func DraftWith(ctx context.Context, p Provider, prompt string) (Response, error) {
	return p.Generate(ctx, Request{System: draftSystem, Prompt: prompt})
}

// ReviewWith implements ReviewContent over a plain Generate call, parsing
// the score out of the model's reply.
func ReviewWith(ctx context.Context, p Provider, content string) (Review, error) {
	resp, err := p.Generate(ctx, Request{System: reviewSystem, Prompt: content})
	if err != nil {
		return Review{}, err
	}
	return ParseReview(resp), nil
}

// ParseReview extracts a review from a model response. The score comes from
// the first line when it parses as a number; otherwise the provider's
// confidence stands in and the whole text becomes feedback. Scores clamp to
// [0, 1].
func ParseReview(resp Response) Review {
	text := strings.TrimSpace(resp.Text)
	line, rest, split := strings.Cut(text, "\n")
	if score, err := strconv.ParseFloat(strings.TrimSpace(line), 64); err == nil {
		feedback := ""
		if split {
			feedback = strings.TrimSpace(rest)
		}
		return Review{Feedback: feedback, Score: clampScore(score)}
	}
	return Review{Feedback: text, Score: clampScore(resp.Confidence)}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
