package model

import (
	"context"
	"sync"
)

// Mock is a scripted Provider for tests.
//
// Responses are returned in the order they were queued; when the script runs
// out, the last entry repeats. An empty mock returns a zero Response.
//
// Example:
//
//	m := model.NewMock("mock")
//	m.Queue(model.Response{Text: "draft one", Confidence: 0.4}, nil)
//	m.Queue(model.Response{Text: "draft two", Confidence: 0.9}, nil)
type Mock struct {
	name string

	mu       sync.Mutex
	script   []scripted
	reviews  []scriptedReview
	calls    []Request
	reviewed []string
}

type scripted struct {
	resp Response
	err  error
}

type scriptedReview struct {
	rev Review
	err error
}

// NewMock creates an empty scripted provider with the given name.
func NewMock(name string) *Mock {
	return &Mock{name: name}
}

// Queue appends a scripted outcome. Pass a non-nil err to script a failure.
func (m *Mock) Queue(resp Response, err error) *Mock {
	m.mu.Lock()
	m.script = append(m.script, scripted{resp: resp, err: err})
	m.mu.Unlock()
	return m
}

// QueueReview appends a scripted review outcome for ReviewContent.
func (m *Mock) QueueReview(rev Review, err error) *Mock {
	m.mu.Lock()
	m.reviews = append(m.reviews, scriptedReview{rev: rev, err: err})
	m.mu.Unlock()
	return m
}

// Generate returns the next scripted outcome and records the request.
func (m *Mock) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if len(m.script) == 0 {
		return Response{}, nil
	}

	next := m.script[0]
	if len(m.script) > 1 {
		m.script = m.script[1:]
	}
	return next.resp, next.err
}

// GenerateDraft returns the next scripted outcome, recording the prompt as
// a plain request.
func (m *Mock) GenerateDraft(ctx context.Context, prompt string) (Response, error) {
	return m.Generate(ctx, Request{Prompt: prompt})
}

// ReviewContent returns the next scripted review and records the content.
// Reviews follow the same script rules as Generate: ordered, last entry
// repeats, empty script yields a zero Review.
func (m *Mock) ReviewContent(ctx context.Context, content string) (Review, error) {
	if err := ctx.Err(); err != nil {
		return Review{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reviewed = append(m.reviewed, content)
	if len(m.reviews) == 0 {
		return Review{}, nil
	}

	next := m.reviews[0]
	if len(m.reviews) > 1 {
		m.reviews = m.reviews[1:]
	}
	return next.rev, next.err
}

// Name returns the mock's provider name.
func (m *Mock) Name() string {
	return m.name
}

// Reviewed returns a copy of every content string passed to ReviewContent.
func (m *Mock) Reviewed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.reviewed))
	copy(out, m.reviewed)
	return out
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Generate has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
