package model

import (
	"context"
	"fmt"
	"strings"

	"nowhere-ai/internal/domain"
)

// StaticInvoker is a deterministic in-process backend. It serves the safe
// default entry in installations without external providers and gives the
// test suites a provider with predictable output.
type StaticInvoker struct{}

// NewStaticInvoker creates the local backend.
func NewStaticInvoker() *StaticInvoker { return &StaticInvoker{} }

// Invoke implements domain.ModelInvoker. The response echoes a digest of the
// input so callers can correlate request and answer.
func (s *StaticInvoker) Invoke(ctx context.Context, entry domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewDomainError("model.static", domain.ErrProviderTimeout, err.Error())
	}
	input := strings.TrimSpace(prompt.Input)
	if input == "" {
		return nil, domain.NewDomainError("model.static", domain.ErrProviderRejected, "empty input")
	}
	summary := input
	if len(summary) > 120 {
		summary = summary[:120] + "..."
	}
	inTokens := EstimateTokens(prompt)
	text := fmt.Sprintf("[%s] processed %d tokens: %s", entry.Name, inTokens, summary)
	return &domain.ModelResponse{
		Text:  text,
		Model: entry.Name,
		Usage: domain.ModelUsage{
			InputTokens:  inTokens,
			OutputTokens: len(text) / 4,
		},
	}, nil
}

var _ domain.ModelInvoker = (*StaticInvoker)(nil)
