package model

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"nowhere-ai/internal/domain"
)

// encodingName is the tokenizer used for context-window estimation across all
// entries. Estimation only needs to be conservative, not provider-exact.
const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
	})
	return enc, encErr
}

// EstimateTokens counts prompt tokens. On tokenizer failure it falls back to
// a bytes/4 heuristic rather than refusing the request.
func EstimateTokens(prompt domain.ModelPrompt) int {
	text := prompt.System + "\n" + prompt.Input
	tk, err := encoding()
	if err != nil {
		return len(text) / 4
	}
	return len(tk.Encode(text, nil, nil))
}

// ContextGuard rejects prompts that cannot fit an entry's context window
// before any network round trip is spent on them.
type ContextGuard struct {
	inner domain.ModelInvoker
}

// NewContextGuard wraps inner with a pre-flight context window check.
func NewContextGuard(inner domain.ModelInvoker) *ContextGuard {
	return &ContextGuard{inner: inner}
}

// Invoke implements domain.ModelInvoker.
func (g *ContextGuard) Invoke(ctx context.Context, entry domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	needed := EstimateTokens(prompt) + opts.MaxTokens
	if entry.ContextWindow > 0 && needed > entry.ContextWindow {
		return nil, domain.NewDomainError("model.context_guard", domain.ErrProviderRejected,
			"prompt exceeds context window of entry "+entry.Name)
	}
	return g.inner.Invoke(ctx, entry, prompt, opts)
}

var _ domain.ModelInvoker = (*ContextGuard)(nil)
