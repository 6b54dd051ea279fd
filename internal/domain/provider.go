package domain

import "context"

// Capability is a label describing what a model entry can do.
type Capability string

const (
	CapText        Capability = "text"
	CapVision      Capability = "vision"
	CapReasoning   Capability = "reasoning"
	CapCode        Capability = "code"
	CapMultimodal  Capability = "multimodal"
	CapLongContext Capability = "long_context"
)

// ModelEntry is a catalogue entry in the provider registry.
type ModelEntry struct {
	Name          string       `json:"name"`     // stable name, unique in the registry
	Provider      string       `json:"provider"` // provider id, never surfaced to callers
	Capabilities  []Capability `json:"capabilities"`
	ContextWindow int          `json:"context_window"` // tokens
	CostWeight    float64      `json:"cost_weight"`
	Available     bool         `json:"available"`
}

// Satisfies reports whether the entry covers every required capability.
func (e *ModelEntry) Satisfies(required []Capability) bool {
	for _, req := range required {
		found := false
		for _, c := range e.Capabilities {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ModelPrompt is the provider-neutral request body.
type ModelPrompt struct {
	System string `json:"system,omitempty"`
	Input  string `json:"input"`
}

// InvokeOptions tune a single provider invocation.
type InvokeOptions struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ModelUsage is the token accounting of an invocation.
type ModelUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelResponse is the provider-neutral response body.
type ModelResponse struct {
	Text  string     `json:"text"`
	Model string     `json:"model"` // entry name that produced the response
	Usage ModelUsage `json:"usage"`
}

// ModelInvoker executes a prompt against a single model entry. Failure modes
// are the provider-level sentinels: ErrProviderUnavailable and
// ErrProviderTimeout invite walking the fallback chain; ErrProviderRejected,
// ErrProviderQuota and ErrProviderFatal propagate.
type ModelInvoker interface {
	Invoke(ctx context.Context, entry ModelEntry, prompt ModelPrompt, opts InvokeOptions) (*ModelResponse, error)
}

// ModelSelector resolves a capability requirement and an ordered preference
// list to a non-empty fallback chain ending in the safe default. Selection is
// deterministic for a given registry snapshot.
type ModelSelector interface {
	Select(required []Capability, preferences []string) ([]ModelEntry, error)
}
