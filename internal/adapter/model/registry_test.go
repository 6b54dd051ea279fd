package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedInvoker returns canned errors per entry name, then succeeds.
type scriptedInvoker struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (s *scriptedInvoker) Invoke(_ context.Context, entry domain.ModelEntry, prompt domain.ModelPrompt, _ domain.InvokeOptions) (*domain.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, entry.Name)
	if err, ok := s.fail[entry.Name]; ok && err != nil {
		return nil, err
	}
	return &domain.ModelResponse{Text: "ok:" + prompt.Input, Model: entry.Name}, nil
}

// captureSink records metric samples for assertions.
type captureSink struct {
	mu      sync.Mutex
	samples []domain.MetricSample
}

func (c *captureSink) Record(s domain.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func testModelsConfig() config.ModelsConfig {
	return config.ModelsConfig{
		Default: "baseline",
		Catalog: []config.ModelEntryConfig{
			{Name: "atlas-large", Provider: "scripted", Capabilities: []string{"text", "reasoning", "code"}, ContextWindow: 200000, CostWeight: 1.0},
			{Name: "atlas-mini", Provider: "scripted", Capabilities: []string{"text"}, ContextWindow: 32000, CostWeight: 0.3},
			{Name: "lens-vision", Provider: "scripted", Capabilities: []string{"text", "vision", "multimodal"}, ContextWindow: 128000, CostWeight: 0.8},
			{Name: "baseline", Provider: "scripted", Capabilities: []string{"text"}, ContextWindow: 8192, CostWeight: 0.1},
		},
	}
}

func newTestRegistry(t *testing.T, inv domain.ModelInvoker) *Registry {
	t.Helper()
	reg, err := NewRegistry(testModelsConfig(), map[string]domain.ModelInvoker{"scripted": inv})
	require.NoError(t, err)
	return reg
}

func TestSelectPreferencesFirstThenCost(t *testing.T) {
	reg := newTestRegistry(t, &scriptedInvoker{})

	chain, err := reg.Select([]domain.Capability{domain.CapText}, []string{"atlas-large"})
	require.NoError(t, err)
	names := chainNames(chain)
	assert.Equal(t, "atlas-large", names[0], "preference leads the chain")
	assert.Equal(t, "baseline", names[len(names)-1], "safe default terminates the chain")
	// Remaining candidates ordered by cost weight.
	assert.Equal(t, []string{"atlas-large", "atlas-mini", "lens-vision", "baseline"}, names)
}

func TestSelectFiltersByCapability(t *testing.T) {
	reg := newTestRegistry(t, &scriptedInvoker{})

	chain, err := reg.Select([]domain.Capability{domain.CapVision}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"lens-vision"}, chainNames(chain),
		"default lacks vision so it cannot pad the chain")
}

func TestSelectSkipsUnavailable(t *testing.T) {
	reg := newTestRegistry(t, &scriptedInvoker{})
	require.NoError(t, reg.SetAvailable("atlas-mini", false))

	chain, err := reg.Select([]domain.Capability{domain.CapText}, nil)
	require.NoError(t, err)
	assert.NotContains(t, chainNames(chain), "atlas-mini")
}

func TestSelectNoCandidate(t *testing.T) {
	reg := newTestRegistry(t, &scriptedInvoker{})
	for _, n := range []string{"atlas-large", "atlas-mini", "lens-vision", "baseline"} {
		require.NoError(t, reg.SetAvailable(n, false))
	}
	_, err := reg.Select([]domain.Capability{domain.CapText}, nil)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
}

func TestSelectDeterministic(t *testing.T) {
	reg := newTestRegistry(t, &scriptedInvoker{})
	first, err := reg.Select([]domain.Capability{domain.CapText}, []string{"lens-vision"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := reg.Select([]domain.Capability{domain.CapText}, []string{"lens-vision"})
		require.NoError(t, err)
		assert.Equal(t, chainNames(first), chainNames(again))
	}
}

func TestFailoverWalksTransientOnly(t *testing.T) {
	inv := &scriptedInvoker{fail: map[string]error{
		"atlas-large": domain.NewDomainError("model.test", domain.ErrProviderUnavailable, "down"),
	}}
	reg := newTestRegistry(t, inv)
	sink := &captureSink{}
	fo := NewFailoverInvoker(reg, sink, domain.SystemClock{}, discard())

	chain, err := reg.Select([]domain.Capability{domain.CapText}, []string{"atlas-large", "baseline"})
	require.NoError(t, err)

	resp, err := fo.InvokeChain(context.Background(), chain, domain.ModelPrompt{Input: "hello"}, domain.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "baseline", resp.Model)

	require.Len(t, sink.samples, 1)
	assert.Equal(t, domain.MetricFallback, sink.samples[0].Name)
	assert.Equal(t, "atlas-large", sink.samples[0].Labels["from"])
	assert.Equal(t, "baseline", sink.samples[0].Labels["to"])
}

func TestFailoverStopsOnRejection(t *testing.T) {
	inv := &scriptedInvoker{fail: map[string]error{
		"atlas-large": domain.NewDomainError("model.test", domain.ErrProviderRejected, "bad prompt"),
	}}
	reg := newTestRegistry(t, inv)
	fo := NewFailoverInvoker(reg, &captureSink{}, domain.SystemClock{}, discard())

	chain, err := reg.Select([]domain.Capability{domain.CapText}, []string{"atlas-large"})
	require.NoError(t, err)

	_, err = fo.InvokeChain(context.Background(), chain, domain.ModelPrompt{Input: "hello"}, domain.InvokeOptions{})
	assert.True(t, errors.Is(err, domain.ErrProviderRejected))
	assert.Equal(t, []string{"atlas-large"}, inv.calls, "rejection must not walk the chain")
}

func TestFailoverAllDown(t *testing.T) {
	down := domain.NewDomainError("model.test", domain.ErrProviderUnavailable, "down")
	inv := &scriptedInvoker{fail: map[string]error{
		"atlas-large": down, "atlas-mini": down, "lens-vision": down, "baseline": down,
	}}
	reg := newTestRegistry(t, inv)
	fo := NewFailoverInvoker(reg, &captureSink{}, domain.SystemClock{}, discard())

	chain, err := reg.Select([]domain.Capability{domain.CapText}, nil)
	require.NoError(t, err)

	_, err = fo.InvokeChain(context.Background(), chain, domain.ModelPrompt{Input: "hello"}, domain.InvokeOptions{})
	assert.True(t, errors.Is(err, domain.ErrUnavailable))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	down := domain.NewDomainError("model.test", domain.ErrProviderUnavailable, "down")
	inv := &scriptedInvoker{fail: map[string]error{"atlas-large": down}}
	br := NewBreakerInvoker(inv, config.CircuitBreakerConfig{Enabled: true, MaxFailures: 3}, discard())

	entry := domain.ModelEntry{Name: "atlas-large", ContextWindow: 200000}
	for i := 0; i < 3; i++ {
		_, err := br.Invoke(context.Background(), entry, domain.ModelPrompt{Input: "x"}, domain.InvokeOptions{})
		require.Error(t, err)
	}
	// Circuit is open now; the backend must not be reached again.
	before := len(inv.calls)
	_, err := br.Invoke(context.Background(), entry, domain.ModelPrompt{Input: "x"}, domain.InvokeOptions{})
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable))
	assert.Equal(t, before, len(inv.calls))
}

func TestBreakerIgnoresRejections(t *testing.T) {
	rejected := domain.NewDomainError("model.test", domain.ErrProviderRejected, "nope")
	inv := &scriptedInvoker{fail: map[string]error{"atlas-large": rejected}}
	br := NewBreakerInvoker(inv, config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2}, discard())

	entry := domain.ModelEntry{Name: "atlas-large", ContextWindow: 200000}
	for i := 0; i < 5; i++ {
		_, err := br.Invoke(context.Background(), entry, domain.ModelPrompt{Input: "x"}, domain.InvokeOptions{})
		assert.True(t, errors.Is(err, domain.ErrProviderRejected))
	}
	assert.Len(t, inv.calls, 5, "rejections never open the circuit")
}

func TestContextGuardRejectsOversizedPrompt(t *testing.T) {
	inv := &scriptedInvoker{}
	guard := NewContextGuard(inv)

	entry := domain.ModelEntry{Name: "tiny", ContextWindow: 8}
	big := domain.ModelPrompt{Input: "this prompt is clearly longer than eight tokens worth of text to encode"}
	_, err := guard.Invoke(context.Background(), entry, big, domain.InvokeOptions{})
	assert.True(t, errors.Is(err, domain.ErrProviderRejected))
	assert.Empty(t, inv.calls, "oversized prompts never reach the backend")

	small := domain.ModelPrompt{Input: "hi"}
	_, err = guard.Invoke(context.Background(), domain.ModelEntry{Name: "big", ContextWindow: 100000}, small, domain.InvokeOptions{})
	assert.NoError(t, err)
}

func chainNames(chain []domain.ModelEntry) []string {
	out := make([]string, 0, len(chain))
	for _, e := range chain {
		out = append(out, e.Name)
	}
	return out
}
