package model

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerInvoker wraps a ModelInvoker with per-entry circuit breakers. When
// an entry fails repeatedly its circuit opens and subsequent calls fail fast
// with ErrProviderUnavailable, which keeps the fallback walk moving without
// hammering a dead backend.
type BreakerInvoker struct {
	inner  domain.ModelInvoker
	cfg    config.CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*domain.ModelResponse]
}

// NewBreakerInvoker wraps inner. If cfg is zero-valued, defaults apply.
func NewBreakerInvoker(inner domain.ModelInvoker, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerInvoker {
	return &BreakerInvoker{
		inner:    inner,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*domain.ModelResponse]),
	}
}

func (b *BreakerInvoker) breakerFor(entry string) *gobreaker.CircuitBreaker[*domain.ModelResponse] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[entry]; ok {
		return cb
	}

	maxFailures := b.cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := b.cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := b.cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	logger := b.logger
	cb := gobreaker.NewCircuitBreaker[*domain.ModelResponse](gobreaker.Settings{
		Name:        "model:" + entry,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Rejections and quota refusals are the caller's problem, not
			// backend health.
			return err == nil ||
				errors.Is(err, domain.ErrProviderRejected) ||
				errors.Is(err, domain.ErrProviderQuota)
		},
	})
	b.breakers[entry] = cb
	return cb
}

// Invoke implements domain.ModelInvoker.
func (b *BreakerInvoker) Invoke(ctx context.Context, entry domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	cb := b.breakerFor(entry.Name)
	resp, err := cb.Execute(func() (*domain.ModelResponse, error) {
		return b.inner.Invoke(ctx, entry, prompt, opts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("model.breaker", domain.ErrProviderUnavailable,
				"circuit open for entry "+entry.Name)
		}
		return nil, err
	}
	return resp, nil
}

// State reports the breaker state for an entry, for the status surface.
func (b *BreakerInvoker) State(entry string) gobreaker.State {
	return b.breakerFor(entry).State()
}

var _ domain.ModelInvoker = (*BreakerInvoker)(nil)
