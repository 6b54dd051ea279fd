package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/tracer"
)

// FailoverInvoker executes a prompt against an ordered fallback chain. A
// transient provider failure advances to the next entry; rejection, quota and
// fatal errors stop the walk and propagate.
type FailoverInvoker struct {
	registry *Registry
	metrics  domain.MetricSink
	clock    domain.Clock
	logger   *slog.Logger
}

// NewFailoverInvoker wires the chain walker to the registry.
func NewFailoverInvoker(registry *Registry, metrics domain.MetricSink, clock domain.Clock, logger *slog.Logger) *FailoverInvoker {
	return &FailoverInvoker{registry: registry, metrics: metrics, clock: clock, logger: logger}
}

// InvokeChain tries each entry in chain until one answers. The winning entry
// name lands in the response; every hop is recorded as a fallback metric.
func (f *FailoverInvoker) InvokeChain(ctx context.Context, chain []domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	const op = "model.invoke_chain"
	if len(chain) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrUnavailable, "empty fallback chain")
	}

	ctx, span := tracer.StartSpan(ctx, "model.invoke",
		trace.WithAttributes(
			tracer.StringAttr("model.primary", chain[0].Name),
			tracer.IntAttr("model.chain_len", len(chain)),
		),
	)
	defer span.End()

	var failures []string
	for i, entry := range chain {
		inv, err := f.registry.Invoker(entry)
		if err != nil {
			return nil, err
		}
		resp, err := inv.Invoke(ctx, entry, prompt, opts)
		if err == nil {
			resp.Model = entry.Name
			if i > 0 {
				f.logger.Info("model fallback succeeded",
					"from", chain[0].Name, "to", entry.Name, "hops", i)
			}
			span.SetAttributes(tracer.StringAttr("model.selected", entry.Name))
			tracer.SetOK(span)
			return resp, nil
		}

		failures = append(failures, fmt.Sprintf("%s: %v", entry.Name, err))
		if !domain.IsTransient(err) || ctx.Err() != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp(op, err)
		}
		f.logger.Warn("model entry failed, walking chain",
			"entry", entry.Name, "error", err)
		if i+1 < len(chain) {
			f.metrics.Record(domain.MetricSample{
				Timestamp: f.clock.Now(),
				TenantID:  domain.TenantIDFromContext(ctx),
				Name:      domain.MetricFallback,
				Value:     1,
				Labels:    map[string]string{"from": entry.Name, "to": chain[i+1].Name},
			})
		}
	}

	err := domain.NewDomainError(op, domain.ErrUnavailable,
		"all entries failed: ["+strings.Join(failures, "; ")+"]")
	tracer.RecordError(span, err)
	return nil, err
}
