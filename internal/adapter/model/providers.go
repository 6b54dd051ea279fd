package model

import (
	"fmt"
	"log/slog"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// BuildInvokers constructs one invoker per configured provider backend.
// Every backend is wrapped in a context-window guard; circuit breaking is
// applied when enabled. The returned map feeds NewRegistry.
func BuildInvokers(cfg config.ModelsConfig, logger *slog.Logger) (map[string]domain.ModelInvoker, error) {
	invokers := make(map[string]domain.ModelInvoker, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var base domain.ModelInvoker
		var err error
		switch pc.Type {
		case "static":
			base = NewStaticInvoker()
		case "http":
			base = NewHTTPInvoker(pc, logger)
		case "bedrock":
			base, err = NewBedrockInvoker(pc, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
			}
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", pc.Name, pc.Type)
		}

		if cfg.CircuitBreaker.Enabled {
			base = NewBreakerInvoker(base, cfg.CircuitBreaker, logger)
		}
		invokers[pc.Name] = NewContextGuard(base)
	}
	return invokers, nil
}
