package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for inconsistencies. All problems are
// collected so the operator sees the full list at once.
func Validate(cfg *Config) error {
	var problems []string

	switch cfg.Server.Mode {
	case "dev", "prod":
	default:
		problems = append(problems, fmt.Sprintf("server.mode: unknown mode %q (want dev or prod)", cfg.Server.Mode))
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			problems = append(problems, "storage.path: required for sqlite driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver: unknown driver %q (want sqlite or memory)", cfg.Storage.Driver))
	}

	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		problems = append(problems, fmt.Sprintf("logger.level: unknown level %q", cfg.Logger.Level))
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		problems = append(problems, fmt.Sprintf("logger.format: unknown format %q", cfg.Logger.Format))
	}

	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			problems = append(problems, fmt.Sprintf("tracer.exporter: unsupported exporter %q", cfg.Tracer.Exporter))
		}
	}

	providerNames := make(map[string]bool, len(cfg.Models.Providers))
	for i, p := range cfg.Models.Providers {
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("models.providers[%d].name: required", i))
			continue
		}
		if providerNames[p.Name] {
			problems = append(problems, fmt.Sprintf("models.providers: duplicate name %q", p.Name))
		}
		providerNames[p.Name] = true
		switch p.Type {
		case "bedrock", "static":
		case "http":
			if p.BaseURL == "" {
				problems = append(problems, fmt.Sprintf("models.providers[%s].base_url: required for http type", p.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("models.providers[%s].type: unknown type %q", p.Name, p.Type))
		}
	}

	entryNames := make(map[string]bool, len(cfg.Models.Catalog))
	for i, e := range cfg.Models.Catalog {
		if e.Name == "" {
			problems = append(problems, fmt.Sprintf("models.catalog[%d].name: required", i))
			continue
		}
		if entryNames[e.Name] {
			problems = append(problems, fmt.Sprintf("models.catalog: duplicate entry %q", e.Name))
		}
		entryNames[e.Name] = true
		if !providerNames[e.Provider] {
			problems = append(problems, fmt.Sprintf("models.catalog[%s].provider: unknown provider %q", e.Name, e.Provider))
		}
		if e.ContextWindow <= 0 {
			problems = append(problems, fmt.Sprintf("models.catalog[%s].context_window: must be positive", e.Name))
		}
	}
	if cfg.Models.Default == "" {
		problems = append(problems, "models.default: required")
	} else if len(entryNames) > 0 && !entryNames[cfg.Models.Default] {
		problems = append(problems, fmt.Sprintf("models.default: entry %q not in catalog", cfg.Models.Default))
	}

	if cfg.Security.SessionTTL <= 0 {
		problems = append(problems, "security.session_ttl: must be positive")
	}
	if cfg.Security.LoginAttempts <= 0 {
		problems = append(problems, "security.login_attempts: must be positive")
	}

	if cfg.Cache.Shards <= 0 {
		problems = append(problems, "cache.shards: must be positive")
	}
	if cfg.Cache.MaxEntries <= 0 || cfg.Cache.MaxBytes <= 0 {
		problems = append(problems, "cache: max_entries and max_bytes must be positive")
	}
	if r := cfg.Dispatcher.Retry; r.MaxAttempts < 1 || r.BaseDelay <= 0 || r.Factor < 1 {
		problems = append(problems, "dispatcher.retry: max_attempts >= 1, base_delay > 0 and factor >= 1 required")
	}
	if cfg.Insights.AnomalySigma <= 0 {
		problems = append(problems, "insights.anomaly_sigma: must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration:\n  - " + strings.Join(problems, "\n  - "))
}
