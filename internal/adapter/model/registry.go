package model

import (
	"fmt"
	"sort"
	"sync"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// Registry is the model catalogue: named entries backed by named provider
// invokers. Entries are never removed; availability flips instead, and reads
// work on an immutable snapshot so selection stays consistent under flips.
type Registry struct {
	defaultEntry string

	mu       sync.RWMutex
	entries  []domain.ModelEntry // snapshot, copy-on-write
	invokers map[string]domain.ModelInvoker
}

// NewRegistry builds a registry from the catalogue config. Every entry's
// provider must already be present in invokers.
func NewRegistry(cfg config.ModelsConfig, invokers map[string]domain.ModelInvoker) (*Registry, error) {
	entries := make([]domain.ModelEntry, 0, len(cfg.Catalog))
	for _, e := range cfg.Catalog {
		if _, ok := invokers[e.Provider]; !ok {
			return nil, fmt.Errorf("model registry: entry %q references unknown provider %q", e.Name, e.Provider)
		}
		caps := make([]domain.Capability, 0, len(e.Capabilities))
		for _, c := range e.Capabilities {
			caps = append(caps, domain.Capability(c))
		}
		entries = append(entries, domain.ModelEntry{
			Name:          e.Name,
			Provider:      e.Provider,
			Capabilities:  caps,
			ContextWindow: e.ContextWindow,
			CostWeight:    e.CostWeight,
			Available:     true,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &Registry{
		defaultEntry: cfg.Default,
		entries:      entries,
		invokers:     invokers,
	}, nil
}

// snapshot returns the current immutable entry slice.
func (r *Registry) snapshot() []domain.ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries
}

// List returns a copy of the catalogue.
func (r *Registry) List() []domain.ModelEntry {
	snap := r.snapshot()
	out := make([]domain.ModelEntry, len(snap))
	copy(out, snap)
	return out
}

// Entry returns the catalogue entry named name.
func (r *Registry) Entry(name string) (domain.ModelEntry, error) {
	for _, e := range r.snapshot() {
		if e.Name == name {
			return e, nil
		}
	}
	return domain.ModelEntry{}, domain.NewDomainError("model.entry", domain.ErrNotFound, name)
}

// SetAvailable flips availability of an entry. The catalogue is replaced
// wholesale so in-flight selections keep their snapshot.
func (r *Registry) SetAvailable(name string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Name != name {
			continue
		}
		next := make([]domain.ModelEntry, len(r.entries))
		copy(next, r.entries)
		next[i].Available = available
		r.entries = next
		return nil
	}
	return domain.NewDomainError("model.set_available", domain.ErrNotFound, name)
}

// Invoker returns the provider invoker backing entry.
func (r *Registry) Invoker(entry domain.ModelEntry) (domain.ModelInvoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[entry.Provider]
	if !ok {
		return nil, domain.NewDomainError("model.invoker", domain.ErrInternal, "no invoker for provider "+entry.Provider)
	}
	return inv, nil
}

// Select resolves a capability requirement and an ordered preference list to
// a fallback chain. Preferred entries that qualify come first in the given
// order; remaining candidates follow ordered by cost weight then name; the
// safe default terminates the chain when it satisfies the requirement. A
// default named among the preferences keeps its preference position.
func (r *Registry) Select(required []domain.Capability, preferences []string) ([]domain.ModelEntry, error) {
	snap := r.snapshot()

	qualifies := func(e domain.ModelEntry) bool {
		return e.Available && e.Satisfies(required)
	}

	byName := make(map[string]domain.ModelEntry, len(snap))
	for _, e := range snap {
		byName[e.Name] = e
	}

	var chain []domain.ModelEntry
	seen := make(map[string]bool)
	for _, name := range preferences {
		e, ok := byName[name]
		if !ok || seen[name] || !qualifies(e) {
			continue
		}
		chain = append(chain, e)
		seen[name] = true
	}

	rest := make([]domain.ModelEntry, 0, len(snap))
	for _, e := range snap {
		if !seen[e.Name] && e.Name != r.defaultEntry && qualifies(e) {
			rest = append(rest, e)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].CostWeight != rest[j].CostWeight {
			return rest[i].CostWeight < rest[j].CostWeight
		}
		return rest[i].Name < rest[j].Name
	})
	chain = append(chain, rest...)

	if def, ok := byName[r.defaultEntry]; ok && qualifies(def) && !seen[def.Name] {
		chain = append(chain, def)
	}

	if len(chain) == 0 {
		return nil, domain.NewDomainError("model.select", domain.ErrUnavailable, "no model satisfies the requirement")
	}
	return chain, nil
}

var _ domain.ModelSelector = (*Registry)(nil)
