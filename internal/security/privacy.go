package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"nowhere-ai/internal/domain"
)

// PrivacyService implements data portability and actor erasure over the
// tenant-scoped collections. Export returns every record a tenant owns;
// RedactActor rewrites a departed user's ID in the audit trail so the trail
// survives erasure requests.
type PrivacyService struct {
	store       domain.Store
	audit       domain.AuditLogger
	clock       domain.Clock
	collections []string
}

// NewPrivacyService creates a privacy service over the given tenant-scoped
// collections. Each collection must index tenant_id.
func NewPrivacyService(store domain.Store, audit domain.AuditLogger, clock domain.Clock, collections []string) *PrivacyService {
	return &PrivacyService{store: store, audit: audit, clock: clock, collections: collections}
}

// ExportBundle is the full tenant-scoped data set, keyed by collection.
type ExportBundle struct {
	TenantID    string                       `json:"tenant_id"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Records     int                          `json:"records"`
	Collections map[string][]json.RawMessage `json:"collections"`
}

// ExportTenant collects every record owned by the tenant across the
// configured collections.
func (p *PrivacyService) ExportTenant(ctx context.Context, tenantID string) (*ExportBundle, error) {
	const op = "privacy.export"
	if tenantID == "" {
		return nil, domain.NewValidationError(op, "tenant id must not be empty", "tenant_id")
	}

	bundle := &ExportBundle{
		TenantID:    tenantID,
		GeneratedAt: p.clock.Now().UTC(),
		Collections: make(map[string][]json.RawMessage, len(p.collections)),
	}
	for _, coll := range p.collections {
		var records []json.RawMessage
		for rec, err := range p.store.Stream(ctx, coll,
			domain.Filter{Eq: map[string]string{"tenant_id": tenantID}}, nil) {
			if err != nil {
				return nil, fmt.Errorf("%s: stream %s: %w", op, coll, err)
			}
			records = append(records, append(json.RawMessage(nil), rec.Data...))
		}
		bundle.Collections[coll] = records
		bundle.Records += len(records)
	}

	if p.audit != nil {
		_ = p.audit.Log(ctx, domain.AuditEvent{
			TenantID: tenantID,
			Action:   domain.AuditDataExport,
			Subject:  tenantID,
			Outcome:  domain.OutcomeSuccess,
			Detail:   map[string]string{"records": fmt.Sprintf("%d", bundle.Records)},
		})
	}
	return bundle, nil
}

// RedactActor replaces a user's ID in the tenant's audit trail with a stable
// pseudonym and returns the number of rewritten events. The pseudonym is
// deterministic so a redacted actor's events still correlate.
func (p *PrivacyService) RedactActor(ctx context.Context, tenantID, userID string) (int, error) {
	const op = "privacy.redact"
	if tenantID == "" || userID == "" {
		return 0, domain.NewValidationError(op, "tenant id and user id are required", "user_id")
	}
	pseudonym := redactedID(tenantID, userID)

	type target struct {
		id      string
		version int64
		event   domain.AuditEvent
	}
	var targets []target
	filter := domain.Filter{Eq: map[string]string{"tenant_id": tenantID, "actor_id": userID}}
	for rec, err := range p.store.Stream(ctx, AuditCollection, filter, nil) {
		if err != nil {
			return 0, domain.WrapOp(op, err)
		}
		var ev domain.AuditEvent
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return 0, fmt.Errorf("%s: decode event %s: %w", op, rec.ID, err)
		}
		targets = append(targets, target{id: rec.ID, version: rec.Version, event: ev})
	}

	rewritten := 0
	for _, tg := range targets {
		tg.event.ActorID = pseudonym
		data, err := json.Marshal(tg.event)
		if err != nil {
			return rewritten, fmt.Errorf("%s: marshal event %s: %w", op, tg.id, err)
		}
		if _, err := p.store.Update(ctx, AuditCollection, tg.id, tg.version, data); err != nil {
			return rewritten, domain.WrapOp(op, err)
		}
		rewritten++
	}

	if p.audit != nil {
		_ = p.audit.Log(ctx, domain.AuditEvent{
			TenantID: tenantID,
			ActorID:  pseudonym,
			Action:   domain.AuditActorRedact,
			Subject:  pseudonym,
			Outcome:  domain.OutcomeSuccess,
			Detail:   map[string]string{"events": fmt.Sprintf("%d", rewritten)},
		})
	}
	return rewritten, nil
}

func redactedID(tenantID, userID string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + userID))
	return "redacted-" + hex.EncodeToString(sum[:6])
}
