// Package tenant manages tenant lifecycle: provisioning, tier and quota
// assignment, suspension, and reseller packaging.
package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"nowhere-ai/internal/domain"
)

const (
	// Collection holds tenant records.
	Collection = "tenants"
	// CredentialCollection holds hashed reseller API credentials.
	CredentialCollection = "api_credentials"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// Service owns tenant records. Domain uniqueness among active tenants is
// enforced both here and by a partial unique index in the store.
type Service struct {
	store  domain.Store
	ids    domain.IDSource
	clock  domain.Clock
	logger *slog.Logger
}

// NewService wires the tenant service.
func NewService(store domain.Store, ids domain.IDSource, clock domain.Clock, logger *slog.Logger) *Service {
	return &Service{store: store, ids: ids, clock: clock, logger: logger}
}

// Init declares the collections this service reads and writes.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    Collection,
		Indexed: []string{"primary_domain", "status", "tier"},
		Unique: []domain.UniqueSpec{
			{Fields: []string{"primary_domain"}, Where: "idx_status = 'active'"},
		},
	}); err != nil {
		return err
	}
	return s.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    CredentialCollection,
		Indexed: []string{"tenant_id"},
	})
}

// CreateParams carries the caller-supplied tenant fields.
type CreateParams struct {
	DisplayName   string
	PrimaryDomain string
	Branding      json.RawMessage
	Tier          domain.SubscriptionTier
	Features      map[string]bool
}

func (s *Service) validate(op string, p CreateParams) error {
	if strings.TrimSpace(p.DisplayName) == "" {
		return domain.NewValidationError(op, "display_name must not be empty", "display_name")
	}
	d := strings.ToLower(strings.TrimSpace(p.PrimaryDomain))
	if !domainPattern.MatchString(d) {
		return domain.NewValidationError(op, "primary_domain is not a valid hostname", "primary_domain")
	}
	if !domain.IsValidTier(string(p.Tier)) {
		return domain.NewValidationError(op, "unknown subscription tier "+string(p.Tier), "tier")
	}
	return nil
}

// Create provisions a new active tenant with its tier's quota bundle.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Tenant, error) {
	const op = "tenant.create"
	if err := s.validate(op, p); err != nil {
		return nil, err
	}
	primary := strings.ToLower(strings.TrimSpace(p.PrimaryDomain))

	if _, err := s.GetByDomain(ctx, primary); err == nil {
		return nil, domain.NewDomainError(op, domain.ErrConflict, "primary_domain already claimed by an active tenant")
	}

	now := s.clock.Now().UTC()
	t := &domain.Tenant{
		ID:            s.ids.NewID(),
		DisplayName:   strings.TrimSpace(p.DisplayName),
		PrimaryDomain: primary,
		Branding:      p.Branding,
		Tier:          p.Tier,
		Features:      p.Features,
		Quotas:        domain.TierQuotas[p.Tier],
		Status:        domain.TenantActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal tenant: %w", op, err)
	}
	if _, err := s.store.Put(ctx, Collection, t.ID, data); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	// A concurrent create may have slipped past the pre-check on stores
	// without partial unique indexes. Detect and compensate.
	n, err := s.store.Count(ctx, Collection, domain.Filter{Eq: map[string]string{
		"primary_domain": primary,
		"status":         string(domain.TenantActive),
	}})
	if err == nil && n > 1 {
		if delErr := s.store.Delete(ctx, Collection, t.ID); delErr != nil {
			s.logger.Warn("compensating delete failed", "tenant_id", t.ID, "error", delErr)
		}
		return nil, domain.NewDomainError(op, domain.ErrConflict, "primary_domain already claimed by an active tenant")
	}

	s.logger.Info("tenant created",
		"tenant_id", t.ID, "primary_domain", t.PrimaryDomain, "tier", t.Tier)
	return t, nil
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	const op = "tenant.get"
	rec, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return decodeTenant(op, rec)
}

// GetByDomain resolves the active tenant owning a primary domain.
func (s *Service) GetByDomain(ctx context.Context, primaryDomain string) (*domain.Tenant, error) {
	const op = "tenant.get_by_domain"
	recs, err := s.store.Query(ctx, Collection, domain.Filter{Eq: map[string]string{
		"primary_domain": strings.ToLower(primaryDomain),
		"status":         string(domain.TenantActive),
	}}, nil, 1)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if len(recs) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, "no active tenant for domain "+primaryDomain)
	}
	return decodeTenant(op, &recs[0])
}

// UpdateParams patches mutable tenant fields. Nil pointers leave the field
// untouched.
type UpdateParams struct {
	DisplayName *string
	Branding    json.RawMessage
	Features    map[string]bool
	Tier        *domain.SubscriptionTier
	Status      *domain.TenantStatus
}

// Update applies a patch under optimistic concurrency, retrying stale reads.
// A tier change swaps in the new tier's quota bundle; running work picks it
// up on the next dispatch.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (*domain.Tenant, error) {
	const op = "tenant.update"
	if p.Tier != nil && !domain.IsValidTier(string(*p.Tier)) {
		return nil, domain.NewValidationError(op, "unknown subscription tier "+string(*p.Tier), "tier")
	}
	if p.Status != nil && *p.Status != domain.TenantActive && *p.Status != domain.TenantSuspended {
		return nil, domain.NewValidationError(op, "status must be active or suspended", "status")
	}

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.store.Get(ctx, Collection, id)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		t, err := decodeTenant(op, rec)
		if err != nil {
			return nil, err
		}

		if p.DisplayName != nil {
			if strings.TrimSpace(*p.DisplayName) == "" {
				return nil, domain.NewValidationError(op, "display_name must not be empty", "display_name")
			}
			t.DisplayName = strings.TrimSpace(*p.DisplayName)
		}
		if p.Branding != nil {
			t.Branding = p.Branding
		}
		if p.Features != nil {
			t.Features = p.Features
		}
		if p.Tier != nil {
			t.Tier = *p.Tier
			t.Quotas = domain.TierQuotas[*p.Tier]
		}
		if p.Status != nil {
			t.Status = *p.Status
		}
		t.UpdatedAt = s.clock.Now().UTC()

		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal tenant: %w", op, err)
		}
		_, err = s.store.Update(ctx, Collection, id, rec.Version, data)
		if err == nil {
			s.logger.Info("tenant updated", "tenant_id", id, "tier", t.Tier, "status", t.Status)
			return t, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, domain.WrapOp(op, err)
		}
	}
	return nil, domain.NewDomainError(op, domain.ErrConflict, "tenant update contended, retries exhausted")
}

// Suspend marks a tenant suspended. Suspended tenants keep their records but
// are refused service.
func (s *Service) Suspend(ctx context.Context, id string) (*domain.Tenant, error) {
	status := domain.TenantSuspended
	return s.Update(ctx, id, UpdateParams{Status: &status})
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status domain.TenantStatus
	Tier   domain.SubscriptionTier
}

// List returns tenants matching the filter, newest first.
func (s *Service) List(ctx context.Context, f ListFilter, limit int) ([]domain.Tenant, error) {
	const op = "tenant.list"
	eq := map[string]string{}
	if f.Status != "" {
		eq["status"] = string(f.Status)
	}
	if f.Tier != "" {
		eq["tier"] = string(f.Tier)
	}
	recs, err := s.store.Query(ctx, Collection, domain.Filter{Eq: eq},
		[]domain.Sort{{Field: "created_at", Desc: true}}, limit)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	out := make([]domain.Tenant, 0, len(recs))
	for i := range recs {
		t, err := decodeTenant(op, &recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// credentialRecord is the persisted shape of a reseller API credential. Only
// the secret's hash is stored.
type credentialRecord struct {
	TenantID   string    `json:"tenant_id"`
	SecretHash string    `json:"secret_hash"`
	IssuedAt   time.Time `json:"issued_at"`
}

// CreateResellerPackage provisions a tenant with the reseller feature bundle
// and mints API credential material. The clear secret is returned exactly
// once. The tenant is rolled back if credential persistence fails.
func (s *Service) CreateResellerPackage(ctx context.Context, p CreateParams) (*domain.ResellerPackage, error) {
	const op = "tenant.create_reseller"

	if p.Features == nil {
		p.Features = map[string]bool{}
	}
	p.Features["reseller"] = true
	p.Features["white_label"] = true
	p.Features["api_access"] = true

	t, err := s.Create(ctx, p)
	if err != nil {
		return nil, err
	}

	keyID := s.ids.NewID()
	secret, err := s.ids.NewToken()
	if err != nil {
		s.compensate(ctx, op, t.ID)
		return nil, domain.WrapOp(op, err)
	}

	sum := sha256.Sum256([]byte(secret))
	cred := credentialRecord{
		TenantID:   t.ID,
		SecretHash: hex.EncodeToString(sum[:]),
		IssuedAt:   s.clock.Now().UTC(),
	}
	data, err := json.Marshal(cred)
	if err != nil {
		s.compensate(ctx, op, t.ID)
		return nil, fmt.Errorf("%s: marshal credential: %w", op, err)
	}
	if _, err := s.store.Put(ctx, CredentialCollection, keyID, data); err != nil {
		s.compensate(ctx, op, t.ID)
		return nil, domain.WrapOp(op, err)
	}

	s.logger.Info("reseller package created", "tenant_id", t.ID, "api_key_id", keyID)
	return &domain.ResellerPackage{
		Tenant:    t,
		APIKeyID:  keyID,
		APISecret: secret,
		IssuedAt:  s.clock.Now().UTC(),
	}, nil
}

// VerifyAPICredential checks a reseller key/secret pair and returns the owning
// tenant id.
func (s *Service) VerifyAPICredential(ctx context.Context, keyID, secret string) (string, error) {
	const op = "tenant.verify_credential"
	rec, err := s.store.Get(ctx, CredentialCollection, keyID)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrUnauthorized, "unknown api key")
	}
	var cred credentialRecord
	if err := json.Unmarshal(rec.Data, &cred); err != nil {
		return "", fmt.Errorf("%s: decode credential: %w", op, err)
	}
	stored, err := hex.DecodeString(cred.SecretHash)
	if err != nil {
		return "", fmt.Errorf("%s: decode credential: %w", op, err)
	}
	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(sum[:], stored) != 1 {
		return "", domain.NewDomainError(op, domain.ErrUnauthorized, "secret mismatch")
	}
	return cred.TenantID, nil
}

func (s *Service) compensate(ctx context.Context, op, tenantID string) {
	if err := s.store.Delete(ctx, Collection, tenantID); err != nil {
		s.logger.Warn("compensating delete failed", "op", op, "tenant_id", tenantID, "error", err)
	}
}

func decodeTenant(op string, rec *domain.Record) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := json.Unmarshal(rec.Data, &t); err != nil {
		return nil, fmt.Errorf("%s: decode tenant %s: %w", op, rec.ID, err)
	}
	return &t, nil
}
