package domain

import (
	"context"
	"encoding/json"
	"time"
)

// SubscriptionTier is the billing tier a tenant subscribes to.
type SubscriptionTier string

const (
	TierStarter      SubscriptionTier = "starter"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

// TenantStatus gates whether a tenant may be served.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Unlimited marks a quota dimension with no ceiling.
const Unlimited = -1

// TenantQuotas defines resource ceilings for a tenant. Values of Unlimited
// disable the check for that dimension.
type TenantQuotas struct {
	MaxAgents          int `json:"max_agents"`
	MaxUsers           int `json:"max_users"`
	TasksPerDay        int `json:"tasks_per_day"`
	CacheEntries       int `json:"cache_entries"`
	ConcurrentPerAgent int `json:"concurrent_per_agent"`
}

// TierQuotas maps each subscription tier to its authoritative quota bundle.
var TierQuotas = map[SubscriptionTier]TenantQuotas{
	TierStarter: {
		MaxAgents:          3,
		MaxUsers:           10,
		TasksPerDay:        5000,
		CacheEntries:       1000,
		ConcurrentPerAgent: 2,
	},
	TierProfessional: {
		MaxAgents:          10,
		MaxUsers:           50,
		TasksPerDay:        25000,
		CacheEntries:       10000,
		ConcurrentPerAgent: 8,
	},
	TierEnterprise: {
		MaxAgents:          Unlimited,
		MaxUsers:           Unlimited,
		TasksPerDay:        100000,
		CacheEntries:       100000,
		ConcurrentPerAgent: 32,
	},
}

// IsValidTier reports whether s names a known subscription tier.
func IsValidTier(s string) bool {
	_, ok := TierQuotas[SubscriptionTier(s)]
	return ok
}

// Tenant is an isolated customer of the control plane. Tenants are never
// deleted while referenced; they are suspended instead.
type Tenant struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	PrimaryDomain string           `json:"primary_domain"`
	Branding      json.RawMessage  `json:"branding,omitempty"` // opaque to the core
	Tier          SubscriptionTier `json:"tier"`
	Features      map[string]bool  `json:"features,omitempty"`
	Quotas        TenantQuotas     `json:"quotas"`
	Status        TenantStatus     `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ResellerPackage bundles a freshly created tenant with generated API
// credential material.
type ResellerPackage struct {
	Tenant    *Tenant   `json:"tenant"`
	APIKeyID  string    `json:"api_key_id"`
	APISecret string    `json:"api_secret"` // returned once, never stored in clear
	IssuedAt  time.Time `json:"issued_at"`
}

// Context helpers for the resolved tenant ID.

type ctxKey string

const tenantCtxKey ctxKey = "tenant_id"

// ContextWithTenantID returns a new context carrying the tenant ID.
func ContextWithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tenantID)
}

// TenantIDFromContext extracts the tenant ID from the context.
// Returns empty string if not set.
func TenantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantCtxKey).(string); ok {
		return v
	}
	return ""
}
