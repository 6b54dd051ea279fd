package domain

import (
	"context"
	"time"
)

// AuditAction tags the privileged mutation being audited.
type AuditAction string

const (
	AuditUserCreate     AuditAction = "user.create"
	AuditUserLogin      AuditAction = "user.login"
	AuditSessionRevoke  AuditAction = "session.revoke"
	AuditTenantCreate   AuditAction = "tenant.create"
	AuditTenantUpdate   AuditAction = "tenant.update"
	AuditResellerCreate AuditAction = "tenant.reseller_create"
	AuditTaskSubmit     AuditAction = "task.submit"
	AuditTaskCancel     AuditAction = "task.cancel"
	AuditAgentControl   AuditAction = "agent.control"
	AuditCollabInitiate AuditAction = "collab.initiate"
	AuditCollabStep     AuditAction = "collab.step"
	AuditDelegate       AuditAction = "collab.delegate"
	AuditCacheClear     AuditAction = "cache.clear"
	AuditDataExport     AuditAction = "data.export"
	AuditActorRedact    AuditAction = "user.redact"
	AuditAccessDenied   AuditAction = "access.denied"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditEvent is a record of a privileged action. Events are appended before
// the mutation returns; only actor redaction rewrites them afterwards.
type AuditEvent struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	ActorID   string            `json:"actor_id"`
	Action    AuditAction       `json:"action"`
	Subject   string            `json:"subject"`
	Timestamp time.Time         `json:"timestamp"`
	Outcome   string            `json:"outcome"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger appends audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
