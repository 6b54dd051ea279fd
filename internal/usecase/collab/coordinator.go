package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
	"nowhere-ai/internal/security"
	"nowhere-ai/internal/usecase/dispatch"
)

// Collection is the collaboration record collection.
const Collection = "collaborations"

// TaskService is the slice of the dispatcher the coordinator uses.
type TaskService interface {
	Submit(ctx context.Context, p dispatch.SubmitParams) (*domain.Task, error)
	Get(ctx context.Context, tenantID, taskID string) (*domain.Task, error)
}

// collabDoc is the stored form. Archived is extracted for indexed queries.
type collabDoc struct {
	domain.Collaboration
	Archived string `json:"archived"`
}

// Coordinator orchestrates multi-agent collaborations: it owns the
// collaboration records and drives the dispatcher for each step. Status is
// always derived from live child task states, never stored.
type Coordinator struct {
	store  domain.Store
	tasks  TaskService
	ids    domain.IDSource
	clock  domain.Clock
	audit  domain.AuditLogger
	logger *slog.Logger
	cfg    config.CollabConfig
}

// NewCoordinator wires the coordinator. audit may be nil.
func NewCoordinator(store domain.Store, tasks TaskService, ids domain.IDSource,
	clock domain.Clock, audit domain.AuditLogger, cfg config.CollabConfig,
	logger *slog.Logger) *Coordinator {
	if audit == nil {
		audit = security.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		tasks:  tasks,
		ids:    ids,
		clock:  clock,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
	}
}

// Init declares the collaboration collection.
func (c *Coordinator) Init(ctx context.Context) error {
	return c.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    Collection,
		Indexed: []string{"tenant_id", "orchestrator_id", "archived"},
	})
}

// Initiate opens a collaboration with an empty task flow.
func (c *Coordinator) Initiate(ctx context.Context, tenantID, orchestratorID string,
	participants []domain.AgentKind, goal string) (*domain.Collaboration, error) {
	const op = "collab.initiate"

	if tenantID == "" {
		return nil, domain.NewValidationError(op, "tenant id required", "tenant_id")
	}
	if orchestratorID == "" {
		return nil, domain.NewValidationError(op, "orchestrator id required", "orchestrator_id")
	}
	if goal == "" {
		return nil, domain.NewValidationError(op, "goal required", "goal")
	}
	for _, p := range participants {
		if !domain.IsValidAgentKind(string(p)) {
			return nil, domain.NewValidationError(op,
				"unknown agent kind "+string(p), "participants")
		}
	}

	now := c.clock.Now().UTC()
	collab := domain.Collaboration{
		ID:             c.ids.NewID(),
		TenantID:       tenantID,
		OrchestratorID: orchestratorID,
		Participants:   participants,
		Goal:           goal,
		TaskFlow:       []domain.CollabStep{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.persist(ctx, &collab); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	c.logAudit(ctx, tenantID, domain.AuditCollabInitiate, collab.ID,
		domain.OutcomeSuccess, map[string]string{"goal": goal})
	c.logger.Info("collaboration initiated",
		"collab_id", collab.ID, "tenant_id", tenantID, "participants", len(participants))
	return &collab, nil
}

// AddStep appends one step: the underlying task is submitted first, then the
// step is recorded on the flow. Agent kinds not yet listed as participants
// join the roster.
func (c *Coordinator) AddStep(ctx context.Context, tenantID, collabID string,
	kind domain.AgentKind, taskKind string, payload json.RawMessage, priority int) (*domain.Task, error) {
	const op = "collab.add_step"

	rec, doc, err := c.getDoc(ctx, tenantID, collabID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if doc.ArchivedAt != nil {
		return nil, domain.NewDomainError(op, domain.ErrConflict, "collaboration archived")
	}

	task, err := c.tasks.Submit(ctx, dispatch.SubmitParams{
		TenantID:    tenantID,
		AgentKind:   kind,
		SubmitterID: doc.OrchestratorID,
		Kind:        taskKind,
		Payload:     payload,
		Priority:    priority,
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	doc.TaskFlow = append(doc.TaskFlow, domain.CollabStep{AgentKind: kind, TaskID: task.ID})
	if !containsKind(doc.Participants, kind) {
		doc.Participants = append(doc.Participants, kind)
	}
	doc.UpdatedAt = c.clock.Now().UTC()
	if _, err := c.updateDoc(ctx, rec, doc); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	c.logAudit(ctx, tenantID, domain.AuditCollabStep, collabID,
		domain.OutcomeSuccess, map[string]string{
			"task_id":    task.ID,
			"agent_kind": string(kind),
			"kind":       taskKind,
		})
	return task, nil
}

// Delegate lets one agent hand work to another kind. The caller's session
// must carry collab.initiate or agent.submit; when a collaboration id is
// given the delegated task is also recorded as a step on its flow.
func (c *Coordinator) Delegate(ctx context.Context, tenantID string,
	from domain.AgentKind, to domain.AgentKind, taskKind string,
	payload json.RawMessage, collabID string) (*domain.Task, error) {
	const op = "collab.delegate"

	sess := domain.SessionFromContext(ctx)
	if sess == nil {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorized, "no session")
	}
	if !domain.HasPermission(sess.Role, domain.PermCollabInitiate) &&
		!domain.HasPermission(sess.Role, domain.PermAgentSubmit) {
		c.logAudit(ctx, tenantID, domain.AuditDelegate, string(to),
			domain.OutcomeDenied, map[string]string{"from": string(from)})
		return nil, &domain.ForbiddenError{Missing: domain.PermCollabInitiate}
	}

	detail := map[string]string{
		"from":       string(from),
		"agent_kind": string(to),
		"kind":       taskKind,
	}

	var task *domain.Task
	var err error
	if collabID != "" {
		task, err = c.AddStep(ctx, tenantID, collabID, to, taskKind, payload, 0)
		detail["collab_id"] = collabID
	} else {
		task, err = c.tasks.Submit(ctx, dispatch.SubmitParams{
			TenantID:    tenantID,
			AgentKind:   to,
			SubmitterID: sess.UserID,
			Kind:        taskKind,
			Payload:     payload,
		})
	}
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	detail["task_id"] = task.ID
	c.logAudit(ctx, tenantID, domain.AuditDelegate, task.ID, domain.OutcomeSuccess, detail)
	return task, nil
}

// StepStatus is one step of a status report with its live task state.
type StepStatus struct {
	AgentKind domain.AgentKind `json:"agent_kind"`
	TaskID    string           `json:"task_id"`
	State     domain.TaskState `json:"state"`
}

// StatusReport is a collaboration plus its derived aggregate status.
type StatusReport struct {
	Collaboration domain.Collaboration `json:"collaboration"`
	Status        domain.CollabStatus  `json:"status"`
	Steps         []StepStatus         `json:"steps"`
}

// Status derives the aggregate status from live child task states. A missing
// child task counts as failed rather than erroring the whole report.
func (c *Coordinator) Status(ctx context.Context, tenantID, collabID string) (*StatusReport, error) {
	const op = "collab.status"

	_, doc, err := c.getDoc(ctx, tenantID, collabID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	steps := make([]StepStatus, 0, len(doc.TaskFlow))
	states := make([]domain.TaskState, 0, len(doc.TaskFlow))
	for _, step := range doc.TaskFlow {
		state := domain.TaskFailed
		task, err := c.tasks.Get(ctx, tenantID, step.TaskID)
		if err != nil {
			c.logger.Warn("collaboration step task unreadable",
				"collab_id", collabID, "task_id", step.TaskID, "error", err)
		} else {
			state = task.State
		}
		steps = append(steps, StepStatus{AgentKind: step.AgentKind, TaskID: step.TaskID, State: state})
		states = append(states, state)
	}

	return &StatusReport{
		Collaboration: doc.Collaboration,
		Status:        domain.AggregateCollabStatus(states),
		Steps:         steps,
	}, nil
}

// Get returns the stored collaboration without touching child tasks.
func (c *Coordinator) Get(ctx context.Context, tenantID, collabID string) (*domain.Collaboration, error) {
	_, doc, err := c.getDoc(ctx, tenantID, collabID)
	if err != nil {
		return nil, domain.WrapOp("collab.get", err)
	}
	return &doc.Collaboration, nil
}

// List returns a tenant's collaborations, newest first. Archived ones are
// excluded unless includeArchived is set.
func (c *Coordinator) List(ctx context.Context, tenantID string, includeArchived bool, limit int) ([]domain.Collaboration, error) {
	const op = "collab.list"
	if tenantID == "" {
		return nil, domain.NewValidationError(op, "tenant id required", "tenant_id")
	}
	eq := map[string]string{"tenant_id": tenantID}
	if !includeArchived {
		eq["archived"] = "false"
	}
	recs, err := c.store.Query(ctx, Collection, domain.Filter{Eq: eq},
		[]domain.Sort{{Field: "created_at", Desc: true}}, limit)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	out := make([]domain.Collaboration, 0, len(recs))
	for i := range recs {
		var doc collabDoc
		if err := json.Unmarshal(recs[i].Data, &doc); err != nil {
			return nil, fmt.Errorf("%s: decode collaboration %s: %w", op, recs[i].ID, err)
		}
		out = append(out, doc.Collaboration)
	}
	return out, nil
}

// ArchiveExpired stamps completed collaborations older than the retention
// window. Returns the number archived. Runs on the maintenance schedule.
func (c *Coordinator) ArchiveExpired(ctx context.Context) (int, error) {
	const op = "collab.archive"
	if c.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := c.clock.Now().UTC().Add(-c.cfg.Retention)
	archived := 0

	for rec, err := range c.store.Stream(ctx, Collection,
		domain.Filter{Eq: map[string]string{"archived": "false"}}, nil) {
		if err != nil {
			return archived, domain.WrapOp(op, err)
		}
		var doc collabDoc
		if err := json.Unmarshal(rec.Data, &doc); err != nil {
			c.logger.Error("skipping corrupt collaboration record", "collab_id", rec.ID, "error", err)
			continue
		}
		if doc.UpdatedAt.After(cutoff) {
			continue
		}
		report, err := c.Status(ctx, doc.TenantID, doc.ID)
		if err != nil {
			c.logger.Warn("collaboration status during archive failed", "collab_id", doc.ID, "error", err)
			continue
		}
		if !terminal(report.Status) {
			continue
		}
		now := c.clock.Now().UTC()
		doc.ArchivedAt = &now
		if _, err := c.updateDoc(ctx, &rec, &doc); err != nil {
			c.logger.Warn("collaboration archive write failed", "collab_id", doc.ID, "error", err)
			continue
		}
		archived++
	}
	if archived > 0 {
		c.logger.Info("collaborations archived", "count", archived)
	}
	return archived, nil
}

func terminal(s domain.CollabStatus) bool {
	return s == domain.CollabSucceeded || s == domain.CollabPartial || s == domain.CollabFailed
}

func containsKind(kinds []domain.AgentKind, k domain.AgentKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func (c *Coordinator) persist(ctx context.Context, collab *domain.Collaboration) error {
	doc := collabDoc{Collaboration: *collab, Archived: "false"}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal collaboration: %w", err)
	}
	_, err = c.store.Put(ctx, Collection, collab.ID, data)
	return err
}

// getDoc loads a collaboration and enforces tenant scoping: a mismatch reads
// as ErrNotFound so ids do not leak across tenants.
func (c *Coordinator) getDoc(ctx context.Context, tenantID, collabID string) (*domain.Record, *collabDoc, error) {
	if tenantID == "" {
		return nil, nil, domain.NewValidationError("collab.get", "tenant id required", "tenant_id")
	}
	if collabID == "" {
		return nil, nil, domain.NewValidationError("collab.get", "collaboration id required", "collab_id")
	}
	rec, err := c.store.Get(ctx, Collection, collabID)
	if err != nil {
		return nil, nil, err
	}
	var doc collabDoc
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode collaboration %s: %w", collabID, err)
	}
	if doc.TenantID != tenantID {
		return nil, nil, domain.ErrNotFound
	}
	return rec, &doc, nil
}

func (c *Coordinator) updateDoc(ctx context.Context, rec *domain.Record, doc *collabDoc) (*domain.Record, error) {
	if doc.ArchivedAt != nil {
		doc.Archived = "true"
	} else {
		doc.Archived = "false"
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal collaboration: %w", err)
	}
	return c.store.Update(ctx, Collection, rec.ID, rec.Version, data)
}

func (c *Coordinator) logAudit(ctx context.Context, tenantID string, action domain.AuditAction, subject, outcome string, detail map[string]string) {
	actor := "system"
	if s := domain.SessionFromContext(ctx); s != nil {
		actor = s.UserID
	}
	ev := domain.AuditEvent{
		ID:        c.ids.NewID(),
		TenantID:  tenantID,
		ActorID:   actor,
		Action:    action,
		Subject:   subject,
		Timestamp: c.clock.Now().UTC(),
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := c.audit.Log(ctx, ev); err != nil {
		c.logger.Error("audit write failed", "action", action, "error", err)
	}
}
