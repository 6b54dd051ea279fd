package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
	"nowhere-ai/internal/security"
)

// TaskCollection holds every task ever submitted, including retries.
const TaskCollection = "tasks"

// dayFormat keys the daily quota window in UTC.
const dayFormat = "2006-01-02"

// taskDoc is the persisted task shape. CreatedDay duplicates the submission
// date so the daily quota is one indexed count instead of a scan.
type taskDoc struct {
	domain.Task
	CreatedDay string `json:"created_day"`
}

// TenantDirectory is the tenant view the dispatcher needs: status gating and
// the quota bundle, re-read on every dispatch so tier changes apply live.
type TenantDirectory interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

// AgentResolver hands out the singleton agent instance for a (tenant, kind)
// pair.
type AgentResolver interface {
	Resolve(ctx context.Context, tenantID string, kind domain.AgentKind) (domain.Agent, error)
}

// loopState throttles one queue's dispatch loop to the tenant's
// concurrent-per-agent ceiling.
type loopState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
}

func newLoopState() *loopState {
	ls := &loopState{}
	ls.cond = sync.NewCond(&ls.mu)
	return ls
}

func (ls *loopState) acquire(limit int) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for limit != domain.Unlimited && ls.inflight >= limit {
		ls.cond.Wait()
	}
	ls.inflight++
}

func (ls *loopState) release() {
	ls.mu.Lock()
	ls.inflight--
	ls.mu.Unlock()
	ls.cond.Signal()
}

func (ls *loopState) load() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.inflight
}

// Dispatcher owns the per-(tenant, kind) task queues and their worker loops.
// Tasks are durable before they are runnable: Submit persists the queued
// record and only then enqueues it.
type Dispatcher struct {
	store   domain.Store
	tenants TenantDirectory
	agents  AgentResolver
	schemas *SchemaRegistry
	ids     domain.IDSource
	clock   domain.Clock
	metrics domain.MetricSink
	audit   domain.AuditLogger
	logger  *slog.Logger
	cfg     config.DispatcherConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	queues  map[domain.QueueKey]*queue
	loops   map[domain.QueueKey]*loopState
	running map[string]context.CancelFunc // task id -> in-flight cancel
}

// NewDispatcher wires the dispatcher. metrics and audit may be nil.
func NewDispatcher(store domain.Store, tenants TenantDirectory, agents AgentResolver,
	schemas *SchemaRegistry, ids domain.IDSource, clock domain.Clock,
	metrics domain.MetricSink, audit domain.AuditLogger,
	cfg config.DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = domain.NopMetricSink{}
	}
	if audit == nil {
		audit = security.NopAuditLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   store,
		tenants: tenants,
		agents:  agents,
		schemas: schemas,
		ids:     ids,
		clock:   clock,
		metrics: metrics,
		audit:   audit,
		logger:  logger,
		cfg:     cfg,
		baseCtx: ctx,
		cancel:  cancel,
		queues:  make(map[domain.QueueKey]*queue),
		loops:   make(map[domain.QueueKey]*loopState),
		running: make(map[string]context.CancelFunc),
	}
}

// Init declares the task collection.
func (d *Dispatcher) Init(ctx context.Context) error {
	return d.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    TaskCollection,
		Indexed: []string{"tenant_id", "agent_kind", "state", "submitter_id", "created_day", "parent_id"},
	})
}

// SubmitParams carries one task submission.
type SubmitParams struct {
	TenantID    string
	AgentKind   domain.AgentKind
	SubmitterID string
	Kind        string
	Payload     json.RawMessage
	Priority    int
	Deadline    *time.Time
}

// Submit validates, persists and enqueues a task. The returned task is in the
// queued state; callers poll Get for progress.
func (d *Dispatcher) Submit(ctx context.Context, p SubmitParams) (*domain.Task, error) {
	const op = "dispatcher.submit"

	if p.TenantID == "" {
		return nil, domain.NewValidationError(op, "tenant id required", "tenant_id")
	}
	if !domain.IsValidAgentKind(string(p.AgentKind)) {
		return nil, domain.NewValidationError(op, "unknown agent kind "+string(p.AgentKind), "agent_kind")
	}
	if p.Kind == "" {
		return nil, domain.NewValidationError(op, "task kind required", "kind")
	}
	if len(p.Payload) == 0 {
		return nil, domain.NewValidationError(op, "payload required", "payload")
	}

	now := d.clock.Now().UTC()
	if p.Deadline != nil && !p.Deadline.After(now) {
		return nil, domain.NewValidationError(op, "deadline already passed", "deadline")
	}

	tn, err := d.tenants.Get(ctx, p.TenantID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if tn.Status != domain.TenantActive {
		return nil, domain.NewDomainError(op, domain.ErrForbidden, "tenant is suspended")
	}

	if err := d.schemas.Validate(p.AgentKind, p.Kind, p.Payload); err != nil {
		return nil, err
	}

	if err := d.checkDailyQuota(ctx, tn, now); err != nil {
		return nil, err
	}

	key := domain.QueueKey{TenantID: p.TenantID, AgentKind: p.AgentKind}
	if d.queueStopped(key) {
		return nil, domain.NewDomainError(op, domain.ErrUnavailable,
			"agent "+string(p.AgentKind)+" is stopped")
	}
	if d.backlog(key) >= d.cfg.QueueDepth {
		return nil, domain.WrapOp(op, &domain.QuotaError{
			Dimension: "queue_depth",
			Limit:     int64(d.cfg.QueueDepth),
		})
	}

	task := &domain.Task{
		ID:          d.ids.NewID(),
		TenantID:    p.TenantID,
		AgentKind:   p.AgentKind,
		SubmitterID: p.SubmitterID,
		Kind:        p.Kind,
		Payload:     p.Payload,
		Priority:    p.Priority,
		CreatedAt:   now,
		Deadline:    p.Deadline,
		State:       domain.TaskQueued,
		Attempt:     1,
	}
	if err := d.persistNew(ctx, task); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	d.enqueue(task)
	d.logAudit(ctx, task.TenantID, domain.AuditTaskSubmit, task.ID, domain.OutcomeSuccess,
		map[string]string{"agent_kind": string(task.AgentKind), "kind": task.Kind})

	d.logger.Info("task submitted",
		"task_id", task.ID, "tenant_id", task.TenantID,
		"agent_kind", task.AgentKind, "kind", task.Kind, "priority", task.Priority)
	return task, nil
}

// checkDailyQuota counts today's submissions against the tenant's tasks_per_day
// ceiling. Retried tasks count too: a retry is a fresh submission.
func (d *Dispatcher) checkDailyQuota(ctx context.Context, tn *domain.Tenant, now time.Time) error {
	limit := tn.Quotas.TasksPerDay
	if limit == domain.Unlimited {
		return nil
	}
	day := now.Format(dayFormat)
	n, err := d.store.Count(ctx, TaskCollection, domain.Filter{
		Eq: map[string]string{"tenant_id": tn.ID, "created_day": day},
	})
	if err != nil {
		return domain.WrapOp("dispatcher.submit", err)
	}
	if n >= int64(limit) {
		midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return domain.WrapOp("dispatcher.submit", &domain.QuotaError{
			Dimension:  "tasks_per_day",
			Limit:      int64(limit),
			RetryAfter: midnight.Sub(now),
		})
	}
	return nil
}

// backlog is the number of tasks queued or in flight for one key.
func (d *Dispatcher) backlog(key domain.QueueKey) int {
	d.mu.Lock()
	q := d.queues[key]
	ls := d.loops[key]
	d.mu.Unlock()
	n := 0
	if q != nil {
		n += q.depth()
	}
	if ls != nil {
		n += ls.load()
	}
	return n
}

// queueStopped reports whether the (tenant, kind) queue was taken out of
// service by a stop control.
func (d *Dispatcher) queueStopped(key domain.QueueKey) bool {
	d.mu.Lock()
	q := d.queues[key]
	d.mu.Unlock()
	return q != nil && q.isStopped()
}

// ensureQueue returns the queue for key, creating it and starting its
// dispatch loop on first use.
func (d *Dispatcher) ensureQueue(key domain.QueueKey) *queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[key]
	if !ok {
		q = newQueue()
		ls := newLoopState()
		d.queues[key] = q
		d.loops[key] = ls
		d.wg.Add(1)
		go d.runLoop(key, q, ls)
	}
	return q
}

func (d *Dispatcher) enqueue(t *domain.Task) {
	q := d.ensureQueue(domain.QueueKey{TenantID: t.TenantID, AgentKind: t.AgentKind})
	q.push(t)
}

// runLoop drains one queue, re-reading the tenant's concurrency ceiling on
// every dispatch so tier changes take effect without a restart.
func (d *Dispatcher) runLoop(key domain.QueueKey, q *queue, ls *loopState) {
	defer d.wg.Done()
	for {
		t := q.pop()
		if t == nil {
			return
		}
		limit := d.concurrencyLimit(key.TenantID)
		ls.acquire(limit)
		d.wg.Add(1)
		go func(t *domain.Task) {
			defer d.wg.Done()
			defer ls.release()
			d.execute(t)
		}(t)
	}
}

func (d *Dispatcher) concurrencyLimit(tenantID string) int {
	tn, err := d.tenants.Get(d.baseCtx, tenantID)
	if err != nil {
		d.logger.Warn("concurrency lookup failed, serializing", "tenant_id", tenantID, "error", err)
		return 1
	}
	if tn.Quotas.ConcurrentPerAgent == domain.Unlimited {
		return domain.Unlimited
	}
	if tn.Quotas.ConcurrentPerAgent < 1 {
		return 1
	}
	return tn.Quotas.ConcurrentPerAgent
}

// execute runs one task to a terminal state.
func (d *Dispatcher) execute(t *domain.Task) {
	ctx := d.baseCtx
	rec, err := d.store.Get(ctx, TaskCollection, t.ID)
	if err != nil {
		d.logger.Error("task vanished before execution", "task_id", t.ID, "error", err)
		return
	}
	var doc taskDoc
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		d.logger.Error("task record corrupt", "task_id", t.ID, "error", err)
		return
	}
	if doc.State != domain.TaskQueued {
		// Cancelled between persist and dispatch.
		return
	}

	now := d.clock.Now().UTC()
	d.record(t, domain.MetricQueueWait, float64(now.Sub(t.CreatedAt).Milliseconds()), nil)

	doc.State = domain.TaskRunning
	doc.StartedAt = &now
	rec, err = d.updateDoc(ctx, rec, &doc)
	if err != nil {
		d.logger.Error("mark running failed", "task_id", t.ID, "error", err)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	d.mu.Lock()
	d.running[t.ID] = cancelRun
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, t.ID)
		d.mu.Unlock()
		cancelRun()
	}()
	if doc.Deadline != nil {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, *doc.Deadline)
		defer cancelDL()
	}

	started := d.clock.Now()
	result, handleErr := d.handle(runCtx, &doc.Task)
	execMS := float64(d.clock.Since(started).Milliseconds())
	d.record(t, domain.MetricExecTime, execMS, nil)

	finished := d.clock.Now().UTC()
	doc.FinishedAt = &finished

	if handleErr == nil {
		doc.State = domain.TaskSucceeded
		doc.Result = result
		if _, err := d.updateDoc(ctx, rec, &doc); err != nil {
			d.logger.Error("mark succeeded failed", "task_id", t.ID, "error", err)
		}
		d.record(t, domain.MetricTaskOutcome, 1, map[string]string{"outcome": string(domain.TaskSucceeded)})
		d.logger.Info("task succeeded", "task_id", t.ID, "tenant_id", t.TenantID, "exec_ms", execMS)
		return
	}

	class, code := classify(handleErr)
	if class == domain.FailureCancelled {
		doc.State = domain.TaskCancelled
		doc.Error = &domain.TaskError{Class: class, Code: code, Message: "cancelled"}
		if _, err := d.updateDoc(ctx, rec, &doc); err != nil {
			d.logger.Error("mark cancelled failed", "task_id", t.ID, "error", err)
		}
		d.record(t, domain.MetricTaskOutcome, 1, map[string]string{"outcome": string(domain.TaskCancelled)})
		d.logger.Info("task cancelled", "task_id", t.ID, "tenant_id", t.TenantID)
		return
	}

	doc.State = domain.TaskFailed
	doc.Error = &domain.TaskError{Class: class, Code: code, Message: handleErr.Error()}
	if _, err := d.updateDoc(ctx, rec, &doc); err != nil {
		d.logger.Error("mark failed failed", "task_id", t.ID, "error", err)
	}
	d.record(t, domain.MetricTaskOutcome, 1, map[string]string{
		"outcome": string(domain.TaskFailed), "code": string(code),
	})
	d.logger.Warn("task failed",
		"task_id", t.ID, "tenant_id", t.TenantID,
		"class", class, "code", code, "error", handleErr)

	if class == domain.FailureTransient {
		d.scheduleRetry(&doc.Task)
	}
}

// handle resolves the agent and runs the task, converting a panic in agent
// code into a permanent failure instead of taking down the loop.
func (d *Dispatcher) handle(ctx context.Context, t *domain.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewDomainError("dispatcher.execute", domain.ErrInternal,
				fmt.Sprintf("agent panic: %v", r))
		}
	}()
	agent, err := d.agents.Resolve(ctx, t.TenantID, t.AgentKind)
	if err != nil {
		return nil, err
	}
	return agent.Handle(ctx, t)
}

// classify maps a handler error onto a failure class and code.
func classify(err error) (domain.FailureClass, domain.ErrorCode) {
	switch {
	case errors.Is(err, context.Canceled):
		return domain.FailureCancelled, domain.ErrorCodeOf(err)
	case domain.IsTransient(err):
		return domain.FailureTransient, domain.ErrorCodeOf(err)
	default:
		return domain.FailurePermanent, domain.ErrorCodeOf(err)
	}
}

// scheduleRetry persists a fresh queued task linked to the failed one and
// enqueues it after a jittered exponential backoff. A retry whose backoff would
// end after the deadline is not scheduled.
func (d *Dispatcher) scheduleRetry(failed *domain.Task) {
	if failed.Attempt >= d.cfg.Retry.MaxAttempts {
		d.logger.Warn("retry budget exhausted", "task_id", failed.ID, "attempt", failed.Attempt)
		return
	}
	now := d.clock.Now().UTC()
	delay := d.backoff(failed.Attempt)
	if failed.Deadline != nil && now.Add(delay).After(*failed.Deadline) {
		d.logger.Warn("retry would outlive deadline, dropping",
			"task_id", failed.ID, "attempt", failed.Attempt, "delay", delay)
		return
	}

	retry := &domain.Task{
		ID:          d.ids.NewID(),
		TenantID:    failed.TenantID,
		AgentKind:   failed.AgentKind,
		SubmitterID: failed.SubmitterID,
		Kind:        failed.Kind,
		Payload:     failed.Payload,
		Priority:    failed.Priority,
		CreatedAt:   now,
		Deadline:    failed.Deadline,
		State:       domain.TaskQueued,
		Attempt:     failed.Attempt + 1,
		ParentID:    failed.ID,
	}
	if err := d.persistNew(d.baseCtx, retry); err != nil {
		d.logger.Error("persist retry failed", "task_id", failed.ID, "error", err)
		return
	}
	d.record(retry, domain.MetricTaskRetry, 1, map[string]string{"attempt": fmt.Sprint(retry.Attempt)})
	d.logger.Info("retry scheduled",
		"task_id", retry.ID, "parent_id", failed.ID, "attempt", retry.Attempt, "delay", delay)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-d.baseCtx.Done():
			return
		case <-timer.C:
		}
		// Cancelled during the backoff window?
		rec, err := d.store.Get(d.baseCtx, TaskCollection, retry.ID)
		if err != nil {
			return
		}
		var doc taskDoc
		if json.Unmarshal(rec.Data, &doc) != nil || doc.State != domain.TaskQueued {
			return
		}
		d.enqueue(&doc.Task)
	}()
}

// backoff is BaseDelay * Factor^(attempt-1), jittered, capped at MaxDelay.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	r := d.cfg.Retry
	delay := float64(r.BaseDelay) * math.Pow(r.Factor, float64(attempt-1))
	if r.Jitter > 0 {
		delay *= 1 + r.Jitter*(2*rand.Float64()-1)
	}
	if capped := float64(r.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// Cancel stops a queued or running task. Terminal tasks return ErrConflict.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, taskID string) error {
	const op = "dispatcher.cancel"
	rec, doc, err := d.getDoc(ctx, tenantID, taskID)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if doc.State.Terminal() {
		return domain.NewDomainError(op, domain.ErrConflict, "task already "+string(doc.State))
	}

	if doc.State == domain.TaskRunning {
		d.mu.Lock()
		cancel := d.running[taskID]
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		d.logAudit(ctx, tenantID, domain.AuditTaskCancel, taskID, domain.OutcomeSuccess, nil)
		return nil
	}

	// Queued: pull it from the heap (a no-op when it is still in a retry
	// backoff window) and mark it terminal.
	key := domain.QueueKey{TenantID: doc.TenantID, AgentKind: doc.AgentKind}
	d.mu.Lock()
	q := d.queues[key]
	d.mu.Unlock()
	if q != nil {
		q.remove(taskID)
	}
	now := d.clock.Now().UTC()
	doc.State = domain.TaskCancelled
	doc.FinishedAt = &now
	if _, err := d.updateDoc(ctx, rec, doc); err != nil {
		return domain.WrapOp(op, err)
	}
	d.record(&doc.Task, domain.MetricTaskOutcome, 1, map[string]string{"outcome": string(domain.TaskCancelled)})
	d.logAudit(ctx, tenantID, domain.AuditTaskCancel, taskID, domain.OutcomeSuccess, nil)
	d.logger.Info("task cancelled", "task_id", taskID, "tenant_id", tenantID)
	return nil
}

// Get fetches one task, scoped to its tenant. Foreign tasks read as missing.
func (d *Dispatcher) Get(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	_, doc, err := d.getDoc(ctx, tenantID, taskID)
	if err != nil {
		return nil, domain.WrapOp("dispatcher.get", err)
	}
	return &doc.Task, nil
}

// ListFilter narrows List.
type ListFilter struct {
	AgentKind   domain.AgentKind
	State       domain.TaskState
	SubmitterID string
}

// List returns a tenant's tasks, newest first.
func (d *Dispatcher) List(ctx context.Context, tenantID string, f ListFilter, limit int) ([]domain.Task, error) {
	const op = "dispatcher.list"
	if tenantID == "" {
		return nil, domain.NewValidationError(op, "tenant id required", "tenant_id")
	}
	eq := map[string]string{"tenant_id": tenantID}
	if f.AgentKind != "" {
		eq["agent_kind"] = string(f.AgentKind)
	}
	if f.State != "" {
		eq["state"] = string(f.State)
	}
	if f.SubmitterID != "" {
		eq["submitter_id"] = f.SubmitterID
	}
	recs, err := d.store.Query(ctx, TaskCollection, domain.Filter{Eq: eq},
		[]domain.Sort{{Field: "created_at", Desc: true}}, limit)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	out := make([]domain.Task, 0, len(recs))
	for i := range recs {
		var doc taskDoc
		if err := json.Unmarshal(recs[i].Data, &doc); err != nil {
			return nil, fmt.Errorf("%s: decode task %s: %w", op, recs[i].ID, err)
		}
		out = append(out, doc.Task)
	}
	return out, nil
}

// Control applies a pause, stop, resume or reset to one (tenant, kind) pair.
// Pause stalls dispatch but keeps accepting submissions; stop also rejects
// new submissions while holding the backlog for a later resume.
func (d *Dispatcher) Control(ctx context.Context, tenantID string, kind domain.AgentKind, op domain.ControlOp) error {
	const opName = "dispatcher.control"
	if !domain.IsValidControlOp(string(op)) {
		return domain.NewValidationError(opName, "unknown control op "+string(op), "op")
	}
	if !domain.IsValidAgentKind(string(kind)) {
		return domain.NewValidationError(opName, "unknown agent kind "+string(kind), "agent_kind")
	}

	agent, err := d.agents.Resolve(ctx, tenantID, kind)
	if err != nil {
		return domain.WrapOp(opName, err)
	}
	if err := agent.OnControl(op); err != nil {
		d.logAudit(ctx, tenantID, domain.AuditAgentControl, string(kind), domain.OutcomeFailure,
			map[string]string{"op": string(op)})
		return domain.WrapOp(opName, err)
	}

	q := d.ensureQueue(domain.QueueKey{TenantID: tenantID, AgentKind: kind})
	switch op {
	case domain.OpPause:
		q.setPaused(true)
	case domain.OpStop:
		q.setStopped(true)
	case domain.OpResume:
		q.setPaused(false)
		q.setStopped(false)
	}

	d.logAudit(ctx, tenantID, domain.AuditAgentControl, string(kind), domain.OutcomeSuccess,
		map[string]string{"op": string(op)})
	d.logger.Info("agent control applied", "tenant_id", tenantID, "agent_kind", kind, "op", op)
	return nil
}

// Depth reports the number of queued tasks for one (tenant, kind) pair.
func (d *Dispatcher) Depth(tenantID string, kind domain.AgentKind) int {
	d.mu.Lock()
	q := d.queues[domain.QueueKey{TenantID: tenantID, AgentKind: kind}]
	d.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.depth()
}

// Recover reloads non-terminal tasks after a restart. Tasks caught mid-run by
// the crash go back to queued; the attempt counter is untouched, so a crash
// does not consume retry budget.
func (d *Dispatcher) Recover(ctx context.Context) error {
	const op = "dispatcher.recover"
	recovered := 0
	for _, state := range []domain.TaskState{domain.TaskQueued, domain.TaskRunning} {
		for rec, err := range d.store.Stream(ctx, TaskCollection,
			domain.Filter{Eq: map[string]string{"state": string(state)}}, nil) {
			if err != nil {
				return domain.WrapOp(op, err)
			}
			var doc taskDoc
			if err := json.Unmarshal(rec.Data, &doc); err != nil {
				d.logger.Error("skipping corrupt task record", "task_id", rec.ID, "error", err)
				continue
			}
			if state == domain.TaskRunning {
				doc.State = domain.TaskQueued
				doc.StartedAt = nil
				if _, err := d.updateDoc(ctx, &rec, &doc); err != nil {
					d.logger.Error("requeue interrupted task failed", "task_id", rec.ID, "error", err)
					continue
				}
			}
			d.enqueue(&doc.Task)
			recovered++
		}
	}
	if recovered > 0 {
		d.logger.Info("tasks recovered", "count", recovered)
	}
	return nil
}

// Stop drains the dispatcher: running tasks get cancelled, loops exit, and
// Stop returns once every worker is done or ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()
	d.mu.Lock()
	for _, q := range d.queues {
		q.close()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return domain.NewDomainError("dispatcher.stop", domain.ErrInternal, "shutdown timed out")
	}
}

func (d *Dispatcher) persistNew(ctx context.Context, t *domain.Task) error {
	doc := taskDoc{Task: *t, CreatedDay: t.CreatedAt.Format(dayFormat)}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = d.store.Put(ctx, TaskCollection, t.ID, data)
	return err
}

// getDoc loads a task and enforces tenant scoping: a mismatch reads as
// ErrNotFound so task ids do not leak across tenants.
func (d *Dispatcher) getDoc(ctx context.Context, tenantID, taskID string) (*domain.Record, *taskDoc, error) {
	if taskID == "" {
		return nil, nil, domain.NewValidationError("dispatcher.get", "task id required", "task_id")
	}
	rec, err := d.store.Get(ctx, TaskCollection, taskID)
	if err != nil {
		return nil, nil, err
	}
	var doc taskDoc
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	if doc.TenantID != tenantID {
		return nil, nil, domain.ErrNotFound
	}
	return rec, &doc, nil
}

func (d *Dispatcher) updateDoc(ctx context.Context, rec *domain.Record, doc *taskDoc) (*domain.Record, error) {
	if doc.CreatedDay == "" {
		doc.CreatedDay = doc.CreatedAt.Format(dayFormat)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return d.store.Update(ctx, TaskCollection, rec.ID, rec.Version, data)
}

func (d *Dispatcher) record(t *domain.Task, name string, value float64, labels map[string]string) {
	d.metrics.Record(domain.MetricSample{
		Timestamp: d.clock.Now().UTC(),
		TenantID:  t.TenantID,
		AgentKind: t.AgentKind,
		Name:      name,
		Value:     value,
		Labels:    labels,
	})
}

func (d *Dispatcher) logAudit(ctx context.Context, tenantID string, action domain.AuditAction, subject, outcome string, detail map[string]string) {
	actor := "system"
	if s := domain.SessionFromContext(ctx); s != nil {
		actor = s.UserID
	}
	ev := domain.AuditEvent{
		ID:        d.ids.NewID(),
		TenantID:  tenantID,
		ActorID:   actor,
		Action:    action,
		Subject:   subject,
		Timestamp: d.clock.Now().UTC(),
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := d.audit.Log(ctx, ev); err != nil {
		d.logger.Error("audit write failed", "action", action, "error", err)
	}
}
