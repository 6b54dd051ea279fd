package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nowhere-ai/internal/domain"
)

// Models is the slice of the model layer agents use: capability selection and
// chain invocation. Provider sentinels pass through unchanged so the
// dispatcher can classify failures.
type Models interface {
	Select(required []domain.Capability, preferences []string) ([]domain.ModelEntry, error)
	InvokeChain(ctx context.Context, chain []domain.ModelEntry, prompt domain.ModelPrompt, opts domain.InvokeOptions) (*domain.ModelResponse, error)
}

// ResponseCache is the slice of the cache agents use for payload-fingerprint
// memoization.
type ResponseCache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error)
}

// Deps carries everything an agent needs. Cache may be nil to disable
// memoization.
type Deps struct {
	Models   Models
	Cache    ResponseCache
	Clock    domain.Clock
	Logger   *slog.Logger
	CacheTTL time.Duration
}

// handler runs one task kind. Handlers are pure: all state lives in the task
// payload and the returned document.
type handler func(ctx context.Context, a *Agent, task *domain.Task) (json.RawMessage, error)

type operation struct {
	schema    json.RawMessage
	run       handler
	cacheable bool
}

// Agent is the shared worker chassis. Each kind configures its capability
// requirements and operation table; everything else (status, metrics, caching,
// model plumbing) is common.
type Agent struct {
	kind  domain.AgentKind
	caps  []domain.Capability
	prefs []string
	deps  Deps

	ops map[string]operation

	mu      sync.Mutex
	status  domain.AgentState
	metrics domain.AgentMetrics
}

func newAgent(kind domain.AgentKind, caps []domain.Capability, prefs []string, deps Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{
		kind:   kind,
		caps:   caps,
		prefs:  prefs,
		deps:   deps,
		ops:    make(map[string]operation),
		status: domain.AgentIdle,
	}
}

func (a *Agent) register(kind string, schema string, cacheable bool, run handler) {
	a.ops[kind] = operation{schema: json.RawMessage(schema), run: run, cacheable: cacheable}
}

// Describe implements domain.Agent.
func (a *Agent) Describe() domain.AgentDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	caps := make([]string, len(a.caps))
	for i, c := range a.caps {
		caps[i] = string(c)
	}
	return domain.AgentDescriptor{
		Kind:         a.kind,
		Capabilities: caps,
		Status:       a.status,
		Metrics:      a.metrics,
	}
}

// Schemas returns the payload schema per task kind, for submit-time
// validation.
func (a *Agent) Schemas() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(a.ops))
	for k, op := range a.ops {
		out[k] = op.schema
	}
	return out
}

// Handle implements domain.Agent. Results of cacheable operations are
// memoized under a payload fingerprint so identical requests within the TTL
// hit the cache instead of a provider.
func (a *Agent) Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	op, ok := a.ops[task.Kind]
	if !ok {
		return nil, domain.NewValidationError("agent.handle",
			fmt.Sprintf("agent %s has no operation %s", a.kind, task.Kind), "kind")
	}

	a.setStatus(domain.AgentBusy)
	started := a.deps.Clock.Now()
	result, err := a.run(ctx, op, task)
	latency := a.deps.Clock.Since(started)
	a.finish(latency, err)

	if err != nil {
		a.deps.Logger.Warn("agent operation failed",
			"agent_kind", a.kind, "kind", task.Kind, "task_id", task.ID, "error", err)
		return nil, err
	}
	return result, nil
}

func (a *Agent) run(ctx context.Context, op operation, task *domain.Task) (json.RawMessage, error) {
	if !op.cacheable || a.deps.Cache == nil {
		return op.run(ctx, a, task)
	}
	key := a.fingerprint(task)
	out, err := a.deps.Cache.GetOrCompute(ctx, key, a.deps.CacheTTL, func(ctx context.Context) ([]byte, error) {
		res, err := op.run(ctx, a, task)
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// fingerprint keys an operation's result by tenant, kind and payload hash.
func (a *Agent) fingerprint(task *domain.Task) string {
	sum := sha256.Sum256(task.Payload)
	return fmt.Sprintf("%s:agent:%s:%s:%s",
		task.TenantID, a.kind, task.Kind, hex.EncodeToString(sum[:16]))
}

// OnControl implements domain.Agent. Pause and stop both park the agent;
// stop additionally takes it out of service until resumed. Reset zeroes
// counters but preserves identity and status.
func (a *Agent) OnControl(op domain.ControlOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch op {
	case domain.OpPause:
		a.status = domain.AgentPaused
	case domain.OpStop:
		a.status = domain.AgentStopped
	case domain.OpResume:
		a.status = domain.AgentIdle
	case domain.OpReset:
		a.metrics = domain.AgentMetrics{}
	default:
		return domain.NewValidationError("agent.control", "unknown control op "+string(op), "op")
	}
	return nil
}

// parked reports whether the status was set by a control op and must not be
// overwritten by run bookkeeping. Caller holds a.mu.
func (a *Agent) parked() bool {
	return a.status == domain.AgentPaused || a.status == domain.AgentStopped
}

func (a *Agent) setStatus(s domain.AgentState) {
	a.mu.Lock()
	if !a.parked() {
		a.status = s
	}
	a.mu.Unlock()
}

// finish folds one run into the rolling metrics.
func (a *Agent) finish(latency time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.metrics.Failed++
	} else {
		a.metrics.Completed++
	}
	total := a.metrics.Completed + a.metrics.Failed
	ms := float64(latency.Milliseconds())
	a.metrics.AvgLatencyMS += (ms - a.metrics.AvgLatencyMS) / float64(total)
	if !a.parked() {
		a.status = domain.AgentIdle
	}
}

// invoke runs one prompt through the capability-selected fallback chain.
func (a *Agent) invoke(ctx context.Context, system, input string, opts domain.InvokeOptions) (*domain.ModelResponse, error) {
	chain, err := a.deps.Models.Select(a.caps, a.prefs)
	if err != nil {
		return nil, err
	}
	return a.deps.Models.InvokeChain(ctx, chain, domain.ModelPrompt{System: system, Input: input}, opts)
}

// decodePayload unmarshals the task payload into v. Payloads passed submit-time
// schema validation, so a decode failure here is a schema bug, not user error.
func decodePayload(task *domain.Task, v any) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return domain.NewDomainError("agent.handle", domain.ErrInternal,
			fmt.Sprintf("payload decode for %s/%s: %v", task.AgentKind, task.Kind, err))
	}
	return nil
}

// modelResult is the common envelope for model-backed operation output.
type modelResult struct {
	Output string            `json:"output"`
	Model  string            `json:"model"`
	Usage  domain.ModelUsage `json:"usage"`
}

func wrapModelResult(resp *domain.ModelResponse) (json.RawMessage, error) {
	return json.Marshal(modelResult{Output: resp.Text, Model: resp.Model, Usage: resp.Usage})
}
