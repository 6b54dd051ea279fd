package domain

import (
	"context"
	"encoding/json"
)

// AgentState is a read-only snapshot of an agent's availability.
type AgentState string

const (
	AgentIdle    AgentState = "idle"
	AgentBusy    AgentState = "busy"
	AgentPaused  AgentState = "paused"
	AgentStopped AgentState = "stopped"
)

// ControlOp is an operation applied to a running agent.
type ControlOp string

const (
	OpPause  ControlOp = "pause"
	OpResume ControlOp = "resume"
	OpStop   ControlOp = "stop"
	OpReset  ControlOp = "reset"
)

// IsValidControlOp reports whether s names a known control operation.
func IsValidControlOp(s string) bool {
	switch ControlOp(s) {
	case OpPause, OpResume, OpStop, OpReset:
		return true
	}
	return false
}

// AgentMetrics tracks per-agent outcome counters. Reset zeroes them but
// preserves agent identity.
type AgentMetrics struct {
	Completed    int64   `json:"completed"`
	Failed       int64   `json:"failed"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// AgentDescriptor describes a registered agent: singleton per kind per tenant.
type AgentDescriptor struct {
	Kind         AgentKind    `json:"kind"`
	Capabilities []string     `json:"capabilities"`
	Status       AgentState   `json:"status"`
	Metrics      AgentMetrics `json:"metrics"`
}

// Agent is the uniform worker contract. Agents are stateless pure workers:
// they receive a task, return a result, and emit metrics via the context.
// They never touch the queue or persistence directly.
type Agent interface {
	Describe() AgentDescriptor
	Handle(ctx context.Context, task *Task) (json.RawMessage, error)
	OnControl(op ControlOp) error
}
