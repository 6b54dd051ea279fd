package domain

import (
	"encoding/json"
	"time"
)

// AgentKind is one of the fixed set of roles an agent can take.
type AgentKind string

const (
	AgentSales      AgentKind = "sales"
	AgentMarketing  AgentKind = "marketing"
	AgentContent    AgentKind = "content"
	AgentAnalytics  AgentKind = "analytics"
	AgentOperations AgentKind = "operations"
)

// AllAgentKinds lists the agent kinds the registry ships with.
var AllAgentKinds = []AgentKind{
	AgentSales, AgentMarketing, AgentContent, AgentAnalytics, AgentOperations,
}

// IsValidAgentKind reports whether s names a known agent kind.
func IsValidAgentKind(s string) bool {
	for _, k := range AllAgentKinds {
		if string(k) == s {
			return true
		}
	}
	return false
}

// TaskState is the lifecycle state of a task. Transitions follow
// queued → running → (succeeded | failed | cancelled), or queued → cancelled.
// Terminal states are immutable.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// FailureClass categorizes why a task failed, deciding retry behavior.
type FailureClass string

const (
	FailureTransient FailureClass = "transient" // retried with backoff
	FailurePermanent FailureClass = "permanent" // never retried
	FailureCancelled FailureClass = "cancelled" // user-requested, terminal
)

// TaskError records the classified cause of a failed task.
type TaskError struct {
	Class   FailureClass `json:"class"`
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
}

// Task is a unit of agent work bounded by a deadline and a priority.
// Retries produce a fresh Task linked via ParentID; a task leaves the queue
// exactly once.
type Task struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	AgentKind   AgentKind       `json:"agent_kind"`
	SubmitterID string          `json:"submitter_id"`
	Kind        string          `json:"kind"` // operation within the agent, e.g. "qualify_lead"
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	State       TaskState       `json:"state"`
	Attempt     int             `json:"attempt"`
	ParentID    string          `json:"parent_id,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
}

// QueueKey identifies the priority FIFO a task belongs to.
type QueueKey struct {
	TenantID  string
	AgentKind AgentKind
}

// Before reports whether task a orders ahead of b within a queue:
// higher priority first, submission time breaking ties.
func (t *Task) Before(other *Task) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	return t.CreatedAt.Before(other.CreatedAt)
}
