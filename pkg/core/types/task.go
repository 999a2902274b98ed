package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the status machine queued -> running -> terminal.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

const (
	maxResultSummaryLen = 2048
	maxErrorCodeLen     = 128
)

// Task tracks one unit of agent work. Not on the MVP turn path; kept
// representable for future tool-use agents.
type Task struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	OriginatingAgent string     `json:"originating_agent"`
	Status           TaskStatus `json:"status"`
	Progress         int        `json:"progress"`
	ResultSummary    string     `json:"result_summary,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewTask returns a queued task owned by the originating agent.
func NewTask(sessionID, agent string, now time.Time) *Task {
	return &Task{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		OriginatingAgent: agent,
		Status:           TaskQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskCanceled},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskCanceled},
}

// UpdateStatus advances the status machine. Summary and error code are
// truncated to their bounded lengths; a succeeded task is forced to 100%
// progress. Invalid transitions are rejected.
func (t *Task) UpdateStatus(next TaskStatus, summary, errorCode string, now time.Time) error {
	allowed := false
	for _, s := range taskTransitions[t.Status] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid task transition %s -> %s", t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	if summary != "" {
		t.ResultSummary = truncate(summary, maxResultSummaryLen)
	}
	if errorCode != "" {
		t.ErrorCode = truncate(errorCode, maxErrorCodeLen)
	}
	if next == TaskSucceeded {
		t.Progress = 100
	}
	return nil
}

// SetProgress clamps progress into [0,100].
func (t *Task) SetProgress(p int, now time.Time) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	t.Progress = p
	t.UpdatedAt = now
}

// IsComplete reports whether the task reached a terminal state.
func (t *Task) IsComplete() bool {
	switch t.Status {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// IsRunning reports whether the task is currently executing.
func (t *Task) IsRunning() bool { return t.Status == TaskRunning }

// Duration is the span from creation to the last update.
func (t *Task) Duration() time.Duration {
	return t.UpdatedAt.Sub(t.CreatedAt)
}

// InvocationOutcome is the outcome of a single tool invocation.
type InvocationOutcome string

const (
	InvocationPending InvocationOutcome = "pending"
	InvocationSuccess InvocationOutcome = "success"
	InvocationError   InvocationOutcome = "error"
)

// ToolInvocation logs one function/tool call issued by an agent.
type ToolInvocation struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id,omitempty"`
	ToolName   string            `json:"tool_name"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Outcome    InvocationOutcome `json:"outcome"`
	Elapsed    time.Duration     `json:"elapsed,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewToolInvocation returns a pending invocation record.
func NewToolInvocation(taskID, tool string, params map[string]any, now time.Time) *ToolInvocation {
	return &ToolInvocation{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		ToolName:   tool,
		Parameters: params,
		Outcome:    InvocationPending,
		Timestamp:  now,
	}
}

// MarkSuccess records a successful invocation and its duration.
func (i *ToolInvocation) MarkSuccess(elapsed time.Duration) {
	i.Outcome = InvocationSuccess
	i.Elapsed = elapsed
}

// MarkError records a failed invocation and its duration.
func (i *ToolInvocation) MarkError(elapsed time.Duration) {
	i.Outcome = InvocationError
	i.Elapsed = elapsed
}

// IsComplete reports whether the invocation finished either way.
func (i *ToolInvocation) IsComplete() bool {
	return i.Outcome == InvocationSuccess || i.Outcome == InvocationError
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
