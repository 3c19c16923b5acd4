package workflow

import (
	"time"
)

// Status is the execution-level state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusFailedEngine Status = "failed_engine"
)

// Terminal reports whether the execution can no longer progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusFailedEngine:
		return true
	}
	return false
}

// TaskStatus is the per-task state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task state never regresses.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	}
	return false
}

// Satisfied reports whether dependents may proceed past this state.
func (s TaskStatus) Satisfied() bool {
	return s == TaskSucceeded || s == TaskSkipped
}

// TaskState is the recorded state of one task in an execution.
type TaskState struct {
	Status     TaskStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// CheckpointRef names one stored checkpoint of an execution.
type CheckpointRef struct {
	CheckpointID string    `json:"checkpoint_id"`
	TakenAt      time.Time `json:"taken_at"`
	StorageRef   string    `json:"storage_ref"`
}

// Execution is one run of a workflow definition.
type Execution struct {
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	Status      Status                `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
	TaskStates  map[string]*TaskState `json:"task_states"`
	Checkpoints []CheckpointRef       `json:"checkpoints,omitempty"`
}

// Checkpoint is a durable snapshot of an execution in flight. Restore
// replays task states verbatim and re-derives the ready set.
type Checkpoint struct {
	CheckpointID string                `json:"checkpoint_id"`
	ExecutionID  string                `json:"execution_id"`
	TakenAt      time.Time             `json:"taken_at"`
	Status       Status                `json:"status"`
	TaskStates   map[string]*TaskState `json:"task_states_snapshot"`
	Variables    map[string]any        `json:"variables_snapshot,omitempty"`
	StorageRef   string                `json:"storage_ref"`
}

// cloneTaskStates deep-copies task states for snapshots.
func cloneTaskStates(states map[string]*TaskState) map[string]*TaskState {
	out := make(map[string]*TaskState, len(states))
	for id, st := range states {
		copied := *st
		out[id] = &copied
	}
	return out
}
