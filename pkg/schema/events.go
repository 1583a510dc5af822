package schema

import "time"

// Event type constants for the run audit log.
const (
	EventRunStarted   = "run_started"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunCompleted = "run_completed"
	EventRunCancelled = "run_cancelled"

	EventStepExecuted = "step_executed"
	EventStepFailed   = "step_failed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled
}

// Open reports whether the run still holds its (definition, subject) slot.
func (s RunStatus) Open() bool {
	return s == RunStatusActive || s == RunStatusPaused
}

// Valid reports whether s is one of the four run statuses.
func (s RunStatus) Valid() bool {
	return s.Open() || s.Terminal()
}

// Outcome is the result class of a dispatched step.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeNoop  Outcome = "noop"
	OutcomeError Outcome = "error"
)

// StepResult is one entry of a run's ordered step log.
type StepResult struct {
	Ordinal     int        `json:"ordinal"`
	ActionType  ActionType `json:"action_type"`
	Outcome     Outcome    `json:"outcome"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	ExternalID  string     `json:"external_id,omitempty"`
	ExecutedAt  time.Time  `json:"executed_at"`
}

// Cancel reasons recorded on runs.
const (
	CancelReasonUser           = "user"
	CancelReasonSubjectReplied = "subject_replied"
)
