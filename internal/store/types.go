package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// Run is the persisted execution of one workflow definition for one subject.
type Run struct {
	ID             string              `json:"id"`
	DefinitionCode string              `json:"definition_code"`
	Family         schema.Family       `json:"family"`
	Subject        schema.SubjectRef   `json:"subject"`
	Tenant         string              `json:"tenant,omitempty"`
	Status         schema.RunStatus    `json:"status"`
	CurrentStep    int                 `json:"current_step"`
	StepResults    []schema.StepResult `json:"step_results"`
	NextStepAt     *time.Time          `json:"next_step_at,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	Trigger        string              `json:"trigger,omitempty"`
	CancelReason   string              `json:"cancel_reason,omitempty"`
	ClaimToken     string              `json:"-"`
	ClaimedUntil   *time.Time          `json:"-"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Event is an immutable entry in a run's audit log.
type Event struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	Type        string          `json:"event_type"`
	StepOrdinal int             `json:"step_ordinal,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Subject        *schema.SubjectRef
	DefinitionCode string
	Status         schema.RunStatus
	Limit          int
	Offset         int
}

// Claim asks for exclusive execution of the step a run is waiting on.
type Claim struct {
	RunID      string
	ExpectStep int
	Token      string
	Until      time.Time
	Now        time.Time
}

// Advance records the result of a claimed step and moves the run forward.
//
// When Complete is set an active run becomes completed. A run that was paused
// while the step was dispatched keeps its status; a cancelled run keeps its
// status and has no next step.
type Advance struct {
	RunID      string
	Token      string
	ExpectStep int
	Result     schema.StepResult
	NextStepAt time.Time
	Complete   bool
	Now        time.Time
}

// Transition is a compare-and-set status change driven by the lifecycle
// controller or by the executor's end-of-definition check.
type Transition struct {
	RunID        string
	From         []schema.RunStatus
	To           schema.RunStatus
	CancelReason string
	Now          time.Time
}
