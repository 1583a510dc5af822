package schema

import "fmt"

// ConditionKind enumerates trigger conditions.
type ConditionKind string

const (
	ConditionStageEnter       ConditionKind = "STAGE_ENTER"
	ConditionStageExit        ConditionKind = "STAGE_EXIT"
	ConditionScoreBelow       ConditionKind = "SCORE_BELOW_THRESHOLD"
	ConditionActivityCreated  ConditionKind = "ACTIVITY_CREATED"
	ConditionHealthDegraded   ConditionKind = "HEALTH_DEGRADED"
	ConditionRenewalWithin    ConditionKind = "RENEWAL_WITHIN"
	ConditionIncidentSeverity ConditionKind = "INCIDENT_SEVERITY_AT_LEAST"
	ConditionManual           ConditionKind = "MANUAL"
)

// IncidentLevels orders incident severities from lowest to highest.
var IncidentLevels = []string{"low", "medium", "high", "critical"}

// IncidentRank returns the position of level in IncidentLevels, or -1.
func IncidentRank(level string) int {
	for i, l := range IncidentLevels {
		if l == level {
			return i
		}
	}
	return -1
}

// Condition is a trigger condition with its single parameter. Only the
// field matching Kind is meaningful.
type Condition struct {
	Kind      ConditionKind `json:"kind" yaml:"kind"`
	Stage     string        `json:"stage,omitempty" yaml:"stage,omitempty"`
	Threshold float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Activity  string        `json:"activity,omitempty" yaml:"activity,omitempty"`
	Days      int           `json:"days,omitempty" yaml:"days,omitempty"`
	Level     string        `json:"level,omitempty" yaml:"level,omitempty"`
}

// String renders the condition as it is recorded on the run, e.g.
// "STAGE_ENTER(proposal)".
func (c Condition) String() string {
	switch c.Kind {
	case ConditionStageEnter, ConditionStageExit:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Stage)
	case ConditionScoreBelow:
		return fmt.Sprintf("%s(%g)", c.Kind, c.Threshold)
	case ConditionActivityCreated:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Activity)
	case ConditionRenewalWithin:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Days)
	case ConditionIncidentSeverity:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Level)
	}
	return string(c.Kind)
}

// Validate checks that the condition carries the parameter its kind needs.
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionStageEnter, ConditionStageExit:
		if c.Stage == "" {
			return NewErrorf(ErrCodeValidation, "%s requires a stage", c.Kind)
		}
	case ConditionScoreBelow:
		if c.Threshold <= 0 {
			return NewErrorf(ErrCodeValidation, "%s requires a positive threshold", c.Kind)
		}
	case ConditionActivityCreated:
		if c.Activity == "" {
			return NewErrorf(ErrCodeValidation, "%s requires an activity type", c.Kind)
		}
	case ConditionRenewalWithin:
		if c.Days <= 0 {
			return NewErrorf(ErrCodeValidation, "%s requires positive days", c.Kind)
		}
	case ConditionIncidentSeverity:
		if IncidentRank(c.Level) < 0 {
			return NewErrorf(ErrCodeValidation, "%s: unknown level %q", c.Kind, c.Level)
		}
	case ConditionHealthDegraded, ConditionManual:
	default:
		return NewErrorf(ErrCodeValidation, "unknown condition %q", c.Kind)
	}
	return nil
}

// Trigger binds a definition to a condition for one subject kind.
type Trigger struct {
	Definition  string      `json:"definition" yaml:"definition"`
	Condition   Condition   `json:"condition" yaml:"condition"`
	SubjectKind SubjectKind `json:"subject_kind" yaml:"subject_kind"`
	Pipeline    string      `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
	// Filter is an optional CEL expression over {subject, signal, trigger}.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}
