package schema

import "time"

// Family selects the delay policy and the catalog of allowed actions.
type Family string

const (
	FamilyCadence  Family = "cadence"
	FamilyPlaybook Family = "playbook"
)

// Anchor is the point a step's offset is measured from.
type Anchor string

const (
	AnchorRunStart     Anchor = "run_start"
	AnchorPreviousStep Anchor = "previous_step"
)

// Channel identifies the delivery medium of a step.
type Channel string

const (
	ChannelWhatsApp     Channel = "whatsapp"
	ChannelSMS          Channel = "sms"
	ChannelEmail        Channel = "email"
	ChannelNotification Channel = "notification"
	ChannelSurvey       Channel = "survey"
	ChannelInternal     Channel = "internal"
)

// Messaging reports whether the channel is delivered through the
// messaging gateway.
func (c Channel) Messaging() bool {
	return c == ChannelWhatsApp || c == ChannelSMS
}

// WorkflowDefinition is a reusable, immutable sequence of steps: a cadence
// or a CS playbook. The engine only reads it.
type WorkflowDefinition struct {
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Tenant      string           `json:"tenant"`
	Family      Family           `json:"family"`
	Channel     Channel          `json:"channel,omitempty"`
	Active      bool             `json:"active"`
	DelayAnchor Anchor           `json:"delay_anchor,omitempty"`
	Steps       []StepDefinition `json:"steps"`
}

// StepAt returns the step at the given 0-based index.
func (d *WorkflowDefinition) StepAt(i int) (StepDefinition, bool) {
	if i < 0 || i >= len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[i], true
}

// StepDefinition is one ordinal entry of a definition.
type StepDefinition struct {
	Ordinal     int     `json:"ordinal"`
	Channel     Channel `json:"channel,omitempty"`
	Template    string  `json:"template,omitempty"`
	StopOnReply bool    `json:"stop_on_reply,omitempty"`

	// Offset is the resolved delay for this step, measured from the
	// definition's anchor. Family-specific units are converted at load.
	Offset time.Duration `json:"offset"`

	Action Action `json:"-"`
}

// ActionType returns the step's action kind, or "" if unset.
func (s StepDefinition) ActionType() ActionType {
	if s.Action == nil {
		return ""
	}
	return s.Action.Type()
}

// Anchor returns the effective delay anchor. Playbooks always measure from
// the previous step; cadences default to the run start.
func (d *WorkflowDefinition) Anchor() Anchor {
	if d.Family == FamilyPlaybook {
		return AnchorPreviousStep
	}
	if d.DelayAnchor == "" {
		return AnchorRunStart
	}
	return d.DelayAnchor
}

// FirstDue returns when step 1 of a run enrolled at startedAt is due.
// Enrollment is the anchor of the first step under both policies.
func (d *WorkflowDefinition) FirstDue(startedAt time.Time) time.Time {
	if len(d.Steps) == 0 {
		return startedAt
	}
	return startedAt.Add(d.Steps[0].Offset)
}

// NextDue returns when the step at index next is due, given the run start
// and the time the preceding step was executed.
func (d *WorkflowDefinition) NextDue(next int, startedAt, executedAt time.Time) time.Time {
	step, ok := d.StepAt(next)
	if !ok {
		return executedAt
	}
	if d.Anchor() == AnchorRunStart {
		return startedAt.Add(step.Offset)
	}
	return executedAt.Add(step.Offset)
}
