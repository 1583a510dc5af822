package schema

import (
	"encoding/json"
	"fmt"
)

// ActionType enumerates the closed set of step actions.
type ActionType string

const (
	ActionNotify         ActionType = "notify"
	ActionSendMessage    ActionType = "send_message"
	ActionSendEmail      ActionType = "send_email"
	ActionRequestSurvey  ActionType = "request_survey"
	ActionRecomputeScore ActionType = "recompute_score"
	ActionCreateFollowup ActionType = "create_followup_record"
)

// AllActionTypes lists every action kind in declaration order.
var AllActionTypes = []ActionType{
	ActionNotify,
	ActionSendMessage,
	ActionSendEmail,
	ActionRequestSurvey,
	ActionRecomputeScore,
	ActionCreateFollowup,
}

// FamilyActions is the catalog of action kinds each family may declare.
var FamilyActions = map[Family][]ActionType{
	FamilyCadence:  {ActionSendMessage, ActionSendEmail, ActionNotify},
	FamilyPlaybook: AllActionTypes,
}

// Allows reports whether the family may use the given action kind.
func (f Family) Allows(t ActionType) bool {
	for _, a := range FamilyActions[f] {
		if a == t {
			return true
		}
	}
	return false
}

// Action is the sum type of step actions. Only the variants declared in
// this file implement it.
type Action interface {
	Type() ActionType
	isAction()
}

// NotifyAction raises an in-app notification.
type NotifyAction struct {
	// Recipient is "owner" (default) or an explicit user ID.
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SendMessageAction renders a template and sends it through the messaging gateway.
type SendMessageAction struct {
	Template string            `json:"template,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"` // name -> jq over the subject profile
}

// SendEmailAction renders a template and sends it through the email gateway.
type SendEmailAction struct {
	Template string            `json:"template,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// RequestSurveyAction asks the survey issuer to send a survey.
type RequestSurveyAction struct {
	Kind string `json:"kind"`
}

// RecomputeScoreAction refreshes the subject's derived score.
type RecomputeScoreAction struct{}

// CreateFollowupAction creates a linked business record (e.g. a renewal
// opportunity) and escalates when the subject's health is poor.
type CreateFollowupAction struct {
	Pipeline     string `json:"pipeline"`
	Stage        string `json:"stage,omitempty"` // empty = first open stage
	Title        string `json:"title,omitempty"`
	EscalateWhen string `json:"escalate_when,omitempty"`
	EscalateRole string `json:"escalate_role,omitempty"`
}

// DefaultEscalateWhen is the escalation predicate used when none is declared.
const DefaultEscalateWhen = `subject.health == "critical" || subject.score < 40`

// DefaultEscalateRole receives escalations when none is declared.
const DefaultEscalateRole = "cs_manager"

func (NotifyAction) Type() ActionType         { return ActionNotify }
func (SendMessageAction) Type() ActionType    { return ActionSendMessage }
func (SendEmailAction) Type() ActionType      { return ActionSendEmail }
func (RequestSurveyAction) Type() ActionType  { return ActionRequestSurvey }
func (RecomputeScoreAction) Type() ActionType { return ActionRecomputeScore }
func (CreateFollowupAction) Type() ActionType { return ActionCreateFollowup }

func (NotifyAction) isAction()         {}
func (SendMessageAction) isAction()    {}
func (SendEmailAction) isAction()      {}
func (RequestSurveyAction) isAction()  {}
func (RecomputeScoreAction) isAction() {}
func (CreateFollowupAction) isAction() {}

// DecodeAction builds the typed action for kind from its raw JSON params.
func DecodeAction(kind ActionType, params json.RawMessage) (Action, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var (
		a   Action
		err error
	)
	switch kind {
	case ActionNotify:
		var v NotifyAction
		err = json.Unmarshal(params, &v)
		a = v
	case ActionSendMessage:
		var v SendMessageAction
		err = json.Unmarshal(params, &v)
		a = v
	case ActionSendEmail:
		var v SendEmailAction
		err = json.Unmarshal(params, &v)
		a = v
	case ActionRequestSurvey:
		var v RequestSurveyAction
		err = json.Unmarshal(params, &v)
		a = v
	case ActionRecomputeScore:
		a = RecomputeScoreAction{}
	case ActionCreateFollowup:
		var v CreateFollowupAction
		err = json.Unmarshal(params, &v)
		a = v
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown action type %q", kind)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s params: %s", kind, err.Error()).WithCause(err)
	}
	return a, nil
}

// EncodeAction returns the action's params as JSON.
func EncodeAction(a Action) (ActionType, json.RawMessage, error) {
	if a == nil {
		return "", nil, fmt.Errorf("nil action")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", nil, err
	}
	return a.Type(), raw, nil
}
