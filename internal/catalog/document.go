package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// Document is the on-disk catalog format. One file may carry any mix of
// templates, definitions and triggers; a directory of files is merged.
type Document struct {
	Templates   []TemplateDoc    `yaml:"templates" json:"templates,omitempty"`
	Definitions []DefinitionDoc  `yaml:"definitions" json:"definitions,omitempty"`
	Triggers    []schema.Trigger `yaml:"triggers" json:"triggers,omitempty"`
}

// TemplateDoc is a named piece of content approved (or not) for one channel.
type TemplateDoc struct {
	Ref      string         `yaml:"ref" json:"ref"`
	Channel  schema.Channel `yaml:"channel" json:"channel"`
	Approved bool           `yaml:"approved" json:"approved"`
	Subject  string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body     string         `yaml:"body" json:"body"`
}

// DefinitionDoc is the file form of a workflow definition.
type DefinitionDoc struct {
	Code        string         `yaml:"code" json:"code"`
	Name        string         `yaml:"name" json:"name"`
	Tenant      string         `yaml:"tenant" json:"tenant"`
	Family      schema.Family  `yaml:"family" json:"family"`
	Channel     schema.Channel `yaml:"channel,omitempty" json:"channel,omitempty"`
	Active      *bool          `yaml:"active,omitempty" json:"active,omitempty"`
	DelayAnchor schema.Anchor  `yaml:"delay_anchor,omitempty" json:"delay_anchor,omitempty"`
	Steps       []StepDoc      `yaml:"steps" json:"steps"`
}

// StepDoc is the file form of a step. Cadence steps declare delay_minutes,
// playbook steps declare delay_days.
type StepDoc struct {
	Ordinal      int               `yaml:"ordinal" json:"ordinal"`
	Channel      schema.Channel    `yaml:"channel,omitempty" json:"channel,omitempty"`
	Template     string            `yaml:"template,omitempty" json:"template,omitempty"`
	DelayMinutes *int              `yaml:"delay_minutes,omitempty" json:"delay_minutes,omitempty"`
	DelayDays    *int              `yaml:"delay_days,omitempty" json:"delay_days,omitempty"`
	StopOnReply  bool              `yaml:"stop_on_reply,omitempty" json:"stop_on_reply,omitempty"`
	Action       schema.ActionType `yaml:"action" json:"action"`
	Params       map[string]any    `yaml:"params,omitempty" json:"params,omitempty"`
}

// offset resolves the family-specific delay into a duration.
func (s StepDoc) offset(family schema.Family) time.Duration {
	switch family {
	case schema.FamilyPlaybook:
		if s.DelayDays != nil {
			return time.Duration(*s.DelayDays) * 24 * time.Hour
		}
	default:
		if s.DelayMinutes != nil {
			return time.Duration(*s.DelayMinutes) * time.Minute
		}
	}
	return 0
}

// build converts a validated DefinitionDoc into the engine's model.
func (d DefinitionDoc) build() (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{
		Code:        d.Code,
		Name:        d.Name,
		Tenant:      d.Tenant,
		Family:      d.Family,
		Channel:     d.Channel,
		Active:      d.Active == nil || *d.Active,
		DelayAnchor: d.DelayAnchor,
		Steps:       make([]schema.StepDefinition, 0, len(d.Steps)),
	}
	def.DelayAnchor = def.Anchor()

	for i, s := range d.Steps {
		action, err := s.decodeAction()
		if err != nil {
			return nil, fmt.Errorf("definition %q steps[%d]: %w", d.Code, i, err)
		}
		ch := s.Channel
		if ch == "" {
			ch = defaultChannel(s.Action, d.Channel)
		}
		def.Steps = append(def.Steps, schema.StepDefinition{
			Ordinal:     s.Ordinal,
			Channel:     ch,
			Template:    s.templateRef(),
			StopOnReply: s.StopOnReply,
			Offset:      s.offset(d.Family),
			Action:      action,
		})
	}
	return def, nil
}

// decodeAction builds the typed action. The step-level template reference
// fills the action's template when params leave it empty.
func (s StepDoc) decodeAction() (schema.Action, error) {
	raw, err := json.Marshal(s.Params)
	if err != nil {
		return nil, err
	}
	if s.Params == nil {
		raw = nil
	}
	a, err := schema.DecodeAction(s.Action, raw)
	if err != nil {
		return nil, err
	}
	switch v := a.(type) {
	case schema.SendMessageAction:
		if v.Template == "" {
			v.Template = s.Template
		}
		return v, nil
	case schema.SendEmailAction:
		if v.Template == "" {
			v.Template = s.Template
		}
		return v, nil
	}
	return a, nil
}

// templateRef returns the template the step sends, from either location.
func (s StepDoc) templateRef() string {
	if s.Template != "" {
		return s.Template
	}
	if t, ok := s.Params["template"].(string); ok {
		return t
	}
	return ""
}

// defaultChannel picks the channel of a step that does not declare one.
func defaultChannel(action schema.ActionType, defChannel schema.Channel) schema.Channel {
	switch action {
	case schema.ActionSendEmail:
		return schema.ChannelEmail
	case schema.ActionSendMessage:
		if defChannel.Messaging() {
			return defChannel
		}
		return schema.ChannelWhatsApp
	case schema.ActionNotify:
		return schema.ChannelNotification
	case schema.ActionRequestSurvey:
		return schema.ChannelSurvey
	}
	return schema.ChannelInternal
}
