package catalog

import (
	"fmt"
	"strings"

	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/pkg/schema"
)

// compilers bundles the expression engines used to check filters, vars and
// escalation predicates at load time.
type compilers struct {
	cel  expressions.Engine
	expr expressions.Engine
	jq   expressions.Engine
}

// validateSemantic performs the checks JSON Schema cannot express: unique
// codes, contiguous ordinals, family policy, template references, trigger
// targets and expression syntax.
func validateSemantic(doc *Document, c compilers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	templates := make(map[string]TemplateDoc, len(doc.Templates))
	for i, t := range doc.Templates {
		if _, dup := templates[t.Ref]; dup {
			result.AddError(fmt.Sprintf("templates[%d].ref", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate template ref %q", t.Ref))
			continue
		}
		templates[t.Ref] = t
		validateTemplateRefs(t, fmt.Sprintf("templates[%d].body", i), result)
	}

	codes := make(map[string]bool, len(doc.Definitions))
	for i := range doc.Definitions {
		def := &doc.Definitions[i]
		path := fmt.Sprintf("definitions[%d]", i)
		if codes[def.Code] {
			result.AddError(path+".code", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate definition code %q", def.Code))
			continue
		}
		codes[def.Code] = true
		validateDefinition(def, path, templates, c, result)
	}

	for i, trg := range doc.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if !codes[trg.Definition] {
			result.AddError(path+".definition", schema.ErrCodeValidation,
				fmt.Sprintf("references unknown definition %q", trg.Definition))
		}
		if err := trg.Condition.Validate(); err != nil {
			result.AddError(path+".condition", schema.ErrCodeValidation, messageOf(err))
		}
		if trg.Condition.Kind == schema.ConditionManual {
			result.AddWarning(path+".condition", schema.ErrCodeValidation,
				"MANUAL triggers are never scanned; manual runs start through StartManualRun")
		}
		if trg.Pipeline != "" && trg.Condition.Kind != schema.ConditionStageEnter && trg.Condition.Kind != schema.ConditionStageExit {
			result.AddWarning(path+".pipeline", schema.ErrCodeValidation,
				"pipeline scope only applies to stage conditions")
		}
		if trg.Filter != "" && c.cel != nil {
			if err := c.cel.Compile(trg.Filter); err != nil {
				result.AddError(path+".filter", schema.ErrCodeValidation, messageOf(err))
			}
		}
	}

	return result
}

func validateDefinition(def *DefinitionDoc, path string, templates map[string]TemplateDoc, c compilers, result *schema.ValidationResult) {
	if def.Family == schema.FamilyPlaybook && def.DelayAnchor == schema.AnchorRunStart {
		result.AddError(path+".delay_anchor", schema.ErrCodeValidation,
			"playbook delays are always measured from the previous step")
	}

	var lastOffset *int
	for j, step := range def.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", path, j)

		if step.Ordinal != j+1 {
			result.AddError(sp+".ordinal", schema.ErrCodeValidation,
				fmt.Sprintf("ordinal %d out of sequence, want %d", step.Ordinal, j+1))
		}

		if !def.Family.Allows(step.Action) {
			result.AddError(sp+".action", schema.ErrCodeValidation,
				fmt.Sprintf("action %q not allowed in %s definitions", step.Action, def.Family))
		}

		switch def.Family {
		case schema.FamilyCadence:
			if step.DelayDays != nil {
				result.AddError(sp+".delay_days", schema.ErrCodeValidation,
					"cadence steps declare delay_minutes")
			}
			if def.DelayAnchor != schema.AnchorPreviousStep && step.DelayMinutes != nil {
				if lastOffset != nil && *step.DelayMinutes < *lastOffset {
					result.AddWarning(sp+".delay_minutes", schema.ErrCodeValidation,
						fmt.Sprintf("offset %dm from run start is earlier than the previous step (%dm)", *step.DelayMinutes, *lastOffset))
				}
				lastOffset = step.DelayMinutes
			}
		case schema.FamilyPlaybook:
			if step.DelayMinutes != nil {
				result.AddError(sp+".delay_minutes", schema.ErrCodeValidation,
					"playbook steps declare delay_days")
			}
		}

		action, err := step.decodeAction()
		if err != nil {
			result.AddError(sp+".params", schema.ErrCodeValidation, messageOf(err))
			continue
		}
		validateAction(action, step, sp, def, templates, c, result)
	}
}

func validateAction(action schema.Action, step StepDoc, path string, def *DefinitionDoc, templates map[string]TemplateDoc, c compilers, result *schema.ValidationResult) {
	switch a := action.(type) {
	case schema.SendMessageAction:
		validateTemplated(a.Template, a.Vars, step, path, def, templates, c, result)
	case schema.SendEmailAction:
		validateTemplated(a.Template, a.Vars, step, path, def, templates, c, result)
	case schema.RequestSurveyAction:
		if a.Kind == "" {
			result.AddError(path+".params.kind", schema.ErrCodeValidation, "request_survey requires a survey kind")
		}
	case schema.CreateFollowupAction:
		if a.Pipeline == "" {
			result.AddWarning(path+".params.pipeline", schema.ErrCodeValidation,
				"no destination pipeline; the step will fail at dispatch")
		}
		if a.EscalateWhen != "" && c.expr != nil {
			if err := c.expr.Compile(a.EscalateWhen); err != nil {
				result.AddError(path+".params.escalate_when", schema.ErrCodeValidation, messageOf(err))
			}
		}
	case schema.NotifyAction, schema.RecomputeScoreAction:
	}
}

func validateTemplated(ref string, vars map[string]string, step StepDoc, path string, def *DefinitionDoc, templates map[string]TemplateDoc, c compilers, result *schema.ValidationResult) {
	if ref == "" {
		result.AddError(path+".template", schema.ErrCodeValidation,
			fmt.Sprintf("%s requires a template", step.Action))
		return
	}
	ch := step.Channel
	if ch == "" {
		ch = defaultChannel(step.Action, def.Channel)
	}
	if step.Action == schema.ActionSendEmail && ch != schema.ChannelEmail {
		result.AddError(path+".channel", schema.ErrCodeValidation, "send_email steps use the email channel")
	}
	if step.Action == schema.ActionSendMessage && !ch.Messaging() {
		result.AddError(path+".channel", schema.ErrCodeValidation,
			fmt.Sprintf("send_message steps use a messaging channel, got %q", ch))
	}

	// Missing or unapproved templates are reported at manual start, where
	// the run can still be refused.
	t, ok := templates[ref]
	switch {
	case !ok:
		result.AddWarning(path+".template", schema.ErrCodeValidation,
			fmt.Sprintf("template %q not found", ref))
	case t.Channel != ch:
		result.AddWarning(path+".template", schema.ErrCodeTemplateUnapproved,
			fmt.Sprintf("template %q is for channel %s, step sends on %s", ref, t.Channel, ch))
	case !t.Approved:
		result.AddWarning(path+".template", schema.ErrCodeTemplateUnapproved,
			fmt.Sprintf("template %q is not approved", ref))
	}

	if c.jq != nil {
		for name, q := range vars {
			if err := c.jq.Compile(q); err != nil {
				result.AddError(path+".params.vars."+name, schema.ErrCodeValidation, messageOf(err))
			}
		}
	}
}

// validateTemplateRefs checks that every ${{...}} in a body names a known namespace.
func validateTemplateRefs(t TemplateDoc, path string, result *schema.ValidationResult) {
	for _, ref := range append(expressions.References(t.Subject), expressions.References(t.Body)...) {
		ns, _, _ := strings.Cut(ref, ".")
		known := false
		for _, n := range expressions.Namespaces {
			if n == ns {
				known = true
				break
			}
		}
		if !known {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("template %q references unknown namespace in ${{%s}}", t.Ref, ref))
		}
	}
}

// messageOf returns the bare message of a CadenceError, or err.Error().
func messageOf(err error) string {
	if ce, ok := err.(*schema.CadenceError); ok {
		return ce.Message
	}
	return err.Error()
}
