package diagram

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a Model from a definition and an optional run of it.
func Build(def *schema.WorkflowDefinition, run *store.Run) (*Model, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: definition has no steps")
	}
	if run != nil && run.DefinitionCode != def.Code {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"diagram: run %s belongs to %s, not %s", run.ID, run.DefinitionCode, def.Code)
	}

	results := make(map[int]schema.StepResult)
	if run != nil {
		for _, r := range run.StepResults {
			results[r.Ordinal] = r
		}
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	edges := make([]Edge, 0, len(def.Steps)+1)
	nodes = append(nodes, &Node{ID: startID, Label: startLabel(def), Kind: NodeKindStart})

	anchor := def.Anchor()
	prev := startID
	for i, step := range def.Steps {
		node := stepToNode(step)
		if run != nil {
			node.Status = overlay(run, i, step, results)
		}
		nodes = append(nodes, node)
		edges = append(edges, Edge{From: prev, To: node.ID, Label: delayLabel(step.Offset, anchor, i)})
		prev = node.ID
	}

	end := &Node{ID: endID, Label: "End", Kind: NodeKindEnd}
	if run != nil && run.Status.Terminal() {
		end.Status = &StatusOverlay{Status: string(run.Status)}
		if run.CancelReason != "" {
			end.Detail = run.CancelReason
		}
	}
	nodes = append(nodes, end)
	edges = append(edges, Edge{From: prev, To: endID})

	return &Model{Title: titleFromDef(def), Nodes: nodes, Edges: edges}, nil
}

func stepToNode(step schema.StepDefinition) *Node {
	action := step.ActionType()
	n := &Node{
		ID:    "step_" + strconv.Itoa(step.Ordinal),
		Label: fmt.Sprintf("%d. %s", step.Ordinal, action),
		Kind:  actionKind(action),
	}
	switch {
	case step.Template != "":
		n.Detail = step.Template
	case step.Channel != "":
		n.Detail = string(step.Channel)
	}
	if step.StopOnReply {
		n.Label += " (stop on reply)"
	}
	return n
}

func actionKind(a schema.ActionType) NodeKind {
	switch a {
	case schema.ActionSendMessage, schema.ActionSendEmail:
		return NodeKindMessage
	case schema.ActionNotify:
		return NodeKindNotify
	default:
		return NodeKindTask
	}
}

// overlay derives the status of step i from the run. Executed steps carry
// their outcome; the step the run waits on is next (or paused); anything
// after it is pending, or skipped once the run has ended.
func overlay(run *store.Run, i int, step schema.StepDefinition, results map[int]schema.StepResult) *StatusOverlay {
	if r, ok := results[step.Ordinal]; ok {
		o := &StatusOverlay{Status: string(r.Outcome), ExternalID: r.ExternalID}
		if r.ErrorCode != "" {
			o.Error = r.ErrorCode
			if r.ErrorDetail != "" {
				o.Error += ": " + r.ErrorDetail
			}
		}
		return o
	}
	switch {
	case run.Status.Terminal():
		return &StatusOverlay{Status: StatusSkipped}
	case i == run.CurrentStep && run.Status == schema.RunStatusPaused:
		return &StatusOverlay{Status: StatusPaused}
	case i == run.CurrentStep:
		return &StatusOverlay{Status: StatusNext}
	default:
		return &StatusOverlay{Status: StatusPending}
	}
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.Code
}

func startLabel(def *schema.WorkflowDefinition) string {
	if def.Channel != "" {
		return fmt.Sprintf("Start (%s %s)", def.Family, def.Channel)
	}
	return fmt.Sprintf("Start (%s)", def.Family)
}

// delayLabel renders the offset of step i. Offsets anchored at the run start
// read as absolute ("T+2d"); offsets from the previous step as relative.
func delayLabel(offset time.Duration, anchor schema.Anchor, i int) string {
	if offset <= 0 {
		if i == 0 {
			return "now"
		}
		return ""
	}
	s := formatDuration(offset)
	if anchor == schema.AnchorRunStart {
		return "T+" + s
	}
	return "+" + s
}

func formatDuration(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d%day == 0:
		return strconv.Itoa(int(d/day)) + "d"
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	default:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
}
