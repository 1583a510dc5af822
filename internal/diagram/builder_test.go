package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

func proposalCadence() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Code:    "proposal-followup",
		Name:    "Proposal follow-up",
		Family:  schema.FamilyCadence,
		Channel: schema.ChannelWhatsApp,
		Active:  true,
		Steps: []schema.StepDefinition{
			{Ordinal: 1, Template: "intro_whatsapp", StopOnReply: true, Action: schema.SendMessageAction{}},
			{Ordinal: 2, Template: "followup_email", Offset: time.Hour, Action: schema.SendEmailAction{}},
			{Ordinal: 3, Offset: 24 * time.Hour, Action: schema.NotifyAction{}},
		},
	}
}

func renewalPlaybook() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Code:   "renewal-playbook",
		Family: schema.FamilyPlaybook,
		Active: true,
		Steps: []schema.StepDefinition{
			{Ordinal: 1, Action: schema.RecomputeScoreAction{}},
			{Ordinal: 2, Offset: 7 * 24 * time.Hour, Action: schema.NotifyAction{}},
		},
	}
}

func TestBuildDefinitionOnly(t *testing.T) {
	model, err := Build(proposalCadence(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Proposal follow-up", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindMessage, model.Nodes[1].Kind)
	assert.Equal(t, "1. send_message (stop on reply)", model.Nodes[1].Label)
	assert.Equal(t, "intro_whatsapp", model.Nodes[1].Detail)
	assert.Equal(t, NodeKindNotify, model.Nodes[3].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, n.ID)
	}

	require.Len(t, model.Edges, 4)
	assert.Equal(t, Edge{From: startID, To: "step_1", Label: "now"}, model.Edges[0])
	assert.Equal(t, "T+1h", model.Edges[1].Label)
	assert.Equal(t, "T+1d", model.Edges[2].Label)
	assert.Equal(t, Edge{From: "step_3", To: endID}, model.Edges[3])
}

func TestBuildPlaybookRelativeDelays(t *testing.T) {
	model, err := Build(renewalPlaybook(), nil)
	require.NoError(t, err)

	assert.Equal(t, "renewal-playbook", model.Title)
	assert.Equal(t, NodeKindTask, model.Nodes[1].Kind)
	assert.Equal(t, "+7d", model.Edges[1].Label)
}

func TestBuildRunOverlay(t *testing.T) {
	run := &store.Run{
		ID:             "r1",
		DefinitionCode: "proposal-followup",
		Status:         schema.RunStatusActive,
		CurrentStep:    1,
		StepResults: []schema.StepResult{
			{Ordinal: 1, ActionType: schema.ActionSendMessage, Outcome: schema.OutcomeOK, ExternalID: "wamid.1"},
		},
	}
	model, err := Build(proposalCadence(), run)
	require.NoError(t, err)

	assert.Equal(t, StatusOK, model.Nodes[1].Status.Status)
	assert.Equal(t, "wamid.1", model.Nodes[1].Status.ExternalID)
	assert.Equal(t, StatusNext, model.Nodes[2].Status.Status)
	assert.Equal(t, StatusPending, model.Nodes[3].Status.Status)
	assert.Nil(t, model.Nodes[4].Status)

	run.Status = schema.RunStatusPaused
	model, err = Build(proposalCadence(), run)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, model.Nodes[2].Status.Status)
}

func TestBuildCancelledRun(t *testing.T) {
	run := &store.Run{
		ID:             "r2",
		DefinitionCode: "proposal-followup",
		Status:         schema.RunStatusCancelled,
		CurrentStep:    1,
		CancelReason:   schema.CancelReasonSubjectReplied,
		StepResults: []schema.StepResult{
			{Ordinal: 1, Outcome: schema.OutcomeError, ErrorCode: schema.ErrCodeNoAddress, ErrorDetail: "no phone"},
		},
	}
	model, err := Build(proposalCadence(), run)
	require.NoError(t, err)

	assert.Equal(t, StatusError, model.Nodes[1].Status.Status)
	assert.Equal(t, "NO_ADDRESS: no phone", model.Nodes[1].Status.Error)
	assert.Equal(t, StatusSkipped, model.Nodes[2].Status.Status)
	assert.Equal(t, StatusSkipped, model.Nodes[3].Status.Status)
	assert.Equal(t, StatusCancelled, model.Nodes[4].Status.Status)
	assert.Equal(t, schema.CancelReasonSubjectReplied, model.Nodes[4].Detail)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Build(&schema.WorkflowDefinition{Code: "empty"}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Build(proposalCadence(), &store.Run{ID: "r", DefinitionCode: "other"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "2d", formatDuration(48*time.Hour))
	assert.Equal(t, "3h", formatDuration(3*time.Hour))
	assert.Equal(t, "90m", formatDuration(90*time.Minute))
}
