package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	runsOpts.limit, runsOpts.offset = 50, 0
	runsOpts.subject, runsOpts.status, runsOpts.definition = "", "", ""
	cancelReason, replyChannel, advanceLimit = "", "", 0
	initOpts.force = false
	diagramOpts.run, diagramOpts.format, diagramOpts.out = "", "ascii", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func decodeRun(t *testing.T, out string) store.Run {
	t.Helper()
	var run store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run), out)
	return run
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestInit_WritesSettingsAndCatalog(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CADENCE_HOME", home)

	out, err := execute(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "settings.yaml")
	assert.FileExists(t, filepath.Join(home, "settings.yaml"))
	assert.FileExists(t, filepath.Join(home, "catalog.yaml"))

	_, err = execute(t, "init")
	assert.Error(t, err, "existing settings need --force")

	_, err = execute(t, "init", "--force")
	assert.NoError(t, err)
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("CADENCE_HOME", t.TempDir())

	out, err := execute(t, "validate", filepath.Join("..", "..", "internal", "catalog", "testdata", "catalog.yaml"))
	require.NoError(t, err)
	var res schema.ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.Errors)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("definitions:\n  - code: x\n    steps: []\n"), 0o644))
	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.Errors)
}

func TestRunLifecycleCommands(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CADENCE_HOME", home)
	_, err := execute(t, "init")
	require.NoError(t, err)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "libsql store migrated")

	out, err = execute(t, "start", "proposal-followup", "deal:42")
	require.NoError(t, err)
	run := decodeRun(t, out)
	assert.Equal(t, schema.RunStatusActive, run.Status)
	assert.Equal(t, "proposal-followup", run.DefinitionCode)

	_, err = execute(t, "start", "proposal-followup", "deal:42")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	out, err = execute(t, "advance")
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, 1, counts["executed"])
	assert.Equal(t, 0, counts["errors"])

	out, err = execute(t, "pause", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, decodeRun(t, out).Status)

	_, err = execute(t, "pause", run.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	out, err = execute(t, "resume", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusActive, decodeRun(t, out).Status)

	out, err = execute(t, "status", run.ID)
	require.NoError(t, err)
	var status struct {
		Run     store.Run     `json:"run"`
		History store.History `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 1, status.Run.CurrentStep)
	assert.NotEmpty(t, status.History.Events)

	out, err = execute(t, "runs", "--subject", "deal:42")
	require.NoError(t, err)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)

	out, err = execute(t, "cancel", run.ID, "--reason", "lost")
	require.NoError(t, err)
	cancelled := decodeRun(t, out)
	assert.Equal(t, schema.RunStatusCancelled, cancelled.Status)
	assert.Equal(t, "lost", cancelled.CancelReason)

	out, err = execute(t, "runs", "--status", "active")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Empty(t, runs)

	_, err = execute(t, "runs", "--status", "bogus")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestReplyCommand(t *testing.T) {
	t.Setenv("CADENCE_HOME", t.TempDir())
	_, err := execute(t, "init")
	require.NoError(t, err)

	out, err := execute(t, "start", "proposal-followup", "deal:7")
	require.NoError(t, err)
	run := decodeRun(t, out)

	out, err = execute(t, "reply", "deal:7", "--channel", "whatsapp")
	require.NoError(t, err)
	var res struct {
		Cancelled []store.Run `json:"cancelled"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, run.ID, res.Cancelled[0].ID)
}

func TestDiagramCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CADENCE_HOME", home)
	_, err := execute(t, "init")
	require.NoError(t, err)

	out, err := execute(t, "diagram", "proposal-followup")
	require.NoError(t, err)
	assert.Contains(t, out, "=== Proposal follow-up ===")
	assert.Contains(t, out, "T+2d")

	out, err = execute(t, "start", "proposal-followup", "deal:9")
	require.NoError(t, err)
	run := decodeRun(t, out)

	out, err = execute(t, "diagram", "proposal-followup", "--run", run.ID, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "class step_1 next")

	_, err = execute(t, "diagram", "proposal-followup", "--format", "png")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	png := filepath.Join(home, "cadence.png")
	_, err = execute(t, "diagram", "proposal-followup", "--format", "png", "--out", png)
	require.NoError(t, err)
	assert.FileExists(t, png)

	_, err = execute(t, "diagram", "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
