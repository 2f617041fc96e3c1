package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stepwise-analytics/stepwise/pkg/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "stepwise.toml")

	content := "[orchestrator]\ndebounce = \"1ms\"\n\n[persistence]\nremote_url = \"file://" +
		filepath.Join(dir, "snapshots") + "\"\nretry_base_delay = \"1ms\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func run(t *testing.T, args ...string) []byte {
	t.Helper()

	var out bytes.Buffer

	command := NewCommand()
	command.Writer = &out

	err := command.Run(context.Background(), append([]string{"stepwise", "--log-level", "error"}, args...))
	require.NoError(t, err)

	return out.Bytes()
}

func decodeSession(t *testing.T, data []byte) sessionOutput {
	t.Helper()

	var out sessionOutput
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Session)

	return out
}

func TestStepsCommand(t *testing.T) {
	out := string(run(t, "steps", "--kind", "regression"))

	assert.Contains(t, out, "data_upload")
	assert.Contains(t, out, "model_building")
	assert.Contains(t, out, "*")

	out = string(run(t, "steps", "--kind", "statistical"))
	assert.Contains(t, out, "variable_selection")
	assert.NotContains(t, out, "model_building")
}

func TestResumeAndUpdate(t *testing.T) {
	cfg := writeConfig(t)

	started := decodeSession(t, run(t, "--config", cfg, "resume", "--kind", "regression"))
	assert.Equal(t, 1, started.Session.CurrentStep)
	assert.False(t, started.Degraded)

	sessionID := started.Session.ID
	require.NotEmpty(t, sessionID)

	patch := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, os.WriteFile(patch, []byte(`{
		"data_upload": {"file_id": "f-1", "file_name": "sales.xlsx", "file_uploaded": true, "sheets_selected": ["Sheet1"]}
	}`), 0o600))

	updated := decodeSession(t, run(t, "--config", cfg, "update",
		"--kind", "regression", "--session-id", sessionID, "--patch", patch, "--next"))
	assert.Equal(t, 2, updated.Session.CurrentStep)
	assert.False(t, updated.Blocked)
	assert.NotNil(t, updated.Session.LastSavedAt)

	resumed := decodeSession(t, run(t, "--config", cfg, "resume", "--kind", "regression", "--session-id", sessionID))
	assert.Equal(t, sessionID, resumed.Session.ID)
	assert.Equal(t, 2, resumed.Session.CurrentStep)
	require.NotNil(t, resumed.Session.Payload.Upload)
	assert.Equal(t, "sales.xlsx", resumed.Session.Payload.Upload.FileName)
}

func TestUpdateCommand_Blocked(t *testing.T) {
	cfg := writeConfig(t)

	started := decodeSession(t, run(t, "--config", cfg, "resume", "--kind", "statistical"))

	patch := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, os.WriteFile(patch, []byte(`{"data_upload": {"file_uploaded": true}}`), 0o600))

	updated := decodeSession(t, run(t, "--config", cfg, "update",
		"--kind", "statistical", "--session-id", started.Session.ID, "--patch", patch, "--next"))
	assert.True(t, updated.Blocked)
	assert.Equal(t, 1, updated.Session.CurrentStep)
}

func TestUpdateCommand_UnknownSession(t *testing.T) {
	cfg := writeConfig(t)

	patch := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, os.WriteFile(patch, []byte(`{"data_upload": {"file_uploaded": true}}`), 0o600))

	command := NewCommand()
	command.Writer = &bytes.Buffer{}

	err := command.Run(context.Background(), []string{"stepwise", "--log-level", "error", "--config", cfg,
		"update", "--kind", "regression", "--session-id", "never-saved", "--patch", patch})
	require.ErrorIs(t, err, reconcile.ErrUnknownSession)

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(cfg), "snapshots"))
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestReadPatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.json")

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	_, err := readPatch(path)
	require.ErrorIs(t, err, ErrEmptyPatch)

	require.NoError(t, os.WriteFile(path, []byte(`{"clear": ["data_upload"]}`), 0o600))
	patch, err := readPatch(path)
	require.NoError(t, err)
	assert.Len(t, patch.Clear, 1)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	_, err = readPatch(path)
	require.Error(t, err)

	_, err = readPatch(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestWatchCommand_RequiresBus(t *testing.T) {
	command := NewCommand()
	command.Writer = &bytes.Buffer{}

	err := command.Run(context.Background(), []string{"stepwise", "--log-level", "error", "watch"})
	require.ErrorIs(t, err, ErrNoEventBus)
}
