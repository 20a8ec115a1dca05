package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	h, err := NewHistoryStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryStore_Messages(t *testing.T) {
	h := newTestHistory(t)
	require.NoError(t, h.AddMessage("s1", RoleUser, "first"))
	require.NoError(t, h.AddMessage("s1", RoleAssistant, "second"))
	require.NoError(t, h.AddMessage("s2", RoleUser, "other"))
	require.NoError(t, h.AddMessage("s1", RoleUser, "third"))

	turns, err := h.GetHistory("s1", 2)
	require.NoError(t, err)
	assert.Equal(t, []Turn{
		{Role: RoleAssistant, Content: "second"},
		{Role: RoleUser, Content: "third"},
	}, turns)
}

func TestHistoryStore_Steps(t *testing.T) {
	h := newTestHistory(t)
	step := NewStep("auto_1", "auto-generated step for segment", ToolSegment, nil)
	step.Status = StatusFailed
	step.Error = "No objects found."
	require.NoError(t, h.RecordStep("s1", 0, step))

	step2 := NewStep("auto_2", "auto-generated step for finish", ToolFinish, nil)
	step2.Status = StatusSuccess
	step2.Result = "Finished"
	require.NoError(t, h.RecordStep("s1", 1, step2))

	records, err := h.GetSteps("s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "failed", records[0].Status)
	assert.Equal(t, "No objects found.", records[0].Error)
	assert.Equal(t, 1, records[1].Index)
	assert.Equal(t, `"Finished"`, records[1].Result)
	assert.NotEmpty(t, records[1].RecordedAt)

	none, err := h.GetSteps("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}
