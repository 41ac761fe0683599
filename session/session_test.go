package session

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestTrimsAndStamps(t *testing.T) {
	req := NewRequest("  ls -la \n", ModeShell)
	assert.Equal(t, "ls -la", req.RawText)
	assert.Equal(t, ModeShell, req.Mode)
	assert.NotEmpty(t, req.ID)
	assert.False(t, req.Timestamp.IsZero())
}

func TestTranscriptSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(dir, "demo")
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.Append(
		Turn{Role: RoleUser, Content: "list files", Timestamp: base},
		Turn{Role: RoleAssistant, Content: "done", Timestamp: base.Add(time.Second), PersonaID: "help_agent"},
	)
	require.NoError(t, tr.Save())

	loaded, err := Load(dir, "demo")
	require.NoError(t, err)
	if diff := cmp.Diff(tr.Turns, loaded.Turns); diff != "" {
		t.Errorf("turns mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, tr.Path(), loaded.Path())
}

func TestLoadOrdersTurnsChronologically(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(dir, "unordered")
	require.NoError(t, err)
	base := time.Now()
	tr.Append(
		Turn{Role: RoleAssistant, Content: "second", Timestamp: base.Add(time.Minute)},
		Turn{Role: RoleUser, Content: "first", Timestamp: base},
	)
	require.NoError(t, tr.Save())

	loaded, err := Load(dir, "unordered")
	require.NoError(t, err)
	assert.Equal(t, "first", loaded.Turns[0].Content)
}

func TestInvalidName(t *testing.T) {
	_, err := New(t.TempDir(), "../escape")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		tr, err := New(dir, name)
		require.NoError(t, err)
		require.NoError(t, tr.Save())
	}
	names, err := List(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	none, err := List(t.TempDir() + "/missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}
