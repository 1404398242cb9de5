package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_IsTerminal(t *testing.T) {
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateReady.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StateBlocked.IsTerminal())
}

func TestParseState(t *testing.T) {
	assert.Equal(t, StateRunning, ParseState("running"))
	assert.Equal(t, StateReady, ParseState("garbage"))
}

func TestTask_MetadataHelpers(t *testing.T) {
	tk := New("1.1", "wire the auth flow", 5)
	tk.Metadata["spec_name"] = "auth"

	assert.Equal(t, "auth", tk.SpecName())
	assert.Equal(t, "auth", tk.RepoName(), "repo falls back to spec name")
	assert.Empty(t, tk.Skill())

	tk.Metadata["repo_name"] = "monorepo"
	tk.Metadata["required_skill"] = "backend"
	assert.Equal(t, "monorepo", tk.RepoName())
	assert.Equal(t, "backend", tk.Skill())

	tk.RequiredSkill = "database"
	assert.Equal(t, "database", tk.Skill(), "field wins over metadata")

	bare := &Task{}
	assert.Empty(t, bare.SpecName())
	assert.Empty(t, bare.Skill())
}

func TestTask_JSONRoundtrip(t *testing.T) {
	tk := New("1.2", "add retry logic", 7)
	tk.Dependencies = []string{"1.1"}
	tk.Metadata["spec_name"] = "auth"

	data, err := tk.ToJSON()
	require.NoError(t, err)

	got, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.Dependencies, got.Dependencies)
	assert.Equal(t, StateReady, got.State)
}

func TestTaskset_Get(t *testing.T) {
	ts := &Taskset{
		SpecName: "auth",
		Tasks:    []*Task{New("1", "a", 0), New("2", "b", 0)},
	}
	require.NotNil(t, ts.Get("2"))
	assert.Nil(t, ts.Get("3"))
}

func TestEvent_JSONLRoundtrip(t *testing.T) {
	ev := NewEvent(EventRunnerFinished, "auth", "1.1", map[string]any{
		"runner_id": "r-1",
		"success":   true,
	})

	line, err := ev.ToJSONL()
	require.NoError(t, err)

	got, err := EventFromJSONL(line)
	require.NoError(t, err)
	assert.Equal(t, EventRunnerFinished, got.Type)
	assert.Equal(t, "auth", got.SpecName)
	assert.Equal(t, "1.1", got.TaskID)
	assert.Equal(t, true, got.Details["success"])

	_, err = EventFromJSONL("{not json")
	assert.Error(t, err)
}
