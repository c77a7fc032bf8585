package projection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-pulse/internal/statedb"
)

func newTestStore(t *testing.T) *statedb.Store {
	t.Helper()
	store, err := statedb.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildSummaries(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateSession("sess-1", "webapp", "add auth", "work", statedb.TerminalInfo{TerminalPID: 77})
	require.NoError(t, err)
	require.NoError(t, store.UpdateProgress("sess-1",
		json.RawMessage(`[{"content":"a","status":"completed"}]`), 1, 1))
	_, err = store.CreatePending("pend-1", "cli", "default", statedb.TerminalInfo{})
	require.NoError(t, err)

	summaries, err := BuildSummaries(store)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]SessionSummary{}
	for _, s := range summaries {
		byID[s.SessionID] = s
	}

	real, ok := byID["sess-1"]
	require.True(t, ok)
	assert.Equal(t, "add auth", real.OriginalGoal)
	assert.Equal(t, 1, real.Completed)
	assert.Equal(t, 77, real.TerminalPID)
	assert.Equal(t, 1, real.RoundCount, "goal_set counts as the first round")
	assert.NotEmpty(t, real.Timeline, "goal_set yields a start node")

	pending, ok := byID["pending_pend-1"]
	require.True(t, ok, "pending row missing: %+v", summaries)
	assert.Empty(t, pending.Timeline)
	assert.Equal(t, "idle", pending.Status)
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")

	require.NoError(t, Write(stateDir, []SessionSummary{
		{SessionID: "s", Project: "p"},
		{SessionID: "pending_x", Project: "q"},
	}))

	data, err := os.ReadFile(filepath.Join(stateDir, "all_sessions.json"))
	require.NoError(t, err)

	// The file is a mapping keyed by session id.
	var got map[string]SessionSummary
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "p", got["s"].Project)
	assert.Equal(t, "q", got["pending_x"].Project)

	// No temp files are left behind.
	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteEmptyList(t *testing.T) {
	stateDir := t.TempDir()
	require.NoError(t, Write(stateDir, nil))

	data, err := os.ReadFile(filepath.Join(stateDir, "all_sessions.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestRefresh(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateSession("sess-1", "p", "g", "default", statedb.TerminalInfo{})
	require.NoError(t, err)

	stateDir := t.TempDir()
	require.NoError(t, Refresh(store, stateDir))

	data, err := os.ReadFile(filepath.Join(stateDir, "all_sessions.json"))
	require.NoError(t, err)
	var got map[string]SessionSummary
	require.NoError(t, json.Unmarshal(data, &got))
	require.Contains(t, got, "sess-1")
}
