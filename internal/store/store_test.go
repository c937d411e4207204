package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/evolved/api/schemas"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return st
}

func TestLoadStateMissingFileReturnsDefault(t *testing.T) {
	st := newTestStore(t)
	state := st.LoadState()
	assert.Equal(t, schemas.DocumentVersion, state.Version)
	assert.Equal(t, schemas.ProcessIdle, state.Status)
	assert.Empty(t, state.Goals)
}

func TestUpdateStateRoundTrip(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpdateState(func(doc *schemas.StateDocument) {
		doc.Goals = append(doc.Goals, schemas.Goal{ID: "g1", Goal: "improve logging", Status: schemas.StatusPending})
		doc.CurrentGoalID = "g1"
	})
	require.NoError(t, err)

	reloaded := st.LoadState()
	require.Len(t, reloaded.Goals, 1)
	assert.Equal(t, "g1", reloaded.Goals[0].ID)
	assert.Equal(t, "g1", reloaded.CurrentGoalID)
	assert.Equal(t, schemas.DocumentVersion, reloaded.Version)

	// A second load observes the identical document.
	if diff := cmp.Diff(reloaded, st.LoadState()); diff != "" {
		t.Fatalf("state changed between loads (-first +second):\n%s", diff)
	}
}

func TestCorruptStateHealsToDefault(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	state := st.LoadState()
	assert.Equal(t, schemas.ProcessIdle, state.Status)
	assert.Empty(t, state.Goals)

	// The next write replaces the corrupt file with a valid document.
	_, err = st.UpdateState(func(doc *schemas.StateDocument) {
		doc.Goals = append(doc.Goals, schemas.Goal{ID: "g1"})
	})
	require.NoError(t, err)
	require.Len(t, st.LoadState().Goals, 1)
}

func TestVersionMismatchHealsToDefault(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "retry_queue.json"),
		[]byte(`{"version": 99, "items": [{"id": "retry-g1-plan"}]}`), 0o644))

	queue := st.LoadQueue()
	assert.Equal(t, schemas.DocumentVersion, queue.Version)
	assert.Empty(t, queue.Items)
}

func TestUpdateMetricsRecomputesDerived(t *testing.T) {
	st := newTestStore(t)

	m, err := st.UpdateMetrics(func(m *schemas.MetricsDocument) {
		m.TotalGoals = 2
		m.TotalSteps = 6
		m.TotalFailures = 1
	})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, m.AvgStepsPerGoal, 1e-9)
	assert.InDelta(t, 0.5, m.FailureRate, 1e-9)

	reloaded := st.LoadMetrics()
	assert.InDelta(t, 3.0, reloaded.AvgStepsPerGoal, 1e-9)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = st.UpdateState(func(doc *schemas.StateDocument) {})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-")
	}
}

func TestSnapshotCarriesAllDocuments(t *testing.T) {
	st := newTestStore(t)
	_, err := st.UpdateQueue(func(doc *schemas.RetryQueueDocument) {
		doc.Items = append(doc.Items, schemas.RetryQueueItem{ID: "retry-g1-plan", GoalID: "g1"})
	})
	require.NoError(t, err)

	snap := st.Snapshot()
	assert.Equal(t, schemas.ProcessIdle, snap.State.Status)
	require.Len(t, snap.RetryQueue.Items, 1)
	assert.Equal(t, "g1", snap.RetryQueue.Items[0].GoalID)
}
