package schemas

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoalStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusWaitingRetry.Terminal())
}

func TestAddEventEvictsOldest(t *testing.T) {
	g := &Goal{}
	now := time.Now()
	for i := 0; i < MaxGoalEvents+10; i++ {
		g.AddEvent(now, fmt.Sprintf("event %d", i))
	}

	require.Len(t, g.Events, MaxGoalEvents)
	assert.Equal(t, "event 10", g.Events[0].Message)
	assert.Equal(t, fmt.Sprintf("event %d", MaxGoalEvents+9), g.Events[len(g.Events)-1].Message)
}

func TestAppendRawTailEvictsOldest(t *testing.T) {
	g := &Goal{}
	var lines []string
	for i := 0; i < MaxGoalRawTail+5; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	g.AppendRawTail(lines)

	require.Len(t, g.RawTail, MaxGoalRawTail)
	assert.Equal(t, "line 5", g.RawTail[0])
}

func TestRetryItemID(t *testing.T) {
	step := 3
	assert.Equal(t, "retry-g1-plan", RetryItemID("g1", TaskPlan, nil))
	assert.Equal(t, "retry-g1-step-3", RetryItemID("g1", TaskStep, &step))
	// Deterministic: the same inputs always yield the same id.
	assert.Equal(t, RetryItemID("g1", TaskStep, &step), RetryItemID("g1", TaskStep, &step))
}

func TestAddHistoryCapped(t *testing.T) {
	doc := DefaultState()
	for i := 0; i < MaxHistory+7; i++ {
		doc.AddHistory(HistoryEntry{GoalID: fmt.Sprintf("g%d", i), FinishedAt: time.Now()})
	}
	require.Len(t, doc.History, MaxHistory)
	assert.Equal(t, "g7", doc.History[0].GoalID)
}

func TestMetricsRecompute(t *testing.T) {
	m := DefaultMetrics()
	m.Recompute()
	assert.Zero(t, m.AvgStepsPerGoal)
	assert.Zero(t, m.FailureRate)

	m.TotalGoals = 4
	m.TotalSteps = 10
	m.TotalFailures = 1
	m.Recompute()
	assert.InDelta(t, 2.5, m.AvgStepsPerGoal, 1e-9)
	assert.InDelta(t, 0.25, m.FailureRate, 1e-9)
}
