package schemas

import (
	"fmt"
	"time"
)

// DocumentVersion is the schema version stamped on every persisted document.
const DocumentVersion = 1

// TaskType identifies which pipeline stage a retry item resumes.
type TaskType string

const (
	TaskPlan      TaskType = "plan"
	TaskStep      TaskType = "step"
	TaskFix       TaskType = "fix"
	TaskStructure TaskType = "structure"
)

// RetryItemID derives the deterministic queue id for (goal, taskType, step).
// Re-scheduling the same task overwrites rather than duplicates.
func RetryItemID(goalID string, taskType TaskType, stepIndex *int) string {
	if stepIndex != nil {
		return fmt.Sprintf("retry-%s-%s-%d", goalID, taskType, *stepIndex)
	}
	return fmt.Sprintf("retry-%s-%s", goalID, taskType)
}

// RetryQueueItem is a deferred resumption of one pipeline stage.
type RetryQueueItem struct {
	ID        string    `json:"id"`
	GoalID    string    `json:"goalId"`
	TaskType  TaskType  `json:"taskType"`
	StepIndex *int      `json:"stepIndex,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
	RetryAt   time.Time `json:"retryAt"`
	LastError string    `json:"lastError,omitempty"`
}

// ProcessStatus is the engine-wide activity flag.
type ProcessStatus string

const (
	ProcessIdle    ProcessStatus = "idle"
	ProcessRunning ProcessStatus = "running"
)

// HistoryEntry records a terminal outcome.
type HistoryEntry struct {
	GoalID     string     `json:"goalId"`
	Goal       string     `json:"goal"`
	Status     GoalStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// StateDocument is the persisted process-wide singleton.
type StateDocument struct {
	Version       int            `json:"version"`
	Status        ProcessStatus  `json:"status"`
	CurrentGoalID string         `json:"currentGoalId,omitempty"`
	Goals         []Goal         `json:"goals"`
	History       []HistoryEntry `json:"history,omitempty"`
}

// DefaultState returns the documented default shape.
func DefaultState() StateDocument {
	return StateDocument{Version: DocumentVersion, Status: ProcessIdle, Goals: []Goal{}}
}

// FindGoal returns a pointer into Goals for in-place mutation, or nil.
func (s *StateDocument) FindGoal(id string) *Goal {
	for i := range s.Goals {
		if s.Goals[i].ID == id {
			return &s.Goals[i]
		}
	}
	return nil
}

// AddHistory appends a terminal outcome, evicting the oldest beyond the cap.
func (s *StateDocument) AddHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
	if len(s.History) > MaxHistory {
		s.History = s.History[len(s.History)-MaxHistory:]
	}
}

// RetryQueueDocument is the persisted backoff queue.
type RetryQueueDocument struct {
	Version int              `json:"version"`
	Items   []RetryQueueItem `json:"items"`
}

// DefaultRetryQueue returns the documented default shape.
func DefaultRetryQueue() RetryQueueDocument {
	return RetryQueueDocument{Version: DocumentVersion, Items: []RetryQueueItem{}}
}

// MetricsDocument holds cumulative counters plus derived averages, which are
// recomputed on every mutation.
type MetricsDocument struct {
	Version         int     `json:"version"`
	TotalGoals      int     `json:"totalGoals"`
	TotalFailures   int     `json:"totalFailures"`
	TotalRetries    int     `json:"totalRetries"`
	TotalSteps      int     `json:"totalSteps"`
	AvgStepsPerGoal float64 `json:"avgStepsPerGoal"`
	FailureRate     float64 `json:"failureRate"`
}

// DefaultMetrics returns the documented default shape.
func DefaultMetrics() MetricsDocument {
	return MetricsDocument{Version: DocumentVersion}
}

// Recompute refreshes the derived averages from the counters.
func (m *MetricsDocument) Recompute() {
	if m.TotalGoals > 0 {
		m.AvgStepsPerGoal = float64(m.TotalSteps) / float64(m.TotalGoals)
		m.FailureRate = float64(m.TotalFailures) / float64(m.TotalGoals)
	} else {
		m.AvgStepsPerGoal = 0
		m.FailureRate = 0
	}
}

// Snapshot is the read-only view served to admin and observability surfaces.
type Snapshot struct {
	State      StateDocument      `json:"state"`
	RetryQueue RetryQueueDocument `json:"retryQueue"`
	Metrics    MetricsDocument    `json:"metrics"`
}
