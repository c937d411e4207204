package schemas

import "time"

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

const (
	StatusPending      GoalStatus = "pending"
	StatusRunning      GoalStatus = "running"
	StatusWaitingRetry GoalStatus = "waiting_retry"
	StatusSucceeded    GoalStatus = "succeeded"
	StatusFailed       GoalStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Ring buffer capacities for goal diagnostics and process history.
const (
	MaxGoalEvents  = 80
	MaxGoalRawTail = 120
	MaxHistory     = 120
)

// GoalEvent is a single timestamped diagnostic entry on a goal.
type GoalEvent struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// PushInfo records the outcome of the push stage.
type PushInfo struct {
	Remote    string     `json:"remote,omitempty"`
	Branch    string     `json:"branch,omitempty"`
	Commit    string     `json:"commit,omitempty"`
	PushedAt  *time.Time `json:"pushedAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// GitFacet holds the git-related bookkeeping for a goal.
type GitFacet struct {
	StableTagEnsured      bool      `json:"stableTagEnsured"`
	StartedFromRef        string    `json:"startedFromRef,omitempty"`
	SelfEvolutionDiffFile string    `json:"selfEvolutionDiffFile,omitempty"`
	Push                  *PushInfo `json:"push,omitempty"`
}

// Goal is one unit of intended work, tracked end to end.
//
// Invariants: 0 <= CurrentStep <= len(Steps); a goal in a terminal status is
// immutable and owns no retry-queue entries.
type Goal struct {
	ID                           string     `json:"id"`
	Goal                         string     `json:"goal"`
	CommitMessage                string     `json:"commitMessage,omitempty"`
	CommitMessageProvidedByUser  bool       `json:"commitMessageProvidedByUser"`
	Status                       GoalStatus `json:"status"`
	Stage                        string     `json:"stage,omitempty"`
	Steps                        []string   `json:"steps,omitempty"`
	CurrentStep                  int        `json:"currentStep"`
	FixAttempts                  int        `json:"fixAttempts"`
	Retries                      int        `json:"retries"`
	CreatedAt                    time.Time  `json:"createdAt"`
	UpdatedAt                    time.Time  `json:"updatedAt"`
	StartedAt                    *time.Time `json:"startedAt,omitempty"`
	CompletedAt                  *time.Time `json:"completedAt,omitempty"`
	NextRetryAt                  *time.Time `json:"nextRetryAt,omitempty"`
	LastError                    string     `json:"lastError,omitempty"`
	LastAgentOutput              string     `json:"lastAgentOutput,omitempty"`
	StructureIssues              []string   `json:"structureIssues,omitempty"`
	Events                       []GoalEvent `json:"events,omitempty"`
	RawTail                      []string   `json:"rawTail,omitempty"`
	Git                          GitFacet   `json:"git"`
}

// AddEvent appends a timestamped diagnostic entry, evicting the oldest once
// the buffer is full.
func (g *Goal) AddEvent(now time.Time, message string) {
	g.Events = append(g.Events, GoalEvent{Time: now, Message: message})
	if len(g.Events) > MaxGoalEvents {
		g.Events = g.Events[len(g.Events)-MaxGoalEvents:]
	}
}

// AppendRawTail merges raw agent output lines into the bounded tail buffer.
func (g *Goal) AppendRawTail(lines []string) {
	g.RawTail = append(g.RawTail, lines...)
	if len(g.RawTail) > MaxGoalRawTail {
		g.RawTail = g.RawTail[len(g.RawTail)-MaxGoalRawTail:]
	}
}
