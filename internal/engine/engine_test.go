package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/gitops"
	"github.com/xkilldash9x/evolved/internal/retry"
	"github.com/xkilldash9x/evolved/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a settable time source shared by the engine and scheduler.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeAgent routes requests through a per-test handler and records task ids.
type fakeAgent struct {
	mu      sync.Mutex
	calls   []string
	handler func(req schemas.AgentRequest) (schemas.AgentResult, error)
}

func (a *fakeAgent) Run(_ context.Context, req schemas.AgentRequest) (schemas.AgentResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req.TaskID)
	a.mu.Unlock()
	return a.handler(req)
}

func (a *fakeAgent) taskIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// fakeVerifier replays a scripted result sequence, then passes forever.
type fakeVerifier struct {
	mu      sync.Mutex
	results []schemas.VerifyResult
	runs    int
}

func (v *fakeVerifier) Run(context.Context) (schemas.VerifyResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.runs++
	if len(v.results) == 0 {
		return schemas.VerifyResult{OK: true, Summary: "all verification commands passed"}, nil
	}
	res := v.results[0]
	v.results = v.results[1:]
	return res, nil
}

func (v *fakeVerifier) runCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runs
}

// fakeGit records pipeline calls and serves scripted answers.
type fakeGit struct {
	mu        sync.Mutex
	calls     []string
	changed   [][]string
	target    gitops.PushTarget
	targetErr error
	pushErr   error
	commits   []string
}

func (g *fakeGit) record(name string) {
	g.mu.Lock()
	g.calls = append(g.calls, name)
	g.mu.Unlock()
}

func (g *fakeGit) callNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGit) EnsureStableTag(context.Context) error { g.record("EnsureStableTag"); return nil }
func (g *fakeGit) HeadShort(context.Context) (string, error) {
	g.record("HeadShort")
	return "abc12345", nil
}

func (g *fakeGit) ChangedFiles(context.Context) ([]string, error) {
	g.record("ChangedFiles")
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.changed) == 0 {
		return nil, nil
	}
	files := g.changed[0]
	g.changed = g.changed[1:]
	return files, nil
}

func (g *fakeGit) StageAll(context.Context) error { g.record("StageAll"); return nil }
func (g *fakeGit) StagedDiff(context.Context) (string, error) {
	g.record("StagedDiff")
	return "diff --git a b", nil
}

func (g *fakeGit) Commit(_ context.Context, message string) error {
	g.record("Commit")
	g.mu.Lock()
	g.commits = append(g.commits, message)
	g.mu.Unlock()
	return nil
}

func (g *fakeGit) CommitPathsIsolated(_ context.Context, paths []string, message string) error {
	g.record("CommitPathsIsolated")
	g.mu.Lock()
	g.commits = append(g.commits, message)
	g.mu.Unlock()
	return nil
}

func (g *fakeGit) WriteSelfDiff(_ context.Context, dir, goalID string) (string, error) {
	g.record("WriteSelfDiff")
	return dir + "/self-evolution-" + goalID + ".diff", nil
}

func (g *fakeGit) ResetHard(_ context.Context, ref string) error {
	g.record("ResetHard:" + ref)
	return nil
}

func (g *fakeGit) StableTag() string { return "evolved-stable" }

func (g *fakeGit) ResolveTarget() (gitops.PushTarget, error) {
	g.record("ResolveTarget")
	if g.targetErr != nil {
		return gitops.PushTarget{}, g.targetErr
	}
	if g.target == (gitops.PushTarget{}) {
		return gitops.PushTarget{Remote: "origin", Branch: "main"}, nil
	}
	return g.target, nil
}

func (g *fakeGit) Push(context.Context, string, string) error {
	g.record("Push")
	return g.pushErr
}

type testHarness struct {
	engine *Engine
	store  *store.Store
	agent  *fakeAgent
	verify *fakeVerifier
	git    *fakeGit
	clock  *fakeClock
}

func newTestEngine(t *testing.T, mutate func(cfg *config.EngineConfig)) *testHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := &fakeClock{t: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}

	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := config.EngineConfig{
		RepoRoot:         t.TempDir(),
		DataDir:          st.Dir(),
		MaxFixAttempts:   2,
		MaxRetryAttempts: 3,
		RetryBase:        30 * time.Second,
		RetryMax:         10 * time.Minute,
		SelfSource:       "internal/engine",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	scheduler := retry.New(st, logger, cfg.RetryBase, cfg.RetryMax, cfg.MaxRetryAttempts,
		retry.WithClock(clock.Now))

	agent := &fakeAgent{handler: defaultAgentHandler}
	verifier := &fakeVerifier{}
	git := &fakeGit{changed: [][]string{{"pkg/feature.go"}}}

	eng, err := New(cfg, logger, st, scheduler, git, agent, verifier, WithClock(clock.Now))
	require.NoError(t, err)

	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	return &testHarness{engine: eng, store: st, agent: agent, verify: verifier, git: git, clock: clock}
}

// defaultAgentHandler answers every task type sensibly for a happy path.
func defaultAgentHandler(req schemas.AgentRequest) (schemas.AgentResult, error) {
	switch {
	case strings.HasPrefix(req.TaskID, "plan-"):
		return schemas.AgentResult{OK: true, Output: `{"steps": ["first change", "second change"]}`}, nil
	case strings.HasPrefix(req.TaskID, "structure-"):
		return schemas.AgentResult{OK: true, Output: `{"issues": []}`}, nil
	case strings.HasPrefix(req.TaskID, "commitmsg-"):
		return schemas.AgentResult{OK: true, Output: "feat: implement the goal"}, nil
	default:
		return schemas.AgentResult{OK: true, Output: "done"}, nil
	}
}

func (h *testHarness) goal(t *testing.T, id string) schemas.Goal {
	t.Helper()
	state := h.store.LoadState()
	goal := state.FindGoal(id)
	require.NotNil(t, goal)
	return *goal
}

func TestEnqueueRejectsEmptyGoal(t *testing.T) {
	h := newTestEngine(t, nil)
	_, err := h.engine.Enqueue(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrEmptyGoal)
}

func TestHappyPathSucceedsAndPushes(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "add retry metrics", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.CurrentStep)
	assert.True(t, got.Git.StableTagEnsured)
	assert.Equal(t, "abc12345", got.Git.StartedFromRef)
	require.NotNil(t, got.Git.Push)
	assert.Equal(t, "origin", got.Git.Push.Remote)
	assert.Equal(t, "main", got.Git.Push.Branch)
	assert.NotNil(t, got.Git.Push.PushedAt)
	assert.Equal(t, "feat: implement the goal", got.CommitMessage)

	// plan, both steps, structure review, commit message.
	ids := h.agent.taskIDs()
	require.Len(t, ids, 5)
	assert.Equal(t, "plan-"+goal.ID, ids[0])
	assert.Equal(t, "step-"+goal.ID+"-0", ids[1])
	assert.Equal(t, "step-"+goal.ID+"-1", ids[2])

	state := h.store.LoadState()
	assert.Equal(t, schemas.ProcessIdle, state.Status)
	assert.Empty(t, state.CurrentGoalID)
	require.Len(t, state.History, 1)
	assert.Equal(t, schemas.StatusSucceeded, state.History[0].Status)

	metrics := h.store.LoadMetrics()
	assert.Equal(t, 1, metrics.TotalGoals)
	assert.Equal(t, 2, metrics.TotalSteps)
	assert.Zero(t, metrics.TotalFailures)
}

func TestUserCommitMessageUsedVerbatim(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "rename the config keys", "chore: my exact message")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.Equal(t, "chore: my exact message", got.CommitMessage)
	// No commit-message agent call was made.
	for _, id := range h.agent.taskIDs() {
		assert.False(t, strings.HasPrefix(id, "commitmsg-"))
	}
}

func TestEmptyPlanFailsTerminally(t *testing.T) {
	h := newTestEngine(t, nil)
	h.agent.handler = func(req schemas.AgentRequest) (schemas.AgentResult, error) {
		return schemas.AgentResult{OK: true, Output: `{"steps": []}`}, nil
	}
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "do something", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "empty or unparsable plan")
	assert.Empty(t, h.store.LoadQueue().Items, "terminal goals own no retry items")
}

func TestNoChangesSkipsCommitAndPush(t *testing.T) {
	h := newTestEngine(t, nil)
	h.git.changed = nil
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "document the API", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.Nil(t, got.Git.Push)
	for _, call := range h.git.callNames() {
		assert.NotEqual(t, "Commit", call)
		assert.NotEqual(t, "Push", call)
	}
}

func TestRateLimitParksGoalThenResumes(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	limited := true
	h.agent.handler = func(req schemas.AgentRequest) (schemas.AgentResult, error) {
		if strings.HasPrefix(req.TaskID, "plan-") && limited {
			return schemas.AgentResult{Error: "429 too many requests", RateLimited: true}, nil
		}
		return defaultAgentHandler(req)
	}

	goal, err := h.engine.Enqueue(ctx, "speed up the parser", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	require.Equal(t, schemas.StatusWaitingRetry, got.Status)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, 1, got.Retries)
	require.Len(t, h.store.LoadQueue().Items, 1)

	// Before the retry time nothing moves.
	require.NoError(t, h.engine.TriggerTick(ctx))
	assert.Equal(t, schemas.StatusWaitingRetry, h.goal(t, goal.ID).Status)

	// After the backoff the goal resumes and completes.
	limited = false
	h.clock.Advance(time.Minute)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got = h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.Empty(t, h.store.LoadQueue().Items)
	assert.Equal(t, 1, h.store.LoadMetrics().TotalRetries)
}

func TestRateLimitExhaustionFailsGoal(t *testing.T) {
	h := newTestEngine(t, func(cfg *config.EngineConfig) { cfg.MaxRetryAttempts = 2 })
	ctx := context.Background()

	h.agent.handler = func(req schemas.AgentRequest) (schemas.AgentResult, error) {
		return schemas.AgentResult{Error: "rate limit", RateLimited: true}, nil
	}

	goal, err := h.engine.Enqueue(ctx, "never succeeds", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.TriggerTick(ctx))
		h.clock.Advance(time.Hour)
	}

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "retry attempts exhausted")
	assert.Empty(t, h.store.LoadQueue().Items)
}

func TestRetryDoesNotReExecuteCompletedSteps(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	limited := true
	h.agent.handler = func(req schemas.AgentRequest) (schemas.AgentResult, error) {
		// The second step hits the rate limit once.
		if req.TaskID != "" && strings.HasSuffix(req.TaskID, "-1") && limited {
			return schemas.AgentResult{Error: "429", RateLimited: true}, nil
		}
		return defaultAgentHandler(req)
	}

	goal, err := h.engine.Enqueue(ctx, "two step goal", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	require.Equal(t, schemas.StatusWaitingRetry, got.Status)
	assert.Equal(t, 1, got.CurrentStep, "first step completion is durably checkpointed")

	limited = false
	h.clock.Advance(time.Minute)
	require.NoError(t, h.engine.TriggerTick(ctx))

	require.Equal(t, schemas.StatusSucceeded, h.goal(t, goal.ID).Status)

	stepZeroRuns := 0
	for _, id := range h.agent.taskIDs() {
		if strings.HasSuffix(id, "-0") && strings.HasPrefix(id, "step-") {
			stepZeroRuns++
		}
	}
	assert.Equal(t, 1, stepZeroRuns, "completed steps never run again")
}

func TestFixLoopRepairsThenSucceeds(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()
	h.verify.results = []schemas.VerifyResult{
		{OK: false, Summary: "test failure: TestX"},
	}

	goal, err := h.engine.Enqueue(ctx, "refactor", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.FixAttempts)
	assert.Equal(t, 2, h.verify.runCount(), "failing run plus the passing re-run")

	fixes := 0
	for _, id := range h.agent.taskIDs() {
		if strings.HasPrefix(id, "fix-") {
			fixes++
		}
	}
	assert.Equal(t, 1, fixes)
}

func TestFixLoopExhaustionFailsGoal(t *testing.T) {
	h := newTestEngine(t, func(cfg *config.EngineConfig) { cfg.MaxFixAttempts = 2 })
	ctx := context.Background()
	h.verify.results = []schemas.VerifyResult{
		{OK: false, Summary: "broken"},
		{OK: false, Summary: "still broken"},
		{OK: false, Summary: "hopeless"},
	}

	goal, err := h.engine.Enqueue(ctx, "unfixable", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "still failing after 2 fix attempts")
}

func TestStructureReviewFailureDoesNotBlock(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.agent.handler = func(req schemas.AgentRequest) (schemas.AgentResult, error) {
		if strings.HasPrefix(req.TaskID, "structure-") {
			return schemas.AgentResult{Error: "agent crashed"}, nil
		}
		return defaultAgentHandler(req)
	}

	goal, err := h.engine.Enqueue(ctx, "resilient to review failures", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	assert.Equal(t, schemas.StatusSucceeded, h.goal(t, goal.ID).Status)
}

func TestStructureIssuesRecorded(t *testing.T) {
	h := newTestEngine(t, nil)
	ctx := context.Background()

	h.agent.handler = func(req schemas.AgentRequest) (schemas.AgentResult, error) {
		if strings.HasPrefix(req.TaskID, "structure-") {
			return schemas.AgentResult{OK: true, Output: `{"issues": ["helpers.go duplicates util.go"]}`}, nil
		}
		return defaultAgentHandler(req)
	}

	goal, err := h.engine.Enqueue(ctx, "review me", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.Equal(t, []string{"helpers.go duplicates util.go"}, got.StructureIssues)
}

func TestPushFailurePreservesCommit(t *testing.T) {
	h := newTestEngine(t, func(cfg *config.EngineConfig) { cfg.HardRollback = true })
	h.git.pushErr = errors.New("remote rejected")
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "push will fail", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "remote rejected")
	require.NotNil(t, got.Git.Push)
	assert.Contains(t, got.Git.Push.LastError, "remote rejected")

	// Even with hard rollback configured, a push failure keeps the commit.
	for _, call := range h.git.callNames() {
		assert.False(t, strings.HasPrefix(call, "ResetHard"), "unexpected rollback: %s", call)
	}
}

func TestMissingPushTargetFailsWithNamedPieces(t *testing.T) {
	h := newTestEngine(t, nil)
	h.git.targetErr = errors.New("missing push remote and branch")
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "no remote configured", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "missing push remote and branch")
}

func TestSelfModificationCommitsIsolated(t *testing.T) {
	h := newTestEngine(t, nil)
	// First listing: one engine source file and one ordinary file.
	// Second listing (after the isolated commit): the ordinary file remains.
	h.git.changed = [][]string{
		{"internal/engine/tick.go", "pkg/feature.go"},
		{"pkg/feature.go"},
	}
	ctx := context.Background()

	goal, err := h.engine.Enqueue(ctx, "improve own scheduler", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusSucceeded, got.Status)
	assert.NotEmpty(t, got.Git.SelfEvolutionDiffFile)

	calls := h.git.callNames()
	assert.Contains(t, calls, "CommitPathsIsolated")
	assert.Contains(t, calls, "WriteSelfDiff")
	assert.Contains(t, calls, "Commit")
}

func TestSelfVerificationFailureRollsBack(t *testing.T) {
	h := newTestEngine(t, func(cfg *config.EngineConfig) { cfg.HardRollback = true })
	h.git.changed = [][]string{{"internal/engine/tick.go"}}
	ctx := context.Background()

	// Main verification passes; the post-isolation check fails.
	h.verify.results = []schemas.VerifyResult{
		{OK: true, Summary: "ok"},
		{OK: false, Summary: "engine broke itself"},
	}

	goal, err := h.engine.Enqueue(ctx, "self sabotage", "")
	require.NoError(t, err)
	require.NoError(t, h.engine.TriggerTick(ctx))

	got := h.goal(t, goal.ID)
	assert.Equal(t, schemas.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "self-modification verification failed")
	assert.Contains(t, h.git.callNames(), "ResetHard:HEAD~1")
}

func TestOldestPendingGoalRunsFirst(t *testing.T) {
	h := newTestEngine(t, nil)
	h.git.changed = [][]string{{"a.go"}, {"b.go"}}
	ctx := context.Background()

	first, err := h.engine.Enqueue(ctx, "first goal", "")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := h.engine.Enqueue(ctx, "second goal", "")
	require.NoError(t, err)

	require.NoError(t, h.engine.TriggerTick(ctx))
	assert.Equal(t, schemas.StatusSucceeded, h.goal(t, first.ID).Status)
	assert.Equal(t, schemas.StatusPending, h.goal(t, second.ID).Status)

	require.NoError(t, h.engine.TriggerTick(ctx))
	assert.Equal(t, schemas.StatusSucceeded, h.goal(t, second.ID).Status)
}

func TestRecoverStateNormalizesAfterRestart(t *testing.T) {
	logger := zaptest.NewLogger(t)
	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	// A previous process died mid-goal.
	_, err = st.UpdateState(func(doc *schemas.StateDocument) {
		doc.Status = schemas.ProcessRunning
		doc.CurrentGoalID = "gone"
	})
	require.NoError(t, err)

	cfg := config.EngineConfig{RetryBase: time.Second, RetryMax: time.Minute, MaxRetryAttempts: 3, MaxFixAttempts: 2}
	scheduler := retry.New(st, logger, cfg.RetryBase, cfg.RetryMax, cfg.MaxRetryAttempts)
	eng, err := New(cfg, logger, st, scheduler, &fakeGit{},
		&fakeAgent{handler: defaultAgentHandler}, &fakeVerifier{})
	require.NoError(t, err)

	eng.Start(context.Background())
	defer eng.Stop()

	state := st.LoadState()
	assert.Equal(t, schemas.ProcessIdle, state.Status)
}

func TestNewValidatesDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)
	scheduler := retry.New(st, logger, time.Second, time.Minute, 3)

	_, err = New(config.EngineConfig{}, nil, st, scheduler, &fakeGit{}, &fakeAgent{}, &fakeVerifier{})
	assert.Error(t, err)
	_, err = New(config.EngineConfig{}, logger, st, scheduler, nil, &fakeAgent{}, &fakeVerifier{})
	assert.Error(t, err)
	_, err = New(config.EngineConfig{}, logger, st, scheduler, &fakeGit{}, nil, &fakeVerifier{})
	assert.Error(t, err)
}
