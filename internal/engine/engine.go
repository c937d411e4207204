// Package engine implements the goal lifecycle state machine that drives
// the code-generation agent through plan, step execution, verification,
// repair, review, commit and push.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/gitops"
	"github.com/xkilldash9x/evolved/internal/retry"
	"github.com/xkilldash9x/evolved/internal/store"
)

// GitPipeline is the engine's view of the git safety and commit pipeline.
type GitPipeline interface {
	EnsureStableTag(ctx context.Context) error
	HeadShort(ctx context.Context) (string, error)
	ChangedFiles(ctx context.Context) ([]string, error)
	StageAll(ctx context.Context) error
	StagedDiff(ctx context.Context) (string, error)
	Commit(ctx context.Context, message string) error
	CommitPathsIsolated(ctx context.Context, paths []string, message string) error
	WriteSelfDiff(ctx context.Context, dir, goalID string) (string, error)
	ResetHard(ctx context.Context, ref string) error
	StableTag() string
	ResolveTarget() (gitops.PushTarget, error)
	Push(ctx context.Context, remote, branch string) error
}

// Announcer reports a successful push to an external surface. A nil
// announcer is a no-op.
type Announcer interface {
	AnnouncePush(ctx context.Context, commitSHA, goalText, commitMessage string)
}

// ErrEmptyGoal rejects enqueue requests without goal text.
var ErrEmptyGoal = errors.New("goal text must not be empty")

// job is one serialized mutation. Every mutating operation (enqueue, tick,
// retry scheduling) passes through the single-consumer job channel so two
// concurrent triggers can never interleave writes to the persisted state.
type job struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Engine sequences goals through the fixed pipeline, one active goal at a
// time.
type Engine struct {
	cfg       config.EngineConfig
	log       *zap.Logger
	store     *store.Store
	retry     *retry.Scheduler
	git       GitPipeline
	agent     schemas.CodegenAgent
	verifier  schemas.Verifier
	announcer Announcer
	now       func() time.Time

	jobs chan job
	wg   sync.WaitGroup

	stateLock sync.Mutex
	isRunning bool
	stopTimer context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a clock for deterministic scheduling tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAnnouncer attaches a post-push announcer.
func WithAnnouncer(a Announcer) Option {
	return func(e *Engine) { e.announcer = a }
}

// New creates an Engine. All collaborators are required except the
// announcer.
func New(
	cfg config.EngineConfig,
	logger *zap.Logger,
	st *store.Store,
	scheduler *retry.Scheduler,
	git GitPipeline,
	agent schemas.CodegenAgent,
	verifier schemas.Verifier,
	opts ...Option,
) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	if scheduler == nil {
		return nil, errors.New("retry scheduler cannot be nil")
	}
	if git == nil {
		return nil, errors.New("git pipeline cannot be nil")
	}
	if agent == nil {
		return nil, errors.New("agent cannot be nil")
	}
	if verifier == nil {
		return nil, errors.New("verifier cannot be nil")
	}

	e := &Engine{
		cfg:      cfg,
		log:      logger.Named("engine"),
		store:    st,
		retry:    scheduler,
		git:      git,
		agent:    agent,
		verifier: verifier,
		now:      time.Now,
		jobs:     make(chan job),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the serialization worker and the periodic tick timer.
// Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.log.Warn("Engine.Start called, but engine is already running.")
		return
	}
	e.isRunning = true
	timerCtx, cancel := context.WithCancel(ctx)
	e.stopTimer = cancel
	e.stateLock.Unlock()

	e.recoverState()

	e.wg.Add(1)
	go e.runWorker(ctx)

	if e.cfg.TickInterval > 0 {
		e.wg.Add(1)
		go e.runTimer(timerCtx)
	}

	e.log.Info("Engine started", zap.Duration("tick_interval", e.cfg.TickInterval))
}

// Stop halts the timer, drains the in-flight job and waits for the worker.
func (e *Engine) Stop() {
	e.stateLock.Lock()
	if !e.isRunning {
		e.stateLock.Unlock()
		return
	}
	e.isRunning = false
	if e.stopTimer != nil {
		e.stopTimer()
	}
	close(e.jobs)
	e.stateLock.Unlock()

	e.wg.Wait()
	e.log.Info("Engine stopped gracefully.")
}

// runWorker drains the job channel; exactly one mutation is in flight at
// any moment.
func (e *Engine) runWorker(ctx context.Context) {
	defer e.wg.Done()
	for j := range e.jobs {
		err := j.fn(ctx)
		if j.done != nil {
			j.done <- err
		}
	}
}

// runTimer is the only autonomous driver: it submits a tick each interval
// and skips intervals while a previous tick still runs.
func (e *Engine) runTimer(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case e.jobs <- job{fn: e.tick}:
			case <-ctx.Done():
				return
			default:
				// A goal is mid-flight; the next interval will try again.
			}
		}
	}
}

// submit queues fn on the serialization channel and waits for completion.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	e.stateLock.Lock()
	if !e.isRunning {
		e.stateLock.Unlock()
		return errors.New("engine is not running")
	}
	e.stateLock.Unlock()

	done := make(chan error, 1)
	select {
	case e.jobs <- job{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue validates and persists a new goal in the pending state.
func (e *Engine) Enqueue(ctx context.Context, goalText, commitMessage string) (schemas.Goal, error) {
	if strings.TrimSpace(goalText) == "" {
		return schemas.Goal{}, ErrEmptyGoal
	}

	var created schemas.Goal
	err := e.submit(ctx, func(context.Context) error {
		now := e.now().UTC()
		created = schemas.Goal{
			ID:                          newGoalID(now),
			Goal:                        goalText,
			CommitMessage:               commitMessage,
			CommitMessageProvidedByUser: commitMessage != "",
			Status:                      schemas.StatusPending,
			Stage:                       "queued",
			CreatedAt:                   now,
			UpdatedAt:                   now,
		}
		if _, err := e.store.UpdateState(func(doc *schemas.StateDocument) {
			doc.Goals = append(doc.Goals, created)
		}); err != nil {
			return fmt.Errorf("failed to persist new goal: %w", err)
		}
		if _, err := e.store.UpdateMetrics(func(m *schemas.MetricsDocument) {
			m.TotalGoals++
		}); err != nil {
			return fmt.Errorf("failed to update metrics: %w", err)
		}
		e.log.Info("Goal enqueued", zap.String("goal_id", created.ID))
		return nil
	})
	if err != nil {
		return schemas.Goal{}, err
	}
	return created, nil
}

// TriggerTick forces an immediate pipeline evaluation outside the timer
// cadence and waits for it to finish.
func (e *Engine) TriggerTick(ctx context.Context) error {
	return e.submit(ctx, e.tick)
}

// Snapshot returns the persisted documents verbatim; read-only.
func (e *Engine) Snapshot() schemas.Snapshot {
	return e.store.Snapshot()
}

// recoverState normalizes the persisted process status after a restart. A
// goal found running resumes from its last durable checkpoint on the first
// tick; completed plan steps are never redone.
func (e *Engine) recoverState() {
	state := e.store.LoadState()
	if state.Status != schemas.ProcessRunning && state.CurrentGoalID == "" {
		return
	}
	if _, err := e.store.UpdateState(func(doc *schemas.StateDocument) {
		doc.Status = schemas.ProcessIdle
		if goal := doc.FindGoal(doc.CurrentGoalID); goal != nil && goal.Status.Terminal() {
			doc.CurrentGoalID = ""
		}
	}); err != nil {
		e.log.Error("Failed to normalize state at startup", zap.Error(err))
	}
}

// newGoalID builds an opaque, time-ordered identifier.
func newGoalID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.Format("20060102T150405.000000000"), uuid.NewString()[:8])
}

// truncateErr bounds persisted error strings.
func truncateErr(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
