package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/gitops"
	"github.com/xkilldash9x/evolved/internal/retry"
)

// stageFailure classifies a stage error for the retry-or-fail decision.
// Only agent-reported rate limiting is retryable; bare subprocess timeouts
// against git or the verifier are terminal.
type stageFailure struct {
	err         error
	taskType    schemas.TaskType
	stepIndex   *int
	rateLimited bool
	// keepCommit suppresses the configured hard rollback; a push failure
	// must preserve the commit for manual recovery.
	keepCommit bool
}

// processGoal runs the pipeline stages for one goal. Each stage is a hard
// gate: failure of stage N skips all later stages.
func (e *Engine) processGoal(ctx context.Context, goalID string) {
	log := e.log.With(zap.String("goal_id", goalID))

	// Per-task attempt counts are captured from the persisted queue before
	// the running transition clears it; this keeps backoff restart-safe.
	prevAttempts := e.snapshotAttempts(goalID)

	if err := e.beginGoal(goalID); err != nil {
		log.Error("Failed to transition goal to running", zap.Error(err))
		return
	}
	log.Info("Processing goal")

	stages := []func(ctx context.Context, goalID string) *stageFailure{
		e.stageGitSafety,
		e.stagePlan,
		e.stageSteps,
		e.stageCheckRepair,
		e.stageStructureReview,
		e.stageCommitAndPush,
	}
	for _, stage := range stages {
		if failure := stage(ctx, goalID); failure != nil {
			e.handleFailure(ctx, goalID, failure, prevAttempts)
			return
		}
	}

	e.markSucceeded(goalID)
}

// beginGoal flips the goal to running and claims the process slot. Retry
// items for the goal are removed: they exist only while it waits.
func (e *Engine) beginGoal(goalID string) error {
	if err := e.retry.Clear(goalID); err != nil {
		return err
	}
	return e.mutateGoal(goalID, func(doc *schemas.StateDocument, goal *schemas.Goal) {
		doc.Status = schemas.ProcessRunning
		doc.CurrentGoalID = goalID
		goal.Status = schemas.StatusRunning
		goal.Stage = "starting"
		goal.NextRetryAt = nil
		if goal.StartedAt == nil {
			now := e.now().UTC()
			goal.StartedAt = &now
		}
		goal.AddEvent(e.now().UTC(), "processing started")
	})
}

// snapshotAttempts maps retry item ids to their persisted attempt counts.
func (e *Engine) snapshotAttempts(goalID string) map[string]int {
	attempts := make(map[string]int)
	for _, item := range e.store.LoadQueue().Items {
		if item.GoalID == goalID {
			attempts[item.ID] = item.Attempts
		}
	}
	return attempts
}

// -- Stage 1: git safety --

func (e *Engine) stageGitSafety(ctx context.Context, goalID string) *stageFailure {
	goal := e.loadGoal(goalID)
	if goal == nil {
		return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
	}
	e.setStage(goalID, "git_safety")

	if !goal.Git.StableTagEnsured {
		if err := e.git.EnsureStableTag(ctx); err != nil {
			return &stageFailure{err: fmt.Errorf("git safety net failed: %w", err)}
		}
		if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
			g.Git.StableTagEnsured = true
		}); err != nil {
			return &stageFailure{err: err}
		}
	}

	if goal.Git.StartedFromRef == "" {
		ref, err := e.git.HeadShort(ctx)
		if err != nil {
			return &stageFailure{err: fmt.Errorf("failed to record baseline ref: %w", err)}
		}
		if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
			g.Git.StartedFromRef = ref
		}); err != nil {
			return &stageFailure{err: err}
		}
	}
	return nil
}

// -- Stage 2: plan generation --

func (e *Engine) stagePlan(ctx context.Context, goalID string) *stageFailure {
	goal := e.loadGoal(goalID)
	if goal == nil {
		return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
	}
	if len(goal.Steps) > 0 {
		return nil
	}
	e.setStage(goalID, "planning")

	output, failure := e.invokeAgent(ctx, goalID, schemas.TaskPlan, nil, planPrompt(goal.Goal))
	if failure != nil {
		return failure
	}

	steps, ok := ParsePlan(output)
	if !ok {
		// An empty plan is a terminal error, never retried.
		return &stageFailure{err: errors.New("agent returned an empty or unparsable plan")}
	}

	if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.Steps = steps
		g.CurrentStep = 0
		g.AddEvent(e.now().UTC(), fmt.Sprintf("plan generated with %d steps", len(steps)))
	}); err != nil {
		return &stageFailure{err: err}
	}
	e.log.Info("Plan generated", zap.String("goal_id", goalID), zap.Int("steps", len(steps)))
	return nil
}

// -- Stage 3: step execution --

func (e *Engine) stageSteps(ctx context.Context, goalID string) *stageFailure {
	goal := e.loadGoal(goalID)
	if goal == nil {
		return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
	}

	// currentStep is persisted after every successful step, so resumption
	// after a crash or retry never re-executes a completed step.
	for i := goal.CurrentStep; i < len(goal.Steps); i++ {
		step := i
		e.setStage(goalID, fmt.Sprintf("step %d/%d", step+1, len(goal.Steps)))

		_, failure := e.invokeAgent(ctx, goalID, schemas.TaskStep, &step, stepPrompt(goal.Goal, goal.Steps, step))
		if failure != nil {
			return failure
		}

		if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
			g.CurrentStep = step + 1
			g.AddEvent(e.now().UTC(), fmt.Sprintf("step %d/%d completed", step+1, len(g.Steps)))
		}); err != nil {
			return &stageFailure{err: err}
		}
		if _, err := e.store.UpdateMetrics(func(m *schemas.MetricsDocument) {
			m.TotalSteps++
		}); err != nil {
			e.log.Warn("Failed to update step metrics", zap.Error(err))
		}
	}
	return nil
}

// -- Stage 4: check and repair --

func (e *Engine) stageCheckRepair(ctx context.Context, goalID string) *stageFailure {
	for {
		e.setStage(goalID, "verifying")
		result, err := e.verifier.Run(ctx)
		if err != nil {
			return &stageFailure{err: fmt.Errorf("verification runner failed: %w", err)}
		}
		if result.OK {
			return nil
		}

		goal := e.loadGoal(goalID)
		if goal == nil {
			return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
		}
		if goal.FixAttempts >= e.cfg.MaxFixAttempts {
			return &stageFailure{err: fmt.Errorf("verification still failing after %d fix attempts: %s",
				goal.FixAttempts, result.Summary)}
		}

		if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
			g.FixAttempts++
			g.AddEvent(e.now().UTC(), fmt.Sprintf("verification failed, fix attempt %d", g.FixAttempts))
		}); err != nil {
			return &stageFailure{err: err}
		}

		e.setStage(goalID, "repairing")
		_, failure := e.invokeAgent(ctx, goalID, schemas.TaskFix, nil, fixPrompt(goal.Goal, result.Summary))
		if failure != nil {
			return failure
		}
	}
}

// -- Stage 5: structure review --

func (e *Engine) stageStructureReview(ctx context.Context, goalID string) *stageFailure {
	goal := e.loadGoal(goalID)
	if goal == nil {
		return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
	}
	e.setStage(goalID, "structure_review")

	output, failure := e.invokeAgent(ctx, goalID, schemas.TaskStructure, nil, structurePrompt(goal.Goal))
	if failure != nil {
		if failure.rateLimited {
			return failure
		}
		// Review issues never block the pipeline; only rate limiting parks
		// the goal.
		e.log.Warn("Structure review failed, continuing",
			zap.String("goal_id", goalID), zap.Error(failure.err))
		e.recordEvent(goalID, "structure review skipped: "+truncateErr(failure.err.Error()))
		return nil
	}

	issues := ParseIssues(output)
	if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.StructureIssues = issues
		g.AddEvent(e.now().UTC(), fmt.Sprintf("structure review recorded %d issues", len(issues)))
	}); err != nil {
		return &stageFailure{err: err}
	}
	return nil
}

// -- Stage 6: commit and push --

func (e *Engine) stageCommitAndPush(ctx context.Context, goalID string) *stageFailure {
	goal := e.loadGoal(goalID)
	if goal == nil {
		return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
	}
	e.setStage(goalID, "commit")

	files, err := e.git.ChangedFiles(ctx)
	if err != nil {
		return &stageFailure{err: fmt.Errorf("failed to list changed files: %w", err)}
	}
	if len(files) == 0 {
		// No working-tree change at all: commit is skipped entirely.
		e.recordEvent(goalID, "no working-tree changes, commit skipped")
		return nil
	}

	committed := false

	if selfPaths := e.selfModifiedPaths(files); len(selfPaths) > 0 {
		if failure := e.commitSelfIsolated(ctx, goalID, selfPaths); failure != nil {
			return failure
		}
		committed = true
		// The isolated commit consumed part of the working tree; re-list.
		files, err = e.git.ChangedFiles(ctx)
		if err != nil {
			return &stageFailure{err: fmt.Errorf("failed to list changed files: %w", err)}
		}
	}

	if len(files) > 0 {
		if failure := e.commitRemaining(ctx, goalID, files); failure != nil {
			return failure
		}
		committed = true
	}

	if !committed {
		return nil
	}
	return e.stagePush(ctx, goalID)
}

// selfModifiedPaths filters changed files down to the engine's own source.
func (e *Engine) selfModifiedPaths(files []string) []string {
	if e.cfg.SelfSource == "" {
		return nil
	}
	marker := filepath.ToSlash(e.cfg.SelfSource)
	var matched []string
	for _, f := range files {
		p := filepath.ToSlash(f)
		if p == marker || strings.HasPrefix(p, marker+"/") {
			matched = append(matched, f)
		}
	}
	return matched
}

// commitSelfIsolated commits the engine's own changed source in isolation,
// re-runs verification immediately and snapshots the diff for audit. A
// failed self-check optionally rolls the isolated commit back.
func (e *Engine) commitSelfIsolated(ctx context.Context, goalID string, selfPaths []string) *stageFailure {
	e.setStage(goalID, "self_verification")
	e.log.Warn("Goal modified the engine's own source; committing in isolation",
		zap.String("goal_id", goalID), zap.Strings("paths", selfPaths))

	message := fmt.Sprintf("chore(self-evolution): isolate engine change [%s]", goalID)
	if err := e.git.CommitPathsIsolated(ctx, selfPaths, message); err != nil {
		return &stageFailure{err: fmt.Errorf("isolated self-commit failed: %w", err)}
	}

	result, err := e.verifier.Run(ctx)
	if err != nil {
		return &stageFailure{err: fmt.Errorf("self-verification runner failed: %w", err)}
	}
	if !result.OK {
		if e.cfg.HardRollback {
			if rbErr := e.git.ResetHard(ctx, "HEAD~1"); rbErr != nil {
				e.log.Error("Failed to roll back isolated self-commit", zap.Error(rbErr))
			} else {
				e.recordEvent(goalID, "isolated self-commit rolled back (HEAD~1)")
			}
		}
		return &stageFailure{
			err: fmt.Errorf("self-modification verification failed: %s", result.Summary),
			// The rollback decision was already taken here.
			keepCommit: true,
		}
	}

	diffFile, err := e.git.WriteSelfDiff(ctx, e.cfg.DataDir, goalID)
	if err != nil {
		// The snapshot is an audit artifact; its loss is not fatal.
		e.log.Warn("Failed to write self-evolution diff snapshot", zap.Error(err))
	} else if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.Git.SelfEvolutionDiffFile = diffFile
	}); err != nil {
		return &stageFailure{err: err}
	}
	return nil
}

// commitRemaining stages and commits everything left in the working tree,
// resolving the commit message by strict priority.
func (e *Engine) commitRemaining(ctx context.Context, goalID string, files []string) *stageFailure {
	goal := e.loadGoal(goalID)
	if goal == nil {
		return &stageFailure{err: fmt.Errorf("goal %s disappeared", goalID)}
	}

	if err := e.git.StageAll(ctx); err != nil {
		return &stageFailure{err: fmt.Errorf("failed to stage changes: %w", err)}
	}
	diff, err := e.git.StagedDiff(ctx)
	if err != nil {
		return &stageFailure{err: fmt.Errorf("failed to read staged diff: %w", err)}
	}

	agentMessage := ""
	if !goal.CommitMessageProvidedByUser {
		// A failed message generation falls through to the deterministic
		// fallback rather than failing the goal.
		result, agentErr := e.agent.Run(ctx, schemas.AgentRequest{
			TaskID: "commitmsg-" + goalID,
			Prompt: commitMessagePrompt(goal.Goal, diff),
		})
		if agentErr == nil && result.OK {
			agentMessage = result.Output
		} else {
			e.log.Warn("Agent commit-message generation failed, using fallback",
				zap.String("goal_id", goalID))
		}
	}

	message := gitops.ResolveCommitMessage(
		goal.CommitMessage, goal.CommitMessageProvidedByUser,
		agentMessage, goal.Goal, files, diff)

	if err := e.git.Commit(ctx, message); err != nil {
		return &stageFailure{err: fmt.Errorf("commit failed: %w", err)}
	}
	if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.CommitMessage = message
		g.AddEvent(e.now().UTC(), "committed: "+message)
	}); err != nil {
		return &stageFailure{err: err}
	}
	e.log.Info("Committed changes", zap.String("goal_id", goalID), zap.String("message", message))
	return nil
}

func (e *Engine) stagePush(ctx context.Context, goalID string) *stageFailure {
	e.setStage(goalID, "push")

	target, err := e.git.ResolveTarget()
	if err != nil {
		if mErr := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
			g.Git.Push = &schemas.PushInfo{LastError: err.Error()}
		}); mErr != nil {
			e.log.Error("Failed to record push resolution error", zap.Error(mErr))
		}
		return &stageFailure{err: fmt.Errorf("push target resolution failed: %w", err), keepCommit: true}
	}

	commit, err := e.git.HeadShort(ctx)
	if err != nil {
		e.log.Warn("Failed to resolve pushed commit hash", zap.Error(err))
	}

	if pushErr := e.git.Push(ctx, target.Remote, target.Branch); pushErr != nil {
		// The commit itself is not undone: partial progress is preserved
		// for manual recovery.
		if mErr := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
			g.Git.Push = &schemas.PushInfo{
				Remote:    target.Remote,
				Branch:    target.Branch,
				Commit:    commit,
				LastError: pushErr.Error(),
			}
		}); mErr != nil {
			e.log.Error("Failed to record push error", zap.Error(mErr))
		}
		return &stageFailure{err: fmt.Errorf("push to %s/%s failed: %w", target.Remote, target.Branch, pushErr), keepCommit: true}
	}

	now := e.now().UTC()
	if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.Git.Push = &schemas.PushInfo{
			Remote:   target.Remote,
			Branch:   target.Branch,
			Commit:   commit,
			PushedAt: &now,
		}
		g.AddEvent(now, fmt.Sprintf("pushed to %s/%s", target.Remote, target.Branch))
	}); err != nil {
		return &stageFailure{err: err}
	}

	if e.announcer != nil {
		goal := e.loadGoal(goalID)
		if goal != nil {
			e.announcer.AnnouncePush(ctx, commit, goal.Goal, goal.CommitMessage)
		}
	}
	return nil
}

// -- Terminal transitions and failure routing --

// handleFailure asks "is this retryable?" and either parks the goal for a
// scheduled resumption or fails it terminally.
func (e *Engine) handleFailure(ctx context.Context, goalID string, failure *stageFailure, prevAttempts map[string]int) {
	errMsg := truncateErr(failure.err.Error())

	if failure.rateLimited && failure.taskType != "" {
		id := schemas.RetryItemID(goalID, failure.taskType, failure.stepIndex)
		retryAt, attempts, err := e.retry.Schedule(goalID, failure.taskType, failure.stepIndex, errMsg, prevAttempts[id])
		switch {
		case err == nil:
			if mErr := e.mutateGoal(goalID, func(doc *schemas.StateDocument, g *schemas.Goal) {
				g.Status = schemas.StatusWaitingRetry
				g.Stage = "waiting_retry"
				g.NextRetryAt = &retryAt
				g.LastError = errMsg
				g.Retries++
				g.AddEvent(e.now().UTC(), fmt.Sprintf("rate limited, retry %d scheduled", attempts))
				// Other goals could theoretically become due while this one
				// waits, so the process slot is released.
				doc.Status = schemas.ProcessIdle
			}); mErr != nil {
				e.log.Error("Failed to park goal for retry", zap.Error(mErr))
			}
			if _, mErr := e.store.UpdateMetrics(func(m *schemas.MetricsDocument) {
				m.TotalRetries++
			}); mErr != nil {
				e.log.Warn("Failed to update retry metrics", zap.Error(mErr))
			}
			return
		case errors.Is(err, retry.ErrAttemptsExhausted):
			errMsg = truncateErr(fmt.Sprintf("retry attempts exhausted: %s", failure.err))
		default:
			e.log.Error("Failed to schedule retry, failing goal", zap.Error(err))
		}
	}

	e.failGoal(ctx, goalID, errMsg, !failure.keepCommit)
}

// failGoal marks the goal terminally failed, records history, cleans the
// retry queue and optionally hard-resets to the stable tag.
func (e *Engine) failGoal(ctx context.Context, goalID string, errMsg string, allowRollback bool) {
	e.log.Warn("Goal failed", zap.String("goal_id", goalID), zap.String("error", errMsg))

	if allowRollback && e.cfg.HardRollback {
		if err := e.git.ResetHard(ctx, e.git.StableTag()); err != nil {
			e.log.Error("Hard rollback to stable tag failed", zap.Error(err))
		} else {
			e.log.Info("Hard rollback to stable tag complete")
		}
	}

	now := e.now().UTC()
	if err := e.mutateGoal(goalID, func(doc *schemas.StateDocument, g *schemas.Goal) {
		g.Status = schemas.StatusFailed
		g.Stage = "failed"
		g.LastError = errMsg
		g.CompletedAt = &now
		g.AddEvent(now, "goal failed: "+errMsg)
		doc.Status = schemas.ProcessIdle
		doc.CurrentGoalID = ""
		doc.AddHistory(schemas.HistoryEntry{
			GoalID:     g.ID,
			Goal:       g.Goal,
			Status:     schemas.StatusFailed,
			Error:      errMsg,
			FinishedAt: now,
		})
	}); err != nil {
		e.log.Error("Failed to persist terminal failure", zap.Error(err))
	}
	if err := e.retry.Clear(goalID); err != nil {
		e.log.Warn("Failed to clear retry queue", zap.Error(err))
	}
	if _, err := e.store.UpdateMetrics(func(m *schemas.MetricsDocument) {
		m.TotalFailures++
	}); err != nil {
		e.log.Warn("Failed to update failure metrics", zap.Error(err))
	}
}

// markSucceeded records the terminal success.
func (e *Engine) markSucceeded(goalID string) {
	now := e.now().UTC()
	if err := e.mutateGoal(goalID, func(doc *schemas.StateDocument, g *schemas.Goal) {
		g.Status = schemas.StatusSucceeded
		g.Stage = "done"
		g.LastError = ""
		g.CompletedAt = &now
		g.AddEvent(now, "goal succeeded")
		doc.Status = schemas.ProcessIdle
		doc.CurrentGoalID = ""
		doc.AddHistory(schemas.HistoryEntry{
			GoalID:     g.ID,
			Goal:       g.Goal,
			Status:     schemas.StatusSucceeded,
			FinishedAt: now,
		})
	}); err != nil {
		e.log.Error("Failed to persist goal success", zap.Error(err))
	}
	if err := e.retry.Clear(goalID); err != nil {
		e.log.Warn("Failed to clear retry queue", zap.Error(err))
	}
	e.log.Info("Goal succeeded", zap.String("goal_id", goalID))
}

// -- Agent plumbing --

// invokeAgent runs one agent task and records its diagnostics on the goal.
func (e *Engine) invokeAgent(ctx context.Context, goalID string, taskType schemas.TaskType, stepIndex *int, prompt string) (string, *stageFailure) {
	taskID := string(taskType) + "-" + goalID
	if stepIndex != nil {
		taskID = fmt.Sprintf("%s-%s-%d", taskType, goalID, *stepIndex)
	}
	log := e.log.With(zap.String("goal_id", goalID), zap.String("task_id", taskID))

	result, err := e.agent.Run(ctx, schemas.AgentRequest{
		TaskID: taskID,
		Prompt: prompt,
		OnEvent: func(ev schemas.AgentEvent) {
			// Events feed logging only, never control decisions.
			switch ev.Type {
			case schemas.AgentEventStarted, schemas.AgentEventTimeout, schemas.AgentEventClosed:
				log.Debug("Agent event", zap.String("type", string(ev.Type)))
			default:
				log.Debug("Agent output", zap.String("stream", string(ev.Type)), zap.String("line", ev.Line))
			}
		},
	})
	if err != nil {
		return "", &stageFailure{err: fmt.Errorf("agent invocation failed: %w", err), taskType: taskType, stepIndex: stepIndex}
	}

	if mErr := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.LastAgentOutput = truncateErr(result.Output)
		g.AppendRawTail(result.RawTail)
	}); mErr != nil {
		log.Error("Failed to persist agent diagnostics", zap.Error(mErr))
	}

	if !result.OK {
		return "", &stageFailure{
			err:         fmt.Errorf("agent task %s failed: %s", taskID, result.Error),
			taskType:    taskType,
			stepIndex:   stepIndex,
			rateLimited: result.RateLimited,
		}
	}
	return result.Output, nil
}

// setStage updates the free-text stage label for observability.
func (e *Engine) setStage(goalID, stage string) {
	if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.Stage = stage
	}); err != nil {
		e.log.Warn("Failed to persist stage label", zap.Error(err))
	}
}

func (e *Engine) recordEvent(goalID, message string) {
	if err := e.mutateGoal(goalID, func(_ *schemas.StateDocument, g *schemas.Goal) {
		g.AddEvent(e.now().UTC(), message)
	}); err != nil {
		e.log.Warn("Failed to record goal event", zap.Error(err))
	}
}
