package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
)

// tick evaluates the pipeline once. At most one goal advances per tick.
//
// Selection order:
//  1. Resume the current goal if it is still runnable (a waiting_retry
//     goal only once its retry time has arrived).
//  2. Otherwise pick the due retry item with the earliest retryAt.
//  3. Otherwise pick the oldest pending goal.
//  4. Otherwise mark the process idle.
func (e *Engine) tick(ctx context.Context) error {
	now := e.now().UTC()
	state := e.store.LoadState()

	goalID := e.selectGoal(&state, now)
	if goalID == "" {
		if state.Status != schemas.ProcessIdle {
			if _, err := e.store.UpdateState(func(doc *schemas.StateDocument) {
				doc.Status = schemas.ProcessIdle
			}); err != nil {
				return fmt.Errorf("failed to persist idle status: %w", err)
			}
		}
		return nil
	}

	e.processGoal(ctx, goalID)
	// Stage failures are terminal-state transitions, not tick errors: the
	// tick loop always returns cleanly so the next tick proceeds.
	return nil
}

func (e *Engine) selectGoal(state *schemas.StateDocument, now time.Time) string {
	if state.CurrentGoalID != "" {
		if goal := state.FindGoal(state.CurrentGoalID); goal != nil {
			switch goal.Status {
			case schemas.StatusRunning, schemas.StatusPending:
				return goal.ID
			case schemas.StatusWaitingRetry:
				if goal.NextRetryAt != nil && !goal.NextRetryAt.After(now) {
					return goal.ID
				}
			}
		}
	}

	if item := e.retry.Due(now); item != nil {
		if goal := state.FindGoal(item.GoalID); goal != nil && !goal.Status.Terminal() {
			return item.GoalID
		}
		// Orphaned item: its goal is gone or terminal. Drop it.
		if err := e.retry.Clear(item.GoalID); err != nil {
			e.log.Warn("Failed to clear orphaned retry items", zap.String("goal_id", item.GoalID), zap.Error(err))
		}
	}

	var oldest *schemas.Goal
	for i := range state.Goals {
		g := &state.Goals[i]
		if g.Status != schemas.StatusPending {
			continue
		}
		if oldest == nil || g.CreatedAt.Before(oldest.CreatedAt) {
			oldest = g
		}
	}
	if oldest != nil {
		return oldest.ID
	}
	return ""
}

// mutateGoal applies fn to the goal inside a persisted state update.
func (e *Engine) mutateGoal(goalID string, fn func(doc *schemas.StateDocument, goal *schemas.Goal)) error {
	_, err := e.store.UpdateState(func(doc *schemas.StateDocument) {
		goal := doc.FindGoal(goalID)
		if goal == nil {
			return
		}
		fn(doc, goal)
		goal.UpdatedAt = e.now().UTC()
	})
	if err != nil {
		return fmt.Errorf("failed to persist goal %s: %w", goalID, err)
	}
	return nil
}

// loadGoal returns a copy of the goal, or nil.
func (e *Engine) loadGoal(goalID string) *schemas.Goal {
	state := e.store.LoadState()
	goal := state.FindGoal(goalID)
	if goal == nil {
		return nil
	}
	cp := *goal
	return &cp
}
