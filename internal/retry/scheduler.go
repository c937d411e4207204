// Package retry implements the exponential-backoff queue that parks goals
// between attempts and survives process restarts.
package retry

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/store"
)

// ErrAttemptsExhausted is returned when scheduling would exceed the retry
// budget; the caller must fail the goal terminally.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Scheduler computes backoff delays and manages the persisted queue.
type Scheduler struct {
	store       *store.Store
	log         *zap.Logger
	base        time.Duration
	max         time.Duration
	maxAttempts int
	now         func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock for deterministic backoff testing.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler with the given backoff parameters.
func New(st *store.Store, logger *zap.Logger, base, max time.Duration, maxAttempts int, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		log:         logger.Named("retry"),
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backoff computes min(base * 2^(attempts-1), max). It is monotonically
// non-decreasing in attempts and never exceeds max.
func (s *Scheduler) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.max || delay < 0 {
			return s.max
		}
	}
	if delay > s.max {
		return s.max
	}
	return delay
}

// Schedule upserts a queue item for (goalID, taskType, stepIndex) and
// returns the computed retry time.
//
// The attempt count is recomputed from the persisted item when one exists,
// so a restart mid-backoff cannot shrink the delay; previousAttempts is
// only a floor supplied by the caller's in-memory counter.
func (s *Scheduler) Schedule(goalID string, taskType schemas.TaskType, stepIndex *int, lastError string, previousAttempts int) (time.Time, int, error) {
	id := schemas.RetryItemID(goalID, taskType, stepIndex)
	now := s.now().UTC()

	var (
		retryAt  time.Time
		attempts int
		refused  bool
	)
	_, err := s.store.UpdateQueue(func(doc *schemas.RetryQueueDocument) {
		existing := -1
		for i := range doc.Items {
			if doc.Items[i].ID == id {
				existing = i
				break
			}
		}

		prev := previousAttempts
		if existing >= 0 && doc.Items[existing].Attempts > prev {
			prev = doc.Items[existing].Attempts
		}
		attempts = prev + 1
		if attempts > s.maxAttempts {
			refused = true
			return
		}

		retryAt = now.Add(s.Backoff(attempts))
		item := schemas.RetryQueueItem{
			ID:        id,
			GoalID:    goalID,
			TaskType:  taskType,
			StepIndex: stepIndex,
			Attempts:  attempts,
			CreatedAt: now,
			RetryAt:   retryAt,
			LastError: lastError,
		}
		if existing >= 0 {
			// CreatedAt is preserved across updates to the same id.
			item.CreatedAt = doc.Items[existing].CreatedAt
			doc.Items[existing] = item
		} else {
			doc.Items = append(doc.Items, item)
		}
	})
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to persist retry queue: %w", err)
	}
	if refused {
		return time.Time{}, attempts, ErrAttemptsExhausted
	}

	s.log.Info("Retry scheduled",
		zap.String("goal_id", goalID),
		zap.String("task_type", string(taskType)),
		zap.Int("attempts", attempts),
		zap.Time("retry_at", retryAt))
	return retryAt, attempts, nil
}

// Due returns the due item with the earliest RetryAt <= now, or nil.
func (s *Scheduler) Due(now time.Time) *schemas.RetryQueueItem {
	doc := s.store.LoadQueue()
	var best *schemas.RetryQueueItem
	for i := range doc.Items {
		item := &doc.Items[i]
		if item.RetryAt.After(now) {
			continue
		}
		if best == nil || item.RetryAt.Before(best.RetryAt) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Lookup returns the persisted item for (goalID, taskType, stepIndex), or nil.
func (s *Scheduler) Lookup(goalID string, taskType schemas.TaskType, stepIndex *int) *schemas.RetryQueueItem {
	id := schemas.RetryItemID(goalID, taskType, stepIndex)
	doc := s.store.LoadQueue()
	for i := range doc.Items {
		if doc.Items[i].ID == id {
			cp := doc.Items[i]
			return &cp
		}
	}
	return nil
}

// Clear removes every queue item owned by the goal. Called when the goal
// re-enters running or reaches a terminal state.
func (s *Scheduler) Clear(goalID string) error {
	_, err := s.store.UpdateQueue(func(doc *schemas.RetryQueueDocument) {
		kept := doc.Items[:0]
		for _, item := range doc.Items {
			if item.GoalID != goalID {
				kept = append(kept, item)
			}
		}
		doc.Items = kept
	})
	if err != nil {
		return fmt.Errorf("failed to clear retry queue for goal %s: %w", goalID, err)
	}
	return nil
}
