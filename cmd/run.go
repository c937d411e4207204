package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/observability"
	"github.com/xkilldash9x/evolved/internal/service"
)

// componentsInitializer builds the engine dependency graph. It exists as an
// injection point so command logic can be tested against fakes.
type componentsInitializer func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.Components, error)

// newRunCmd creates the 'run' command: enqueue a single goal and drive the
// pipeline until the goal reaches a terminal state, then exit.
func newRunCmd() *cobra.Command {
	var goalText string
	var commitMessage string

	initFn := service.Build

	cmd := &cobra.Command{
		Use:   "run --goal <description>",
		Short: "Executes a single evolution goal to completion and exits.",
		Long: `The run command enqueues one goal, drives the plan/execute/verify/commit
pipeline until the goal succeeds or fails, and exits with a matching status.
WARNING: This process modifies the local repository. Ensure your working
directory is in a state you are willing to evolve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runOnce(ctx, cfg, logger, goalText, commitMessage, initFn)
		},
	}

	cmd.Flags().StringVarP(&goalText, "goal", "g", "", "The goal to accomplish (required).")
	cmd.Flags().StringVarP(&commitMessage, "message", "m", "", "Commit message to use verbatim for the final commit.")
	_ = cmd.MarkFlagRequired("goal")

	return cmd
}

// runOnce contains the core one-shot logic, decoupled from cobra.
func runOnce(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	goalText, commitMessage string,
	initFn componentsInitializer,
) error {
	// One-shot mode drives ticks explicitly; the periodic timer stays off.
	cfg.Engine.TickInterval = 0

	components, err := initFn(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	components.Engine.Start(ctx)

	goal, err := components.Engine.Enqueue(ctx, goalText, commitMessage)
	if err != nil {
		return fmt.Errorf("failed to enqueue goal: %w", err)
	}
	logger.Info("Goal enqueued", zap.String("goal_id", goal.ID))

	for {
		if err := components.Engine.TriggerTick(ctx); err != nil {
			return fmt.Errorf("tick failed: %w", err)
		}

		current := findGoal(components.Engine.Snapshot().State, goal.ID)
		if current == nil {
			return fmt.Errorf("goal %s disappeared from state", goal.ID)
		}

		switch current.Status {
		case schemas.StatusSucceeded:
			logger.Info("Goal succeeded", zap.String("goal_id", current.ID), zap.String("commit_message", current.CommitMessage))
			return nil
		case schemas.StatusFailed:
			logger.Error("Goal failed", zap.String("goal_id", current.ID), zap.String("error", current.LastError))
			return errors.New("goal failed: " + current.LastError)
		case schemas.StatusWaitingRetry:
			wait := time.Second
			if current.NextRetryAt != nil {
				if until := time.Until(*current.NextRetryAt); until > wait {
					wait = until
				}
			}
			logger.Info("Goal waiting for retry", zap.String("goal_id", current.ID), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		default:
			// pending or running: tick again immediately.
		}
	}
}

func findGoal(state schemas.StateDocument, id string) *schemas.Goal {
	return state.FindGoal(id)
}
