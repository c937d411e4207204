// Package service wires the engine's collaborators together and exposes
// the admin HTTP surface. This struct centralizes the lifecycle management
// of the long-lived dependencies.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/internal/agent"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/engine"
	"github.com/xkilldash9x/evolved/internal/gitops"
	"github.com/xkilldash9x/evolved/internal/harness"
	"github.com/xkilldash9x/evolved/internal/retry"
	"github.com/xkilldash9x/evolved/internal/store"
	"github.com/xkilldash9x/evolved/internal/verify"
)

// Components holds the initialized services required to run the engine.
type Components struct {
	Store  *store.Store
	Engine *engine.Engine
	Git    *gitops.Pipeline
}

// Build constructs the full dependency graph from configuration.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	st, err := store.New(cfg.Engine.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store: %w", err)
	}

	runner := harness.NewExecRunner(logger)
	scheduler := retry.New(st, logger, cfg.Engine.RetryBase, cfg.Engine.RetryMax, cfg.Engine.MaxRetryAttempts)
	git := gitops.New(cfg.Engine.RepoRoot, cfg.Git, runner, logger)
	verifier := verify.New(cfg.Verify, cfg.Engine.RepoRoot, runner, logger)

	codegen, err := agent.NewAgent(ctx, cfg.Agent, cfg.Engine.RepoRoot, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize agent backend: %w", err)
	}

	var opts []engine.Option
	if announcer := gitops.NewAnnouncer(cfg.GitHub, logger); announcer != nil {
		opts = append(opts, engine.WithAnnouncer(announcer))
	}

	eng, err := engine.New(cfg.Engine, logger, st, scheduler, git, codegen, verifier, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	return &Components{
		Store:  st,
		Engine: eng,
		Git:    git,
	}, nil
}

// Shutdown stops the engine and flushes pending work.
func (c *Components) Shutdown() {
	if c.Engine != nil {
		c.Engine.Stop()
	}
}
