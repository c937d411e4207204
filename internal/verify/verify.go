// Package verify runs the repository's build/test/lint commands and
// reports pass/fail with a diagnostic summary.
package verify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/harness"
)

// maxSummary bounds the diagnostic text fed back into repair prompts.
const maxSummary = 4000

// Runner executes the configured verification commands in order through the
// command harness; the first failure ends the run.
type Runner struct {
	cfg     config.VerifyConfig
	runner  harness.Runner
	repoDir string
	log     *zap.Logger
}

// New creates a verification runner for the checkout at repoDir.
func New(cfg config.VerifyConfig, repoDir string, runner harness.Runner, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		runner:  runner,
		repoDir: repoDir,
		log:     logger.Named("verify"),
	}
}

var _ schemas.Verifier = (*Runner)(nil)

// Run executes every configured command. Summary names the failing command
// and carries the tail of its output; on success it lists what passed.
func (r *Runner) Run(ctx context.Context) (schemas.VerifyResult, error) {
	if len(r.cfg.Commands) == 0 {
		return schemas.VerifyResult{OK: true, Summary: "no verification commands configured"}, nil
	}

	for _, command := range r.cfg.Commands {
		r.log.Info("Running verification command", zap.String("command", command))
		res, err := r.runner.Run(ctx, harness.Shell(command, r.repoDir, r.cfg.Timeout))
		if err != nil {
			if ctx.Err() != nil {
				return schemas.VerifyResult{}, ctx.Err()
			}
			reason := "failed"
			if res.TimedOut {
				reason = fmt.Sprintf("timed out after %s", r.cfg.Timeout)
			}
			summary := fmt.Sprintf("verification command %q %s:\n%s", command, reason, tail(res.Combined(), maxSummary))
			r.log.Warn("Verification failed",
				zap.String("command", command),
				zap.Int("exit_code", res.ExitCode),
				zap.Bool("timed_out", res.TimedOut))
			return schemas.VerifyResult{OK: false, Summary: summary}, nil
		}
	}

	return schemas.VerifyResult{
		OK:      true,
		Summary: fmt.Sprintf("all verification commands passed: %s", strings.Join(r.cfg.Commands, "; ")),
	}, nil
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
