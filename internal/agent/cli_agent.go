// Package agent provides the code-generation collaborators: a subprocess
// CLI backend and an LLM backend that applies generated patches.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/harness"
)

// CLIAgent drives an external agent binary. The prompt is delivered on
// stdin; stdout/stderr lines stream out as events and feed the bounded raw
// tail.
type CLIAgent struct {
	cfg     config.AgentConfig
	runner  harness.Runner
	log     *zap.Logger
	repoDir string
	limiter *rate.Limiter
}

// NewCLIAgent creates the subprocess-backed agent.
func NewCLIAgent(cfg config.AgentConfig, repoDir string, runner harness.Runner, logger *zap.Logger) *CLIAgent {
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &CLIAgent{
		cfg:     cfg,
		runner:  runner,
		log:     logger.Named("agent.cli"),
		repoDir: repoDir,
		// One invocation per interval, no bursting beyond a single slot.
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run invokes the agent binary once and classifies the outcome.
func (a *CLIAgent) Run(ctx context.Context, req schemas.AgentRequest) (schemas.AgentResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return schemas.AgentResult{}, err
	}

	emit := func(ev schemas.AgentEvent) {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	emit(schemas.AgentEvent{Type: schemas.AgentEventStarted})

	tail := newLineTail(schemas.MaxGoalRawTail)
	spec := harness.Spec{
		Name:    a.cfg.Command,
		Args:    a.cfg.Args,
		Dir:     a.repoDir,
		Stdin:   req.Prompt,
		Timeout: a.cfg.Timeout,
		OnLine: func(stream, line string) {
			tail.Add(line)
			evType := schemas.AgentEventStdout
			if stream == "stderr" {
				evType = schemas.AgentEventStderr
			}
			emit(schemas.AgentEvent{Type: evType, Line: line})
		},
	}

	a.log.Info("Invoking agent",
		zap.String("task_id", req.TaskID),
		zap.String("command", a.cfg.Command),
		zap.Int("prompt_bytes", len(req.Prompt)))

	res, runErr := a.runner.Run(ctx, spec)
	defer emit(schemas.AgentEvent{Type: schemas.AgentEventClosed})

	result := schemas.AgentResult{
		Output:  res.Stdout,
		RawTail: tail.Lines(),
	}

	if res.TimedOut {
		emit(schemas.AgentEvent{Type: schemas.AgentEventTimeout})
		result.Error = fmt.Sprintf("agent timed out after %s", a.cfg.Timeout)
		result.RateLimited = a.looksRateLimited(res.Combined())
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	if runErr != nil {
		result.Error = fmt.Sprintf("agent exited with code %d: %s", res.ExitCode, tailText(res.Combined(), 2000))
		result.RateLimited = a.looksRateLimited(res.Combined())
		a.log.Warn("Agent invocation failed",
			zap.String("task_id", req.TaskID),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("rate_limited", result.RateLimited))
		return result, nil
	}

	result.OK = true
	return result, nil
}

// looksRateLimited matches the configured rate-limit markers against agent
// output.
func (a *CLIAgent) looksRateLimited(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range a.cfg.RateLimitMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// lineTail keeps the last n lines seen.
type lineTail struct {
	lines []string
	cap   int
}

func newLineTail(capacity int) *lineTail {
	return &lineTail{cap: capacity}
}

func (t *lineTail) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.cap {
		t.lines = t.lines[len(t.lines)-t.cap:]
	}
}

func (t *lineTail) Lines() []string {
	return append([]string(nil), t.lines...)
}

// tailText returns the last max bytes of s.
func tailText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
