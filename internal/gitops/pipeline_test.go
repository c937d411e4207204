package gitops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/harness"
)

func newTestPipeline(t *testing.T, runner harness.Runner) *Pipeline {
	t.Helper()
	cfg := config.GitConfig{StableTag: "evolved-stable", Timeout: time.Minute}
	return New(t.TempDir(), cfg, runner, zaptest.NewLogger(t))
}

func TestChangedFilesParsesPorcelain(t *testing.T) {
	fake := harness.NewFakeRunner()
	fake.Script("git", []string{"status", "--porcelain"}, harness.Result{
		Stdout: " M internal/engine/engine.go\n?? newfile.go\nR  old.go -> renamed.go\n",
	}, nil)

	p := newTestPipeline(t, fake)
	files, err := p.ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/engine/engine.go", "newfile.go", "renamed.go"}, files)
}

func TestChangedFilesEmptyTree(t *testing.T) {
	fake := harness.NewFakeRunner()
	fake.Script("git", []string{"status", "--porcelain"}, harness.Result{Stdout: ""}, nil)

	p := newTestPipeline(t, fake)
	files, err := p.ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCommitPathsIsolatedCommandSequence(t *testing.T) {
	fake := harness.NewFakeRunner()
	fake.Script("git", []string{"add", "--", "internal/engine/engine.go"}, harness.Result{}, nil)
	fake.Script("git", []string{"add", "--", "internal/engine/tick.go"}, harness.Result{}, nil)
	fake.Script("git", []string{"commit", "--allow-empty", "-m", "isolate"}, harness.Result{}, nil)

	p := newTestPipeline(t, fake)
	err := p.CommitPathsIsolated(context.Background(),
		[]string{"internal/engine/engine.go", "internal/engine/tick.go"}, "isolate")
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"commit", "--allow-empty", "-m", "isolate"}, calls[2].Args)
}

func TestResetHard(t *testing.T) {
	fake := harness.NewFakeRunner()
	fake.Script("git", []string{"reset", "--hard", "evolved-stable"}, harness.Result{}, nil)

	p := newTestPipeline(t, fake)
	require.NoError(t, p.ResetHard(context.Background(), p.StableTag()))
}

func TestWriteSelfDiff(t *testing.T) {
	fake := harness.NewFakeRunner()
	fake.Script("git", []string{"diff", "HEAD~1", "HEAD"}, harness.Result{Stdout: "diff --git a b\n"}, nil)

	p := newTestPipeline(t, fake)
	dir := t.TempDir()
	path, err := p.WriteSelfDiff(context.Background(), dir, "goal-1")
	require.NoError(t, err)
	assert.Contains(t, path, "self-evolution-goal-1.diff")
}
