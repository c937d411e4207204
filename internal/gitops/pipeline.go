// Package gitops implements the git safety net, the self-modification
// guard, commit-message resolution and push-target resolution.
//
// Read-side repository state (HEAD, tags, upstream tracking) goes through
// go-git; mutating operations shell out to git via the command harness so
// their exact semantics (--allow-empty, HEAD~1 resets, porcelain status)
// match what an operator would run by hand.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/internal/config"
	"github.com/xkilldash9x/evolved/internal/harness"
)

// Pipeline runs git operations against a single repository checkout.
type Pipeline struct {
	root    string
	cfg     config.GitConfig
	runner  harness.Runner
	log     *zap.Logger
	timeout time.Duration
}

// New creates a pipeline for the checkout at root.
func New(root string, cfg config.GitConfig, runner harness.Runner, logger *zap.Logger) *Pipeline {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Pipeline{
		root:    root,
		cfg:     cfg,
		runner:  runner,
		log:     logger.Named("gitops"),
		timeout: timeout,
	}
}

// git runs a git subcommand through the harness.
func (p *Pipeline) git(ctx context.Context, args ...string) (harness.Result, error) {
	res, err := p.runner.Run(ctx, harness.Spec{
		Name:    "git",
		Args:    args,
		Dir:     p.root,
		Timeout: p.timeout,
	})
	if err != nil {
		return res, fmt.Errorf("git %s failed: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(res.Combined()))
	}
	return res, nil
}

// EnsureStableTag creates the stable tag if it does not exist. The tag is
// the hard rollback target for the whole evolution process.
func (p *Pipeline) EnsureStableTag(ctx context.Context) error {
	repo, err := git.PlainOpen(p.root)
	if err != nil {
		return fmt.Errorf("failed to open repository at %s: %w", p.root, err)
	}
	if _, err := repo.Tag(p.cfg.StableTag); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return fmt.Errorf("failed to look up tag %q: %w", p.cfg.StableTag, err)
	}

	if _, err := p.git(ctx, "tag", p.cfg.StableTag); err != nil {
		return err
	}
	p.log.Info("Created stable tag", zap.String("tag", p.cfg.StableTag))
	return nil
}

// HeadShort returns the 8-character short hash of HEAD.
func (p *Pipeline) HeadShort(ctx context.Context) (string, error) {
	repo, err := git.PlainOpen(p.root)
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", p.root, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	hash := head.Hash().String()
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return hash, nil
}

// ChangedFiles lists the paths with working-tree changes (porcelain status).
func (p *Pipeline) ChangedFiles(ctx context.Context) ([]string, error) {
	res, err := p.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) < 4 {
			continue
		}
		// Porcelain format: XY <path> (or "XY from -> to" for renames).
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// StageAll stages every working-tree change.
func (p *Pipeline) StageAll(ctx context.Context) error {
	_, err := p.git(ctx, "add", "-A")
	return err
}

// StagedDiff returns the diff of the index against HEAD.
func (p *Pipeline) StagedDiff(ctx context.Context) (string, error) {
	res, err := p.git(ctx, "diff", "--cached")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Commit records the staged changes with the given message.
func (p *Pipeline) Commit(ctx context.Context, message string) error {
	_, err := p.git(ctx, "commit", "-m", message)
	return err
}

// CommitPathsIsolated stages and commits only the given paths, allowing an
// empty commit so the isolation commit always exists as a rollback point.
func (p *Pipeline) CommitPathsIsolated(ctx context.Context, paths []string, message string) error {
	for _, path := range paths {
		if _, err := p.git(ctx, "add", "--", path); err != nil {
			return err
		}
	}
	if _, err := p.git(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		return err
	}
	return nil
}

// WriteSelfDiff saves the diff of the last commit to a file under dir for
// audit, returning the file path.
func (p *Pipeline) WriteSelfDiff(ctx context.Context, dir, goalID string) (string, error) {
	res, err := p.git(ctx, "diff", "HEAD~1", "HEAD")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create diff dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("self-evolution-%s.diff", goalID))
	if err := os.WriteFile(path, []byte(res.Stdout), 0o644); err != nil {
		return "", fmt.Errorf("failed to write self-evolution diff: %w", err)
	}
	return path, nil
}

// ResetHard discards all local state back to ref.
func (p *Pipeline) ResetHard(ctx context.Context, ref string) error {
	_, err := p.git(ctx, "reset", "--hard", ref)
	return err
}

// StableTag returns the configured rollback tag name.
func (p *Pipeline) StableTag() string { return p.cfg.StableTag }

// Push pushes branch to remote. A push failure does not undo the commit;
// partial progress is preserved for manual recovery.
func (p *Pipeline) Push(ctx context.Context, remote, branch string) error {
	_, err := p.git(ctx, "push", remote, branch)
	return err
}
