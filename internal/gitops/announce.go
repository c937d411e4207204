package gitops

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/internal/config"
)

// Announcer posts a comment on the pushed commit so the goal outcome is
// visible on GitHub. Announce failures are logged, never fatal: the push
// already succeeded and must not be reported as a goal failure.
type Announcer struct {
	cfg    config.GitHubConfig
	client *github.Client
	log    *zap.Logger
}

// NewAnnouncer creates an announcer; it returns nil when announcing is
// disabled or not configured, and callers treat a nil announcer as a no-op.
func NewAnnouncer(cfg config.GitHubConfig, logger *zap.Logger) *Announcer {
	if !cfg.Enabled || cfg.Token == "" || cfg.Owner == "" || cfg.Repo == "" {
		return nil
	}
	return &Announcer{
		cfg:    cfg,
		client: github.NewClient(http.DefaultClient).WithAuthToken(cfg.Token),
		log:    logger.Named("announcer"),
	}
}

// AnnouncePush comments the goal summary on the pushed commit.
func (a *Announcer) AnnouncePush(ctx context.Context, commitSHA, goalText, commitMessage string) {
	if a == nil {
		return
	}
	body := fmt.Sprintf("Autonomous evolution goal completed.\n\n**Goal:** %s\n**Commit:** %s", goalText, commitMessage)
	comment := &github.RepositoryComment{Body: github.String(body)}
	_, _, err := a.client.Repositories.CreateComment(ctx, a.cfg.Owner, a.cfg.Repo, commitSHA, comment)
	if err != nil {
		a.log.Warn("Failed to announce push on GitHub",
			zap.String("commit", commitSHA), zap.Error(err))
		return
	}
	a.log.Info("Announced push on GitHub", zap.String("commit", commitSHA))
}
