package gitops

import (
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// PushTarget is a fully resolved remote + branch pair.
type PushTarget struct {
	Remote string
	Branch string
}

// ResolvePushTarget fills the push target from the explicit configuration
// first, then from the upstream tracking ref ("remote/branch", split on the
// first slash). When neither source yields a piece, the error names exactly
// what is missing.
func ResolvePushTarget(envRemote, envBranch, upstream string) (PushTarget, error) {
	target := PushTarget{Remote: envRemote, Branch: envBranch}

	if target.Remote == "" || target.Branch == "" {
		upRemote, upBranch := splitUpstream(upstream)
		if target.Remote == "" {
			target.Remote = upRemote
		}
		if target.Branch == "" {
			target.Branch = upBranch
		}
	}

	var missing []string
	if target.Remote == "" {
		missing = append(missing, "remote")
	}
	if target.Branch == "" {
		missing = append(missing, "branch")
	}
	if len(missing) > 0 {
		return PushTarget{}, fmt.Errorf("missing push %s", strings.Join(missing, " and "))
	}
	return target, nil
}

// splitUpstream splits "origin/feature/auto" into ("origin",
// "feature/auto"). An upstream without a slash yields nothing.
func splitUpstream(upstream string) (string, string) {
	idx := strings.Index(upstream, "/")
	if idx <= 0 || idx == len(upstream)-1 {
		return "", ""
	}
	return upstream[:idx], upstream[idx+1:]
}

// Upstream reads the checked-out branch's tracking ref from the repository
// configuration as "remote/branch", or "" when none is configured.
func (p *Pipeline) Upstream() string {
	repo, err := git.PlainOpen(p.root)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	cfg, err := repo.Config()
	if err != nil {
		return ""
	}
	branch, ok := cfg.Branches[head.Name().Short()]
	if !ok || branch.Remote == "" || branch.Merge == "" {
		return ""
	}
	return branch.Remote + "/" + branch.Merge.Short()
}

// ResolveTarget resolves the push target for this pipeline from its
// configuration and the repository's upstream tracking ref.
func (p *Pipeline) ResolveTarget() (PushTarget, error) {
	return ResolvePushTarget(p.cfg.Remote, p.cfg.Branch, p.Upstream())
}
