package build

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/buildsmith/buildsmith/pkg/logger"
)

// GitClient runs git operations inside a source checkout.
type GitClient interface {
	// Update stashes local changes, checks out the commit (when set) and
	// branch, then pulls with retry.
	Update(ctx context.Context, srcPath, branch, commitID string) error
	// CommitID returns the current HEAD hash.
	CommitID(ctx context.Context, srcPath string) (string, error)
	// Branches lists local branches, filtering remotes and HEAD pointers.
	Branches(ctx context.Context, srcPath string) ([]string, error)
}

// ExecGit shells out to the git binary on PATH.
type ExecGit struct{}

func (ExecGit) git(ctx context.Context, srcPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = srcPath
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

func (g ExecGit) Update(ctx context.Context, srcPath, branch, commitID string) error {
	log := logger.FromContext(ctx)

	// Stash failures are non-fatal; a clean tree has nothing to stash.
	if out, err := g.git(ctx, srcPath, "stash"); err != nil {
		log.Warn("git stash failed", "output", out)
	}
	if commitID != "" {
		if _, err := g.git(ctx, srcPath, "checkout", commitID); err != nil {
			return err
		}
	}
	if _, err := g.git(ctx, srcPath, "checkout", branch); err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if out, err := g.git(ctx, srcPath, "pull"); err != nil {
			log.Warn("git pull failed, retrying", "output", out)
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (g ExecGit) CommitID(ctx context.Context, srcPath string) (string, error) {
	return g.git(ctx, srcPath, "rev-parse", "HEAD")
}

func (g ExecGit) Branches(ctx context.Context, srcPath string) ([]string, error) {
	out, err := g.git(ctx, srcPath, "branch", "-a")
	if err != nil {
		return nil, err
	}
	return parseBranches(out), nil
}

func parseBranches(out string) []string {
	branches := make([]string, 0)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "remotes/") || strings.Contains(line, "HEAD") {
			continue
		}
		branch := strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if branch != "" {
			branches = append(branches, branch)
		}
	}
	return branches
}
