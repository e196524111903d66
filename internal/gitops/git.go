// Package gitops drives the git CLI for mind repositories: initial commits,
// variant worktrees, auto-commits and merges.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
)

// Identity used for commits the daemon makes on a mind's behalf.
const (
	authorName  = "mindd"
	authorEmail = "mindd@localhost"
)

// MainBranch is the branch a new mind repository starts on.
const MainBranch = "main"

// Git runs git subcommands.
type Git struct {
	bin    string
	logger zerolog.Logger
}

// New creates a Git runner. bin defaults to "git".
func New(bin string, logger zerolog.Logger) *Git {
	if bin == "" {
		bin = "git"
	}
	return &Git{bin: bin, logger: logger.With().Str("component", "git").Logger()}
}

// run executes git in dir and returns trimmed stdout. Failures carry stderr.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "user.name=" + authorName, "-c", "user.email=" + authorEmail}, args...)
	cmd := exec.CommandContext(ctx, g.bin, full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.Debug().Str("dir", dir).Strs("args", args).Msg("git")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Init creates a repository on MainBranch in dir and commits its contents.
func (g *Git) Init(ctx context.Context, dir string) error {
	if _, err := g.run(ctx, dir, "init", "--quiet"); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "symbolic-ref", "HEAD", "refs/heads/"+MainBranch); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, "commit", "--quiet", "--allow-empty", "-m", "Initial commit")
	return err
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, err := g.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HasChanges reports whether dir has uncommitted or untracked changes.
func (g *Git) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages everything and commits it. It reports false when there
// was nothing to commit.
func (g *Git) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := g.HasChanges(ctx, dir)
	if err != nil || !dirty {
		return false, err
	}
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := g.run(ctx, dir, "commit", "--quiet", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// CurrentBranch returns the checked-out branch of dir.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the commit id of HEAD in dir.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "HEAD")
}

// BranchExists reports whether a local branch exists in repo.
func (g *Git) BranchExists(ctx context.Context, repo, branch string) bool {
	_, err := g.run(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// AddWorktree creates branch from HEAD and checks it out at path.
func (g *Git) AddWorktree(ctx context.Context, repo, path, branch string) error {
	_, err := g.run(ctx, repo, "worktree", "add", "--quiet", "-b", branch, path)
	return err
}

// RemoveWorktree deletes the worktree at path, discarding local changes,
// then prunes stale worktree metadata.
func (g *Git) RemoveWorktree(ctx context.Context, repo, path string) error {
	_, err := g.run(ctx, repo, "worktree", "remove", "--force", path)
	if _, perr := g.run(ctx, repo, "worktree", "prune"); perr != nil {
		g.logger.Warn().Err(perr).Str("repo", repo).Msg("worktree prune failed")
	}
	return err
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := g.run(ctx, repo, "branch", "-D", branch)
	return err
}

// Merge merges branch into the current branch of repo with a merge commit.
// On conflict the merge is aborted, repo is left as it was and the error
// wraps merrors.ErrMergeConflict listing the conflicted files.
func (g *Git) Merge(ctx context.Context, repo, branch, message string) error {
	_, err := g.run(ctx, repo, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err == nil {
		return nil
	}
	conflicts, cerr := g.ConflictingFiles(ctx, repo)
	if cerr != nil || len(conflicts) == 0 {
		if _, aerr := g.run(ctx, repo, "merge", "--abort"); aerr != nil {
			g.logger.Debug().Err(aerr).Msg("merge abort after failed merge")
		}
		return err
	}
	if aerr := g.AbortMerge(ctx, repo); aerr != nil {
		g.logger.Error().Err(aerr).Str("repo", repo).Msg("merge abort failed, repository needs manual cleanup")
	}
	return merrors.New(merrors.ErrMergeConflict, "merge", branch,
		fmt.Sprintf("conflicts in %s; resolve manually and retry", strings.Join(conflicts, ", ")))
}

// ConflictingFiles lists unmerged paths in repo.
func (g *Git) ConflictingFiles(ctx context.Context, repo string) ([]string, error) {
	out, err := g.run(ctx, repo, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AbortMerge abandons an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context, repo string) error {
	_, err := g.run(ctx, repo, "merge", "--abort")
	return err
}
