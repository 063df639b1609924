// Package vcs adapts the step engine's per-step isolation and diff
// measurement onto a real git checkout by shelling out to the git binary,
// the same way a CI runner or worktree-based coding agent does. It never
// links against a git library; every operation is a single git subprocess
// with a bounded timeout.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotGitRepo   = errors.New("vcs: not a git repository")
	ErrDetachedHEAD = errors.New("vcs: HEAD is detached")
)

// Adapter drives one git checkout through the shadow-branch lifecycle a run
// uses to isolate a step's working-tree changes from the branch a human is
// watching: create_shadow_branch, diff, current_sha/current_branch,
// allow_publish, cleanup.
type Adapter struct {
	repoRoot string
	timeout  time.Duration
}

// New builds an Adapter rooted at the git repository containing dir.
func New(ctx context.Context, dir string, timeout time.Duration) (*Adapter, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	root, err := repoRoot(ctx, dir, timeout)
	if err != nil {
		return nil, err
	}
	return &Adapter{repoRoot: root, timeout: timeout}, nil
}

// RepoRoot returns the absolute path to the repository this adapter drives.
func (a *Adapter) RepoRoot() string { return a.repoRoot }

// CurrentSHA returns the checkout's current commit.
func (a *Adapter) CurrentSHA(ctx context.Context) (string, error) {
	out, err := a.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: current sha: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checkout's current branch, or ErrDetachedHEAD.
func (a *Adapter) CurrentBranch(ctx context.Context) (string, error) {
	out, err := a.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: current branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", ErrDetachedHEAD
	}
	return branch, nil
}

// CreateShadowBranch checks out a new branch named
// "<prefix>/<runID>-<step>-<8-char random suffix>" off the current HEAD so a step's work is isolated from the branch the run
// was invoked against, matching spec §4.6's shadow-fork isolation model.
func (a *Adapter) CreateShadowBranch(ctx context.Context, prefix, runID, stepID string) (branch string, baseSHA string, err error) {
	baseSHA, err = a.CurrentSHA(ctx)
	if err != nil {
		return "", "", err
	}
	branch = shadowBranchName(prefix, runID, stepID)
	if _, err := a.git(ctx, "checkout", "-b", branch, baseSHA); err != nil {
		return "", "", fmt.Errorf("vcs: create shadow branch %s: %w", branch, err)
	}
	return branch, baseSHA, nil
}

func shadowBranchName(prefix, runID, stepID string) string {
	if prefix == "" {
		prefix = "kernel/shadow"
	}
	suffix := randomSuffix()
	return fmt.Sprintf("%s/%s-%s-%s", prefix, runID, stepID, suffix)
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}

// Diff returns the unified diff of uncommitted working-tree changes plus any
// staged changes, relative to baseSHA. Used by the forensic DiffScanner.
func (a *Adapter) Diff(ctx context.Context, baseSHA string) (string, error) {
	out, err := a.git(ctx, "diff", baseSHA, "--")
	if err != nil {
		return "", fmt.Errorf("vcs: diff against %s: %w", baseSHA, err)
	}
	return out, nil
}

// NumstatAgainst returns the raw `git diff --numstat` output against
// baseSHA, the cheapest source of per-file insertion/deletion counts.
func (a *Adapter) NumstatAgainst(ctx context.Context, baseSHA string) (string, error) {
	out, err := a.git(ctx, "diff", "--numstat", baseSHA, "--")
	if err != nil {
		return "", fmt.Errorf("vcs: numstat against %s: %w", baseSHA, err)
	}
	return out, nil
}

// StatusPorcelain returns `git status --porcelain=v1` output, used to find
// untracked and staged files the numstat diff does not cover.
func (a *Adapter) StatusPorcelain(ctx context.Context) (string, error) {
	out, err := a.git(ctx, "status", "--porcelain=v1")
	if err != nil {
		return "", fmt.Errorf("vcs: status: %w", err)
	}
	return out, nil
}

// AllowPublish merges the shadow branch back onto target with --no-ff,
// matching spec §4.6: a shadow branch's changes only reach the run's visible
// branch once routing decides the step's work should be published.
func (a *Adapter) AllowPublish(ctx context.Context, shadowBranch, target string) error {
	if _, err := a.git(ctx, "checkout", target); err != nil {
		return fmt.Errorf("vcs: checkout publish target %s: %w", target, err)
	}
	if _, err := a.git(ctx, "merge", "--no-ff", "-m", "kernel: publish "+shadowBranch, shadowBranch); err != nil {
		abortOut, _ := a.git(context.Background(), "merge", "--abort")
		return fmt.Errorf("vcs: merge %s into %s failed, aborted (%s): %w", shadowBranch, target, strings.TrimSpace(abortOut), err)
	}
	return nil
}

// Cleanup deletes the shadow branch once its fate (published or discarded)
// has been recorded. Safe to call on an already-deleted branch.
func (a *Adapter) Cleanup(ctx context.Context, shadowBranch string) error {
	if _, err := a.git(ctx, "branch", "-D", shadowBranch); err != nil && !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("vcs: cleanup shadow branch %s: %w", shadowBranch, err)
	}
	return nil
}

// DiscardWorkingTreeChanges resets uncommitted changes, used when a step's
// work is rejected and its shadow branch is abandoned without publishing.
func (a *Adapter) DiscardWorkingTreeChanges(ctx context.Context) error {
	if _, err := a.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("vcs: discard working tree changes: %w", err)
	}
	if _, err := a.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("vcs: clean untracked files: %w", err)
	}
	return nil
}

func repoRoot(ctx context.Context, dir string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", "rev-parse", "--show-toplevel")
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", ErrNotGitRepo
	}
	return filepath.Clean(strings.TrimSpace(string(out))), nil
}

func (a *Adapter) git(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = a.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return string(out), fmt.Errorf("git %s timed out after %s", strings.Join(args, " "), a.timeout)
		}
		return string(out), fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
