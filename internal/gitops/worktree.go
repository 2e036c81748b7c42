// Package gitops is the consumed contract for git worktree management and
// pull-request creation. Worktree operations shell out to git directly;
// PR creation goes through the forge's API client in pr.go.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo describes a created or resumed worktree.
type WorktreeInfo struct {
	Path    string
	Branch  string
	Resumed bool
}

// PrepareResult reports the outcome of readying a worktree for work.
type PrepareResult struct {
	Pulled                bool
	SubmodulesInitialized bool
	Errors                []string
}

// StatusInfo is the last-commit/dirty-state summary for a worktree.
type StatusInfo struct {
	LastCommit string
	HasChanges bool
}

// RemoveOpts controls worktree teardown.
type RemoveOpts struct {
	Force bool
}

// Manager is the narrow git worktree contract the pipeline depends on.
type Manager struct {
	baseRepo string
}

// NewManager returns a Manager operating against the repo at baseRepo.
func NewManager(baseRepo string) *Manager {
	return &Manager{baseRepo: baseRepo}
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("gitops: git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

// CreateWorktree creates (or resumes, if the path already exists) a
// worktree checked out on branch, based off base.
func (m *Manager) CreateWorktree(ctx context.Context, base, branch, path string) (WorktreeInfo, error) {
	if _, err := m.git(ctx, "", "worktree", "list", "--porcelain"); err == nil {
		if out, statErr := m.git(ctx, path, "rev-parse", "--is-inside-work-tree"); statErr == nil && strings.TrimSpace(out) == "true" {
			return WorktreeInfo{Path: path, Branch: branch, Resumed: true}, nil
		}
	}

	if _, err := m.git(ctx, m.baseRepo, "worktree", "add", "-b", branch, path, base); err != nil {
		return WorktreeInfo{}, err
	}
	return WorktreeInfo{Path: path, Branch: branch, Resumed: false}, nil
}

// PrepareWorkspace pulls latest and initializes submodules, best-effort
// per sub-step: a submodule failure does not abort the pull, and vice
// versa — both errors are collected and returned for the caller to log.
func (m *Manager) PrepareWorkspace(ctx context.Context, path string) PrepareResult {
	var result PrepareResult

	if _, err := m.git(ctx, path, "pull", "--ff-only"); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.Pulled = true
	}

	if _, err := m.git(ctx, path, "submodule", "update", "--init", "--recursive"); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.SubmodulesInitialized = true
	}

	return result
}

// GetWorktreeStatus reports the last commit hash and whether the
// worktree has uncommitted changes.
func (m *Manager) GetWorktreeStatus(ctx context.Context, path string) (StatusInfo, error) {
	commit, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return StatusInfo{}, err
	}
	status, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{
		LastCommit: strings.TrimSpace(commit),
		HasChanges: strings.TrimSpace(status) != "",
	}, nil
}

// ListWorktrees returns every worktree registered against the base repo.
func (m *Manager) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := m.git(ctx, m.baseRepo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []WorktreeInfo {
	var infos []WorktreeInfo
	var cur WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				infos = append(infos, cur)
			}
			cur = WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if cur.Path != "" {
		infos = append(infos, cur)
	}
	return infos
}

// RemoveWorktree tears down a worktree directory.
func (m *Manager) RemoveWorktree(ctx context.Context, path string, opts RemoveOpts) error {
	args := []string{"worktree", "remove", path}
	if opts.Force {
		args = append(args, "--force")
	}
	_, err := m.git(ctx, m.baseRepo, args...)
	return err
}

// HasCommits reports whether path has any commits beyond base, used to
// gate best-effort PR creation after a successful audit.
func (m *Manager) HasCommits(ctx context.Context, path, base string) (bool, error) {
	out, err := m.git(ctx, path, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "0", nil
}
