// Package worktree manages per-task git worktrees under a workspace root.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
)

// ErrGitCommand is returned when a git invocation fails; the wrapped
// message carries the command output.
var ErrGitCommand = errors.New("git command failed")

// Worktree is one git worktree registered under the workspace root.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// Manager runs git worktree operations for a single workspace root. Git
// commands serialize on the manager's mutex. Ownership (at most one
// worktree per dispatched session) is enforced by the daemon, not here.
type Manager struct {
	cfg  Config
	root string // absolute workspace root
	log  *logger.Logger
	mu   sync.Mutex
}

// NewManager creates a worktree manager for cfg.Root.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg.Root = root
	return &Manager{
		cfg:  cfg,
		root: root,
		log:  log.WithFields(zap.String("component", "worktree")),
	}, nil
}

// PathFor returns the directory a worktree for taskID would occupy.
func (m *Manager) PathFor(taskID string) string {
	return m.cfg.PathFor(taskID)
}

// InitWorkspace ensures the worktrees directory exists. Idempotent.
func (m *Manager) InitWorkspace(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.WorktreesDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	return nil
}

// Create adds a worktree for taskID on a fresh branch off baseRef. An
// empty baseRef uses the configured default. When force is set an
// existing directory at the target path is removed first; otherwise the
// call fails with ALREADY_EXISTS.
func (m *Manager) Create(ctx context.Context, taskID, baseRef string, force bool) (*Worktree, error) {
	if taskID == "" {
		return nil, apperrors.MissingRequiredField("taskId")
	}
	if baseRef == "" {
		baseRef = m.cfg.BaseRef
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isGitRepo() {
		return nil, apperrors.Validation("root", fmt.Sprintf("'%s' is not a git repository", m.root))
	}
	if !m.refExists(ctx, baseRef) {
		return nil, apperrors.Validation("baseRef", fmt.Sprintf("ref '%s' does not resolve", baseRef))
	}

	path := m.cfg.PathFor(taskID)
	if _, err := os.Stat(path); err == nil {
		if !force {
			return nil, apperrors.AlreadyExists("worktree", path)
		}
		if err := m.removeDir(ctx, path); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(m.cfg.WorktreesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	branch := m.cfg.BranchFor(taskID, uuid.NewString()[:8])
	out, err := m.git(ctx, "worktree", "add", "-b", branch, path, baseRef)
	if err != nil {
		m.log.Error("git worktree add failed",
			zap.String("task_id", taskID),
			zap.String("output", out))
		return nil, fmt.Errorf("%w: %s", ErrGitCommand, strings.TrimSpace(out))
	}

	wt := &Worktree{Path: path, Branch: branch}
	if head, err := m.git(ctx, "rev-parse", baseRef); err == nil {
		wt.Head = strings.TrimSpace(head)
	}

	m.log.Info("created worktree",
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base_ref", baseRef))
	return wt, nil
}

// List returns the worktrees registered under the workspace's worktrees
// directory, parsed from git's porcelain listing.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGitCommand, strings.TrimSpace(out))
	}

	prefix := m.cfg.WorktreesDir() + string(filepath.Separator)
	var result []*Worktree
	for _, wt := range parsePorcelain(out) {
		if strings.HasPrefix(wt.Path, prefix) {
			result = append(result, wt)
		}
	}
	return result, nil
}

// Remove detaches a worktree from git and deletes its directory. The
// worktree's branch is deleted best-effort. Only paths under the
// worktrees directory are accepted.
func (m *Manager) Remove(ctx context.Context, path string, force bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve worktree path: %w", err)
	}
	if !strings.HasPrefix(abs, m.cfg.WorktreesDir()+string(filepath.Separator)) {
		return apperrors.Validation("path", fmt.Sprintf("'%s' is not under the worktrees directory", path))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Resolve the branch before the directory goes away.
	branch := m.branchAt(ctx, abs)

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, abs)
	if out, err := m.git(ctx, args...); err != nil {
		m.log.Debug("git worktree remove failed, falling back to rm",
			zap.String("path", abs),
			zap.String("output", strings.TrimSpace(out)))
		if err := m.removeDir(ctx, abs); err != nil {
			return err
		}
	}

	if branch != "" && strings.HasPrefix(branch, m.cfg.BranchPrefix) {
		if out, err := m.git(ctx, "branch", "-D", branch); err != nil {
			m.log.Warn("failed to delete worktree branch",
				zap.String("branch", branch),
				zap.String("output", strings.TrimSpace(out)))
		}
	}

	m.log.Info("removed worktree",
		zap.String("path", abs),
		zap.String("branch", branch),
		zap.Bool("force", force))
	return nil
}

// IsValid reports whether path looks like a usable worktree: the
// directory exists and its .git file points back into the repository.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// git runs a git command in the workspace root and returns its combined
// output.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.root
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// isGitRepo checks the workspace root holds a git repository. The .git
// entry may be a directory or, for nested worktrees, a file.
func (m *Manager) isGitRepo() bool {
	info, err := os.Stat(filepath.Join(m.root, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// refExists checks that a ref resolves to a commit.
func (m *Manager) refExists(ctx context.Context, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = m.root
	return cmd.Run() == nil
}

// branchAt returns the branch checked out at a worktree path, or "" when
// it cannot be determined.
func (m *Manager) branchAt(ctx context.Context, path string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" { // detached
		return ""
	}
	return branch
}

// removeDir deletes a worktree directory directly and prunes git's
// records of it.
func (m *Manager) removeDir(ctx context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove worktree directory: %w", err)
	}
	if out, err := m.git(ctx, "worktree", "prune"); err != nil {
		m.log.Debug("git worktree prune failed", zap.String("output", strings.TrimSpace(out)))
	}
	return nil
}

// parsePorcelain parses `git worktree list --porcelain` output. Entries
// are blank-line separated blocks of "worktree <path>", "HEAD <sha>" and
// "branch <ref>" lines.
func parsePorcelain(out string) []*Worktree {
	var result []*Worktree
	var cur *Worktree
	flush := func() {
		if cur != nil && cur.Path != "" {
			result = append(result, cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// header line without a worktree entry; skip
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return result
}
