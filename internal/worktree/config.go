package worktree

import (
	"path/filepath"
	"strings"
	"unicode"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

// DefaultBranchPrefix is used when no branch prefix is configured.
const DefaultBranchPrefix = "stoneforge/"

// worktreesDirName is the directory under the workspace root that holds
// all task worktrees.
const worktreesDirName = ".worktrees"

// Config holds configuration for the worktree manager.
type Config struct {
	// Root is the workspace root containing the git repository.
	Root string

	// BaseRef is the default ref new worktree branches fork from.
	BaseRef string

	// BranchPrefix is prepended to every worktree branch name.
	BranchPrefix string
}

// Validate normalizes defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Root == "" {
		return apperrors.MissingRequiredField("root")
	}
	if c.BaseRef == "" {
		c.BaseRef = "main"
	}
	c.BranchPrefix = NormalizeBranchPrefix(c.BranchPrefix)
	return ValidateBranchPrefix(c.BranchPrefix)
}

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	for _, r := range prefix {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return apperrors.Validation("branchPrefix", "prefix contains unsafe characters")
	}
	if strings.Contains(prefix, "..") || strings.Contains(prefix, "@{") {
		return apperrors.Validation("branchPrefix", "prefix contains unsafe sequences")
	}
	return nil
}

// Sanitize maps a task ID to a name safe for directories and branch
// components. Letters, digits, '.', '_' and '-' pass through; everything
// else becomes '-'. Case is preserved so el-T stays el-T.
func Sanitize(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// WorktreesDir returns the directory holding all task worktrees.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.Root, worktreesDirName)
}

// PathFor returns the worktree directory for a task.
func (c *Config) PathFor(taskID string) string {
	return filepath.Join(c.WorktreesDir(), Sanitize(taskID))
}

// BranchFor returns the branch name for a task worktree.
// Format: {prefix}{sanitized-task-id}-{suffix}.
func (c *Config) BranchFor(taskID, suffix string) string {
	return c.BranchPrefix + Sanitize(taskID) + "-" + suffix
}
