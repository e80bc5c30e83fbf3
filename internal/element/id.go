package element

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

// IDPrefix starts every element id.
const IDPrefix = "el-"

// idPattern matches a root slug plus optional dot-delimited child numbers.
var idPattern = regexp.MustCompile(`^el-[A-Za-z0-9][A-Za-z0-9-]*(\.[0-9]+)*$`)

// NewID generates a fresh root element id: "el-" plus a short random slug.
// IDs are stable for the life of the element.
func NewID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return IDPrefix + raw[:10]
}

// ValidateID checks the id shape, returning INVALID_ID on mismatch.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return apperrors.InvalidID(id)
	}
	return nil
}

// ChildID derives the n-th hierarchical child id of parent.
func ChildID(parentID string, n int64) string {
	return fmt.Sprintf("%s.%d", parentID, n)
}

// ParentID returns the parent of a hierarchical child id, or "" for roots.
func ParentID(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}
