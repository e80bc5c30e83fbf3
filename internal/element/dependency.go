package element

import "time"

// DependencyType classifies an edge between two elements.
type DependencyType string

const (
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepAwaits      DependencyType = "awaits"
	DepRelatesTo   DependencyType = "relates-to"
)

// BlockingTypes are the edge types that gate readiness and participate in
// cycle detection. relates-to is informational only.
var BlockingTypes = []DependencyType{DepBlocks, DepParentChild, DepAwaits}

// ValidDependencyType reports whether t is a known edge type.
func ValidDependencyType(t DependencyType) bool {
	switch t {
	case DepBlocks, DepParentChild, DepAwaits, DepRelatesTo:
		return true
	}
	return false
}

// Blocking reports whether the edge type gates readiness.
func (t DependencyType) Blocking() bool {
	return t == DepBlocks || t == DepParentChild || t == DepAwaits
}

// Dependency is a directed edge: BlockedID waits for BlockerID. For
// parent-child edges the parent is the blocker and the child the blocked.
type Dependency struct {
	BlockedID string         `json:"blockedId"`
	BlockerID string         `json:"blockerId"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	CreatedBy string         `json:"createdBy,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Canonicalize normalizes relates-to edges so the smaller id is stored as
// BlockedID. relates-to is logically bidirectional; one row represents both
// directions.
func (d *Dependency) Canonicalize() {
	if d.Type == DepRelatesTo && d.BlockerID < d.BlockedID {
		d.BlockedID, d.BlockerID = d.BlockerID, d.BlockedID
	}
}
