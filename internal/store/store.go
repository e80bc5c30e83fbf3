// Package store defines the persistence contract consumed by the graph,
// task, workflow, and daemon services. internal/store/sqlite implements it.
package store

import (
	"context"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/element"
)

// Filter narrows List and Count queries. Zero-valued fields are ignored.
type Filter struct {
	Type           element.Type
	Statuses       []string
	Tags           []string          // element must carry every listed tag
	Meta           map[string]string // dotted keys address nested metadata
	Assignee       string
	Ephemeral      *bool
	FinishedBefore *time.Time
	NewestFirst    bool // order by createdAt desc instead of asc
	Limit          int
	Offset         int
}

// DirtyElement marks an element mutated since the last export drain.
type DirtyElement struct {
	ElementID string
	MarkedAt  time.Time
}

// Stats summarizes store contents.
type Stats struct {
	ElementCount    int
	CountsByType    map[element.Type]int
	DependencyCount int
	EventCount      int
	DirtyCount      int
}

// ElementStore is CRUD over typed element records. Every mutation marks the
// element dirty and appends a journal event in the same transaction.
type ElementStore interface {
	// Create validates and inserts the record, allocating an id when the
	// record carries none. Fails ALREADY_EXISTS on a duplicate id.
	Create(ctx context.Context, rec element.Record, actor string) error

	// Get returns the typed record for id, or NOT_FOUND.
	Get(ctx context.Context, id string) (element.Record, error)

	// Update applies mutate to the current record inside a transaction,
	// bumps updatedAt, and returns the merged record. A status change
	// additionally journals status-changed.
	Update(ctx context.Context, id string, actor string, mutate func(element.Record) error) (element.Record, error)

	// Delete removes the element and every dependency touching it. The
	// journal entry survives the row.
	Delete(ctx context.Context, id string, actor string, reason string) error

	List(ctx context.Context, f Filter) ([]element.Record, error)
	Count(ctx context.Context, f Filter) (int, error)

	// ReadyCandidates returns tasks passing the storage-visible readiness
	// rules (status open/in_progress, no live blocking edge, schedule
	// reached), ordered by priority then age. Assignee resolution is the
	// caller's job.
	ReadyCandidates(ctx context.Context, now time.Time, limit int) ([]*element.Task, error)
}

// DependencyStore is raw edge storage. Cycle policy and relates-to
// canonicalization live in internal/graph; this layer only enforces the
// composite key.
type DependencyStore interface {
	// AddDependency inserts the edge, failing DUPLICATE_DEPENDENCY when the
	// (blocked, blocker, type) key is taken.
	AddDependency(ctx context.Context, dep *element.Dependency) error

	// RemoveDependency deletes the edge, failing DEPENDENCY_NOT_FOUND when
	// it is absent.
	RemoveDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error

	// Dependencies returns edges where id is the blocked side, optionally
	// restricted to the given types.
	Dependencies(ctx context.Context, blockedID string, types ...element.DependencyType) ([]*element.Dependency, error)

	// Dependents returns edges where id is the blocker side.
	Dependents(ctx context.Context, blockerID string, types ...element.DependencyType) ([]*element.Dependency, error)

	// DependenciesTouching returns every edge with id on either side.
	DependenciesTouching(ctx context.Context, id string) ([]*element.Dependency, error)
}

// EventJournal is the append-only audit trail.
type EventJournal interface {
	AppendEvent(ctx context.Context, ev *element.Event) error

	// ElementEvents returns events for an element, newest first, up to
	// limit (0 = no limit).
	ElementEvents(ctx context.Context, elementID string, limit int) ([]*element.Event, error)
}

// DirtyTracker records elements mutated since the last export drain.
type DirtyTracker interface {
	MarkDirty(ctx context.Context, ids ...string) error
	DirtyElements(ctx context.Context) ([]DirtyElement, error)
	ClearDirty(ctx context.Context) error
	ClearDirtyIDs(ctx context.Context, ids ...string) error
}

// Counters allocates hierarchical child ids.
type Counters interface {
	// NextChildNumber atomically increments and returns the child counter
	// for parentID. Allocations are strictly increasing and gap-free.
	NextChildNumber(ctx context.Context, parentID string) (int64, error)

	// AllocateChildID returns "{parentID}.{n}" for the next n, failing
	// NOT_FOUND when the parent element does not exist.
	AllocateChildID(ctx context.Context, parentID string) (string, error)
}

// Store is the full persistence contract.
type Store interface {
	ElementStore
	DependencyStore
	EventJournal
	DirtyTracker
	Counters

	// InTx runs fn against a transaction-scoped store and commits when fn
	// returns nil. Nested calls reuse the outer transaction. The scoped
	// store is only valid inside fn.
	InTx(ctx context.Context, fn func(Store) error) error

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
