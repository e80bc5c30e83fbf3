// Package graph is the dependency-graph service: edge mutation with cycle
// prevention, plus traversal queries used by readiness and auto-status.
package graph

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// DefaultMaxDepth bounds the cycle search. A chain deeper than this is
// accepted without a verdict; real graphs stay far below it.
const DefaultMaxDepth = 100

// Service mutates and queries the dependency graph.
type Service struct {
	store    store.Store
	bus      bus.EventBus
	log      *logger.Logger
	maxDepth int
}

// NewService creates a graph service over the given store and bus.
func NewService(st store.Store, eb bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		bus:      eb,
		log:      log.WithFields(zap.String("component", "graph")),
		maxDepth: DefaultMaxDepth,
	}
}

// AddRequest describes an edge to insert.
type AddRequest struct {
	BlockedID string
	BlockerID string
	Type      element.DependencyType
	CreatedBy string
	Metadata  map[string]any
}

// Add inserts a dependency edge. relates-to edges are canonicalized so the
// smaller id is the blocked side; blocking edges are checked for cycles
// before insert. The insert and its journal entry commit atomically.
func (s *Service) Add(ctx context.Context, req AddRequest) (*element.Dependency, error) {
	var dep *element.Dependency
	err := s.store.InTx(ctx, func(tx store.Store) error {
		var err error
		dep, err = s.AddInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.SubjectDependencyAdded, dep)
	return dep, nil
}

// AddInTx is Add inside an enclosing transaction, for callers composing
// multi-row writes (plan membership, workflow instantiation). No bus
// publication; the caller announces its own aggregate event after commit.
func (s *Service) AddInTx(ctx context.Context, tx store.Store, req AddRequest) (*element.Dependency, error) {
	if req.BlockedID == "" || req.BlockerID == "" {
		return nil, apperrors.MissingRequiredField("blockedId/blockerId")
	}
	if !element.ValidDependencyType(req.Type) {
		return nil, apperrors.Validation("type", "unknown dependency type '"+string(req.Type)+"'")
	}
	if req.BlockedID == req.BlockerID {
		return nil, apperrors.InvalidInput("an element cannot depend on itself")
	}

	dep := &element.Dependency{
		BlockedID: req.BlockedID,
		BlockerID: req.BlockerID,
		Type:      req.Type,
		CreatedBy: req.CreatedBy,
		Metadata:  req.Metadata,
	}
	dep.Canonicalize()

	if dep.Type.Blocking() {
		// Inside the immediate transaction the check and the insert are
		// serialized against concurrent writers.
		cycle, err := s.findCycle(ctx, tx, dep.BlockedID, dep.BlockerID)
		if err != nil {
			return nil, err
		}
		if cycle.DepthLimitReached {
			s.log.Warn("Cycle check hit depth limit, accepting edge",
				zap.String("blocked_id", dep.BlockedID),
				zap.String("blocker_id", dep.BlockerID),
				zap.Int("max_depth", s.maxDepth))
		}
		if len(cycle.Path) > 0 {
			return nil, apperrors.CycleDetected(cycle.Path)
		}
	}
	if err := tx.AddDependency(ctx, dep); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(dep)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to encode dependency", err)
	}
	if err := tx.AppendEvent(ctx, &element.Event{
		ElementID: dep.BlockedID,
		EventType: events.DependencyAdded,
		Actor:     req.CreatedBy,
		NewValue:  string(payload),
	}); err != nil {
		return nil, err
	}
	return dep, nil
}

// Remove deletes a dependency edge, journaling the removal. relates-to
// edges may be named in either direction.
func (s *Service) Remove(ctx context.Context, blockedID, blockerID string, depType element.DependencyType, actor string) error {
	dep := &element.Dependency{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	dep.Canonicalize()

	err := s.store.InTx(ctx, func(tx store.Store) error {
		return s.RemoveInTx(ctx, tx, blockedID, blockerID, depType, actor)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, events.SubjectDependencyRemoved, dep)
	return nil
}

// RemoveInTx is Remove inside an enclosing transaction.
func (s *Service) RemoveInTx(ctx context.Context, tx store.Store, blockedID, blockerID string, depType element.DependencyType, actor string) error {
	dep := &element.Dependency{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	dep.Canonicalize()

	if err := tx.RemoveDependency(ctx, dep.BlockedID, dep.BlockerID, dep.Type); err != nil {
		return err
	}
	payload, err := json.Marshal(dep)
	if err != nil {
		return apperrors.DatabaseError("failed to encode dependency", err)
	}
	return tx.AppendEvent(ctx, &element.Event{
		ElementID: dep.BlockedID,
		EventType: events.DependencyRemoved,
		Actor:     actor,
		OldValue:  string(payload),
	})
}

// Dependencies returns edges where id waits on something.
func (s *Service) Dependencies(ctx context.Context, id string, types ...element.DependencyType) ([]*element.Dependency, error) {
	return s.store.Dependencies(ctx, id, types...)
}

// Dependents returns edges where id holds something up.
func (s *Service) Dependents(ctx context.Context, id string, types ...element.DependencyType) ([]*element.Dependency, error) {
	return s.store.Dependents(ctx, id, types...)
}

// RelatedTo returns the ids linked to id by relates-to edges, either
// direction of the canonical row.
func (s *Service) RelatedTo(ctx context.Context, id string) ([]string, error) {
	var peers []string

	blocked, err := s.store.Dependencies(ctx, id, element.DepRelatesTo)
	if err != nil {
		return nil, err
	}
	for _, dep := range blocked {
		peers = append(peers, dep.BlockerID)
	}

	blocking, err := s.store.Dependents(ctx, id, element.DepRelatesTo)
	if err != nil {
		return nil, err
	}
	for _, dep := range blocking {
		peers = append(peers, dep.BlockedID)
	}

	sort.Strings(peers)
	return peers, nil
}

// cycleResult is the outcome of a cycle search.
type cycleResult struct {
	// Path is the closed walk [blocker, ..., blocked, blocker] when adding
	// the edge would create a cycle; empty otherwise.
	Path []string
	// DepthLimitReached reports that the search stopped at maxDepth with
	// nodes still unexplored.
	DepthLimitReached bool
}

// findCycle reports whether adding (blocked waits for blocker) closes a
// loop: BFS from blocker along existing waits-for edges, looking for
// blocked. Only blocking edge types are followed.
func (s *Service) findCycle(ctx context.Context, st store.Store, blockedID, blockerID string) (*cycleResult, error) {
	type item struct {
		id    string
		depth int
	}

	result := &cycleResult{}
	parent := map[string]string{}
	visited := map[string]bool{blockerID: true}
	queue := []item{{blockerID, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= s.maxDepth {
			result.DepthLimitReached = true
			continue
		}

		deps, err := st.Dependencies(ctx, cur.id, element.BlockingTypes...)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			next := dep.BlockerID
			if next == blockedID {
				result.Path = buildCyclePath(parent, blockerID, cur.id, blockedID)
				return result, nil
			}
			if !visited[next] {
				visited[next] = true
				parent[next] = cur.id
				queue = append(queue, item{next, cur.depth + 1})
			}
		}
	}
	return result, nil
}

// buildCyclePath reconstructs [start, ..., last, target, start]: the chain
// of existing waits-for hops followed by the edge under insertion.
func buildCyclePath(parent map[string]string, start, last, target string) []string {
	var chain []string
	for node := last; ; {
		chain = append(chain, node)
		if node == start {
			break
		}
		node = parent[node]
	}
	// chain is last..start; reverse into start..last.
	path := make([]string, 0, len(chain)+2)
	for i := len(chain) - 1; i >= 0; i-- {
		path = append(path, chain[i])
	}
	path = append(path, target, start)
	return path
}

func (s *Service) publish(ctx context.Context, subject string, dep *element.Dependency) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "graph", map[string]interface{}{
		"blockedId": dep.BlockedID,
		"blockerId": dep.BlockerID,
		"type":      string(dep.Type),
	})
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.log.Warn("Failed to publish dependency event", zap.String("subject", subject), zap.Error(err))
	}
}
