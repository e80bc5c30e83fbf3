package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// GCOptions bound one garbage-collection pass.
type GCOptions struct {
	// MaxAge is how long a finished ephemeral workflow is kept.
	MaxAge time.Duration
	// DryRun reports what would be deleted without touching rows.
	DryRun bool
	// Limit caps the number of workflows reclaimed per pass. 0 = no cap.
	Limit int
	// Actor attributed in journal entries. Defaults to "el-system".
	Actor string
}

// GCResult lists what a pass deleted, or would delete under DryRun.
type GCResult struct {
	DeletedWorkflowIDs  []string
	DeletedTaskIDs      []string
	DeletedDocumentIDs  []string
	DeletedDependencies int
	DryRun              bool
}

// GarbageCollect reclaims ephemeral workflows that finished at least MaxAge
// ago, along with their child tasks, owned documents, and every dependency
// touching any of them. Each workflow goes in its own transaction; a
// failing workflow is logged and skipped so one bad run cannot wedge the
// pass. Dry-run performs the same selection without deleting, so calling
// it twice returns the same ids.
func (s *Service) GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	actor := opts.Actor
	if actor == "" {
		actor = "el-system"
	}
	ephemeral := true
	cutoff := s.now().Add(-opts.MaxAge)
	candidates, err := s.store.List(ctx, store.Filter{
		Type: element.TypeWorkflow,
		Statuses: []string{
			string(element.WorkflowCompleted),
			string(element.WorkflowFailed),
			string(element.WorkflowCancelled),
		},
		Ephemeral:      &ephemeral,
		FinishedBefore: &cutoff,
		Limit:          opts.Limit,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list workflow GC candidates")
	}

	res := &GCResult{DryRun: opts.DryRun}
	for _, rec := range candidates {
		wf, ok := rec.(*element.Workflow)
		if !ok {
			continue
		}
		taskIDs, docIDs, depCount, err := s.collectRun(ctx, wf.ID)
		if err != nil {
			s.log.Warn("Failed to gather workflow for GC", zap.String("workflow_id", wf.ID), zap.Error(err))
			continue
		}
		if !opts.DryRun {
			if err := s.deleteRun(ctx, wf.ID, taskIDs, docIDs, actor); err != nil {
				s.log.Warn("Failed to GC workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
				continue
			}
		}
		res.DeletedWorkflowIDs = append(res.DeletedWorkflowIDs, wf.ID)
		res.DeletedTaskIDs = append(res.DeletedTaskIDs, taskIDs...)
		res.DeletedDocumentIDs = append(res.DeletedDocumentIDs, docIDs...)
		res.DeletedDependencies += depCount
	}

	if !opts.DryRun && len(res.DeletedWorkflowIDs) > 0 {
		s.publish(ctx, events.SubjectGCCompleted, map[string]interface{}{
			"deletedWorkflows":    len(res.DeletedWorkflowIDs),
			"deletedTasks":        len(res.DeletedTaskIDs),
			"deletedDependencies": res.DeletedDependencies,
		})
		s.log.Info("Workflow GC completed",
			zap.Int("workflows", len(res.DeletedWorkflowIDs)),
			zap.Int("tasks", len(res.DeletedTaskIDs)),
			zap.Int("documents", len(res.DeletedDocumentIDs)),
			zap.Int("dependencies", res.DeletedDependencies))
	}
	return res, nil
}

// collectRun gathers the child elements of one workflow and counts the
// distinct dependencies touching the workflow or any child. Children whose
// rows are already gone are skipped.
func (s *Service) collectRun(ctx context.Context, workflowID string) (taskIDs, docIDs []string, depCount int, err error) {
	children, err := s.store.Dependents(ctx, workflowID, element.DepParentChild)
	if err != nil {
		return nil, nil, 0, err
	}

	seen := make(map[string]bool)
	count := func(deps []*element.Dependency) {
		for _, d := range deps {
			key := d.BlockedID + "|" + d.BlockerID + "|" + string(d.Type)
			if !seen[key] {
				seen[key] = true
				depCount++
			}
		}
	}

	deps, err := s.store.DependenciesTouching(ctx, workflowID)
	if err != nil {
		return nil, nil, 0, err
	}
	count(deps)

	for _, child := range children {
		rec, err := s.store.Get(ctx, child.BlockedID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, nil, 0, err
		}
		switch rec.(type) {
		case *element.Task:
			taskIDs = append(taskIDs, child.BlockedID)
		case *element.Document:
			docIDs = append(docIDs, child.BlockedID)
		default:
			taskIDs = append(taskIDs, child.BlockedID)
		}
		deps, err := s.store.DependenciesTouching(ctx, child.BlockedID)
		if err != nil {
			return nil, nil, 0, err
		}
		count(deps)
	}
	return taskIDs, docIDs, depCount, nil
}

// deleteRun removes one workflow and its children in a single transaction.
// Element deletes cascade to every dependency row touching them.
func (s *Service) deleteRun(ctx context.Context, workflowID string, taskIDs, docIDs []string, actor string) error {
	return s.store.InTx(ctx, func(tx store.Store) error {
		for _, id := range taskIDs {
			if err := tx.Delete(ctx, id, actor, "gc"); err != nil && !apperrors.IsNotFound(err) {
				return err
			}
		}
		for _, id := range docIDs {
			if err := tx.Delete(ctx, id, actor, "gc"); err != nil && !apperrors.IsNotFound(err) {
				return err
			}
		}
		if err := tx.Delete(ctx, workflowID, actor, "gc"); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &element.Event{
			ElementID: workflowID,
			EventType: events.GCDeleted,
			Actor:     actor,
			NewValue:  fmt.Sprintf("%d children", len(taskIDs)+len(docIDs)),
		})
	})
}
