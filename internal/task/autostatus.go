package task

import (
	"context"
	"fmt"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/store"

	"go.uber.org/zap"
)

// WorkflowTransition is one derived workflow status move.
type WorkflowTransition struct {
	To     element.WorkflowStatus
	Reason string // populated for auto-fail
}

// ComputeWorkflowStatus derives the next workflow status from its child
// tasks, or nil when no transition applies. At most one transition is
// returned per evaluation; precedence is fail, then start, then complete.
// A workflow with no children never auto-completes.
func ComputeWorkflowStatus(w *element.Workflow, children []*element.Task) *WorkflowTransition {
	var tombstoned *element.Task
	inProgress := false
	allClosed := len(children) > 0
	for _, t := range children {
		switch t.Status {
		case element.TaskTombstone:
			if tombstoned == nil {
				tombstoned = t
			}
		case element.TaskInProgress:
			inProgress = true
		}
		if t.Status != element.TaskClosed {
			allClosed = false
		}
	}

	active := w.Status == element.WorkflowPending || w.Status == element.WorkflowRunning
	if tombstoned != nil && active {
		return &WorkflowTransition{
			To:     element.WorkflowFailed,
			Reason: fmt.Sprintf("child task %s is tombstoned", tombstoned.ID),
		}
	}
	if w.Status == element.WorkflowPending && inProgress {
		return &WorkflowTransition{To: element.WorkflowRunning}
	}
	if w.Status == element.WorkflowRunning && allClosed {
		return &WorkflowTransition{To: element.WorkflowCompleted}
	}
	return nil
}

// PlanTransition is one derived plan status move.
type PlanTransition struct {
	To     element.PlanStatus
	Reason string
}

// ComputePlanStatus is the plan analog of ComputeWorkflowStatus over
// {draft, active, completed, cancelled}. Plans have no failed state, so a
// tombstoned child cancels the plan with a reason.
func ComputePlanStatus(p *element.Plan, children []*element.Task) *PlanTransition {
	var tombstoned *element.Task
	inProgress := false
	allClosed := len(children) > 0
	for _, t := range children {
		switch t.Status {
		case element.TaskTombstone:
			if tombstoned == nil {
				tombstoned = t
			}
		case element.TaskInProgress:
			inProgress = true
		}
		if t.Status != element.TaskClosed {
			allClosed = false
		}
	}

	active := p.Status == element.PlanDraft || p.Status == element.PlanActive
	if tombstoned != nil && active {
		return &PlanTransition{
			To:     element.PlanCancelled,
			Reason: fmt.Sprintf("child task %s is tombstoned", tombstoned.ID),
		}
	}
	if p.Status == element.PlanDraft && inProgress {
		return &PlanTransition{To: element.PlanActive}
	}
	if p.Status == element.PlanActive && allClosed {
		return &PlanTransition{To: element.PlanCompleted}
	}
	return nil
}

// RecomputeParents re-evaluates every workflow and plan that owns taskID
// through a parent-child edge. Invoked after any mutation that can change
// the child set or a child's status.
func (s *Service) RecomputeParents(ctx context.Context, taskID, actor string) error {
	parents, err := s.store.Dependencies(ctx, taskID, element.DepParentChild)
	if err != nil {
		return err
	}
	for _, dep := range parents {
		rec, err := s.store.Get(ctx, dep.BlockerID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		switch rec.(type) {
		case *element.Workflow:
			if err := s.RecomputeWorkflow(ctx, dep.BlockerID, actor); err != nil {
				return err
			}
		case *element.Plan:
			if err := s.RecomputePlan(ctx, dep.BlockerID, actor); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecomputeWorkflow applies at most one auto-status transition to the
// workflow, stamping startedAt/finishedAt/failureReason as appropriate.
func (s *Service) RecomputeWorkflow(ctx context.Context, id, actor string) error {
	var changed *element.Workflow
	err := s.store.InTx(ctx, func(tx store.Store) error {
		wf, err := store.GetWorkflow(ctx, tx, id)
		if err != nil {
			return err
		}
		children, err := childTasks(ctx, tx, id)
		if err != nil {
			return err
		}
		tr := ComputeWorkflowStatus(wf, children)
		if tr == nil {
			return nil
		}

		now := s.now()
		rec, err := tx.Update(ctx, id, actor, func(r element.Record) error {
			w := r.(*element.Workflow)
			w.Status = tr.To
			switch tr.To {
			case element.WorkflowRunning:
				if w.StartedAt == nil {
					w.StartedAt = &now
				}
			case element.WorkflowCompleted, element.WorkflowFailed:
				if w.FinishedAt == nil {
					w.FinishedAt = &now
				}
				if tr.To == element.WorkflowFailed {
					w.FailureReason = tr.Reason
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		changed = rec.(*element.Workflow)
		return nil
	})
	if err != nil {
		return err
	}

	if changed != nil {
		s.publishWorkflowStatus(ctx, changed)
	}
	return nil
}

// RecomputePlan applies at most one auto-status transition to the plan. An
// auto-cancel records its reason in metadata.
func (s *Service) RecomputePlan(ctx context.Context, id, actor string) error {
	return s.store.InTx(ctx, func(tx store.Store) error {
		plan, err := store.GetPlan(ctx, tx, id)
		if err != nil {
			return err
		}
		children, err := childTasks(ctx, tx, id)
		if err != nil {
			return err
		}
		tr := ComputePlanStatus(plan, children)
		if tr == nil {
			return nil
		}

		_, err = tx.Update(ctx, id, actor, func(r element.Record) error {
			p := r.(*element.Plan)
			p.Status = tr.To
			if tr.Reason != "" {
				p.SetMeta("cancelReason", tr.Reason)
			}
			return nil
		})
		return err
	})
}

// childTasks returns the task children of parentID. Non-task children
// (documents attached through parent-child edges) do not participate in
// auto-status.
func childTasks(ctx context.Context, st store.Store, parentID string) ([]*element.Task, error) {
	deps, err := st.Dependents(ctx, parentID, element.DepParentChild)
	if err != nil {
		return nil, err
	}
	var tasks []*element.Task
	for _, dep := range deps {
		rec, err := st.Get(ctx, dep.BlockedID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t, ok := rec.(*element.Task); ok {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (s *Service) publishWorkflowStatus(ctx context.Context, w *element.Workflow) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"workflowId": w.ID,
		"status":     string(w.Status),
	}
	if w.FailureReason != "" {
		data["failureReason"] = w.FailureReason
	}
	event := bus.NewEvent(events.SubjectWorkflowStatus, "task", data)
	if err := s.bus.Publish(ctx, events.SubjectWorkflowStatus, event); err != nil {
		s.log.Warn("Failed to publish workflow status", zap.String("workflow_id", w.ID), zap.Error(err))
	}
}
