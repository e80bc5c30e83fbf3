package task

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/events/bus"
	"github.com/stoneforge-ai/stoneforge/internal/graph"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// claimedFromTeamKey records, on a claimed task, the team it was claimed
// out of.
const claimedFromTeamKey = "claimedFromTeam"

// AddTaskToPlan attaches taskID to planID with a parent-child edge. The
// plan must not be cancelled. Adding a task that is already a member is a
// no-op.
func (s *Service) AddTaskToPlan(ctx context.Context, taskID, planID, actor string) error {
	err := s.store.InTx(ctx, func(tx store.Store) error {
		plan, err := store.GetPlan(ctx, tx, planID)
		if err != nil {
			return err
		}
		if plan.Status == element.PlanCancelled {
			return apperrors.Validation("planId", "plan '"+planID+"' is cancelled")
		}
		if _, err := store.GetTask(ctx, tx, taskID); err != nil {
			return err
		}

		_, err = s.graph.AddInTx(ctx, tx, graph.AddRequest{
			BlockedID: taskID,
			BlockerID: planID,
			Type:      element.DepParentChild,
			CreatedBy: actor,
		})
		if apperrors.IsCode(err, apperrors.CodeDuplicateDependency) {
			return nil
		}
		if err != nil {
			return err
		}

		return tx.AppendEvent(ctx, &element.Event{
			ElementID: planID,
			EventType: events.PlanTaskAdded,
			Actor:     actor,
			NewValue:  taskID,
		})
	})
	if err != nil {
		return err
	}

	// Membership change can start or complete the plan.
	return s.RecomputePlan(ctx, planID, actor)
}

// RemoveTaskFromPlan detaches taskID from planID. Removing a task that is
// not a member is a no-op.
func (s *Service) RemoveTaskFromPlan(ctx context.Context, taskID, planID, actor string) error {
	err := s.store.InTx(ctx, func(tx store.Store) error {
		if _, err := store.GetPlan(ctx, tx, planID); err != nil {
			return err
		}

		err := s.graph.RemoveInTx(ctx, tx, taskID, planID, element.DepParentChild, actor)
		if apperrors.IsCode(err, apperrors.CodeDependencyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		return tx.AppendEvent(ctx, &element.Event{
			ElementID: planID,
			EventType: events.PlanTaskRemoved,
			Actor:     actor,
			OldValue:  taskID,
		})
	})
	if err != nil {
		return err
	}

	return s.RecomputePlan(ctx, planID, actor)
}

// ClaimTaskFromTeam moves a team-assigned task to one of the team's
// members. The claim is a compare-and-swap inside one immediate
// transaction: of two racing members, exactly one wins and the other gets
// ALREADY_ASSIGNED. Claiming a task already held by the claimant is a
// no-op.
func (s *Service) ClaimTaskFromTeam(ctx context.Context, taskID, claimantID, actor string) (*element.Task, error) {
	var claimed *element.Task
	err := s.store.InTx(ctx, func(tx store.Store) error {
		task, err := store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Assignee == claimantID {
			claimed = task
			return nil
		}
		if task.Assignee == "" {
			return apperrors.Validation("assignee", "task '"+taskID+"' is not assigned to a team; use reassign")
		}

		holder, err := tx.Get(ctx, task.Assignee)
		if err != nil {
			return err
		}
		team, ok := holder.(*element.Team)
		if !ok {
			return apperrors.AlreadyAssigned(taskID, task.Assignee)
		}
		if !team.HasMember(claimantID) {
			return apperrors.WrongAgent(taskID, claimantID)
		}
		teamID := team.ID

		rec, err := tx.Update(ctx, taskID, actor, func(r element.Record) error {
			t := r.(*element.Task)
			t.Assignee = claimantID
			t.SetMeta(claimedFromTeamKey, teamID)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = rec.(*element.Task)

		return tx.AppendEvent(ctx, &element.Event{
			ElementID: taskID,
			EventType: events.Claimed,
			Actor:     actor,
			OldValue:  teamID,
			NewValue:  claimantID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.publishClaim(ctx, claimed)
	return claimed, nil
}

// Reassign sets the task's assignee directly, without membership checks.
// Reassigning to the current assignee is a no-op. A stale claimedFromTeam
// marker is dropped; it describes only the current claim.
func (s *Service) Reassign(ctx context.Context, taskID, newAssignee, actor string) (*element.Task, error) {
	var updated *element.Task
	err := s.store.InTx(ctx, func(tx store.Store) error {
		task, err := store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Assignee == newAssignee {
			updated = task
			return nil
		}
		oldAssignee := task.Assignee

		rec, err := tx.Update(ctx, taskID, actor, func(r element.Record) error {
			t := r.(*element.Task)
			t.Assignee = newAssignee
			delete(t.Metadata, claimedFromTeamKey)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec.(*element.Task)

		return tx.AppendEvent(ctx, &element.Event{
			ElementID: taskID,
			EventType: events.Assigned,
			Actor:     actor,
			OldValue:  oldAssignee,
			NewValue:  newAssignee,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateStatus moves the task to status, journaling status-changed and
// propagating auto-status to owning workflows and plans. Setting the
// current status again is a no-op. Tombstone is final.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, status element.TaskStatus, actor string) (*element.Task, error) {
	var updated *element.Task
	var changed bool
	err := s.store.InTx(ctx, func(tx store.Store) error {
		task, err := store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == status {
			updated = task
			return nil
		}
		if task.Status == element.TaskTombstone {
			return apperrors.Validation("status", "task '"+taskID+"' is tombstoned")
		}

		rec, err := tx.Update(ctx, taskID, actor, func(r element.Record) error {
			r.(*element.Task).Status = status
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec.(*element.Task)
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publishStatusChange(ctx, updated)
		if err := s.RecomputeParents(ctx, taskID, actor); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (s *Service) publishClaim(ctx context.Context, task *element.Task) {
	if s.bus == nil || task == nil {
		return
	}
	teamID, _ := task.MetaString(claimedFromTeamKey)
	event := bus.NewEvent(events.SubjectTaskClaimed, "task", map[string]interface{}{
		"taskId":   task.ID,
		"assignee": task.Assignee,
		"teamId":   teamID,
	})
	if err := s.bus.Publish(ctx, events.SubjectTaskClaimed, event); err != nil {
		s.log.Warn("Failed to publish claim", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (s *Service) publishStatusChange(ctx context.Context, task *element.Task) {
	if s.bus == nil || task == nil {
		return
	}
	event := bus.NewEvent(events.SubjectTaskStatusChanged, "task", map[string]interface{}{
		"taskId": task.ID,
		"status": string(task.Status),
	})
	if err := s.bus.Publish(ctx, events.SubjectTaskStatusChanged, event); err != nil {
		s.log.Warn("Failed to publish status change", zap.String("task_id", task.ID), zap.Error(err))
	}
}
