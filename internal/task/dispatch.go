package task

import (
	"context"
	"fmt"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// dispatchAttemptsKey counts abnormal session exits on a task, persisted in
// metadata so the retry budget survives daemon restarts.
const dispatchAttemptsKey = "dispatchAttempts"

// DispatchToWorker hands taskID to workerID for execution in one immediate
// transaction: team-assigned tasks are claimed (membership enforced),
// unassigned tasks are assigned, and the status moves to in_progress, so a
// partially dispatched task is never observable. A task already assigned to
// another entity fails with ALREADY_ASSIGNED.
func (s *Service) DispatchToWorker(ctx context.Context, taskID, workerID, actor string) (*element.Task, error) {
	var updated *element.Task
	err := s.store.InTx(ctx, func(tx store.Store) error {
		task, err := store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != element.TaskOpen && task.Status != element.TaskInProgress {
			return apperrors.Validation("status", fmt.Sprintf("task '%s' is not dispatchable from status '%s'", taskID, task.Status))
		}

		previous := task.Assignee
		claimedFrom := ""
		switch {
		case previous == "", previous == workerID:
		default:
			holder, err := tx.Get(ctx, previous)
			if err != nil {
				return err
			}
			team, ok := holder.(*element.Team)
			if !ok {
				return apperrors.AlreadyAssigned(taskID, previous)
			}
			if !team.HasMember(workerID) {
				return apperrors.WrongAgent(taskID, workerID)
			}
			claimedFrom = team.ID
		}

		rec, err := tx.Update(ctx, taskID, actor, func(r element.Record) error {
			t := r.(*element.Task)
			t.Assignee = workerID
			if claimedFrom != "" {
				t.SetMeta(claimedFromTeamKey, claimedFrom)
			}
			t.Status = element.TaskInProgress
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec.(*element.Task)

		switch {
		case claimedFrom != "":
			return tx.AppendEvent(ctx, &element.Event{
				ElementID: taskID,
				EventType: events.Claimed,
				Actor:     actor,
				OldValue:  claimedFrom,
				NewValue:  workerID,
			})
		case previous == "":
			return tx.AppendEvent(ctx, &element.Event{
				ElementID: taskID,
				EventType: events.Assigned,
				Actor:     actor,
				NewValue:  workerID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatusChange(ctx, updated)
	if err := s.RecomputeParents(ctx, taskID, actor); err != nil {
		return nil, err
	}
	return updated, nil
}

// RevertDispatch compensates a dispatch whose session never launched:
// assignee back to what it was, status back to open. The dispatch-attempts
// counter is left alone; a failed spawn is an infrastructure problem, not a
// task failure.
func (s *Service) RevertDispatch(ctx context.Context, taskID, previousAssignee, actor string) error {
	err := s.store.InTx(ctx, func(tx store.Store) error {
		task, err := store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		reverted := task.Assignee

		_, err = tx.Update(ctx, taskID, actor, func(r element.Record) error {
			t := r.(*element.Task)
			t.Assignee = previousAssignee
			delete(t.Metadata, claimedFromTeamKey)
			t.Status = element.TaskOpen
			return nil
		})
		if err != nil {
			return err
		}

		return tx.AppendEvent(ctx, &element.Event{
			ElementID: taskID,
			EventType: events.Assigned,
			Actor:     actor,
			OldValue:  reverted,
			NewValue:  previousAssignee,
		})
	})
	if err != nil {
		return err
	}
	return s.RecomputeParents(ctx, taskID, actor)
}

// RecordDispatchFailure handles an abnormal session exit: the task returns
// to open for another attempt until retryLimit abnormal exits have been
// seen, then it is tombstoned. Tasks already in a terminal status are left
// alone.
func (s *Service) RecordDispatchFailure(ctx context.Context, taskID string, retryLimit int, actor string) (*element.Task, error) {
	var updated *element.Task
	err := s.store.InTx(ctx, func(tx store.Store) error {
		task, err := store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			updated = task
			return nil
		}

		attempts := dispatchAttempts(task) + 1
		to := element.TaskOpen
		if attempts > retryLimit {
			to = element.TaskTombstone
		}

		rec, err := tx.Update(ctx, taskID, actor, func(r element.Record) error {
			t := r.(*element.Task)
			t.SetMeta(dispatchAttemptsKey, attempts)
			t.Status = to
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec.(*element.Task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatusChange(ctx, updated)
	if err := s.RecomputeParents(ctx, taskID, actor); err != nil {
		return nil, err
	}
	return updated, nil
}

// dispatchAttempts reads the abnormal-exit counter. Metadata numbers come
// back from storage as float64.
func dispatchAttempts(t *element.Task) int {
	switch v := t.Metadata[dispatchAttemptsKey].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
