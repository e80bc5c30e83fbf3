package task

import (
	"context"
	"time"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
)

// ReadyFilter narrows the ready query.
type ReadyFilter struct {
	// Limit caps the result after assignee resolution; 0 = unlimited.
	Limit int
	// Now is the schedule cutoff; zero means the current time.
	Now time.Time
}

// ReadyTasks returns dispatchable tasks ordered by (priority asc, createdAt
// asc). The store answers status, blocking, and schedule; assignee
// resolution happens here: a task assigned to a team is ready only while
// the team has at least one active member.
func (s *Service) ReadyTasks(ctx context.Context, f ReadyFilter) ([]*element.Task, error) {
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}

	candidates, err := s.store.ReadyCandidates(ctx, now, 0)
	if err != nil {
		return nil, err
	}

	// One lookup per distinct assignee per call.
	resolvable := map[string]bool{}
	ready := make([]*element.Task, 0, len(candidates))
	for _, task := range candidates {
		if task.Assignee != "" {
			ok, known := resolvable[task.Assignee]
			if !known {
				ok, err = s.assigneeResolvable(ctx, task.Assignee)
				if err != nil {
					return nil, err
				}
				resolvable[task.Assignee] = ok
			}
			if !ok {
				continue
			}
		}
		ready = append(ready, task)
		if f.Limit > 0 && len(ready) == f.Limit {
			break
		}
	}
	return ready, nil
}

// assigneeResolvable reports whether a task assigned to id can be worked:
// entities always qualify, teams need an active member, and a dangling
// assignee disqualifies the task until fixed.
func (s *Service) assigneeResolvable(ctx context.Context, id string) (bool, error) {
	rec, err := s.store.Get(ctx, id)
	if apperrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch a := rec.(type) {
	case *element.Team:
		return s.teamHasActiveMember(ctx, a)
	case *element.Entity:
		return true, nil
	default:
		return false, nil
	}
}

func (s *Service) teamHasActiveMember(ctx context.Context, team *element.Team) (bool, error) {
	for _, memberID := range team.Members {
		rec, err := s.store.Get(ctx, memberID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		if entity, ok := rec.(*element.Entity); ok && entity.Active() {
			return true, nil
		}
	}
	return false, nil
}
