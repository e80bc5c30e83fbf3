package daemon

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/tracing"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store"
	"github.com/stoneforge-ai/stoneforge/internal/task"
	"github.com/stoneforge-ai/stoneforge/internal/worktree"
)

const reasonMaxDuration = "session-exceeded-max-duration"

// reapStale stops running sessions older than maxSessionDuration. The
// stopped sessions join the terminated queue and are drained later in the
// same tick.
func (d *Daemon) reapStale(ctx context.Context) {
	if d.cfg.MaxSessionDuration <= 0 {
		return
	}
	running, err := d.sessions.Sessions(ctx, session.ListFilter{Status: session.StatusRunning})
	if err != nil {
		d.log.Warn("Failed to list running sessions", zap.Error(err))
		return
	}
	cutoff := d.now().Add(-d.cfg.MaxSessionDuration)
	for _, s := range running {
		if s.StartedAt == nil || s.StartedAt.After(cutoff) {
			continue
		}
		if err := d.sessions.Stop(ctx, s.ID, session.StopOptions{Graceful: true, Reason: reasonMaxDuration}); err != nil {
			d.log.Warn("Failed to reap stale session",
				zap.String("sessionId", s.ID), zap.Error(err))
			continue
		}
		d.log.Info("Reaped stale session",
			zap.String("sessionId", s.ID),
			zap.String("agentId", s.AgentID),
			zap.Duration("maxDuration", d.cfg.MaxSessionDuration))
	}
}

// worker pairs an idle agent entity with its decoded agent block.
type worker struct {
	entity *element.Entity
	meta   *element.AgentMeta
}

// dispatch matches ready tasks to available workers, one session per worker
// per tick. Ready-query failures surface; per-task failures are logged and
// the task is skipped until the next tick.
func (d *Daemon) dispatch(ctx context.Context) error {
	ready, err := d.tasks.ReadyTasks(ctx, task.ReadyFilter{Now: d.now()})
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	pool, err := d.availableWorkers(ctx)
	if err != nil {
		return err
	}

	for _, t := range ready {
		if len(pool) == 0 {
			break
		}
		idx := d.matchWorker(ctx, t, pool)
		if idx < 0 {
			continue
		}
		w := pool[idx]
		if err := d.dispatchOne(ctx, t, w); err != nil {
			d.log.Warn("Dispatch failed",
				zap.String("taskId", t.ID),
				zap.String("agentId", w.entity.ID),
				zap.Error(err))
			continue
		}
		// One session per agent: the worker is no longer idle.
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return nil
}

// availableWorkers returns active worker agents that are idle and outside
// any rate-limit window, least-recently-dispatched first.
func (d *Daemon) availableWorkers(ctx context.Context) ([]*worker, error) {
	recs, err := d.store.List(ctx, store.Filter{Type: element.TypeEntity})
	if err != nil {
		return nil, err
	}

	now := d.now()
	var pool []*worker
	for _, rec := range recs {
		ent, ok := rec.(*element.Entity)
		if !ok || !element.IsAgent(ent, element.RoleWorker) || !ent.Active() {
			continue
		}
		meta, _ := element.AgentMetaOf(ent)
		if meta.RateLimited(now) {
			continue
		}
		if _, err := d.sessions.ActiveSession(ctx, ent.ID); err == nil {
			continue
		} else if !apperrors.IsNotFound(err) {
			d.log.Warn("Failed to check active session",
				zap.String("agentId", ent.ID), zap.Error(err))
			continue
		}
		pool = append(pool, &worker{entity: ent, meta: meta})
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i].meta.LastDispatchedAt, pool[j].meta.LastDispatchedAt
		switch {
		case a == nil && b == nil:
			return pool[i].entity.ID < pool[j].entity.ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return pool[i].entity.ID < pool[j].entity.ID
		}
	})
	return pool, nil
}

// matchWorker picks the pool index for a task, or -1. Unassigned tasks take
// the least-recently-dispatched worker with capacity; team tasks take the
// first pool member of the team; entity tasks require that entity to be in
// the pool.
func (d *Daemon) matchWorker(ctx context.Context, t *element.Task, pool []*worker) int {
	if t.Assignee == "" {
		for i, w := range pool {
			if d.hasCapacity(ctx, w) {
				return i
			}
		}
		return -1
	}

	holder, err := d.store.Get(ctx, t.Assignee)
	if err != nil {
		d.log.Warn("Failed to resolve assignee",
			zap.String("taskId", t.ID), zap.String("assignee", t.Assignee), zap.Error(err))
		return -1
	}
	switch h := holder.(type) {
	case *element.Team:
		for i, w := range pool {
			if h.HasMember(w.entity.ID) && d.hasCapacity(ctx, w) {
				return i
			}
		}
	case *element.Entity:
		for i, w := range pool {
			if w.entity.ID == h.ID {
				if d.hasCapacity(ctx, w) {
					return i
				}
				return -1
			}
		}
	}
	return -1
}

// hasCapacity checks the worker's in-progress load against its
// maxConcurrentTasks.
func (d *Daemon) hasCapacity(ctx context.Context, w *worker) bool {
	n, err := d.store.Count(ctx, store.Filter{
		Type:     element.TypeTask,
		Statuses: []string{string(element.TaskInProgress)},
		Assignee: w.entity.ID,
	})
	if err != nil {
		d.log.Warn("Failed to count in-progress tasks",
			zap.String("agentId", w.entity.ID), zap.Error(err))
		return false
	}
	return n < w.meta.TaskCapacity()
}

// dispatchOne runs one match end to end: worktree, claim, session, record.
// A spawn failure after the claim compensates by reopening the task and
// removing the worktree.
func (d *Daemon) dispatchOne(ctx context.Context, t *element.Task, w *worker) (err error) {
	ctx, span := tracing.TraceDispatch(ctx, t.ID, w.entity.ID)
	defer func() {
		tracing.TraceDispatchResult(span, err)
		span.End()
	}()

	wt, err := d.worktrees.Create(ctx, t.ID, "", true)
	if err != nil {
		return err
	}

	previous := t.Assignee
	claimed, err := d.tasks.DispatchToWorker(ctx, t.ID, w.entity.ID, d.cfg.Actor)
	if err != nil {
		if rmErr := d.worktrees.Remove(ctx, wt.Path, true); rmErr != nil {
			d.log.Warn("Failed to remove worktree after claim failure",
				zap.String("path", wt.Path), zap.Error(rmErr))
		}
		return err
	}

	sess, err := d.startOrResume(ctx, w.entity.ID, wt.Path, t.ID, d.taskPrompt(ctx, claimed))
	if err != nil {
		d.compensate(ctx, t.ID, previous, wt.Path)
		return err
	}

	d.recordDispatch(ctx, claimed, w.entity.ID, sess, wt)
	return nil
}

// compensate undoes a committed claim after the session failed to spawn.
func (d *Daemon) compensate(ctx context.Context, taskID, previousAssignee, worktreePath string) {
	if err := d.tasks.RevertDispatch(ctx, taskID, previousAssignee, d.cfg.Actor); err != nil {
		d.log.Error("Failed to revert dispatch",
			zap.String("taskId", taskID), zap.Error(err))
	}
	if err := d.worktrees.Remove(ctx, worktreePath, true); err != nil {
		d.log.Warn("Failed to remove worktree after spawn failure",
			zap.String("path", worktreePath), zap.Error(err))
	}
}

// startOrResume prefers resuming the agent's newest resumable session when
// that session is not bound to a live task, falling back to a cold start.
func (d *Daemon) startOrResume(ctx context.Context, agentID, dir, taskID, prompt string) (*session.Session, error) {
	if prev := d.resumable(ctx, agentID); prev != nil {
		sess, _, err := d.sessions.Resume(ctx, agentID, session.ResumeOptions{
			ProviderSessionID: prev.ProviderSessionID,
			WorkingDirectory:  dir,
			Worktree:          dir,
			TaskID:            taskID,
			InitialPrompt:     prompt,
		})
		if err == nil {
			return sess, nil
		}
		d.log.Warn("Resume failed, starting fresh",
			zap.String("agentId", agentID),
			zap.String("providerSessionId", prev.ProviderSessionID),
			zap.Error(err))
	}

	sess, _, err := d.sessions.Start(ctx, agentID, session.StartOptions{
		WorkingDirectory: dir,
		Worktree:         dir,
		TaskID:           taskID,
		InitialPrompt:    prompt,
	})
	return sess, err
}

// resumable returns the agent's newest resumable session, provided it does
// not carry a task that is still live.
func (d *Daemon) resumable(ctx context.Context, agentID string) *session.Session {
	prev, err := d.sessions.MostRecentResumable(ctx, agentID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			d.log.Warn("Failed to look up resumable session",
				zap.String("agentId", agentID), zap.Error(err))
		}
		return nil
	}
	if prev.TaskID == "" {
		return prev
	}
	t, err := store.GetTask(ctx, d.store, prev.TaskID)
	if err != nil {
		return nil
	}
	if t.Status.IsTerminal() {
		return prev
	}
	return nil
}

// taskPrompt composes the initial prompt: the task line plus its
// description document, when one exists.
func (d *Daemon) taskPrompt(ctx context.Context, t *element.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on task %s: %s", t.ID, t.Title)
	if t.DescriptionRef != "" {
		doc, err := store.GetDocument(ctx, d.store, t.DescriptionRef)
		if err != nil {
			d.log.Warn("Failed to load task description",
				zap.String("taskId", t.ID),
				zap.String("documentId", t.DescriptionRef),
				zap.Error(err))
		} else if doc.Content != "" {
			b.WriteString("\n\n")
			b.WriteString(doc.Content)
		}
	}
	return b.String()
}

// recordDispatch journals task-dispatched, stamps the worker's
// lastDispatchedAt, and mirrors the event on the bus.
func (d *Daemon) recordDispatch(ctx context.Context, t *element.Task, agentID string, sess *session.Session, wt *worktree.Worktree) {
	if err := d.store.AppendEvent(ctx, &element.Event{
		ElementID: t.ID,
		EventType: events.TaskDispatched,
		Actor:     d.cfg.Actor,
		NewValue:  sess.ID,
	}); err != nil {
		d.log.Warn("Failed to journal dispatch",
			zap.String("taskId", t.ID), zap.Error(err))
	}

	now := d.now()
	if _, err := d.store.Update(ctx, agentID, d.cfg.Actor, func(r element.Record) error {
		ent := r.(*element.Entity)
		meta, ok := element.AgentMetaOf(ent)
		if !ok {
			meta = &element.AgentMeta{}
		}
		meta.LastDispatchedAt = &now
		return element.SetAgentMeta(ent, meta)
	}); err != nil {
		d.log.Warn("Failed to stamp lastDispatchedAt",
			zap.String("agentId", agentID), zap.Error(err))
	}

	d.publish(ctx, events.SubjectTaskDispatched, map[string]interface{}{
		"taskId":    t.ID,
		"agentId":   agentID,
		"sessionId": sess.ID,
		"worktree":  wt.Path,
	})
	d.count(&d.stats.Dispatched, 1)

	d.log.Info("Dispatched task",
		zap.String("taskId", t.ID),
		zap.String("agentId", agentID),
		zap.String("sessionId", sess.ID),
		zap.String("worktree", wt.Path))
}
