package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/session"
)

// drainTerminated settles every session that terminated since the last
// tick: journal the termination, decide the fate of the session's task, and
// reclaim the worktree.
func (d *Daemon) drainTerminated(ctx context.Context) {
	for _, term := range d.sessions.TakeTerminated() {
		d.settleTerminated(ctx, term)
		d.count(&d.stats.Drained, 1)
	}
}

func (d *Daemon) settleTerminated(ctx context.Context, term *session.Terminated) {
	sess := term.Session
	reason := sess.TerminationReason
	if reason == "" {
		reason = fmt.Sprintf("exit code %d", term.ExitCode)
	}

	// The manager already published the termination; the journal entry is
	// the daemon's job because stdout pumps never touch the element store.
	if err := d.store.AppendEvent(ctx, &element.Event{
		ElementID: sess.AgentID,
		EventType: events.SessionTerminated,
		Actor:     d.cfg.Actor,
		OldValue:  sess.ID,
		NewValue:  reason,
	}); err != nil {
		d.log.Warn("Failed to journal session termination",
			zap.String("sessionId", sess.ID), zap.Error(err))
	}

	if sess.TaskID != "" {
		d.settleTask(ctx, sess, term)
	}

	if sess.Worktree != "" {
		if err := d.worktrees.Remove(ctx, sess.Worktree, true); err != nil {
			d.log.Warn("Failed to remove worktree",
				zap.String("path", sess.Worktree),
				zap.String("sessionId", sess.ID),
				zap.Error(err))
		}
	}
}

// settleTask leaves a task the session closed alone; anything else counts
// as a failed dispatch and burns one retry, tombstoning the task once the
// budget is gone.
func (d *Daemon) settleTask(ctx context.Context, sess *session.Session, term *session.Terminated) {
	if d.taskClosedDuring(ctx, sess.TaskID, sess.CreatedAt) {
		d.log.Info("Session finished its task",
			zap.String("sessionId", sess.ID),
			zap.String("taskId", sess.TaskID))
		return
	}

	t, err := d.tasks.RecordDispatchFailure(ctx, sess.TaskID, d.cfg.RetryLimit, d.cfg.Actor)
	if err != nil {
		d.log.Warn("Failed to record dispatch failure",
			zap.String("taskId", sess.TaskID), zap.Error(err))
		return
	}
	if t.Status == element.TaskTombstone {
		d.log.Warn("Task exhausted its retry budget",
			zap.String("taskId", sess.TaskID),
			zap.Int("retryLimit", d.cfg.RetryLimit),
			zap.Bool("cleanExit", term.Clean))
		return
	}
	d.log.Info("Task reopened for retry",
		zap.String("taskId", sess.TaskID),
		zap.String("sessionId", sess.ID),
		zap.Int("exitCode", term.ExitCode))
}

// taskClosedDuring reports whether the task's event trail shows a
// transition to closed at or after since. The trail, not the current
// status, decides: a close followed by a reopen still counts as the
// session having done its job.
func (d *Daemon) taskClosedDuring(ctx context.Context, taskID string, since time.Time) bool {
	evs, err := d.store.ElementEvents(ctx, taskID, 0)
	if err != nil {
		d.log.Warn("Failed to read task events",
			zap.String("taskId", taskID), zap.Error(err))
		return false
	}
	for _, ev := range evs { // newest first
		if ev.Timestamp.Before(since) {
			return false
		}
		if ev.EventType == events.StatusChanged && ev.NewValue == string(element.TaskClosed) {
			return true
		}
	}
	return false
}
