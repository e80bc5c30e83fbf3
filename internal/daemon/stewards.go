package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

const triggerCron = "cron"

// fireStewards walks steward agents and fires every cron trigger whose next
// run after its last firing is due. A steward with an active session waits
// for the next tick; the schedule is not marked fired.
func (d *Daemon) fireStewards(ctx context.Context) {
	recs, err := d.store.List(ctx, store.Filter{Type: element.TypeEntity})
	if err != nil {
		d.log.Warn("Failed to list stewards", zap.Error(err))
		return
	}

	now := d.now()
	for _, rec := range recs {
		ent, ok := rec.(*element.Entity)
		if !ok || !element.IsAgent(ent, element.RoleSteward) || !ent.Active() {
			continue
		}
		meta, _ := element.AgentMetaOf(ent)
		if meta.RateLimited(now) {
			continue
		}

		for _, trig := range meta.Triggers {
			if trig.Type != triggerCron || trig.Schedule == "" {
				continue
			}
			sched, err := cron.ParseStandard(trig.Schedule)
			if err != nil {
				d.log.Warn("Invalid steward schedule",
					zap.String("agentId", ent.ID),
					zap.String("schedule", trig.Schedule),
					zap.Error(err))
				continue
			}
			last := d.lastFired(ctx, ent.ID, trig.Schedule)
			if sched.Next(last).After(now) {
				continue
			}

			if _, err := d.sessions.ActiveSession(ctx, ent.ID); err == nil {
				break // busy; every trigger waits for the next tick
			} else if !apperrors.IsNotFound(err) {
				d.log.Warn("Failed to check steward session",
					zap.String("agentId", ent.ID), zap.Error(err))
				break
			}

			if d.fireSteward(ctx, ent, trig, now) {
				break // the new session occupies the steward's slot
			}
		}
	}
}

// lastFired returns when the trigger last fired: the in-memory mark, the
// newest steward-fired journal entry for that schedule, or the daemon's
// first tick when neither exists.
func (d *Daemon) lastFired(ctx context.Context, agentID, schedule string) time.Time {
	key := triggerKey{agentID: agentID, schedule: schedule}
	if last, ok := d.stewardLast[key]; ok {
		return last
	}

	last := d.startedAt
	evs, err := d.store.ElementEvents(ctx, agentID, 0)
	if err != nil {
		d.log.Warn("Failed to read steward events",
			zap.String("agentId", agentID), zap.Error(err))
	} else {
		for _, ev := range evs { // newest first
			if ev.EventType == events.StewardFired && ev.NewValue == schedule {
				last = ev.Timestamp
				break
			}
		}
	}
	d.stewardLast[key] = last
	return last
}

// fireSteward spawns a session for the trigger and records the firing.
// Returns true when the steward is now busy.
func (d *Daemon) fireSteward(ctx context.Context, ent *element.Entity, trig element.Trigger, now time.Time) bool {
	sess, _, err := d.sessions.Start(ctx, ent.ID, session.StartOptions{
		InitialPrompt: trig.Prompt,
	})
	if err != nil {
		d.log.Warn("Failed to start steward session",
			zap.String("agentId", ent.ID),
			zap.String("schedule", trig.Schedule),
			zap.Error(err))
		return false
	}

	if err := d.store.AppendEvent(ctx, &element.Event{
		ElementID: ent.ID,
		EventType: events.StewardFired,
		Actor:     d.cfg.Actor,
		OldValue:  sess.ID,
		NewValue:  trig.Schedule,
	}); err != nil {
		d.log.Warn("Failed to journal steward firing",
			zap.String("agentId", ent.ID), zap.Error(err))
	}
	d.stewardLast[triggerKey{agentID: ent.ID, schedule: trig.Schedule}] = now

	d.publish(ctx, events.SubjectStewardFired, map[string]interface{}{
		"agentId":   ent.ID,
		"schedule":  trig.Schedule,
		"sessionId": sess.ID,
	})
	d.count(&d.stats.StewardsFired, 1)

	d.log.Info("Fired steward",
		zap.String("agentId", ent.ID),
		zap.String("schedule", trig.Schedule),
		zap.String("sessionId", sess.ID))
	return true
}
