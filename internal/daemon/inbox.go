package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// deliverInboxes wakes up agents with unread inbox items: one session per
// recipient with the messages injected into the initial prompt. Items are
// marked read only after the session is up.
func (d *Daemon) deliverInboxes(ctx context.Context) {
	recs, err := d.store.List(ctx, store.Filter{
		Type:     element.TypeInboxItem,
		Statuses: []string{string(element.InboxUnread)},
	})
	if err != nil {
		d.log.Warn("Failed to list unread inbox items", zap.Error(err))
		return
	}
	if len(recs) == 0 {
		return
	}

	byRecipient := make(map[string][]*element.InboxItem)
	var recipients []string
	for _, rec := range recs {
		item, ok := rec.(*element.InboxItem)
		if !ok {
			continue
		}
		if _, seen := byRecipient[item.Recipient]; !seen {
			recipients = append(recipients, item.Recipient)
		}
		byRecipient[item.Recipient] = append(byRecipient[item.Recipient], item)
	}

	for _, agentID := range recipients {
		d.deliverInbox(ctx, agentID, byRecipient[agentID])
	}
}

func (d *Daemon) deliverInbox(ctx context.Context, agentID string, items []*element.InboxItem) {
	ent, err := store.GetEntity(ctx, d.store, agentID)
	if err != nil {
		d.log.Warn("Inbox recipient is not a deliverable entity",
			zap.String("recipient", agentID), zap.Error(err))
		return
	}
	if !ent.Active() {
		return
	}
	now := d.now()
	if meta, ok := element.AgentMetaOf(ent); ok && meta.RateLimited(now) {
		return
	}
	if _, err := d.sessions.ActiveSession(ctx, agentID); err == nil {
		return // busy; the items stay unread for the next tick
	} else if !apperrors.IsNotFound(err) {
		d.log.Warn("Failed to check recipient session",
			zap.String("agentId", agentID), zap.Error(err))
		return
	}

	prompt, deliverable := d.inboxPrompt(ctx, items)
	if len(deliverable) == 0 {
		return
	}

	sess, err := d.startOrResume(ctx, agentID, "", "", prompt)
	if err != nil {
		d.log.Warn("Failed to start inbox session",
			zap.String("agentId", agentID), zap.Error(err))
		return
	}

	for _, item := range deliverable {
		d.markRead(ctx, item.ID, now)
	}
	d.count(&d.stats.InboxDelivered, uint64(len(deliverable)))

	d.log.Info("Delivered inbox",
		zap.String("agentId", agentID),
		zap.Int("items", len(deliverable)),
		zap.String("sessionId", sess.ID))
}

// inboxPrompt renders the unread items into a prompt. Items whose message
// row is gone are undeliverable: they are marked read immediately so they
// stop blocking the inbox, and excluded from the returned set.
func (d *Daemon) inboxPrompt(ctx context.Context, items []*element.InboxItem) (string, []*element.InboxItem) {
	var lines []string
	var deliverable []*element.InboxItem
	for _, item := range items {
		msg, err := store.GetMessage(ctx, d.store, item.MessageID)
		if err != nil {
			d.log.Warn("Inbox item references a missing message",
				zap.String("itemId", item.ID),
				zap.String("messageId", item.MessageID),
				zap.Error(err))
			d.markRead(ctx, item.ID, d.now())
			continue
		}
		from := msg.Author
		if from == "" {
			from = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- from %s in %s: %s", from, msg.ChannelID, msg.Content))
		deliverable = append(deliverable, item)
	}
	if len(deliverable) == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d unread message(s):\n", len(deliverable))
	b.WriteString(strings.Join(lines, "\n"))
	return b.String(), deliverable
}

func (d *Daemon) markRead(ctx context.Context, itemID string, at time.Time) {
	if _, err := d.store.Update(ctx, itemID, d.cfg.Actor, func(r element.Record) error {
		item := r.(*element.InboxItem)
		item.Status = element.InboxRead
		item.ReadAt = &at
		return nil
	}); err != nil {
		d.log.Warn("Failed to mark inbox item read",
			zap.String("itemId", itemID), zap.Error(err))
	}
}
