package sqlite

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
)

// AppendEvent writes an audit record. Events are never updated or
// deleted with their element; the journal outlives the rows it
// describes.
func (s *Store) AppendEvent(ctx context.Context, ev *element.Event) error {
	if ev.ElementID == "" {
		return apperrors.MissingRequiredField("elementId")
	}
	if ev.EventType == "" {
		return apperrors.MissingRequiredField("eventType")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	_, err := s.ext(true).ExecContext(ctx,
		`INSERT INTO events (id, element_id, event_type, actor, old_value, new_value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ElementID, ev.EventType, ev.Actor, ev.OldValue, ev.NewValue, ev.Timestamp.UTC())
	if err != nil {
		return db.MapError(err)
	}
	return nil
}

// ElementEvents returns the journal for one element, newest first.
// Events appended in the same transaction share a timestamp, so rowid
// breaks the tie in insertion order. limit <= 0 returns everything.
func (s *Store) ElementEvents(ctx context.Context, elementID string, limit int) ([]*element.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.ext(false).QueryxContext(ctx,
		`SELECT id, element_id, event_type, actor, old_value, new_value, created_at
		 FROM events WHERE element_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		elementID, limit)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()

	var events []*element.Event
	for rows.Next() {
		ev := &element.Event{}
		if err := rows.Scan(&ev.ID, &ev.ElementID, &ev.EventType, &ev.Actor, &ev.OldValue, &ev.NewValue, &ev.Timestamp); err != nil {
			return nil, db.MapError(err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return events, nil
}
