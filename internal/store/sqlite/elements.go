package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/events"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

const insertElementSQL = `
	INSERT INTO elements (
		id, el_type, title, status, priority, assignee, scheduled_for,
		ephemeral, finished_at, created_at, updated_at, created_by,
		tags, metadata, data
	) VALUES (
		:id, :el_type, :title, :status, :priority, :assignee, :scheduled_for,
		:ephemeral, :finished_at, :created_at, :updated_at, :created_by,
		:tags, :metadata, :data
	)`

const updateElementSQL = `
	UPDATE elements SET
		title = :title, status = :status, priority = :priority,
		assignee = :assignee, scheduled_for = :scheduled_for,
		ephemeral = :ephemeral, finished_at = :finished_at,
		updated_at = :updated_at, tags = :tags, metadata = :metadata,
		data = :data
	WHERE id = :id`

// Create validates and inserts the record. A missing id is allocated; a
// missing createdBy defaults to the acting entity.
func (s *Store) Create(ctx context.Context, rec element.Record, actor string) error {
	if rec == nil {
		return apperrors.InvalidInput("record is nil")
	}
	want := recordType(rec)
	if want == "" {
		return apperrors.InvalidInput("unsupported record type")
	}

	base := rec.Base()
	if base.Type == "" {
		base.Type = want
	}
	if base.Type != want {
		return apperrors.Validation("type", fmt.Sprintf("record type '%s' does not match element type '%s'", want, base.Type))
	}
	if base.ID == "" {
		base.ID = element.NewID()
	}
	if err := element.ValidateID(base.ID); err != nil {
		return err
	}
	if base.CreatedBy == "" {
		base.CreatedBy = actor
	}

	if v, ok := rec.(element.Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	now := s.now()
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	if base.UpdatedAt.IsZero() {
		base.UpdatedAt = base.CreatedAt
	}
	base.NormalizeTags()

	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(t *Store) error {
		if _, err := sqlx.NamedExecContext(ctx, t.ext(true), insertElementSQL, row); err != nil {
			if isUniqueViolation(err) {
				return apperrors.AlreadyExists(row.Type, row.ID)
			}
			return db.MapError(err)
		}
		if err := t.MarkDirty(ctx, row.ID); err != nil {
			return err
		}
		return t.AppendEvent(ctx, &element.Event{
			ElementID: row.ID,
			EventType: events.ElementCreated,
			Actor:     actor,
			NewValue:  row.Data,
		})
	})
}

// Get returns the typed record for id.
func (s *Store) Get(ctx context.Context, id string) (element.Record, error) {
	var elType, data string
	err := s.ext(false).
		QueryRowxContext(ctx, `SELECT el_type, data FROM elements WHERE id = ?`, id).
		Scan(&elType, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("element", id)
	}
	if err != nil {
		return nil, db.MapError(err)
	}
	return decodeRecord(elType, data)
}

// Update applies mutate to the stored record inside a transaction. The
// record's id and type are fixed; updatedAt is bumped. A status move
// journals status-changed alongside the updated event.
func (s *Store) Update(ctx context.Context, id string, actor string, mutate func(element.Record) error) (element.Record, error) {
	var updated element.Record

	err := s.inTx(ctx, func(t *Store) error {
		var old elementRow
		err := t.ext(true).
			QueryRowxContext(ctx, `SELECT el_type, data, status, created_at FROM elements WHERE id = ?`, id).
			Scan(&old.Type, &old.Data, &old.Status, &old.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("element", id)
		}
		if err != nil {
			return db.MapError(err)
		}

		rec, err := decodeRecord(old.Type, old.Data)
		if err != nil {
			return err
		}

		if err := mutate(rec); err != nil {
			return err
		}

		base := rec.Base()
		if base.ID != id {
			return apperrors.Validation("id", "element id is immutable")
		}
		if string(base.Type) != old.Type {
			return apperrors.Validation("type", "element type is immutable")
		}
		if v, ok := rec.(element.Validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}

		base.UpdatedAt = t.now()
		base.NormalizeTags()

		row, err := encodeRecord(rec)
		if err != nil {
			return err
		}

		if _, err := sqlx.NamedExecContext(ctx, t.ext(true), updateElementSQL, row); err != nil {
			if isUniqueViolation(err) {
				return apperrors.AlreadyExists(row.Type, row.ID)
			}
			return db.MapError(err)
		}
		if err := t.MarkDirty(ctx, id); err != nil {
			return err
		}
		if err := t.AppendEvent(ctx, &element.Event{
			ElementID: id,
			EventType: events.ElementUpdated,
			Actor:     actor,
			OldValue:  old.Data,
			NewValue:  row.Data,
		}); err != nil {
			return err
		}
		if old.Status != row.Status {
			if err := t.AppendEvent(ctx, &element.Event{
				ElementID: id,
				EventType: events.StatusChanged,
				Actor:     actor,
				OldValue:  old.Status,
				NewValue:  row.Status,
			}); err != nil {
				return err
			}
		}

		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the element, every dependency touching it, and its dirty
// marker. The journal keeps the deleted snapshot.
func (s *Store) Delete(ctx context.Context, id string, actor string, reason string) error {
	return s.inTx(ctx, func(t *Store) error {
		var elType, data string
		err := t.ext(true).
			QueryRowxContext(ctx, `SELECT el_type, data FROM elements WHERE id = ?`, id).
			Scan(&elType, &data)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("element", id)
		}
		if err != nil {
			return db.MapError(err)
		}

		if _, err := t.ext(true).ExecContext(ctx,
			`DELETE FROM dependencies WHERE blocked_id = ? OR blocker_id = ?`, id, id); err != nil {
			return db.MapError(err)
		}
		if _, err := t.ext(true).ExecContext(ctx, `DELETE FROM elements WHERE id = ?`, id); err != nil {
			return db.MapError(err)
		}
		if _, err := t.ext(true).ExecContext(ctx, `DELETE FROM dirty_elements WHERE element_id = ?`, id); err != nil {
			return db.MapError(err)
		}

		return t.AppendEvent(ctx, &element.Event{
			ElementID: id,
			EventType: events.ElementDeleted,
			Actor:     actor,
			OldValue:  data,
			NewValue:  reason,
		})
	})
}

// List returns records matching the filter, ordered by creation time.
func (s *Store) List(ctx context.Context, f store.Filter) ([]element.Record, error) {
	where, args := buildFilter(f)

	query := `SELECT el_type, data FROM elements` + where
	if f.NewestFirst {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	return s.queryRecords(ctx, false, query, args...)
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, f store.Filter) (int, error) {
	where, args := buildFilter(f)

	var n int
	err := s.ext(false).
		QueryRowxContext(ctx, `SELECT COUNT(*) FROM elements`+where, args...).
		Scan(&n)
	if err != nil {
		return 0, db.MapError(err)
	}
	return n, nil
}

// terminalForBlocking are the statuses that release a blocking edge:
// closed/tombstone for tasks, completed/failed/cancelled for workflows and
// plans. Blockers in any other state keep their dependents unready.
const terminalForBlocking = `('closed', 'tombstone', 'completed', 'failed', 'cancelled')`

// ReadyCandidates returns tasks in open/in_progress whose schedule has
// arrived and which have no incoming blocking edge with a live blocker.
// A parent-child edge gates readiness only under a task parent: workflow
// and plan parents own their children without serializing them, so an
// instantiated workflow's steps are runnable while the workflow itself is
// pending. An edge whose blocker row is missing does not block. Ordered by
// priority then creation time.
func (s *Store) ReadyCandidates(ctx context.Context, now time.Time, limit int) ([]*element.Task, error) {
	query := `
		SELECT t.el_type, t.data FROM elements t
		WHERE t.el_type = 'task'
		  AND t.status IN ('open', 'in_progress')
		  AND (t.scheduled_for IS NULL OR t.scheduled_for <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN elements b ON b.id = d.blocker_id
			WHERE d.blocked_id = t.id
			  AND d.dep_type IN ('blocks', 'parent-child', 'awaits')
			  AND (d.dep_type != 'parent-child' OR b.el_type = 'task')
			  AND b.status NOT IN ` + terminalForBlocking + `
		  )
		ORDER BY t.priority ASC, t.created_at ASC, t.id ASC`

	args := []any{now.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	records, err := s.queryRecords(ctx, false, query, args...)
	if err != nil {
		return nil, err
	}

	tasks := make([]*element.Task, 0, len(records))
	for _, rec := range records {
		task, ok := rec.(*element.Task)
		if !ok {
			return nil, apperrors.DatabaseError("ready query returned a non-task element", nil)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// buildFilter renders the WHERE clause for a store.Filter. Metadata keys
// are code-owned literals, never user input, so the json path is embedded
// directly.
func buildFilter(f store.Filter) (string, []any) {
	var conds []string
	var args []any

	if f.Type != "" {
		conds = append(conds, `el_type = ?`)
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		conds = append(conds, `status IN (`+placeholders+`)`)
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.Assignee != "" {
		conds = append(conds, `assignee = ?`)
		args = append(args, f.Assignee)
	}
	if f.Ephemeral != nil {
		conds = append(conds, `ephemeral = ?`)
		args = append(args, *f.Ephemeral)
	}
	if f.FinishedBefore != nil {
		conds = append(conds, `finished_at IS NOT NULL AND finished_at <= ?`)
		args = append(args, f.FinishedBefore.UTC())
	}
	for _, tag := range f.Tags {
		conds = append(conds, `EXISTS (SELECT 1 FROM json_each(elements.tags) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}
	if len(f.Meta) > 0 {
		keys := make([]string, 0, len(f.Meta))
		for k := range f.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			conds = append(conds, `json_extract(elements.metadata, '$.`+k+`') = ?`)
			args = append(args, f.Meta[k])
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

// isUniqueViolation reports whether err is a primary-key or unique-index
// constraint failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}
