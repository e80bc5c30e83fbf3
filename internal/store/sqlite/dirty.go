package sqlite

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// MarkDirty records elements whose status may need recomputation.
// Re-marking an already dirty element refreshes its timestamp.
func (s *Store) MarkDirty(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.now().UTC()
	for _, id := range ids {
		_, err := s.ext(true).ExecContext(ctx,
			`INSERT INTO dirty_elements (element_id, marked_at) VALUES (?, ?)
			 ON CONFLICT(element_id) DO UPDATE SET marked_at = excluded.marked_at`,
			id, now)
		if err != nil {
			return db.MapError(err)
		}
	}
	return nil
}

// DirtyElements returns the marked set, oldest mark first.
func (s *Store) DirtyElements(ctx context.Context) ([]store.DirtyElement, error) {
	rows, err := s.ext(false).QueryxContext(ctx,
		`SELECT element_id, marked_at FROM dirty_elements ORDER BY marked_at ASC, element_id ASC`)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()

	var dirty []store.DirtyElement
	for rows.Next() {
		var d store.DirtyElement
		if err := rows.Scan(&d.ElementID, &d.MarkedAt); err != nil {
			return nil, db.MapError(err)
		}
		dirty = append(dirty, d)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return dirty, nil
}

// ClearDirty empties the dirty set.
func (s *Store) ClearDirty(ctx context.Context) error {
	_, err := s.ext(true).ExecContext(ctx, `DELETE FROM dirty_elements`)
	if err != nil {
		return db.MapError(err)
	}
	return nil
}

// ClearDirtyIDs removes only the given elements from the dirty set,
// leaving anything marked concurrently for the next sweep.
func (s *Store) ClearDirtyIDs(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM dirty_elements WHERE element_id IN (?)`, ids)
	if err != nil {
		return db.MapError(err)
	}
	_, err = s.ext(true).ExecContext(ctx, query, args...)
	if err != nil {
		return db.MapError(err)
	}
	return nil
}
