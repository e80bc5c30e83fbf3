package sqlite

import (
	"context"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
)

// NextChildNumber atomically increments and returns the per-parent
// child counter. Numbers are never reused, even after child deletion.
func (s *Store) NextChildNumber(ctx context.Context, parentID string) (int64, error) {
	var n int64
	err := s.ext(true).QueryRowxContext(ctx,
		`INSERT INTO child_counters (parent_id, last_child) VALUES (?, 1)
		 ON CONFLICT(parent_id) DO UPDATE SET last_child = last_child + 1
		 RETURNING last_child`,
		parentID).Scan(&n)
	if err != nil {
		return 0, db.MapError(err)
	}
	return n, nil
}

// AllocateChildID reserves the next child ID under parentID, verifying
// the parent exists in the same transaction so a concurrent delete
// cannot orphan the allocation.
func (s *Store) AllocateChildID(ctx context.Context, parentID string) (string, error) {
	if err := element.ValidateID(parentID); err != nil {
		return "", err
	}
	var childID string
	err := s.inTx(ctx, func(tx *Store) error {
		var exists int
		if err := tx.ext(false).QueryRowxContext(ctx,
			`SELECT COUNT(*) FROM elements WHERE id = ?`, parentID).Scan(&exists); err != nil {
			return db.MapError(err)
		}
		if exists == 0 {
			return apperrors.NotFound("element", parentID)
		}
		n, err := tx.NextChildNumber(ctx, parentID)
		if err != nil {
			return err
		}
		childID = element.ChildID(parentID, n)
		return nil
	})
	if err != nil {
		return "", err
	}
	return childID, nil
}
