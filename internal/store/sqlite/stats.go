package sqlite

import (
	"context"

	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Stats returns row counts for operational visibility.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	st := &store.Stats{CountsByType: map[element.Type]int{}}

	rows, err := s.ext(false).QueryxContext(ctx,
		`SELECT el_type, COUNT(*) FROM elements GROUP BY el_type`)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var elType string
		var n int
		if err := rows.Scan(&elType, &n); err != nil {
			return nil, db.MapError(err)
		}
		st.CountsByType[element.Type(elType)] = n
		st.ElementCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM dependencies`, &st.DependencyCount},
		{`SELECT COUNT(*) FROM events`, &st.EventCount},
		{`SELECT COUNT(*) FROM dirty_elements`, &st.DirtyCount},
	}
	for _, c := range counts {
		if err := s.ext(false).QueryRowxContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, db.MapError(err)
		}
	}
	return st, nil
}
