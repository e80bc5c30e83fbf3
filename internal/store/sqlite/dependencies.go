package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
)

type dependencyRow struct {
	BlockedID string    `db:"blocked_id"`
	BlockerID string    `db:"blocker_id"`
	DepType   string    `db:"dep_type"`
	CreatedAt time.Time `db:"created_at"`
	CreatedBy string    `db:"created_by"`
	Metadata  string    `db:"metadata"`
}

func (r *dependencyRow) toDependency() (*element.Dependency, error) {
	dep := &element.Dependency{
		BlockedID: r.BlockedID,
		BlockerID: r.BlockerID,
		Type:      element.DependencyType(r.DepType),
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &dep.Metadata); err != nil {
			return nil, apperrors.DatabaseError("failed to decode dependency metadata", err)
		}
	}
	return dep, nil
}

// AddDependency inserts the edge as given. Canonicalization and cycle
// policy are the graph service's responsibility.
func (s *Store) AddDependency(ctx context.Context, dep *element.Dependency) error {
	if dep.BlockedID == "" || dep.BlockerID == "" {
		return apperrors.MissingRequiredField("blockedId/blockerId")
	}
	if !element.ValidDependencyType(dep.Type) {
		return apperrors.Validation("type", "unknown dependency type '"+string(dep.Type)+"'")
	}

	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = s.now()
	}
	meta := "{}"
	if len(dep.Metadata) > 0 {
		buf, err := json.Marshal(dep.Metadata)
		if err != nil {
			return apperrors.DatabaseError("failed to encode dependency metadata", err)
		}
		meta = string(buf)
	}

	_, err := s.ext(true).ExecContext(ctx,
		`INSERT INTO dependencies (blocked_id, blocker_id, dep_type, created_at, created_by, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dep.BlockedID, dep.BlockerID, string(dep.Type), dep.CreatedAt.UTC(), dep.CreatedBy, meta)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.DuplicateDependency(dep.BlockedID, dep.BlockerID, string(dep.Type))
		}
		return db.MapError(err)
	}
	return nil
}

// RemoveDependency deletes the edge.
func (s *Store) RemoveDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	res, err := s.ext(true).ExecContext(ctx,
		`DELETE FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND dep_type = ?`,
		blockedID, blockerID, string(depType))
	if err != nil {
		return db.MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.MapError(err)
	}
	if n == 0 {
		return apperrors.DependencyNotFound(blockedID, blockerID, string(depType))
	}
	return nil
}

// Dependencies returns edges where blockedID waits on something.
func (s *Store) Dependencies(ctx context.Context, blockedID string, types ...element.DependencyType) ([]*element.Dependency, error) {
	query := `SELECT blocked_id, blocker_id, dep_type, created_at, created_by, metadata
		FROM dependencies WHERE blocked_id = ?`
	args := []any{blockedID}
	query, args = appendTypeFilter(query, args, types)
	return s.queryDependencies(ctx, query+` ORDER BY created_at ASC, blocker_id ASC`, args...)
}

// Dependents returns edges where blockerID holds something up.
func (s *Store) Dependents(ctx context.Context, blockerID string, types ...element.DependencyType) ([]*element.Dependency, error) {
	query := `SELECT blocked_id, blocker_id, dep_type, created_at, created_by, metadata
		FROM dependencies WHERE blocker_id = ?`
	args := []any{blockerID}
	query, args = appendTypeFilter(query, args, types)
	return s.queryDependencies(ctx, query+` ORDER BY created_at ASC, blocked_id ASC`, args...)
}

// DependenciesTouching returns every edge with id on either side.
func (s *Store) DependenciesTouching(ctx context.Context, id string) ([]*element.Dependency, error) {
	return s.queryDependencies(ctx,
		`SELECT blocked_id, blocker_id, dep_type, created_at, created_by, metadata
		 FROM dependencies WHERE blocked_id = ? OR blocker_id = ?
		 ORDER BY created_at ASC, blocked_id ASC, blocker_id ASC`,
		id, id)
}

func appendTypeFilter(query string, args []any, types []element.DependencyType) (string, []any) {
	if len(types) == 0 {
		return query, args
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	query += ` AND dep_type IN (` + placeholders + `)`
	for _, t := range types {
		args = append(args, string(t))
	}
	return query, args
}

func (s *Store) queryDependencies(ctx context.Context, query string, args ...any) ([]*element.Dependency, error) {
	rows, err := s.ext(false).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()

	var deps []*element.Dependency
	for rows.Next() {
		var row dependencyRow
		if err := rows.StructScan(&row); err != nil {
			return nil, db.MapError(err)
		}
		dep, err := row.toDependency()
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return deps, nil
}
