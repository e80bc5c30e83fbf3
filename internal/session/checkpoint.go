package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/db"
)

// checkpoints persists session state to the session_checkpoints table so a
// restarted daemon can reconcile live processes and find resumable
// conversations. Rows are written on transitions, not per event.
type checkpoints struct {
	pool *db.Pool
}

const upsertCheckpointSQL = `
	INSERT OR REPLACE INTO session_checkpoints (
		id, provider_session_id, agent_id, agent_role, task_id, mode,
		status, working_directory, worktree, pid, created_at, started_at,
		last_activity_at, ended_at, termination_reason
	) VALUES (
		:id, :provider_session_id, :agent_id, :agent_role, :task_id, :mode,
		:status, :working_directory, :worktree, :pid, :created_at, :started_at,
		:last_activity_at, :ended_at, :termination_reason
	)`

const selectCheckpointSQL = `
	SELECT id, provider_session_id, agent_id, agent_role, task_id, mode,
		status, working_directory, worktree, pid, created_at, started_at,
		last_activity_at, ended_at, termination_reason
	FROM session_checkpoints`

type checkpointRow struct {
	ID                string       `db:"id"`
	ProviderSessionID string       `db:"provider_session_id"`
	AgentID           string       `db:"agent_id"`
	AgentRole         string       `db:"agent_role"`
	TaskID            string       `db:"task_id"`
	Mode              string       `db:"mode"`
	Status            string       `db:"status"`
	WorkingDirectory  string       `db:"working_directory"`
	Worktree          string       `db:"worktree"`
	PID               int          `db:"pid"`
	CreatedAt         time.Time    `db:"created_at"`
	StartedAt         sql.NullTime `db:"started_at"`
	LastActivityAt    time.Time    `db:"last_activity_at"`
	EndedAt           sql.NullTime `db:"ended_at"`
	TerminationReason string       `db:"termination_reason"`
}

func encodeCheckpoint(s *Session) *checkpointRow {
	row := &checkpointRow{
		ID:                s.ID,
		ProviderSessionID: s.ProviderSessionID,
		AgentID:           s.AgentID,
		AgentRole:         s.AgentRole,
		TaskID:            s.TaskID,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		WorkingDirectory:  s.WorkingDirectory,
		Worktree:          s.Worktree,
		PID:               s.PID,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		TerminationReason: s.TerminationReason,
	}
	if s.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *s.StartedAt, Valid: true}
	}
	if s.EndedAt != nil {
		row.EndedAt = sql.NullTime{Time: *s.EndedAt, Valid: true}
	}
	return row
}

func (r *checkpointRow) decode() *Session {
	s := &Session{
		ID:                r.ID,
		ProviderSessionID: r.ProviderSessionID,
		AgentID:           r.AgentID,
		AgentRole:         r.AgentRole,
		TaskID:            r.TaskID,
		Mode:              Mode(r.Mode),
		Status:            Status(r.Status),
		WorkingDirectory:  r.WorkingDirectory,
		Worktree:          r.Worktree,
		PID:               r.PID,
		CreatedAt:         r.CreatedAt,
		LastActivityAt:    r.LastActivityAt,
		TerminationReason: r.TerminationReason,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		s.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		s.EndedAt = &t
	}
	return s
}

// save upserts the full row.
func (c *checkpoints) save(ctx context.Context, s *Session) error {
	if _, err := sqlx.NamedExecContext(ctx, c.pool.Writer(), upsertCheckpointSQL, encodeCheckpoint(s)); err != nil {
		return db.MapError(err)
	}
	return nil
}

// get returns the checkpointed session by local id.
func (c *checkpoints) get(ctx context.Context, id string) (*Session, error) {
	var row checkpointRow
	err := c.pool.Reader().GetContext(ctx, &row, selectCheckpointSQL+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.SessionNotFound(id)
	}
	if err != nil {
		return nil, db.MapError(err)
	}
	return row.decode(), nil
}

// list returns checkpoints newest-first, narrowed by the filter.
func (c *checkpoints) list(ctx context.Context, f ListFilter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Role != "" {
		where = append(where, "agent_role = ?")
		args = append(args, f.Role)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := selectCheckpointSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var rows []checkpointRow
	if err := c.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, db.MapError(err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].decode())
	}
	return out, nil
}

// active returns the agent's starting or running session, if any.
func (c *checkpoints) active(ctx context.Context, agentID string) (*Session, error) {
	var row checkpointRow
	err := c.pool.Reader().GetContext(ctx, &row,
		selectCheckpointSQL+` WHERE agent_id = ? AND status IN (?, ?) ORDER BY created_at DESC LIMIT 1`,
		agentID, string(StatusStarting), string(StatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("active session", agentID)
	}
	if err != nil {
		return nil, db.MapError(err)
	}
	return row.decode(), nil
}

// mostRecentResumable returns the agent's latest non-terminated session
// that still carries a provider session id.
func (c *checkpoints) mostRecentResumable(ctx context.Context, agentID string) (*Session, error) {
	var row checkpointRow
	err := c.pool.Reader().GetContext(ctx, &row,
		selectCheckpointSQL+` WHERE agent_id = ? AND status != ? AND provider_session_id != ''
			ORDER BY created_at DESC LIMIT 1`,
		agentID, string(StatusTerminated))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("resumable session", agentID)
	}
	if err != nil {
		return nil, db.MapError(err)
	}
	return row.decode(), nil
}

// live returns every checkpoint still marked starting or running, the input
// to startup reconciliation.
func (c *checkpoints) live(ctx context.Context) ([]*Session, error) {
	var rows []checkpointRow
	err := c.pool.Reader().SelectContext(ctx, &rows,
		selectCheckpointSQL+` WHERE status IN (?, ?) ORDER BY created_at`,
		string(StatusStarting), string(StatusRunning))
	if err != nil {
		return nil, db.MapError(err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].decode())
	}
	return out, nil
}
