// Package sqlite implements the store contract on the embedded SQLite
// database: a single immediate-mode writer connection alongside a read
// pool, with every mutation journaled in the same transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/element"
	"github.com/stoneforge-ai/stoneforge/internal/store"
)

// Store implements store.Store. The zero value is not usable; construct
// with New.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
	now  func() time.Time
	tx   *sqlx.Tx // non-nil for transaction-scoped stores
}

var _ store.Store = (*Store)(nil)

// New opens the store over an existing pool, applying pending schema
// migrations on the writer connection.
func New(ctx context.Context, pool *db.Pool, log *logger.Logger) (*Store, error) {
	if err := db.Migrate(ctx, pool.Writer(), Migrations()); err != nil {
		return nil, apperrors.Wrap(err, "failed to migrate element store")
	}
	return &Store{
		pool: pool,
		log:  log.WithFields(zap.String("component", "store")),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// InTx runs fn against a transaction-scoped store. Nested calls reuse the
// enclosing transaction, so services can compose multi-step mutations.
func (s *Store) InTx(ctx context.Context, fn func(store.Store) error) error {
	return s.inTx(ctx, func(tx *Store) error { return fn(tx) })
}

func (s *Store) inTx(ctx context.Context, fn func(*Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return db.MapError(err)
	}

	scoped := &Store{pool: s.pool, log: s.log, now: s.now, tx: tx}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("Transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return db.MapError(err)
	}
	return nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.pool.Close()
}

// ext returns the statement target: the enclosing transaction when inside
// InTx, otherwise the writer for mutations and the read pool for queries.
func (s *Store) ext(write bool) sqlx.ExtContext {
	if s.tx != nil {
		return s.tx
	}
	if write {
		return s.pool.Writer()
	}
	return s.pool.Reader()
}

// elementRow is the elements table shape. Promoted columns exist for
// filtering and ordering; data is authoritative.
type elementRow struct {
	ID           string       `db:"id"`
	Type         string       `db:"el_type"`
	Title        string       `db:"title"`
	Status       string       `db:"status"`
	Priority     int          `db:"priority"`
	Assignee     string       `db:"assignee"`
	ScheduledFor sql.NullTime `db:"scheduled_for"`
	Ephemeral    bool         `db:"ephemeral"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	CreatedBy    string       `db:"created_by"`
	Tags         string       `db:"tags"`
	Metadata     string       `db:"metadata"`
	Data         string       `db:"data"`
}

// recordType maps a concrete record to its element type.
func recordType(rec element.Record) element.Type {
	switch rec.(type) {
	case *element.Task:
		return element.TypeTask
	case *element.Workflow:
		return element.TypeWorkflow
	case *element.Plan:
		return element.TypePlan
	case *element.Entity:
		return element.TypeEntity
	case *element.Team:
		return element.TypeTeam
	case *element.Channel:
		return element.TypeChannel
	case *element.Message:
		return element.TypeMessage
	case *element.Document:
		return element.TypeDocument
	case *element.Library:
		return element.TypeLibrary
	case *element.PlaybookRef:
		return element.TypePlaybook
	case *element.InboxItem:
		return element.TypeInboxItem
	}
	return ""
}

// encodeRecord serializes a record into its row, populating the promoted
// columns from the typed fields. Times are normalized to UTC.
func encodeRecord(rec element.Record) (*elementRow, error) {
	base := rec.Base()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to encode element", err)
	}
	tags, err := json.Marshal(base.Tags)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to encode element tags", err)
	}
	meta := base.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to encode element metadata", err)
	}

	row := &elementRow{
		ID:        base.ID,
		Type:      string(base.Type),
		CreatedAt: base.CreatedAt.UTC(),
		UpdatedAt: base.UpdatedAt.UTC(),
		CreatedBy: base.CreatedBy,
		Tags:      string(tags),
		Metadata:  string(metadata),
		Data:      string(data),
	}

	switch r := rec.(type) {
	case *element.Task:
		row.Title = r.Title
		row.Status = string(r.Status)
		row.Priority = r.Priority
		row.Assignee = r.Assignee
		if r.ScheduledFor != nil {
			row.ScheduledFor = sql.NullTime{Time: r.ScheduledFor.UTC(), Valid: true}
		}
	case *element.Workflow:
		row.Title = r.Title
		row.Status = string(r.Status)
		row.Ephemeral = r.Ephemeral
		if r.FinishedAt != nil {
			row.FinishedAt = sql.NullTime{Time: r.FinishedAt.UTC(), Valid: true}
		}
	case *element.Plan:
		row.Title = r.Title
		row.Status = string(r.Status)
	case *element.Entity:
		row.Title = r.Name
	case *element.Team:
		row.Title = r.Name
	case *element.Channel:
		row.Title = r.Name
	case *element.Document:
		row.Title = r.Title
	case *element.Library:
		row.Title = r.Name
	case *element.PlaybookRef:
		row.Title = r.Name
	case *element.InboxItem:
		row.Assignee = r.Recipient
		row.Status = string(r.Status)
	}

	return row, nil
}

// decodeRecord deserializes a row's data JSON into the typed record for its
// element type.
func decodeRecord(elType, data string) (element.Record, error) {
	rec := element.New(element.Type(elType))
	if rec == nil {
		return nil, apperrors.DatabaseError("unknown element type '"+elType+"' in store", nil)
	}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, apperrors.DatabaseError("failed to decode element", err)
	}
	return rec, nil
}

// queryRecords runs a query whose first two columns are (el_type, data) and
// decodes each row.
func (s *Store) queryRecords(ctx context.Context, write bool, query string, args ...any) ([]element.Record, error) {
	rows, err := s.ext(write).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()

	var records []element.Record
	for rows.Next() {
		var elType, data string
		if err := rows.Scan(&elType, &data); err != nil {
			return nil, db.MapError(err)
		}
		rec, err := decodeRecord(elType, data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return records, nil
}
