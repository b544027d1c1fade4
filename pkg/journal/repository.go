// Package journal keeps a sqlite record of stage runs for the history command and
// indexes the release download cache.
package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fpgalab/bringup/pkg/engine"
	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/release"
)

// timeFormat is fixed width so stored timestamps order as text.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Repository provides journal operations. It is an engine.Observer and a
// release.Index.
type Repository struct {
	db *sql.DB

	mu   sync.Mutex
	open map[openKey]int64
}

var (
	_ engine.Observer = (*Repository)(nil)
	_ release.Index   = (*Repository)(nil)
)

// NewRepository opens, and if needed creates, the journal at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("journal_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("journal_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("journal_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("journal_ready", "db_path", dbPath)
	return &Repository{db: db, open: map[openKey]int64{}}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Start inserts a running entry and sets its ID.
func (r *Repository) Start(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO stage_events (run_id, workflow, stage, target, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		e.Run, e.Workflow, e.Stage, e.Target, e.Attempt, StatusRunning, e.StartedAt)
	if err != nil {
		slog.Error("journal_insert_failed", "run_id", e.Run, "stage", e.Stage, "error", err)
		return errors.Wrap(err, "failed to insert stage event")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	e.ID = id
	e.Status = StatusRunning
	return nil
}

// Finish records the outcome of a started entry.
func (r *Repository) Finish(ctx context.Context, id int64, status, errorMessage, finishedAt string, durationMS int64) error {
	query := `
		UPDATE stage_events
		SET status = ?, error_message = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, status, nullable(errorMessage), finishedAt, durationMS, id)
	if err != nil {
		slog.Error("journal_update_failed", "event_id", id, "error", err)
		return errors.Wrap(err, "failed to update stage event")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.InvalidState("stage event not found: id=%d", id)
	}
	return nil
}

// Filter narrows List. Zero values match everything; Limit 0 means no limit.
type Filter struct {
	Run      string
	Workflow string
	Limit    int
}

// List returns entries, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Run != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.Run)
	}
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}

	query := `
		SELECT id, run_id, workflow, stage, target, attempt, status,
		       error_message, started_at, finished_at, duration_ms
		FROM stage_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("journal_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list stage events")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var errorMessage, finishedAt sql.NullString
		var duration sql.NullInt64

		if err := rows.Scan(&e.ID, &e.Run, &e.Workflow, &e.Stage, &e.Target, &e.Attempt, &e.Status,
			&errorMessage, &e.StartedAt, &finishedAt, &duration); err != nil {
			slog.Error("journal_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}

		e.ErrorMessage = errorMessage.String
		e.FinishedAt = finishedAt.String
		e.DurationMS = duration.Int64
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		slog.Error("journal_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}
	return entries, nil
}

// Prune deletes entries that started before cutoff and returns how many went.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stage_events WHERE started_at < ?`,
		cutoff.UTC().Format(timeFormat))
	if err != nil {
		slog.Error("journal_prune_failed", "error", err)
		return 0, errors.Wrap(err, "failed to prune stage events")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("journal_pruned", "cutoff", cutoff, "deleted", n)
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
