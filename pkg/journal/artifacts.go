package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
	"github.com/fpgalab/bringup/pkg/release"
)

// LookupArtifact returns the cached download recorded for key, or nil.
func (r *Repository) LookupArtifact(ctx context.Context, key string) (*release.Artifact, error) {
	query := `SELECT s3_key, sha256, local_path, size, fetched_at FROM artifacts WHERE s3_key = ?`

	a, err := scanArtifact(r.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("journal_artifact_query_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to query artifact")
	}
	return a, nil
}

// RecordArtifact inserts or replaces the record for a.Key.
func (r *Repository) RecordArtifact(ctx context.Context, a *release.Artifact) error {
	query := `
		INSERT INTO artifacts (s3_key, sha256, local_path, size, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(s3_key) DO UPDATE SET
		    sha256 = excluded.sha256,
		    local_path = excluded.local_path,
		    size = excluded.size,
		    fetched_at = excluded.fetched_at
	`
	fetched := a.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, query, a.Key, a.SHA256, a.LocalPath, a.Size, fetched.UTC().Format(timeFormat)); err != nil {
		slog.Error("journal_artifact_record_failed", "s3_key", a.Key, "error", err)
		return errors.Wrap(err, "failed to record artifact")
	}
	slog.Debug("journal_artifact_recorded", "s3_key", a.Key, "sha256", a.SHA256)
	return nil
}

// ListArtifacts returns every cached download, most recent first.
func (r *Repository) ListArtifacts(ctx context.Context) ([]*release.Artifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s3_key, sha256, local_path, size, fetched_at FROM artifacts ORDER BY fetched_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var out []*release.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "rows error")
}

// DeleteArtifact forgets the record for key. The cached file is left alone.
func (r *Repository) DeleteArtifact(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE s3_key = ?`, key); err != nil {
		slog.Error("journal_artifact_delete_failed", "s3_key", key, "error", err)
		return errors.Wrap(err, "failed to delete artifact")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*release.Artifact, error) {
	var a release.Artifact
	var fetched string
	if err := row.Scan(&a.Key, &a.SHA256, &a.LocalPath, &a.Size, &fetched); err != nil {
		return nil, err
	}
	if t, err := time.Parse(timeFormat, fetched); err == nil {
		a.FetchedAt = t
	}
	return &a, nil
}
