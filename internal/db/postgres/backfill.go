package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BackfillStatus mirrors the lifecycle states in §3.
type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillJob is the full row shape exposed by GET /admin/backfill/status.
type BackfillJob struct {
	ID              string
	Collection      string
	DID             string
	Status          BackfillStatus
	TotalRepos      *int
	ProcessedRepos  *int
	TotalRecords    *int
	Error           string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// BackfillRepo persists backfill job rows.
type BackfillRepo struct {
	db *sql.DB
}

// NewBackfillRepo wraps an open database handle.
func NewBackfillRepo(db *sql.DB) *BackfillRepo { return &BackfillRepo{db: db} }

// Create inserts a pending job and returns its generated id.
func (r *BackfillRepo) Create(ctx context.Context, collection, did string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO backfill_jobs (collection, did) VALUES ($1, $2) RETURNING id::text
	`, nullableString(collection), nullableString(did)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create backfill job: %w", err)
	}
	return id, nil
}

// List returns every job ordered by creation time descending.
func (r *BackfillRepo) List(ctx context.Context) ([]BackfillJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id::text, collection, did, status, total_repos, processed_repos, total_records, error, started_at, completed_at, created_at
		FROM backfill_jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list backfill jobs: %w", err)
	}
	defer rows.Close()

	var out []BackfillJob
	for rows.Next() {
		var j BackfillJob
		var collection, did, errStr sql.NullString
		var totalRepos, processedRepos, totalRecords sql.NullInt64
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&j.ID, &collection, &did, &j.Status, &totalRepos, &processedRepos,
			&totalRecords, &errStr, &startedAt, &completedAt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backfill job row: %w", err)
		}
		j.Collection = collection.String
		j.DID = did.String
		j.Error = errStr.String
		if totalRepos.Valid {
			v := int(totalRepos.Int64)
			j.TotalRepos = &v
		}
		if processedRepos.Valid {
			v := int(processedRepos.Int64)
			j.ProcessedRepos = &v
		}
		if totalRecords.Valid {
			v := int(totalRecords.Int64)
			j.TotalRecords = &v
		}
		if startedAt.Valid {
			t := startedAt.Time
			j.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			j.CompletedAt = &t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkRunning transitions a job to running and records its repo total.
func (r *BackfillRepo) MarkRunning(ctx context.Context, id string, totalRepos int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET status = 'running', total_repos = $2, started_at = NOW() WHERE id = $1
	`, id, totalRepos)
	return err
}

// UpdateProgress records how many repos have been processed so far.
func (r *BackfillRepo) UpdateProgress(ctx context.Context, id string, processedRepos int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET processed_repos = $2 WHERE id = $1
	`, id, processedRepos)
	return err
}

// MarkCompleted transitions a job to its terminal success state.
func (r *BackfillRepo) MarkCompleted(ctx context.Context, id string, totalRecords int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET status = 'completed', total_records = $2, completed_at = NOW() WHERE id = $1
	`, id, totalRecords)
	return err
}

// MarkFailed transitions a job to its terminal failure state with an error.
func (r *BackfillRepo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET status = 'failed', error = $2, completed_at = NOW() WHERE id = $1
	`, id, errMsg)
	return err
}
