package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// FailedJobRepo implements storage.FailedJobRepository using PostgreSQL.
type FailedJobRepo struct {
	db *DB
}

// NewFailedJobRepo creates a new PostgreSQL failed-job repository.
func NewFailedJobRepo(db *DB) *FailedJobRepo {
	return &FailedJobRepo{db: db}
}

type failedJobRow struct {
	ID          int64          `db:"id"`
	JobID       string         `db:"job_id"`
	JobType     string         `db:"job_type"`
	Payload     []byte         `db:"payload"`
	Error       sql.NullString `db:"error"`
	Status      string         `db:"status"`
	RetryCount  int            `db:"retry_count"`
	FailedAt    time.Time      `db:"failed_at"`
	LastRetryAt sql.NullTime   `db:"last_retry_at"`
	NextRetryAt sql.NullTime   `db:"next_retry_at"`
	WorkerID    sql.NullString `db:"worker_id"`
}

func (r *failedJobRow) toDomain() (*domain.FailedJob, error) {
	jobType, err := domain.ParseJobType(r.JobType)
	if err != nil {
		return nil, err
	}
	status, err := domain.ParseWorkerStatus(r.Status)
	if err != nil {
		return nil, err
	}
	fj := &domain.FailedJob{
		ID:         r.ID,
		JobID:      r.JobID,
		JobType:    jobType,
		Payload:    r.Payload,
		Error:      r.Error.String,
		Status:     status,
		RetryCount: r.RetryCount,
		FailedAt:   r.FailedAt,
		WorkerID:   r.WorkerID.String,
	}
	if r.LastRetryAt.Valid {
		t := r.LastRetryAt.Time
		fj.LastRetryAt = &t
	}
	if r.NextRetryAt.Valid {
		t := r.NextRetryAt.Time
		fj.NextRetryAt = &t
	}
	return fj, nil
}

const failedJobColumns = `id, job_id, job_type, payload, error, status,
	retry_count, failed_at, last_retry_at, next_retry_at, worker_id`

// Get returns the ledger entry for a job fingerprint, or nil.
func (r *FailedJobRepo) Get(ctx context.Context, jobID string) (*domain.FailedJob, error) {
	query := `SELECT ` + failedJobColumns + ` FROM failed_jobs WHERE job_id = $1`

	var row failedJobRow
	err := r.db.GetContext(ctx, &row, query, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed job %s: %w", jobID, err)
	}
	return row.toDomain()
}

// Upsert writes the full ledger entry keyed by job_id.
func (r *FailedJobRepo) Upsert(ctx context.Context, fj *domain.FailedJob) error {
	if !fj.Status.Valid() {
		return fmt.Errorf("refusing to write failed job %s with status %q", fj.JobID, fj.Status)
	}
	if !fj.JobType.Valid() {
		return fmt.Errorf("refusing to write failed job %s with type %q", fj.JobID, fj.JobType)
	}

	query := `
		INSERT INTO failed_jobs (job_id, job_type, payload, error, status,
			retry_count, failed_at, last_retry_at, next_retry_at, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			error = EXCLUDED.error,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			last_retry_at = EXCLUDED.last_retry_at,
			next_retry_at = EXCLUDED.next_retry_at,
			worker_id = EXCLUDED.worker_id
	`
	_, err := r.db.ExecContext(ctx, query,
		fj.JobID, string(fj.JobType), fj.Payload, nullStr(fj.Error), string(fj.Status),
		fj.RetryCount, fj.LastRetryAt, fj.NextRetryAt, nullStr(fj.WorkerID),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert failed job %s: %w", fj.JobID, err)
	}
	return nil
}

// Delete removes an entry after successful reprocessing.
func (r *FailedJobRepo) Delete(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete failed job %s: %w", jobID, err)
	}
	return nil
}

// Due returns retrying entries whose next_retry_at has passed.
func (r *FailedJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error) {
	query := `SELECT ` + failedJobColumns + ` FROM failed_jobs
		WHERE status = 'retrying' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2`
	return r.selectJobs(ctx, query, now, limit)
}

// Terminal returns entries stuck in the terminal error state.
func (r *FailedJobRepo) Terminal(ctx context.Context, limit int) ([]*domain.FailedJob, error) {
	query := `SELECT ` + failedJobColumns + ` FROM failed_jobs
		WHERE status = 'error' ORDER BY failed_at ASC LIMIT $1`
	return r.selectJobs(ctx, query, limit)
}

func (r *FailedJobRepo) selectJobs(ctx context.Context, query string, args ...any) ([]*domain.FailedJob, error) {
	var rows []failedJobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select failed jobs: %w", err)
	}

	jobs := make([]*domain.FailedJob, 0, len(rows))
	for i := range rows {
		fj, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, fj)
	}
	return jobs, nil
}
