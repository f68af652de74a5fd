package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/internal/state"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const jobColumns = `id, queue, payload, attempts, priority, created_at, execute_at,
       last_executed_at, reserved_at, failed_at, completed_at, error_message, error_trace`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresJobStore serves one queue from the firequeue_schema tables.
// The *sql.DB is shared across queues and is not closed by the store.
type PostgresJobStore struct {
	db    *sql.DB
	queue string
	now   func() time.Time
}

func NewPostgresJobStore(db *sql.DB, queue string) *PostgresJobStore {
	return &PostgresJobStore{
		db:    db,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ types.Connection         = (*PostgresJobStore)(nil)
	_ types.RecurringCanceller = (*PostgresJobStore)(nil)
	_ types.UniqueLocker       = (*PostgresJobStore)(nil)
)

func (r *PostgresJobStore) Push(ctx context.Context, job *types.Job, executeAt *time.Time, priority int) (string, error) {
	if executeAt != nil {
		at := executeAt.UTC()
		job.ExecuteAt = &at
	}
	job.Queue = r.queue
	job.Priority = priority

	if err := r.insert(ctx, r.db, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (r *PostgresJobStore) Schedule(ctx context.Context, job *types.Job, at time.Time, priority int) (string, error) {
	return r.Push(ctx, job, &at, priority)
}

func (r *PostgresJobStore) insert(ctx context.Context, q querier, job *types.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO firequeue_schema.jobs (
			id, queue, kind, payload, status, attempts, priority, created_at, execute_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = q.ExecContext(ctx, query,
		job.ID,
		r.queue,
		job.Kind(),
		payload,
		job.Status(),
		job.Attempts,
		job.Priority,
		job.CreatedAt,
		job.ExecuteAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("job %s: %w", job.ID, custom_errors.ErrDuplicateJob)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Pop reserves the next executable job in a single statement. SKIP LOCKED lets
// concurrent workers pass over rows another transaction is claiming.
func (r *PostgresJobStore) Pop(ctx context.Context) (*types.Job, error) {
	query := `
		UPDATE firequeue_schema.jobs
		SET status = $1,
		    attempts = attempts + 1,
		    reserved_at = $2,
		    last_executed_at = $2,
		    failed_at = NULL
		WHERE id = (
			SELECT id FROM firequeue_schema.jobs
			WHERE queue = $3
			  AND status IN ($4, $5)
			  AND (execute_at IS NULL OR execute_at <= $2)
			ORDER BY priority DESC, COALESCE(execute_at, created_at), seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	row := r.db.QueryRowContext(ctx, query,
		state.StatusReserved,
		r.now(),
		r.queue,
		state.StatusPending,
		state.StatusRetrying,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobStore) Complete(ctx context.Context, job *types.Job) error {
	completedAt := r.now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	query := `
		UPDATE firequeue_schema.jobs
		SET status = $2,
		    completed_at = $3,
		    reserved_at = NULL,
		    error_message = NULL,
		    error_trace = NULL
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, job.ID, state.StatusCompleted, completedAt); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

func (r *PostgresJobStore) Release(ctx context.Context, job *types.Job) error {
	query := `
		UPDATE firequeue_schema.jobs
		SET status = $2,
		    attempts = $3,
		    execute_at = $4,
		    reserved_at = NULL,
		    failed_at = NULL,
		    error_message = NULL,
		    error_trace = NULL
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, job.ID, job.Status(), job.Attempts, job.ExecuteAt); err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}
	return nil
}

func (r *PostgresJobStore) RegisterRecurringJob(ctx context.Context, job *types.Job, expression string, priority int) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	query := `
		INSERT INTO firequeue_schema.recurring_jobs (id, queue, expression, priority, job, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET expression = EXCLUDED.expression, priority = EXCLUDED.priority, job = EXCLUDED.job
	`
	id := types.RecurringID(r.queue, job.Payload.Name)
	if _, err := r.db.ExecContext(ctx, query, id, r.queue, expression, priority, data, r.now()); err != nil {
		return "", fmt.Errorf("failed to register recurring job: %w", err)
	}
	return id, nil
}

func (r *PostgresJobStore) CancelRecurringJob(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM firequeue_schema.recurring_jobs WHERE id = $1 AND queue = $2`
	return r.execAffected(ctx, query, id, r.queue)
}

func (r *PostgresJobStore) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := r.execAffected(ctx, `DELETE FROM firequeue_schema.jobs WHERE id = $1 AND queue = $2`, jobID, r.queue)
	if err != nil || removed {
		return removed, err
	}
	return r.execAffected(ctx, `DELETE FROM firequeue_schema.failed_jobs WHERE id = $1 AND queue = $2`, jobID, r.queue)
}

// Prune deletes completed jobs and failed jobs older than maxAge.
func (r *PostgresJobStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := r.now().Add(-maxAge)

	completed, err := r.execCount(ctx, `
		DELETE FROM firequeue_schema.jobs
		WHERE queue = $1 AND status = $2 AND completed_at < $3
	`, r.queue, state.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}

	failed, err := r.execCount(ctx, `
		DELETE FROM firequeue_schema.failed_jobs
		WHERE queue = $1 AND failed_at < $2
	`, r.queue, cutoff)
	if err != nil {
		return completed, fmt.Errorf("failed to prune failed jobs: %w", err)
	}
	return completed + failed, nil
}

func (r *PostgresJobStore) Clear(ctx context.Context) (int, error) {
	jobs, err := r.execCount(ctx, `DELETE FROM firequeue_schema.jobs WHERE queue = $1`, r.queue)
	if err != nil {
		return 0, fmt.Errorf("failed to clear jobs: %w", err)
	}
	failed, err := r.execCount(ctx, `DELETE FROM firequeue_schema.failed_jobs WHERE queue = $1`, r.queue)
	if err != nil {
		return jobs, fmt.Errorf("failed to clear failed jobs: %w", err)
	}
	return jobs + failed, nil
}

// StoreFailedJob moves the job row into failed_jobs.
func (r *PostgresJobStore) StoreFailedJob(ctx context.Context, job *types.Job, cause error) error {
	if job.FailedAt == nil {
		failedAt := r.now()
		job.FailedAt = &failedAt
		job.ReservedAt = nil
	}
	if cause != nil && job.ErrorMessage == "" {
		job.ErrorMessage = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM firequeue_schema.jobs WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
	}

	query := `
		INSERT INTO firequeue_schema.failed_jobs (id, queue, job, error_message, error_trace, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			job = EXCLUDED.job,
			error_message = EXCLUDED.error_message,
			error_trace = EXCLUDED.error_trace,
			failed_at = EXCLUDED.failed_at
	`
	if _, err := tx.ExecContext(ctx, query, job.ID, r.queue, data, job.ErrorMessage, job.ErrorTrace, *job.FailedAt); err != nil {
		return fmt.Errorf("failed to store failed job %s: %w", job.ID, err)
	}
	return tx.Commit()
}

// RetryFailedJob moves a failed job back into jobs as pending with a fresh attempt budget.
func (r *PostgresJobStore) RetryFailedJob(ctx context.Context, jobID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx,
		`DELETE FROM firequeue_schema.failed_jobs WHERE id = $1 AND queue = $2 RETURNING job`,
		jobID, r.queue,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load failed job %s: %w", jobID, err)
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return false, fmt.Errorf("failed to decode failed job %s: %w", jobID, err)
	}
	if err := job.ResetForRetry(); err != nil {
		return false, err
	}
	if err := r.insert(ctx, tx, &job); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit retry of job %s: %w", jobID, err)
	}
	return true, nil
}

func (r *PostgresJobStore) GetFailedJobs(ctx context.Context, limit, offset int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT job FROM firequeue_schema.failed_jobs
		WHERE queue = $1
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`, r.queue, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*types.Job{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to decode failed job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (r *PostgresJobStore) GetStats(ctx context.Context) (types.Stats, error) {
	var stats types.Stats

	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($2, $3) AND (execute_at IS NULL OR execute_at <= $6)),
			COUNT(*) FILTER (WHERE status IN ($2, $3) AND execute_at > $6),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE status = $5)
		FROM firequeue_schema.jobs
		WHERE queue = $1
	`
	err := r.db.QueryRowContext(ctx, query,
		r.queue,
		state.StatusPending,
		state.StatusRetrying,
		state.StatusReserved,
		state.StatusCompleted,
		r.now(),
	).Scan(&stats.Pending, &stats.Delayed, &stats.Reserved, &stats.Done)
	if err != nil {
		return types.Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM firequeue_schema.failed_jobs WHERE queue = $1`, r.queue,
	).Scan(&stats.Failed)
	if err != nil {
		return types.Stats{}, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return stats, nil
}

// AcquireUnique inserts the key, or takes over an expired one.
func (r *PostgresJobStore) AcquireUnique(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := r.now()
	query := `
		INSERT INTO firequeue_schema.unique_locks (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE firequeue_schema.unique_locks.expires_at <= $3
	`
	return r.execAffected(ctx, query, key, now.Add(ttl), now)
}

func (r *PostgresJobStore) ReleaseUnique(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM firequeue_schema.unique_locks WHERE key = $1`, key)
	return err
}

func (r *PostgresJobStore) SupportsRecurring() bool   { return true }
func (r *PostgresJobStore) HasFailedJobStorage() bool { return true }
func (r *PostgresJobStore) Close() error              { return nil }

func (r *PostgresJobStore) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	n, err := r.execCount(ctx, query, args...)
	return n > 0, err
}

func (r *PostgresJobStore) execCount(ctx context.Context, query string, args ...any) (int, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job      types.Job
		payload  []byte
		errMsg   sql.NullString
		errTrace sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.Queue,
		&payload,
		&job.Attempts,
		&job.Priority,
		&job.CreatedAt,
		&job.ExecuteAt,
		&job.LastExecutedAt,
		&job.ReservedAt,
		&job.FailedAt,
		&job.CompletedAt,
		&errMsg,
		&errTrace,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", job.ID, err)
	}
	job.ErrorMessage = errMsg.String
	job.ErrorTrace = errTrace.String
	return &job, nil
}
