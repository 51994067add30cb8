package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"creative-job-scheduler/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const jobColumns = `id, user_id, type, payload, status, priority, progress, result, error, retry_count,
	estimated_duration, actual_duration, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a fully populated pending job.
func (s *PostgresStore) CreateJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, type, payload, status, priority, progress, retry_count,
			estimated_duration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.ID, job.UserID, job.Type, payloadJSON, job.Status, job.Priority, job.Progress,
		job.RetryCount, job.EstimatedDuration, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errDuplicate(job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	args = append(args, limit, f.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

func (s *PostgresStore) CountByStatus(ctx context.Context, f CountFilter) (map[models.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs
		WHERE ($1 = '' OR user_id = $1) AND ($2::timestamptz IS NULL OR created_at >= $2)
		GROUP BY status
	`, f.UserID, sinceArg(f.Since))
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.JobStatus]int, len(models.Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectJobs(rows)
}

// ClaimNext locks the best pending row with SKIP LOCKED so concurrent workers
// each take a different job.
func (s *PostgresStore) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $1
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = $1
		RETURNING `+jobColumns, models.StatusPending, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND progress <= $3 AND $3 <= 100
	`, id, models.StatusProcessing, progress)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, c Completion) (bool, error) {
	resultJSON, err := json.Marshal(c.Result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, progress = 100, completed_at = $4, actual_duration = $5, updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, id, models.StatusCompleted, resultJSON, c.CompletedAt, c.ActualDuration, sources(models.StatusCompleted))
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Fail(ctx context.Context, id string, message string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, retry_count = retry_count + 1, completed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`, id, models.StatusFailed, message, at, sources(models.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = ANY($4)
	`, id, userID, models.StatusCancelled, sources(models.StatusCancelled))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent adds an audit row.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, ev.JobID, ev.Event, ev.Detail, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events
		WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		status      string
		payloadJSON []byte
		resultJSON  []byte
		errText     pgtype.Text
		actual      pgtype.Int4
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.UserID, &jobType, &payloadJSON, &status, &job.Priority, &job.Progress,
		&resultJSON, &errText, &job.RetryCount, &job.EstimatedDuration, &actual, &job.CreatedAt,
		&job.UpdatedAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)

	payload, err := models.LoadPayload(job.Type, payloadJSON)
	if err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Payload = payload
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(errText)
	job.ActualDuration = intPtr(actual)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func sources(to models.JobStatus) []string {
	from := models.SourcesOf(to)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

func sinceArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func intPtr(v pgtype.Int4) *int {
	if v.Valid {
		n := int(v.Int32)
		return &n
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		ts := t.Time.UTC()
		return &ts
	}
	return nil
}

// Truncate removes every job and event.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE job_events, jobs`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
