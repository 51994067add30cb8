package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"creative-job-scheduler/internal/models"
)

// claimAttempts bounds how often ClaimNext retries after losing a race for
// the same candidate row.
const claimAttempts = 5

type jobRow struct {
	ID                string    `gorm:"primaryKey;size:36"`
	UserID            string    `gorm:"size:128;index:idx_jobs_user_created,priority:1;not null"`
	Type              string    `gorm:"type:varchar(32);not null"`
	Payload           string    `gorm:"type:text;not null"`
	Status            string    `gorm:"type:varchar(16);index:idx_jobs_dispatch,priority:1;not null"`
	Priority          int       `gorm:"index:idx_jobs_dispatch,priority:2;not null"`
	Progress          int       `gorm:"not null"`
	Result            *string   `gorm:"type:text"`
	Error             *string   `gorm:"type:text"`
	RetryCount        int       `gorm:"not null"`
	EstimatedDuration int       `gorm:"not null"`
	ActualDuration    *int
	CreatedAt         time.Time `gorm:"index:idx_jobs_user_created,priority:2;index:idx_jobs_dispatch,priority:3"`
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

func (jobRow) TableName() string { return "jobs" }

type eventRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	JobID      string    `gorm:"size:36;index;not null"`
	Event      string    `gorm:"type:varchar(32);not null"`
	Detail     string    `gorm:"type:text"`
	RecordedAt time.Time `gorm:"not null"`
}

func (eventRow) TableName() string { return "job_events" }

// GormStore persists jobs through gorm on SQLite or MySQL.
type GormStore struct {
	db *gorm.DB
}

// NewGorm opens driver ("sqlite" or "mysql") at dsn.
func NewGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		// SQLite has a single writer; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	return &GormStore{db: db}, nil
}

// NewGormFromDB wraps an already opened gorm handle.
func NewGormFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&jobRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) CreateJob(ctx context.Context, job models.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errDuplicate(job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (g *GormStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	var row jobRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return row.toModel()
}

func (g *GormStore) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, int, error) {
	q := g.db.WithContext(ctx).Model(&jobRow{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	var rows []jobRow
	page := q.Order("created_at DESC, id DESC").Offset(f.Offset)
	if f.Limit > 0 {
		page = page.Limit(f.Limit)
	}
	if err := page.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := rowsToModels(rows)
	return jobs, int(total), err
}

func (g *GormStore) CountByStatus(ctx context.Context, f CountFilter) (map[models.JobStatus]int, error) {
	q := g.db.WithContext(ctx).Model(&jobRow{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	var grouped []struct {
		Status string
		N      int
	}
	if err := q.Select("status, COUNT(*) AS n").Group("status").Scan(&grouped).Error; err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	counts := make(map[models.JobStatus]int, len(models.Statuses))
	for _, c := range grouped {
		counts[models.JobStatus(c.Status)] = c.N
	}
	return counts, nil
}

func (g *GormStore) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	var rows []jobRow
	if err := g.db.WithContext(ctx).
		Where("status = ?", string(models.StatusPending)).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return rowsToModels(rows)
}

// ClaimNext picks the best pending row and flips it with a status-guarded
// update. MySQL additionally locks the candidate with SKIP LOCKED; on SQLite
// the single connection serialises claimers.
func (g *GormStore) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var (
			row     jobRow
			claimed bool
		)
		err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx.Where("status = ?", string(models.StatusPending)).
				Order("priority DESC, created_at ASC, id ASC")
			if g.db.Dialector.Name() == "mysql" {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			}
			if err := q.Take(&row).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			res := tx.Model(&jobRow{}).
				Where("id = ? AND status = ?", row.ID, string(models.StatusPending)).
				Updates(map[string]any{
					"status":     string(models.StatusProcessing),
					"started_at": now,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				claimed = true
				row.Status = string(models.StatusProcessing)
				row.StartedAt = &now
				row.UpdatedAt = now
			}
			return nil
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Job{}, false, nil
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("claim job: %w", err)
		}
		if claimed {
			job, err := row.toModel()
			return job, err == nil, err
		}
	}
	return models.Job{}, false, nil
}

func (g *GormStore) guarded(ctx context.Context, q *gorm.DB, to models.JobStatus, values map[string]any) (bool, error) {
	values["status"] = string(to)
	values["updated_at"] = time.Now().UTC()
	res := q.WithContext(ctx).Model(&jobRow{}).
		Where("status IN ?", sources(to)).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("update job to %s: %w", to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *GormStore) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	if progress > 100 {
		return false, nil
	}
	res := g.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ? AND progress <= ?", id, string(models.StatusProcessing), progress).
		Updates(map[string]any{"progress": progress, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("update progress: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *GormStore) Complete(ctx context.Context, id string, c Completion) (bool, error) {
	resultJSON, err := json.Marshal(c.Result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	return g.guarded(ctx, g.db.Where("id = ?", id), models.StatusCompleted, map[string]any{
		"result":          string(resultJSON),
		"progress":        100,
		"completed_at":    c.CompletedAt,
		"actual_duration": c.ActualDuration,
	})
}

func (g *GormStore) Fail(ctx context.Context, id string, message string, at time.Time) (bool, error) {
	return g.guarded(ctx, g.db.Where("id = ?", id), models.StatusFailed, map[string]any{
		"error":        message,
		"retry_count":  gorm.Expr("retry_count + 1"),
		"completed_at": at,
	})
}

func (g *GormStore) Cancel(ctx context.Context, id, userID string) (bool, error) {
	return g.guarded(ctx, g.db.Where("id = ? AND user_id = ?", id, userID), models.StatusCancelled, map[string]any{})
}

func (g *GormStore) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	row := eventRow{JobID: ev.JobID, Event: ev.Event, Detail: ev.Detail, RecordedAt: ev.RecordedAt}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (g *GormStore) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	var rows []eventRow
	if err := g.db.WithContext(ctx).Where("job_id = ?", jobID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]models.JobEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.JobEvent{JobID: r.JobID, Event: r.Event, Detail: r.Detail, RecordedAt: r.RecordedAt})
	}
	return out, nil
}

func toRow(job models.Job) (jobRow, error) {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal payload: %w", err)
	}
	row := jobRow{
		ID:                job.ID,
		UserID:            job.UserID,
		Type:              string(job.Type),
		Payload:           string(payloadJSON),
		Status:            string(job.Status),
		Priority:          job.Priority,
		Progress:          job.Progress,
		Error:             job.Error,
		RetryCount:        job.RetryCount,
		EstimatedDuration: job.EstimatedDuration,
		ActualDuration:    job.ActualDuration,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
	}
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return jobRow{}, fmt.Errorf("marshal result: %w", err)
		}
		s := string(b)
		row.Result = &s
	}
	return row, nil
}

func (r jobRow) toModel() (models.Job, error) {
	job := models.Job{
		ID:                r.ID,
		UserID:            r.UserID,
		Type:              models.JobType(r.Type),
		Status:            models.JobStatus(r.Status),
		Priority:          r.Priority,
		Progress:          r.Progress,
		Error:             r.Error,
		RetryCount:        r.RetryCount,
		EstimatedDuration: r.EstimatedDuration,
		ActualDuration:    r.ActualDuration,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		StartedAt:         utcPtr(r.StartedAt),
		CompletedAt:       utcPtr(r.CompletedAt),
	}
	payload, err := models.LoadPayload(job.Type, []byte(r.Payload))
	if err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Payload = payload
	if r.Result != nil && *r.Result != "null" {
		if err := json.Unmarshal([]byte(*r.Result), &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return job, nil
}

func rowsToModels(rows []jobRow) ([]models.Job, error) {
	jobs := make([]models.Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
