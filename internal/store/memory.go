package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"creative-job-scheduler/internal/models"
)

// MemoryStore keeps jobs in process memory. It is not durable and exists for
// development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	events []models.JobEvent
	now    func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return errDuplicate(job.ID)
	}
	cp := cloneJob(job)
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(*j), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, f ListFilter) ([]models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []models.Job
	for _, j := range m.jobs {
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		matched = append(matched, cloneJob(*j))
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})
	total := len(matched)
	if f.Offset >= total {
		return []models.Job{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, f CountFilter) (map[models.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.JobStatus]int, len(models.Statuses))
	for _, j := range m.jobs {
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) pendingLocked() []*models.Job {
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusPending {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return dispatchLess(*out[a], *out[b]) })
	return out
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingLocked()
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]models.Job, 0, len(pending))
	for _, j := range pending {
		out = append(out, cloneJob(*j))
	}
	return out, nil
}

func (m *MemoryStore) ClaimNext(_ context.Context) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pendingLocked()
	if len(pending) == 0 {
		return models.Job{}, false, nil
	}
	j := pending[0]
	now := m.now()
	j.Status = models.StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return cloneJob(*j), true, nil
}

// transitionLocked applies fn when j may move to next. Callers hold mu.
func (m *MemoryStore) transitionLocked(id string, next models.JobStatus, fn func(j *models.Job)) bool {
	j, ok := m.jobs[id]
	if !ok || !models.CanTransition(j.Status, next) {
		return false
	}
	fn(j)
	j.Status = next
	j.UpdatedAt = m.now()
	return true
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusProcessing || progress < j.Progress || progress > 100 {
		return false, nil
	}
	j.Progress = progress
	j.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, c Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, models.StatusCompleted, func(j *models.Job) {
		at := c.CompletedAt
		d := c.ActualDuration
		j.Result = cloneMap(c.Result)
		j.Progress = 100
		j.CompletedAt = &at
		j.ActualDuration = &d
	}), nil
}

func (m *MemoryStore) Fail(_ context.Context, id string, message string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, models.StatusFailed, func(j *models.Job) {
		msg := message
		j.Error = &msg
		j.RetryCount++
		j.CompletedAt = &at
	}), nil
}

func (m *MemoryStore) Cancel(_ context.Context, id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; !ok || j.UserID != userID {
		return false, nil
	}
	return m.transitionLocked(id, models.StatusCancelled, func(*models.Job) {}), nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev models.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// dispatchLess orders jobs by priority desc, created_at asc, id asc.
func dispatchLess(a, b models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneJob(j models.Job) models.Job {
	cp := j
	cp.Result = cloneMap(j.Result)
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.ActualDuration != nil {
		d := *j.ActualDuration
		cp.ActualDuration = &d
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
