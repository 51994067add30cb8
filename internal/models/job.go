package models

import (
	"fmt"
	"time"
)

// JobType enumerates the creative work a job can request.
type JobType string

const (
	TypeTextGeneration   JobType = "text_generation"
	TypeImageGeneration  JobType = "image_generation"
	TypeVideoCreation    JobType = "video_creation"
	TypeMusicComposition JobType = "music_composition"
	Type3DModeling       JobType = "3d_modeling"
	TypeGraphicDesign    JobType = "graphic_design"
)

// JobTypes lists every supported type in a stable order.
var JobTypes = []JobType{
	TypeTextGeneration,
	TypeImageGeneration,
	TypeVideoCreation,
	TypeMusicComposition,
	Type3DModeling,
	TypeGraphicDesign,
}

// Valid reports whether t is a member of the closed enumeration.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobStatus enumerates lifecycle states persisted by the store.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []JobStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func (s JobStatus) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a user may still cancel a job in status s.
func (s JobStatus) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}

var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns the states from which to is reachable in one step.
// Stores use it as the predicate of guarded updates.
func SourcesOf(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range Statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority bounds p to [MinPriority, MaxPriority]; nil yields DefaultPriority.
func ClampPriority(p *int) int {
	if p == nil {
		return DefaultPriority
	}
	switch {
	case *p < MinPriority:
		return MinPriority
	case *p > MaxPriority:
		return MaxPriority
	default:
		return *p
	}
}

// Job is one unit of asynchronous creative work.
type Job struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Type              JobType        `json:"type"`
	Payload           Payload        `json:"payload"`
	Status            JobStatus      `json:"status"`
	Priority          int            `json:"priority"`
	Progress          int            `json:"progress"`
	Result            map[string]any `json:"result,omitempty"`
	Error             *string        `json:"error,omitempty"`
	RetryCount        int            `json:"retry_count"`
	EstimatedDuration int            `json:"estimated_duration"`
	ActualDuration    *int           `json:"actual_duration,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// String is used in log lines.
func (j Job) String() string {
	return fmt.Sprintf("job %s (%s, %s, priority=%d)", j.ID, j.Type, j.Status, j.Priority)
}

// JobEvent is one row of the append-only audit trail.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Audit event names.
const (
	EventCreated   = "created"
	EventClaimed   = "claimed"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventStale     = "stale_result_discarded"
)
