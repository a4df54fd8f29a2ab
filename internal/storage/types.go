package storage

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"time"

	"crosspost/internal/content"
)

var (
	ErrNotFound       = errors.New("storage: job not found")
	ErrDuplicate      = errors.New("storage: job already exists")
	ErrClosed         = errors.New("storage: closed")
	ErrNotInitialized = errors.New("storage: not initialized")
	// ErrLocked means another process holds the job file. Use the sqlite
	// driver to run serve and CLI commands side by side.
	ErrLocked = errors.New("storage: job file is in use by another process")
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON array file rewritten atomically on every
//     mutation. One process at a time, guarded by <path>.lock.
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusPartial   JobStatus = "partial"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []JobStatus{StatusScheduled, StatusRunning, StatusSucceeded, StatusPartial, StatusFailed, StatusCancelled}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MediaRef points at media bytes persisted for a job.
type MediaRef struct {
	Path         string `json:"path"`
	SegmentIndex int    `json:"segmentIndex"`
	FileName     string `json:"fileName"`
	MimeType     string `json:"mimeType"`
	AltText      string `json:"altText,omitempty"`
}

type Job struct {
	ID               string                                      `json:"id"`
	CreatedAt        time.Time                                   `json:"createdAt"`
	RunAt            time.Time                                   `json:"runAt"`
	Status           JobStatus                                   `json:"status"`
	EncryptedPayload string                                      `json:"encryptedPayload"`
	MediaReferences  []MediaRef                                  `json:"mediaReferences"`
	AttemptCount     int                                         `json:"attemptCount"`
	CompletedAt      *time.Time                                  `json:"completedAt,omitempty"`
	LastError        string                                      `json:"lastError,omitempty"`
	Deliveries       map[content.Platform]content.DeliveryResult `json:"deliveries,omitempty"`
}

// JobSummary is the externally visible projection of a Job.
type JobSummary struct {
	ID           string                                      `json:"id"`
	CreatedAt    time.Time                                   `json:"createdAt"`
	RunAt        time.Time                                   `json:"runAt"`
	Status       JobStatus                                   `json:"status"`
	AttemptCount int                                         `json:"attemptCount"`
	CompletedAt  *time.Time                                  `json:"completedAt,omitempty"`
	LastError    string                                      `json:"lastError,omitempty"`
	Deliveries   map[content.Platform]content.DeliveryResult `json:"deliveries,omitempty"`
}

func (j Job) Summary() JobSummary {
	c := j.Clone()
	return JobSummary{
		ID:           c.ID,
		CreatedAt:    c.CreatedAt,
		RunAt:        c.RunAt,
		Status:       c.Status,
		AttemptCount: c.AttemptCount,
		CompletedAt:  c.CompletedAt,
		LastError:    c.LastError,
		Deliveries:   c.Deliveries,
	}
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	out.MediaReferences = slices.Clone(j.MediaReferences)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Deliveries != nil {
		out.Deliveries = maps.Clone(j.Deliveries)
	}
	return out
}

// sortByCreated orders jobs by creation time, then id.
func sortByCreated(jobs []Job) {
	slices.SortStableFunc(jobs, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// sortByRunAt orders jobs by run time, then creation time.
func sortByRunAt(jobs []Job) {
	slices.SortStableFunc(jobs, func(a, b Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// due reports whether j should run at asOf.
func due(j Job, asOf time.Time) bool {
	return j.Status == StatusScheduled && !j.RunAt.After(asOf)
}
