package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Rank orders statuses along pending -> running -> terminal.
func (s JobStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	default:
		return -1
	}
}

type Job struct {
	ID          uuid.UUID       `json:"id"`
	Query       string          `json:"query"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      JobStatus       `json:"status"`
	Progress    float64         `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Report      *string         `json:"report,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Iterations  []Iteration     `json:"iterations"`
	Sources     []Source        `json:"sources"`

	// Seq is the highest event sequence number already reflected in this
	// snapshot. Zero when the store does not track sequences.
	Seq uint64 `json:"seq,omitempty"`
}

type Iteration struct {
	ID        string          `json:"id"`
	Step      int             `json:"step"`
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type Source struct {
	URL       string     `json:"url"`
	Title     string     `json:"title"`
	Snippet   *string    `json:"snippet,omitempty"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	Content   *string    `json:"content,omitempty"`
}

// ClampProgress bounds p into [0, 100].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
