package runs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot exists for an ID.
var ErrNotFound = errors.New("run not found")

// Run states.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// Snapshot is the operator-facing view of a chain run. Secrets are never stored.
type Snapshot struct {
	ID         string        `json:"id"`
	StartURL   string        `json:"start_url"`
	Email      string        `json:"email"`
	Status     string        `json:"status"`
	StopReason string        `json:"stop_reason,omitempty"`
	HopCount   int           `json:"hop_count"`
	Hops       []HopSnapshot `json:"hops,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// HopSnapshot summarises one resolved hop.
type HopSnapshot struct {
	Index     int       `json:"index"`
	TaskURL   string    `json:"task_url"`
	StartedAt time.Time `json:"started_at"`
	Success   bool      `json:"success"`
	FinalText string    `json:"final_text,omitempty"`
	Submitted bool      `json:"submitted"`
	Correct   bool      `json:"correct"`
	Reason    string    `json:"reason,omitempty"`
	NextURL   string    `json:"next_url,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Store keeps the latest snapshot per run.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
}

// Discard is a Store that keeps nothing.
type Discard struct{}

// Save implements Store.
func (Discard) Save(context.Context, Snapshot) error { return nil }

// Get implements Store.
func (Discard) Get(context.Context, string) (Snapshot, error) { return Snapshot{}, ErrNotFound }
