// Package jobstore persists the alignment jobs of the service: their progress
// while running and their result once finished.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/forcealign/pkg/align"
)

// ErrNotFound is returned when no job has the requested ID.
var ErrNotFound = errors.New("jobstore: job not found")

// Status is the lifecycle state of a job. Running jobs carry the pipeline
// stage they are in.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusTranscribing Status = "TRANSCRIBING"
	StatusAligning     Status = "ALIGNING"
	StatusRefining     Status = "REFINING"
	StatusOptimizing   Status = "OPTIMIZING"
	StatusOK           Status = "OK"
	StatusError        Status = "ERROR"
)

// Done reports whether s is a terminal status.
func (s Status) Done() bool { return s == StatusOK || s == StatusError }

// Job is one alignment request.
type Job struct {
	ID         string
	Status     Status
	Message    string
	Percent    float64
	Transcript string

	// Result is set once Status is StatusOK.
	Result *align.Transcription

	// Error is set once Status is StatusError.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store provides CRUD operations for jobs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new job. Returns an error if a job with the same ID
	// already exists.
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by ID. Returns [ErrNotFound] if it does not exist.
	Get(ctx context.Context, id string) (*Job, error)

	// Update replaces the mutable fields of an existing job (status,
	// progress, result, error). Returns [ErrNotFound] if it does not exist.
	Update(ctx context.Context, job *Job) error

	// List returns all jobs, newest first.
	List(ctx context.Context) ([]Job, error)

	// Delete removes a job. Deleting a non-existent job is not an error.
	Delete(ctx context.Context, id string) error
}
