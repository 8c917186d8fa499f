package jobstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemStore is an in-memory [Store]. Jobs are lost on restart.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
	now  func() time.Time
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]Job), now: time.Now}
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("jobstore: job with id %q already exists", job.ID)
	}
	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = *job
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("jobstore: get %q: %w", id, ErrNotFound)
	}
	return &job, nil
}

// Update implements [Store].
func (s *MemStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("jobstore: update %q: %w", job.ID, ErrNotFound)
	}
	job.CreatedAt = old.CreatedAt
	job.Transcript = old.Transcript
	job.UpdatedAt = s.now()
	s.jobs[job.ID] = *job
	return nil
}

// List implements [Store].
func (s *MemStore) List(context.Context) ([]Job, error) {
	s.mu.RLock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}
