package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/psantana5/bisect-farm/pkg/models"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateID        = errors.New("job id already exists")
	ErrPreconditionFailed = errors.New("etag does not match")
	ErrInvalidJob         = errors.New("job has no id")
)

// entry holds one job and its cached etag. mu serializes mutations of the job.
type entry struct {
	mu   sync.Mutex
	job  *models.Job
	etag string
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	order []string // insertion order of job IDs
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*entry),
		order: make([]string, 0),
	}
}

// Create adds a new job to the store
func (s *MemoryStore) Create(job *models.Job) error {
	if job == nil || job.ID == "" {
		return ErrInvalidJob
	}

	stored := job.Clone()
	etag, err := ComputeETag(stored)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}
	s.jobs[job.ID] = &entry{job: stored, etag: etag}
	s.order = append(s.order, job.ID)
	return nil
}

// Get retrieves a copy of a job by ID together with its etag
func (s *MemoryStore) Get(id string) (*models.Job, string, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, "", ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), e.etag, nil
}

// List returns copies of all jobs in insertion order
func (s *MemoryStore) List() []*models.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.jobs[id])
	}
	s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	return jobs
}

// Update applies fn to a copy of the job under the job's lock and commits the
// copy if fn succeeds. The returned job and etag reflect the committed state.
func (s *MemoryStore) Update(id, ifMatch string, fn func(*models.Job) error) (*models.Job, string, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, "", ErrJobNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !ETagMatches(ifMatch, e.etag) {
		return nil, e.etag, ErrPreconditionFailed
	}

	working := e.job.Clone()
	if err := fn(working); err != nil {
		return nil, e.etag, err
	}
	if working.ID != e.job.ID {
		return nil, e.etag, fmt.Errorf("job id is immutable")
	}

	etag, err := ComputeETag(working)
	if err != nil {
		return nil, e.etag, err
	}
	e.job = working
	e.etag = etag
	return working.Clone(), etag, nil
}

// Count returns the number of stored jobs
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *MemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}
