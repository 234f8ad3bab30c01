package store

import (
	"github.com/psantana5/bisect-farm/pkg/models"
)

// Store defines the interface for the authoritative job state.
// The broker only ships the in-memory implementation; state does not
// survive a restart.
type Store interface {
	// Create inserts a new job. The id must be unused.
	Create(job *models.Job) error

	// Get returns a copy of the job and its current etag.
	Get(id string) (*models.Job, string, error)

	// List returns copies of all jobs in insertion order.
	List() []*models.Job

	// Update runs fn against a copy of the job while holding the job's lock.
	// ifMatch is compared to the current etag first; empty skips the check
	// and "*" matches any etag. The copy is committed only if fn returns nil.
	Update(id, ifMatch string, fn func(*models.Job) error) (*models.Job, string, error)

	// Count returns the number of stored jobs.
	Count() int
}
