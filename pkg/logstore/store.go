// Package logstore keeps the append-only output log of each job.
// Logs live outside the job body, so appending never changes a job's etag.
package logstore

import (
	"strings"
	"sync"
)

// LogStore is the per-job append-only text buffer
type LogStore interface {
	Append(jobID, text string) int
	Read(jobID string) string
}

type buffer struct {
	mu sync.Mutex
	sb strings.Builder
}

// MemoryLogStore keeps logs in memory
type MemoryLogStore struct {
	mu   sync.RWMutex
	logs map[string]*buffer
}

// NewMemoryLogStore creates an empty log store
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{logs: make(map[string]*buffer)}
}

// Append adds text to the job's log and returns the new length in bytes
func (s *MemoryLogStore) Append(jobID, text string) int {
	b := s.buffer(jobID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(text)
	return b.sb.Len()
}

// Read returns everything appended so far. Unknown jobs have an empty log.
func (s *MemoryLogStore) Read(jobID string) string {
	b := s.buffer(jobID, false)
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func (s *MemoryLogStore) buffer(jobID string, create bool) *buffer {
	s.mu.RLock()
	b, ok := s.logs[jobID]
	s.mu.RUnlock()
	if ok || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.logs[jobID]; !ok {
		b = &buffer{}
		s.logs[jobID] = b
	}
	return b
}
