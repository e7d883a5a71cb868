// Package acquisitionlog keeps an audit trail of acquisitions.
package acquisitionlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/constelar/constelar/internal/airquality"
)

// DefaultCapacity bounds the in-memory log.
const DefaultCapacity = 1000

// Entry is one stored acquisition.
type Entry struct {
	ID string
	airquality.AcquisitionRecord
}

// Repository stores acquisition records.
type Repository interface {
	airquality.Recorder

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// InMemoryRepository keeps the most recent entries in memory.
type InMemoryRepository struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

// NewInMemoryRepository creates a repository holding at most capacity entries.
func NewInMemoryRepository(capacity int) *InMemoryRepository {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryRepository{capacity: capacity}
}

// Record stores rec, evicting the oldest entry when full.
func (r *InMemoryRepository) Record(_ context.Context, rec airquality.AcquisitionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{ID: uuid.NewString(), AcquisitionRecord: rec})
	if over := len(r.entries) - r.capacity; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (r *InMemoryRepository) Recent(_ context.Context, limit int) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}
