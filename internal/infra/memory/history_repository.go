// Package memory holds process-local implementations of the AECU repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"easy-content-upgrade/internal/domain"
)

type historyRepository struct {
	mu      sync.RWMutex
	entries map[string]*domain.HistoryEntry
}

// NewHistoryRepository creates an in-memory history repository. Entries are
// copied on the way in and out.
func NewHistoryRepository() domain.HistoryRepository {
	return &historyRepository{entries: make(map[string]*domain.HistoryEntry)}
}

func (r *historyRepository) Save(_ context.Context, entry *domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry.Clone()
	return nil
}

func (r *historyRepository) Get(_ context.Context, id string) (*domain.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrHistoryNotFound
	}
	return entry.Clone(), nil
}

func (r *historyRepository) List(_ context.Context, start, count int) ([]*domain.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := make([]*domain.HistoryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.After(sorted[j].Start)
		}
		return sorted[i].ID > sorted[j].ID
	})

	entries := []*domain.HistoryEntry{}
	for i := start; i < len(sorted) && len(entries) < count; i++ {
		entries = append(entries, sorted[i].Clone())
	}
	return entries, nil
}

func (r *historyRepository) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, e := range r.entries {
		if e.State == domain.HistoryStateFinished && e.Start.Before(cutoff) {
			delete(r.entries, id)
			deleted++
		}
	}
	return deleted, nil
}
