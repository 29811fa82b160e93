package webhook

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DeadLetterStatus is the state of a dead-lettered event.
type DeadLetterStatus string

const (
	StatusDeadLetter   DeadLetterStatus = "dead_letter"
	StatusReplayFailed DeadLetterStatus = "replay_failed"
)

// DeadLetter is a verified event whose handler failed or panicked.
type DeadLetter struct {
	ID          string           `json:"id"`
	EventID     string           `json:"eventId"`
	EventType   string           `json:"eventType"`
	Payload     json.RawMessage  `json:"payload"`
	Status      DeadLetterStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"lastError,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	LastAttempt *time.Time       `json:"lastAttempt,omitempty"`
}

// DeadLetterStats holds aggregate stats for the dead letter store.
type DeadLetterStats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"byStatus"`
	ByEventType  map[string]int `json:"byEventType"`
	OldestEntry  *time.Time     `json:"oldestEntry,omitempty"`
	NewestEntry  *time.Time     `json:"newestEntry,omitempty"`
	TotalRetries int            `json:"totalRetries"`
}

// DeadLetterStore is an in-memory store for events that failed dispatch.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetter
}

// NewDeadLetterStore creates a new empty DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		entries: make(map[string]*DeadLetter),
	}
}

// Add puts an entry into the store.
func (s *DeadLetterStore) Add(d *DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.ID] = d
}

// Get retrieves a copy of an entry by ID.
func (s *DeadLetterStore) Get(id string) (*DeadLetter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// Remove removes and returns an entry.
func (s *DeadLetterStore) Remove(id string) (*DeadLetter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return d, ok
}

// List returns all entries sorted by creation time (newest first).
func (s *DeadLetterStore) List() []*DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*DeadLetter, 0, len(s.entries))
	for _, d := range s.entries {
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of entries.
func (s *DeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Purge removes all entries and returns the count removed.
func (s *DeadLetterStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]*DeadLetter)
	return n
}

// Stats returns aggregate statistics about dead letter entries.
func (s *DeadLetterStore) Stats() DeadLetterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeadLetterStats{
		Total:       len(s.entries),
		ByStatus:    make(map[string]int),
		ByEventType: make(map[string]int),
	}

	for _, d := range s.entries {
		stats.ByStatus[string(d.Status)]++
		stats.ByEventType[d.EventType]++
		stats.TotalRetries += d.Attempts
		if stats.OldestEntry == nil || d.CreatedAt.Before(*stats.OldestEntry) {
			t := d.CreatedAt
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || d.CreatedAt.After(*stats.NewestEntry) {
			t := d.CreatedAt
			stats.NewestEntry = &t
		}
	}

	return stats
}
