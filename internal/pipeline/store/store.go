// Package store implements the idempotent Alert Store: upserts keyed by
// (event_id, observed_at), field-wise enrichment merge, and monotonic
// status transitions.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// Store is the terminal persistence seam. Two implementations are
// provided: an in-memory map-backed store (default, used in tests) and a
// Redis-backed store for production deployments.
type Store interface {
	// Put upserts an alert, merging it with any existing record for the
	// same key per the field-wise merge and monotonic-status rules.
	Put(ctx context.Context, a *event.Alert, ttl time.Duration) error
	// Get returns the current record for a key, or nil if absent.
	Get(ctx context.Context, key event.AlertKey) (*event.Alert, error)
}

// Merge combines an incoming alert into an existing one per the
// specification's field-wise merge semantics: a non-null incoming field
// overwrites, a null incoming field preserves the stored value, and
// status follows STORED_ONLY < NOTIFIED < REMEDIATED monotonicity with
// DEAD_LETTERED orthogonal and final.
func Merge(existing, incoming *event.Alert) *event.Alert {
	if existing == nil {
		return incoming.Clone()
	}

	merged := existing.Clone()

	// raw/event identity fields are set once at normalization and never
	// rewritten; always take the incoming copy since it is the same
	// logical event.
	merged.Event = incoming.Event

	if incoming.ML != nil {
		merged.ML = incoming.ML
	}
	if incoming.Triage != nil {
		merged.Triage = incoming.Triage
	}
	if incoming.Analysis != nil {
		merged.Analysis = incoming.Analysis
	}
	if incoming.Remediation != nil {
		merged.Remediation = incoming.Remediation
	}

	merged.Status = mergeStatus(existing.Status, incoming.Status)

	return merged
}

func mergeStatus(existing, incoming event.Status) event.Status {
	if incoming == "" {
		return existing
	}
	if existing == event.StatusDeadLettered || incoming == event.StatusDeadLettered {
		// DEAD_LETTERED is orthogonal and final; once set it is never
		// overwritten, and it never overwrites a different final status
		// arriving out of order after it — the first DEAD_LETTERED write
		// to land wins for this merge, matching "a put with a lower
		// status must not overwrite a higher one" applied orthogonally.
		if existing == event.StatusDeadLettered {
			return existing
		}
		return incoming
	}

	if event.StatusRank(incoming) < event.StatusRank(existing) {
		return existing
	}
	return incoming
}

// InMemory is a map-backed Store guarded by a mutex, suitable for tests
// and single-process deployments without a Redis dependency.
type InMemory struct {
	mu   sync.Mutex
	data map[event.AlertKey]*event.Alert
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[event.AlertKey]*event.Alert)}
}

// Put upserts an alert with field-wise merge and monotonic status.
func (s *InMemory) Put(ctx context.Context, a *event.Alert, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := a.Key()
	existing := s.data[key]
	s.data[key] = Merge(existing, a)
	return nil
}

// Get returns the current record for a key, or nil if absent.
func (s *InMemory) Get(ctx context.Context, key event.AlertKey) (*event.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

// Len reports the number of distinct keys currently held; used in tests.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
