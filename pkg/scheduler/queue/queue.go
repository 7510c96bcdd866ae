// Package queue implements the Queue Manager: a thin layer
// over the persisted queue table that enforces the invariants a raw
// store.QueueStore cannot on its own: unique-key duplicate suppression,
// refusing to remove a reserved item, and recording enqueue and
// empty-pop metrics.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vcsched/scheduler-core/pkg/metrics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// ErrReservedRemove is returned by Remove when id is currently reserved.
var ErrReservedRemove = fmt.Errorf("queue: cannot remove a reserved item")

// Manager wraps a store.QueueStore with the invariant enforcement that
// belongs to the Queue Manager rather than the raw persistence layer.
type Manager struct {
	store store.QueueStore
}

func NewManager(s store.QueueStore) *Manager {
	return &Manager{store: s}
}

// Enqueue inserts item, or — if its (codebase, campaign, change-set) key
// already has a queue item — retains the existing row and only updates
// its priority when item's priority is strictly better (lower).
// Returns the surviving item's id and
// whether a new row was inserted.
func (m *Manager) Enqueue(ctx context.Context, item domain.QueueItem) (id int64, inserted bool, err error) {
	id, existingID, err := m.store.Enqueue(ctx, item)
	if err == nil {
		metrics.RecordEnqueue(string(item.Bucket))
		return id, true, nil
	}
	if err != store.ErrConflict {
		return 0, false, err
	}

	existing, ferr := m.store.QueueItemByKey(ctx, item.Key())
	if ferr != nil {
		return 0, false, ferr
	}
	if existing == nil {
		// Lost the race to read it; the id the insert reported conflicting
		// with is still the best answer we can give the caller.
		return existingID, false, nil
	}
	if existing.Reserved() {
		// Frozen until the reservation ends.
		return existing.ID, false, nil
	}
	if item.Priority < existing.Priority {
		if rerr := m.store.Reprioritize(ctx, existing.ID, item.Priority); rerr != nil {
			return 0, false, rerr
		}
	}
	return existing.ID, false, nil
}

func (m *Manager) Peek(ctx context.Context, filter store.QueueFilter) (*domain.QueueItem, error) {
	return m.store.Peek(ctx, filter)
}

// Pop returns the next eligible item in bucket-then-priority-then-id
// order, or nil if nothing matches filter. The item
// stays in the queue; the caller either reserves it (Assignment Service)
// or removes it once a terminal run is recorded (Result Ingestor).
func (m *Manager) Pop(ctx context.Context, filter store.QueueFilter) (*domain.QueueItem, error) {
	item, err := m.store.Pop(ctx, filter)
	if err != nil {
		return nil, err
	}
	if item == nil {
		metrics.RecordNoWork()
		return nil, nil
	}
	return item, nil
}

func (m *Manager) Reprioritize(ctx context.Context, id int64, newPriority int64) error {
	return m.store.Reprioritize(ctx, id, newPriority)
}

func (m *Manager) Rebucket(ctx context.Context, id int64, newBucket domain.Bucket) error {
	return m.store.Rebucket(ctx, id, newBucket)
}

func (m *Manager) Position(ctx context.Context, id int64) (rank int, cumulativeWait time.Duration, err error) {
	return m.store.Position(ctx, id)
}

// Remove deletes id, refusing if it is currently reserved.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	item, err := m.store.QueueItem(ctx, id)
	if err != nil {
		return err
	}
	if item != nil && item.Reserved() {
		return ErrReservedRemove
	}
	return m.store.RemoveQueueItem(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter store.QueueFilter) ([]domain.QueueItem, error) {
	return m.store.ListQueue(ctx, filter)
}

// Item returns a single queue item by id.
func (m *Manager) Item(ctx context.Context, id int64) (*domain.QueueItem, error) {
	return m.store.QueueItem(ctx, id)
}

// ItemByKey returns the queue item for (codebase, campaign, change-set),
// or nil if none is queued, for callers (the Candidate Selector's
// duplicate-suppression check) that only have the key.
func (m *Manager) ItemByKey(ctx context.Context, key domain.CandidateKey) (*domain.QueueItem, error) {
	return m.store.QueueItemByKey(ctx, key)
}

// ItemByRunID returns the queue item whose pre-allocated run id matches,
// for the worker protocol's heartbeat/abandon/result endpoints.
func (m *Manager) ItemByRunID(ctx context.Context, runID uuid.UUID) (*domain.QueueItem, error) {
	return m.store.QueueItemByRunID(ctx, runID)
}

// Reserve binds id to a worker for the given reservation. Callers must
// roll back with Release if anything fails before the assignment bundle
// is handed to the worker.
func (m *Manager) Reserve(ctx context.Context, id int64, res domain.Reservation) error {
	return m.store.Reserve(ctx, id, res)
}

// Release clears id's reservation, returning it to the pool at its
// existing priority and bucket.
func (m *Manager) Release(ctx context.Context, id int64) error {
	return m.store.ReleaseReservation(ctx, id)
}

// ExtendLease moves id's lease expiry, for worker heartbeats.
func (m *Manager) ExtendLease(ctx context.Context, id int64, newExpiry time.Time) error {
	return m.store.ExtendLease(ctx, id, newExpiry)
}

// Defer makes id ineligible for pop until the given time.
func (m *Manager) Defer(ctx context.Context, id int64, until time.Time) error {
	return m.store.Defer(ctx, id, until)
}
