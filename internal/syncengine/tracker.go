package syncengine

import (
	"context"
	"sync"

	"github.com/ascentlog/ascent-sync/internal/record"
)

// PendingSource is the slice of the local store the tracker reads.
type PendingSource interface {
	PendingRecords(ctx context.Context, ownerID record.OwnerID, entityType record.EntityType) ([]record.Record, error)
}

// ChangeTracker scans the local store for records awaiting push and keeps
// an in-memory in-flight set so one record never rides two concurrent
// network calls. The set is deliberately not persisted: losing it on
// crash is safe because the durable pending flag re-queues the record on
// the next scan.
type ChangeTracker struct {
	source PendingSource

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewChangeTracker constructs a ChangeTracker over the given source.
func NewChangeTracker(source PendingSource) *ChangeTracker {
	return &ChangeTracker{
		source:   source,
		inFlight: make(map[string]struct{}),
	}
}

// PendingRecords returns records of the type awaiting push, soft-deleted
// ones included, minus anything currently in flight. A record edited
// again while in flight stays pending and is picked up next cycle.
func (t *ChangeTracker) PendingRecords(ctx context.Context, ownerID record.OwnerID, entityType record.EntityType) ([]record.Record, error) {
	records, err := t.source.PendingRecords(ctx, ownerID, entityType)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	eligible := records[:0]
	for _, rec := range records {
		if _, busy := t.inFlight[rec.ID]; busy {
			continue
		}
		eligible = append(eligible, rec)
	}
	return eligible, nil
}

// MarkInFlight records that a push for the id is outstanding.
func (t *ChangeTracker) MarkInFlight(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[id] = struct{}{}
}

// ClearInFlight removes the id from the in-flight set.
func (t *ChangeTracker) ClearInFlight(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// Reset empties the in-flight set, e.g. on account switch.
func (t *ChangeTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = make(map[string]struct{})
}
