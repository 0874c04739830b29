package server

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/ascentlog/ascent-sync/internal/record"
	"github.com/ascentlog/ascent-sync/internal/remote"
)

// memTable is the reference server's record store: an in-memory table
// keyed by owner and record id, guarded by a single mutex. Good enough
// for development and integration tests; durability is not its job.
type memTable struct {
	mu   sync.RWMutex
	rows map[string]map[string]record.Snapshot
}

func newMemTable() *memTable {
	return &memTable{rows: make(map[string]map[string]record.Snapshot)}
}

// upsert applies one snapshot with server-side last-write-wins and
// foreign-key checking. It returns an item error code, or empty on
// success. An older incoming snapshot is still reported as success: the
// push is acknowledged and the newer server state flows back on pull.
func (t *memTable) upsert(ownerID string, snapshot record.Snapshot) string {
	if strings.TrimSpace(snapshot.ID) == "" || snapshot.UpdatedAtSeconds <= 0 {
		return remote.CodeInvalidPayload
	}
	if snapshot.PayloadJSON != "" && !json.Valid([]byte(snapshot.PayloadJSON)) {
		return remote.CodeInvalidPayload
	}

	entityType, err := record.ParseEntityType(snapshot.EntityType)
	if err != nil {
		return remote.CodeInvalidPayload
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ownerRows, ok := t.rows[ownerID]
	if !ok {
		ownerRows = make(map[string]record.Snapshot)
		t.rows[ownerID] = ownerRows
	}

	if parentType := entityType.ParentType(); parentType != "" {
		parent, ok := ownerRows[snapshot.ParentID]
		if !ok || parent.EntityType != parentType.String() {
			return remote.CodeMissingParent
		}
	}

	if existing, ok := ownerRows[snapshot.ID]; ok && existing.UpdatedAtSeconds >= snapshot.UpdatedAtSeconds {
		return ""
	}

	snapshot.OwnerID = ownerID
	ownerRows[snapshot.ID] = snapshot
	return ""
}

// fetchSince returns snapshots of the type updated strictly after the
// boundary, ordered by updated-at then id, one page at a time. Deleted
// rows are included so deletions propagate to other devices.
func (t *memTable) fetchSince(ownerID, entityType string, since int64, page, pageSize int) ([]record.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matched []record.Snapshot
	for _, snapshot := range t.rows[ownerID] {
		if snapshot.EntityType != entityType {
			continue
		}
		if snapshot.UpdatedAtSeconds > since {
			matched = append(matched, snapshot)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAtSeconds != matched[j].UpdatedAtSeconds {
			return matched[i].UpdatedAtSeconds < matched[j].UpdatedAtSeconds
		}
		return matched[i].ID < matched[j].ID
	})

	start := page * pageSize
	if start >= len(matched) {
		return nil, false
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], end < len(matched)
}
