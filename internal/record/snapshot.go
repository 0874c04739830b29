package record

// Snapshot is the wire representation of a record as the remote store
// holds it. It carries everything a merge needs but no local-only state:
// the pending flag never crosses the wire.
type Snapshot struct {
	ID               string `json:"id"`
	OwnerID          string `json:"owner_id"`
	EntityType       string `json:"entity_type"`
	ParentID         string `json:"parent_id,omitempty"`
	EntryKey         string `json:"entry_key,omitempty"`
	PayloadJSON      string `json:"payload"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
	DeletedAtSeconds *int64 `json:"deleted_at_s,omitempty"`
}

// SnapshotFromRecord maps a local record to its wire form.
func SnapshotFromRecord(rec *Record) Snapshot {
	snapshot := Snapshot{
		ID:               rec.ID,
		OwnerID:          rec.OwnerID,
		EntityType:       rec.EntityType,
		ParentID:         rec.ParentID,
		EntryKey:         rec.EntryKey,
		PayloadJSON:      rec.PayloadJSON,
		CreatedAtSeconds: rec.CreatedAtSeconds,
		UpdatedAtSeconds: rec.UpdatedAtSeconds,
	}
	if rec.DeletedAtSeconds != nil {
		deletedAt := *rec.DeletedAtSeconds
		snapshot.DeletedAtSeconds = &deletedAt
	}
	return snapshot
}

// NewRecord materializes a local record from a remote snapshot. The
// result is already confirmed by the remote, so PendingSync is false.
func (s Snapshot) NewRecord() *Record {
	rec := &Record{
		ID:               s.ID,
		OwnerID:          s.OwnerID,
		EntityType:       s.EntityType,
		ParentID:         s.ParentID,
		EntryKey:         s.EntryKey,
		PayloadJSON:      s.PayloadJSON,
		CreatedAtSeconds: s.CreatedAtSeconds,
		UpdatedAtSeconds: s.UpdatedAtSeconds,
		PendingSync:      false,
	}
	if s.DeletedAtSeconds != nil {
		deletedAt := *s.DeletedAtSeconds
		rec.DeletedAtSeconds = &deletedAt
	}
	return rec
}

// ApplyTo overwrites the mutable fields of an existing local record with
// the snapshot's state. Identity fields are left alone; callers decide
// beforehand whether the snapshot should win.
func (s Snapshot) ApplyTo(rec *Record) {
	rec.ParentID = s.ParentID
	rec.EntryKey = s.EntryKey
	rec.PayloadJSON = s.PayloadJSON
	rec.UpdatedAtSeconds = s.UpdatedAtSeconds
	rec.PendingSync = false
	if s.DeletedAtSeconds != nil {
		deletedAt := *s.DeletedAtSeconds
		rec.DeletedAtSeconds = &deletedAt
	} else {
		rec.DeletedAtSeconds = nil
	}
}
