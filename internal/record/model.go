package record

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("record: invalid record id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("record: invalid owner id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("record: invalid unix timestamp")
)

// RecordID represents a validated record identifier. Identifiers are
// client-generated and immutable for the lifetime of the record.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// OwnerID represents a validated account identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Record models the persisted syncable entity row. Entity-specific fields
// live in PayloadJSON so the sync engine never inspects them; the engine
// only reads identity, timestamps, the soft-delete marker and the pending
// flag.
type Record struct {
	ID               string `gorm:"column:record_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_records_owner_pending,priority:1;index:idx_records_owner_updated,priority:1"`
	EntityType       string `gorm:"column:entity_type;size:32;not null;index:idx_records_owner_pending,priority:2"`
	ParentID         string `gorm:"column:parent_id;size:190;not null;default:''"`
	EntryKey         string `gorm:"column:entry_key;size:190;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_records_owner_updated,priority:2"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s"`
	PendingSync      bool   `gorm:"column:pending_sync;not null;default:false;index:idx_records_owner_pending,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// IsDeleted reports whether the record carries a soft-delete marker.
// Deleted records stay in storage so the deletion itself can sync.
func (r *Record) IsDeleted() bool {
	return r.DeletedAtSeconds != nil
}

// Touch advances UpdatedAtSeconds and marks the record pending. The
// timestamp is forced strictly past the previous value so repeated
// mutations within the same second still order correctly.
func (r *Record) Touch(nowSeconds int64) {
	if nowSeconds <= r.UpdatedAtSeconds {
		nowSeconds = r.UpdatedAtSeconds + 1
	}
	r.UpdatedAtSeconds = nowSeconds
	r.PendingSync = true
}

// SyncCursor persists the last fully-merged pull boundary for an account.
// It advances only after a pull page set has been completely applied.
type SyncCursor struct {
	OwnerID       string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	LastPulledAtS int64  `gorm:"column:last_pulled_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}
