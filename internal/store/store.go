// Package store implements the local durable side of the sync engine: a
// transactional record store over SQLite. It is the sole source of truth
// for record state; the sync engine derives all transient orchestration
// state (retry schedule, in-flight set) from the pending flags held here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ascentlog/ascent-sync/internal/record"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingOwnerID  = errors.New("owner identifier is required")
	errMissingRecordID = errors.New("record identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrRecordNotFound indicates the requested record does not exist locally.
	ErrRecordNotFound = errors.New("store: record not found")
	// ErrDuplicateActiveKey indicates another non-deleted record already
	// holds the same entry key under the same parent. Uniqueness is scoped
	// to active rows so a soft-deleted record never blocks re-creation.
	ErrDuplicateActiveKey = errors.New("store: duplicate active entry key")
)

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew     = "store.new"
	opInsert       = "store.insert"
	opSaveEdit     = "store.save_edit"
	opSoftDelete   = "store.soft_delete"
	opGet          = "store.get"
	opPending      = "store.pending_records"
	opPendingCount = "store.pending_count"
	opActive       = "store.active_records"
	opClearPending = "store.clear_pending"
	opSaveMerged   = "store.save_merged"
	opCursor       = "store.cursor"
	opSetCursor    = "store.set_cursor"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config collects the dependencies for a Store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider record.IDProvider
	Logger     *zap.Logger
}

// Store provides transactional CRUD and the pending/cursor queries the
// sync engine depends on. Writes complete locally without touching the
// network; the pending flag is the only signal the push cycle needs.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider record.IDProvider
	logger     *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = record.NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// NewRecordInput describes a user-facing create.
type NewRecordInput struct {
	OwnerID     record.OwnerID
	EntityType  record.EntityType
	ParentID    string
	EntryKey    string
	PayloadJSON string
}

// Insert creates a record, stamps timestamps, marks it pending and saves
// it in one transaction. Entry keys are checked against active rows only.
func (s *Store) Insert(ctx context.Context, input NewRecordInput) (*record.Record, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opInsert, "id_generation_failed", err)
		return nil, newStoreError(opInsert, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	rec := &record.Record{
		ID:               id,
		OwnerID:          input.OwnerID.String(),
		EntityType:       input.EntityType.String(),
		ParentID:         input.ParentID,
		EntryKey:         input.EntryKey,
		PayloadJSON:      input.PayloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		PendingSync:      true,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.EntryKey != "" {
			exists, err := activeKeyExists(tx, rec, "")
			if err != nil {
				return newStoreError(opInsert, "uniqueness_check_failed", err)
			}
			if exists {
				return newStoreError(opInsert, "duplicate_entry_key", ErrDuplicateActiveKey)
			}
		}
		if err := tx.Create(rec).Error; err != nil {
			return newStoreError(opInsert, "create_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opInsert, "transaction_failed", txErr, zap.String("record_id", id))
		return nil, txErr
	}

	return rec, nil
}

// SaveLocalEdit persists a user-facing mutation: it bumps UpdatedAt,
// raises the pending flag and saves transactionally.
func (s *Store) SaveLocalEdit(ctx context.Context, rec *record.Record) error {
	if rec == nil || rec.ID == "" {
		return newStoreError(opSaveEdit, "missing_record_id", errMissingRecordID)
	}

	rec.Touch(s.clock().UTC().Unix())

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.EntryKey != "" && !rec.IsDeleted() {
			exists, err := activeKeyExists(tx, rec, rec.ID)
			if err != nil {
				return newStoreError(opSaveEdit, "uniqueness_check_failed", err)
			}
			if exists {
				return newStoreError(opSaveEdit, "duplicate_entry_key", ErrDuplicateActiveKey)
			}
		}
		if err := tx.Save(rec).Error; err != nil {
			return newStoreError(opSaveEdit, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSaveEdit, "transaction_failed", txErr, zap.String("record_id", rec.ID))
	}
	return txErr
}

// SoftDelete marks the record deleted. The row stays in storage so the
// deletion itself propagates through the next push.
func (s *Store) SoftDelete(ctx context.Context, ownerID record.OwnerID, recordID record.RecordID) error {
	rec, err := s.Get(ctx, ownerID, recordID)
	if err != nil {
		return err
	}
	if rec.IsDeleted() {
		return nil
	}

	now := s.clock().UTC().Unix()
	deletedAt := now
	rec.DeletedAtSeconds = &deletedAt
	rec.Touch(now)

	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		s.logError(opSoftDelete, "save_failed", err, zap.String("record_id", rec.ID))
		return newStoreError(opSoftDelete, "save_failed", err)
	}
	return nil
}

// Get fetches a single record regardless of its deletion state.
func (s *Store) Get(ctx context.Context, ownerID record.OwnerID, recordID record.RecordID) (*record.Record, error) {
	var rec record.Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND record_id = ?", ownerID.String(), recordID.String()).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID.String())
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("record_id", recordID.String()))
		return nil, newStoreError(opGet, "query_failed", err)
	}
	return &rec, nil
}

// PendingRecords returns every record of the given type awaiting push,
// deleted or not. Deletes must sync too.
func (s *Store) PendingRecords(ctx context.Context, ownerID record.OwnerID, entityType record.EntityType) ([]record.Record, error) {
	var records []record.Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND entity_type = ? AND pending_sync = ?", ownerID.String(), entityType.String(), true).
		Order("updated_at_s ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opPending, "query_failed", err, zap.String("entity_type", entityType.String()))
		return nil, newStoreError(opPending, "query_failed", err)
	}
	return records, nil
}

// PendingCount returns how many records are awaiting push across all types.
func (s *Store) PendingCount(ctx context.Context, ownerID record.OwnerID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&record.Record{}).
		Where("owner_id = ? AND pending_sync = ?", ownerID.String(), true).
		Count(&count).Error
	if err != nil {
		s.logError(opPendingCount, "query_failed", err)
		return 0, newStoreError(opPendingCount, "query_failed", err)
	}
	return count, nil
}

// ActiveRecords returns the user-facing view: soft-deleted rows excluded.
func (s *Store) ActiveRecords(ctx context.Context, ownerID record.OwnerID, entityType record.EntityType) ([]record.Record, error) {
	var records []record.Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND entity_type = ? AND deleted_at_s IS NULL", ownerID.String(), entityType.String()).
		Order("updated_at_s DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opActive, "query_failed", err, zap.String("entity_type", entityType.String()))
		return nil, newStoreError(opActive, "query_failed", err)
	}
	return records, nil
}

// ClearPending lowers the pending flag after a confirmed push. Sync
// metadata only: UpdatedAt is deliberately left alone. The update is
// guarded on updated_at_s so a local edit racing the push keeps the
// record pending for the next cycle.
func (s *Store) ClearPending(ctx context.Context, recordID string, pushedUpdatedAt int64) error {
	err := s.db.WithContext(ctx).
		Model(&record.Record{}).
		Where("record_id = ? AND updated_at_s = ?", recordID, pushedUpdatedAt).
		Update("pending_sync", false).Error
	if err != nil {
		s.logError(opClearPending, "update_failed", err, zap.String("record_id", recordID))
		return newStoreError(opClearPending, "update_failed", err)
	}
	return nil
}

// SaveMerged persists the outcome of a conflict resolution. The record
// state is already decided; no timestamps are stamped here.
func (s *Store) SaveMerged(ctx context.Context, rec *record.Record) error {
	if rec == nil || rec.ID == "" {
		return newStoreError(opSaveMerged, "missing_record_id", errMissingRecordID)
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		s.logError(opSaveMerged, "save_failed", err, zap.String("record_id", rec.ID))
		return newStoreError(opSaveMerged, "save_failed", err)
	}
	return nil
}

// Cursor reads the persisted pull boundary for the account. Accounts
// that never pulled start at epoch.
func (s *Store) Cursor(ctx context.Context, ownerID record.OwnerID) (int64, error) {
	if ownerID.String() == "" {
		return 0, newStoreError(opCursor, "missing_owner_id", errMissingOwnerID)
	}
	var cursor record.SyncCursor
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID.String()).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opCursor, "query_failed", err)
		return 0, newStoreError(opCursor, "query_failed", err)
	}
	return cursor.LastPulledAtS, nil
}

// SetCursor advances the persisted pull boundary. Callers only pass
// values derived from fully-merged pages.
func (s *Store) SetCursor(ctx context.Context, ownerID record.OwnerID, value int64) error {
	if ownerID.String() == "" {
		return newStoreError(opSetCursor, "missing_owner_id", errMissingOwnerID)
	}
	cursor := record.SyncCursor{OwnerID: ownerID.String(), LastPulledAtS: value}
	if err := s.db.WithContext(ctx).Save(&cursor).Error; err != nil {
		s.logError(opSetCursor, "save_failed", err)
		return newStoreError(opSetCursor, "save_failed", err)
	}
	return nil
}

func activeKeyExists(tx *gorm.DB, rec *record.Record, excludeID string) (bool, error) {
	query := tx.Model(&record.Record{}).
		Where("owner_id = ? AND entity_type = ? AND parent_id = ? AND entry_key = ? AND deleted_at_s IS NULL",
			rec.OwnerID, rec.EntityType, rec.ParentID, rec.EntryKey)
	if excludeID != "" {
		query = query.Where("record_id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
