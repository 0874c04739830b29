// Package syncengine implements the offline-first synchronization core:
// pending-change tracking, deterministic conflict resolution, retry with
// backoff, and the coordinator that pushes and pulls in dependency order.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ascentlog/ascent-sync/internal/record"
	"github.com/ascentlog/ascent-sync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultPageSize     = 200
	defaultSafetyWindow = 5 * time.Minute
	defaultDebounce     = 500 * time.Millisecond
	mailboxCapacity     = 256
)

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("remote client is required")
	errMissingOwner  = errors.New("owner identifier is required")
)

// LocalStore is the durable collaborator the coordinator trusts as the
// single source of truth. All transient orchestration state can be
// rebuilt from it after a crash.
type LocalStore interface {
	PendingSource
	PendingCount(ctx context.Context, ownerID record.OwnerID) (int64, error)
	Get(ctx context.Context, ownerID record.OwnerID, recordID record.RecordID) (*record.Record, error)
	ClearPending(ctx context.Context, recordID string, pushedUpdatedAt int64) error
	SaveMerged(ctx context.Context, rec *record.Record) error
	Cursor(ctx context.Context, ownerID record.OwnerID) (int64, error)
	SetCursor(ctx context.Context, ownerID record.OwnerID, value int64) error
}

// State is the observability surface exposed to the UI layer. Write-path
// failures never surface synchronously; this is where sync health shows.
type State struct {
	LastPushAt        time.Time
	LastPullAt        time.Time
	PendingCount      int64
	IsSyncing         bool
	LastError         string
	PermanentFailures []FailedRecord
}

// CoordinatorConfig wires the coordinator's collaborators and tuning.
type CoordinatorConfig struct {
	Store        LocalStore
	Remote       remote.Client
	Owner        record.OwnerID
	RetryQueue   *RetryQueue
	PageSize     int
	SafetyWindow time.Duration
	Debounce     time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	// IsNotFound classifies store lookup misses. Defaults to matching
	// the store package's sentinel via errors.Is when left nil.
	IsNotFound func(err error) bool
}

// Coordinator owns the push and pull cycles. Each cycle kind carries a
// single-flight guard: a second invocation while one is running collapses
// into a no-op rather than queuing, because records left behind stay
// pending and the next trigger picks them up. Pushes and pulls may
// interleave with each other but never with themselves.
type Coordinator struct {
	store        LocalStore
	remoteClient remote.Client
	tracker      *ChangeTracker
	retryQueue   *RetryQueue
	pageSize     int
	safetyWindow time.Duration
	debounce     time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	isNotFound   func(err error) bool

	pushActive atomic.Bool
	pullActive atomic.Bool

	mailbox chan string

	mu         sync.Mutex
	owner      record.OwnerID
	lastPushAt time.Time
	lastPullAt time.Time
	lastError  string
	cancels    map[int64]context.CancelFunc
	nextCancel int64
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Owner.String() == "" {
		return nil, errMissingOwner
	}

	retryQueue := cfg.RetryQueue
	if retryQueue == nil {
		retryQueue = NewRetryQueue(RetryQueueConfig{Logger: cfg.Logger})
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	safetyWindow := cfg.SafetyWindow
	if safetyWindow <= 0 {
		safetyWindow = defaultSafetyWindow
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(err error) bool { return false }
	}

	return &Coordinator{
		store:        cfg.Store,
		remoteClient: cfg.Remote,
		tracker:      NewChangeTracker(cfg.Store),
		retryQueue:   retryQueue,
		pageSize:     pageSize,
		safetyWindow: safetyWindow,
		debounce:     debounce,
		clock:        clock,
		logger:       logger,
		isNotFound:   isNotFound,
		mailbox:      make(chan string, mailboxCapacity),
		owner:        cfg.Owner,
		cancels:      make(map[int64]context.CancelFunc),
	}, nil
}

// Enqueue signals that a record was just written locally and a push
// should follow soon. Fire-and-forget: a full mailbox is fine because the
// pending flag already guarantees the record reaches a future cycle.
func (c *Coordinator) Enqueue(recordID string) {
	select {
	case c.mailbox <- recordID:
	default:
	}
}

// Run drains the enqueue mailbox, debouncing bursts of local writes into
// single push cycles, until the context ends. Periodic and foreground
// triggers live with the caller; the coordinator is trigger-agnostic.
func (c *Coordinator) Run(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-c.mailbox:
			if timer == nil {
				timer = time.NewTimer(c.debounce)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			if err := c.PushPendingChanges(ctx); err != nil {
				c.logger.Warn("enqueue-triggered push failed", zap.Error(err))
			}
		}
	}
}

// PushPendingChanges walks entity types parents-first and batch-upserts
// every eligible pending record. Per-record failures go to the retry
// queue and never abort the batch; only local store failures abort the
// cycle and surface to the caller.
func (c *Coordinator) PushPendingChanges(ctx context.Context) error {
	if !c.pushActive.CompareAndSwap(false, true) {
		c.logger.Debug("push already running, skipping")
		return nil
	}
	defer c.pushActive.Store(false)

	cycleCtx, release := c.registerCycle(ctx)
	defer release()

	owner := c.currentOwner()
	batchFailed := false

	for _, entityType := range record.DependencyOrder {
		pending, err := c.tracker.PendingRecords(cycleCtx, owner, entityType)
		if err != nil {
			c.setLastError(err)
			return fmt.Errorf("pending scan for %s: %w", entityType, err)
		}

		now := c.clock()
		batch := pending[:0]
		for _, rec := range pending {
			if c.retryQueue.Blocked(rec.ID, now) {
				continue
			}
			batch = append(batch, rec)
		}
		if len(batch) == 0 {
			continue
		}

		remoteFailed, err := c.pushBatch(cycleCtx, entityType, batch)
		if err != nil {
			c.setLastError(err)
			return err
		}
		if remoteFailed {
			batchFailed = true
		}
	}

	c.mu.Lock()
	c.lastPushAt = c.clock()
	if !batchFailed {
		c.lastError = ""
	}
	c.mu.Unlock()
	return nil
}

// pushBatch sends one entity type's eligible records and applies the
// results. The returned bool reports a whole-batch remote failure, which
// the cycle absorbs; a non-nil error is a local store failure, which
// aborts it. In-flight marks are scoped to this call: they must never
// outlive the batch, or a still-pending record would be hidden from
// every later scan.
func (c *Coordinator) pushBatch(ctx context.Context, entityType record.EntityType, batch []record.Record) (bool, error) {
	for i := range batch {
		c.tracker.MarkInFlight(batch[i].ID)
	}
	defer func() {
		for i := range batch {
			c.tracker.ClearInFlight(batch[i].ID)
		}
	}()

	snapshots := make([]record.Snapshot, 0, len(batch))
	for i := range batch {
		snapshots = append(snapshots, record.SnapshotFromRecord(&batch[i]))
	}

	results, err := c.remoteClient.Upsert(ctx, entityType, snapshots)
	if err != nil {
		// Whole-batch transport failure: every record in the batch gets
		// a retry slot; siblings in later types still run (a child
		// hitting a missing parent is itself retryable).
		failedAt := c.clock()
		for i := range batch {
			c.retryQueue.Schedule(batch[i].ID, err, failedAt)
		}
		c.setLastError(err)
		c.logger.Warn("batch upsert failed",
			zap.String("entity_type", entityType.String()),
			zap.Int("records", len(batch)),
			zap.Error(err))
		return true, nil
	}

	for i := range batch {
		rec := batch[i]
		if i >= len(results) {
			// Short result set; leave the record pending for the next
			// cycle.
			continue
		}
		result := results[i]
		if result.Err == nil {
			if err := c.store.ClearPending(ctx, rec.ID, rec.UpdatedAtSeconds); err != nil {
				return false, fmt.Errorf("clear pending for %s: %w", rec.ID, err)
			}
			c.retryQueue.Succeeded(rec.ID)
		} else {
			c.retryQueue.Schedule(rec.ID, result.Err, c.clock())
		}
	}
	return false, nil
}

// PullUpdates fetches remote changes since the persisted cursor minus the
// clock-skew safety window, merges them through the conflict resolver and
// advances the cursor only after every page of every entity type has been
// fully applied. Merges are idempotent, so reprocessing after a failed or
// partial pull can only produce redundant no-ops.
func (c *Coordinator) PullUpdates(ctx context.Context) error {
	if !c.pullActive.CompareAndSwap(false, true) {
		c.logger.Debug("pull already running, skipping")
		return nil
	}
	defer c.pullActive.Store(false)

	cycleCtx, release := c.registerCycle(ctx)
	defer release()

	owner := c.currentOwner()
	cursor, err := c.store.Cursor(cycleCtx, owner)
	if err != nil {
		c.setLastError(err)
		return fmt.Errorf("read cursor: %w", err)
	}

	since := cursor - int64(c.safetyWindow/time.Second)
	if since < 0 {
		since = 0
	}

	maxSeen := cursor
	for _, entityType := range record.DependencyOrder {
		pageMax, err := c.pullEntityType(cycleCtx, owner, entityType, since)
		if err != nil {
			c.setLastError(err)
			return fmt.Errorf("pull %s: %w", entityType, err)
		}
		if pageMax > maxSeen {
			maxSeen = pageMax
		}
	}

	if maxSeen > cursor {
		if err := c.store.SetCursor(cycleCtx, owner, maxSeen); err != nil {
			c.setLastError(err)
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	c.mu.Lock()
	c.lastPullAt = c.clock()
	c.lastError = ""
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) pullEntityType(ctx context.Context, owner record.OwnerID, entityType record.EntityType, since int64) (int64, error) {
	var maxSeen int64
	for pageNumber := 0; ; pageNumber++ {
		snapshots, hasMore, err := c.remoteClient.FetchSince(ctx, entityType, since, remote.Page{
			Number: pageNumber,
			Size:   c.pageSize,
		})
		if err != nil {
			return maxSeen, err
		}

		for _, snapshot := range snapshots {
			if err := c.mergeSnapshot(ctx, owner, snapshot); err != nil {
				return maxSeen, err
			}
			if snapshot.UpdatedAtSeconds > maxSeen {
				maxSeen = snapshot.UpdatedAtSeconds
			}
		}

		if !hasMore || len(snapshots) < c.pageSize {
			return maxSeen, nil
		}
	}
}

func (c *Coordinator) mergeSnapshot(ctx context.Context, owner record.OwnerID, snapshot record.Snapshot) error {
	recordID, err := record.NewRecordID(snapshot.ID)
	if err != nil {
		c.logger.Warn("skipping snapshot with invalid id", zap.Error(err))
		return nil
	}
	if _, err := record.NewUnixTimestamp(snapshot.UpdatedAtSeconds); err != nil {
		c.logger.Warn("skipping snapshot with invalid timestamp",
			zap.String("record_id", snapshot.ID),
			zap.Error(err))
		return nil
	}

	local, err := c.store.Get(ctx, owner, recordID)
	if err != nil && !c.isNotFound(err) {
		return err
	}

	outcome := ResolveSnapshot(local, snapshot)
	if !outcome.Changed {
		return nil
	}
	return c.store.SaveMerged(ctx, outcome.Record)
}

// State reports sync health for status indicators. Pending count comes
// straight from the durable store, never from in-memory bookkeeping.
func (c *Coordinator) State(ctx context.Context) (State, error) {
	owner := c.currentOwner()
	pendingCount, err := c.store.PendingCount(ctx, owner)
	if err != nil {
		return State{}, err
	}

	c.mu.Lock()
	state := State{
		LastPushAt:   c.lastPushAt,
		LastPullAt:   c.lastPullAt,
		PendingCount: pendingCount,
		IsSyncing:    c.pushActive.Load() || c.pullActive.Load(),
		LastError:    c.lastError,
	}
	c.mu.Unlock()

	state.PermanentFailures = c.retryQueue.PermanentFailures()
	return state, nil
}

// Reset handles logout or account switch: cancels in-flight cycles and
// drops all transient scheduling state for the new owner. Pending flags
// and per-owner cursor rows are durable and deliberately untouched; the
// new account reads its own cursor row, defaulting to epoch.
func (c *Coordinator) Reset(newOwner record.OwnerID) error {
	if newOwner.String() == "" {
		return errMissingOwner
	}

	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = make(map[int64]context.CancelFunc)
	c.owner = newOwner
	c.lastPushAt = time.Time{}
	c.lastPullAt = time.Time{}
	c.lastError = ""
	c.mu.Unlock()

	c.retryQueue.Reset()
	c.tracker.Reset()
	c.logger.Info("sync coordinator reset", zap.String("owner_id", newOwner.String()))
	return nil
}

func (c *Coordinator) currentOwner() record.OwnerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Coordinator) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// registerCycle derives a cancellable context tracked for Reset.
func (c *Coordinator) registerCycle(ctx context.Context) (context.Context, func()) {
	cycleCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextCancel++
	handle := c.nextCancel
	c.cancels[handle] = cancel
	c.mu.Unlock()

	return cycleCtx, func() {
		c.mu.Lock()
		delete(c.cancels, handle)
		c.mu.Unlock()
		cancel()
	}
}
