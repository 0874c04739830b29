package syncengine

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ascentlog/ascent-sync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 60 * time.Second
	defaultMaxAttempts = 5
	jitterFraction     = 0.1
)

// FailedRecord surfaces a record the queue has given up on. The record
// itself stays pending in the local store until externally corrected.
type FailedRecord struct {
	RecordID string
	Code     string
	Reason   string
	FailedAt time.Time
}

// RetryQueueConfig tunes the backoff schedule.
type RetryQueueConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Logger      *zap.Logger
	// randFloat overrides jitter randomness in tests.
	randFloat func() float64
}

type retryEntry struct {
	attemptCount  int
	lastAttemptAt time.Time
	nextAttemptAt time.Time
	lastKind      remote.ErrorKind
}

// RetryQueue holds failed pushes with capped exponential backoff and
// symmetric jitter. It is transient by design: its source of truth is the
// persisted pending flag, so a killed process rebuilds the retry set from
// the next pending scan instead of a queue table that can desync.
type RetryQueue struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	logger      *zap.Logger
	randFloat   func() float64

	mu        sync.Mutex
	entries   map[string]*retryEntry
	permanent map[string]FailedRecord
}

// NewRetryQueue constructs a RetryQueue with defaults filled in.
func NewRetryQueue(cfg RetryQueueConfig) *RetryQueue {
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	randFloat := cfg.randFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}

	return &RetryQueue{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		logger:      logger,
		randFloat:   randFloat,
		entries:     make(map[string]*retryEntry),
		permanent:   make(map[string]FailedRecord),
	}
}

// Schedule records a failed push. Permanent failures and exhausted
// retryable ones are dropped from the queue and surfaced; everything else
// gets a backoff slot.
func (q *RetryQueue) Schedule(recordID string, cause error, now time.Time) {
	kind := remote.KindOf(cause)

	q.mu.Lock()
	defer q.mu.Unlock()

	var remoteErr *remote.Error
	if errors.As(cause, &remoteErr) && !remoteErr.Retryable() {
		delete(q.entries, recordID)
		q.markPermanentLocked(recordID, string(remoteErr.Kind), cause, now)
		return
	}

	entry, ok := q.entries[recordID]
	if !ok {
		entry = &retryEntry{}
		q.entries[recordID] = entry
	}
	entry.attemptCount++
	entry.lastAttemptAt = now
	entry.lastKind = kind

	if entry.attemptCount >= q.maxAttempts {
		delete(q.entries, recordID)
		q.markPermanentLocked(recordID, "retries_exhausted", cause, now)
		return
	}

	delay := q.delay(entry.attemptCount)
	entry.nextAttemptAt = now.Add(delay)
	q.logger.Debug("push retry scheduled",
		zap.String("record_id", recordID),
		zap.Int("attempt", entry.attemptCount),
		zap.Duration("delay", delay),
		zap.String("error_kind", string(kind)))
}

// delay computes min(base * 2^(attempt-1), max) with ±10% jitter.
func (q *RetryQueue) delay(attempt int) time.Duration {
	backoff := q.baseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= q.maxDelay {
			backoff = q.maxDelay
			break
		}
	}
	jitter := 1 + jitterFraction*(2*q.randFloat()-1)
	return time.Duration(float64(backoff) * jitter)
}

// Blocked reports whether the record is waiting out a backoff delay.
// Records unknown to the queue are never blocked.
func (q *RetryQueue) Blocked(recordID string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[recordID]
	if !ok {
		return false
	}
	return now.Before(entry.nextAttemptAt)
}

// Due lists the record ids whose backoff delay has elapsed.
func (q *RetryQueue) Due(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for id, entry := range q.entries {
		if !now.Before(entry.nextAttemptAt) {
			due = append(due, id)
		}
	}
	return due
}

// Succeeded removes a record from the queue after a confirmed push.
func (q *RetryQueue) Succeeded(recordID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, recordID)
	delete(q.permanent, recordID)
}

// PermanentFailures lists the records the queue has given up on.
func (q *RetryQueue) PermanentFailures() []FailedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	failures := make([]FailedRecord, 0, len(q.permanent))
	for _, failure := range q.permanent {
		failures = append(failures, failure)
	}
	return failures
}

// Reset drops all transient scheduling state, e.g. on account switch.
// Pending flags in the local store are untouched.
func (q *RetryQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*retryEntry)
	q.permanent = make(map[string]FailedRecord)
}

func (q *RetryQueue) markPermanentLocked(recordID, code string, cause error, now time.Time) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	q.permanent[recordID] = FailedRecord{
		RecordID: recordID,
		Code:     code,
		Reason:   reason,
		FailedAt: now,
	}
	q.logger.Warn("push permanently failed",
		zap.String("record_id", recordID),
		zap.String("code", code),
		zap.String("reason", reason))
}
