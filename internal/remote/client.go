// Package remote defines the wire contract the sync engine pushes to and
// pulls from, together with the error taxonomy that drives retries, and
// an HTTP implementation of that contract.
package remote

import (
	"context"

	"github.com/ascentlog/ascent-sync/internal/record"
)

// UpsertResult is a per-item outcome of a batch upsert. The batch call
// itself fails only on transport or whole-request errors; one rejected
// record never hides its siblings' results.
type UpsertResult struct {
	ID  string
	Err *Error
}

// Page identifies one page of a fetch-since scan.
type Page struct {
	Number int
	Size   int
}

// Client is the remote collaborator contract.
type Client interface {
	// Upsert sends a batch of snapshots for one entity type and returns
	// a result per record, in input order.
	Upsert(ctx context.Context, entityType record.EntityType, snapshots []record.Snapshot) ([]UpsertResult, error)

	// FetchSince returns snapshots of the entity type updated strictly
	// after the given unix-seconds boundary, plus whether more pages
	// remain. Soft-deleted records are included so deletions propagate.
	FetchSince(ctx context.Context, entityType record.EntityType, sinceSeconds int64, page Page) ([]record.Snapshot, bool, error)
}

// TokenSource supplies bearer tokens for authenticated calls and can
// refresh them when the remote rejects one. This is the boundary to the
// external auth subsystem.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}
