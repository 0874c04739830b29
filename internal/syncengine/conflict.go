package syncengine

import "github.com/ascentlog/ascent-sync/internal/record"

// MergeOutcome captures the decision from ResolveSnapshot.
type MergeOutcome struct {
	// Record is the winning local state. Points at a fresh record when
	// the snapshot had no local counterpart.
	Record *record.Record
	// Changed reports whether the local store needs a save.
	Changed bool
}

// ResolveSnapshot decides between a local record and a remote snapshot of
// the same record. Pure; no I/O, cannot fail, and reapplying the same
// snapshot is a no-op, which is what makes the pull safety window safe.
//
// Resolution is whole-record last-write-wins with one override: an
// unconfirmed local edit always wins, even against a numerically later
// remote timestamp. Field-level merging of concurrent edits touching
// disjoint fields is a known limitation, not an option.
func ResolveSnapshot(local *record.Record, snapshot record.Snapshot) MergeOutcome {
	if local == nil {
		return MergeOutcome{Record: snapshot.NewRecord(), Changed: true}
	}

	if local.PendingSync {
		// Local edit not yet confirmed by the remote. Clobbering it here
		// would silently discard user input that simply hasn't pushed.
		return MergeOutcome{Record: local, Changed: false}
	}

	if snapshot.UpdatedAtSeconds > local.UpdatedAtSeconds {
		snapshot.ApplyTo(local)
		return MergeOutcome{Record: local, Changed: true}
	}

	// Local is at or ahead of the remote; redundant no-op merge.
	return MergeOutcome{Record: local, Changed: false}
}
