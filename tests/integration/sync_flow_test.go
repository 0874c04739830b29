package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ascentlog/ascent-sync/internal/auth"
	"github.com/ascentlog/ascent-sync/internal/record"
	"github.com/ascentlog/ascent-sync/internal/remote"
	"github.com/ascentlog/ascent-sync/internal/server"
	"github.com/ascentlog/ascent-sync/internal/store"
	"github.com/ascentlog/ascent-sync/internal/syncengine"
	"github.com/gin-gonic/gin"
)

// fakeClock drives record timestamps deterministically. Tests run devices
// sequentially, so plain field access is fine.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// device bundles everything one synced client carries: its own SQLite
// store, HTTP remote client and coordinator, all pointed at the shared
// reference server.
type device struct {
	store       *store.Store
	coordinator *syncengine.Coordinator
	clock       *fakeClock
}

func startReferenceServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "ascent-remote",
		Audience:      "ascent-sync",
	})
	handler, err := server.NewHTTPHandler(server.Dependencies{Tokens: issuer})
	if err != nil {
		t.Fatalf("failed to build server handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer
}

func newDevice(t *testing.T, serverURL, name string, ownerID record.OwnerID, clock *fakeClock) *device {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", t.Name(), name)
	db, err := store.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open device database: %v", err)
	}

	localStore, err := store.New(store.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	tokenSource, err := auth.NewRemoteTokenSource(auth.RemoteTokenSourceConfig{
		BaseURL:  serverURL,
		OwnerID:  ownerID.String(),
		DeviceID: name,
	})
	if err != nil {
		t.Fatalf("failed to build token source: %v", err)
	}

	remoteClient, err := remote.NewHTTPClient(remote.HTTPClientConfig{
		BaseURL:     serverURL,
		TokenSource: tokenSource,
	})
	if err != nil {
		t.Fatalf("failed to build remote client: %v", err)
	}

	coordinator, err := syncengine.NewCoordinator(syncengine.CoordinatorConfig{
		Store:  localStore,
		Remote: remoteClient,
		Owner:  ownerID,
		Clock:  clock.Now,
		IsNotFound: func(err error) bool {
			return errors.Is(err, store.ErrRecordNotFound)
		},
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	return &device{store: localStore, coordinator: coordinator, clock: clock}
}

func (d *device) insert(t *testing.T, input store.NewRecordInput) *record.Record {
	t.Helper()
	rec, err := d.store.Insert(context.Background(), input)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return rec
}

func (d *device) push(t *testing.T) {
	t.Helper()
	if err := d.coordinator.PushPendingChanges(context.Background()); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func (d *device) pull(t *testing.T) {
	t.Helper()
	if err := d.coordinator.PullUpdates(context.Background()); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
}

func (d *device) mustGet(t *testing.T, ownerID record.OwnerID, id string) *record.Record {
	t.Helper()
	recordID, err := record.NewRecordID(id)
	if err != nil {
		t.Fatalf("bad record id: %v", err)
	}
	rec, err := d.store.Get(context.Background(), ownerID, recordID)
	if err != nil {
		t.Fatalf("get %s failed: %v", id, err)
	}
	return rec
}

func (d *device) pendingCount(t *testing.T, ownerID record.OwnerID) int64 {
	t.Helper()
	count, err := d.store.PendingCount(context.Background(), ownerID)
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	return count
}

func TestTwoDeviceSyncFlow(t *testing.T) {
	testServer := startReferenceServer(t)

	owner, err := record.NewOwnerID("owner-integration")
	if err != nil {
		t.Fatalf("bad owner id: %v", err)
	}

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clockA := &fakeClock{now: base}
	clockB := &fakeClock{now: base}

	deviceA := newDevice(t, testServer.URL, "device_a", owner, clockA)
	deviceB := newDevice(t, testServer.URL, "device_b", owner, clockB)

	// Device A logs a session with one climb and one attempt, fully
	// offline, then pushes.
	session := deviceA.insert(t, store.NewRecordInput{
		OwnerID:     owner,
		EntityType:  record.EntityTypeSession,
		PayloadJSON: `{"location":"north gym"}`,
	})
	clockA.Advance(time.Second)
	climb := deviceA.insert(t, store.NewRecordInput{
		OwnerID:     owner,
		EntityType:  record.EntityTypeClimb,
		ParentID:    session.ID,
		EntryKey:    "blue-v4",
		PayloadJSON: `{"grade":"V4"}`,
	})
	clockA.Advance(time.Second)
	attempt := deviceA.insert(t, store.NewRecordInput{
		OwnerID:     owner,
		EntityType:  record.EntityTypeAttempt,
		ParentID:    climb.ID,
		PayloadJSON: `{"result":"fell"}`,
	})

	if got := deviceA.pendingCount(t, owner); got != 3 {
		t.Fatalf("expected three pending before push, got %d", got)
	}
	deviceA.push(t)
	if got := deviceA.pendingCount(t, owner); got != 0 {
		t.Fatalf("expected no pending after push, got %d", got)
	}

	// Device B pulls and materializes the whole graph.
	deviceB.pull(t)
	for _, id := range []string{session.ID, climb.ID, attempt.ID} {
		rec := deviceB.mustGet(t, owner, id)
		if rec.PendingSync {
			t.Fatalf("pulled record %s must not be pending", id)
		}
	}
	if got := deviceB.mustGet(t, owner, climb.ID).PayloadJSON; got != `{"grade":"V4"}` {
		t.Fatalf("unexpected climb payload on device B: %s", got)
	}

	// Device B corrects the climb grade and pushes; device A pulls the
	// newer version.
	clockB.Advance(time.Minute)
	editedClimb := deviceB.mustGet(t, owner, climb.ID)
	editedClimb.PayloadJSON = `{"grade":"V5"}`
	if err := deviceB.store.SaveLocalEdit(context.Background(), editedClimb); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	deviceB.push(t)

	deviceA.pull(t)
	if got := deviceA.mustGet(t, owner, climb.ID).PayloadJSON; got != `{"grade":"V5"}` {
		t.Fatalf("expected device A to adopt newer grade, got %s", got)
	}

	// Device A deletes the attempt; the deletion propagates to B where
	// the row leaves the active view but stays materialized.
	clockA.Advance(2 * time.Minute)
	attemptID, _ := record.NewRecordID(attempt.ID)
	if err := deviceA.store.SoftDelete(context.Background(), owner, attemptID); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	deviceA.push(t)
	deviceB.pull(t)

	if rec := deviceB.mustGet(t, owner, attempt.ID); !rec.IsDeleted() {
		t.Fatalf("expected attempt deleted on device B")
	}
	active, err := deviceB.store.ActiveRecords(context.Background(), owner, record.EntityTypeAttempt)
	if err != nil {
		t.Fatalf("active records failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active attempts on device B, got %d", len(active))
	}
}

func TestPendingLocalEditSurvivesPull(t *testing.T) {
	testServer := startReferenceServer(t)

	owner, err := record.NewOwnerID("owner-conflict")
	if err != nil {
		t.Fatalf("bad owner id: %v", err)
	}

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clockA := &fakeClock{now: base}
	clockB := &fakeClock{now: base}

	deviceA := newDevice(t, testServer.URL, "device_a", owner, clockA)
	deviceB := newDevice(t, testServer.URL, "device_b", owner, clockB)

	session := deviceA.insert(t, store.NewRecordInput{
		OwnerID:     owner,
		EntityType:  record.EntityTypeSession,
		PayloadJSON: `{"location":"north gym"}`,
	})
	deviceA.push(t)
	deviceB.pull(t)

	// Device B edits the session but stays offline. Device A makes a
	// newer edit and pushes it.
	clockB.Advance(time.Minute)
	localEdit := deviceB.mustGet(t, owner, session.ID)
	localEdit.PayloadJSON = `{"location":"b edit"}`
	if err := deviceB.store.SaveLocalEdit(context.Background(), localEdit); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	clockA.Advance(5 * time.Minute)
	remoteEdit := deviceA.mustGet(t, owner, session.ID)
	remoteEdit.PayloadJSON = `{"location":"a edit"}`
	if err := deviceA.store.SaveLocalEdit(context.Background(), remoteEdit); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	deviceA.push(t)

	// B's pull sees A's newer snapshot but B's unpushed edit wins until
	// it has been pushed.
	deviceB.pull(t)
	afterPull := deviceB.mustGet(t, owner, session.ID)
	if afterPull.PayloadJSON != `{"location":"b edit"}` {
		t.Fatalf("pending local edit was overwritten: %s", afterPull.PayloadJSON)
	}
	if !afterPull.PendingSync {
		t.Fatalf("pending flag must survive the pull")
	}

	// Once pushed, the server's last-write-wins keeps A's newer edit and
	// B converges to it on the next pull.
	deviceB.push(t)
	if got := deviceB.pendingCount(t, owner); got != 0 {
		t.Fatalf("expected push to clear pending, got %d", got)
	}
	deviceB.pull(t)
	converged := deviceB.mustGet(t, owner, session.ID)
	if converged.PayloadJSON != `{"location":"a edit"}` {
		t.Fatalf("expected convergence to the newer edit, got %s", converged.PayloadJSON)
	}
}
