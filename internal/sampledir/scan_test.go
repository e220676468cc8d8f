package sampledir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvrcore/engine/internal/db"
)

func openScanStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.Open(db.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database).Run(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db.NewStore(database)
}

func seedScanStream(t *testing.T, store *db.Store) int32 {
	t.Helper()
	ctx := context.Background()
	camID, err := store.UpsertCamera(ctx, db.Camera{UUID: "cam-scan", ShortName: "cam"})
	if err != nil {
		t.Fatalf("upsert camera: %v", err)
	}
	streamID, err := store.UpsertStream(ctx, db.Stream{CameraID: camID, Type: "main", Record: true, RTSPURL: "rtsp://x"})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}
	return streamID
}

func commitScanRecording(t *testing.T, store *db.Store, streamID, recID int32) {
	t.Helper()
	ctx := context.Background()
	openID, err := store.OpenRun(ctx, "open-scan")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	err = store.Commit(ctx, db.Batch{AddRecordings: []db.Recording{{
		CompositeID:     db.NewCompositeID(streamID, recID),
		StreamID:        streamID,
		OpenID:          openID,
		SampleFileBytes: 4,
		StartTime90k:    1000,
		WallDuration90k: 90000,
	}}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func touchSampleFile(t *testing.T, d *Dir, streamID, recID int32) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(d.Path, filename(streamID, recID)), []byte("data"), 0644); err != nil {
		t.Fatalf("write sample file: %v", err)
	}
}

func TestScanUnlinksOrphansAndReportsMissing(t *testing.T) {
	store := openScanStore(t)
	streamID := seedScanStream(t, store)

	d, err := Open(1, t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	// Recording 1 is committed but its file is missing; the file for
	// recording 9 matches no row at all.
	commitScanRecording(t, store, streamID, 1)
	touchSampleFile(t, d, streamID, 9)

	res, err := Scan(context.Background(), d, store, streamID, 2, true)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(res.OrphansUnlinked) != 1 || res.OrphansUnlinked[0] != filename(streamID, 9) {
		t.Errorf("orphans = %v, want just %s", res.OrphansUnlinked, filename(streamID, 9))
	}
	if _, err := os.Stat(filepath.Join(d.Path, filename(streamID, 9))); !os.IsNotExist(err) {
		t.Error("orphan file must be unlinked from disk")
	}
	if len(res.Missing) != 1 || res.Missing[0] != db.NewCompositeID(streamID, 1) {
		t.Errorf("missing = %v, want the committed recording whose file is gone", res.Missing)
	}
}

func TestScanLiveLeavesReservationsAlone(t *testing.T) {
	store := openScanStore(t)
	streamID := seedScanStream(t, store)

	d, err := Open(2, t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	// A file at or above the stream's committed position is an in-flight
	// reservation during a live rescan, never an orphan.
	touchSampleFile(t, d, streamID, 5)

	res, err := Scan(context.Background(), d, store, streamID, 3, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.OrphansUnlinked) != 0 {
		t.Errorf("live scan unlinked %v; reservations must survive", res.OrphansUnlinked)
	}
	if _, err := os.Stat(filepath.Join(d.Path, filename(streamID, 5))); err != nil {
		t.Errorf("reserved file must still exist: %v", err)
	}

	// The same file at startup is a discarded pre-crash partial.
	res, err = Scan(context.Background(), d, store, streamID, 3, true)
	if err != nil {
		t.Fatalf("startup scan: %v", err)
	}
	if len(res.OrphansUnlinked) != 1 {
		t.Errorf("startup scan must unlink the stale partial, got %v", res.OrphansUnlinked)
	}
}

func TestScanSkipsSidecarAndLockFiles(t *testing.T) {
	store := openScanStore(t)
	streamID := seedScanStream(t, store)

	d, err := Open(3, t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	if err := d.WriteMeta(Meta{DBUUID: "db", DirUUID: "dir"}); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	res, err := Scan(context.Background(), d, store, streamID, 1, true)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.OrphansUnlinked) != 0 {
		t.Errorf("sidecar/lock files must never scan as orphans, got %v", res.OrphansUnlinked)
	}
}

func TestMetaRoundTripAndVerify(t *testing.T) {
	d, err := Open(4, t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	m, err := d.ReadMeta()
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if m != nil {
		t.Fatal("fresh directory must have no sidecar")
	}

	want := Meta{
		DBUUID:         "db-uuid",
		DirUUID:        "dir-uuid",
		InProgressOpen: &OpenRef{ID: 3, UUID: "open-uuid"},
	}
	if err := d.WriteMeta(want); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	got, err := d.VerifyMeta("db-uuid", "dir-uuid")
	if err != nil {
		t.Fatalf("verify meta: %v", err)
	}
	if got == nil || got.InProgressOpen == nil || got.InProgressOpen.ID != 3 {
		t.Fatalf("sidecar round-trip lost the in-progress open: %+v", got)
	}

	if _, err := d.VerifyMeta("other-db", "dir-uuid"); err == nil {
		t.Error("a sidecar written by another database must fail verification")
	}
	if _, err := d.VerifyMeta("db-uuid", "other-dir"); err == nil {
		t.Error("a sidecar with a different dir uuid must fail verification")
	}
}

func TestScanLeavesOtherStreamsFilesAlone(t *testing.T) {
	store := openScanStore(t)
	streamID := seedScanStream(t, store)

	d, err := Open(5, t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	// A directory holds sample files for every stream assigned to it.
	// Another stream's committed file must survive this stream's startup
	// pass untouched, even though this stream's store rows don't know it.
	other := streamID + 1
	touchSampleFile(t, d, other, 1)

	res, err := Scan(context.Background(), d, store, streamID, 1, true)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.OrphansUnlinked) != 0 {
		t.Fatalf("scan for stream %d unlinked %v; other streams' files are not its orphans", streamID, res.OrphansUnlinked)
	}
	if _, err := os.Stat(filepath.Join(d.Path, filename(other, 1))); err != nil {
		t.Errorf("other stream's file must still exist: %v", err)
	}
}

func TestScanUnlinksUndecodableNames(t *testing.T) {
	store := openScanStore(t)
	streamID := seedScanStream(t, store)

	d, err := Open(6, t.TempDir())
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	defer d.Close()

	if err := os.WriteFile(filepath.Join(d.Path, "not-a-sample-file"), []byte("junk"), 0644); err != nil {
		t.Fatalf("write junk file: %v", err)
	}

	res, err := Scan(context.Background(), d, store, streamID, 1, true)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(res.OrphansUnlinked) != 1 || res.OrphansUnlinked[0] != "not-a-sample-file" {
		t.Fatalf("expected the undecodable name to be unlinked as an orphan, got %v", res.OrphansUnlinked)
	}
}
