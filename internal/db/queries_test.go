package db

import (
	"context"
	"testing"
)

func seedCameraAndStream(t *testing.T, store *Store) (int32, int32) {
	t.Helper()
	ctx := context.Background()

	res, err := store.db.ExecContext(ctx, "INSERT INTO camera (uuid, short_name) VALUES (?, ?)", "cam-uuid", "front")
	if err != nil {
		t.Fatalf("insert camera: %v", err)
	}
	camID, _ := res.LastInsertId()

	dirID, err := store.UpsertSampleFileDir(ctx, SampleFileDir{Path: "/tmp/dir", UUID: "dir-uuid"})
	if err != nil {
		t.Fatalf("upsert sample file dir: %v", err)
	}

	res, err = store.db.ExecContext(ctx,
		"INSERT INTO stream (camera_id, sample_file_dir_id, type, record, rtsp_url) VALUES (?, ?, 'main', 1, 'rtsp://x')",
		camID, dirID)
	if err != nil {
		t.Fatalf("insert stream: %v", err)
	}
	streamID, _ := res.LastInsertId()

	return int32(camID), int32(streamID)
}

func TestReserveAllocatesMonotonicIDs(t *testing.T) {
	database := openTestDB(t)
	store := NewStore(database)
	ctx := context.Background()
	_, streamID := seedCameraAndStream(t, store)

	first, err := store.Reserve(ctx, streamID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	second, err := store.Reserve(ctx, streamID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if second != first+1 {
		t.Errorf("expected monotonic ids, got %d then %d", first, second)
	}
}

func TestCommitAddRecordingsAndListByTimeRange(t *testing.T) {
	database := openTestDB(t)
	store := NewStore(database)
	ctx := context.Background()
	_, streamID := seedCameraAndStream(t, store)

	openID, err := store.OpenRun(ctx, "open-uuid")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}

	vseID, err := store.InsertVideoSampleEntry(ctx, VideoSampleEntry{
		SHA1: "abc", Width: 1920, Height: 1080, RFC6381Codec: "avc1.640028", Data: []byte{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("insert vse: %v", err)
	}

	recID, err := store.Reserve(ctx, streamID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cid := NewCompositeID(streamID, recID)

	err = store.Commit(ctx, Batch{
		StreamDirID: 1,
		AddRecordings: []Recording{{
			CompositeID:        cid,
			StreamID:           streamID,
			OpenID:             openID,
			SampleFileBytes:    1000,
			StartTime90k:       9000000,
			WallDuration90k:    900000,
			VideoSampleEntryID: vseID,
			VideoSamples:       30,
			VideoSyncSamples:   1,
			VideoIndex:         []byte{0xAA},
		}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	recs, err := store.ListRecordingsByTimeRange(ctx, streamID, 0, 20000000)
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(recs))
	}
	if recs[0].CompositeID != cid {
		t.Errorf("expected composite id %d, got %d", cid, recs[0].CompositeID)
	}

	days, err := store.DayDurations(ctx, streamID)
	if err != nil {
		t.Fatalf("day durations: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("expected 1 day bucket, got %d", len(days))
	}
}

func TestCommitDeleteMovesToGarbageThenPurge(t *testing.T) {
	database := openTestDB(t)
	store := NewStore(database)
	ctx := context.Background()
	_, streamID := seedCameraAndStream(t, store)

	openID, _ := store.OpenRun(ctx, "open-uuid")
	vseID, _ := store.InsertVideoSampleEntry(ctx, VideoSampleEntry{SHA1: "x", Data: []byte{0}})
	recID, _ := store.Reserve(ctx, streamID)
	cid := NewCompositeID(streamID, recID)

	if err := store.Commit(ctx, Batch{
		StreamDirID: 1,
		AddRecordings: []Recording{{
			CompositeID: cid, StreamID: streamID, OpenID: openID,
			StartTime90k: 0, WallDuration90k: 90000, VideoSampleEntryID: vseID,
		}},
	}); err != nil {
		t.Fatalf("commit add: %v", err)
	}

	if err := store.Commit(ctx, Batch{StreamDirID: 1, DeleteRecordings: []CompositeID{cid}}); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	garbage, err := store.ListGarbage(ctx, 1)
	if err != nil {
		t.Fatalf("list garbage: %v", err)
	}
	if len(garbage) != 1 || garbage[0].Unlinked {
		t.Fatalf("expected one un-unlinked garbage row, got %+v", garbage)
	}

	if err := store.MarkUnlinked(ctx, 1, cid); err != nil {
		t.Fatalf("mark unlinked: %v", err)
	}

	if err := store.Commit(ctx, Batch{StreamDirID: 1, PurgeGarbage: []CompositeID{cid}}); err != nil {
		t.Fatalf("commit purge: %v", err)
	}

	garbage, err = store.ListGarbage(ctx, 1)
	if err != nil {
		t.Fatalf("list garbage: %v", err)
	}
	if len(garbage) != 0 {
		t.Fatalf("expected garbage purged, got %+v", garbage)
	}
}

func TestCompositeIDRoundTrip(t *testing.T) {
	cid := NewCompositeID(42, 7)
	if cid.StreamID() != 42 {
		t.Errorf("expected stream id 42, got %d", cid.StreamID())
	}
	if cid.RecordingID() != 7 {
		t.Errorf("expected recording id 7, got %d", cid.RecordingID())
	}
}

func TestUpsertCameraAndStreamKeepIDsAcrossRestarts(t *testing.T) {
	database := openTestDB(t)
	store := NewStore(database)
	ctx := context.Background()

	dirID, err := store.UpsertSampleFileDir(ctx, SampleFileDir{Path: "/tmp/upsert-dir", UUID: "dir-upsert"})
	if err != nil {
		t.Fatalf("upsert sample file dir: %v", err)
	}

	camID, err := store.UpsertCamera(ctx, Camera{UUID: "cam-restart", ShortName: "front"})
	if err != nil {
		t.Fatalf("upsert camera: %v", err)
	}
	streamID, err := store.UpsertStream(ctx, Stream{
		CameraID: camID, SampleFileDirID: &dirID, Type: "main", Record: true, RTSPURL: "rtsp://a",
	})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	// A restart re-runs the same upserts from config; the conflict/update
	// path must hand back the existing row's id, not a stale rowid.
	camID2, err := store.UpsertCamera(ctx, Camera{UUID: "cam-restart", ShortName: "front door"})
	if err != nil {
		t.Fatalf("re-upsert camera: %v", err)
	}
	if camID2 != camID {
		t.Errorf("re-upserted camera id = %d, want %d", camID2, camID)
	}

	streamID2, err := store.UpsertStream(ctx, Stream{
		CameraID: camID, SampleFileDirID: &dirID, Type: "main", Record: true, RTSPURL: "rtsp://b",
	})
	if err != nil {
		t.Fatalf("re-upsert stream: %v", err)
	}
	if streamID2 != streamID {
		t.Errorf("re-upserted stream id = %d, want %d", streamID2, streamID)
	}

	st, err := store.StreamByCameraAndType(ctx, camID, "main")
	if err != nil || st == nil {
		t.Fatalf("lookup stream after re-upsert: %v", err)
	}
	if st.RTSPURL != "rtsp://b" {
		t.Errorf("re-upsert did not apply the updated url, got %q", st.RTSPURL)
	}
}
