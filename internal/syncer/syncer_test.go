package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/streamer"
)

func openTestStore(t *testing.T) *db.Store {
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

func seedStream(t *testing.T, store *db.Store) int32 {
	t.Helper()
	ctx := context.Background()
	camID, err := store.UpsertCamera(ctx, db.Camera{UUID: "cam-syncer", ShortName: "cam"})
	if err != nil {
		t.Fatalf("upsert camera: %v", err)
	}
	streamID, err := store.UpsertStream(ctx, db.Stream{CameraID: camID, Type: "main", Record: true, RTSPURL: "rtsp://x"})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}
	return streamID
}

func TestFlushCommitsPendingRecordings(t *testing.T) {
	store := openTestStore(t)
	streamID := seedStream(t, store)
	ctx := context.Background()

	openID, err := store.OpenRun(ctx, "open-syncer")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}

	s := New(1, store, nil, time.Hour)
	s.Enqueue(streamer.CompletedRecording{
		Recording: db.Recording{
			CompositeID:     db.NewCompositeID(streamID, 1),
			StreamID:        streamID,
			OpenID:          openID,
			SampleFileBytes: 1234,
			StartTime90k:    1000,
			WallDuration90k: 90000,
		},
	})

	if got := s.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}

	recs, err := store.ListRecordingsByTimeRange(ctx, streamID, 0, int64(^uint64(0)>>1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].SampleFileBytes != 1234 {
		t.Fatalf("expected the flushed recording to be committed, got %+v", recs)
	}
}

func TestFlushWithNoPendingIsNoop(t *testing.T) {
	store := openTestStore(t)
	s := New(1, store, nil, time.Hour)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestStartStopRunsFinalFlush(t *testing.T) {
	store := openTestStore(t)
	streamID := seedStream(t, store)
	ctx := context.Background()

	openID, err := store.OpenRun(ctx, "open-syncer-2")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}

	s := New(1, store, nil, time.Hour) // long interval so only Stop's final flush commits
	s.Enqueue(streamer.CompletedRecording{Recording: db.Recording{
		CompositeID:     db.NewCompositeID(streamID, 2),
		StreamID:        streamID,
		OpenID:          openID,
		SampleFileBytes: 42,
		StartTime90k:    2000,
		WallDuration90k: 90000,
	}})

	s.Start(ctx)
	s.Stop()

	recs, err := store.ListRecordingsByTimeRange(ctx, streamID, 0, int64(^uint64(0)>>1))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected Stop's final flush to commit the pending recording, got %d", len(recs))
	}
}
