package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/mp4"
	"github.com/nvrcore/engine/internal/sampledir"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := db.DefaultConfig(tmpDir)
	database, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database).Run(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db.NewStore(database)
}

// seedCameraStream inserts a camera+main stream pair directly via the
// store's helpers, returning the camera uuid, stream id and dir id.
func seedCameraStream(t *testing.T, store *db.Store) (camUUID string, streamID, dirID int32) {
	t.Helper()
	ctx := context.Background()

	dirID, err := store.UpsertSampleFileDir(ctx, db.SampleFileDir{Path: filepath.Join(t.TempDir(), "dir"), UUID: "dir-uuid-1"})
	if err != nil {
		t.Fatalf("upsert sample file dir: %v", err)
	}

	camID, err := store.UpsertCamera(ctx, db.Camera{UUID: "cam-uuid-1", ShortName: "front", Description: "front door"})
	if err != nil {
		t.Fatalf("upsert camera: %v", err)
	}

	sid, err := store.UpsertStream(ctx, db.Stream{
		CameraID:        camID,
		SampleFileDirID: &dirID,
		Type:            "main",
		Record:          true,
		RTSPURL:         "rtsp://example/main",
	})
	if err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	return "cam-uuid-1", sid, dirID
}

type fakeDirResolver struct {
	dirs map[int32]*sampledir.Dir
}

func (f *fakeDirResolver) Get(dirID int32) (*sampledir.Dir, error) {
	d, ok := f.dirs[dirID]
	if !ok {
		return nil, errDirNotFound
	}
	return d, nil
}

type fakeRepairer struct {
	result *sampledir.ScanResult
	err    error
}

func (f *fakeRepairer) Repair(ctx context.Context, dirID int32) (*sampledir.ScanResult, error) {
	return f.result, f.err
}

var errDirNotFound = &testErr{"dir not found"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestRecordingHandler_Index(t *testing.T) {
	store := newTestStore(t)
	camUUID, streamID, _ := seedCameraStream(t, store)
	_ = camUUID
	_ = streamID

	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordingHandler_ResolveStream_UnknownCamera(t *testing.T) {
	store := newTestStore(t)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/cameras/does-not-exist/main/recordings", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRecordingHandler_ResolveStream_InvalidStreamType(t *testing.T) {
	store := newTestStore(t)
	camUUID, _, _ := seedCameraStream(t, store)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/cameras/"+camUUID+"/bogus/recordings", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecordingHandler_ListRecordings_Empty(t *testing.T) {
	store := newTestStore(t)
	camUUID, _, _ := seedCameraStream(t, store)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/cameras/"+camUUID+"/main/recordings?startTime90k=0&endTime90k=1000000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordingHandler_ListRecordings_BadSplit(t *testing.T) {
	store := newTestStore(t)
	camUUID, _, _ := seedCameraStream(t, store)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/cameras/"+camUUID+"/main/recordings?split90k=-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecordingHandler_ViewMP4_MissingSegmentParam(t *testing.T) {
	store := newTestStore(t)
	camUUID, _, _ := seedCameraStream(t, store)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/cameras/"+camUUID+"/main/view.mp4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecordingHandler_ViewMP4_UnknownRecording(t *testing.T) {
	store := newTestStore(t)
	camUUID, _, _ := seedCameraStream(t, store)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/cameras/"+camUUID+"/main/view.mp4?s=12345", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown recording, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordingHandler_InitSegment_NotFound(t *testing.T) {
	store := newTestStore(t)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/init/deadbeef.mp4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRecordingHandler_InitSegment_Found(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vse := db.VideoSampleEntry{
		SHA1:         "",
		Width:        1920,
		Height:       1080,
		RFC6381Codec: "avc1.640028",
		Data:         []byte{0x01, 0x64, 0x00, 0x28, 0xff, 0xe1, 0x00, 0x00, 0x01, 0x00, 0x00},
	}
	id, err := store.InsertVideoSampleEntry(ctx, vse)
	if err != nil {
		t.Fatalf("insert video sample entry: %v", err)
	}
	got, err := store.VideoSampleEntry(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("load video sample entry: %v", err)
	}

	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})
	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/init/"+mp4.InitSegmentCacheKey(*got)+".mp4", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("expected video/mp4 content type, got %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty init segment body")
	}
}

func TestRecordingHandler_RepairDir(t *testing.T) {
	store := newTestStore(t)
	repairer := &fakeRepairer{result: &sampledir.ScanResult{}}
	handler := NewRecordingHandler(store, &fakeDirResolver{}, repairer)

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodPost, "/dirs/1/repair", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordingHandler_RepairDir_BadID(t *testing.T) {
	store := newTestStore(t)
	handler := NewRecordingHandler(store, &fakeDirResolver{}, &fakeRepairer{})

	router := chi.NewRouter()
	router.Mount("/", handler.Routes())

	req := httptest.NewRequest(http.MethodPost, "/dirs/not-a-number/repair", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestParseSegSpec(t *testing.T) {
	spec, err := parseSegSpec("42@7.100-200")
	if err != nil {
		t.Fatalf("parseSegSpec: %v", err)
	}
	if spec.compositeID != db.CompositeID(42) {
		t.Errorf("expected composite id 42, got %d", spec.compositeID)
	}
	if spec.openID == nil || *spec.openID != 7 {
		t.Errorf("expected open id 7, got %v", spec.openID)
	}
	if spec.relStart == nil || *spec.relStart != 100 {
		t.Errorf("expected rel_start 100, got %v", spec.relStart)
	}
	if spec.relEnd == nil || *spec.relEnd != 200 {
		t.Errorf("expected rel_end 200, got %v", spec.relEnd)
	}
}

func TestParseSegSpec_NoOpenOrRange(t *testing.T) {
	spec, err := parseSegSpec("99")
	if err != nil {
		t.Fatalf("parseSegSpec: %v", err)
	}
	if spec.compositeID != db.CompositeID(99) {
		t.Errorf("expected composite id 99, got %d", spec.compositeID)
	}
	if spec.openID != nil {
		t.Errorf("expected nil open id, got %v", spec.openID)
	}
}

func TestParseSegSpec_Invalid(t *testing.T) {
	if _, err := parseSegSpec("not-a-number"); err == nil {
		t.Error("expected error for non-numeric composite id")
	}
}

func TestParseByteRange(t *testing.T) {
	start, end, err := parseByteRange("bytes=0-99", 1000)
	if err != nil {
		t.Fatalf("parseByteRange: %v", err)
	}
	if start != 0 || end != 100 {
		t.Errorf("expected [0,100), got [%d,%d)", start, end)
	}
}

func TestParseByteRange_Suffix(t *testing.T) {
	start, end, err := parseByteRange("bytes=-10", 1000)
	if err != nil {
		t.Fatalf("parseByteRange: %v", err)
	}
	if start != 990 || end != 1000 {
		t.Errorf("expected [990,1000), got [%d,%d)", start, end)
	}
}

func TestParseByteRange_OutOfBounds(t *testing.T) {
	if _, _, err := parseByteRange("bytes=0-2000", 1000); err == nil {
		t.Error("expected error for out-of-bounds range")
	}
}
