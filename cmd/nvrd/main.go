// Command nvrd is the recording engine's entry point: it loads
// configuration, opens the metadata database, reconciles every configured
// sample file directory and stream against it, then starts the
// streamer/syncer/retention pipeline and the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/nvrcore/engine/internal/api"
	"github.com/nvrcore/engine/internal/config"
	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/eventbus"
	"github.com/nvrcore/engine/internal/logging"
	"github.com/nvrcore/engine/internal/retention"
	"github.com/nvrcore/engine/internal/rtsp"
	"github.com/nvrcore/engine/internal/sampledir"
	"github.com/nvrcore/engine/internal/streamer"
	"github.com/nvrcore/engine/internal/syncer"
)

const (
	defaultAddress    = "0.0.0.0:8080"
	defaultDataPath   = "/var/lib/nvrcore"
	defaultConfigPath = "/etc/nvrcore/config.yaml"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.GetLogBuffer()
	logger := slog.New(logging.NewStreamHandler(logBuffer, os.Stdout, logLevel))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	configPath := getEnv("NVR_CONFIG_PATH", defaultConfigPath)
	dataPath := getEnv("NVR_DATA_PATH", defaultDataPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SetPath(configPath)
	if err := cfg.Watch(); err != nil {
		logger.Warn("config file watch failed, hot-reload disabled", "error", err)
	}

	dbPath := cfg.System.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(dataPath, "nvr.db")
	}
	dbCfg := db.WriterConfig(filepath.Dir(dbPath))
	dbCfg.Path = dbPath
	database, err := db.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := db.NewMigrator(database).Run(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	store := db.NewStore(database)

	dbUUID, err := store.DatabaseUUID(ctx, uuid.NewString)
	if err != nil {
		return fmt.Errorf("resolve database uuid: %w", err)
	}

	// One open row per read-write session; everything written during this
	// process lifetime is tagged with it.
	openUUID := uuid.NewString()
	openID, err := store.OpenRun(ctx, openUUID)
	if err != nil {
		return fmt.Errorf("insert open row: %w", err)
	}
	openRef := sampledir.OpenRef{ID: openID, UUID: openUUID}

	busCfg := eventbus.DefaultConfig()
	bus, err := eventbus.New(busCfg, logger)
	if err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Stop()

	dirs, err := openDirs(ctx, cfg, store, dbUUID, openRef, logger)
	if err != nil {
		return fmt.Errorf("open sample file directories: %w", err)
	}
	defer dirs.closeAll()

	syncers := startSyncers(ctx, dirs, store, bus, time.Duration(cfg.System.SyncerFlushSeconds)*time.Second)
	defer func() {
		for _, s := range syncers {
			s.Stop()
		}
	}()

	streamers, err := startStreamers(ctx, cfg, store, dirs, syncers, bus, openID)
	if err != nil {
		return fmt.Errorf("start streamers: %w", err)
	}
	defer func() {
		for _, s := range streamers {
			s.Stop()
		}
	}()

	retentionPolicy := retention.NewPolicy(store, dirs, bus)
	retentionPolicy.Start(ctx, time.Duration(cfg.System.RetentionCheckSeconds)*time.Second)
	defer retentionPolicy.Stop()

	wsHub := api.NewHub()
	go wsHub.Run()
	if err := wsHub.SubscribeEventBus(bus); err != nil {
		logger.Warn("websocket hub failed to subscribe to event bus", "error", err)
	}

	router := setupRouter(store, dirs, wsHub, database)

	server := &http.Server{
		Addr:         getEnv("NVR_LISTEN_ADDR", defaultAddress),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrs := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrs:
		return fmt.Errorf("api server: %w", err)
	case <-sigCh:
		logger.Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", "error", err)
	}
	return nil
}

type streamRef struct {
	cameraID   int32
	streamType string
}

// dirSet holds every open sample file directory, keyed by its database id,
// and satisfies retention.Dirs/api.DirResolver/api.Repairer.
type dirSet struct {
	byID      map[int32]*sampledir.Dir
	streamsOf map[int32][]streamRef
	store     *db.Store
}

func (d *dirSet) Get(dirID int32) (*sampledir.Dir, error) {
	dir, ok := d.byID[dirID]
	if !ok {
		return nil, fmt.Errorf("sample file directory %d not open", dirID)
	}
	return dir, nil
}

func (d *dirSet) closeAll() {
	for _, dir := range d.byID {
		_ = dir.Close()
	}
}

// Repair re-runs startup reconciliation for one directory against every
// stream that writes into it, satisfying api.Repairer. It clears the
// directory's degraded flag only once the rescan succeeds.
func (d *dirSet) Repair(ctx context.Context, dirID int32) (*sampledir.ScanResult, error) {
	dir, ok := d.byID[dirID]
	if !ok {
		return nil, fmt.Errorf("sample file directory %d not open", dirID)
	}

	merged := &sampledir.ScanResult{}
	for _, ref := range d.streamsOf[dirID] {
		st, err := d.store.StreamByCameraAndType(ctx, ref.cameraID, ref.streamType)
		if err != nil || st == nil {
			return nil, fmt.Errorf("load %s stream for camera %d during repair: %w", ref.streamType, ref.cameraID, err)
		}
		res, err := sampledir.Scan(ctx, dir, d.store, st.ID, st.NextRecordingID, false)
		if err != nil {
			return nil, fmt.Errorf("rescan stream %d: %w", st.ID, err)
		}
		merged.OrphansUnlinked = append(merged.OrphansUnlinked, res.OrphansUnlinked...)
		merged.Missing = append(merged.Missing, res.Missing...)
	}
	dir.ClearDegraded()
	return merged, nil
}

// openDirs opens every configured sample_file_dir and reconciles its
// on-disk contents against the database, upserting
// the camera/stream rows from config as it goes.
func openDirs(ctx context.Context, cfg *config.Config, store *db.Store, dbUUID string, open sampledir.OpenRef, logger *slog.Logger) (*dirSet, error) {
	ds := &dirSet{
		byID:      make(map[int32]*sampledir.Dir),
		streamsOf: make(map[int32][]streamRef),
		store:     store,
	}

	pathToDirID := make(map[int32]int32, len(cfg.SampleFileDirs))
	for _, sfd := range cfg.SampleFileDirs {
		seedUUID := sfd.UUID
		if seedUUID == "" {
			seedUUID = uuid.NewString()
		}
		dirID, err := store.UpsertSampleFileDir(ctx, db.SampleFileDir{Path: sfd.Path, UUID: seedUUID})
		if err != nil {
			return nil, fmt.Errorf("upsert sample file dir %s: %w", sfd.Path, err)
		}
		dirRow, err := store.SampleFileDirByPath(ctx, sfd.Path)
		if err != nil || dirRow == nil {
			return nil, fmt.Errorf("load sample file dir %s after upsert: %w", sfd.Path, err)
		}
		dir, err := sampledir.Open(dirID, sfd.Path)
		if err != nil {
			return nil, fmt.Errorf("open sample file dir %s: %w", sfd.Path, err)
		}
		meta, err := dir.VerifyMeta(dbUUID, dirRow.UUID)
		if err != nil {
			return nil, err
		}
		newMeta := sampledir.Meta{DBUUID: dbUUID, DirUUID: dirRow.UUID, InProgressOpen: &open}
		if meta != nil {
			newMeta.LastCompleteOpen = meta.LastCompleteOpen
		}
		if err := dir.WriteMeta(newMeta); err != nil {
			return nil, err
		}
		ds.byID[dirID] = dir
		pathToDirID[sfd.ID] = dirID
	}

	for _, cam := range cfg.Cameras {
		camID, err := store.UpsertCamera(ctx, db.Camera{UUID: cam.UUID, ShortName: cam.ShortName, Description: cam.Description})
		if err != nil {
			return nil, fmt.Errorf("upsert camera %s: %w", cam.ShortName, err)
		}
		if err := reconcileStream(ctx, store, ds, pathToDirID, camID, "main", cam.Main); err != nil {
			return nil, err
		}
		if cam.Sub != nil {
			if err := reconcileStream(ctx, store, ds, pathToDirID, camID, "sub", *cam.Sub); err != nil {
				return nil, err
			}
		}
	}

	// Every directory reconciled cleanly against the database: promote
	// this open to last-complete in both the sidecars and the metadata.
	for dirID, dir := range ds.byID {
		m, err := dir.ReadMeta()
		if err != nil || m == nil {
			return nil, fmt.Errorf("reread sidecar for dir %d: %w", dirID, err)
		}
		m.LastCompleteOpen = &open
		m.InProgressOpen = nil
		if err := dir.WriteMeta(*m); err != nil {
			return nil, err
		}
		if err := store.SetDirCompleteOpen(ctx, dirID, open.ID); err != nil {
			return nil, fmt.Errorf("record complete open for dir %d: %w", dirID, err)
		}
		logger.Info("sample file directory ready", "dir_id", dirID, "path", dir.Path)
	}
	return ds, nil
}

func reconcileStream(ctx context.Context, store *db.Store, ds *dirSet, pathToDirID map[int32]int32, camID int32, streamType string, sc config.StreamConfig) error {
	dirID := pathToDirID[sc.SampleFileDirID]
	streamID, err := store.UpsertStream(ctx, db.Stream{
		CameraID:        camID,
		SampleFileDirID: &dirID,
		Type:            streamType,
		Record:          sc.Record,
		RTSPURL:         sc.URL,
		RetainBytes:     sc.RetainBytes,
		FlushIfSec:      sc.FlushIfSec,
	})
	if err != nil {
		return fmt.Errorf("upsert %s stream: %w", streamType, err)
	}

	dir, ok := ds.byID[dirID]
	if !ok {
		return fmt.Errorf("%s stream references unknown sample file dir %d", streamType, dirID)
	}
	st, err := store.StreamByCameraAndType(ctx, camID, streamType)
	if err != nil || st == nil {
		return fmt.Errorf("load %s stream %d after upsert: %w", streamType, streamID, err)
	}
	if _, err := sampledir.Scan(ctx, dir, store, streamID, st.NextRecordingID, true); err != nil {
		return fmt.Errorf("scan %s stream %d: %w", streamType, streamID, err)
	}
	ds.streamsOf[dirID] = append(ds.streamsOf[dirID], streamRef{cameraID: camID, streamType: streamType})
	return nil
}

func startSyncers(ctx context.Context, ds *dirSet, store *db.Store, bus *eventbus.Bus, flushInterval time.Duration) map[int32]*syncer.Syncer {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	syncers := make(map[int32]*syncer.Syncer, len(ds.byID))
	for dirID := range ds.byID {
		s := syncer.New(dirID, store, bus, flushInterval)
		s.Start(ctx)
		syncers[dirID] = s
	}
	return syncers
}

func startStreamers(ctx context.Context, cfg *config.Config, store *db.Store, ds *dirSet, syncers map[int32]*syncer.Syncer, bus *eventbus.Bus, openID int64) ([]*streamer.Streamer, error) {
	var out []*streamer.Streamer
	dialer := rtsp.NetDialer{}

	start := func(camID int32, streamType string, sc config.StreamConfig, stagger time.Duration) error {
		if !sc.Record {
			return nil
		}
		st, err := store.StreamByCameraAndType(ctx, camID, streamType)
		if err != nil || st == nil {
			return fmt.Errorf("load %s stream for camera %d: %w", streamType, camID, err)
		}
		if st.SampleFileDirID == nil {
			return fmt.Errorf("%s stream %d has no sample file directory", streamType, st.ID)
		}
		dir, ok := ds.byID[*st.SampleFileDirID]
		if !ok {
			return fmt.Errorf("%s stream %d: sample file dir %d not open", streamType, st.ID, *st.SampleFileDirID)
		}
		s, ok := syncers[*st.SampleFileDirID]
		if !ok {
			return fmt.Errorf("%s stream %d: no syncer for dir %d", streamType, st.ID, *st.SampleFileDirID)
		}

		scfg := streamer.DefaultConfig(st.ID, sc.URL)
		scfg.OpenID = openID
		scfg.Stagger = stagger
		strm := streamer.New(scfg, dialer, dir, store, s, bus)
		strm.Start(ctx)
		out = append(out, strm)
		return nil
	}

	for i, cam := range cfg.Cameras {
		camID, err := lookupCameraID(ctx, store, cam.UUID)
		if err != nil {
			return nil, err
		}
		stagger := time.Duration(i) * 137 * time.Millisecond
		if err := start(camID, "main", cam.Main, stagger); err != nil {
			return nil, err
		}
		if cam.Sub != nil {
			if err := start(camID, "sub", *cam.Sub, stagger+69*time.Millisecond); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func lookupCameraID(ctx context.Context, store *db.Store, uuid string) (int32, error) {
	cam, err := store.CameraByUUID(ctx, uuid)
	if err != nil {
		return 0, fmt.Errorf("look up camera %s: %w", uuid, err)
	}
	if cam == nil {
		return 0, fmt.Errorf("camera %s not found", uuid)
	}
	return cam.ID, nil
}

func setupRouter(store *db.Store, ds *dirSet, wsHub *api.Hub, database *db.DB) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "Range"},
		ExposedHeaders:   []string{"Content-Range", "ETag", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/ws", wsHub.HandleWebSocket)

	r.Get("/api/logs", func(w http.ResponseWriter, req *http.Request) {
		n := 200
		if s := req.URL.Query().Get("n"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				n = v
			}
		}
		ring := logging.GetLogBuffer()
		api.OK(w, map[string]any{
			"entries": ring.Tail(n, req.URL.Query().Get("component")),
			"dropped": ring.Dropped(),
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		body := `{"status":"healthy"}`
		if err := database.Health(req.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = `{"status":"degraded"}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	recordingHandler := api.NewRecordingHandler(store, ds, ds)
	r.Mount("/api", recordingHandler.Routes())

	return r
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
