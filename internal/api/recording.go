package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/mp4"
	"github.com/nvrcore/engine/internal/sampledir"
)

// DirResolver resolves a sample_file_dir id to its open handle, the same
// role internal/retention.Dirs plays: the HTTP layer never knows a
// recording's bytes live on disk, only that some internal/sampledir.Dir
// can read them.
type DirResolver interface {
	Get(dirID int32) (*sampledir.Dir, error)
}

// Repairer re-runs a directory's startup reconciliation: an
// operator-triggered fix for a dir whose
// on-disk contents have drifted from the database (stale/crashed writer,
// a restored backup, manual intervention).
type Repairer interface {
	Repair(ctx context.Context, dirID int32) (*sampledir.ScanResult, error)
}

// RecordingHandler implements the engine's HTTP surface: camera/stream
// discovery,
// recording listing, and the two MP4 delivery endpoints (unfragmented
// view.mp4 and MSE view.m4s/init segments).
type RecordingHandler struct {
	store    *db.Store
	dirs     DirResolver
	repairer Repairer
}

// NewRecordingHandler creates a new recording handler.
func NewRecordingHandler(store *db.Store, dirs DirResolver, repairer Repairer) *RecordingHandler {
	return &RecordingHandler{store: store, dirs: dirs, repairer: repairer}
}

// Routes returns the recording routes.
func (h *RecordingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Index)
	r.Get("/cameras/{uuid}/{stream}/recordings", h.ListRecordings)
	r.Get("/cameras/{uuid}/{stream}/view.mp4", h.ViewMP4)
	r.Get("/cameras/{uuid}/{stream}/view.m4s", h.ViewM4S)
	r.Get("/init/{hash}.mp4", h.InitSegment)
	r.Post("/dirs/{id}/repair", h.RepairDir)

	return r
}

// cameraStreamSummary is one entry of the `/api/` day-index response.
type cameraStreamSummary struct {
	CameraUUID  string           `json:"camera_uuid"`
	ShortName   string           `json:"short_name"`
	StreamType  string           `json:"stream_type"`
	DayDurations map[string]int64 `json:"day_durations_90k"`
}

// Index enumerates every camera/stream and its per-day recorded duration
// from the incrementally-maintained day-bucket aggregate.
func (h *RecordingHandler) Index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cameras, err := h.store.ListCameras(ctx)
	if err != nil {
		InternalError(w, "failed to list cameras")
		return
	}
	streams, err := h.store.ListStreams(ctx)
	if err != nil {
		InternalError(w, "failed to list streams")
		return
	}
	camByID := make(map[int32]db.Camera, len(cameras))
	for _, c := range cameras {
		camByID[c.ID] = c
	}

	out := make([]cameraStreamSummary, 0, len(streams))
	for _, st := range streams {
		cam, ok := camByID[st.CameraID]
		if !ok {
			continue
		}
		days, err := h.store.DayDurations(ctx, st.ID)
		if err != nil {
			InternalError(w, "failed to compute day durations")
			return
		}
		out = append(out, cameraStreamSummary{
			CameraUUID:   cam.UUID,
			ShortName:    cam.ShortName,
			StreamType:   st.Type,
			DayDurations: days,
		})
	}

	OK(w, out)
}

// resolveStream maps the `<uuid>`/`<stream>` path segments to a db.Stream,
// writing the appropriate error response itself on failure.
func (h *RecordingHandler) resolveStream(w http.ResponseWriter, r *http.Request) *db.Stream {
	ctx := r.Context()
	uuid := chi.URLParam(r, "uuid")
	streamType := chi.URLParam(r, "stream")

	if err := ValidateCameraID(uuid); err != nil {
		BadRequest(w, err.Error())
		return nil
	}
	if err := ValidateStreamType(streamType); err != nil {
		BadRequest(w, err.Error())
		return nil
	}

	cam, err := h.store.CameraByUUID(ctx, uuid)
	if err != nil {
		InternalError(w, "failed to look up camera")
		return nil
	}
	if cam == nil {
		NotFound(w, "camera not found")
		return nil
	}

	stream, err := h.store.StreamByCameraAndType(ctx, cam.ID, streamType)
	if err != nil {
		InternalError(w, "failed to look up stream")
		return nil
	}
	if stream == nil {
		NotFound(w, "stream not found")
		return nil
	}
	return stream
}

// ListRecordings serves
// `/api/cameras/<uuid>/<stream>/recordings`: recordings
// overlapping [startTime90k, endTime90k), optionally split into
// split90k-sized chunks for the caller's timeline UI.
func (h *RecordingHandler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	stream := h.resolveStream(w, r)
	if stream == nil {
		return
	}

	start, end, ok := h.parseTimeRange(w, r)
	if !ok {
		return
	}

	recordings, err := h.store.ListRecordingsByTimeRange(r.Context(), stream.ID, start, end)
	if err != nil {
		InternalError(w, "failed to list recordings")
		return
	}

	var split90k int64
	if s := r.URL.Query().Get("split90k"); s != "" {
		split90k, err = strconv.ParseInt(s, 10, 64)
		if err != nil || split90k <= 0 {
			BadRequest(w, "split90k must be a positive integer")
			return
		}
	}

	OK(w, splitRecordings(recordings, split90k))
}

// recordingEntry is one item of the recordings-list response.
type recordingEntry struct {
	CompositeID     int64 `json:"composite_id"`
	OpenID          int64 `json:"open_id"`
	StartTime90k    int64 `json:"start_time_90k"`
	EndTime90k      int64 `json:"end_time_90k"`
	SampleFileBytes int64 `json:"sample_file_bytes"`
	VideoSamples    int32 `json:"video_samples"`
}

func splitRecordings(recordings []db.Recording, split90k int64) []recordingEntry {
	out := make([]recordingEntry, 0, len(recordings))
	for _, rec := range recordings {
		if split90k <= 0 {
			out = append(out, recordingToEntry(rec, rec.StartTime90k, rec.EndTime90k()))
			continue
		}
		for cur := rec.StartTime90k; cur < rec.EndTime90k(); cur += split90k {
			chunkEnd := cur + split90k
			if chunkEnd > rec.EndTime90k() {
				chunkEnd = rec.EndTime90k()
			}
			out = append(out, recordingToEntry(rec, cur, chunkEnd))
		}
	}
	return out
}

func recordingToEntry(rec db.Recording, start, end int64) recordingEntry {
	return recordingEntry{
		CompositeID:     int64(rec.CompositeID),
		OpenID:          rec.OpenID,
		StartTime90k:    start,
		EndTime90k:      end,
		SampleFileBytes: rec.SampleFileBytes,
		VideoSamples:    rec.VideoSamples,
	}
}

// parseTimeRange reads startTime90k/endTime90k query params, defaulting
// to 0 and the largest int64 respectively when absent.
func (h *RecordingHandler) parseTimeRange(w http.ResponseWriter, r *http.Request) (start, end int64, ok bool) {
	q := r.URL.Query()
	start = 0
	end = 1<<63 - 1

	if s := q.Get("startTime90k"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			BadRequest(w, "startTime90k must be an integer")
			return 0, 0, false
		}
		start = v
	}
	if s := q.Get("endTime90k"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			BadRequest(w, "endTime90k must be an integer")
			return 0, 0, false
		}
		end = v
	}
	if start > end {
		BadRequest(w, "startTime90k must not exceed endTime90k")
		return 0, 0, false
	}
	return start, end, true
}

// segSpec is one `s=` query parameter of the form
// "<composite-id>[@<open-id>][.<rel-start>[-<rel-end>]]". Each parameter
// names exactly one recording; a start-end range of recording ids in a
// single parameter is not accepted.
type segSpec struct {
	compositeID db.CompositeID
	openID      *int64
	relStart    *int64
	relEnd      *int64
}

func parseSegSpecs(raw string) ([]segSpec, error) {
	parts := strings.Split(raw, ",")
	out := make([]segSpec, 0, len(parts))
	for _, p := range parts {
		spec, err := parseSegSpec(p)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseSegSpec(raw string) (segSpec, error) {
	var spec segSpec

	rest := raw
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rangePart := rest[i+1:]
		rest = rest[:i]
		rs, re, err := parseRelRange(rangePart)
		if err != nil {
			return spec, err
		}
		spec.relStart, spec.relEnd = rs, re
	}

	if i := strings.IndexByte(rest, '@'); i >= 0 {
		openStr := rest[i+1:]
		rest = rest[:i]
		openID, err := strconv.ParseInt(openStr, 10, 64)
		if err != nil {
			return spec, fmt.Errorf("invalid open id %q: %w", openStr, err)
		}
		spec.openID = &openID
	}

	cid, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return spec, fmt.Errorf("invalid composite id %q: %w", rest, err)
	}
	spec.compositeID = db.CompositeID(cid)
	return spec, nil
}

func parseRelRange(raw string) (start, end *int64, err error) {
	parts := strings.SplitN(raw, "-", 2)
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid rel_start %q: %w", parts[0], err)
	}
	start = &s
	if len(parts) == 2 && parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid rel_end %q: %w", parts[1], err)
		}
		end = &e
	}
	return start, end, nil
}

// loadSegments resolves each segSpec to a fully populated mp4.Segment,
// fetching the underlying db.Recording.
func (h *RecordingHandler) loadSegments(ctx context.Context, specs []segSpec) ([]mp4.Segment, error) {
	segments := make([]mp4.Segment, 0, len(specs))
	for _, spec := range specs {
		rec, err := h.store.Recording(ctx, spec.compositeID)
		if err != nil {
			return nil, fmt.Errorf("load recording %d: %w", spec.compositeID, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("recording %d not found", spec.compositeID)
		}
		segments = append(segments, mp4.Segment{
			Recording:   *rec,
			OpenID:      spec.openID,
			RelStart90k: spec.relStart,
			RelEnd90k:   spec.relEnd,
		})
	}
	return segments, nil
}

// streamDirReader resolves sample ranges via one fixed sample_file_dir,
// the one the requested stream is (or was, for historical recordings)
// assigned to.
type streamDirReader struct {
	dir *sampledir.Dir
}

func (r streamDirReader) ReadRange(streamID, recordingID int32, offset int64, length int) ([]byte, error) {
	return r.dir.ReadRange(streamID, recordingID, offset, length)
}

// ViewMP4 serves `/api/cameras/<uuid>/<stream>/view.mp4`: an
// unfragmented MP4 assembled from the `s=` segment list, served over
// HTTP range with a strong ETag.
func (h *RecordingHandler) ViewMP4(w http.ResponseWriter, r *http.Request) {
	stream := h.resolveStream(w, r)
	if stream == nil {
		return
	}

	sRaw := r.URL.Query().Get("s")
	if sRaw == "" {
		BadRequest(w, "s parameter is required")
		return
	}
	specs, err := parseSegSpecs(sRaw)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	segments, err := h.loadSegments(r.Context(), specs)
	if err != nil {
		h.writeSegmentLoadError(w, err)
		return
	}

	vse, err := h.videoSampleEntryForSegments(r.Context(), segments)
	if err != nil {
		InternalError(w, "failed to load video sample entry")
		return
	}

	vf, err := mp4.BuildUnfragmented(segments, *vse, true)
	if err != nil {
		h.writeSegmentLoadError(w, err)
		return
	}

	reader, err := h.sampleReaderForStream(stream)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	h.serveVirtualFile(w, r, vf, reader, "video/mp4", etagFor(sRaw))
}

// ViewM4S serves `/api/cameras/<uuid>/<stream>/view.m4s`: one MSE
// media segment (moof+mdat) for the `s=` segment list.
func (h *RecordingHandler) ViewM4S(w http.ResponseWriter, r *http.Request) {
	stream := h.resolveStream(w, r)
	if stream == nil {
		return
	}

	sRaw := r.URL.Query().Get("s")
	if sRaw == "" {
		BadRequest(w, "s parameter is required")
		return
	}
	specs, err := parseSegSpecs(sRaw)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	if len(specs) != 1 {
		BadRequest(w, "view.m4s accepts exactly one segment")
		return
	}

	segments, err := h.loadSegments(r.Context(), specs)
	if err != nil {
		h.writeSegmentLoadError(w, err)
		return
	}

	var seq uint32 = 1
	if s := r.URL.Query().Get("seq"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			BadRequest(w, "seq must be an unsigned integer")
			return
		}
		seq = uint32(v)
	}

	vf, err := mp4.BuildFragment(segments[0], seq)
	if err != nil {
		h.writeSegmentLoadError(w, err)
		return
	}

	reader, err := h.sampleReaderForStream(stream)
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	h.serveVirtualFile(w, r, vf, reader, "video/iso.segment", etagFor(sRaw))
}

// InitSegment serves `/api/init/<hash>.mp4`: the fragmented-playback
// init segment for the VideoSampleEntry whose content hash matches
// `<hash>`.
func (h *RecordingHandler) InitSegment(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	vse, err := h.store.VideoSampleEntryBySHA1(r.Context(), hash)
	if err != nil {
		InternalError(w, "failed to look up video sample entry")
		return
	}
	if vse == nil {
		NotFound(w, "video sample entry not found")
		return
	}

	data := mp4.BuildInitSegment(*vse)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// RepairDir re-runs sampledir startup reconciliation for one directory
// for one directory, the operator's path out of the degraded state.
func (h *RecordingHandler) RepairDir(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id64, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil {
		BadRequest(w, "dir id must be an integer")
		return
	}

	result, err := h.repairer.Repair(r.Context(), int32(id64))
	if err != nil {
		InternalError(w, fmt.Sprintf("repair failed: %s", err))
		return
	}

	OK(w, result)
}

func (h *RecordingHandler) videoSampleEntryForSegments(ctx context.Context, segments []mp4.Segment) (*db.VideoSampleEntry, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments")
	}
	return h.store.VideoSampleEntry(ctx, segments[0].Recording.VideoSampleEntryID)
}

func (h *RecordingHandler) sampleReaderForStream(stream *db.Stream) (mp4.SampleReader, error) {
	if stream.SampleFileDirID == nil {
		return nil, fmt.Errorf("stream has no sample file directory configured")
	}
	dir, err := h.dirs.Get(*stream.SampleFileDirID)
	if err != nil {
		return nil, fmt.Errorf("resolve sample file directory: %w", err)
	}
	return streamDirReader{dir: dir}, nil
}

func (h *RecordingHandler) writeSegmentLoadError(w http.ResponseWriter, err error) {
	var mismatch *mp4.ErrOpenIDMismatch
	if errors.As(err, &mismatch) {
		Conflict(w, err.Error())
		return
	}
	BadRequest(w, err.Error())
}

// serveVirtualFile serves an mp4.VirtualFile over HTTP range requests
// with a strong ETag.
func (h *RecordingHandler) serveVirtualFile(w http.ResponseWriter, r *http.Request, vf *mp4.VirtualFile, reader mp4.SampleReader, contentType, etag string) {
	size := vf.Size()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("ETag", etag)

	start, end := int64(0), size
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		s, e, err := parseByteRange(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		start, end = s, e
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
	}

	data, err := vf.ReadAt(reader, start, end)
	if err != nil {
		InternalError(w, "failed to read recording data")
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(data)), 10))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// parseByteRange parses a single-range "bytes=start-end" header into a
// half-open [start,end) span.
func parseByteRange(header string, size int64) (start, end int64, err error) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range header")
	}

	if parts[0] == "" {
		// suffix range: "-N" means the last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start")
	}
	if parts[1] == "" {
		end = size
	} else {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range end")
		}
		end = e + 1
	}

	if start < 0 || end > size || start >= end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}

// etagFor derives a strong ETag from the `s=` query string: the same
// segment list always assembles the same bytes, so the ETag can be a
// pure function of the request rather than the response body.
func etagFor(sRaw string) string {
	sum := sha256.Sum256([]byte(sRaw))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
