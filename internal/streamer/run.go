package streamer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/nvrcore/engine/internal/clock"
	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/rtsp"
	"github.com/nvrcore/engine/internal/sampledir"
)

// runState tracks the in-progress run (a sequence of recordings sharing
// one VideoSampleEntry) and the currently open
// recording within it, if any.
type runState struct {
	openID             int64
	videoSampleEntryID int64
	params             *rtsp.Parameters
	runOffset          int32

	lastPTS     int64
	haveLastPTS bool

	ring *frameRing

	recording     *openRecording
	mediaDuration clock.Tick90k // current recording's media duration accumulated so far

	// wallStart90k is the wall clock (90kHz ticks since the Unix epoch)
	// observed when the run started; the first recording starts here and
	// every later recording starts exactly where the previous one ended.
	wallStart90k int64
	nextStart90k int64

	// cumMediaDuration/cumWallDuration are running totals across all
	// recordings already closed in this run, used by ReconcileWallDuration
	// to keep each recording's start exactly at the previous one's end.
	cumMediaDuration clock.Tick90k
	cumWallDuration  clock.Tick90k
}

type openRecording struct {
	recordingID int32
	handle      *sampledir.Handle
	enc         *clock.IndexEncoder
	startPTS    int64
	bytes       int64

	// localStart90k is the local monotonic-ish observation of when this
	// recording began, relative to the run's wall start. Feeding it to
	// ReconcileWallDuration lets the stated wall durations track the NVR
	// clock within ±500ppm even when the camera's clock drifts.
	localStart90k int64

	// pending is the most recently observed frame whose duration is not
	// yet known — it is only known once the next frame's PTS arrives, or
	// as zero if the recording closes first.
	havePending    bool
	pendingPTS     int64
	pendingSize    int32
	pendingKey     bool
}

// recordFrame folds one frame into the current recording's index encoder.
// Because each frame's duration is only knowable once the next frame's PTS
// arrives, recordFrame always encodes the *previous* pending frame (if
// any) before making the current frame the new pending one.
func (r *runState) recordFrame(frame rtsp.Frame) {
	rec := r.recording
	if rec == nil {
		return
	}

	if rec.havePending {
		duration := clock.Tick90k(frame.PTS90k - rec.pendingPTS)
		rec.enc.AddFrame(duration, rec.pendingSize, rec.pendingKey)
		r.mediaDuration += duration
	} else {
		rec.startPTS = frame.PTS90k
	}

	rec.pendingPTS = frame.PTS90k
	rec.pendingSize = int32(len(frame.Bytes))
	rec.pendingKey = frame.IsKeyframe
	rec.havePending = true
	rec.bytes += int64(len(frame.Bytes))
}

// flushPending encodes the current pending frame with the given final
// duration (zero for an abrupt close) and clears it so a
// subsequent recording starts fresh.
func (rec *openRecording) flushPending(finalDuration clock.Tick90k) {
	if !rec.havePending {
		return
	}
	rec.enc.AddFrame(finalDuration, rec.pendingSize, rec.pendingKey)
	rec.havePending = false
}

// wouldRotate reports whether finalizing the current pending frame against
// nextPTS (the about-to-arrive keyframe's timestamp) would bring this
// recording's media duration up to threshold. Checking this before the new
// frame is folded in keeps the rotating keyframe out of the closing
// recording entirely, so its sample count matches exactly what was
// buffered before the boundary.
func (r *runState) wouldRotate(nextPTS int64, threshold clock.Tick90k) bool {
	rec := r.recording
	if rec == nil || !rec.havePending {
		return false
	}
	tentative := r.mediaDuration + clock.Tick90k(nextPTS-rec.pendingPTS)
	return tentative >= threshold
}

func (s *Streamer) resolveVideoSampleEntry(ctx context.Context, params *rtsp.Parameters) (int64, error) {
	sum := sha1.Sum(params.Raw)
	sha1hex := hex.EncodeToString(sum[:])

	existing, err := s.store.VideoSampleEntryBySHA1(ctx, sha1hex)
	if err != nil {
		return 0, fmt.Errorf("lookup video sample entry: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	return s.store.InsertVideoSampleEntry(ctx, db.VideoSampleEntry{
		SHA1:         sha1hex,
		Width:        params.Width,
		Height:       params.Height,
		RFC6381Codec: params.RFC6381Codec,
		Data:         params.Raw,
	})
}

// openRecording reserves the next recording id for this stream and opens
// its sample file for append.
func (s *Streamer) openRecording(ctx context.Context, run *runState) error {
	recID, err := s.store.Reserve(ctx, s.cfg.StreamID)
	if err != nil {
		return fmt.Errorf("reserve recording id: %w", err)
	}

	handle, err := s.dir.OpenForAppend(s.cfg.StreamID, recID)
	if err != nil {
		return fmt.Errorf("open_for_append: %w", err)
	}

	run.recording = &openRecording{
		recordingID:   recID,
		handle:        handle,
		enc:           clock.NewIndexEncoder(),
		localStart90k: s.now90k() - run.wallStart90k,
	}
	run.mediaDuration = 0

	s.mu.Lock()
	s.status.RecordingID = recID
	s.status.RunOffset = run.runOffset
	s.mu.Unlock()

	return nil
}

// flushGOP writes the currently buffered group-of-pictures to the sample
// file directory's I/O pool: writes happen at roughly one call per GOP,
// not per frame.
func (s *Streamer) flushGOP(run *runState) error {
	gop := run.ring.DrainGOP()
	if len(gop) == 0 || run.recording == nil {
		return nil
	}
	var buf []byte
	for _, f := range gop {
		buf = append(buf, f.bytes...)
	}
	return run.recording.handle.EnqueueWrite(buf)
}

// closeCurrentRecording finalizes the open recording: flushes remaining
// buffered frames, closes the handle, computes the wall/media duration
// reconciliation, and enqueues the result to the syncer. nextPTS is the
// timestamp of the frame that caused this close (a rotation boundary or a
// run break) so the final pending frame's duration can be computed exactly
// instead of forced to zero; pass nil for an abrupt close, which gives
// the final frame a zero duration.
func (s *Streamer) closeCurrentRecording(ctx context.Context, run *runState, aborting bool, nextPTS *int64) {
	if run.recording == nil {
		return
	}
	rec := run.recording
	run.recording = nil

	remaining := run.ring.DrainAll()
	if len(remaining) > 0 {
		var buf []byte
		for _, f := range remaining {
			buf = append(buf, f.bytes...)
		}
		if err := rec.handle.EnqueueWrite(buf); err != nil {
			s.logger.Error("final flush failed", "error", err)
		}
	}

	finalDuration := clock.Tick90k(0)
	if nextPTS != nil && rec.havePending {
		finalDuration = clock.Tick90k(*nextPTS - rec.pendingPTS)
	}
	rec.flushPending(finalDuration)
	run.mediaDuration += finalDuration

	if err := rec.handle.EnqueueClose(); err != nil {
		s.logger.Error("close sample file failed", "error", err)
	}
	if err := s.dir.FsyncDir(); err != nil {
		s.logger.Error("fsync directory failed", "error", err)
	}

	if aborting || rec.bytes == 0 {
		// Aborted (or empty) recordings are discarded entirely: unlink
		// the bytes just written and do not enqueue anything for commit.
		if err := s.dir.Unlink(s.cfg.StreamID, rec.recordingID); err != nil {
			s.logger.Error("unlink aborted recording failed", "error", err)
		}
		return
	}

	isFirst := run.runOffset == 0
	localStart := clock.Tick90k(rec.localStart90k) - run.cumMediaDuration
	expectedStart := run.cumWallDuration
	wallDuration := clock.ReconcileWallDuration(isFirst, run.mediaDuration, localStart, expectedStart)
	run.cumMediaDuration += run.mediaDuration
	run.cumWallDuration += wallDuration

	start := run.nextStart90k
	if isFirst {
		start = run.wallStart90k
	}
	run.nextStart90k = start + int64(wallDuration)

	var flags int32
	if nextPTS == nil {
		flags |= db.RecordingFlagTrailingZero
	}

	stats := clock.Summarize(mustDecode(rec.enc.Bytes()))

	cid := db.NewCompositeID(s.cfg.StreamID, rec.recordingID)
	dbRec := db.Recording{
		CompositeID:           cid,
		StreamID:              s.cfg.StreamID,
		OpenID:                run.openID,
		RunOffset:             run.runOffset,
		Flags:                 flags,
		SampleFileBytes:       rec.bytes,
		StartTime90k:          start,
		WallDuration90k:       int64(wallDuration),
		MediaDurationDelta90k: int64(run.mediaDuration) - int64(wallDuration),
		LocalTimeDelta90k:     int64(localStart - expectedStart),
		VideoSampleEntryID:    run.videoSampleEntryID,
		VideoSamples:          int32(stats.Samples),
		VideoSyncSamples:      int32(stats.SyncSamples),
		VideoIndex:            rec.enc.Bytes(),
	}

	s.sink.Enqueue(CompletedRecording{Recording: dbRec, DirID: s.dirID()})
	run.runOffset++
}

func (s *Streamer) abortCurrentRecording(run *runState) {
	s.closeCurrentRecording(context.Background(), run, true, nil)
}

func (s *Streamer) dirID() int32 {
	if s.dir == nil {
		return 0
	}
	return s.dir.ID
}

func mustDecode(data []byte) []clock.Frame {
	frames, err := clock.DecodeIndex(data)
	if err != nil {
		return nil
	}
	return frames
}
