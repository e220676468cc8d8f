// Package streamer implements the per-stream ingestion state machine
// for one stream: it drives an RTSP session, buffers frames in a byte-bounded
// ring, writes GOPs to the sample file directory, and hands finished
// recordings to the syncer for a durable commit.
package streamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvrcore/engine/internal/clock"
	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/eventbus"
	"github.com/nvrcore/engine/internal/nvrerr"
	"github.com/nvrcore/engine/internal/rtsp"
	"github.com/nvrcore/engine/internal/sampledir"
)

// CompletedRecording is a fully-buffered recording ready for the syncer to
// commit: its sample bytes are already written (and the handle closed and
// fsynced) by the streamer; only the metadata transaction remains.
type CompletedRecording struct {
	Recording db.Recording
	DirID     int32
}

// Sink receives completed recordings. The syncer implements this;
// streamer never holds the database write path itself.
type Sink interface {
	Enqueue(CompletedRecording)
}

// Streamer drives one (camera, stream)'s state machine: a goroutine per
// stream with a mutex-guarded state enum and Start/Stop/Status, fed by an
// rtsp.Session since the index codec needs raw frame timestamps and
// keyframe flags.
type Streamer struct {
	cfg    Config
	dialer rtsp.Dialer
	dir    *sampledir.Dir
	store  *db.Store
	sink   Sink
	bus    *eventbus.Bus
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	lastErr     error
	cancel      context.CancelFunc
	done        chan struct{}
	status      Status
}

func New(cfg Config, dialer rtsp.Dialer, dir *sampledir.Dir, store *db.Store, sink Sink, bus *eventbus.Bus) *Streamer {
	return &Streamer{
		cfg:    cfg,
		dialer: dialer,
		dir:    dir,
		store:  store,
		sink:   sink,
		bus:    bus,
		logger: slog.Default().With("component", "streamer", "stream_id", cfg.StreamID),
		state:  StateIdle,
	}
}

// Start begins the ingestion loop in its own goroutine. Calling Start on an
// already-running Streamer is a no-op.
func (s *Streamer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop requests shutdown and blocks until the loop has exited. A second
// Stop call while one is pending returns immediately instead of blocking
// again.
func (s *Streamer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Streamer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Streamer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.bus != nil {
		_ = s.bus.PublishStreamState(eventbus.StreamStateChangedEvent{
			StreamID:  s.cfg.StreamID,
			State:     state.String(),
			Timestamp: time.Now(),
		})
	}
}

func (s *Streamer) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.state = StateError
	s.mu.Unlock()
	s.logger.Error("stream error", "error", err)
	if s.bus != nil && nvrerr.KindOf(err) == nvrerr.KindDirectory {
		_ = s.bus.PublishDirDegraded(eventbus.DirDegradedEvent{
			DirID:     s.dirID(),
			Reason:    err.Error(),
			Timestamp: time.Now(),
		})
	}
}

// run is the state machine loop. It stays alive until ctx is canceled,
// reconnecting with backoff on transient failures.
func (s *Streamer) run(ctx context.Context) {
	defer close(s.done)
	backoff := s.cfg.InitialBackoff

	for {
		select {
		case <-ctx.Done():
			s.setState(StateIdle)
			return
		default:
		}

		err := s.runOnce(ctx)
		if err == nil {
			continue // retry at once without backoff; rotation is handled inside runOnce
		}
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}

		s.setError(err)
		if !nvrerr.IsTransient(err) {
			s.logger.Error("non-transient stream failure, stopping retries", "error", err)
			<-ctx.Done()
			s.setState(StateIdle)
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.setState(StateIdle)
			return
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// runOnce performs one connect-negotiate-stream cycle for a single run; it
// returns nil only when the caller should immediately try again (never,
// in the current design — every exit path is an error or ctx
// cancellation), and a classified error otherwise.
func (s *Streamer) runOnce(ctx context.Context) error {
	s.setState(StateNegotiating)

	session := s.dialer.Dial()
	defer session.Teardown()

	params, err := session.Connect(ctx, s.cfg.RTSPURL, "video", s.cfg.ConnectTimeout)
	if err != nil {
		return nvrerr.Transient("connect", err)
	}

	vseID, err := s.resolveVideoSampleEntry(ctx, params)
	if err != nil {
		return nvrerr.StreamFatal("resolve_video_sample_entry", err)
	}

	s.setState(StateStreaming)

	run := &runState{
		openID:             s.cfg.OpenID,
		videoSampleEntryID: vseID,
		params:             params,
		ring:               newFrameRing(s.cfg.RingBudgetBytes),
		wallStart90k:       s.now90k(),
	}

	for {
		select {
		case <-ctx.Done():
			s.abortCurrentRecording(run)
			return ctx.Err()
		default:
		}

		frame, err := session.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown discards the in-flight recording; partial
				// recordings are never committed on cancellation.
				s.abortCurrentRecording(run)
				return ctx.Err()
			}
			// Session loss ends the run but the recording buffered so far
			// is kept, closed abruptly with a zero final-frame duration.
			s.closeCurrentRecording(ctx, run, false, nil)
			return nvrerr.Transient("next_frame", err)
		}

		brk := clock.DetectRunBreak(false, frame.NewParameters != nil,
			frame.NewParameters != nil && byteIdentical(frame.NewParameters, run.params),
			clock.Tick90k(frame.PTS90k), clock.Tick90k(run.lastPTS), run.haveLastPTS)
		if brk != clock.RunBreakNone {
			// A discontinuity's PTS can't bound the final frame's
			// duration; only a parameter change leaves the clock usable.
			var nextPTS *int64
			if brk == clock.RunBreakParameterChange {
				pts := frame.PTS90k
				nextPTS = &pts
			}
			s.closeCurrentRecording(ctx, run, false, nextPTS)
			return nvrerr.Transient("run_break", fmt.Errorf("run ended: %s", brk))
		}

		// A rotation boundary is decided before this frame is folded in, so
		// the rotating keyframe starts the NEXT recording rather than being
		// counted in the one that just closed.
		if frame.IsKeyframe && run.wouldRotate(frame.PTS90k, s.rotationThreshold(run)) {
			pts := frame.PTS90k
			s.closeCurrentRecording(ctx, run, false, &pts)
		}

		if run.recording == nil {
			if err := s.openRecording(ctx, run); err != nil {
				return nvrerr.StreamFatal("open_recording", err)
			}
		}

		overflow := run.ring.Push(pendingFrame{pts90k: frame.PTS90k, isKeyframe: frame.IsKeyframe, bytes: frame.Bytes})
		if overflow {
			s.logger.Warn("frame ring overflow, aborting recording", "stream_id", s.cfg.StreamID)
			s.abortCurrentRecording(run)
			return nvrerr.Transient("ring_overflow", fmt.Errorf("frame ring exceeded %d bytes", s.cfg.RingBudgetBytes))
		}

		if frame.IsKeyframe {
			if err := s.flushGOP(run); err != nil {
				return nvrerr.Directory("flush_gop", err)
			}
		}

		run.recordFrame(frame)
		run.lastPTS = frame.PTS90k
		run.haveLastPTS = true
	}
}

func (s *Streamer) rotationThreshold(run *runState) clock.Tick90k {
	// Stagger offsets the threshold per stream so rotations (and the
	// flushes they trigger) don't all land on the same tick.
	stagger := clock.Tick90k(s.cfg.Stagger.Seconds() * clock.Hz)
	if run.runOffset == 0 {
		return clock.Tick90k(s.cfg.RotationThreshold*2) + stagger // first recording of a run may run twice as long
	}
	return clock.Tick90k(s.cfg.RotationThreshold) + stagger
}

// now90k reads the configured wall clock in 90kHz ticks since the Unix
// epoch.
func (s *Streamer) now90k() int64 {
	now := time.Now
	if s.cfg.Now != nil {
		now = s.cfg.Now
	}
	t := now()
	return t.Unix()*clock.Hz + int64(t.Nanosecond())*clock.Hz/1_000_000_000
}

func byteIdentical(a, b *rtsp.Parameters) bool {
	if a == nil || b == nil {
		return false
	}
	if len(a.Raw) != len(b.Raw) {
		return false
	}
	for i := range a.Raw {
		if a.Raw[i] != b.Raw[i] {
			return false
		}
	}
	return true
}
