// Package syncer implements the per-sample-file-dir flush task: the only
// path by which completed recordings reach the metadata database, batching
// them from every streamer writing into one directory into periodic,
// durable metadata transactions. It is not the only database writer: the
// retention engine commits its deletions through db.Store directly.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/eventbus"
	"github.com/nvrcore/engine/internal/streamer"
)

// Syncer owns one sample-file-dir's metadata commits. Every Streamer
// writing into that directory is constructed with the same Syncer as its
// Sink, so streamer.CompletedRecording never reaches the database except
// through this single serialized path. The syncer holds no exclusive
// database write lock; other components also commit through db.Store.
type Syncer struct {
	dirID int32
	store *db.Store
	bus   *eventbus.Bus

	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending []streamer.CompletedRecording

	cancel context.CancelFunc
	done   chan struct{}
}

func New(dirID int32, store *db.Store, bus *eventbus.Bus, flushInterval time.Duration) *Syncer {
	return &Syncer{
		dirID:         dirID,
		store:         store,
		bus:           bus,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "syncer", "dir_id", dirID),
	}
}

// Enqueue implements streamer.Sink: a streamer calls this once a
// recording's sample bytes are already durably written; the metadata
// transaction itself waits for the next flush.
func (s *Syncer) Enqueue(rec streamer.CompletedRecording) {
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	s.mu.Unlock()
}

// Start begins the periodic flush loop. Calling Start twice is a no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
}

// Stop cancels the flush loop, running one final flush so nothing
// buffered at shutdown is lost.
func (s *Syncer) Stop() {
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

func (s *Syncer) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("final flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("flush failed", "error", err)
			}
		}
	}
}

// Flush commits every pending recording in one metadata transaction. It
// does no fsync itself: sample files are already durable when Enqueue is
// called. On a transaction failure the batch is not discarded: it goes
// back to the front of the pending queue for the next flush, and a
// syncer.aborted event is published.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	recs := make([]db.Recording, len(batch))
	for i, c := range batch {
		recs[i] = c.Recording
	}

	err := s.store.Commit(ctx, db.Batch{AddRecordings: recs, StreamDirID: s.dirID})
	if err != nil {
		s.requeue(batch)
		if s.bus != nil {
			_ = s.bus.Publish(eventbus.SubjectSyncerAborted, map[string]any{
				"dir_id": s.dirID,
				"error":  err.Error(),
			})
		}
		return fmt.Errorf("commit batch: %w", err)
	}

	if s.bus != nil {
		byStream := map[int32][]int64{}
		for _, c := range batch {
			byStream[c.Recording.StreamID] = append(byStream[c.Recording.StreamID], int64(c.Recording.CompositeID))
		}
		for streamID, recordingIDs := range byStream {
			_ = s.bus.PublishCommit(eventbus.CommitEvent{
				DirID:        s.dirID,
				StreamID:     streamID,
				RecordingIDs: recordingIDs,
				Timestamp:    time.Now(),
			})
		}
	}

	return nil
}

// requeue puts a failed batch back at the front of the pending queue so
// the next flush attempt retries it, preserving arrival order.
func (s *Syncer) requeue(batch []streamer.CompletedRecording) {
	s.mu.Lock()
	s.pending = append(batch, s.pending...)
	s.mu.Unlock()
}

// Pending reports the number of recordings awaiting their next flush, for
// status/metrics reporting.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
