// Package retention implements the eviction engine: per-stream
// byte-budget accounting and the three-phase mark/unlink/purge deletion
// protocol that keeps every committed recording's file accounted for even
// if the process crashes mid-cycle.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvrcore/engine/internal/db"
	"github.com/nvrcore/engine/internal/eventbus"
	"github.com/nvrcore/engine/internal/sampledir"
)

// Dirs resolves a sample-file-dir id to its open Dir, so the engine can
// unlink files through the same I/O pool the streamer writes through.
type Dirs interface {
	Get(dirID int32) (*sampledir.Dir, error)
}

// Stats summarizes one eviction pass, returned for logging and tests.
type Stats struct {
	RecordingsMarked   int
	RecordingsUnlinked int
	RecordingsPurged   int
	BytesFreed         int64
}

// Policy drives the periodic eviction loop. One Policy instance serves
// every stream; retain_bytes is read per-stream from the database on each
// pass so a config change takes effect without a restart.
type Policy struct {
	store *db.Store
	dirs  Dirs
	bus   *eventbus.Bus

	// SlackBytes absorbs in-flight writes and filesystem quantization so
	// eviction doesn't chase the exact byte boundary.
	SlackBytes int64

	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func NewPolicy(store *db.Store, dirs Dirs, bus *eventbus.Bus) *Policy {
	return &Policy{
		store:      store,
		dirs:       dirs,
		bus:        bus,
		SlackBytes: 64 << 20,
		logger:     slog.Default().With("component", "retention"),
	}
}

// Start begins the periodic eviction loop; calling Start while already
// running is a no-op.
func (p *Policy) Start(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx, interval)
}

func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

func (p *Policy) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := p.RunOnce(ctx); err != nil {
		p.logger.Error("initial retention pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("retention pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one full pass: it first completes any garbage rows left
// over from a previous crashed pass, then, for every stream, evicts oldest
// recordings until sum(sample_file_bytes) <= retain_bytes - slack.
func (p *Policy) RunOnce(ctx context.Context) (Stats, error) {
	var total Stats

	if err := p.completeOutstandingGarbage(ctx, &total); err != nil {
		p.logger.Error("garbage completion failed", "error", err)
	}

	streams, err := p.store.ListStreams(ctx)
	if err != nil {
		return total, fmt.Errorf("list streams: %w", err)
	}

	for _, st := range streams {
		if st.RetainBytes <= 0 {
			continue // unbounded retention for this stream
		}
		if err := p.evictStream(ctx, st, &total); err != nil {
			p.logger.Error("evict stream failed", "stream_id", st.ID, "error", err)
		}
	}

	return total, nil
}

// evictStream marks and unlinks oldest-first recordings for one stream
// until its budget is satisfied. Marking happens one recording at a time
// so a currently-writing recording (never returned by ListRecordingsByTimeRange
// for a range that excludes the open tail) is never at risk: the
// currently-writing recording is never deleted.
func (p *Policy) evictStream(ctx context.Context, st db.Stream, total *Stats) error {
	budget := st.RetainBytes - p.SlackBytes
	if budget < 0 {
		budget = 0
	}

	for {
		used, err := p.streamUsage(ctx, st.ID)
		if err != nil {
			return err
		}
		if used <= budget {
			return nil
		}

		victim, err := p.oldestRecording(ctx, st.ID)
		if err != nil {
			return err
		}
		if victim == nil {
			return nil // nothing left to evict; budget simply can't be met yet
		}

		if err := p.evictOne(ctx, st, *victim, total); err != nil {
			return err
		}
	}
}

func (p *Policy) streamUsage(ctx context.Context, streamID int32) (int64, error) {
	recs, err := p.store.ListRecordingsByTimeRange(ctx, streamID, 0, int64(^uint64(0)>>1))
	if err != nil {
		return 0, fmt.Errorf("list recordings: %w", err)
	}
	var sum int64
	for _, r := range recs {
		sum += r.SampleFileBytes
	}
	return sum, nil
}

func (p *Policy) oldestRecording(ctx context.Context, streamID int32) (*db.Recording, error) {
	recs, err := p.store.ListRecordingsByTimeRange(ctx, streamID, 0, int64(^uint64(0)>>1))
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	oldest := recs[0]
	for _, r := range recs[1:] {
		if r.StartTime90k < oldest.StartTime90k {
			oldest = r
		}
	}
	return &oldest, nil
}

// evictOne runs the three-phase protocol for a single recording:
// mark it into the garbage table, unlink its file, then purge the garbage
// row — each its own durable metadata transaction.
func (p *Policy) evictOne(ctx context.Context, st db.Stream, rec db.Recording, total *Stats) error {
	dirID := int32(0)
	if st.SampleFileDirID != nil {
		dirID = *st.SampleFileDirID
	}

	if err := p.store.Commit(ctx, db.Batch{DeleteRecordings: []db.CompositeID{rec.CompositeID}, StreamDirID: dirID}); err != nil {
		return fmt.Errorf("mark recording garbage: %w", err)
	}
	total.RecordingsMarked++

	dir, err := p.dirs.Get(dirID)
	if err != nil {
		return fmt.Errorf("resolve sample dir %d: %w", dirID, err)
	}
	if err := dir.Unlink(rec.CompositeID.StreamID(), rec.CompositeID.RecordingID()); err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	if err := dir.FsyncDir(); err != nil {
		return fmt.Errorf("fsync dir: %w", err)
	}
	total.RecordingsUnlinked++

	if err := p.store.MarkUnlinked(ctx, dirID, rec.CompositeID); err != nil {
		return fmt.Errorf("mark unlinked: %w", err)
	}

	if err := p.store.Commit(ctx, db.Batch{PurgeGarbage: []db.CompositeID{rec.CompositeID}, StreamDirID: dirID}); err != nil {
		return fmt.Errorf("purge garbage: %w", err)
	}
	total.RecordingsPurged++
	total.BytesFreed += rec.SampleFileBytes

	if p.bus != nil {
		_ = p.bus.PublishRetentionEvicted(eventbus.RetentionEvictedEvent{
			StreamID:     st.ID,
			RecordingIDs: []int64{int64(rec.CompositeID)},
			BytesFreed:   rec.SampleFileBytes,
			Timestamp:    time.Now(),
		})
	}
	return nil
}

// completeOutstandingGarbage resumes any garbage rows left by a crash
// between phases: rows with unlinked=false still have a file to remove;
// rows with unlinked=true only need their metadata purged. Either case
// leaves every sample file accounted for regardless of which phase the
// crash landed in.
func (p *Policy) completeOutstandingGarbage(ctx context.Context, total *Stats) error {
	dirs, err := p.store.ListSampleFileDirs(ctx)
	if err != nil {
		return fmt.Errorf("list sample file dirs: %w", err)
	}

	for _, d := range dirs {
		rows, err := p.store.ListGarbage(ctx, d.ID)
		if err != nil {
			p.logger.Error("list garbage failed", "dir_id", d.ID, "error", err)
			continue
		}

		dir, err := p.dirs.Get(d.ID)
		if err != nil {
			p.logger.Error("resolve sample dir failed", "dir_id", d.ID, "error", err)
			continue
		}

		var toPurge []db.CompositeID
		for _, row := range rows {
			if !row.Unlinked {
				if err := dir.Unlink(row.CompositeID.StreamID(), row.CompositeID.RecordingID()); err != nil {
					p.logger.Error("resume unlink failed", "composite_id", row.CompositeID, "error", err)
					continue
				}
				if err := p.store.MarkUnlinked(ctx, d.ID, row.CompositeID); err != nil {
					p.logger.Error("resume mark unlinked failed", "composite_id", row.CompositeID, "error", err)
					continue
				}
				total.RecordingsUnlinked++
			}
			toPurge = append(toPurge, row.CompositeID)
		}
		if err := dir.FsyncDir(); err != nil {
			p.logger.Error("resume fsync dir failed", "dir_id", d.ID, "error", err)
		}

		if len(toPurge) > 0 {
			if err := p.store.Commit(ctx, db.Batch{PurgeGarbage: toPurge, StreamDirID: d.ID}); err != nil {
				p.logger.Error("resume purge failed", "dir_id", d.ID, "error", err)
				continue
			}
			total.RecordingsPurged += len(toPurge)
		}
	}
	return nil
}
