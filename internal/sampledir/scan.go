package sampledir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nvrcore/engine/internal/db"
)

// ScanResult reports the outcome of a startup reconciliation pass: files on
// disk matching no metadata row (orphans, unlinked automatically) and
// metadata rows whose file is missing (flagged for repair).
type ScanResult struct {
	OrphansUnlinked []string
	Missing         []db.CompositeID
}

// Scan cross-references one stream's files in the directory against its
// committed recordings, pending garbage, and reserved-but-uncommitted
// recording ids to find orphans and missing files. A directory may hold
// sample files for several streams; files whose name decodes to a
// different stream id are left for that stream's own pass, so the caller
// runs Scan once per stream assigned to the directory. startup
// distinguishes the boot-time pass from a live admin rescan: at boot no
// writer can hold a reservation, so files above the stream's committed
// position are discarded pre-crash partials and unlinked; during a live
// rescan the same ids belong to recordings still being written and are
// left alone.
func Scan(ctx context.Context, dir *Dir, store *db.Store, streamID int32, nextRecordingID int32, startup bool) (*ScanResult, error) {
	entries, err := os.ReadDir(dir.Path)
	if err != nil {
		return nil, fmt.Errorf("read sample file dir %s: %w", dir.Path, err)
	}

	committed, err := store.ListRecordingsByTimeRange(ctx, streamID, 0, 1<<62)
	if err != nil {
		return nil, fmt.Errorf("list committed recordings: %w", err)
	}
	known := make(map[string]bool, len(committed))
	for _, r := range committed {
		known[filename(streamID, r.CompositeID.RecordingID())] = true
	}

	garbage, err := store.ListGarbage(ctx, dir.ID)
	if err != nil {
		return nil, fmt.Errorf("list garbage: %w", err)
	}
	for _, g := range garbage {
		known[filename(g.CompositeID.StreamID(), g.CompositeID.RecordingID())] = true
	}

	result := &ScanResult{}
	onDisk := make(map[string]bool)

	for _, e := range entries {
		if e.IsDir() || e.Name() == ".lock" || e.Name() == metaFilename || e.Name() == metaFilename+".tmp" {
			continue
		}
		fileStream, fileRec, ok := parseName(e.Name())
		if ok && fileStream != streamID {
			continue // another stream's file; its own pass judges it
		}
		onDisk[e.Name()] = true
		if known[e.Name()] {
			continue
		}
		if ok && !startup && fileRec >= nextRecordingID {
			continue // in-flight reservation during a live rescan
		}
		if err := os.Remove(filepath.Join(dir.Path, e.Name())); err != nil {
			return nil, fmt.Errorf("unlink orphan %s: %w", e.Name(), err)
		}
		result.OrphansUnlinked = append(result.OrphansUnlinked, e.Name())
	}

	for _, r := range committed {
		name := filename(streamID, r.CompositeID.RecordingID())
		if !onDisk[name] {
			result.Missing = append(result.Missing, r.CompositeID)
		}
	}

	return result, nil
}

// parseName decodes a 16-hex-digit sample filename back into its stream
// and recording ids; ok is false for any name not produced by filename
// (such names are always orphans).
func parseName(name string) (streamID, recordingID int32, ok bool) {
	if len(name) != 16 {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(name[:8], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.ParseUint(name[8:], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return int32(uint32(s)), int32(uint32(r)), true
}
