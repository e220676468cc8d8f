package mp4

import (
	"fmt"

	"github.com/nvrcore/engine/internal/clock"
	"github.com/nvrcore/engine/internal/db"
)

// Segment is one (stream_id, recording_id, open_id?, rel_start_90k?,
// rel_end_90k?) request entry: a caller-supplied request to
// include all or part of one recording in an assembled output.
type Segment struct {
	Recording db.Recording

	// OpenID, when non-nil, must equal Recording.OpenID or the whole
	// request is rejected: a mismatch means the caller's id refers to a
	// pre-crash ghost.
	OpenID *int64

	// RelStart90k/RelEnd90k are offsets from the recording's start; nil
	// means "from the beginning" / "to the end".
	RelStart90k *int64
	RelEnd90k   *int64
}

// ErrOpenIDMismatch is returned by BuildUnfragmented/BuildFragment when a
// segment's OpenID doesn't match its recording's current open-id.
type ErrOpenIDMismatch struct {
	CompositeID   db.CompositeID
	Requested     int64
	CurrentOpenID int64
}

func (e *ErrOpenIDMismatch) Error() string {
	return fmt.Sprintf("mp4: recording %d: open-id %d does not match current open-id %d (pre-crash ghost)",
		e.CompositeID, e.Requested, e.CurrentOpenID)
}

func validateOpenID(seg Segment) error {
	if seg.OpenID != nil && *seg.OpenID != seg.Recording.OpenID {
		return &ErrOpenIDMismatch{
			CompositeID:   seg.Recording.CompositeID,
			Requested:     *seg.OpenID,
			CurrentOpenID: seg.Recording.OpenID,
		}
	}
	return nil
}

// decodedRecording is a recording's video_index expanded into per-frame
// relative presentation time and sample-file byte offset, so trimming and
// table-building can work in frame-index space.
type decodedRecording struct {
	frames     []clock.Frame
	ptsAt      []int64 // frame i's start time relative to the recording
	byteOffset []int64 // frame i's byte offset within the sample file
}

func decodeRecording(rec db.Recording) (*decodedRecording, error) {
	frames, err := clock.DecodeIndex(rec.VideoIndex)
	if err != nil {
		return nil, fmt.Errorf("decode video index for recording %d: %w", rec.CompositeID, err)
	}
	d := &decodedRecording{
		frames:     frames,
		ptsAt:      make([]int64, len(frames)),
		byteOffset: make([]int64, len(frames)),
	}
	var pts, off int64
	for i, f := range frames {
		d.ptsAt[i] = pts
		d.byteOffset[i] = off
		pts += int64(f.Duration)
		off += int64(f.Size)
	}
	return d, nil
}

// trimRange picks the inclusive frame span covering [relStart, relEnd) and
// the edit-skip (media time to hide at the front) needed when relStart
// falls mid-GOP: output starts at the preceding keyframe with an edit
// list skipping the unwanted prefix.
func (d *decodedRecording) trimRange(relStart, relEnd *int64) (startIdx, endIdx int, editSkip int64) {
	n := len(d.frames)
	if n == 0 {
		return 0, -1, 0
	}

	startIdx = 0
	if relStart != nil {
		for i := n - 1; i >= 0; i-- {
			if d.frames[i].IsKeyframe && d.ptsAt[i] <= *relStart {
				startIdx = i
				break
			}
		}
		if skip := *relStart - d.ptsAt[startIdx]; skip > 0 {
			editSkip = skip
		}
	}

	endIdx = n - 1
	if relEnd != nil {
		endIdx = startIdx
		for i := startIdx; i < n; i++ {
			if d.ptsAt[i] < *relEnd {
				endIdx = i
			} else {
				break
			}
		}
	}
	return startIdx, endIdx, editSkip
}

// presentedDuration is the composition-time span covered by frames
// [startIdx,endIdx] after hiding editSkip ticks at the front, clamped to
// relEnd when the caller supplied one (the final included frame's
// duration is truncated via the edit list rather than re-encoded).
func (d *decodedRecording) presentedDuration(startIdx, endIdx int, editSkip int64, relStart, relEnd *int64) int64 {
	last := d.ptsAt[endIdx] + int64(d.frames[endIdx].Duration)
	total := last - d.ptsAt[startIdx] - editSkip
	if relEnd != nil {
		base := int64(0)
		if relStart != nil {
			base = *relStart
		} else {
			base = d.ptsAt[startIdx]
		}
		if want := *relEnd - base; want < total {
			total = want
		}
	}
	if total < 0 {
		total = 0
	}
	return total
}
