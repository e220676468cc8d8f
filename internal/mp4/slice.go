package mp4

import "fmt"

// SliceKind distinguishes a synthesized header/box byte run from a run of
// sample bytes read from a recording's sample file.
type SliceKind int

const (
	SliceStatic SliceKind = iota
	SliceSampleRange
)

// Slice is one contiguous run of a VirtualFile: either bytes already in
// memory (boxes) or a (stream, recording, offset, length) reference into a
// sample file, resolved lazily by SampleReader. This is the "virtual file
// slice model": an HTTP range request never needs more than the
// slices its byte range touches.
type Slice struct {
	Kind                  SliceKind
	Static                []byte
	StreamID, RecordingID int32
	Offset, Length        int64
}

func (s Slice) len() int64 {
	if s.Kind == SliceStatic {
		return int64(len(s.Static))
	}
	return s.Length
}

// VirtualFile is an ordered sequence of slices whose concatenation is one
// synthesized MP4 byte stream.
type VirtualFile struct {
	Slices []Slice
	size   int64
}

func (v *VirtualFile) Size() int64 { return v.size }

func (v *VirtualFile) appendStatic(b []byte) {
	if len(b) == 0 {
		return
	}
	v.Slices = append(v.Slices, Slice{Kind: SliceStatic, Static: b})
	v.size += int64(len(b))
}

func (v *VirtualFile) appendSampleRange(streamID, recordingID int32, offset, length int64) {
	if length == 0 {
		return
	}
	v.Slices = append(v.Slices, Slice{Kind: SliceSampleRange, StreamID: streamID, RecordingID: recordingID, Offset: offset, Length: length})
	v.size += length
}

// SampleReader resolves a sample_range slice to bytes; sampledir.Dir
// satisfies this directly.
type SampleReader interface {
	ReadRange(streamID, recordingID int32, offset int64, length int) ([]byte, error)
}

// ReadAt materializes exactly the [start,end) byte range, the only point
// sample bytes are copied and only for the span one HTTP range request
// actually asked for.
func (v *VirtualFile) ReadAt(reader SampleReader, start, end int64) ([]byte, error) {
	if start < 0 || end > v.size || start > end {
		return nil, fmt.Errorf("mp4: range [%d,%d) out of bounds for size %d", start, end, v.size)
	}
	out := make([]byte, 0, end-start)
	var pos int64
	for _, s := range v.Slices {
		sLen := s.len()
		sStart, sEnd := pos, pos+sLen
		pos = sEnd
		if sEnd <= start || sStart >= end {
			continue
		}
		lo := maxInt64(start, sStart) - sStart
		hi := minInt64(end, sEnd) - sStart
		if s.Kind == SliceStatic {
			out = append(out, s.Static[lo:hi]...)
			continue
		}
		b, err := reader.ReadRange(s.StreamID, s.RecordingID, s.Offset+lo, int(hi-lo))
		if err != nil {
			return nil, fmt.Errorf("mp4: read sample range: %w", err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
