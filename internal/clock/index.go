package clock

import (
	"encoding/binary"
	"fmt"
)

// Frame is one decoded entry of a recording's video_index blob.
type Frame struct {
	DurationDelta Tick90k // delta from the previous frame's duration
	Duration      Tick90k // absolute duration, reconstructed while decoding
	Size          int32
	IsKeyframe    bool
}

// IndexEncoder packs a sequence of frames into the varint index format:
// per frame, (zigzag(duration_delta)<<1)|is_keyframe, then
// zigzag(size_delta) where size_delta is tracked separately for keyframes
// and non-keyframes.
type IndexEncoder struct {
	buf              []byte
	prevDuration     Tick90k
	lastKeySize      int32
	lastNonKeySize   int32
	havePrevDuration bool
}

func NewIndexEncoder() *IndexEncoder {
	return &IndexEncoder{}
}

// AddFrame appends one frame. duration is this frame's actual duration —
// for all but the final frame of a recording, it comes from the delta to
// the next frame's PTS; the final frame's duration is computed by the
// caller (zero if the recording closed abruptly).
func (e *IndexEncoder) AddFrame(duration Tick90k, size int32, isKeyframe bool) {
	var prev Tick90k
	if e.havePrevDuration {
		prev = e.prevDuration
	}
	durationDelta := duration - prev
	e.prevDuration = duration
	e.havePrevDuration = true

	var lastSize int32
	if isKeyframe {
		lastSize = e.lastKeySize
	} else {
		lastSize = e.lastNonKeySize
	}
	sizeDelta := size - lastSize
	if isKeyframe {
		e.lastKeySize = size
	} else {
		e.lastNonKeySize = size
	}

	first := Zigzag(int64(durationDelta)) << 1
	if isKeyframe {
		first |= 1
	}
	e.buf = appendUvarint(e.buf, first)
	e.buf = appendUvarint(e.buf, Zigzag(int64(sizeDelta)))
}

// Bytes returns the encoded index blob.
func (e *IndexEncoder) Bytes() []byte { return e.buf }

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// DecodeIndex decodes a video_index blob back into its frame sequence.
// It is the exact inverse of IndexEncoder: a round-trip identity.
func DecodeIndex(data []byte) ([]Frame, error) {
	var frames []Frame
	var prevDuration Tick90k
	var lastKeySize, lastNonKeySize int32
	havePrev := false

	pos := 0
	for pos < len(data) {
		first, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("decode index: malformed duration varint at offset %d", pos)
		}
		pos += n

		second, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, fmt.Errorf("decode index: malformed size varint at offset %d", pos)
		}
		pos += n

		isKeyframe := first&1 != 0
		durationDelta := Tick90k(Unzigzag(first >> 1))

		var prev Tick90k
		if havePrev {
			prev = prevDuration
		}
		duration := prev + durationDelta
		prevDuration = duration
		havePrev = true

		var lastSize int32
		if isKeyframe {
			lastSize = lastKeySize
		} else {
			lastSize = lastNonKeySize
		}
		sizeDelta := int32(Unzigzag(second))
		size := lastSize + sizeDelta
		if isKeyframe {
			lastKeySize = size
		} else {
			lastNonKeySize = size
		}

		frames = append(frames, Frame{
			DurationDelta: durationDelta,
			Duration:      duration,
			Size:          size,
			IsKeyframe:    isKeyframe,
		})
	}

	return frames, nil
}

// Stats summarizes a decoded index for invariant checks: video_samples
// must equal len(frames) and the first frame must be a keyframe.
type Stats struct {
	Samples      int
	SyncSamples  int
	TotalBytes   int64
	TotalDuration Tick90k
}

func Summarize(frames []Frame) Stats {
	var s Stats
	s.Samples = len(frames)
	for _, f := range frames {
		if f.IsKeyframe {
			s.SyncSamples++
		}
		s.TotalBytes += int64(f.Size)
		s.TotalDuration += f.Duration
	}
	return s
}
