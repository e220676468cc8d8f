package mp4

import (
	"fmt"

	"github.com/nvrcore/engine/internal/clock"
)

// frameLike is the subset of clock.Frame the moof/trun builder needs,
// kept separate so callers (the subtitle track) can feed synthetic
// entries without depending on clock.Frame's keyframe semantics.
type frameLike struct {
	duration   int64
	size       int32
	isKeyframe bool
}

func toFrameLike(frames []clock.Frame) []frameLike {
	out := make([]frameLike, len(frames))
	for i, f := range frames {
		out[i] = frameLike{duration: int64(f.Duration), size: f.Size, isKeyframe: f.IsKeyframe}
	}
	return out
}

// BuildFragment assembles one `.m4s` media segment: a single
// moof+mdat pair with 32-bit sample offsets, so a single call is limited
// to recordings whose combined sample bytes fit in 4 GiB — no edit lists,
// since MSE playback composes fragments back-to-back on the timeline the
// caller already established via the initialization segment.
func BuildFragment(seg Segment, sequenceNumber uint32) (*VirtualFile, error) {
	if err := validateOpenID(seg); err != nil {
		return nil, err
	}

	d, err := decodeRecording(seg.Recording)
	if err != nil {
		return nil, err
	}
	startIdx, endIdx, editSkip := d.trimRange(seg.RelStart90k, seg.RelEnd90k)
	if endIdx < startIdx {
		return nil, fmt.Errorf("mp4: requested window contains no frames")
	}
	if editSkip > 0 {
		return nil, fmt.Errorf("mp4: fragmented segments don't support mid-GOP starts; request from a keyframe boundary")
	}

	frames := d.frames[startIdx : endIdx+1]
	rangeStart := d.byteOffset[startIdx]
	rangeEnd := d.byteOffset[endIdx] + int64(frames[len(frames)-1].Size)
	sampleBytes := rangeEnd - rangeStart
	if sampleBytes > 0xffffffff {
		return nil, fmt.Errorf("mp4: fragment sample data exceeds the 4 GiB 32-bit-offset limit")
	}

	baseMediaDecodeTime := d.ptsAt[startIdx]

	// trun's data_offset is relative to the start of moof, which depends
	// on moof's own length — build once to learn the length, then rebuild
	// with the real offset patched in (same technique as the unfragmented
	// builder's chunk-offset pass, just simpler since there's one chunk).
	trial := buildMoof(sequenceNumber, baseMediaDecodeTime, toFrameLike(frames), 0)
	dataOffset := int32(len(trial.marshal()) + 8) // +8: mdat's own header
	moof := buildMoof(sequenceNumber, baseMediaDecodeTime, toFrameLike(frames), dataOffset)

	var out VirtualFile
	out.appendStatic(moof.marshal())

	mdatHeader := make([]byte, 8)
	putU32(mdatHeader, 0, uint32(8+sampleBytes))
	copy(mdatHeader[4:8], "mdat")
	out.appendStatic(mdatHeader)
	out.appendSampleRange(seg.Recording.CompositeID.StreamID(), seg.Recording.CompositeID.RecordingID(), rangeStart, sampleBytes)

	return &out, nil
}

// trunBox packs one sample's duration, size, and keyframe-derived flags
// per entry into the track fragment run box (ISO/IEC 14496-12 §8.8.8).
func trunBox(frames []frameLike, dataOffset int32) box {
	const flagDataOffset = 0x000001
	const flagDuration = 0x000100
	const flagSize = 0x000200
	const flagFlags = 0x000400

	w := &bw{}
	w.fullBoxHeader(0, flagDataOffset|flagDuration|flagSize|flagFlags)
	w.u32(uint32(len(frames)))
	w.i32(dataOffset)
	for _, f := range frames {
		w.u32(uint32(f.duration))
		w.u32(uint32(f.size))
		w.u32(sampleFlags(f.isKeyframe))
	}
	return leaf("trun", w.buf)
}

// sampleFlags packs sample_depends_on / sample_is_non_sync_sample
// (ISO/IEC 14496-12 §8.8.3.1): a keyframe depends on nothing and is a
// sync sample, matching the video_index's own keyframe bit.
func sampleFlags(isKeyframe bool) uint32 {
	if isKeyframe {
		return 2 << 24 // sample_depends_on=2 (no dependency); is_non_sync_sample=0
	}
	return (1 << 24) | (1 << 16) // sample_depends_on=1; is_non_sync_sample=1
}

func tfhdBox(trackID uint32) box {
	w := &bw{}
	w.fullBoxHeader(0, 0x020000) // default-base-is-moof
	w.u32(trackID)
	return leaf("tfhd", w.buf)
}

func tfdtBox(baseMediaDecodeTime int64) box {
	w := &bw{}
	w.fullBoxHeader(1, 0)
	w.u64(uint64(baseMediaDecodeTime))
	return leaf("tfdt", w.buf)
}

func mfhdBox(sequenceNumber uint32) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(sequenceNumber)
	return leaf("mfhd", w.buf)
}

func buildMoof(sequenceNumber uint32, baseMediaDecodeTime int64, frames []frameLike, dataOffset int32) box {
	traf := parent("traf", tfhdBox(videoTrackID), tfdtBox(baseMediaDecodeTime), trunBox(frames, dataOffset))
	return parent("moof", mfhdBox(sequenceNumber), traf)
}
