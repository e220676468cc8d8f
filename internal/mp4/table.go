package mp4

import "github.com/nvrcore/engine/internal/clock"

// sttsBox run-length-encodes sample durations (ISO/IEC 14496-12 §8.6.1.2).
func sttsBox(frames []clock.Frame) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	countPos := len(w.buf)
	w.u32(0) // entry_count placeholder

	var entries uint32
	i := 0
	for i < len(frames) {
		dur := frames[i].Duration
		run := 1
		for i+run < len(frames) && frames[i+run].Duration == dur {
			run++
		}
		w.u32(uint32(run))
		w.u32(uint32(dur))
		entries++
		i += run
	}
	putU32(w.buf, countPos, entries)
	return leaf("stts", w.buf)
}

// stszBox lists every sample's size individually; these recordings never
// share a uniform sample size across the whole table (keyframes are much
// larger), so the common-size shortcut (sample_size != 0) never applies.
func stszBox(frames []clock.Frame) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(0) // sample_size = 0: sizes given individually below
	w.u32(uint32(len(frames)))
	for _, f := range frames {
		w.u32(uint32(f.Size))
	}
	return leaf("stsz", w.buf)
}

// stssBox lists the 1-based sample numbers of every sync (key) frame.
func stssBox(frames []clock.Frame) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	countPos := len(w.buf)
	w.u32(0)
	var n uint32
	for i, f := range frames {
		if f.IsKeyframe {
			w.u32(uint32(i + 1))
			n++
		}
	}
	putU32(w.buf, countPos, n)
	return leaf("stss", w.buf)
}

// stscBox maps samples to chunks. Each recording contributes exactly one
// chunk (its sample file is one contiguous virtual-file slice run), so a
// multi-recording view.mp4 gets one stsc entry per recording with its own
// sample count; a new entry starts only where a chunk's sample count
// differs from the previous chunk's.
func stscBox(chunkSampleCounts []int) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	countPos := len(w.buf)
	w.u32(0)
	var entries uint32
	for i, n := range chunkSampleCounts {
		if i > 0 && chunkSampleCounts[i-1] == n {
			continue // same samples-per-chunk run as the previous entry
		}
		w.u32(uint32(i + 1)) // first_chunk
		w.u32(uint32(n))     // samples_per_chunk
		w.u32(1)             // sample_description_index
		entries++
	}
	putU32(w.buf, countPos, entries)
	return leaf("stsc", w.buf)
}

// chunkOffsetBox records each chunk's byte offset into the virtual mdat as
// stco, or as co64 whenever any offset exceeds 32 bits. The unfragmented
// file does not use it: it always writes co64 through co64BoxForced.
func chunkOffsetBox(offsets []int64) box {
	need64 := false
	for _, o := range offsets {
		if o > 0xffffffff {
			need64 = true
			break
		}
	}
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(uint32(len(offsets)))
	if need64 {
		for _, o := range offsets {
			w.u64(uint64(o))
		}
		return leaf("co64", w.buf)
	}
	for _, o := range offsets {
		w.u32(uint32(o))
	}
	return leaf("stco", w.buf)
}

func putU32(buf []byte, pos int, v uint32) {
	buf[pos] = byte(v >> 24)
	buf[pos+1] = byte(v >> 16)
	buf[pos+2] = byte(v >> 8)
	buf[pos+3] = byte(v)
}

// elstBox builds a one-entry edit list skipping mediaTime of media before
// the segment starts presenting.
func elstBox(segmentDuration uint64, mediaTime int64) box {
	w := &bw{}
	w.fullBoxHeader(1, 0) // version 1: 64-bit segment_duration/media_time
	w.u32(1)              // entry_count
	w.u64(segmentDuration)
	w.u64(uint64(mediaTime))
	w.i16(1) // media_rate_integer
	w.i16(0) // media_rate_fraction
	return leaf("elst", w.buf)
}
