package mp4

// This file builds the fixed-shape header boxes shared by every moov
// variant (init segment and unfragmented file): movie/track/media headers,
// the handler and media-information boilerplate, and the movie extends
// box that marks a track as fragmentable.

func mvhdBox(timescale uint32, duration uint64, nextTrackID uint32) box {
	w := &bw{}
	w.fullBoxHeader(1, 0) // version 1: 64-bit times
	w.u64(0)              // creation_time
	w.u64(0)              // modification_time
	w.u32(timescale)
	w.u64(duration)
	w.i32(0x00010000) // rate, 1.0
	w.i16(0x0100)     // volume, 1.0
	w.u16(0)          // reserved
	w.u32(0)          // reserved[2]
	w.u32(0)
	identityMatrix(w)
	for i := 0; i < 6; i++ {
		w.u32(0) // pre_defined
	}
	w.u32(nextTrackID)
	return leaf("mvhd", w.buf)
}

func tkhdBox(trackID uint32, duration uint64, width, height uint16) box {
	w := &bw{}
	w.fullBoxHeader(1, 0x000007) // enabled | in_movie | in_preview
	w.u64(0)                     // creation_time
	w.u64(0)                     // modification_time
	w.u32(trackID)
	w.u32(0) // reserved
	w.u64(duration)
	w.u32(0) // reserved[2]
	w.u32(0)
	w.i16(0) // layer
	w.i16(0) // alternate_group
	w.i16(0) // volume (0 for video)
	w.u16(0) // reserved
	identityMatrix(w)
	w.u32(uint32(width) << 16)
	w.u32(uint32(height) << 16)
	return leaf("tkhd", w.buf)
}

func mdhdBox(timescale uint32, duration uint64) box {
	w := &bw{}
	w.fullBoxHeader(1, 0)
	w.u64(0) // creation_time
	w.u64(0) // modification_time
	w.u32(timescale)
	w.u64(duration)
	w.u16(0x55c4) // language "und"
	w.u16(0)      // pre_defined
	return leaf("mdhd", w.buf)
}

func hdlrBox(handlerType, name string) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(0) // pre_defined
	w.fourccBytes(handlerType)
	w.u32(0) // reserved[3]
	w.u32(0)
	w.u32(0)
	w.raw([]byte(name))
	w.u8(0) // null terminator
	return leaf("hdlr", w.buf)
}

func vmhdBox() box {
	w := &bw{}
	w.fullBoxHeader(0, 1) // flags=1 required by spec
	w.u16(0)              // graphicsmode
	w.u16(0)              // opcolor r,g,b
	w.u16(0)
	w.u16(0)
	return leaf("vmhd", w.buf)
}

// nmhdBox is the generic "no specific information" media header used by
// the timestamp subtitle track.
func nmhdBox() box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	return leaf("nmhd", w.buf)
}

func drefBox() box {
	urlW := &bw{}
	urlW.fullBoxHeader(0, 1) // flags=1: media data is in this same file
	urlBox := leaf("url ", urlW.buf)

	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(1) // entry_count
	return box{fourcc: "dref", payload: w.buf, children: []box{urlBox}}
}

func dinfBox() box {
	return parent("dinf", drefBox())
}

// mvexBox marks a track fragmentable, carried only by the initialization
// segment's moov.
func mvexBox(trackID uint32) box {
	w := &bw{}
	w.u32(trackID)
	w.u32(1) // default_sample_description_index
	w.u32(0) // default_sample_duration
	w.u32(0) // default_sample_size
	w.u32(0) // default_sample_flags
	trex := leaf("trex", w.buf)
	return parent("mvex", trex)
}
