package mp4

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/nvrcore/engine/internal/db"
)

// sampleEntryHash is the cache key used to dedupe initialization
// segments across recordings sharing one VideoSampleEntry: the sha1 of
// its raw codec configuration record, matching the database's own
// video_sample_entry.sha1 column so the two never drift.
func sampleEntryHash(vse db.VideoSampleEntry) string {
	if vse.SHA1 != "" {
		return vse.SHA1
	}
	sum := sha1.Sum(vse.Data)
	return hex.EncodeToString(sum[:])
}

// visualSampleEntry builds the avc1/hev1 box: fixed VisualSampleEntry
// fields (ISO/IEC 14496-12 §12.1.3) followed by the codec's own
// configuration box, whose raw bytes are exactly VideoSampleEntry.Data.
func visualSampleEntry(vse db.VideoSampleEntry) box {
	entryType, confBox := "avc1", "avcC"
	codec := strings.ToLower(vse.RFC6381Codec)
	if strings.HasPrefix(codec, "hev1") || strings.HasPrefix(codec, "hvc1") {
		entryType, confBox = "hev1", "hvcC"
	}

	w := &bw{}
	w.raw(make([]byte, 6))  // reserved
	w.u16(1)                // data_reference_index
	w.u16(0)                // pre_defined
	w.u16(0)                // reserved
	w.raw(make([]byte, 12)) // pre_defined[3]
	w.u16(vse.Width)
	w.u16(vse.Height)
	w.u32(0x00480000) // horizresolution, 72 dpi
	w.u32(0x00480000) // vertresolution, 72 dpi
	w.u32(0)          // reserved
	w.u16(1)          // frame_count
	w.raw(make([]byte, 32))
	w.u16(0x0018) // depth
	w.i16(-1)     // pre_defined

	return box{
		fourcc:   entryType,
		payload:  w.buf,
		children: []box{leaf(confBox, vse.Data)},
	}
}

// stsdBox builds the sample description box: one entry, the codec's
// VisualSampleEntry, shared byte-identically by every recording in a run
// (the VideoSampleEntry byte-identity rule runs are keyed on).
func stsdBox(vse db.VideoSampleEntry) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(1) // entry_count
	return box{fourcc: "stsd", payload: w.buf, children: []box{visualSampleEntry(vse)}}
}
