package mp4

import (
	"github.com/nvrcore/engine/internal/clock"
	"github.com/nvrcore/engine/internal/db"
)

const (
	videoTrackID    uint32 = 1
	subtitleTrackID uint32 = 2
)

func ftypBox() box {
	w := &bw{}
	w.fourccBytes("isom") // major_brand
	w.u32(0)              // minor_version
	for _, b := range []string{"isom", "iso2", "avc1", "mp41"} {
		w.fourccBytes(b)
	}
	return leaf("ftyp", w.buf)
}

// emptyStbl is the sample table an initialization segment carries: a
// stsd naming the codec, and empty stts/stsc/stsz/stco tables since no
// sample lives in this box (every sample arrives in a later moof/mdat).
func emptyStbl(vse db.VideoSampleEntry) box {
	empty := func(fourcc string) box {
		w := &bw{}
		w.fullBoxHeader(0, 0)
		w.u32(0)
		return leaf(fourcc, w.buf)
	}
	return parent("stbl", stsdBox(vse), empty("stts"), empty("stsc"), stszBox(nil), chunkOffsetBox(nil))
}

func videoTrak(vse db.VideoSampleEntry, stbl box) box {
	mdia := parent("mdia",
		mdhdBox(uint32(clock.Hz), 0),
		hdlrBox("vide", "video"),
		parent("minf", vmhdBox(), dinfBox(), stbl),
	)
	return parent("trak", tkhdBox(videoTrackID, 0, vse.Width, vse.Height), mdia)
}

// BuildInitSegment builds the fragmented-playback initialization segment:
// ftyp + a moov with no samples but a movie-extends box so readers accept
// subsequent moof/mdat fragments that share this VideoSampleEntry. Init
// segments are keyed by the VideoSampleEntry's content hash so recordings
// in one run never need a fresh one.
func BuildInitSegment(vse db.VideoSampleEntry) []byte {
	moov := parent("moov",
		mvhdBox(uint32(clock.Hz), 0, videoTrackID+1),
		videoTrak(vse, emptyStbl(vse)),
		mvexBox(videoTrackID),
	)
	out := ftypBox().marshal()
	return append(out, moov.marshal()...)
}

// InitSegmentCacheKey is the filename-safe cache key for an init segment,
// matching the database's video_sample_entry.sha1 so the HTTP layer's
// `/init/<hash>.mp4` route needs no extra lookup table.
func InitSegmentCacheKey(vse db.VideoSampleEntry) string {
	return sampleEntryHash(vse)
}
