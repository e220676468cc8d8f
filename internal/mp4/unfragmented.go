package mp4

import (
	"fmt"

	"github.com/nvrcore/engine/internal/clock"
	"github.com/nvrcore/engine/internal/db"
)

// BuildUnfragmented assembles the single-file `.mp4` output: one
// moov covering every segment's trimmed samples plus edit lists, and one
// mdat whose bytes are never copied up front — they're sample_range
// slices resolved only when an HTTP range request actually reads them.
//
// All segments must share the same VideoSampleEntry: recordings only
// merge seamlessly when their VideoSampleEntry bytes are identical.
//
// includeSubtitles adds the optional timestamp subtitle track
// (subtitle.go) as a second trak sharing the same moov.
func BuildUnfragmented(segments []Segment, vse db.VideoSampleEntry, includeSubtitles bool) (*VirtualFile, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("mp4: no segments")
	}

	var allFrames []clock.Frame
	var chunkSampleCounts []int
	var mdat VirtualFile
	var firstEditSkip int64
	var hasEdit bool
	// mediaDuration covers every included frame; presentedDuration excludes
	// the edit-list skip and any rel_end truncation. mdhd carries the
	// former, mvhd/tkhd/elst the latter.
	var mediaDuration, presentedDuration int64

	for i, seg := range segments {
		if err := validateOpenID(seg); err != nil {
			return nil, err
		}
		if seg.Recording.VideoSampleEntryID != vse.ID {
			return nil, fmt.Errorf("mp4: recording %d uses a different VideoSampleEntry than the requested init segment", seg.Recording.CompositeID)
		}

		d, err := decodeRecording(seg.Recording)
		if err != nil {
			return nil, err
		}
		startIdx, endIdx, editSkip := d.trimRange(seg.RelStart90k, seg.RelEnd90k)
		if endIdx < startIdx {
			continue // recording has no frames in the requested window
		}

		if editSkip > 0 {
			if i != 0 {
				return nil, fmt.Errorf("mp4: edit-list skip only supported on the first segment of a view")
			}
			firstEditSkip = editSkip
			hasEdit = true
		}

		rangeStart := d.byteOffset[startIdx]
		rangeEnd := d.byteOffset[endIdx] + int64(d.frames[endIdx].Size)
		mdat.appendSampleRange(seg.Recording.CompositeID.StreamID(), seg.Recording.CompositeID.RecordingID(), rangeStart, rangeEnd-rangeStart)

		allFrames = append(allFrames, d.frames[startIdx:endIdx+1]...)
		chunkSampleCounts = append(chunkSampleCounts, endIdx-startIdx+1)
		mediaDuration += d.ptsAt[endIdx] + int64(d.frames[endIdx].Duration) - d.ptsAt[startIdx]
		presentedDuration += d.presentedDuration(startIdx, endIdx, editSkip, seg.RelStart90k, seg.RelEnd90k)
	}

	if len(allFrames) == 0 {
		return nil, fmt.Errorf("mp4: requested window contains no frames")
	}

	var subSamples [][]byte
	var subFrames []frameLike
	var subMdatBytes []byte
	if includeSubtitles {
		var err error
		subSamples, subFrames, err = subtitleCuesForSegments(segments)
		if err != nil {
			return nil, fmt.Errorf("mp4: building subtitle track: %w", err)
		}
		for _, s := range subSamples {
			subMdatBytes = append(subMdatBytes, s...)
		}
	}

	// Chunk offsets are always emitted as co64 here so the moov's byte
	// length is fixed regardless of the eventual offset values — letting
	// us compute the header length once, derive the real offsets, and
	// patch them in without the moov changing size (no chicken-and-egg
	// between "where does mdat start" and "how big is moov").
	placeholderOffsets := make([]int64, len(chunkSampleCounts))
	moovBytes := buildUnfragmentedMoov(vse, allFrames, chunkSampleCounts, placeholderOffsets, presentedDuration, mediaDuration, hasEdit, firstEditSkip, subFrames, 0, includeSubtitles)

	headerLen := int64(len(ftypBox().marshal())) + int64(len(moovBytes)) + 8 // +8: video mdat's own box header
	realOffsets := make([]int64, len(mdat.Slices))
	var pos int64
	for i, s := range mdat.Slices {
		realOffsets[i] = headerLen + pos
		pos += s.len()
	}
	subtitleChunkOffset := headerLen + mdat.Size() + 8 // past video mdat, past subtitle mdat's own header
	moovBytes = buildUnfragmentedMoov(vse, allFrames, chunkSampleCounts, realOffsets, presentedDuration, mediaDuration, hasEdit, firstEditSkip, subFrames, subtitleChunkOffset, includeSubtitles)

	var out VirtualFile
	out.appendStatic(ftypBox().marshal())
	out.appendStatic(moovBytes)

	mdatHeader := make([]byte, 8)
	putU32(mdatHeader, 0, uint32(8+mdat.Size()))
	copy(mdatHeader[4:8], "mdat")
	out.appendStatic(mdatHeader)
	out.Slices = append(out.Slices, mdat.Slices...)
	out.size += mdat.Size()

	if includeSubtitles {
		subHeader := make([]byte, 8)
		putU32(subHeader, 0, uint32(8+len(subMdatBytes)))
		copy(subHeader[4:8], "mdat")
		out.appendStatic(subHeader)
		out.appendStatic(subMdatBytes)
	}

	return &out, nil
}

func co64BoxForced(offsets []int64) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(uint32(len(offsets)))
	for _, o := range offsets {
		w.u64(uint64(o))
	}
	return leaf("co64", w.buf)
}

func buildUnfragmentedMoov(vse db.VideoSampleEntry, frames []clock.Frame, chunkSampleCounts []int, chunkOffsets []int64, presentedDuration, mediaDuration int64, hasEdit bool, editSkip int64, subFrames []frameLike, subtitleChunkOffset int64, includeSubtitles bool) []byte {
	stbl := parent("stbl",
		stsdBox(vse),
		sttsBox(frames),
		stssBox(frames),
		stscBox(chunkSampleCounts),
		stszBox(frames),
		co64BoxForced(chunkOffsets),
	)
	mdia := parent("mdia",
		mdhdBox(uint32(clock.Hz), uint64(mediaDuration)),
		hdlrBox("vide", "video"),
		parent("minf", vmhdBox(), dinfBox(), stbl),
	)
	trakBoxes := []box{tkhdBox(videoTrackID, uint64(presentedDuration), vse.Width, vse.Height)}
	if hasEdit {
		trakBoxes = append(trakBoxes, parent("edts", elstBox(uint64(presentedDuration), editSkip)))
	}
	trakBoxes = append(trakBoxes, mdia)
	trak := parent("trak", trakBoxes...)

	moovChildren := []box{mvhdBox(uint32(clock.Hz), uint64(presentedDuration), videoTrackID+2), trak}
	if includeSubtitles {
		moovChildren = append(moovChildren, rawChild(buildSubtitleMoov(subFrames, subtitleChunkOffset, presentedDuration, mediaDuration)))
	}
	return parent("moov", moovChildren...).marshal()
}
