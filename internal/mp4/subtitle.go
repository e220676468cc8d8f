// The timestamp subtitle track: a second tx3g-style text track with one
// cue per video sample giving its wall-clock time, so
// a seeked player can show "what time is this". This file supplements
// BuildUnfragmented with that second track.
package mp4

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nvrcore/engine/internal/clock"
)

const nsPerTick = int64(time.Second) / clock.Hz

func tickToWallTime(base time.Time, ticks int64) time.Time {
	return base.Add(time.Duration(ticks * nsPerTick))
}

// tx3gSample encodes one cue exactly like QuickTime's tx3g text sample:
// a 2-byte big-endian length prefix followed by the UTF-8 text, no style
// records.
func tx3gSample(text string) []byte {
	b := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(text)))
	copy(b[2:], text)
	return b
}

// tx3gStsd builds the minimal tx3g sample entry: fixed display-box and
// style fields (all zero, meaning "use the full video frame, no style"),
// no external resources.
func tx3gStsd() box {
	w := &bw{}
	w.raw(make([]byte, 6)) // reserved
	w.u16(1)               // data_reference_index
	w.u32(0)                // display_flags
	w.u8(0)                 // horizontal_justification
	w.u8(0)                 // vertical_justification
	w.raw(make([]byte, 4)) // background_color_rgba
	// BoxRecord default_text_box: top,left,bottom,right = 0
	w.raw(make([]byte, 8))
	// StyleRecord default_style: startChar,endChar,font_id,face,size,color
	w.raw(make([]byte, 12))
	entry := box{fourcc: "tx3g", payload: w.buf}

	sw := &bw{}
	sw.fullBoxHeader(0, 0)
	sw.u32(1) // entry_count
	return box{fourcc: "stsd", payload: sw.buf, children: []box{entry}}
}

// subtitleCuesForSegments derives one text cue per included video frame,
// aligned 1:1 with the video track's stts so both tracks stay in lockstep
// (each cue's duration equals its corresponding video frame's duration).
func subtitleCuesForSegments(segments []Segment) ([][]byte, []frameLike, error) {
	var samples [][]byte
	var durations []frameLike

	for _, seg := range segments {
		d, err := decodeRecording(seg.Recording)
		if err != nil {
			return nil, nil, err
		}
		startIdx, endIdx, _ := d.trimRange(seg.RelStart90k, seg.RelEnd90k)
		if endIdx < startIdx {
			continue
		}
		base := seg.Recording.StartTimeUTC()
		for i := startIdx; i <= endIdx; i++ {
			wall := tickToWallTime(base, d.ptsAt[i])
			text := wall.Format(time.RFC3339Nano)
			samples = append(samples, tx3gSample(text))
			durations = append(durations, frameLike{duration: int64(d.frames[i].Duration), size: int32(len(tx3gSample(text)))})
		}
	}
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("mp4: no frames to derive subtitle cues from")
	}
	return samples, durations, nil
}

// buildSubtitleMoov mirrors buildUnfragmentedMoov's shape for a single
// "text" handler track whose samples are all known statically up front
// (tiny timestamp strings rather than video bytes read from disk).
func buildSubtitleMoov(frames []frameLike, chunkOffset int64, presentedDuration, mediaDuration int64) []byte {
	stbl := parent("stbl",
		tx3gStsd(),
		sttsFromFrameLike(frames),
		stscBox([]int{len(frames)}),
		stszFromFrameLike(frames),
		co64BoxForced([]int64{chunkOffset}),
	)
	mdia := parent("mdia",
		mdhdBox(uint32(clock.Hz), uint64(mediaDuration)),
		hdlrBox("text", "timestamps"),
		parent("minf", nmhdBox(), dinfBox(), stbl),
	)
	trak := parent("trak", tkhdBox(subtitleTrackID, uint64(presentedDuration), 0, 0), mdia)
	return trak.marshal()
}

func sttsFromFrameLike(frames []frameLike) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	countPos := len(w.buf)
	w.u32(0)
	var entries uint32
	i := 0
	for i < len(frames) {
		dur := frames[i].duration
		run := 1
		for i+run < len(frames) && frames[i+run].duration == dur {
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

func stszFromFrameLike(frames []frameLike) box {
	w := &bw{}
	w.fullBoxHeader(0, 0)
	w.u32(0)
	w.u32(uint32(len(frames)))
	for _, f := range frames {
		w.u32(uint32(f.size))
	}
	return leaf("stsz", w.buf)
}
