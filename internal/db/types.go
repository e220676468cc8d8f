package db

import "time"

// CompositeID packs a stream id and a per-stream recording id into the
// single primary key used by the recording table, mirroring the
// sample file's own naming scheme (%08x%08x of the same two values).
type CompositeID int64

func NewCompositeID(streamID int32, recordingID int32) CompositeID {
	return CompositeID(int64(streamID)<<32 | int64(uint32(recordingID)))
}

func (c CompositeID) StreamID() int32    { return int32(int64(c) >> 32) }
func (c CompositeID) RecordingID() int32 { return int32(int64(c) & 0xffffffff) }

// SampleFileDir is a directory the engine owns exclusively: its sample
// files plus the metadata rows that reference them.
type SampleFileDir struct {
	ID                 int32
	Path               string
	UUID               string
	LastCompleteOpenID *int64
}

// OpenRow marks one run of a sample file directory's writer process.
type OpenRow struct {
	ID   int64
	UUID string
}

type Camera struct {
	ID          int32
	UUID        string
	ShortName   string
	Description string
}

type Stream struct {
	ID               int32
	CameraID         int32
	SampleFileDirID  *int32
	Type             string // "main" | "sub"
	Record           bool
	RTSPURL          string
	RetainBytes      int64
	FlushIfSec       int
	NextRecordingID  int32
}

// VideoSampleEntry holds one run's codec parameters: the byte-identical
// set that lets an init segment be shared across every recording in a run.
type VideoSampleEntry struct {
	ID           int64
	SHA1         string
	Width        uint16
	Height       uint16
	RFC6381Codec string
	Data         []byte
}

// Recording flags. Bit 0 marks a recording whose final frame's duration
// is unknown (the recording closed abruptly, so it was encoded as zero).
const (
	RecordingFlagTrailingZero = 1 << 0
)

type Recording struct {
	CompositeID           CompositeID
	StreamID              int32
	OpenID                int64
	RunOffset             int32
	Flags                 int32
	SampleFileBytes       int64
	StartTime90k          int64
	WallDuration90k       int64
	MediaDurationDelta90k int64
	LocalTimeDelta90k     int64
	VideoSampleEntryID    int64
	VideoSamples          int32
	VideoSyncSamples      int32
	VideoIndex            []byte
}

func (r Recording) EndTime90k() int64 { return r.StartTime90k + r.WallDuration90k }

// StartTimeUTC converts the 90kHz start time to a wall-clock time assuming
// a Unix epoch base, for day-bucket aggregation and API responses.
func (r Recording) StartTimeUTC() time.Time {
	return time.Unix(0, r.StartTime90k*int64(time.Second)/90000).UTC()
}

// GarbageRow is a sample file pending unlink or purge.
type GarbageRow struct {
	SampleFileDirID int32
	CompositeID     CompositeID
	OpenID          int64
	Unlinked        bool
}

// Batch is the unit of work the syncer commits in one transaction: new
// recordings that just flushed durably to disk, recordings being deleted
// by retention (moved to garbage), and garbage rows whose unlink has been
// confirmed (eligible for purge from the ledger).
type Batch struct {
	AddRecordings    []Recording
	DeleteRecordings []CompositeID
	PurgeGarbage     []CompositeID
	StreamDirID      int32
}
