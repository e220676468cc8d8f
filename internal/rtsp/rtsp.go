// Package rtsp defines the capability set the streamer needs from an RTSP
// client, and a thin reference implementation over the standard library's
// net package. The RTSP/RTP protocol itself is an external collaborator
// — this package is the seam, not a full protocol stack.
package rtsp

import (
	"context"
	"time"
)

// Frame is one decoded access unit delivered by a Session:
// (pts_90k, is_keyframe, bytes, new_parameters?).
type Frame struct {
	PTS90k        int64
	IsKeyframe    bool
	Bytes         []byte
	NewParameters *Parameters // non-nil only when codec parameters change
}

// Parameters describes the negotiated video codec: enough to build a
// VideoSampleEntry (width, height, codec string, raw stsd-compatible
// payload) and to detect byte-identical changes across a run boundary.
type Parameters struct {
	Width        uint16
	Height       uint16
	RFC6381Codec string
	// Raw holds the codec-specific configuration record (e.g. an
	// AVCDecoderConfigurationRecord) that the MP4 assembler embeds
	// verbatim in the init segment's stsd.
	Raw []byte
}

// Session is the capability set required of an RTSP/RTP client: connect,
// select a stream, read frames, and tear down.
type Session interface {
	// Connect opens url with the given timeout and selects the stream
	// identified by mediaType ("video" is the only one the engine acts
	// on). Returns the initial negotiated parameters.
	Connect(ctx context.Context, url string, mediaType string, timeout time.Duration) (*Parameters, error)

	// NextFrame blocks until a frame is available, ctx is canceled, or the
	// session is torn down, in which case it returns ErrSessionClosed.
	NextFrame(ctx context.Context) (Frame, error)

	// Teardown closes the session. Safe to call more than once.
	Teardown() error
}

// Dialer constructs Sessions; production wiring swaps in a real RTSP/RTP
// client library behind this interface without touching the streamer.
type Dialer interface {
	Dial() Session
}
