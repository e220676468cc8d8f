package streamer

import "time"

// State is one node of the per-stream state machine:
//
//	Idle --connect--> Negotiating --setup--> Streaming --rotate--> Streaming
//	  ^                                          |
//	  |                                          v
//	  +---------- backoff <--------- Error <--- Teardown
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the point-in-time snapshot returned by Streamer.Status,
// for the status API and logs.
type Status struct {
	StreamID     int32
	State        State
	LastError    string
	RunOffset    int32
	RecordingID  int32
	FramesInRing int
}

// Config tunes one stream's ingestion behavior.
type Config struct {
	StreamID int32

	// OpenID is the process-wide open row id: one row is inserted when the
	// database is opened read-write, and every recording this streamer
	// commits is tagged with it so a restart can tell pre-crash rows apart.
	OpenID int64

	RTSPURL string

	// RotationThreshold is the nominal recording length before a rotation
	// is considered, in 90kHz ticks.
	RotationThreshold int64

	// Stagger offsets this stream's rotation threshold from others to
	// avoid a thundering-herd flush.
	Stagger time.Duration

	// RingBudgetBytes bounds the in-RAM frame ring; exceeding it aborts
	// the recording rather than blocking frame reception.
	RingBudgetBytes int64

	// InitialBackoff and MaxBackoff bound the Error-state reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	ConnectTimeout time.Duration

	// Now supplies the wall clock; tests substitute a fixed one. Nil means
	// time.Now.
	Now func() time.Time
}

func DefaultConfig(streamID int32, rtspURL string) Config {
	return Config{
		StreamID:          streamID,
		RTSPURL:           rtspURL,
		RotationThreshold: 60 * 90000, // 60s nominal
		RingBudgetBytes:   8 << 20,    // 8MiB
		InitialBackoff:    time.Second,
		MaxBackoff:         30 * time.Second,
		ConnectTimeout:     10 * time.Second,
	}
}
