// Package clock implements the 90kHz tick timebase and the varint-packed
// frame index codec used to describe a recording's per-frame durations,
// sizes and keyframe flags without storing one row per frame.
package clock

// Hz is the tick rate every duration and timestamp in the engine is
// expressed in.
const Hz = 90000

// Tick90k is a 90kHz timestamp or duration. Durations are always
// non-negative; timestamps are relative to an arbitrary wall-clock epoch
// chosen at run start.
type Tick90k int64

// MaxClockErrorPPM bounds how far a recording's stated wall duration may be
// corrected away from its media duration.
const MaxClockErrorPPM = 500

// Zigzag maps a signed integer to an unsigned one so that small-magnitude
// values of either sign encode to small varints: 0,-1,1,-2,2 -> 0,1,2,3,4.
func Zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

// Unzigzag is Zigzag's inverse.
func Unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// ClampDelta bounds a candidate correction to ±mediaDuration/2000, i.e.
// ±500ppm of the media duration, so correction stays gentle and
// continuous.
func ClampDelta(delta, mediaDuration Tick90k) Tick90k {
	bound := mediaDuration / (1_000_000 / MaxClockErrorPPM)
	if bound < 0 {
		bound = -bound
	}
	if delta > bound {
		return bound
	}
	if delta < -bound {
		return -bound
	}
	return delta
}

// ReconcileWallDuration computes a recording's wall_duration_90k from its
// media duration: the first recording of a run simply takes its
// media duration; later recordings apply a clamped correction so each
// recording's start exactly equals the previous one's end.
//
// localStart is the best observed monotonic timestamp (relative to run
// start) minus the cumulative media duration so far; expectedStart is the
// cumulative wall duration so far. Their difference is the raw correction,
// clamped to ±500ppm of this recording's media duration.
func ReconcileWallDuration(isFirstOfRun bool, mediaDuration, localStart, expectedStart Tick90k) Tick90k {
	if isFirstOfRun {
		return mediaDuration
	}
	delta := ClampDelta(localStart-expectedStart, mediaDuration)
	return mediaDuration + delta
}
