package mediaserver

import (
	"fmt"
	"math"
)

const _defaultTimeBase = 25

// Timecode converts wall-clock milliseconds to the device's HH:MM:SS:FF
// representation at timeBase frames per second. The frame part rounds, and
// an overflowing frame carries into seconds.
func Timecode(ms int64, timeBase int) string {
	if timeBase <= 0 {
		timeBase = _defaultTimeBase
	}
	secs := ms / 1000
	frames := int64(math.Round(float64(ms%1000) * float64(timeBase) / 1000.0))
	if frames >= int64(timeBase) {
		frames -= int64(timeBase)
		secs++
	}
	return fmt.Sprintf("%02d:%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60, frames)
}

// SeekFrames converts an elapsed wall-clock duration to whole frames.
func SeekFrames(elapsedMs int64, timeBase int) int64 {
	if timeBase <= 0 {
		timeBase = _defaultTimeBase
	}
	if elapsedMs <= 0 {
		return 0
	}
	return elapsedMs * int64(timeBase) / 1000
}
