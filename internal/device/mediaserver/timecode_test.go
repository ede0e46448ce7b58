package mediaserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimecode(t *testing.T) {
	tests := []struct {
		ms       int64
		timeBase int
		expected string
	}{
		{10000, 25, "00:00:10:00"},
		{1200, 25, "00:00:01:05"},
		{11200, 50, "00:00:11:10"},
		{0, 25, "00:00:00:00"},
		{999, 25, "00:00:01:00"},
		{3600_000, 25, "01:00:00:00"},
		{3661_040, 25, "01:01:01:01"},
		{11200, 25, "00:00:11:05"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, Timecode(tc.ms, tc.timeBase), "ms=%d timeBase=%d", tc.ms, tc.timeBase)
	}
}

func TestTimecodeDefaultsTimeBase(t *testing.T) {
	assert.Equal(t, "00:00:01:05", Timecode(1200, 0))
}

func TestSeekFrames(t *testing.T) {
	assert.Equal(t, int64(250), SeekFrames(10000, 25))
	assert.Equal(t, int64(0), SeekFrames(-100, 25))
	assert.Equal(t, int64(5), SeekFrames(200, 25))
	assert.Equal(t, int64(10), SeekFrames(200, 50))
}
