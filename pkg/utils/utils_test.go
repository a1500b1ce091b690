package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateClientID_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateClientID()
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestGenerateSessionID_Length(t *testing.T) {
	assert.Len(t, GenerateSessionID(), 32)
}

func TestSplitStamp(t *testing.T) {
	ts := time.Unix(1700000000, 250_000_000)
	sec, nsec := SplitStamp(ts)
	assert.Equal(t, int64(1700000000), sec)
	assert.Equal(t, uint32(250_000_000), nsec)
}

func TestUnixMillisRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	assert.Equal(t, int64(1700000000123), UnixMillis(FromUnixMillis(UnixMillis(ts))))
}

func TestIntervalForRate(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, IntervalForRate(10))
	assert.Equal(t, time.Duration(0), IntervalForRate(0))
}
