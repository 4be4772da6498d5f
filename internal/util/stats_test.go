package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range cases {
		got := formatBytes(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestFormatStats(t *testing.T) {
	line := formatStats(3, 2, 1, 1536)
	assert.Equal(t, "Signaling:   3↑   2↓  1✗ | Media:  1.5 KiB/s", line)
}

func TestStatsCounters(t *testing.T) {
	before := Stats.MsgDropped.Load()
	Stats.AddDropped()
	Stats.AddDropped()
	assert.Equal(t, before+2, Stats.MsgDropped.Load())
}

func TestTag(t *testing.T) {
	assert.Equal(t, "[alice→bob]", Tag("alice", "bob"))
}
