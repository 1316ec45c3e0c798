package timesync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConverter_MonotonicToWallClock(t *testing.T) {
	bootTime := time.Unix(1000000000, 0)
	converter := NewConverterAt(bootTime)

	tests := []struct {
		name           string
		monotonicNanos uint64
		want           time.Time
	}{
		{name: "zero nanoseconds", monotonicNanos: 0, want: bootTime},
		{name: "block request latency", monotonicNanos: 500_000, want: bootTime.Add(500 * time.Microsecond)},
		{name: "one hour", monotonicNanos: 3_600_000_000_000, want: bootTime.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, converter.MonotonicToWallClock(tt.monotonicNanos).Equal(tt.want))
		})
	}
}

func TestMonotonic(t *testing.T) {
	a := Monotonic()
	time.Sleep(time.Millisecond)
	b := Monotonic()

	require.NotZero(t, a)
	assert.Greater(t, b, a)
}

func TestNewConverter(t *testing.T) {
	converter, err := NewConverter()
	require.NoError(t, err)

	bootTime := converter.BootTime()
	assert.False(t, bootTime.IsZero())
	assert.True(t, bootTime.Before(time.Now()))

	// A fresh monotonic reading must map to about now.
	now := converter.MonotonicToWallClock(Monotonic())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestParseBootTime(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "btime present",
			input: "cpu  1 2 3\nintr 0\nbtime 1700000000\nprocesses 10\n",
			want:  time.Unix(1700000000, 0),
		},
		{name: "missing", input: "cpu 1 2 3\n", wantErr: true},
		{name: "garbage", input: "btime soon\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBootTime(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want))
		})
	}
}
