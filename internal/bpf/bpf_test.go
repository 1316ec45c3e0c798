package bpf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEventSize(t *testing.T) {
	assert.Equal(t, RawEventSize, binary.Size(RawEvent{}))
}

func TestDecode(t *testing.T) {
	in := RawEvent{Site: 3, CPU: 7, Key: 0xffff8880_12345678, Timestamp: 500_000, Length: 1500}

	var out RawEvent
	require.NoError(t, out.Decode(in.Encode(nil)))
	assert.Equal(t, in, out)
}

func TestDecode_ShortSample(t *testing.T) {
	var e RawEvent
	assert.Error(t, e.Decode(make([]byte, 8)))
}
