package eventstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/daqfabric/internal/smem"
)

func Test_HeaderRoundTrips(t *testing.T) {
	h := smem.EventHeader{RunID: 1, SubrunID: 2, SequenceID: 3, EventID: 4, IsComplete: true}
	got, err := DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func Test_WriteReadEventRoundTrips(t *testing.T) {
	ev := &smem.ReleasedEvent{
		Header: smem.EventHeader{RunID: 9, SequenceID: 42, IsComplete: true},
		Data:   []byte{1, 2, 3, 4},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEvent(&buf, ev))

	h, data, err := ReadEvent(&buf)
	require.NoError(t, err)
	assert.Equal(t, ev.Header, h)
	assert.Equal(t, ev.Data, data)
}

func Test_DecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	assert.Error(t, err)
}
