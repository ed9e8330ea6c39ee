package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_HeaderRoundTrip(t *testing.T) {
	h := RawHeader{
		WordCount:         HeaderWords + 2,
		SequenceID:        42,
		FragmentID:        7,
		Timestamp:         1000,
		Type:              TypeData,
		MetadataWordCount: 0,
	}

	buf := h.Encode()
	require.Len(t, buf, HeaderBytes)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func Test_DecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderBytes-1))
	assert.Error(t, err)
}

func Test_PayloadWords(t *testing.T) {
	h := RawHeader{WordCount: HeaderWords + 3, MetadataWordCount: 1}
	assert.Equal(t, uint64(2), h.PayloadWords())

	h2 := RawHeader{WordCount: 1}
	assert.Equal(t, uint64(0), h2.PayloadWords())
}

func Test_IsSystemType(t *testing.T) {
	assert.True(t, TypeInit.IsSystemType())
	assert.True(t, TypeEndOfData.IsSystemType())
	assert.True(t, TypeEndOfRun.IsSystemType())
	assert.True(t, TypeEndOfSubrun.IsSystemType())
	assert.True(t, TypeShutdown.IsSystemType())
	assert.False(t, TypeData.IsSystemType())
	assert.False(t, TypeEmpty.IsSystemType())
	assert.False(t, TypeContainer.IsSystemType())
}

func Test_FragmentBytes(t *testing.T) {
	f := Fragment{
		Header: RawHeader{
			WordCount:  HeaderWords + 1,
			SequenceID: 1,
			Type:       TypeData,
		},
		Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}

	b := f.Bytes()
	assert.Equal(t, HeaderBytes+8, len(b))
}
