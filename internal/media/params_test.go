package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

var (
	idr   = []byte{0x65, 0x88, 0x84, 0x21}
	slice = []byte{0x41, 0x9a, 0x02}
	aud   = []byte{0x09, 0xf0}
)

func TestSplitNALUs(t *testing.T) {
	t.Run("annex b", func(t *testing.T) {
		nalus := SplitNALUs(annexB(testSPS, testPPS, idr))
		require.Len(t, nalus, 3)
		assert.Equal(t, idr, nalus[2])
	})

	t.Run("avcc", func(t *testing.T) {
		avcc, err := MarshalAVCC([][]byte{slice})
		require.NoError(t, err)
		nalus := SplitNALUs(avcc)
		require.Len(t, nalus, 1)
		assert.Equal(t, slice, nalus[0])
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, SplitNALUs(nil))
	})
}

func TestExtractParameterSets(t *testing.T) {
	p := ExtractParameterSets(CodecH264, [][]byte{aud, testSPS, testPPS, idr})

	assert.Equal(t, testSPS, p.SPS)
	assert.Equal(t, testPPS, p.PPS)
	assert.True(t, p.Complete(CodecH264))
	assert.False(t, p.Complete(CodecH265))

	none := ExtractParameterSets(CodecH264, [][]byte{slice})
	assert.False(t, none.Complete(CodecH264))
}

func TestParameterSets_Merge(t *testing.T) {
	var p ParameterSets

	assert.True(t, p.Merge(ParameterSets{SPS: testSPS}))
	assert.True(t, p.Merge(ParameterSets{PPS: testPPS}))
	assert.False(t, p.Merge(ParameterSets{SPS: testSPS, PPS: testPPS}))
	assert.Equal(t, [][]byte{testSPS, testPPS}, p.NALUs(CodecH264))
}

func TestIsRandomAccess(t *testing.T) {
	assert.True(t, IsRandomAccess(CodecH264, [][]byte{aud, idr}))
	assert.False(t, IsRandomAccess(CodecH264, [][]byte{aud, slice}))
}

func TestPrependParameterSets(t *testing.T) {
	params := ParameterSets{SPS: testSPS, PPS: testPPS}

	t.Run("after delimiter", func(t *testing.T) {
		out := PrependParameterSets(CodecH264, [][]byte{aud, idr}, params)
		assert.Equal(t, [][]byte{aud, testSPS, testPPS, idr}, out)
	})

	t.Run("replaces in-band sets", func(t *testing.T) {
		stale := []byte{0x67, 0x01}
		out := PrependParameterSets(CodecH264, [][]byte{stale, idr}, params)
		assert.Equal(t, [][]byte{testSPS, testPPS, idr}, out)
	})
}

func TestMarshalAVCC(t *testing.T) {
	in := [][]byte{slice}
	out, err := MarshalAVCC(in)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 0, 0, byte(len(slice))}, slice...), out)

	// The result is a fresh buffer.
	out[4] = 0
	assert.Equal(t, byte(0x41), slice[0])

	_, err = MarshalAVCC(nil)
	assert.Error(t, err)
}
