package cil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usHeap(t *testing.T, ss ...string) []byte {
	heap := []byte{0}
	for _, s := range ss {
		rec, err := EncodeUserString(s)
		require.NoError(t, err)
		heap = append(heap, rec...)
	}
	return heap
}

func TestEncodeUserString(t *testing.T) {
	for _, c := range []struct {
		In  string
		Out []byte
	}{
		{"", []byte{0x01, 0x00}},
		{"AB", []byte{0x05, 'A', 0, 'B', 0, 0x00}},
		{"it's", []byte{0x09, 'i', 0, 't', 0, '\'', 0, 's', 0, 0x01}},
		{"a-b", []byte{0x07, 'a', 0, '-', 0, 'b', 0, 0x01}},
		{"é", []byte{0x03, 0xE9, 0x00, 0x00}},
		{"Ā", []byte{0x03, 0x00, 0x01, 0x01}},
		{"\t", []byte{0x03, 0x09, 0x00, 0x00}},
		{"\x01", []byte{0x03, 0x01, 0x00, 0x01}},
	} {
		t.Run(c.In, func(t *testing.T) {
			rec, err := EncodeUserString(c.In)
			require.NoError(t, err)
			assert.Equal(t, c.Out, rec)
		})
	}
}

func TestWalkUserStrings(t *testing.T) {
	heap := usHeap(t, "first", "second", "HWID", "ÄÖÜ")
	var got []UserString
	require.NoError(t, WalkUserStrings(heap, func(u UserString) bool {
		got = append(got, u)
		return true
	}))
	require.Len(t, got, 4)
	assert.Equal(t, "HWID", got[2].Value)
	assert.Equal(t, uint32(3), got[2].Index)
	assert.Equal(t, Token(0x70000003), got[2].Token())
	assert.Equal(t, uint32(1), got[0].Offset)
	assert.Equal(t, "ÄÖÜ", got[3].Value)

	var n int
	require.NoError(t, WalkUserStrings(heap, func(u UserString) bool {
		n++
		return u.Value != "second"
	}))
	assert.Equal(t, 2, n, "walk should stop when fn returns false")
}

func TestWalkUserStringsCorrupt(t *testing.T) {
	heap := usHeap(t, "ok", "it's")
	heap[len(heap)-1] = 0x00
	err := WalkUserStrings(heap, func(UserString) bool { return true })
	assert.ErrorIs(t, err, ErrCorruptHeap)

	err = WalkUserStrings([]byte{0, 0x09, 'a', 0}, func(UserString) bool { return true })
	assert.ErrorIs(t, err, ErrCorruptHeap)

	err = WalkUserStrings([]byte{0, 0x04, 'a', 0, 'b', 0}, func(UserString) bool { return true })
	assert.ErrorIs(t, err, ErrCorruptHeap, "even record length")
}

func TestCompressedUint(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFFFF} {
		b := AppendCompressedUint(nil, v)
		d, n, err := DecodeCompressedUint(b)
		require.NoError(t, err)
		assert.Equal(t, v, d)
		assert.Equal(t, len(b), n)
	}
	_, _, err := DecodeCompressedUint([]byte{0xE0})
	assert.ErrorIs(t, err, ErrCompressedInt)
	_, _, err = DecodeCompressedUint([]byte{0x80})
	assert.ErrorIs(t, err, ErrCompressedInt)
}
