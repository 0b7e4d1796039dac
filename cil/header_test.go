package cil

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMethodHeaderTiny(t *testing.T) {
	for size := 0; size < 64; size++ {
		b := byte(size<<2) | byte(FormatTiny)
		h, err := ReadMethodHeader(bytes.NewReader([]byte{b, 0xAA}), FormatTiny, log.Log)
		require.NoError(t, err)
		assert.Equal(t, uint32(b>>2), h.CodeSize())
		assert.Equal(t, 1, h.HeaderSize())
		assert.False(t, h.IsFat())
		assert.Equal(t, uint16(8), h.MaxStack)
	}
}

func fatHeader(flags, maxStack uint16, codeSize, localSig uint32) []byte {
	b := make([]byte, FatHeaderSize)
	binary.LittleEndian.PutUint16(b[0:], flags)
	binary.LittleEndian.PutUint16(b[2:], maxStack)
	binary.LittleEndian.PutUint32(b[4:], codeSize)
	binary.LittleEndian.PutUint32(b[8:], localSig)
	return b
}

func TestReadMethodHeaderFat(t *testing.T) {
	for _, codeSize := range []uint32{0, 1, 63, 64, 0x1234, 0x00FF00FF, 0xDEADBEEF} {
		buf := fatHeader(0x3013, 5, codeSize, 0x11000002)
		r := bytes.NewReader(append(buf, 0x2A))
		h, err := ReadMethodHeader(r, FormatFat, log.Log)
		require.NoError(t, err)
		assert.Equal(t, codeSize, h.CodeSize())
		assert.Equal(t, FatHeaderSize, h.HeaderSize())
		assert.Equal(t, uint16(5), h.MaxStack)
		assert.Equal(t, Token(0x11000002), h.LocalVarSigTok)
		assert.True(t, h.InitLocals())
		assert.False(t, h.MoreSects())

		pos, _ := r.Seek(0, io.SeekCurrent)
		assert.Equal(t, int64(FatHeaderSize), pos, "reader should be at the first code byte")
	}
}

func TestReadMethodHeaderFormatMismatch(t *testing.T) {
	_, err := ReadMethodHeader(bytes.NewReader([]byte{0x0A}), FormatFat, log.Log)
	assert.ErrorIs(t, err, ErrCorruptHeader)

	_, err = ReadMethodHeader(bytes.NewReader(fatHeader(0x3003, 8, 1, 0)), FormatTiny, log.Log)
	assert.ErrorIs(t, err, ErrCorruptHeader)

	for _, b := range []byte{0x00, 0x01, 0xFC, 0x05} {
		_, err = ReadMethodHeader(bytes.NewReader([]byte{b}), FormatAny, log.Log)
		assert.ErrorIs(t, err, ErrCorruptHeader, "marker %#x", b&3)
	}
}

func TestReadMethodHeaderSizeDrift(t *testing.T) {
	h := &memory.Handler{}
	logger := &log.Logger{Handler: h, Level: log.DebugLevel}

	// declared header size of 4 dwords, followed by 4 extra bytes
	buf := append(fatHeader(0x4003, 2, 1, 0), 0xEE, 0xEE, 0xEE, 0xEE, 0x2A)
	r := bytes.NewReader(buf)
	hdr, err := ReadMethodHeader(r, FormatAny, logger)
	require.NoError(t, err)
	assert.Equal(t, 16, hdr.HeaderSize())

	next, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x2A), next, "extra header bytes should be skipped")

	require.Len(t, h.Entries, 1)
	assert.Equal(t, log.WarnLevel, h.Entries[0].Level)
}

func TestParseMethodHeader(t *testing.T) {
	h, err := ParseMethodHeader([]byte{0x16})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), h.CodeSize())

	_, err = ParseMethodHeader(fatHeader(0x3003, 8, 1, 0)[:8])
	assert.ErrorIs(t, err, ErrCorruptHeader)

	_, err = ParseMethodHeader(nil)
	assert.ErrorIs(t, err, ErrCorruptHeader)
}
