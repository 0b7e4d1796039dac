package cil

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrCompressedInt is returned when a compressed integer is truncated or uses
// an invalid leading byte.
var ErrCompressedInt = errors.New("invalid compressed integer")

// DecodeCompressedUint decodes an ECMA-335 II.23.2 compressed unsigned integer
// from the start of b. It returns the value and the number of bytes used.
func DecodeCompressedUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrCompressedInt
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, ErrCompressedInt
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, ErrCompressedInt
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	}
	return 0, 0, ErrCompressedInt
}

// AppendCompressedUint appends the compressed encoding of v to b.
func AppendCompressedUint(b []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(b, byte(v))
	case v < 0x4000:
		return append(b, byte(v>>8)|0x80, byte(v))
	default:
		return append(b, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v))
	}
}

// heap is an append-only metadata heap.
type heap struct {
	data []byte
}

func (h *heap) str(idx uint32) (string, error) {
	if idx == 0 {
		return "", nil
	}
	if int(idx) >= len(h.data) {
		return "", fmt.Errorf("string index %#x out of range (heap size %#x)", idx, len(h.data))
	}
	end := bytes.IndexByte(h.data[idx:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %#x", idx)
	}
	return string(h.data[idx : int(idx)+end]), nil
}

func (h *heap) blob(idx uint32) ([]byte, error) {
	if idx == 0 {
		return nil, nil
	}
	if int(idx) >= len(h.data) {
		return nil, fmt.Errorf("blob index %#x out of range (heap size %#x)", idx, len(h.data))
	}
	n, w, err := DecodeCompressedUint(h.data[idx:])
	if err != nil {
		return nil, fmt.Errorf("blob at %#x: %w", idx, err)
	}
	start := int(idx) + w
	if start+int(n) > len(h.data) {
		return nil, fmt.Errorf("blob at %#x: length %d past end of heap", idx, n)
	}
	return h.data[start : start+int(n)], nil
}

// addString returns the index of s in the #Strings heap, appending it if it
// is not already present.
func (h *heap) addString(s string) uint32 {
	if s == "" {
		return 0
	}
	if len(h.data) == 0 {
		h.data = append(h.data, 0)
	}
	needle := append(append([]byte{0}, s...), 0)
	if i := bytes.Index(h.data, needle); i >= 0 {
		return uint32(i + 1)
	}
	idx := uint32(len(h.data))
	h.data = append(h.data, s...)
	h.data = append(h.data, 0)
	return idx
}

func (h *heap) addBlob(b []byte) uint32 {
	if len(h.data) == 0 {
		h.data = append(h.data, 0)
	}
	idx := uint32(len(h.data))
	h.data = AppendCompressedUint(h.data, uint32(len(b)))
	h.data = append(h.data, b...)
	return idx
}

// padded returns the heap contents padded to a multiple of 4 bytes.
func (h *heap) padded() []byte {
	b := h.data
	if len(b) == 0 {
		b = []byte{0}
	}
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
