package cil

import (
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// ErrCorruptHeap is returned when a #US heap record is malformed.
var ErrCorruptHeap = errors.New("corrupt user string heap")

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// UserString is a record of the #US heap.
type UserString struct {
	Index  uint32 // record number, the first record after the leading empty entry is 1
	Offset uint32 // heap offset, as used by ldstr
	Value  string
}

// Token returns the record-number form of the user string token.
func (u UserString) Token() Token {
	return NewToken(TableUserString, u.Index)
}

// OffsetToken returns the heap-offset form of the user string token, which is
// what an ldstr operand holds.
func (u UserString) OffsetToken() Token {
	return NewToken(TableUserString, u.Offset)
}

// WalkUserStrings calls fn for every record of a #US heap in order until fn
// returns false. Each record's terminal byte is checked against its payload.
func WalkUserStrings(heap []byte, fn func(UserString) bool) error {
	if len(heap) == 0 {
		return nil
	}
	dec := utf16le.NewDecoder()
	idx := uint32(1)
	for p := 1; p < len(heap); idx++ {
		n, w, err := DecodeCompressedUint(heap[p:])
		if err != nil {
			return fmt.Errorf("%w: record %d at %#x: %v", ErrCorruptHeap, idx, p, err)
		}
		rec := UserString{Index: idx, Offset: uint32(p)}
		body := heap[p+w:]
		p += w
		if n == 0 {
			if !fn(rec) {
				return nil
			}
			continue
		}
		if int(n) > len(body) || (n-1)%2 != 0 {
			return fmt.Errorf("%w: record %d at %#x: bad length %d", ErrCorruptHeap, idx, rec.Offset, n)
		}
		payload, term := body[:n-1], body[n-1]
		if want := terminalByte(payload); term != want {
			return fmt.Errorf("%w: record %d at %#x: terminal byte %#02x, expected %#02x", ErrCorruptHeap, idx, rec.Offset, term, want)
		}
		s, err := dec.Bytes(payload)
		if err != nil {
			return fmt.Errorf("%w: record %d at %#x: %v", ErrCorruptHeap, idx, rec.Offset, err)
		}
		rec.Value = string(s)
		p += int(n)
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// UserStrings returns every record of the image's #US heap.
func (img *Image) UserStrings() ([]UserString, error) {
	var us []UserString
	err := WalkUserStrings(img.md.us.data, func(u UserString) bool {
		us = append(us, u)
		return true
	})
	return us, err
}

// EncodeUserString encodes s as a #US heap record.
func EncodeUserString(s string) ([]byte, error) {
	payload, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("encode user string: %w", err)
	}
	rec := AppendCompressedUint(nil, uint32(len(payload)+1))
	rec = append(rec, payload...)
	return append(rec, terminalByte(payload)), nil
}

// terminalByte computes the trailing byte of a #US record (ECMA-335
// II.24.2.4) from its UTF-16LE payload.
func terminalByte(payload []byte) byte {
	for i := 0; i+1 < len(payload); i += 2 {
		lo, hi := payload[i], payload[i+1]
		if hi != 0 {
			return 1
		}
		switch {
		case lo >= 0x01 && lo <= 0x08,
			lo >= 0x0E && lo <= 0x1F,
			lo == 0x27, lo == 0x2D, lo == 0x7F:
			return 1
		}
	}
	return 0
}
