package cil

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/apex/log"
)

// HeaderFormat is the value of the low two bits of the first byte of a method
// body (ECMA-335 II.25.4.1).
type HeaderFormat uint8

const (
	// FormatAny accepts either header shape.
	FormatAny  HeaderFormat = 0x0
	FormatTiny HeaderFormat = 0x2
	FormatFat  HeaderFormat = 0x3
)

func (f HeaderFormat) String() string {
	switch f {
	case FormatAny:
		return "any"
	case FormatTiny:
		return "tiny"
	case FormatFat:
		return "fat"
	default:
		return fmt.Sprintf("HeaderFormat(%#x)", uint8(f))
	}
}

// FatHeaderSize is the size of a fat method header in bytes.
const FatHeaderSize = 12

// Fat header flags.
const (
	flagMoreSects  = 0x08
	flagInitLocals = 0x10
)

// ErrCorruptHeader is returned when a method header has an invalid format
// marker or one different from the expected one.
var ErrCorruptHeader = errors.New("corrupt method header")

// MethodHeader is a decoded method body header.
type MethodHeader struct {
	Format         HeaderFormat
	MaxStack       uint16
	LocalVarSigTok Token

	flags    uint16
	size     int
	codeSize uint32
}

// CodeSize returns the length of the CIL code following the header.
func (h MethodHeader) CodeSize() uint32 {
	return h.codeSize
}

// HeaderSize returns the number of header bytes as declared by the header
// itself.
func (h MethodHeader) HeaderSize() int {
	return h.size
}

func (h MethodHeader) IsFat() bool {
	return h.Format == FormatFat
}

// MoreSects reports whether extra data sections follow the code.
func (h MethodHeader) MoreSects() bool {
	return h.IsFat() && h.flags&flagMoreSects != 0
}

func (h MethodHeader) InitLocals() bool {
	return h.IsFat() && h.flags&flagInitLocals != 0
}

// ReadMethodHeader reads a method header from r. If want is not FormatAny,
// the format marker must match it. A fat header whose declared size differs
// from FatHeaderSize is accepted: the difference is logged and skipped so r
// is left at the first code byte.
func ReadMethodHeader(r io.ReadSeeker, want HeaderFormat, logger log.Interface) (MethodHeader, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return MethodHeader{}, fmt.Errorf("read method header: %w", err)
	}
	format := HeaderFormat(first[0] & 0x3)
	if want != FormatAny && format != want {
		return MethodHeader{}, fmt.Errorf("%w: format marker %#x, expected %s", ErrCorruptHeader, uint8(format), want)
	}
	switch format {
	case FormatTiny:
		return decodeTiny(first[0]), nil
	case FormatFat:
		var buf [FatHeaderSize]byte
		buf[0] = first[0]
		if _, err := io.ReadFull(r, buf[1:]); err != nil {
			return MethodHeader{}, fmt.Errorf("read fat method header: %w", err)
		}
		h, err := decodeFat(buf[:])
		if err != nil {
			return MethodHeader{}, err
		}
		if delta := h.size - FatHeaderSize; delta != 0 {
			if logger != nil {
				logger.WithField("declared", h.size).WithField("expected", FatHeaderSize).
					Warn("fat method header size mismatch, possible format drift")
			}
			if _, err := r.Seek(int64(delta), io.SeekCurrent); err != nil {
				return MethodHeader{}, fmt.Errorf("skip %d header bytes: %w", delta, err)
			}
		}
		return h, nil
	default:
		return MethodHeader{}, fmt.Errorf("%w: format marker %#x", ErrCorruptHeader, uint8(format))
	}
}

// ParseMethodHeader decodes the method header at the start of b.
func ParseMethodHeader(b []byte) (MethodHeader, error) {
	if len(b) == 0 {
		return MethodHeader{}, fmt.Errorf("%w: empty body", ErrCorruptHeader)
	}
	switch HeaderFormat(b[0] & 0x3) {
	case FormatTiny:
		return decodeTiny(b[0]), nil
	case FormatFat:
		if len(b) < FatHeaderSize {
			return MethodHeader{}, fmt.Errorf("%w: fat header truncated (%d bytes)", ErrCorruptHeader, len(b))
		}
		return decodeFat(b[:FatHeaderSize])
	default:
		return MethodHeader{}, fmt.Errorf("%w: format marker %#x", ErrCorruptHeader, b[0]&0x3)
	}
}

func decodeTiny(b byte) MethodHeader {
	return MethodHeader{
		Format:   FormatTiny,
		MaxStack: 8,
		size:     1,
		codeSize: uint32(b >> 2),
	}
}

func decodeFat(b []byte) (MethodHeader, error) {
	fs := binary.LittleEndian.Uint16(b[0:])
	h := MethodHeader{
		Format:         FormatFat,
		MaxStack:       binary.LittleEndian.Uint16(b[2:]),
		codeSize:       binary.LittleEndian.Uint32(b[4:]),
		LocalVarSigTok: Token(binary.LittleEndian.Uint32(b[8:])),
		flags:          fs & 0x0FFF,
		size:           int(fs>>12) * 4,
	}
	if h.size < FatHeaderSize/2 {
		return MethodHeader{}, fmt.Errorf("%w: fat header size %d", ErrCorruptHeader, h.size)
	}
	return h, nil
}
