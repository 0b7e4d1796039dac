package cil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Instruction is a decoded CIL instruction. The operand type depends on the
// opcode's OperandKind:
//
//	ShortInlineI            int8
//	InlineI                 int32
//	InlineI8                int64
//	ShortInlineR            float32
//	InlineR                 float64
//	ShortInlineVar          uint8
//	InlineVar               uint16
//	ShortInlineBr, InlineBr *Instruction
//	InlineSwitch            []*Instruction
//	token kinds             Token
type Instruction struct {
	Offset  uint32
	OpCode  OpCode
	Operand interface{}
}

func (in *Instruction) String() string {
	switch op := in.Operand.(type) {
	case nil:
		return fmt.Sprintf("IL_%04X: %s", in.Offset, in.OpCode)
	case *Instruction:
		return fmt.Sprintf("IL_%04X: %s IL_%04X", in.Offset, in.OpCode, op.Offset)
	case []*Instruction:
		ts := make([]string, len(op))
		for i, t := range op {
			ts[i] = fmt.Sprintf("IL_%04X", t.Offset)
		}
		return fmt.Sprintf("IL_%04X: %s (%s)", in.Offset, in.OpCode, strings.Join(ts, ", "))
	default:
		return fmt.Sprintf("IL_%04X: %s %v", in.Offset, in.OpCode, op)
	}
}

// Size returns the encoded size of the instruction.
func (in *Instruction) Size() int {
	if in.OpCode == Switch {
		targets, _ := in.Operand.([]*Instruction)
		return 1 + 4 + 4*len(targets)
	}
	return in.OpCode.Size() + in.OpCode.Operand().Size()
}

// Exception clause kinds.
const (
	ClauseCatch   = 0x0
	ClauseFilter  = 0x1
	ClauseFinally = 0x2
	ClauseFault   = 0x4
)

// ExceptionHandler is an exception handling clause. A nil end instruction
// means the end of the method.
type ExceptionHandler struct {
	Flags        uint32
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	FilterStart  *Instruction
	ClassToken   Token
}

// Body is a decoded method body.
type Body struct {
	MaxStack       uint16
	InitLocals     bool
	LocalVarSigTok Token
	Instructions   []*Instruction
	Handlers       []*ExceptionHandler
}

// DecodeBody decodes a complete method body (header, code and exception
// sections) from the start of b.
func DecodeBody(b []byte) (*Body, error) {
	hdr, err := ParseMethodHeader(b)
	if err != nil {
		return nil, err
	}
	start := hdr.HeaderSize()
	end := start + int(hdr.CodeSize())
	if end > len(b) {
		return nil, errors.Errorf("code (%d bytes) past end of image", hdr.CodeSize())
	}
	body := &Body{
		MaxStack:       hdr.MaxStack,
		InitLocals:     hdr.InitLocals(),
		LocalVarSigTok: hdr.LocalVarSigTok,
	}
	byOffset, err := body.decodeCode(b[start:end])
	if err != nil {
		return nil, err
	}
	at := func(off uint32) (*Instruction, error) {
		if off == hdr.CodeSize() {
			return nil, nil
		}
		if in, ok := byOffset[off]; ok {
			return in, nil
		}
		return nil, errors.Errorf("offset IL_%04X is not an instruction boundary", off)
	}
	for _, in := range body.Instructions {
		switch op := in.Operand.(type) {
		case uint32:
			// Branch operands are temporarily stored as absolute offsets.
			t, err := at(op)
			if err != nil || t == nil {
				return nil, errors.Errorf("IL_%04X: bad branch target IL_%04X", in.Offset, op)
			}
			in.Operand = t
		case []uint32:
			ts := make([]*Instruction, len(op))
			for i, o := range op {
				if ts[i], err = at(o); err != nil || ts[i] == nil {
					return nil, errors.Errorf("IL_%04X: bad switch target IL_%04X", in.Offset, o)
				}
			}
			in.Operand = ts
		}
	}
	if hdr.MoreSects() {
		if err := body.decodeSections(b, end, at); err != nil {
			return nil, errors.Wrap(err, "decode exception sections")
		}
	}
	return body, nil
}

func (body *Body) decodeCode(code []byte) (map[uint32]*Instruction, error) {
	byOffset := map[uint32]*Instruction{}
	le := binary.LittleEndian
	for p := 0; p < len(code); {
		in := &Instruction{Offset: uint32(p)}
		op := OpCode(code[p])
		if op == 0xFE {
			if p+1 >= len(code) {
				return nil, errors.Errorf("IL_%04X: truncated two-byte opcode", p)
			}
			op = 0xFE00 | OpCode(code[p+1])
		}
		if !op.Valid() {
			return nil, errors.Errorf("IL_%04X: invalid opcode %#x", p, uint16(op))
		}
		in.OpCode = op
		p += op.Size()
		kind := op.Operand()
		n := kind.Size()
		if p+n > len(code) {
			return nil, errors.Errorf("IL_%04X: %s operand truncated", in.Offset, op)
		}
		o := code[p:]
		switch kind {
		case InlineNone:
		case ShortInlineI:
			in.Operand = int8(o[0])
		case InlineI:
			in.Operand = int32(le.Uint32(o))
		case InlineI8:
			in.Operand = int64(le.Uint64(o))
		case ShortInlineR:
			in.Operand = math.Float32frombits(le.Uint32(o))
		case InlineR:
			in.Operand = math.Float64frombits(le.Uint64(o))
		case ShortInlineVar:
			in.Operand = o[0]
		case InlineVar:
			in.Operand = le.Uint16(o)
		case ShortInlineBr:
			in.Operand = uint32(int32(p+1) + int32(int8(o[0])))
		case InlineBr:
			in.Operand = uint32(int32(p+4) + int32(le.Uint32(o)))
		case InlineSwitch:
			count := int(le.Uint32(o))
			n = 4 + 4*count
			if count < 0 || p+n > len(code) {
				return nil, errors.Errorf("IL_%04X: switch table truncated", in.Offset)
			}
			base := int32(p + n)
			ts := make([]uint32, count)
			for i := range ts {
				ts[i] = uint32(base + int32(le.Uint32(o[4+4*i:])))
			}
			in.Operand = ts
		default:
			in.Operand = Token(le.Uint32(o))
		}
		p += n
		body.Instructions = append(body.Instructions, in)
		byOffset[in.Offset] = in
	}
	return byOffset, nil
}

func (body *Body) decodeSections(b []byte, p int, at func(uint32) (*Instruction, error)) error {
	le := binary.LittleEndian
	for {
		p = int(roundUp(uint32(p), 4))
		if p+4 > len(b) {
			return errors.New("section header truncated")
		}
		kind := b[p]
		fat := kind&0x40 != 0
		var size int
		if fat {
			size = int(b[p+1]) | int(b[p+2])<<8 | int(b[p+3])<<16
		} else {
			size = int(b[p+1])
		}
		if size < 4 || p+size > len(b) {
			return errors.Errorf("section size %d out of range", size)
		}
		if kind&0x01 != 0 {
			clauseSize := 12
			if fat {
				clauseSize = 24
			}
			for c := p + 4; c+clauseSize <= p+size; c += clauseSize {
				var flags, tryOff, tryLen, hOff, hLen, extra uint32
				if fat {
					flags, tryOff, tryLen = le.Uint32(b[c:]), le.Uint32(b[c+4:]), le.Uint32(b[c+8:])
					hOff, hLen, extra = le.Uint32(b[c+12:]), le.Uint32(b[c+16:]), le.Uint32(b[c+20:])
				} else {
					flags, tryOff, tryLen = uint32(le.Uint16(b[c:])), uint32(le.Uint16(b[c+2:])), uint32(b[c+4])
					hOff, hLen, extra = uint32(le.Uint16(b[c+5:])), uint32(b[c+7]), le.Uint32(b[c+8:])
				}
				eh := &ExceptionHandler{Flags: flags}
				var err error
				if eh.TryStart, err = at(tryOff); err != nil {
					return err
				}
				if eh.TryEnd, err = at(tryOff + tryLen); err != nil {
					return err
				}
				if eh.HandlerStart, err = at(hOff); err != nil {
					return err
				}
				if eh.HandlerEnd, err = at(hOff + hLen); err != nil {
					return err
				}
				switch flags {
				case ClauseFilter:
					if eh.FilterStart, err = at(extra); err != nil {
						return err
					}
				case ClauseCatch:
					eh.ClassToken = Token(extra)
				}
				body.Handlers = append(body.Handlers, eh)
			}
		}
		p += size
		if kind&0x80 == 0 {
			return nil
		}
	}
}

// Encode lays out the instructions, widening short branches whose targets
// are out of range, and returns the encoded body. Instruction offsets and
// branch opcodes of body are updated in place.
func (body *Body) Encode() ([]byte, error) {
	if err := body.layout(); err != nil {
		return nil, err
	}
	var code bytes.Buffer
	le := binary.LittleEndian
	for _, in := range body.Instructions {
		if in.OpCode > 0xFF {
			code.WriteByte(0xFE)
		}
		code.WriteByte(byte(in.OpCode))
		next := int32(in.Offset) + int32(in.Size())
		switch in.OpCode.Operand() {
		case InlineNone:
		case ShortInlineI:
			code.WriteByte(byte(in.Operand.(int8)))
		case InlineI:
			code.Write(le.AppendUint32(nil, uint32(in.Operand.(int32))))
		case InlineI8:
			code.Write(le.AppendUint64(nil, uint64(in.Operand.(int64))))
		case ShortInlineR:
			code.Write(le.AppendUint32(nil, math.Float32bits(in.Operand.(float32))))
		case InlineR:
			code.Write(le.AppendUint64(nil, math.Float64bits(in.Operand.(float64))))
		case ShortInlineVar:
			code.WriteByte(in.Operand.(uint8))
		case InlineVar:
			code.Write(le.AppendUint16(nil, in.Operand.(uint16)))
		case ShortInlineBr:
			code.WriteByte(byte(int8(int32(in.Operand.(*Instruction).Offset) - next)))
		case InlineBr:
			code.Write(le.AppendUint32(nil, uint32(int32(in.Operand.(*Instruction).Offset)-next)))
		case InlineSwitch:
			ts := in.Operand.([]*Instruction)
			code.Write(le.AppendUint32(nil, uint32(len(ts))))
			for _, t := range ts {
				code.Write(le.AppendUint32(nil, uint32(int32(t.Offset)-next)))
			}
		default:
			code.Write(le.AppendUint32(nil, uint32(in.Operand.(Token))))
		}
	}

	var out bytes.Buffer
	size := code.Len()
	if size < 64 && body.MaxStack <= 8 && body.LocalVarSigTok == 0 && !body.InitLocals && len(body.Handlers) == 0 {
		out.WriteByte(byte(size<<2) | byte(FormatTiny))
		out.Write(code.Bytes())
		return out.Bytes(), nil
	}
	flags := uint16(FormatFat) | uint16(FatHeaderSize/4)<<12
	if body.InitLocals {
		flags |= flagInitLocals
	}
	if len(body.Handlers) != 0 {
		flags |= flagMoreSects
	}
	out.Write(le.AppendUint16(nil, flags))
	out.Write(le.AppendUint16(nil, body.MaxStack))
	out.Write(le.AppendUint32(nil, uint32(size)))
	out.Write(le.AppendUint32(nil, uint32(body.LocalVarSigTok)))
	out.Write(code.Bytes())
	if len(body.Handlers) == 0 {
		return out.Bytes(), nil
	}
	for out.Len()%4 != 0 {
		out.WriteByte(0)
	}
	secSize := 4 + 24*len(body.Handlers)
	out.Write([]byte{0x41, byte(secSize), byte(secSize >> 8), byte(secSize >> 16)})
	offset := func(in *Instruction) uint32 {
		if in == nil {
			return uint32(size)
		}
		return in.Offset
	}
	for _, eh := range body.Handlers {
		extra := uint32(eh.ClassToken)
		if eh.Flags == ClauseFilter {
			extra = offset(eh.FilterStart)
		}
		try, handler := offset(eh.TryStart), offset(eh.HandlerStart)
		for _, v := range []uint32{eh.Flags, try, offset(eh.TryEnd) - try, handler, offset(eh.HandlerEnd) - handler, extra} {
			out.Write(le.AppendUint32(nil, v))
		}
	}
	return out.Bytes(), nil
}

// layout assigns offsets, widening short branches until every target fits.
func (body *Body) layout() error {
	for {
		var off uint32
		for _, in := range body.Instructions {
			in.Offset = off
			off += uint32(in.Size())
		}
		widened := false
		for _, in := range body.Instructions {
			switch in.OpCode.Operand() {
			case ShortInlineBr, InlineBr:
				t, ok := in.Operand.(*Instruction)
				if !ok || t == nil {
					return errors.Errorf("IL_%04X: %s has no target instruction", in.Offset, in.OpCode)
				}
				if in.OpCode.Operand() == ShortInlineBr {
					d := int64(t.Offset) - int64(in.Offset) - int64(in.Size())
					if d < math.MinInt8 || d > math.MaxInt8 {
						in.OpCode = in.OpCode.longForm()
						widened = true
					}
				}
			case InlineSwitch:
				if _, ok := in.Operand.([]*Instruction); !ok {
					return errors.Errorf("IL_%04X: switch has no target list", in.Offset)
				}
			}
		}
		if !widened {
			return nil
		}
	}
}

// Body decodes the body of a method, including any replacement set with
// SetBody.
func (img *Image) Body(m *Method) (*Body, error) {
	if b, ok := img.bodies[m.RID]; ok {
		return DecodeBody(b)
	}
	if !m.HasBody() {
		return nil, errors.Errorf("%s has no body", m.FullName())
	}
	off, err := img.RVAToOffset(m.RVA)
	if err != nil {
		return nil, errors.Wrapf(err, "locate body of %s", m.FullName())
	}
	body, err := DecodeBody(img.raw[off:])
	if err != nil {
		return nil, errors.Wrapf(err, "decode body of %s", m.FullName())
	}
	return body, nil
}

// SetBody replaces the body of a method. The new body is written to a new
// section by WriteTo.
func (img *Image) SetBody(m *Method, body *Body) error {
	b, err := body.Encode()
	if err != nil {
		return errors.Wrapf(err, "encode body of %s", m.FullName())
	}
	img.bodies[m.RID] = b
	return nil
}
