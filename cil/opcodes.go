package cil

import "fmt"

// OpCode is a CIL opcode. Two-byte opcodes carry the 0xFE prefix in the high
// byte.
type OpCode uint16

// OperandKind is the encoding of an instruction's inline operand.
type OperandKind uint8

const (
	InlineNone     OperandKind = iota
	ShortInlineI               // int8
	InlineI                    // int32
	InlineI8                   // int64
	ShortInlineR               // float32
	InlineR                    // float64
	ShortInlineVar             // uint8
	InlineVar                  // uint16
	ShortInlineBr              // int8 relative target
	InlineBr                   // int32 relative target
	InlineSwitch               // uint32 count + int32 targets
	InlineMethod               // token
	InlineField                // token
	InlineType                 // token
	InlineTok                  // token
	InlineString               // token
	InlineSig                  // token
)

// Size returns the operand size in bytes. The size of InlineSwitch depends on
// the number of targets and is reported as 4.
func (k OperandKind) Size() int {
	switch k {
	case InlineNone:
		return 0
	case ShortInlineI, ShortInlineVar, ShortInlineBr:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	default:
		return 4
	}
}

// IsToken reports whether the operand is a metadata token.
func (k OperandKind) IsToken() bool {
	return k >= InlineMethod
}

type opInfo struct {
	name    string
	operand OperandKind
}

// Opcodes referenced by name in this module.
const (
	Nop        OpCode = 0x00
	Ldarg0     OpCode = 0x02
	Ldarg1     OpCode = 0x03
	Ldarg2     OpCode = 0x04
	Ldarg3     OpCode = 0x05
	Ldloc0     OpCode = 0x06
	Stloc0     OpCode = 0x0A
	LdargS     OpCode = 0x0E
	Ldnull     OpCode = 0x14
	LdcI4M1    OpCode = 0x15
	LdcI4_0    OpCode = 0x16
	LdcI4_1    OpCode = 0x17
	LdcI4S     OpCode = 0x1F
	LdcI4      OpCode = 0x20
	Dup        OpCode = 0x25
	Pop        OpCode = 0x26
	Call       OpCode = 0x28
	Ret        OpCode = 0x2A
	BrS        OpCode = 0x2B
	BrfalseS   OpCode = 0x2C
	BrtrueS    OpCode = 0x2D
	Br         OpCode = 0x38
	Brfalse    OpCode = 0x39
	Brtrue     OpCode = 0x3A
	Switch     OpCode = 0x45
	Callvirt   OpCode = 0x6F
	Ldstr      OpCode = 0x72
	Newobj     OpCode = 0x73
	Throw      OpCode = 0x7A
	Ldfld      OpCode = 0x7B
	Stfld      OpCode = 0x7D
	Ldsfld     OpCode = 0x7E
	Stsfld     OpCode = 0x80
	Endfinally OpCode = 0xDC
	Leave      OpCode = 0xDD
	LeaveS     OpCode = 0xDE
	Ceq        OpCode = 0xFE01
	Ldftn      OpCode = 0xFE06
)

var opcodes = map[OpCode]opInfo{
	0x00: {"nop", InlineNone}, 0x01: {"break", InlineNone},
	0x02: {"ldarg.0", InlineNone}, 0x03: {"ldarg.1", InlineNone}, 0x04: {"ldarg.2", InlineNone}, 0x05: {"ldarg.3", InlineNone},
	0x06: {"ldloc.0", InlineNone}, 0x07: {"ldloc.1", InlineNone}, 0x08: {"ldloc.2", InlineNone}, 0x09: {"ldloc.3", InlineNone},
	0x0A: {"stloc.0", InlineNone}, 0x0B: {"stloc.1", InlineNone}, 0x0C: {"stloc.2", InlineNone}, 0x0D: {"stloc.3", InlineNone},
	0x0E: {"ldarg.s", ShortInlineVar}, 0x0F: {"ldarga.s", ShortInlineVar}, 0x10: {"starg.s", ShortInlineVar},
	0x11: {"ldloc.s", ShortInlineVar}, 0x12: {"ldloca.s", ShortInlineVar}, 0x13: {"stloc.s", ShortInlineVar},
	0x14: {"ldnull", InlineNone}, 0x15: {"ldc.i4.m1", InlineNone},
	0x16: {"ldc.i4.0", InlineNone}, 0x17: {"ldc.i4.1", InlineNone}, 0x18: {"ldc.i4.2", InlineNone}, 0x19: {"ldc.i4.3", InlineNone},
	0x1A: {"ldc.i4.4", InlineNone}, 0x1B: {"ldc.i4.5", InlineNone}, 0x1C: {"ldc.i4.6", InlineNone}, 0x1D: {"ldc.i4.7", InlineNone},
	0x1E: {"ldc.i4.8", InlineNone}, 0x1F: {"ldc.i4.s", ShortInlineI}, 0x20: {"ldc.i4", InlineI}, 0x21: {"ldc.i8", InlineI8},
	0x22: {"ldc.r4", ShortInlineR}, 0x23: {"ldc.r8", InlineR},
	0x25: {"dup", InlineNone}, 0x26: {"pop", InlineNone}, 0x27: {"jmp", InlineMethod}, 0x28: {"call", InlineMethod},
	0x29: {"calli", InlineSig}, 0x2A: {"ret", InlineNone},
	0x2B: {"br.s", ShortInlineBr}, 0x2C: {"brfalse.s", ShortInlineBr}, 0x2D: {"brtrue.s", ShortInlineBr},
	0x2E: {"beq.s", ShortInlineBr}, 0x2F: {"bge.s", ShortInlineBr}, 0x30: {"bgt.s", ShortInlineBr}, 0x31: {"ble.s", ShortInlineBr},
	0x32: {"blt.s", ShortInlineBr}, 0x33: {"bne.un.s", ShortInlineBr}, 0x34: {"bge.un.s", ShortInlineBr},
	0x35: {"bgt.un.s", ShortInlineBr}, 0x36: {"ble.un.s", ShortInlineBr}, 0x37: {"blt.un.s", ShortInlineBr},
	0x38: {"br", InlineBr}, 0x39: {"brfalse", InlineBr}, 0x3A: {"brtrue", InlineBr},
	0x3B: {"beq", InlineBr}, 0x3C: {"bge", InlineBr}, 0x3D: {"bgt", InlineBr}, 0x3E: {"ble", InlineBr},
	0x3F: {"blt", InlineBr}, 0x40: {"bne.un", InlineBr}, 0x41: {"bge.un", InlineBr},
	0x42: {"bgt.un", InlineBr}, 0x43: {"ble.un", InlineBr}, 0x44: {"blt.un", InlineBr},
	0x45: {"switch", InlineSwitch},
	0x46: {"ldind.i1", InlineNone}, 0x47: {"ldind.u1", InlineNone}, 0x48: {"ldind.i2", InlineNone}, 0x49: {"ldind.u2", InlineNone},
	0x4A: {"ldind.i4", InlineNone}, 0x4B: {"ldind.u4", InlineNone}, 0x4C: {"ldind.i8", InlineNone}, 0x4D: {"ldind.i", InlineNone},
	0x4E: {"ldind.r4", InlineNone}, 0x4F: {"ldind.r8", InlineNone}, 0x50: {"ldind.ref", InlineNone}, 0x51: {"stind.ref", InlineNone},
	0x52: {"stind.i1", InlineNone}, 0x53: {"stind.i2", InlineNone}, 0x54: {"stind.i4", InlineNone}, 0x55: {"stind.i8", InlineNone},
	0x56: {"stind.r4", InlineNone}, 0x57: {"stind.r8", InlineNone},
	0x58: {"add", InlineNone}, 0x59: {"sub", InlineNone}, 0x5A: {"mul", InlineNone}, 0x5B: {"div", InlineNone},
	0x5C: {"div.un", InlineNone}, 0x5D: {"rem", InlineNone}, 0x5E: {"rem.un", InlineNone}, 0x5F: {"and", InlineNone},
	0x60: {"or", InlineNone}, 0x61: {"xor", InlineNone}, 0x62: {"shl", InlineNone}, 0x63: {"shr", InlineNone},
	0x64: {"shr.un", InlineNone}, 0x65: {"neg", InlineNone}, 0x66: {"not", InlineNone},
	0x67: {"conv.i1", InlineNone}, 0x68: {"conv.i2", InlineNone}, 0x69: {"conv.i4", InlineNone}, 0x6A: {"conv.i8", InlineNone},
	0x6B: {"conv.r4", InlineNone}, 0x6C: {"conv.r8", InlineNone}, 0x6D: {"conv.u4", InlineNone}, 0x6E: {"conv.u8", InlineNone},
	0x6F: {"callvirt", InlineMethod}, 0x70: {"cpobj", InlineType}, 0x71: {"ldobj", InlineType}, 0x72: {"ldstr", InlineString},
	0x73: {"newobj", InlineMethod}, 0x74: {"castclass", InlineType}, 0x75: {"isinst", InlineType}, 0x76: {"conv.r.un", InlineNone},
	0x79: {"unbox", InlineType}, 0x7A: {"throw", InlineNone},
	0x7B: {"ldfld", InlineField}, 0x7C: {"ldflda", InlineField}, 0x7D: {"stfld", InlineField},
	0x7E: {"ldsfld", InlineField}, 0x7F: {"ldsflda", InlineField}, 0x80: {"stsfld", InlineField}, 0x81: {"stobj", InlineType},
	0x82: {"conv.ovf.i1.un", InlineNone}, 0x83: {"conv.ovf.i2.un", InlineNone}, 0x84: {"conv.ovf.i4.un", InlineNone},
	0x85: {"conv.ovf.i8.un", InlineNone}, 0x86: {"conv.ovf.u1.un", InlineNone}, 0x87: {"conv.ovf.u2.un", InlineNone},
	0x88: {"conv.ovf.u4.un", InlineNone}, 0x89: {"conv.ovf.u8.un", InlineNone}, 0x8A: {"conv.ovf.i.un", InlineNone},
	0x8B: {"conv.ovf.u.un", InlineNone}, 0x8C: {"box", InlineType}, 0x8D: {"newarr", InlineType}, 0x8E: {"ldlen", InlineNone},
	0x8F: {"ldelema", InlineType},
	0x90: {"ldelem.i1", InlineNone}, 0x91: {"ldelem.u1", InlineNone}, 0x92: {"ldelem.i2", InlineNone}, 0x93: {"ldelem.u2", InlineNone},
	0x94: {"ldelem.i4", InlineNone}, 0x95: {"ldelem.u4", InlineNone}, 0x96: {"ldelem.i8", InlineNone}, 0x97: {"ldelem.i", InlineNone},
	0x98: {"ldelem.r4", InlineNone}, 0x99: {"ldelem.r8", InlineNone}, 0x9A: {"ldelem.ref", InlineNone},
	0x9B: {"stelem.i", InlineNone}, 0x9C: {"stelem.i1", InlineNone}, 0x9D: {"stelem.i2", InlineNone}, 0x9E: {"stelem.i4", InlineNone},
	0x9F: {"stelem.i8", InlineNone}, 0xA0: {"stelem.r4", InlineNone}, 0xA1: {"stelem.r8", InlineNone}, 0xA2: {"stelem.ref", InlineNone},
	0xA3: {"ldelem", InlineType}, 0xA4: {"stelem", InlineType}, 0xA5: {"unbox.any", InlineType},
	0xB3: {"conv.ovf.i1", InlineNone}, 0xB4: {"conv.ovf.u1", InlineNone}, 0xB5: {"conv.ovf.i2", InlineNone},
	0xB6: {"conv.ovf.u2", InlineNone}, 0xB7: {"conv.ovf.i4", InlineNone}, 0xB8: {"conv.ovf.u4", InlineNone},
	0xB9: {"conv.ovf.i8", InlineNone}, 0xBA: {"conv.ovf.u8", InlineNone},
	0xC2: {"refanyval", InlineType}, 0xC3: {"ckfinite", InlineNone}, 0xC6: {"mkrefany", InlineType},
	0xD0: {"ldtoken", InlineTok}, 0xD1: {"conv.u2", InlineNone}, 0xD2: {"conv.u1", InlineNone}, 0xD3: {"conv.i", InlineNone},
	0xD4: {"conv.ovf.i", InlineNone}, 0xD5: {"conv.ovf.u", InlineNone},
	0xD6: {"add.ovf", InlineNone}, 0xD7: {"add.ovf.un", InlineNone}, 0xD8: {"mul.ovf", InlineNone},
	0xD9: {"mul.ovf.un", InlineNone}, 0xDA: {"sub.ovf", InlineNone}, 0xDB: {"sub.ovf.un", InlineNone},
	0xDC: {"endfinally", InlineNone}, 0xDD: {"leave", InlineBr}, 0xDE: {"leave.s", ShortInlineBr},
	0xDF: {"stind.i", InlineNone}, 0xE0: {"conv.u", InlineNone},

	0xFE00: {"arglist", InlineNone}, 0xFE01: {"ceq", InlineNone}, 0xFE02: {"cgt", InlineNone}, 0xFE03: {"cgt.un", InlineNone},
	0xFE04: {"clt", InlineNone}, 0xFE05: {"clt.un", InlineNone}, 0xFE06: {"ldftn", InlineMethod}, 0xFE07: {"ldvirtftn", InlineMethod},
	0xFE09: {"ldarg", InlineVar}, 0xFE0A: {"ldarga", InlineVar}, 0xFE0B: {"starg", InlineVar},
	0xFE0C: {"ldloc", InlineVar}, 0xFE0D: {"ldloca", InlineVar}, 0xFE0E: {"stloc", InlineVar},
	0xFE0F: {"localloc", InlineNone}, 0xFE11: {"endfilter", InlineNone}, 0xFE12: {"unaligned.", ShortInlineI},
	0xFE13: {"volatile.", InlineNone}, 0xFE14: {"tail.", InlineNone}, 0xFE15: {"initobj", InlineType},
	0xFE16: {"constrained.", InlineType}, 0xFE17: {"cpblk", InlineNone}, 0xFE18: {"initblk", InlineNone},
	0xFE19: {"no.", ShortInlineI}, 0xFE1A: {"rethrow", InlineNone}, 0xFE1C: {"sizeof", InlineType},
	0xFE1D: {"refanytype", InlineNone}, 0xFE1E: {"readonly.", InlineNone},
}

// Valid reports whether op is a defined opcode.
func (op OpCode) Valid() bool {
	_, ok := opcodes[op]
	return ok
}

// Operand returns the operand kind of op.
func (op OpCode) Operand() OperandKind {
	return opcodes[op].operand
}

// Size returns the encoded size of the opcode itself.
func (op OpCode) Size() int {
	if op > 0xFF {
		return 2
	}
	return 1
}

func (op OpCode) String() string {
	if info, ok := opcodes[op]; ok {
		return info.name
	}
	return fmt.Sprintf("OpCode(%#x)", uint16(op))
}

// IsBranch reports whether op has a branch target operand.
func (op OpCode) IsBranch() bool {
	k := op.Operand()
	return k == ShortInlineBr || k == InlineBr
}

// longForm returns the InlineBr form of a ShortInlineBr opcode.
func (op OpCode) longForm() OpCode {
	if op == LeaveS {
		return Leave
	}
	if op >= BrS && op <= 0x37 {
		return op + 0x0D
	}
	return op
}
