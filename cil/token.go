// Package cil reads, edits and writes the managed parts of a PE image: the
// CLI header, the ECMA-335 metadata tables and heaps, and CIL method bodies.
//
// It only implements what is needed to locate methods by their bytecode and
// to rewrite a handful of them. Everything it does not understand is copied
// through untouched.
package cil

import "fmt"

// Token identifies a metadata table row (or a #US heap entry). The high byte
// is the table, the low 24 bits the row id.
type Token uint32

// NewToken creates a token from a table and a 1-based row id.
func NewToken(table int, rid uint32) Token {
	return Token(uint32(table)<<24 | rid&0x00FFFFFF)
}

// Table returns the table number of the token.
func (t Token) Table() int {
	return int(t >> 24)
}

// RID returns the row id of the token.
func (t Token) RID() uint32 {
	return uint32(t) & 0x00FFFFFF
}

func (t Token) String() string {
	return fmt.Sprintf("%08X", uint32(t))
}

// ECMA-335 II.22 metadata table numbers.
const (
	TableModule                 = 0x00
	TableTypeRef                = 0x01
	TableTypeDef                = 0x02
	TableFieldPtr               = 0x03
	TableField                  = 0x04
	TableMethodPtr              = 0x05
	TableMethodDef              = 0x06
	TableParamPtr               = 0x07
	TableParam                  = 0x08
	TableInterfaceImpl          = 0x09
	TableMemberRef              = 0x0a
	TableConstant               = 0x0b
	TableCustomAttribute        = 0x0c
	TableFieldMarshal           = 0x0d
	TableDeclSecurity           = 0x0e
	TableClassLayout            = 0x0f
	TableFieldLayout            = 0x10
	TableStandAloneSig          = 0x11
	TableEventMap               = 0x12
	TableEventPtr               = 0x13
	TableEvent                  = 0x14
	TablePropertyMap            = 0x15
	TablePropertyPtr            = 0x16
	TableProperty               = 0x17
	TableMethodSemantics        = 0x18
	TableMethodImpl             = 0x19
	TableModuleRef              = 0x1a
	TableTypeSpec               = 0x1b
	TableImplMap                = 0x1c
	TableFieldRVA               = 0x1d
	TableEncLog                 = 0x1e
	TableEncMap                 = 0x1f
	TableAssembly               = 0x20
	TableAssemblyProcessor      = 0x21
	TableAssemblyOS             = 0x22
	TableAssemblyRef            = 0x23
	TableAssemblyRefProcessor   = 0x24
	TableAssemblyRefOS          = 0x25
	TableFile                   = 0x26
	TableExportedType           = 0x27
	TableManifestResource       = 0x28
	TableNestedClass            = 0x29
	TableGenericParam           = 0x2a
	TableMethodSpec             = 0x2b
	TableGenericParamConstraint = 0x2c

	numTables = 0x2d

	// TableUserString is the pseudo-table used for #US heap tokens.
	TableUserString = 0x70
)
