package cil

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T) *Image {
	t.Helper()
	b := NewBuilder("Sample")
	object := b.TypeRef("System", "Object")
	console := b.TypeRef("System", "Console")
	writeLine := b.MemberRef(console, "WriteLine", MethodSig(SigDefault, ElementVoid, ElementString))
	hello := b.UserString("hello")

	b.TypeDef("Sample", "Greeter", 0x00100001, object)
	b.Method("Greet", MethodPublic|MethodHideBySig, MethodSig(SigHasThis, ElementVoid), &Body{
		MaxStack: 1,
		Instructions: []*Instruction{
			{OpCode: Ldstr, Operand: hello},
			{OpCode: Call, Operand: writeLine},
			{OpCode: Ret},
		},
	})
	b.Method("Abstract", MethodPublic|0x0400, MethodSig(SigHasThis, ElementVoid), nil)

	img, err := b.Image()
	require.NoError(t, err)
	return img
}

func TestBuilderImage(t *testing.T) {
	img := buildSample(t)
	assert.Equal(t, "Sample", img.AssemblyName())

	types, err := img.Types()
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, "<Module>", types[0].Name)
	assert.Equal(t, "Sample.Greeter", types[1].FullName())
	require.Len(t, types[1].Methods, 2)

	greet := types[1].Methods[0]
	assert.Equal(t, "Sample.Greeter::Greet", greet.FullName())
	assert.True(t, greet.HasBody())
	assert.False(t, types[1].Methods[1].HasBody())

	body, err := img.Body(greet)
	require.NoError(t, err)
	require.Len(t, body.Instructions, 3)
	assert.Equal(t, Ldstr, body.Instructions[0].OpCode)

	refs, err := img.MemberRefs()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "Console", refs[0].DeclaringType)
	assert.Equal(t, "System", refs[0].DeclaringTypeNamespace)
	assert.True(t, refs[0].IsMethod())
	assert.Equal(t, body.Instructions[1].Operand, refs[0].Token())

	us, err := img.UserStrings()
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "hello", us[0].Value)
	assert.Equal(t, body.Instructions[0].Operand, us[0].OffsetToken())
}

func TestWriteToReload(t *testing.T) {
	img := buildSample(t)
	greet, err := img.Method(NewToken(TableMethodDef, 1))
	require.NoError(t, err)

	body, err := img.Body(greet)
	require.NoError(t, err)
	body.Instructions = append([]*Instruction{{OpCode: Nop}}, body.Instructions...)
	require.NoError(t, img.SetBody(greet, body))

	name := img.AddString("Added")
	img.AddRow(TableTypeDef, 0x00100001, name, 0, 0, uint32(img.RowCount(TableField)+1), uint32(img.RowCount(TableMethodDef)+1))

	var buf bytes.Buffer
	_, err = img.WriteTo(&buf)
	require.NoError(t, err)

	out, err := Load(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, out.sections, len(img.sections)+1)
	assert.Equal(t, NewSectionName, string(bytes.TrimRight(out.sections[len(out.sections)-1].Name[:], "\x00")))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf.Bytes()[out.optOff+64:]), "checksum should be cleared")

	types, err := out.Types()
	require.NoError(t, err)
	require.Len(t, types, 3)
	assert.Equal(t, "Added", types[2].Name)
	assert.Empty(t, types[2].Methods)
	require.Len(t, types[1].Methods, 2)

	m := types[1].Methods[0]
	assert.NotEqual(t, greet.RVA, m.RVA, "rewritten body should be relocated")
	nb, err := out.Body(m)
	require.NoError(t, err)
	require.Len(t, nb.Instructions, 4)
	assert.Equal(t, Nop, nb.Instructions[0].OpCode)
	assert.Equal(t, Ret, nb.Instructions[3].OpCode)

	us, err := out.UserStrings()
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "hello", us[0].Value)
}

func TestInsertRowSorted(t *testing.T) {
	img := buildSample(t)
	ctor := NewToken(TableMethodDef, 2)
	img.AddRow(TableCustomAttribute, EncodeCoded(CodedHasCustomAttribute, TableTypeDef, 2), EncodeCoded(CodedCustomAttributeType, TableMethodDef, ctor.RID()), 0)
	rid := img.InsertRowSorted(TableCustomAttribute, CustomAttributeParent,
		EncodeCoded(CodedHasCustomAttribute, TableAssembly, 1), EncodeCoded(CodedCustomAttributeType, TableMethodDef, ctor.RID()), 0)
	assert.Equal(t, uint32(1), rid, "assembly parent sorts before the type parent")

	cas, err := img.CustomAttributes(AssemblyToken)
	require.NoError(t, err)
	require.Len(t, cas, 1)
	assert.Equal(t, "Sample.Greeter", cas[0].AttributeType)
	assert.Equal(t, ctor, cas[0].Ctor)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]byte("MZ"))
	assert.Error(t, err)

	buf, err := NewBuilder("x").Bytes()
	require.NoError(t, err)
	bad := append([]byte(nil), buf...)
	copy(bad[0x80:], "XX")
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestCodedIndex(t *testing.T) {
	v := EncodeCoded(CodedHasCustomAttribute, TableAssembly, 1)
	assert.Equal(t, uint32(1<<5|14), v)
	tbl, rid := DecodeCoded(CodedHasCustomAttribute, v)
	assert.Equal(t, TableAssembly, tbl)
	assert.Equal(t, uint32(1), rid)

	assert.Equal(t, uint32(7<<3|2), EncodeCoded(CodedCustomAttributeType, TableMethodDef, 7))
	tbl, _ = DecodeCoded(CodedCustomAttributeType, 7<<3|0)
	assert.Equal(t, -1, tbl)
}

func TestComputeSizes(t *testing.T) {
	var rows [numTables]uint32
	rows[TableMethodDef] = 1 << 16
	rows[TableTypeRef] = 1 << 14
	s := computeSizes(&rows, 0x05)
	assert.Equal(t, 4, s.str)
	assert.Equal(t, 2, s.guid)
	assert.Equal(t, 4, s.blob)
	assert.Equal(t, 4, s.table[TableMethodDef])
	assert.Equal(t, 2, s.table[TableField])
	assert.Equal(t, 4, s.coded[CodedTypeDefOrRef], "2 tag bits leave 14 bits for the row")
	assert.Equal(t, 4, s.coded[CodedMethodDefOrRef])
	assert.Equal(t, 2, s.coded[CodedHasSemantics])
}
