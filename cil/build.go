package cil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Signature element types (ECMA-335 II.23.1.16).
const (
	ElementVoid    = 0x01
	ElementBoolean = 0x02
	ElementI4      = 0x08
	ElementString  = 0x0E
	ElementObject  = 0x1C
)

// Signature calling convention flags.
const (
	SigDefault  = 0x00
	SigField    = 0x06
	SigProperty = 0x08
	SigHasThis  = 0x20
)

// MethodSig returns a method signature blob with the given calling
// convention, return type and simple parameter element types.
func MethodSig(conv, ret byte, params ...byte) []byte {
	sig := []byte{conv}
	sig = AppendCompressedUint(sig, uint32(len(params)))
	sig = append(sig, ret)
	return append(sig, params...)
}

// Method attributes used when building types.
const (
	MethodPublic        = 0x0006
	MethodPrivate       = 0x0001
	MethodStatic        = 0x0010
	MethodHideBySig     = 0x0080
	MethodSpecialName   = 0x0800
	MethodRTSpecialName = 0x1000
)

// Builder assembles a minimal managed image from scratch. The result has a
// single section holding the CLI header, method bodies and metadata, which is
// enough for this package to load but carries no native entry point.
type Builder struct {
	img     *Image
	corlib  uint32
	curType uint32
	err     error
}

const (
	buildFileAlign = 0x200
	buildSectAlign = 0x2000
	buildTextRVA   = 0x2000
	buildHdrSize   = 0x200
	cliHeaderSize  = 72
)

// NewBuilder starts a new image for an assembly named name which references
// mscorlib.
func NewBuilder(name string) *Builder {
	md := &metadata{
		major: 1, minor: 1,
		version:  []byte("v4.0.30319\x00\x00"),
		tblMajor: 2,
		sorted:   0x000016003301FA00,
	}
	for _, n := range []string{"#~", "#Strings", "#US", "#GUID", "#Blob"} {
		md.streams = append(md.streams, &stream{name: n})
	}
	b := &Builder{img: &Image{md: md, bodies: map[uint32][]byte{}}}
	img := b.img
	mvid := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	img.AddRow(TableModule, 0, img.AddString(name+".dll"), md.addGUID(mvid), 0, 0)
	img.AddRow(TableAssembly, 0x8004, 1, 0, 0, 0, 0, 0, img.AddString(name), 0)
	b.corlib = img.AddRow(TableAssemblyRef, 4, 0, 0, 0, 0, img.AddBlob([]byte{0xB7, 0x7A, 0x5C, 0x56, 0x19, 0x34, 0xE0, 0x89}), img.AddString("mscorlib"), 0, 0)
	b.TypeDef("", "<Module>", 0, 0)
	return b
}

// CoreLibrary returns the AssemblyRef token of mscorlib.
func (b *Builder) CoreLibrary() Token {
	return NewToken(TableAssemblyRef, b.corlib)
}

// TypeRef adds a reference to a type in the core library.
func (b *Builder) TypeRef(namespace, name string) Token {
	img := b.img
	scope := EncodeCoded(CodedResolutionScope, TableAssemblyRef, b.corlib)
	return NewToken(TableTypeRef, img.AddRow(TableTypeRef, scope, img.AddString(name), img.AddString(namespace)))
}

// TypeDef adds a type. Methods added afterwards belong to it.
func (b *Builder) TypeDef(namespace, name string, flags uint32, extends Token) Token {
	img := b.img
	var ext uint32
	if extends != 0 {
		ext = EncodeCoded(CodedTypeDefOrRef, extends.Table(), extends.RID())
	}
	b.curType = img.AddRow(TableTypeDef, flags, img.AddString(name), img.AddString(namespace), ext,
		uint32(img.RowCount(TableField)+1), uint32(img.RowCount(TableMethodDef)+1))
	return NewToken(TableTypeDef, b.curType)
}

// Method adds a method with a body to the current type.
func (b *Builder) Method(name string, flags uint16, sig []byte, body *Body) Token {
	img := b.img
	rid := img.AddRow(TableMethodDef, 0, 0, uint32(flags), img.AddString(name), img.AddBlob(sig), uint32(img.RowCount(TableParam)+1))
	if body != nil {
		enc, err := body.Encode()
		if err != nil && b.err == nil {
			b.err = errors.Wrapf(err, "encode %s", name)
		}
		img.bodies[rid] = enc
	}
	return NewToken(TableMethodDef, rid)
}

// MemberRef adds a reference to a member of parent, a TypeRef or TypeSpec.
func (b *Builder) MemberRef(parent Token, name string, sig []byte) Token {
	img := b.img
	class := EncodeCoded(CodedMemberRefParent, parent.Table(), parent.RID())
	return NewToken(TableMemberRef, img.AddRow(TableMemberRef, class, img.AddString(name), img.AddBlob(sig)))
}

// TypeSpec adds a type specification blob.
func (b *Builder) TypeSpec(sig []byte) Token {
	return NewToken(TableTypeSpec, b.img.AddRow(TableTypeSpec, b.img.AddBlob(sig)))
}

// UserString adds a string literal and returns its ldstr token.
func (b *Builder) UserString(s string) Token {
	tok, err := b.img.AddUserString(s)
	if err != nil && b.err == nil {
		b.err = err
	}
	return tok
}

// CustomAttribute attaches a custom attribute to parent.
func (b *Builder) CustomAttribute(parent, ctor Token, value []byte) {
	img := b.img
	img.InsertRowSorted(TableCustomAttribute, CustomAttributeParent,
		EncodeCoded(CodedHasCustomAttribute, parent.Table(), parent.RID()),
		EncodeCoded(CodedCustomAttributeType, ctor.Table(), ctor.RID()),
		img.AddBlob(value))
}

// Bytes returns the encoded image.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	le := binary.LittleEndian
	content, mdOff, mdSize := buildSection(buildTextRVA, cliHeaderSize, b.img.md, b.img.bodies)
	le.PutUint32(content[0:], cliHeaderSize)
	le.PutUint16(content[4:], 2)
	le.PutUint16(content[6:], 5)
	le.PutUint32(content[8:], buildTextRVA+uint32(mdOff))
	le.PutUint32(content[12:], uint32(mdSize))
	le.PutUint32(content[16:], 0x1) // ILONLY

	rawSize := roundUp(uint32(len(content)), buildFileAlign)
	out := make([]byte, buildHdrSize+rawSize)

	out[0], out[1] = 'M', 'Z'
	const peOff = 0x80
	le.PutUint32(out[0x3c:], peOff)
	copy(out[peOff:], "PE\x00\x00")
	coff := out[peOff+4:]
	le.PutUint16(coff[0:], pe.IMAGE_FILE_MACHINE_I386)
	le.PutUint16(coff[2:], 1)
	le.PutUint16(coff[16:], 224)
	le.PutUint16(coff[18:], pe.IMAGE_FILE_EXECUTABLE_IMAGE|pe.IMAGE_FILE_32BIT_MACHINE|pe.IMAGE_FILE_DLL)

	opt := out[peOff+24:]
	le.PutUint16(opt[0:], 0x10b)
	le.PutUint32(opt[4:], rawSize)
	le.PutUint32(opt[16:], buildTextRVA)
	le.PutUint32(opt[20:], buildTextRVA)
	le.PutUint32(opt[28:], 0x10000000)
	le.PutUint32(opt[32:], buildSectAlign)
	le.PutUint32(opt[36:], buildFileAlign)
	le.PutUint16(opt[40:], 4)
	le.PutUint16(opt[48:], 4)
	le.PutUint32(opt[56:], roundUp(buildTextRVA+uint32(len(content)), buildSectAlign))
	le.PutUint32(opt[60:], buildHdrSize)
	le.PutUint16(opt[68:], 3)
	le.PutUint16(opt[70:], 0x8540)
	le.PutUint32(opt[92:], 16)
	le.PutUint32(opt[96+dirCLI*8:], buildTextRVA)
	le.PutUint32(opt[96+dirCLI*8+4:], cliHeaderSize)

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(content)),
		VirtualAddress:   buildTextRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: buildHdrSize,
		Characteristics:  sectionCharacteristics,
	}
	copy(sh.Name[:], ".text")
	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &sh); err != nil {
		return nil, err
	}
	copy(out[peOff+24+224:], hdr.Bytes())
	copy(out[buildHdrSize:], content)
	return out, nil
}

// Image returns the built image, parsed as if it had been read from disk.
func (b *Builder) Image() (*Image, error) {
	buf, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return Load(buf)
}
