package patchlib

import (
	"encoding/binary"
	"fmt"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/google/uuid"
)

// Identity identifies a patch and its version. It is stored in the patched
// assembly as a marker attribute.
type Identity struct {
	ID                  uuid.UUID
	Major, Minor, Patch int32
}

func (id Identity) String() string {
	return fmt.Sprintf("%s@%d.%d.%d", id.ID, id.Major, id.Minor, id.Patch)
}

// Hash is an FNV-1a style hash of the version and the UUID, in the byte order
// .NET uses for Guid.ToByteArray. It is not a cryptographic hash.
func (id Identity) Hash() uint32 {
	hash := uint32(0x811C9DC5)
	for _, v := range []int32{id.Major, id.Minor, id.Patch} {
		for b := v; b > 0; b >>= 8 {
			hash ^= uint32(b)
			hash *= 0x1000193
		}
	}
	g := id.ID
	for _, b := range []byte{
		g[3], g[2], g[1], g[0], g[5], g[4], g[7], g[6],
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15],
	} {
		hash ^= uint32(b)
		hash *= 0x1000193
	}
	return hash
}

// Equal compares identities by hash.
func (id Identity) Equal(o Identity) bool {
	return id.Hash() == o.Hash()
}

// MarkerType is the attribute type used to mark patched assemblies.
type MarkerType struct {
	Namespace string
	Name      string
}

// DefaultMarkerType is used when a patch definition does not name one.
var DefaultMarkerType = MarkerType{Namespace: "ILPatch", Name: "PatchVersionAttribute"}

func (mt MarkerType) FullName() string {
	if mt.Namespace == "" {
		return mt.Name
	}
	return mt.Namespace + "." + mt.Name
}

var coreLibraries = []string{"mscorlib", "netstandard", "System.Runtime", "System.Private.CoreLib"}

// ensureTypeRef returns a reference to a core library type, adding it if
// needed.
func ensureTypeRef(img *cil.Image, namespace, name string) (cil.Token, error) {
	var objectScope uint32
	for rid := uint32(1); rid <= uint32(img.RowCount(cil.TableTypeRef)); rid++ {
		ns, n, err := img.TypeName(cil.NewToken(cil.TableTypeRef, rid))
		if err != nil {
			return 0, err
		}
		if ns == namespace && n == name {
			return cil.NewToken(cil.TableTypeRef, rid), nil
		}
		if ns == "System" && n == "Object" {
			objectScope = img.Row(cil.TableTypeRef, rid)[cil.TypeRefScope]
		}
	}
	scope := objectScope
	if scope == 0 {
	search:
		for _, lib := range coreLibraries {
			for rid := uint32(1); rid <= uint32(img.RowCount(cil.TableAssemblyRef)); rid++ {
				if s, _ := img.String(img.Row(cil.TableAssemblyRef, rid)[cil.AssemblyRefName]); s == lib {
					scope = cil.EncodeCoded(cil.CodedResolutionScope, cil.TableAssemblyRef, rid)
					break search
				}
			}
		}
	}
	if scope == 0 {
		return 0, fmt.Errorf("%w: no core library reference to resolve %s.%s", ErrNotFound, namespace, name)
	}
	rid := img.AddRow(cil.TableTypeRef, scope, img.AddString(name), img.AddString(namespace))
	return cil.NewToken(cil.TableTypeRef, rid), nil
}

// EnsureMarkerType returns the constructor of the marker attribute type,
// creating the type if the image does not define it. The created type is a
// public sealed System.Attribute with read-only PatchId, Major, Minor and
// Patch properties set by a (string, int, int, int) constructor.
func EnsureMarkerType(img *cil.Image, mt MarkerType) (cil.Token, error) {
	t, err := img.FindType(mt.Namespace, mt.Name)
	if err != nil {
		return 0, err
	}
	if t != nil {
		for _, m := range t.Methods {
			if m.Name == ".ctor" {
				return m.Token(), nil
			}
		}
		return 0, fmt.Errorf("%w: marker type %s has no constructor", ErrNotFound, mt.FullName())
	}

	attr, err := ensureTypeRef(img, "System", "Attribute")
	if err != nil {
		return 0, err
	}
	baseCtor := cil.NewToken(cil.TableMemberRef, img.AddRow(cil.TableMemberRef,
		cil.EncodeCoded(cil.CodedMemberRefParent, cil.TableTypeRef, attr.RID()),
		img.AddString(".ctor"),
		img.AddBlob(cil.MethodSig(cil.SigHasThis, cil.ElementVoid))))

	const (
		typeFlags   = 0x00100101 // Public | Sealed | BeforeFieldInit
		fieldFlags  = 0x0021     // Private | InitOnly
		getterFlags = cil.MethodPublic | cil.MethodHideBySig | cil.MethodSpecialName
		ctorFlags   = getterFlags | cil.MethodRTSpecialName
		semGetter   = 0x0002
	)
	typeRID := img.AddRow(cil.TableTypeDef, typeFlags, img.AddString(mt.Name), img.AddString(mt.Namespace),
		cil.EncodeCoded(cil.CodedTypeDefOrRef, cil.TableTypeRef, attr.RID()),
		uint32(img.RowCount(cil.TableField)+1), uint32(img.RowCount(cil.TableMethodDef)+1))

	props := []struct {
		name string
		elem byte
	}{
		{"PatchId", cil.ElementString},
		{"Major", cil.ElementI4},
		{"Minor", cil.ElementI4},
		{"Patch", cil.ElementI4},
	}
	fields := make([]cil.Token, len(props))
	for i, p := range props {
		fields[i] = cil.NewToken(cil.TableField, img.AddRow(cil.TableField, fieldFlags,
			img.AddString("<"+p.name+">k__BackingField"), img.AddBlob([]byte{cil.SigField, p.elem})))
	}

	addMethod := func(name string, flags uint16, sig []byte, body *cil.Body) (cil.Token, error) {
		tok := cil.NewToken(cil.TableMethodDef, img.AddRow(cil.TableMethodDef, 0, 0, uint32(flags),
			img.AddString(name), img.AddBlob(sig), uint32(img.RowCount(cil.TableParam)+1)))
		m, err := img.Method(tok)
		if err != nil {
			return 0, err
		}
		return tok, img.SetBody(m, body)
	}

	getters := make([]cil.Token, len(props))
	for i, p := range props {
		if getters[i], err = addMethod("get_"+p.name, getterFlags, cil.MethodSig(cil.SigHasThis, p.elem), &cil.Body{
			MaxStack: 1,
			Instructions: []*cil.Instruction{
				{OpCode: cil.Ldarg0},
				{OpCode: cil.Ldfld, Operand: fields[i]},
				{OpCode: cil.Ret},
			},
		}); err != nil {
			return 0, err
		}
	}

	ctorBody := &cil.Body{MaxStack: 2, Instructions: []*cil.Instruction{
		{OpCode: cil.Ldarg0},
		{OpCode: cil.Call, Operand: baseCtor},
	}}
	for i := range props {
		arg := &cil.Instruction{OpCode: cil.Ldarg1 + cil.OpCode(i)}
		if i == 3 {
			arg = &cil.Instruction{OpCode: cil.LdargS, Operand: uint8(4)}
		}
		ctorBody.Instructions = append(ctorBody.Instructions,
			&cil.Instruction{OpCode: cil.Ldarg0}, arg, &cil.Instruction{OpCode: cil.Stfld, Operand: fields[i]})
	}
	ctorBody.Instructions = append(ctorBody.Instructions, &cil.Instruction{OpCode: cil.Ret})
	ctor, err := addMethod(".ctor", ctorFlags,
		cil.MethodSig(cil.SigHasThis, cil.ElementVoid, cil.ElementString, cil.ElementI4, cil.ElementI4, cil.ElementI4), ctorBody)
	if err != nil {
		return 0, err
	}

	img.AddRow(cil.TablePropertyMap, typeRID, uint32(img.RowCount(cil.TableProperty)+1))
	for i, p := range props {
		prop := img.AddRow(cil.TableProperty, 0, img.AddString(p.name), img.AddBlob([]byte{cil.SigHasThis | cil.SigProperty, 0, p.elem}))
		img.InsertRowSorted(cil.TableMethodSemantics, cil.MethodSemanticsAssociation,
			semGetter, getters[i].RID(), cil.EncodeCoded(cil.CodedHasSemantics, cil.TableProperty, prop))
	}
	return ctor, nil
}

// markerValue encodes the custom attribute blob of a marker.
func markerValue(id Identity) []byte {
	s := id.ID.String()
	b := []byte{0x01, 0x00}
	b = cil.AppendCompressedUint(b, uint32(len(s)))
	b = append(b, s...)
	for _, v := range []int32{id.Major, id.Minor, id.Patch} {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return append(b, 0x00, 0x00)
}

func parseMarkerValue(b []byte) (Identity, error) {
	var id Identity
	if len(b) < 2 || b[0] != 0x01 || b[1] != 0x00 {
		return id, fmt.Errorf("bad custom attribute prolog")
	}
	b = b[2:]
	if len(b) > 0 && b[0] == 0xFF {
		return id, fmt.Errorf("null patch id")
	}
	n, w, err := cil.DecodeCompressedUint(b)
	if err != nil {
		return id, err
	}
	b = b[w:]
	if int(n)+12 > len(b) {
		return id, fmt.Errorf("custom attribute value truncated")
	}
	if id.ID, err = uuid.Parse(string(b[:n])); err != nil {
		return id, fmt.Errorf("patch id: %w", err)
	}
	b = b[n:]
	id.Major = int32(binary.LittleEndian.Uint32(b[0:]))
	id.Minor = int32(binary.LittleEndian.Uint32(b[4:]))
	id.Patch = int32(binary.LittleEndian.Uint32(b[8:]))
	return id, nil
}

// AddMarker attaches a marker attribute carrying id to the assembly, creating
// the marker type if needed.
func AddMarker(img *cil.Image, mt MarkerType, id Identity) error {
	if img.RowCount(cil.TableAssembly) == 0 {
		return fmt.Errorf("%w: image has no assembly manifest", ErrNotFound)
	}
	ctor, err := EnsureMarkerType(img, mt)
	if err != nil {
		return fmt.Errorf("marker type %s: %w", mt.FullName(), err)
	}
	img.InsertRowSorted(cil.TableCustomAttribute, cil.CustomAttributeParent,
		cil.EncodeCoded(cil.CodedHasCustomAttribute, cil.TableAssembly, 1),
		cil.EncodeCoded(cil.CodedCustomAttributeType, ctor.Table(), ctor.RID()),
		img.AddBlob(markerValue(id)))
	return nil
}

// Markers returns the identities of every marker attached to the assembly.
func Markers(img *cil.Image, mt MarkerType) ([]Identity, error) {
	cas, err := img.CustomAttributes(cil.AssemblyToken)
	if err != nil {
		return nil, err
	}
	var ids []Identity
	for _, ca := range cas {
		if ca.AttributeType != mt.FullName() {
			continue
		}
		id, err := parseMarkerValue(ca.Value)
		if err != nil {
			return nil, fmt.Errorf("marker attribute %d: %w", ca.RID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsAlreadyPatched reports whether the assembly carries a marker equal to id.
func IsAlreadyPatched(img *cil.Image, mt MarkerType, id Identity) (bool, error) {
	ids, err := Markers(img, mt)
	if err != nil {
		return false, err
	}
	for _, m := range ids {
		if m.Equal(id) {
			return true, nil
		}
	}
	return false, nil
}
