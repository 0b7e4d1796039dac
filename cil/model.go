package cil

import (
	"fmt"
)

// TypeDef is a row of the TypeDef table.
type TypeDef struct {
	RID       uint32
	Flags     uint32
	Namespace string
	Name      string
	Extends   Token
	Methods   []*Method
}

// FullName returns the namespace qualified name of the type.
func (t *TypeDef) FullName() string {
	return joinName(t.Namespace, t.Name)
}

func (t *TypeDef) Token() Token {
	return NewToken(TableTypeDef, t.RID)
}

// Method is a row of the MethodDef table.
type Method struct {
	RID           uint32
	RVA           uint32
	ImplFlags     uint16
	Flags         uint16
	Name          string
	Signature     []byte
	DeclaringType *TypeDef
}

func (m *Method) Token() Token {
	return NewToken(TableMethodDef, m.RID)
}

// HasBody reports whether the method has a CIL body in the image.
func (m *Method) HasBody() bool {
	const (
		abstract       = 0x0400
		pinvokeImpl    = 0x2000
		codeTypeMask   = 0x0003
		internalCall   = 0x1000
		runtimeManaged = 0x0003
	)
	return m.RVA != 0 && m.Flags&(abstract|pinvokeImpl) == 0 &&
		m.ImplFlags&codeTypeMask != runtimeManaged && m.ImplFlags&internalCall == 0
}

// FullName returns Type::Method.
func (m *Method) FullName() string {
	if m.DeclaringType == nil {
		return m.Name
	}
	return m.DeclaringType.FullName() + "::" + m.Name
}

func (m *Method) String() string {
	return fmt.Sprintf("%s [%s, rva %#x]", m.FullName(), m.Token(), m.RVA)
}

// MemberRef is a row of the MemberRef table.
type MemberRef struct {
	RID       uint32
	Class     Token
	Name      string
	Signature []byte

	// DeclaringType is the simple name of the referenced type (for a generic
	// instantiation, the name of the generic type).
	DeclaringType          string
	DeclaringTypeNamespace string
}

func (r *MemberRef) Token() Token {
	return NewToken(TableMemberRef, r.RID)
}

// IsMethod reports whether the reference is to a method rather than a field.
func (r *MemberRef) IsMethod() bool {
	return len(r.Signature) > 0 && r.Signature[0]&0x0F != 0x06
}

// CustomAttribute is a row of the CustomAttribute table.
type CustomAttribute struct {
	RID    uint32
	Parent Token
	Ctor   Token

	// AttributeType is the full name of the constructor's declaring type.
	AttributeType string
	Value         []byte
}

type view struct {
	types   []*TypeDef
	methods []*Method
}

func (img *Image) load() (*view, error) {
	if img.view != nil {
		return img.view, nil
	}
	v := &view{}
	rows := img.md.rows
	v.methods = make([]*Method, len(rows[TableMethodDef]))
	for i, r := range rows[TableMethodDef] {
		m := &Method{
			RID:       uint32(i + 1),
			RVA:       r[MethodDefRVA],
			ImplFlags: uint16(r[MethodDefImplFlags]),
			Flags:     uint16(r[MethodDefFlags]),
		}
		var err error
		if m.Name, err = img.String(r[MethodDefName]); err != nil {
			return nil, fmt.Errorf("method %d name: %w", i+1, err)
		}
		if m.Signature, err = img.Blob(r[MethodDefSignature]); err != nil {
			return nil, fmt.Errorf("method %d signature: %w", i+1, err)
		}
		v.methods[i] = m
	}
	v.types = make([]*TypeDef, len(rows[TableTypeDef]))
	for i, r := range rows[TableTypeDef] {
		t := &TypeDef{RID: uint32(i + 1), Flags: r[TypeDefFlags]}
		var err error
		if t.Name, err = img.String(r[TypeDefName]); err != nil {
			return nil, fmt.Errorf("type %d name: %w", i+1, err)
		}
		if t.Namespace, err = img.String(r[TypeDefNamespace]); err != nil {
			return nil, fmt.Errorf("type %d namespace: %w", i+1, err)
		}
		if tbl, rid := DecodeCoded(CodedTypeDefOrRef, r[TypeDefExtends]); tbl >= 0 && rid != 0 {
			t.Extends = NewToken(tbl, rid)
		}
		start := int(r[TypeDefMethodList])
		end := len(v.methods) + 1
		if i+1 < len(rows[TableTypeDef]) {
			end = int(rows[TableTypeDef][i+1][TypeDefMethodList])
		}
		for rid := start; rid < end && rid <= len(v.methods); rid++ {
			if rid < 1 {
				continue
			}
			m := v.methods[rid-1]
			m.DeclaringType = t
			t.Methods = append(t.Methods, m)
		}
		v.types[i] = t
	}
	img.view = v
	return v, nil
}

// Types returns every type defined in the image.
func (img *Image) Types() ([]*TypeDef, error) {
	v, err := img.load()
	if err != nil {
		return nil, err
	}
	return v.types, nil
}

// Methods returns every method defined in the image.
func (img *Image) Methods() ([]*Method, error) {
	v, err := img.load()
	if err != nil {
		return nil, err
	}
	return v.methods, nil
}

// Method returns the method with a MethodDef token.
func (img *Image) Method(tok Token) (*Method, error) {
	v, err := img.load()
	if err != nil {
		return nil, err
	}
	if tok.Table() != TableMethodDef || tok.RID() == 0 || int(tok.RID()) > len(v.methods) {
		return nil, fmt.Errorf("no method %s", tok)
	}
	return v.methods[tok.RID()-1], nil
}

// FindType returns the type with the given namespace and name, or nil.
func (img *Image) FindType(namespace, name string) (*TypeDef, error) {
	types, err := img.Types()
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if t.Namespace == namespace && t.Name == name {
			return t, nil
		}
	}
	return nil, nil
}

// TypeName returns the namespace and name of a TypeDef, TypeRef or the
// generic type of a TypeSpec instantiation.
func (img *Image) TypeName(tok Token) (namespace, name string, err error) {
	switch tok.Table() {
	case TableTypeDef, TableTypeRef:
		r := img.Row(tok.Table(), tok.RID())
		if r == nil {
			return "", "", fmt.Errorf("no type %s", tok)
		}
		nameCol, nsCol := TypeDefName, TypeDefNamespace
		if tok.Table() == TableTypeRef {
			nameCol, nsCol = TypeRefName, TypeRefNamespace
		}
		if name, err = img.String(r[nameCol]); err != nil {
			return "", "", err
		}
		if namespace, err = img.String(r[nsCol]); err != nil {
			return "", "", err
		}
		return namespace, name, nil
	case TableTypeSpec:
		r := img.Row(TableTypeSpec, tok.RID())
		if r == nil {
			return "", "", fmt.Errorf("no type spec %s", tok)
		}
		sig, err := img.Blob(r[0])
		if err != nil {
			return "", "", err
		}
		// GENERICINST (CLASS|VALUETYPE) TypeDefOrRefEncoded ...
		if len(sig) < 3 || sig[0] != 0x15 || (sig[1] != 0x12 && sig[1] != 0x11) {
			return "", "", nil
		}
		coded, _, err := DecodeCompressedUint(sig[2:])
		if err != nil {
			return "", "", err
		}
		tbl, rid := DecodeCoded(CodedTypeDefOrRef, coded)
		if tbl < 0 || tbl == TableTypeSpec {
			return "", "", nil
		}
		return img.TypeName(NewToken(tbl, rid))
	}
	return "", "", nil
}

// MemberRefs returns every row of the MemberRef table.
func (img *Image) MemberRefs() ([]*MemberRef, error) {
	rows := img.md.rows[TableMemberRef]
	refs := make([]*MemberRef, len(rows))
	for i, r := range rows {
		ref := &MemberRef{RID: uint32(i + 1)}
		var err error
		if ref.Name, err = img.String(r[MemberRefName]); err != nil {
			return nil, fmt.Errorf("member ref %d: %w", i+1, err)
		}
		if ref.Signature, err = img.Blob(r[MemberRefSignature]); err != nil {
			return nil, fmt.Errorf("member ref %d: %w", i+1, err)
		}
		if tbl, rid := DecodeCoded(CodedMemberRefParent, r[MemberRefClass]); tbl >= 0 {
			ref.Class = NewToken(tbl, rid)
			if ref.DeclaringTypeNamespace, ref.DeclaringType, err = img.TypeName(ref.Class); err != nil {
				return nil, fmt.Errorf("member ref %d parent: %w", i+1, err)
			}
		}
		refs[i] = ref
	}
	return refs, nil
}

// CustomAttributes returns the custom attributes attached to parent.
func (img *Image) CustomAttributes(parent Token) ([]*CustomAttribute, error) {
	var cas []*CustomAttribute
	for i, r := range img.md.rows[TableCustomAttribute] {
		pt, prid := DecodeCoded(CodedHasCustomAttribute, r[CustomAttributeParent])
		if pt < 0 || NewToken(pt, prid) != parent {
			continue
		}
		ca := &CustomAttribute{RID: uint32(i + 1), Parent: parent}
		ct, crid := DecodeCoded(CodedCustomAttributeType, r[CustomAttributeType])
		if ct < 0 {
			return nil, fmt.Errorf("custom attribute %d: invalid constructor tag", i+1)
		}
		ca.Ctor = NewToken(ct, crid)
		var err error
		if ca.Value, err = img.Blob(r[CustomAttributeValue]); err != nil {
			return nil, fmt.Errorf("custom attribute %d: %w", i+1, err)
		}
		if ca.AttributeType, err = img.ctorTypeName(ca.Ctor); err != nil {
			return nil, fmt.Errorf("custom attribute %d: %w", i+1, err)
		}
		cas = append(cas, ca)
	}
	return cas, nil
}

func (img *Image) ctorTypeName(ctor Token) (string, error) {
	switch ctor.Table() {
	case TableMethodDef:
		m, err := img.Method(ctor)
		if err != nil {
			return "", err
		}
		if m.DeclaringType == nil {
			return "", nil
		}
		return m.DeclaringType.FullName(), nil
	case TableMemberRef:
		r := img.Row(TableMemberRef, ctor.RID())
		if r == nil {
			return "", fmt.Errorf("no member ref %s", ctor)
		}
		tbl, rid := DecodeCoded(CodedMemberRefParent, r[MemberRefClass])
		if tbl < 0 {
			return "", nil
		}
		ns, name, err := img.TypeName(NewToken(tbl, rid))
		return joinName(ns, name), err
	}
	return "", nil
}

// AssemblyToken is the token of the assembly manifest row.
var AssemblyToken = NewToken(TableAssembly, 1)

// AssemblyName returns the name of the assembly, or "" for a module without a
// manifest.
func (img *Image) AssemblyName() string {
	r := img.Row(TableAssembly, 1)
	if r == nil {
		return ""
	}
	s, _ := img.String(r[AssemblyName])
	return s
}

func joinName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
