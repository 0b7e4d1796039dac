package cil

// Coded index kinds as defined in ECMA-335 II.24.2.6.
const (
	CodedTypeDefOrRef = iota
	CodedHasConstant
	CodedHasCustomAttribute
	CodedHasFieldMarshal
	CodedHasDeclSecurity
	CodedMemberRefParent
	CodedHasSemantics
	CodedMethodDefOrRef
	CodedMemberForwarded
	CodedImplementation
	CodedCustomAttributeType
	CodedResolutionScope
	CodedTypeOrMethodDef
	numCoded
)

// codedIndex lists the tables a coded index can refer to, in tag order. A
// negative entry is an unused tag.
type codedIndex struct {
	bits   uint
	tables []int
}

var codedIndexes = [numCoded]codedIndex{
	CodedTypeDefOrRef: {2, []int{TableTypeDef, TableTypeRef, TableTypeSpec}},
	CodedHasConstant:  {2, []int{TableField, TableParam, TableProperty}},
	CodedHasCustomAttribute: {5, []int{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile,
		TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec,
	}},
	CodedHasFieldMarshal:     {1, []int{TableField, TableParam}},
	CodedHasDeclSecurity:     {2, []int{TableTypeDef, TableMethodDef, TableAssembly}},
	CodedMemberRefParent:     {3, []int{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	CodedHasSemantics:        {1, []int{TableEvent, TableProperty}},
	CodedMethodDefOrRef:      {1, []int{TableMethodDef, TableMemberRef}},
	CodedMemberForwarded:     {1, []int{TableField, TableMethodDef}},
	CodedImplementation:      {2, []int{TableFile, TableAssemblyRef, TableExportedType}},
	CodedCustomAttributeType: {3, []int{-1, -1, TableMethodDef, TableMemberRef, -1}},
	CodedResolutionScope:     {2, []int{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	CodedTypeOrMethodDef:     {1, []int{TableTypeDef, TableMethodDef}},
}

// EncodeCoded encodes a table row reference as a coded index of the given
// kind. It panics if the table is not part of the coded index.
func EncodeCoded(kind, table int, rid uint32) uint32 {
	ci := codedIndexes[kind]
	for tag, t := range ci.tables {
		if t == table {
			return rid<<ci.bits | uint32(tag)
		}
	}
	panic("cil: table is not part of coded index")
}

// DecodeCoded decodes a coded index into a table and row id. The table is -1
// for an invalid tag.
func DecodeCoded(kind int, v uint32) (table int, rid uint32) {
	ci := codedIndexes[kind]
	tag := v & (1<<ci.bits - 1)
	if int(tag) >= len(ci.tables) {
		return -1, 0
	}
	return ci.tables[tag], v >> ci.bits
}

type colKind uint8

const (
	colU16 colKind = iota
	colU32
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind colKind
	ref  int // table for colTable, coded index kind for colCoded
}

var (
	cU16   = column{kind: colU16}
	cU32   = column{kind: colU32}
	cStr   = column{kind: colString}
	cGUID  = column{kind: colGUID}
	cBlob  = column{kind: colBlob}
	cTable = func(t int) column { return column{colTable, t} }
	cCoded = func(k int) column { return column{colCoded, k} }
	schema = [numTables][]column{
		TableModule:                 {cU16, cStr, cGUID, cGUID, cGUID},
		TableTypeRef:                {cCoded(CodedResolutionScope), cStr, cStr},
		TableTypeDef:                {cU32, cStr, cStr, cCoded(CodedTypeDefOrRef), cTable(TableField), cTable(TableMethodDef)},
		TableFieldPtr:               {cTable(TableField)},
		TableField:                  {cU16, cStr, cBlob},
		TableMethodPtr:              {cTable(TableMethodDef)},
		TableMethodDef:              {cU32, cU16, cU16, cStr, cBlob, cTable(TableParam)},
		TableParamPtr:               {cTable(TableParam)},
		TableParam:                  {cU16, cU16, cStr},
		TableInterfaceImpl:          {cTable(TableTypeDef), cCoded(CodedTypeDefOrRef)},
		TableMemberRef:              {cCoded(CodedMemberRefParent), cStr, cBlob},
		TableConstant:               {cU16, cCoded(CodedHasConstant), cBlob},
		TableCustomAttribute:        {cCoded(CodedHasCustomAttribute), cCoded(CodedCustomAttributeType), cBlob},
		TableFieldMarshal:           {cCoded(CodedHasFieldMarshal), cBlob},
		TableDeclSecurity:           {cU16, cCoded(CodedHasDeclSecurity), cBlob},
		TableClassLayout:            {cU16, cU32, cTable(TableTypeDef)},
		TableFieldLayout:            {cU32, cTable(TableField)},
		TableStandAloneSig:          {cBlob},
		TableEventMap:               {cTable(TableTypeDef), cTable(TableEvent)},
		TableEventPtr:               {cTable(TableEvent)},
		TableEvent:                  {cU16, cStr, cCoded(CodedTypeDefOrRef)},
		TablePropertyMap:            {cTable(TableTypeDef), cTable(TableProperty)},
		TablePropertyPtr:            {cTable(TableProperty)},
		TableProperty:               {cU16, cStr, cBlob},
		TableMethodSemantics:        {cU16, cTable(TableMethodDef), cCoded(CodedHasSemantics)},
		TableMethodImpl:             {cTable(TableTypeDef), cCoded(CodedMethodDefOrRef), cCoded(CodedMethodDefOrRef)},
		TableModuleRef:              {cStr},
		TableTypeSpec:               {cBlob},
		TableImplMap:                {cU16, cCoded(CodedMemberForwarded), cStr, cTable(TableModuleRef)},
		TableFieldRVA:               {cU32, cTable(TableField)},
		TableEncLog:                 {cU32, cU32},
		TableEncMap:                 {cU32},
		TableAssembly:               {cU32, cU16, cU16, cU16, cU16, cU32, cBlob, cStr, cStr},
		TableAssemblyProcessor:      {cU32},
		TableAssemblyOS:             {cU32, cU32, cU32},
		TableAssemblyRef:            {cU16, cU16, cU16, cU16, cU32, cBlob, cStr, cStr, cBlob},
		TableAssemblyRefProcessor:   {cU32, cTable(TableAssemblyRef)},
		TableAssemblyRefOS:          {cU32, cU32, cU32, cTable(TableAssemblyRef)},
		TableFile:                   {cU32, cStr, cBlob},
		TableExportedType:           {cU32, cU32, cStr, cStr, cCoded(CodedImplementation)},
		TableManifestResource:       {cU32, cU32, cStr, cCoded(CodedImplementation)},
		TableNestedClass:            {cTable(TableTypeDef), cTable(TableTypeDef)},
		TableGenericParam:           {cU16, cU16, cCoded(CodedTypeOrMethodDef), cStr},
		TableMethodSpec:             {cCoded(CodedMethodDefOrRef), cBlob},
		TableGenericParamConstraint: {cTable(TableGenericParam), cCoded(CodedTypeDefOrRef)},
	}
)

// Column numbers of the rows used by this package and its callers.
const (
	TypeRefScope, TypeRefName, TypeRefNamespace = 0, 1, 2

	TypeDefFlags, TypeDefName, TypeDefNamespace, TypeDefExtends, TypeDefFieldList, TypeDefMethodList = 0, 1, 2, 3, 4, 5

	FieldFlags, FieldName, FieldSignature = 0, 1, 2

	MethodDefRVA, MethodDefImplFlags, MethodDefFlags, MethodDefName, MethodDefSignature, MethodDefParamList = 0, 1, 2, 3, 4, 5

	MemberRefClass, MemberRefName, MemberRefSignature = 0, 1, 2

	CustomAttributeParent, CustomAttributeType, CustomAttributeValue = 0, 1, 2

	PropertyMapParent, PropertyMapList = 0, 1

	PropertyFlags, PropertyName, PropertyType = 0, 1, 2

	MethodSemanticsSemantics, MethodSemanticsMethod, MethodSemanticsAssociation = 0, 1, 2

	AssemblyRefName = 6
	AssemblyName    = 7
)

// sizes holds the byte width of every column kind for a given set of row
// counts and heap sizes.
type sizes struct {
	str, guid, blob int
	table           [numTables]int
	coded           [numCoded]int
}

func computeSizes(rows *[numTables]uint32, heapSizes uint8) sizes {
	var s sizes
	s.str, s.guid, s.blob = heapIndexSize(heapSizes&0x01 != 0), heapIndexSize(heapSizes&0x02 != 0), heapIndexSize(heapSizes&0x04 != 0)
	for i := range s.table {
		if rows[i] >= 1<<16 {
			s.table[i] = 4
		} else {
			s.table[i] = 2
		}
	}
	for k, ci := range codedIndexes {
		var most uint32
		for _, t := range ci.tables {
			if t >= 0 && rows[t] > most {
				most = rows[t]
			}
		}
		if most >= 1<<(16-ci.bits) {
			s.coded[k] = 4
		} else {
			s.coded[k] = 2
		}
	}
	return s
}

func heapIndexSize(large bool) int {
	if large {
		return 4
	}
	return 2
}

func (s *sizes) of(c column) int {
	switch c.kind {
	case colU16:
		return 2
	case colU32:
		return 4
	case colString:
		return s.str
	case colGUID:
		return s.guid
	case colBlob:
		return s.blob
	case colTable:
		return s.table[c.ref]
	case colCoded:
		return s.coded[c.ref]
	}
	panic("cil: unknown column kind")
}
