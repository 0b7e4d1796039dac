package cil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

const metadataSignature = 0x424A5342

type stream struct {
	name string
	data []byte
}

// metadata is the decoded ECMA-335 II.24 metadata of an image.
type metadata struct {
	major, minor uint16
	version      []byte // null padded to a multiple of 4
	flags        uint16
	streams      []*stream

	tblMajor, tblMinor uint8
	heapSizes          uint8
	sorted             uint64
	extra              []byte

	rows [numTables][][]uint32

	strings, blob, guid, us heap
}

func parseMetadata(b []byte) (*metadata, error) {
	if len(b) < 20 || binary.LittleEndian.Uint32(b) != metadataSignature {
		return nil, errors.New("invalid metadata signature")
	}
	m := &metadata{
		major: binary.LittleEndian.Uint16(b[4:]),
		minor: binary.LittleEndian.Uint16(b[6:]),
	}
	vlen := int(binary.LittleEndian.Uint32(b[12:]))
	p := 16 + vlen
	if vlen < 0 || p+4 > len(b) {
		return nil, errors.Errorf("metadata version length %d out of range", vlen)
	}
	m.version = append([]byte(nil), b[16:p]...)
	m.flags = binary.LittleEndian.Uint16(b[p:])
	n := int(binary.LittleEndian.Uint16(b[p+2:]))
	p += 4

	var tables []byte
	for i := 0; i < n; i++ {
		if p+8 > len(b) {
			return nil, errors.New("stream header truncated")
		}
		off := binary.LittleEndian.Uint32(b[p:])
		size := binary.LittleEndian.Uint32(b[p+4:])
		p += 8
		end := bytes.IndexByte(b[p:], 0)
		if end < 0 {
			return nil, errors.New("unterminated stream name")
		}
		name := string(b[p : p+end])
		p += int(roundUp(uint32(end+1), 4))
		if uint64(off)+uint64(size) > uint64(len(b)) {
			return nil, errors.Errorf("stream %s (%#x+%#x) past end of metadata", name, off, size)
		}
		data := b[off : off+size]
		m.streams = append(m.streams, &stream{name: name, data: data})
		switch name {
		case "#~":
			tables = data
		case "#-":
			return nil, errors.New("uncompressed metadata tables (#-) are not supported")
		case "#Strings":
			m.strings.data = append([]byte(nil), data...)
		case "#Blob":
			m.blob.data = append([]byte(nil), data...)
		case "#GUID":
			m.guid.data = append([]byte(nil), data...)
		case "#US":
			m.us.data = append([]byte(nil), data...)
		}
	}
	if tables == nil {
		return nil, errors.New("no #~ stream")
	}
	if err := m.parseTables(tables); err != nil {
		return nil, errors.Wrap(err, "parse #~ stream")
	}
	return m, nil
}

func (m *metadata) parseTables(b []byte) error {
	if len(b) < 24 {
		return errors.New("header truncated")
	}
	m.tblMajor, m.tblMinor = b[4], b[5]
	m.heapSizes = b[6]
	valid := binary.LittleEndian.Uint64(b[8:])
	m.sorted = binary.LittleEndian.Uint64(b[16:])
	if valid>>numTables != 0 {
		return errors.Errorf("unsupported tables present (valid mask %#x)", valid)
	}

	p := 24
	var counts [numTables]uint32
	for t := 0; t < numTables; t++ {
		if valid&(1<<t) == 0 {
			continue
		}
		if p+4 > len(b) {
			return errors.New("row counts truncated")
		}
		counts[t] = binary.LittleEndian.Uint32(b[p:])
		p += 4
	}
	if m.heapSizes&0x40 != 0 {
		if p+4 > len(b) {
			return errors.New("extra data truncated")
		}
		m.extra = append([]byte(nil), b[p:p+4]...)
		p += 4
	}

	sz := computeSizes(&counts, m.heapSizes)
	for t := 0; t < numTables; t++ {
		cols := schema[t]
		rowSize := 0
		for _, c := range cols {
			rowSize += sz.of(c)
		}
		if uint64(p)+uint64(counts[t])*uint64(rowSize) > uint64(len(b)) {
			return errors.Errorf("table %#x (%d rows) past end of stream", t, counts[t])
		}
		m.rows[t] = make([][]uint32, counts[t])
		for r := range m.rows[t] {
			row := make([]uint32, len(cols))
			for i, c := range cols {
				switch sz.of(c) {
				case 2:
					row[i] = uint32(binary.LittleEndian.Uint16(b[p:]))
				case 4:
					row[i] = binary.LittleEndian.Uint32(b[p:])
				}
				p += sz.of(c)
			}
			m.rows[t][r] = row
		}
	}
	return nil
}

func (m *metadata) counts() *[numTables]uint32 {
	var c [numTables]uint32
	for t := range m.rows {
		c[t] = uint32(len(m.rows[t]))
	}
	return &c
}

// encodeTables serializes the #~ stream. Index widths are recomputed from
// the current row counts and heap sizes.
func (m *metadata) encodeTables(methodRVA map[uint32]uint32) []byte {
	hs := m.heapSizes &^ 0x07
	if len(m.strings.data) >= 1<<16 {
		hs |= 0x01
	}
	if len(m.guid.data)/16 >= 1<<16 {
		hs |= 0x02
	}
	if len(m.blob.data) >= 1<<16 {
		hs |= 0x04
	}
	counts := m.counts()
	sz := computeSizes(counts, hs)

	var valid uint64
	for t, n := range counts {
		if n != 0 {
			valid |= 1 << t
		}
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	var hdr [24]byte
	hdr[4], hdr[5], hdr[6], hdr[7] = m.tblMajor, m.tblMinor, hs, 1
	le.PutUint64(hdr[8:], valid)
	le.PutUint64(hdr[16:], m.sorted)
	buf.Write(hdr[:])
	for _, n := range counts {
		if n != 0 {
			buf.Write(le.AppendUint32(nil, n))
		}
	}
	if hs&0x40 != 0 {
		buf.Write(m.extra)
	}
	for t := 0; t < numTables; t++ {
		for r, row := range m.rows[t] {
			for i, c := range schema[t] {
				v := row[i]
				if t == TableMethodDef && i == MethodDefRVA {
					if rva, ok := methodRVA[uint32(r+1)]; ok {
						v = rva
					}
				}
				if sz.of(c) == 2 {
					buf.Write(le.AppendUint16(nil, uint16(v)))
				} else {
					buf.Write(le.AppendUint32(nil, v))
				}
			}
		}
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// encode serializes the metadata root and all streams.
func (m *metadata) encode(methodRVA map[uint32]uint32) []byte {
	datas := make([][]byte, len(m.streams))
	for i, s := range m.streams {
		switch s.name {
		case "#~":
			datas[i] = m.encodeTables(methodRVA)
		case "#Strings":
			datas[i] = m.strings.padded()
		case "#Blob":
			datas[i] = m.blob.padded()
		case "#GUID":
			datas[i] = m.guid.data
		case "#US":
			datas[i] = m.us.padded()
		default:
			datas[i] = s.data
		}
	}

	hdrSize := 16 + len(m.version) + 4
	for _, s := range m.streams {
		hdrSize += 8 + int(roundUp(uint32(len(s.name)+1), 4))
	}

	le := binary.LittleEndian
	var buf bytes.Buffer
	buf.Write(le.AppendUint32(nil, metadataSignature))
	buf.Write(le.AppendUint16(nil, m.major))
	buf.Write(le.AppendUint16(nil, m.minor))
	buf.Write(le.AppendUint32(nil, 0))
	buf.Write(le.AppendUint32(nil, uint32(len(m.version))))
	buf.Write(m.version)
	buf.Write(le.AppendUint16(nil, m.flags))
	buf.Write(le.AppendUint16(nil, uint16(len(m.streams))))
	off := uint32(hdrSize)
	for i, s := range m.streams {
		buf.Write(le.AppendUint32(nil, off))
		buf.Write(le.AppendUint32(nil, uint32(len(datas[i]))))
		name := make([]byte, roundUp(uint32(len(s.name)+1), 4))
		copy(name, s.name)
		buf.Write(name)
		off += roundUp(uint32(len(datas[i])), 4)
	}
	for _, d := range datas {
		buf.Write(d)
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

func (m *metadata) addGUID(g [16]byte) uint32 {
	m.guid.data = append(m.guid.data, g[:]...)
	return uint32(len(m.guid.data) / 16)
}

// RowCount returns the number of rows in a metadata table.
func (img *Image) RowCount(table int) int {
	return len(img.md.rows[table])
}

// Row returns a copy of the column values of a 1-based row.
func (img *Image) Row(table int, rid uint32) []uint32 {
	if rid == 0 || int(rid) > len(img.md.rows[table]) {
		return nil
	}
	return append([]uint32(nil), img.md.rows[table][rid-1]...)
}

// SetCell replaces a single column value.
func (img *Image) SetCell(table int, rid uint32, col int, v uint32) {
	img.md.rows[table][rid-1][col] = v
	img.view = nil
}

// AddRow appends a row to a table and returns its row id.
func (img *Image) AddRow(table int, cols ...uint32) uint32 {
	if len(cols) != len(schema[table]) {
		panic(fmt.Sprintf("cil: table %#x has %d columns, got %d", table, len(schema[table]), len(cols)))
	}
	img.md.rows[table] = append(img.md.rows[table], append([]uint32(nil), cols...))
	img.view = nil
	return uint32(len(img.md.rows[table]))
}

// InsertRowSorted inserts a row into a table kept sorted by the key column,
// after any existing rows with an equal key, and returns its row id. Only
// tables whose rows are not referenced by other tables may be used.
func (img *Image) InsertRowSorted(table, key int, cols ...uint32) uint32 {
	if len(cols) != len(schema[table]) {
		panic(fmt.Sprintf("cil: table %#x has %d columns, got %d", table, len(schema[table]), len(cols)))
	}
	rows := img.md.rows[table]
	i := sort.Search(len(rows), func(i int) bool { return rows[i][key] > cols[key] })
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = append([]uint32(nil), cols...)
	img.md.rows[table] = rows
	img.md.sorted |= 1 << table
	img.view = nil
	return uint32(i + 1)
}

// String returns a #Strings heap entry.
func (img *Image) String(idx uint32) (string, error) {
	return img.md.strings.str(idx)
}

// Blob returns a #Blob heap entry.
func (img *Image) Blob(idx uint32) ([]byte, error) {
	return img.md.blob.blob(idx)
}

// AddString adds s to the #Strings heap, reusing an existing entry.
func (img *Image) AddString(s string) uint32 {
	return img.md.strings.addString(s)
}

// AddBlob appends b to the #Blob heap.
func (img *Image) AddBlob(b []byte) uint32 {
	return img.md.blob.addBlob(b)
}

// UserStringHeap returns the raw #US heap.
func (img *Image) UserStringHeap() []byte {
	return img.md.us.data
}

// AddUserString appends s to the #US heap and returns the token an ldstr
// instruction uses to load it.
func (img *Image) AddUserString(s string) (Token, error) {
	rec, err := EncodeUserString(s)
	if err != nil {
		return 0, err
	}
	if len(img.md.us.data) == 0 {
		img.md.us.data = []byte{0}
	}
	off := len(img.md.us.data)
	if off >= 1<<24 {
		return 0, errors.New("#US heap full")
	}
	img.md.us.data = append(img.md.us.data, rec...)
	return NewToken(TableUserString, uint32(off)), nil
}
