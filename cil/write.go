package cil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// NewSectionName is the name of the section WriteTo appends.
const NewSectionName = ".ilpatch"

const (
	sectionCharacteristics  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	cliFlagStrongNameSigned = 0x08
)

// buildSection lays out the replacement method bodies followed by the
// metadata, starting prefix bytes into a section at rva. It returns the
// section contents (prefix zeroed) and the offset and size of the metadata.
func buildSection(rva uint32, prefix int, md *metadata, bodies map[uint32][]byte) ([]byte, int, int) {
	var buf bytes.Buffer
	buf.Write(make([]byte, prefix))

	rids := make([]uint32, 0, len(bodies))
	for rid := range bodies {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	methodRVA := make(map[uint32]uint32, len(rids))
	for _, rid := range rids {
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
		methodRVA[rid] = rva + uint32(buf.Len())
		buf.Write(bodies[rid])
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	mdOff := buf.Len()
	enc := md.encode(methodRVA)
	buf.Write(enc)
	return buf.Bytes(), mdOff, len(enc)
}

// WriteTo writes the modified image to w. The original bytes are kept and a
// new section holding the rewritten method bodies and the rebuilt metadata is
// appended. The checksum, the certificate directory and the strong name flag
// are cleared since they no longer match.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	out, err := img.rebuild()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(out)
	return int64(n), err
}

func (img *Image) rebuild() ([]byte, error) {
	le := binary.LittleEndian
	nsec := len(img.sections)
	hdrEnd := uint32(img.secOff + (nsec+1)*40)
	if hdrEnd > img.sizeOfHdrs {
		return nil, errors.New("no room for another section header")
	}
	var va uint32
	for _, s := range img.sections {
		size := s.VirtualSize
		if s.SizeOfRawData > size {
			size = s.SizeOfRawData
		}
		if end := roundUp(s.VirtualAddress+size, img.sectAlign); end > va {
			va = end
		}
		if s.PointerToRawData != 0 && s.SizeOfRawData != 0 && hdrEnd > s.PointerToRawData {
			return nil, errors.New("no room for another section header before section data")
		}
	}

	content, mdOff, mdSize := buildSection(va, 0, img.md, img.bodies)
	rawPtr := roundUp(uint32(len(img.raw)), img.fileAlign)
	rawSize := roundUp(uint32(len(content)), img.fileAlign)

	out := make([]byte, rawPtr+rawSize)
	copy(out, img.raw)
	copy(out[rawPtr:], content)

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(content)),
		VirtualAddress:   va,
		SizeOfRawData:    rawSize,
		PointerToRawData: rawPtr,
		Characteristics:  sectionCharacteristics,
	}
	copy(sh.Name[:], NewSectionName)
	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &sh); err != nil {
		return nil, errors.Wrap(err, "encode section header")
	}
	copy(out[img.secOff+nsec*40:], hdr.Bytes())

	le.PutUint16(out[img.peOff+2:], uint16(nsec+1))
	le.PutUint32(out[img.optOff+56:], roundUp(va+uint32(len(content)), img.sectAlign))
	le.PutUint32(out[img.optOff+8:], le.Uint32(out[img.optOff+8:])+rawSize)
	le.PutUint32(out[img.optOff+64:], 0)
	if img.numDirs > dirSecurity {
		le.PutUint64(out[img.dirOff(dirSecurity):], 0)
	}

	le.PutUint32(out[img.cliOff+8:], va+uint32(mdOff))
	le.PutUint32(out[img.cliOff+12:], uint32(mdSize))
	flags := le.Uint32(out[img.cliOff+16:])
	le.PutUint32(out[img.cliOff+16:], flags&^cliFlagStrongNameSigned)
	return out, nil
}
