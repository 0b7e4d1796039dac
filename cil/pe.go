package cil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// Data directory slots used by this package (ECMA-335 II.25.2.3.3).
const (
	dirSecurity = 4
	dirCLI      = 14
)

// Image is a managed PE image held in memory.
type Image struct {
	raw []byte

	peOff      int // offset of the COFF file header
	optOff     int // offset of the optional header
	pe32plus   bool
	numDirs    uint32
	secOff     int // offset of the section table
	sections   []pe.SectionHeader32
	sectAlign  uint32
	fileAlign  uint32
	sizeOfHdrs uint32

	cliOff int // file offset of the CLI header
	md     *metadata

	bodies map[uint32][]byte // MethodDef rid -> replacement encoded body
	view   *view
}

// Open reads and parses the managed image at path.
func Open(path string) (*Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Load(buf)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	return img, nil
}

// Load parses a managed image from buf. The buffer is owned by the image
// afterwards and must not be modified.
func Load(buf []byte) (*Image, error) {
	img := &Image{raw: buf, bodies: map[uint32][]byte{}}
	if err := img.parseHeaders(); err != nil {
		return nil, errors.Wrap(err, "parse pe headers")
	}
	cli, err := img.dataDirectory(dirCLI)
	if err != nil {
		return nil, err
	}
	if cli.VirtualAddress == 0 || cli.Size < 72 {
		return nil, errors.New("not a managed image: no cli header")
	}
	off, err := img.RVAToOffset(cli.VirtualAddress)
	if err != nil {
		return nil, errors.Wrap(err, "locate cli header")
	}
	if int(off)+72 > len(buf) {
		return nil, errors.New("cli header truncated")
	}
	img.cliOff = int(off)

	mdRVA := binary.LittleEndian.Uint32(buf[img.cliOff+8:])
	mdSize := binary.LittleEndian.Uint32(buf[img.cliOff+12:])
	mdOff, err := img.RVAToOffset(mdRVA)
	if err != nil {
		return nil, errors.Wrap(err, "locate metadata")
	}
	if int(mdOff)+int(mdSize) > len(buf) {
		return nil, errors.Errorf("metadata (%#x+%#x) past end of file", mdOff, mdSize)
	}
	if img.md, err = parseMetadata(buf[mdOff : mdOff+mdSize]); err != nil {
		return nil, errors.Wrap(err, "parse metadata")
	}
	return img, nil
}

func (img *Image) parseHeaders() error {
	buf := img.raw
	if len(buf) < 0x40 || buf[0] != 'M' || buf[1] != 'Z' {
		return errors.New("invalid MZ header")
	}
	sig := int(binary.LittleEndian.Uint32(buf[0x3c:]))
	if sig < 0 || sig+24 > len(buf) || !bytes.Equal(buf[sig:sig+4], []byte{'P', 'E', 0, 0}) {
		return errors.Errorf("invalid PE signature at %#x", sig)
	}
	img.peOff = sig + 4
	nsec := int(binary.LittleEndian.Uint16(buf[img.peOff+2:]))
	optSize := int(binary.LittleEndian.Uint16(buf[img.peOff+16:]))
	img.optOff = img.peOff + 20
	if img.optOff+optSize > len(buf) {
		return errors.New("optional header truncated")
	}

	switch magic := binary.LittleEndian.Uint16(buf[img.optOff:]); magic {
	case 0x10b:
		img.numDirs = binary.LittleEndian.Uint32(buf[img.optOff+92:])
	case 0x20b:
		img.pe32plus = true
		img.numDirs = binary.LittleEndian.Uint32(buf[img.optOff+108:])
	default:
		return errors.Errorf("invalid optional header magic %#x", magic)
	}
	if img.numDirs <= dirCLI {
		return errors.Errorf("too few data directories (%d)", img.numDirs)
	}
	img.sectAlign = binary.LittleEndian.Uint32(buf[img.optOff+32:])
	img.fileAlign = binary.LittleEndian.Uint32(buf[img.optOff+36:])
	img.sizeOfHdrs = binary.LittleEndian.Uint32(buf[img.optOff+60:])
	if img.sectAlign == 0 || img.fileAlign == 0 {
		return errors.New("zero section or file alignment")
	}

	img.secOff = img.optOff + optSize
	img.sections = make([]pe.SectionHeader32, nsec)
	if img.secOff+nsec*40 > len(buf) {
		return errors.New("section table truncated")
	}
	if err := binary.Read(bytes.NewReader(buf[img.secOff:]), binary.LittleEndian, img.sections); err != nil {
		return errors.Wrap(err, "read section table")
	}
	return nil
}

func (img *Image) dirOff(i int) int {
	if img.pe32plus {
		return img.optOff + 112 + i*8
	}
	return img.optOff + 96 + i*8
}

func (img *Image) dataDirectory(i int) (pe.DataDirectory, error) {
	if uint32(i) >= img.numDirs {
		return pe.DataDirectory{}, errors.Errorf("no data directory %d", i)
	}
	off := img.dirOff(i)
	return pe.DataDirectory{
		VirtualAddress: binary.LittleEndian.Uint32(img.raw[off:]),
		Size:           binary.LittleEndian.Uint32(img.raw[off+4:]),
	}, nil
}

// RVAToOffset converts a relative virtual address into a file offset.
func (img *Image) RVAToOffset(rva uint32) (uint32, error) {
	for _, s := range img.sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			if rva-s.VirtualAddress >= s.SizeOfRawData {
				return 0, errors.Errorf("rva %#x is in the uninitialized part of a section", rva)
			}
			return rva - s.VirtualAddress + s.PointerToRawData, nil
		}
	}
	return 0, errors.Errorf("rva %#x is not in any section", rva)
}

// Bytes returns the unmodified image bytes.
func (img *Image) Bytes() []byte {
	return img.raw
}

func roundUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}
