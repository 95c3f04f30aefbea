package pe

import (
	"encoding/binary"
	"fmt"

	"github.com/provide-io/rpe/pkg/rpeerrors"
)

// Variant distinguishes the two optional-header layouts. The data
// directory and section table sit at a different offset in each, since
// PE32+ widens several address-sized fields and drops BaseOfData.
type Variant int

const (
	PE32 Variant = iota
	PE32Plus
)

func (v Variant) String() string {
	if v == PE32Plus {
		return "PE32+"
	}
	return "PE32"
}

const (
	magicPE32     = 0x10B
	magicPE32Plus = 0x20B

	dosHeaderSize  = 64
	e_lfanewOffset = 0x3C
	ntSignatureLen = 4 // "PE\0\0"
	coffHeaderSize = 20

	// Offsets within the 20-byte COFF (file) header.
	coffMachineOff          = 0
	coffNumSectionsOff      = 2
	coffTimeDateStampOff    = 4
	coffSizeOptHeaderOff    = 16
	coffCharacteristicsOff  = 18

	// Offsets within the optional header, identical between variants
	// up to and including CheckSum.
	optMagicOff    = 0
	optCheckSumOff = 64

	// Size of the "standard fields" portion of the optional header,
	// which is 4 bytes shorter in PE32+ (no BaseOfData).
	optStandardFieldsSizePE32     = 28
	optStandardFieldsSizePE32Plus = 24

	// Size of the NT-additional-fields portion, which is 20 bytes
	// longer in PE32+ (ImageBase plus the four stack/heap fields each
	// widen from 4 to 8 bytes: +4 +4*4 = +20).
	optNTFieldsSizePE32     = 68
	optNTFieldsSizePE32Plus = 88

	dataDirEntrySize = 8
	maxDataDirs      = 16
	sectionHeaderSize = 40

	// Well-known data directory entry indices.
	DirExport   = 0
	DirResource = 2
	DirDebug    = 6

	// DebugEntry.Type for a CodeView record.
	DebugTypeCodeView = 2

	sectionNameOff   = 0
	sectionNameLen   = 8
	sectionVSizeOff  = 8
	sectionVAddrOff  = 12
	sectionRawSizeOff = 16
	sectionRawPtrOff = 20
	sectionCharsOff  = 36
)

type section struct {
	virtualAddress uint32
	virtualSize    uint32
	rawSize        uint32
	pointerToRaw   uint32
}

// View is an immutable traversal over a mapped PE buffer: a bundle of
// header offsets validated once at Open; data directory entries are
// read from buf on each HasDataDir/DataDir call. All accessor methods
// are bounds-checked against buf's length.
type View struct {
	buf []byte

	fileHeaderOff int64
	optHeaderOff  int64
	variant       Variant
	sizeOptHeader uint16
	numSections   uint16
	dataDirsOff   int64
	numDataDirs   uint32
	sectionTblOff int64
	sections      []section

	// TimestampConst is the reproducible timestamp literal
	// (0x4B8CE2C7, 2010-03-02T10:04:55Z) that every TimeDateStamp /
	// CheckSum field is patched to.
	TimestampConst uint32
	timestampBytes [4]byte

	// PdbSignature is filled in by SkipChecksum once enumeration
	// completes; Patches referencing the CV_INFO_PDB70.Signature field
	// point at PdbSignature[:], so writing into it after the patch was
	// registered is what the committed patch deposits.
	PdbSignature [16]byte

	// PdbAge is the literal Age value (1) every CV_INFO_PDB70.Age field
	// is patched to.
	PdbAge      uint32
	pdbAgeBytes [4]byte
}

// TimestampBytes returns the little-endian encoding of TimestampConst,
// suitable as a Patch source.
func (v *View) TimestampBytes() []byte { return v.timestampBytes[:] }

// PdbSignatureBytes returns a slice over PdbSignature, suitable as a
// Patch source whose contents are filled in after the patch is added.
func (v *View) PdbSignatureBytes() []byte { return v.PdbSignature[:] }

// PdbAgeBytes returns the little-endian encoding of PdbAge, suitable as
// a Patch source.
func (v *View) PdbAgeBytes() []byte { return v.pdbAgeBytes[:] }

// Open validates buf as a PE image and returns a View over it. No byte
// past buf's length is ever read; every derived offset is checked
// in-bounds before use.
func Open(buf []byte) (*View, error) {
	if len(buf) < dosHeaderSize {
		return nil, invalidf("file shorter than a DOS header (%d bytes)", len(buf))
	}
	if buf[0] != 'M' || buf[1] != 'Z' {
		return nil, invalidf("missing MZ signature")
	}

	lfanew := int64(binary.LittleEndian.Uint32(buf[e_lfanewOffset : e_lfanewOffset+4]))
	if lfanew < 0 || lfanew+ntSignatureLen+coffHeaderSize > int64(len(buf)) {
		return nil, invalidf("e_lfanew 0x%x places NT headers out of bounds", lfanew)
	}

	sig := buf[lfanew : lfanew+ntSignatureLen]
	if sig[0] != 'P' || sig[1] != 'E' || sig[2] != 0 || sig[3] != 0 {
		return nil, invalidf("missing PE\\0\\0 signature at 0x%x", lfanew)
	}

	fileHeaderOff := lfanew + ntSignatureLen
	coff := buf[fileHeaderOff : fileHeaderOff+coffHeaderSize]
	numSections := binary.LittleEndian.Uint16(coff[coffNumSectionsOff:])
	sizeOptHeader := binary.LittleEndian.Uint16(coff[coffSizeOptHeaderOff:])

	if sizeOptHeader < 2 {
		return nil, invalidf("SizeOfOptionalHeader %d too small", sizeOptHeader)
	}

	optHeaderOff := fileHeaderOff + coffHeaderSize
	if optHeaderOff+int64(sizeOptHeader) > int64(len(buf)) {
		return nil, invalidf("optional header (size %d at 0x%x) out of bounds", sizeOptHeader, optHeaderOff)
	}

	magic := binary.LittleEndian.Uint16(buf[optHeaderOff+optMagicOff:])

	v := &View{
		buf:            buf,
		fileHeaderOff:  fileHeaderOff,
		optHeaderOff:   optHeaderOff,
		sizeOptHeader:  sizeOptHeader,
		numSections:    numSections,
		TimestampConst: ReproducibleTimestamp,
		PdbAge:         1,
	}
	binary.LittleEndian.PutUint32(v.timestampBytes[:], v.TimestampConst)
	binary.LittleEndian.PutUint32(v.pdbAgeBytes[:], v.PdbAge)

	var standardSize, ntFieldsSize int64
	switch magic {
	case magicPE32:
		v.variant = PE32
		standardSize, ntFieldsSize = optStandardFieldsSizePE32, optNTFieldsSizePE32
	case magicPE32Plus:
		v.variant = PE32Plus
		standardSize, ntFieldsSize = optStandardFieldsSizePE32Plus, optNTFieldsSizePE32Plus
	default:
		return nil, invalidf("unknown optional header magic 0x%x", magic)
	}

	v.dataDirsOff = optHeaderOff + standardSize + ntFieldsSize
	if v.dataDirsOff > optHeaderOff+int64(sizeOptHeader) {
		return nil, invalidf("data directory offset 0x%x exceeds declared optional header size", v.dataDirsOff)
	}

	remaining := int64(sizeOptHeader) - (standardSize + ntFieldsSize)
	numDirs := remaining / dataDirEntrySize
	if numDirs > maxDataDirs {
		numDirs = maxDataDirs
	}
	if numDirs < 0 {
		numDirs = 0
	}
	v.numDataDirs = uint32(numDirs)

	v.sectionTblOff = optHeaderOff + int64(sizeOptHeader)
	sectionTblEnd := v.sectionTblOff + int64(numSections)*sectionHeaderSize
	if sectionTblEnd > int64(len(buf)) {
		return nil, invalidf("section table (%d sections at 0x%x) out of bounds", numSections, v.sectionTblOff)
	}

	v.sections = make([]section, numSections)
	for i := 0; i < int(numSections); i++ {
		off := v.sectionTblOff + int64(i)*sectionHeaderSize
		hdr := buf[off : off+sectionHeaderSize]
		v.sections[i] = section{
			virtualAddress: binary.LittleEndian.Uint32(hdr[sectionVAddrOff:]),
			virtualSize:    binary.LittleEndian.Uint32(hdr[sectionVSizeOff:]),
			rawSize:        binary.LittleEndian.Uint32(hdr[sectionRawSizeOff:]),
			pointerToRaw:   binary.LittleEndian.Uint32(hdr[sectionRawPtrOff:]),
		}
	}

	return v, nil
}

// Variant reports whether the image is PE32 or PE32+.
func (v *View) Variant() Variant { return v.variant }

// Buf returns the underlying buffer the view was opened over.
func (v *View) Buf() []byte { return v.buf }

// FileHeaderOffset returns the absolute offset of the 20-byte COFF
// file header.
func (v *View) FileHeaderOffset() int64 { return v.fileHeaderOff }

// TimeDateStampOffset returns the absolute offset of
// FILE_HEADER.TimeDateStamp.
func (v *View) TimeDateStampOffset() int64 {
	return v.fileHeaderOff + coffTimeDateStampOff
}

// CheckSumOffset returns the absolute offset of OPTIONAL_HEADER.CheckSum.
func (v *View) CheckSumOffset() int64 {
	return v.optHeaderOff + optCheckSumOff
}

// ValidRef reports whether the byte range [off, off+size) lies fully
// inside the mapped buffer.
func (v *View) ValidRef(off, size int64) bool {
	if off < 0 || size < 0 {
		return false
	}
	end := off + size
	return end >= off && end <= int64(len(v.buf))
}

// rvaToFileOffset translates a relative virtual address into an
// absolute file offset using the section table, the same linear-scan
// lookup every hand-rolled PE parser in the corpus uses.
func (v *View) rvaToFileOffset(rva uint32) (int64, bool) {
	for _, s := range v.sections {
		if rva >= s.virtualAddress && rva < s.virtualAddress+s.virtualSize {
			delta := rva - s.virtualAddress
			return int64(s.pointerToRaw) + int64(delta), true
		}
	}
	return 0, false
}

// HasDataDir reports whether data directory entry id is present with a
// nonzero size, without resolving its RVA. A directory that is simply
// absent (the PE declared fewer directories, or this one's size is
// zero) is a normal, common case — not an error — so callers deciding
// whether to patch an optional directory's timestamp should check this
// before calling DataDir.
func (v *View) HasDataDir(id int) bool {
	if id < 0 || uint32(id) >= v.numDataDirs {
		return false
	}
	entryOff := v.dataDirsOff + int64(id)*dataDirEntrySize
	if !v.ValidRef(entryOff, dataDirEntrySize) {
		return false
	}
	size := binary.LittleEndian.Uint32(v.buf[entryOff+4:])
	return size != 0
}

// DataDir resolves data directory entry id to an absolute file
// (offset, size) pair. It fails if the entry doesn't exist, has zero
// size, its RVA doesn't lie in any section, or the resulting file
// range would exceed the buffer.
func (v *View) DataDir(id int) (off int64, size uint32, err error) {
	if id < 0 || uint32(id) >= v.numDataDirs {
		return 0, 0, invalidf("data directory %d not present (only %d entries)", id, v.numDataDirs)
	}

	entryOff := v.dataDirsOff + int64(id)*dataDirEntrySize
	if !v.ValidRef(entryOff, dataDirEntrySize) {
		return 0, 0, invalidf("data directory %d entry out of bounds", id)
	}

	rva := binary.LittleEndian.Uint32(v.buf[entryOff:])
	sz := binary.LittleEndian.Uint32(v.buf[entryOff+4:])
	if sz == 0 {
		return 0, 0, invalidf("data directory %d has zero size", id)
	}

	fileOff, ok := v.rvaToFileOffset(rva)
	if !ok {
		return 0, 0, invalidf("data directory %d RVA 0x%x not in any section", id, rva)
	}
	if !v.ValidRef(fileOff, int64(sz)) {
		return 0, 0, invalidf("data directory %d (off 0x%x size %d) out of bounds", id, fileOff, sz)
	}

	return fileOff, sz, nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", rpeerrors.ErrInvalidImage, fmt.Sprintf(format, args...))
}
