// Package fixtures builds minimal, valid PE32/PE32+ images in memory
// for tests: just enough DOS/NT/COFF/optional header and section table
// to satisfy pe.Open, with an optional Export directory, Resource
// directory, and CodeView debug entry placed in a single data section.
package fixtures

import (
	"encoding/binary"

	"github.com/provide-io/rpe/pkg/pe"
)

const (
	dosHeaderSize  = 64
	e_lfanewOffset = 0x3C
	coffHeaderSize = 20
	sectionHeaderSize = 40

	exportDirSize   = 40
	resourceDirSize = 16
	debugEntrySize  = 28
	cvInfoFixedSize = 24
)

// Options describes which optional records a built image should carry.
type Options struct {
	Variant pe.Variant

	IncludeExport      bool
	ExportTimeDateStamp uint32 // defaults to a nonzero placeholder if IncludeExport and left 0

	IncludeResource      bool
	ResourceTimeDateStamp uint32

	// IncludeDebugCodeView adds one IMAGE_DEBUG_DIRECTORY entry of type
	// CodeView, pointing at a CV_INFO_PDB70 record carrying Sig/Age/PdbPath.
	IncludeDebugCodeView bool
	DebugTimeDateStamp   uint32
	Sig                  [16]byte
	Age                  uint32
	PdbPath              string

	// TwoCodeViewEntries, if set, emits two CodeView debug entries (each
	// with its own valid CV_INFO_PDB70 record) instead of one, for
	// exercising the "multiple CodeView entries" failure case.
	// IncludeDebugCodeView is ignored when this is set.
	TwoCodeViewEntries bool

	// ExtraDebugEntries, if set, is the number of additional non-CodeView
	// debug entries (each with a nonzero TimeDateStamp) to emit before the
	// CodeView entry, exercising the "patch every entry's timestamp"
	// requirement independently of the CodeView-specific handling.
	ExtraDebugEntries int
}

// Build returns a complete PE image honoring opts. Exactly one section,
// named ".test", holds whichever optional records are requested; the
// data directories and section raw pointers are wired to point at them.
func Build(opts Options) []byte {
	standardSize, ntFieldsSize := int64(28), int64(68)
	if opts.Variant == pe.PE32Plus {
		standardSize, ntFieldsSize = 24, 88
	}
	const numDataDirs = 16
	sizeOptHeader := standardSize + ntFieldsSize + numDataDirs*8

	lfanew := int64(dosHeaderSize)
	fileHeaderOff := lfanew + 4
	optHeaderOff := fileHeaderOff + coffHeaderSize
	dataDirsOff := optHeaderOff + standardSize + ntFieldsSize
	sectionTblOff := optHeaderOff + sizeOptHeader
	sectionRawOff := sectionTblOff + sectionHeaderSize

	// Lay out the section's contents.
	var body []byte
	var exportOff, resourceOff int64
	var debugEntries []debugEntryPlan

	cursor := int64(0)
	if opts.IncludeExport {
		exportOff = cursor
		body = append(body, make([]byte, exportDirSize)...)
		ts := opts.ExportTimeDateStamp
		if ts == 0 {
			ts = 0x50000000
		}
		binary.LittleEndian.PutUint32(body[exportOff+4:], ts)
		cursor += exportDirSize
	}
	if opts.IncludeResource {
		resourceOff = cursor
		body = append(body, make([]byte, resourceDirSize)...)
		ts := opts.ResourceTimeDateStamp
		if ts == 0 {
			ts = 0x50000001
		}
		binary.LittleEndian.PutUint32(body[resourceOff+4:], ts)
		cursor += resourceDirSize
	}
	for i := 0; i < opts.ExtraDebugEntries; i++ {
		plan := debugEntryPlan{entryOff: cursor, debugType: 0x0d /* IMAGE_DEBUG_TYPE_POGO, not CodeView */}
		body = append(body, make([]byte, debugEntrySize)...)
		ts := uint32(0x50000002 + i)
		binary.LittleEndian.PutUint32(body[plan.entryOff+4:], ts)
		binary.LittleEndian.PutUint32(body[plan.entryOff+12:], plan.debugType)
		cursor += debugEntrySize
		debugEntries = append(debugEntries, plan)
	}
	type cvPlan struct {
		entryOff int64
		cvOff    int64
		cvSize   int
	}
	var codeViews []cvPlan

	numCodeViews := 0
	if opts.IncludeDebugCodeView {
		numCodeViews = 1
	}
	if opts.TwoCodeViewEntries {
		numCodeViews = 2
	}
	for i := 0; i < numCodeViews; i++ {
		entryOff := cursor
		body = append(body, make([]byte, debugEntrySize)...)
		ts := opts.DebugTimeDateStamp
		if ts == 0 {
			ts = 0x50000010
		}
		binary.LittleEndian.PutUint32(body[entryOff+4:], ts)
		binary.LittleEndian.PutUint32(body[entryOff+12:], 2) // IMAGE_DEBUG_TYPE_CODEVIEW
		cursor += debugEntrySize
		debugEntries = append(debugEntries, debugEntryPlan{entryOff: entryOff, debugType: 2})
		codeViews = append(codeViews, cvPlan{entryOff: entryOff})
	}
	// The CV_INFO_PDB70 records follow the whole entry array, so the
	// debug directory covers only contiguous IMAGE_DEBUG_DIRECTORY records.
	for i := range codeViews {
		cvOff := cursor
		name := append([]byte(opts.PdbPath), 0)
		cvSize := cvInfoFixedSize + len(name)
		cv := make([]byte, cvSize)
		copy(cv[0:4], "RSDS")
		copy(cv[4:20], opts.Sig[:])
		binary.LittleEndian.PutUint32(cv[20:24], opts.Age)
		copy(cv[24:], name)
		body = append(body, cv...)
		cursor += int64(cvSize)

		// SizeOfData/PointerToRawData are filled in below once the
		// section's file offset is known.
		codeViews[i].cvOff = cvOff
		codeViews[i].cvSize = cvSize
	}

	sectionRawSize := alignUp(int64(len(body)), 16)
	body = append(body, make([]byte, sectionRawSize-int64(len(body)))...)

	const sectionVA = 0x1000
	totalSize := sectionRawOff + sectionRawSize
	buf := make([]byte, totalSize)

	// DOS header.
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[e_lfanewOffset:], uint32(lfanew))

	// NT signature + COFF header.
	copy(buf[lfanew:], "PE\x00\x00")
	coff := buf[fileHeaderOff : fileHeaderOff+coffHeaderSize]
	machine := uint16(0x14c)
	if opts.Variant == pe.PE32Plus {
		machine = 0x8664
	}
	binary.LittleEndian.PutUint16(coff[0:], machine)
	binary.LittleEndian.PutUint16(coff[2:], 1) // NumberOfSections
	binary.LittleEndian.PutUint32(coff[4:], 0x40000000) // FILE_HEADER.TimeDateStamp, placeholder
	binary.LittleEndian.PutUint16(coff[16:], uint16(sizeOptHeader))
	binary.LittleEndian.PutUint16(coff[18:], 0x0102) // Characteristics: EXECUTABLE_IMAGE | RELOCS_STRIPPED

	// Optional header.
	opt := buf[optHeaderOff : optHeaderOff+sizeOptHeader]
	magic := uint16(0x10B)
	if opts.Variant == pe.PE32Plus {
		magic = 0x20B
	}
	binary.LittleEndian.PutUint16(opt[0:], magic)
	binary.LittleEndian.PutUint32(opt[64:], 0xABCDEF01) // CheckSum, placeholder (always patched)
	numRvaAndSizesOff := standardSize + ntFieldsSize - 4
	binary.LittleEndian.PutUint32(opt[numRvaAndSizesOff:], numDataDirs)

	// Data directories.
	putDataDir := func(id int, rva, size uint32) {
		off := int(dataDirsOff-optHeaderOff) + id*8
		binary.LittleEndian.PutUint32(opt[off:], rva)
		binary.LittleEndian.PutUint32(opt[off+4:], size)
	}
	if opts.IncludeExport {
		putDataDir(pe.DirExport, sectionVA+uint32(exportOff), exportDirSize)
	}
	if opts.IncludeResource {
		putDataDir(pe.DirResource, sectionVA+uint32(resourceOff), resourceDirSize)
	}
	if len(debugEntries) > 0 {
		putDataDir(pe.DirDebug, sectionVA+uint32(debugEntries[0].entryOff), uint32(len(debugEntries)*debugEntrySize))
	}

	// Section header.
	sec := buf[sectionTblOff : sectionTblOff+sectionHeaderSize]
	copy(sec[0:8], ".test")
	binary.LittleEndian.PutUint32(sec[8:], uint32(len(body)))   // VirtualSize
	binary.LittleEndian.PutUint32(sec[12:], sectionVA)          // VirtualAddress
	binary.LittleEndian.PutUint32(sec[16:], uint32(len(body)))  // SizeOfRawData
	binary.LittleEndian.PutUint32(sec[20:], uint32(sectionRawOff)) // PointerToRawData
	binary.LittleEndian.PutUint32(sec[36:], 0x40000040)         // Characteristics: CNT_INITIALIZED_DATA | READ

	// Fix up each CV_INFO_PDB70's PointerToRawData/SizeOfData now that
	// the section's file offset is known, and copy the section body in.
	copy(buf[sectionRawOff:], body)
	for _, cv := range codeViews {
		entryAbsOff := sectionRawOff + cv.entryOff
		binary.LittleEndian.PutUint32(buf[entryAbsOff+16:], uint32(cv.cvSize))            // SizeOfData
		binary.LittleEndian.PutUint32(buf[entryAbsOff+24:], uint32(sectionRawOff+cv.cvOff)) // PointerToRawData
	}

	return buf
}

type debugEntryPlan struct {
	entryOff  int64
	debugType uint32
}

func alignUp(v, align int64) int64 {
	if v%align == 0 {
		return v
	}
	return v + (align - v%align)
}
