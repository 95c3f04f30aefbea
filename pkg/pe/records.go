package pe

import (
	"bytes"
	"encoding/binary"
)

const (
	exportDirSize           = 40
	exportDirTimeDateStampOff = 4

	resourceDirSize           = 16
	resourceDirTimeDateStampOff = 4

	debugEntrySize             = 28
	debugEntryTimeDateStampOff = 4
	debugEntryTypeOff          = 12
	debugEntrySizeOfDataOff    = 16
	debugEntryPointerToRawOff  = 24

	cvInfoFixedSize  = 24 // CvSignature(4) + Signature(16) + Age(4), before the NUL-terminated name
	cvSignatureRSDS  = "RSDS"
	cvSignatureOff   = 0
	cvGUIDOff        = 4
	cvAgeOff         = 20
)

// ExportDirTimeDateStampOffset returns the absolute offset of
// IMAGE_EXPORT_DIRECTORY.TimeDateStamp within the Export data
// directory located at dirOff.
func ExportDirTimeDateStampOffset(dirOff int64) int64 {
	return dirOff + exportDirTimeDateStampOff
}

// ResourceDirTimeDateStampOffset returns the absolute offset of
// IMAGE_RESOURCE_DIRECTORY.TimeDateStamp within the Resource data
// directory located at dirOff.
func ResourceDirTimeDateStampOffset(dirOff int64) int64 {
	return dirOff + resourceDirTimeDateStampOff
}

// DebugEntry is one record in the IMAGE_DEBUG_DIRECTORY array.
type DebugEntry struct {
	// Offset is the absolute file offset of this entry, used to derive
	// patch destinations for its fields.
	Offset int64

	TimeDateStamp    uint32
	Type             uint32
	SizeOfData       uint32
	PointerToRawData uint32
}

// TimeDateStampOffset returns the absolute offset of this entry's
// TimeDateStamp field.
func (e DebugEntry) TimeDateStampOffset() int64 { return e.Offset + debugEntryTimeDateStampOff }

// DebugEntries decodes the Debug data directory's array of
// IMAGE_DEBUG_DIRECTORY records. It fails if size is not an exact
// multiple of the record size.
func (v *View) DebugEntries() ([]DebugEntry, error) {
	dirOff, size, err := v.DataDir(DirDebug)
	if err != nil {
		return nil, err
	}
	if size%debugEntrySize != 0 {
		return nil, invalidf("debug directory size %d is not a multiple of %d", size, debugEntrySize)
	}

	count := int(size) / debugEntrySize
	entries := make([]DebugEntry, count)
	for i := 0; i < count; i++ {
		off := dirOff + int64(i)*debugEntrySize
		raw := v.buf[off : off+debugEntrySize]
		entries[i] = DebugEntry{
			Offset:           off,
			TimeDateStamp:    binary.LittleEndian.Uint32(raw[debugEntryTimeDateStampOff:]),
			Type:             binary.LittleEndian.Uint32(raw[debugEntryTypeOff:]),
			SizeOfData:       binary.LittleEndian.Uint32(raw[debugEntrySizeOfDataOff:]),
			PointerToRawData: binary.LittleEndian.Uint32(raw[debugEntryPointerToRawOff:]),
		}
	}
	return entries, nil
}

// CvInfoPDB70 is the CodeView debug record binding a PE to its PDB.
type CvInfoPDB70 struct {
	// Offset is the absolute file offset of this record.
	Offset int64

	Signature [16]byte
	Age       uint32
	PdbPath   string
}

// SignatureOffset returns the absolute offset of CV_INFO_PDB70.Signature.
func (c CvInfoPDB70) SignatureOffset() int64 { return c.Offset + cvGUIDOff }

// AgeOffset returns the absolute offset of CV_INFO_PDB70.Age.
func (c CvInfoPDB70) AgeOffset() int64 { return c.Offset + cvAgeOff }

// ReadCvInfoPDB70 decodes a CV_INFO_PDB70 record at off, validating
// that the full fixed-size portion lies in bounds and that the magic
// equals "RSDS" before returning. The PDB filename is read up to its
// NUL terminator (or SizeOfData, whichever is shorter) but is not
// itself a patch target.
func (v *View) ReadCvInfoPDB70(off int64, sizeOfData uint32) (CvInfoPDB70, error) {
	if !v.ValidRef(off, cvInfoFixedSize) {
		return CvInfoPDB70{}, invalidf("CodeView record at 0x%x out of bounds", off)
	}

	raw := v.buf[off : off+cvInfoFixedSize]
	if string(raw[cvSignatureOff:cvSignatureOff+4]) != cvSignatureRSDS {
		return CvInfoPDB70{}, invalidf("CodeView record at 0x%x has unsupported signature %q", off, raw[0:4])
	}

	var entry CvInfoPDB70
	entry.Offset = off
	copy(entry.Signature[:], raw[cvGUIDOff:cvGUIDOff+16])
	entry.Age = binary.LittleEndian.Uint32(raw[cvAgeOff:])

	nameOff := off + cvInfoFixedSize
	nameMax := int64(sizeOfData) - cvInfoFixedSize
	if nameMax < 0 {
		nameMax = 0
	}
	if v.ValidRef(nameOff, nameMax) {
		name := v.buf[nameOff : nameOff+nameMax]
		if nul := bytes.IndexByte(name, 0); nul >= 0 {
			name = name[:nul]
		}
		entry.PdbPath = string(name)
	}

	return entry, nil
}
