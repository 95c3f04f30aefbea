package patcher_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/provide-io/rpe/pkg/msf"
	"github.com/provide-io/rpe/pkg/patcher"
	"github.com/provide-io/rpe/pkg/pe"
	"github.com/provide-io/rpe/pkg/pe/fixtures"
)

const testPageSize = 4096
const superblockMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

func buildPDBFile(t *testing.T, dir string, sig [16]byte, age uint32) string {
	t.Helper()

	header := make([]byte, 28)
	binary.LittleEndian.PutUint32(header[0:4], 20000404) // VC70
	binary.LittleEndian.PutUint32(header[4:8], 0x11111111)
	binary.LittleEndian.PutUint32(header[8:12], age)
	copy(header[12:28], sig[:])

	streams := [][]byte{nil, header}

	pages := [][]byte{make([]byte, testPageSize), make([]byte, testPageSize)}
	alloc := func(data []byte) []uint32 {
		if len(data) == 0 {
			return nil
		}
		n := (len(data) + testPageSize - 1) / testPageSize
		pns := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			page := make([]byte, testPageSize)
			start := i * testPageSize
			end := start + testPageSize
			if end > len(data) {
				end = len(data)
			}
			copy(page, data[start:end])
			pns = append(pns, uint32(len(pages)))
			pages = append(pages, page)
		}
		return pns
	}

	var sizes, pageLists []byte
	for _, s := range streams {
		b := make([]byte, 4)
		if s == nil {
			binary.LittleEndian.PutUint32(b, 0xFFFFFFFF)
			sizes = append(sizes, b...)
			continue
		}
		binary.LittleEndian.PutUint32(b, uint32(len(s)))
		sizes = append(sizes, b...)
		for _, pn := range alloc(s) {
			pb := make([]byte, 4)
			binary.LittleEndian.PutUint32(pb, pn)
			pageLists = append(pageLists, pb...)
		}
	}

	streamDir := make([]byte, 0, 4+len(sizes)+len(pageLists))
	numBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(numBuf, uint32(len(streams)))
	streamDir = append(streamDir, numBuf...)
	streamDir = append(streamDir, sizes...)
	streamDir = append(streamDir, pageLists...)

	dirPages := alloc(streamDir)
	require.LessOrEqual(t, len(dirPages)*4, testPageSize)

	pnMapPage := make([]byte, testPageSize)
	for i, pn := range dirPages {
		binary.LittleEndian.PutUint32(pnMapPage[i*4:i*4+4], pn)
	}
	pnMapPageNum := uint32(len(pages))
	pages = append(pages, pnMapPage)

	sb := make([]byte, testPageSize)
	copy(sb, superblockMagic)
	binary.LittleEndian.PutUint32(sb[32:36], testPageSize)
	binary.LittleEndian.PutUint32(sb[36:40], 1)
	binary.LittleEndian.PutUint32(sb[40:44], uint32(len(pages)))
	binary.LittleEndian.PutUint32(sb[44:48], uint32(len(streamDir)))
	binary.LittleEndian.PutUint32(sb[48:52], 0)
	binary.LittleEndian.PutUint32(sb[52:56], pnMapPageNum)
	pages[0] = sb

	var out []byte
	for _, p := range pages {
		out = append(out, p...)
	}

	path := filepath.Join(dir, "module.pdb")
	require.NoError(t, os.WriteFile(path, out, 0644))
	return path
}

func TestPatchImageWithPdbRewritesBoth(t *testing.T) {
	dir := t.TempDir()
	sig := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	imageBuf := fixtures.Build(fixtures.Options{
		Variant:              pe.PE32,
		IncludeExport:        true,
		IncludeResource:      true,
		IncludeDebugCodeView: true,
		Sig:                  sig,
		Age:                  5,
		PdbPath:              "module.pdb",
	})
	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))

	pdbPath := buildPDBFile(t, dir, sig, 5)

	require.NoError(t, patcher.PatchImage(imagePath, pdbPath, false, nil))

	patched, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	view, err := pe.Open(patched)
	require.NoError(t, err)
	require.Equal(t, pe.ReproducibleTimestamp, binary.LittleEndian.Uint32(patched[view.TimeDateStampOffset():]))
	require.Equal(t, pe.ReproducibleTimestamp, binary.LittleEndian.Uint32(patched[view.CheckSumOffset():]))

	entries, err := view.DebugEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	cv, err := view.ReadCvInfoPDB70(int64(entries[0].PointerToRawData), entries[0].SizeOfData)
	require.NoError(t, err)
	require.NotEqual(t, sig, cv.Signature, "signature must be rewritten to the derived reproducible value")
	require.EqualValues(t, 1, cv.Age)

	c, err := msf.Open(pdbPath)
	require.NoError(t, err)
	headerBytes, err := c.Stream(msf.HeaderStreamIndex)
	require.NoError(t, err)
	require.Equal(t, cv.Signature[:], headerBytes[12:28], "pdb signature must match the image's new CV_INFO_PDB70 signature")
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(headerBytes[8:12]))
}

func TestPatchImageWithoutCodeViewRejectsPdbPath(t *testing.T) {
	dir := t.TempDir()
	imageBuf := fixtures.Build(fixtures.Options{Variant: pe.PE32})
	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))

	err := patcher.PatchImage(imagePath, filepath.Join(dir, "nonexistent.pdb"), false, nil)
	require.Error(t, err)
}

func TestPatchImageWithoutPdbPathOnlyRewritesImage(t *testing.T) {
	dir := t.TempDir()
	imageBuf := fixtures.Build(fixtures.Options{Variant: pe.PE32Plus, IncludeResource: true})
	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))

	require.NoError(t, patcher.PatchImage(imagePath, "", false, nil))

	patched, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	view, err := pe.Open(patched)
	require.NoError(t, err)
	dirOff, _, err := view.DataDir(pe.DirResource)
	require.NoError(t, err)
	require.Equal(t, pe.ReproducibleTimestamp, binary.LittleEndian.Uint32(patched[pe.ResourceDirTimeDateStampOffset(dirOff):]))
}

func TestPatchImageDryRunLeavesImageUntouched(t *testing.T) {
	dir := t.TempDir()
	imageBuf := fixtures.Build(fixtures.Options{Variant: pe.PE32})
	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))

	before, err := os.ReadFile(imagePath)
	require.NoError(t, err)

	require.NoError(t, patcher.PatchImage(imagePath, "", true, nil))

	after, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPatchImageIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sig := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	imageBuf := fixtures.Build(fixtures.Options{
		Variant:              pe.PE32,
		IncludeDebugCodeView: true,
		Sig:                  sig,
		Age:                  5,
		PdbPath:              "module.pdb",
	})
	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))
	pdbPath := buildPDBFile(t, dir, sig, 5)

	require.NoError(t, patcher.PatchImage(imagePath, pdbPath, false, nil))

	afterFirst, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	pdbAfterFirst, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.NoError(t, patcher.PatchImage(imagePath, pdbPath, false, nil))

	afterSecond, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	pdbAfterSecond, err := os.ReadFile(pdbPath)
	require.NoError(t, err)

	require.Equal(t, afterFirst, afterSecond, "re-running on an already-patched image must be a no-op")
	require.Equal(t, pdbAfterFirst, pdbAfterSecond)
}

func TestPatchImageRejectsMultipleCodeViewEntries(t *testing.T) {
	dir := t.TempDir()
	sig := [16]byte{1}

	imageBuf := fixtures.Build(fixtures.Options{
		Variant:            pe.PE32,
		TwoCodeViewEntries: true,
		Sig:                sig,
		Age:                1,
		PdbPath:            "a.pdb",
	})
	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))

	err := patcher.PatchImage(imagePath, "", false, nil)
	require.Error(t, err)
}

func TestPatchImageSkipsZeroDebugTimestamp(t *testing.T) {
	dir := t.TempDir()
	imageBuf := fixtures.Build(fixtures.Options{Variant: pe.PE32, ExtraDebugEntries: 1})

	view, err := pe.Open(imageBuf)
	require.NoError(t, err)
	entries, err := view.DebugEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	binary.LittleEndian.PutUint32(imageBuf[entries[0].TimeDateStampOffset():], 0)

	imagePath := filepath.Join(dir, "module.exe")
	require.NoError(t, os.WriteFile(imagePath, imageBuf, 0644))

	require.NoError(t, patcher.PatchImage(imagePath, "", false, nil))

	patched, err := os.ReadFile(imagePath)
	require.NoError(t, err)
	require.Zero(t, binary.LittleEndian.Uint32(patched[entries[0].TimeDateStampOffset():]))
}
