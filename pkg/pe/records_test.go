package pe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/provide-io/rpe/pkg/pe"
	"github.com/provide-io/rpe/pkg/pe/fixtures"
)

func TestDebugEntriesDecodesEachRecord(t *testing.T) {
	sig := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	buf := fixtures.Build(fixtures.Options{
		Variant:              pe.PE32,
		ExtraDebugEntries:    2,
		IncludeDebugCodeView: true,
		Sig:                  sig,
		Age:                  7,
		PdbPath:              "example.pdb",
	})
	view, err := pe.Open(buf)
	require.NoError(t, err)
	require.True(t, view.HasDataDir(pe.DirDebug))

	entries, err := view.DebugEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for _, e := range entries[:2] {
		require.NotZero(t, e.TimeDateStamp)
		require.NotEqual(t, uint32(pe.DebugTypeCodeView), e.Type)
	}

	last := entries[2]
	require.Equal(t, uint32(pe.DebugTypeCodeView), last.Type)

	cv, err := view.ReadCvInfoPDB70(int64(last.PointerToRawData), last.SizeOfData)
	require.NoError(t, err)
	require.Equal(t, sig, cv.Signature)
	require.EqualValues(t, 7, cv.Age)
	require.Equal(t, "example.pdb", cv.PdbPath)
}

func TestReadCvInfoPDB70RejectsBadMagic(t *testing.T) {
	buf := fixtures.Build(fixtures.Options{
		Variant:              pe.PE32,
		IncludeDebugCodeView: true,
		PdbPath:              "a.pdb",
	})
	view, err := pe.Open(buf)
	require.NoError(t, err)

	entries, err := view.DebugEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cv, err := view.ReadCvInfoPDB70(int64(entries[0].PointerToRawData), entries[0].SizeOfData)
	require.NoError(t, err)

	// Corrupt the signature in place and confirm re-reading it fails.
	buf[cv.Offset] = 'X'
	_, err = view.ReadCvInfoPDB70(cv.Offset, entries[0].SizeOfData)
	require.Error(t, err)
}
