package pe_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/provide-io/rpe/pkg/pe"
	"github.com/provide-io/rpe/pkg/pe/fixtures"
)

func writeFixture(t *testing.T, variant pe.Variant) string {
	t.Helper()
	buf := fixtures.Build(fixtures.Options{Variant: variant})
	path := filepath.Join(t.TempDir(), "image.exe")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestOpenMemMapRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.exe")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := pe.OpenMemMap(path, false, nil)
	require.Error(t, err)
}

func TestMemMapWriteIsVisibleAfterClose(t *testing.T) {
	path := writeFixture(t, pe.PE32)

	mm, err := pe.OpenMemMap(path, false, nil)
	require.NoError(t, err)

	view, err := pe.Open(mm.Bytes())
	require.NoError(t, err)

	patches := pe.NewPatchSet(mm.Bytes())
	patches.Add(view.TimeDateStampOffset(), view.TimestampBytes(), "file_header.timestamp")
	require.NoError(t, patches.Commit(false, nil))
	require.NoError(t, mm.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	reopened, err := pe.Open(data)
	require.NoError(t, err)
	require.Equal(t, pe.ReproducibleTimestamp, binary.LittleEndian.Uint32(data[reopened.TimeDateStampOffset():]))
}

func TestMemMapDryRunNeverTouchesDisk(t *testing.T) {
	path := writeFixture(t, pe.PE32)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	mm, err := pe.OpenMemMap(path, true, nil)
	require.NoError(t, err)

	view, err := pe.Open(mm.Bytes())
	require.NoError(t, err)

	patches := pe.NewPatchSet(mm.Bytes())
	patches.Add(view.TimeDateStampOffset(), view.TimestampBytes(), "file_header.timestamp")
	require.NoError(t, patches.Commit(true, nil))
	require.NoError(t, mm.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, original, after)
}
