// Package pe locates every non-deterministic field in a PE32/PE32+ image
// without ever reading past the mapped buffer's bounds, and collects the
// overwrites needed to make it reproducible.
package pe

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/rpe/pkg/rpeerrors"
)

// MemMap maps a PE file on disk into a writable, shared region and
// exposes it as a mutable byte slice. Writes are flushed to disk on
// Close unless DryRun is set, in which case the mapping is discarded
// without persisting anything.
type MemMap struct {
	file    *os.File
	data    []byte
	DryRun  bool
	logger  hclog.Logger
	flushed bool
}

// OpenMemMap maps path read/write (or read-only when dryRun is set, so
// a dry run can never touch disk).
func OpenMemMap(path string, dryRun bool, logger hclog.Logger) (*MemMap, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	flag := os.O_RDWR
	if dryRun {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", rpeerrors.ErrIO, path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", rpeerrors.ErrIO, path, err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s is empty", rpeerrors.ErrInvalidImage, path)
	}

	data, err := mmapFile(f, int(st.Size()), dryRun)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", rpeerrors.ErrIO, path, err)
	}

	logger.Debug("mapped image", "path", path, "size", st.Size(), "dry_run", dryRun)

	return &MemMap{file: f, data: data, DryRun: dryRun, logger: logger}, nil
}

// Bytes returns the mutable buffer backing the mapped file.
func (m *MemMap) Bytes() []byte { return m.data }

// Len returns the buffer length.
func (m *MemMap) Len() int64 { return int64(len(m.data)) }

// Close unmaps the buffer. In non-dry-run mode the mapping is flushed
// to disk first so every Patch committed via PatchSet.Commit becomes
// visible to later readers of the file.
func (m *MemMap) Close() error {
	if m.data == nil {
		return nil
	}

	var flushErr error
	if !m.DryRun && !m.flushed {
		flushErr = msync(m.data)
	}

	unmapErr := munmapFile(m.data)
	m.data = nil

	closeErr := m.file.Close()

	if flushErr != nil {
		return fmt.Errorf("%w: flush: %v", rpeerrors.ErrIO, flushErr)
	}
	if unmapErr != nil {
		return fmt.Errorf("%w: unmap: %v", rpeerrors.ErrIO, unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", rpeerrors.ErrIO, closeErr)
	}
	return nil
}
