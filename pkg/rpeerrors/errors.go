// Package rpeerrors declares the sentinel error kinds shared across the
// PE/PDB rewriter. Call sites wrap these with fmt.Errorf("...: %w", ...)
// so errors.Is still matches while the message carries the offending
// field or offset.
package rpeerrors

import "errors"

var (
	// ErrInvalidImage marks a PE structurally inconsistent: bad magic,
	// truncated headers, an out-of-bounds data directory, an unknown
	// optional-header variant, multiple CodeView entries, an
	// unsupported CodeView signature, or an overlapping patch.
	ErrInvalidImage = errors.New("invalid image")

	// ErrInvalidPdb marks a PDB that is missing its header stream, has
	// a header stream shorter than the 7.0 layout, carries an
	// unsupported version, or whose signature/age does not match the
	// PE it was paired with.
	ErrInvalidPdb = errors.New("invalid pdb")

	// ErrIO marks an OS-level failure: mmap, PDB open/read/write,
	// rename, or delete.
	ErrIO = errors.New("io error")
)
