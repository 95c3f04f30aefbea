// Package pdb rewrites a PDB's embedded timestamp, age, and signature
// so it stays bound to a PE that has just had the same fields patched
// deterministically. The state machine moves strictly forward:
//
//	READY -> OPENED -> HEADER_READ -> TABLE_REPLACED -> WRITTEN -> RENAMED
package pdb

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/provide-io/rpe/pkg/atomicfile"
	"github.com/provide-io/rpe/pkg/msf"
	"github.com/provide-io/rpe/pkg/rpeerrors"
)

// VC70 is the minimum PDB header version this tool understands.
const VC70 = 20000404

const headerStreamMinLen = 4 + 4 + 4 + 16 // version, timestamp, age, sig70

// Header is the fixed-layout portion of PDB stream 1.
type Header struct {
	Version   uint32
	Timestamp uint32
	Age       uint32
	Sig70     [16]byte
}

func readHeader(data []byte) (Header, error) {
	if len(data) < headerStreamMinLen {
		return Header{}, fmt.Errorf("%w: header stream is %d bytes, need at least %d", rpeerrors.ErrInvalidPdb, len(data), headerStreamMinLen)
	}
	var h Header
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	h.Timestamp = binary.LittleEndian.Uint32(data[4:8])
	h.Age = binary.LittleEndian.Uint32(data[8:12])
	copy(h.Sig70[:], data[12:28])
	return h, nil
}

func (h Header) encodeInto(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], h.Version)
	binary.LittleEndian.PutUint32(data[4:8], h.Timestamp)
	binary.LittleEndian.PutUint32(data[8:12], h.Age)
	copy(data[12:28], h.Sig70[:])
}

// Rewrite opens the PDB at path, verifies it is bound to a PE whose
// current CV_INFO_PDB70 signature/age are expectedSig/expectedAge, then
// rewrites stream 1's timestamp/age/sig70 to newTimestamp/newAge/newSig
// and empties the old-stream-directory stream. On success (dryRun
// false) the rewritten PDB atomically replaces path; on dryRun, the
// temp file is discarded and path is left untouched.
func Rewrite(path string, expectedSig [16]byte, expectedAge uint32, newTimestamp, newAge uint32, newSig [16]byte, dryRun bool, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	// OPENED
	c, err := msf.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", rpeerrors.ErrIO, err)
	}

	// HEADER_READ
	headerBytes, err := c.Stream(msf.HeaderStreamIndex)
	if err != nil {
		return fmt.Errorf("%w: reading header stream: %v", rpeerrors.ErrInvalidPdb, err)
	}
	header, err := readHeader(headerBytes)
	if err != nil {
		return err
	}
	if header.Version < VC70 {
		return fmt.Errorf("%w: header version %d older than VC70 (%d)", rpeerrors.ErrInvalidPdb, header.Version, VC70)
	}

	logger.Info("pdb header before rewrite", "timestamp", header.Timestamp, "age", header.Age)

	// Matching check: the caller passed the wrong PDB for this PE if
	// these don't agree with what the PE currently carries.
	if header.Age != expectedAge || header.Sig70 != expectedSig {
		return fmt.Errorf("%w: PE and PDB signatures do not match", rpeerrors.ErrInvalidPdb)
	}

	// TABLE_REPLACED
	if err := c.ReplaceStream(msf.OldDirectoryStreamIndex, nil); err != nil {
		return fmt.Errorf("%w: clearing old stream directory: %v", rpeerrors.ErrInvalidPdb, err)
	}

	rewritten := make([]byte, len(headerBytes))
	copy(rewritten, headerBytes)
	newHeader := Header{Version: header.Version, Timestamp: newTimestamp, Age: newAge, Sig70: newSig}
	newHeader.encodeInto(rewritten)
	if err := c.ReplaceStream(msf.HeaderStreamIndex, rewritten); err != nil {
		return fmt.Errorf("%w: writing rewritten header: %v", rpeerrors.ErrInvalidPdb, err)
	}

	// WRITTEN
	tmpPath := path + ".tmp"
	if err := c.WriteTo(tmpPath); err != nil {
		return fmt.Errorf("%w: writing %s: %v", rpeerrors.ErrIO, tmpPath, err)
	}

	if dryRun {
		if err := removeIgnoreMissing(tmpPath); err != nil {
			return fmt.Errorf("%w: removing dry-run temp file: %v", rpeerrors.ErrIO, err)
		}
		return nil
	}

	// RENAMED
	if err := atomicfile.Replace(tmpPath, path); err != nil {
		_ = removeIgnoreMissing(tmpPath)
		return fmt.Errorf("%w: replacing %s: %v", rpeerrors.ErrIO, path, err)
	}

	return nil
}
