package pe

import (
	"crypto/md5"
	"sort"
)

// SkipChecksum computes a deterministic 128-bit identifier over buf,
// excluding every byte range claimed by a patch in patches. Patches
// need not be pre-sorted; SkipChecksum sorts its own local copy and
// does not mutate the PatchSet passed in.
//
// This is what breaks the signature's self-reference: the
// CV_INFO_PDB70.Signature field is itself one of the patched ranges,
// so it is never absorbed into its own hash. Any two files agreeing on
// every byte outside the patched ranges produce the same signature;
// the MD5 primitive itself is out of scope here (crypto/md5 from the
// standard library is used directly, bit-compatible with prior art
// that also specifies MD5).
func SkipChecksum(buf []byte, patches []Patch) [16]byte {
	sorted := make([]Patch, len(patches))
	copy(sorted, patches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Dest < sorted[j].Dest })

	h := md5.New()
	var pos int64
	for _, p := range sorted {
		if p.Dest > pos {
			h.Write(buf[pos:p.Dest])
		}
		if p.end() > pos {
			pos = p.end()
		}
	}
	if pos < int64(len(buf)) {
		h.Write(buf[pos:])
	}

	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
