package pe

import (
	"sort"

	"github.com/hashicorp/go-hclog"
)

// Patch is one pending overwrite: length bytes of source get copied to
// dest once the whole PatchSet has been validated. Source is a slice
// over memory that outlives the PatchSet itself — a field on the View
// that produced it, or a package-level constant — never a copy taken
// at Add time.
type Patch struct {
	Dest   int64
	Source []byte
	Label  string
}

func (p Patch) end() int64 { return p.Dest + int64(len(p.Source)) }

// PatchSet is an append-only collection of pending edits against a
// single buffer. Patches are validated and sorted by Sort, or by
// Commit if they are not already sorted; nothing is written to buf
// until Commit.
type PatchSet struct {
	buf     []byte
	patches []Patch
	sorted  bool
}

// NewPatchSet creates a PatchSet over buf. All patches later added must
// reference offsets within buf.
func NewPatchSet(buf []byte) *PatchSet {
	return &PatchSet{buf: buf}
}

// Add appends a patch. Add may be called before or after Sort; Commit
// always sorts again defensively if Add was called since the last sort.
func (s *PatchSet) Add(dest int64, source []byte, label string) {
	s.patches = append(s.patches, Patch{Dest: dest, Source: source, Label: label})
	s.sorted = false
}

// Len reports the number of pending patches.
func (s *PatchSet) Len() int { return len(s.patches) }

// Patches returns the patches in their current order. Callers must not
// mutate the returned slice.
func (s *PatchSet) Patches() []Patch { return s.patches }

// Sort orders patches by Dest ascending and validates that every patch
// is in bounds and that no two overlap. It is idempotent and safe to
// call repeatedly (e.g. once before computing SkipChecksum; Commit
// calls it again only if Add was called since).
func (s *PatchSet) Sort() error {
	sort.Slice(s.patches, func(i, j int) bool { return s.patches[i].Dest < s.patches[j].Dest })

	for i, p := range s.patches {
		if p.Dest < 0 || p.end() > int64(len(s.buf)) {
			return invalidf("patch %q [0x%x,0x%x) out of bounds (buffer length %d)", p.Label, p.Dest, p.end(), len(s.buf))
		}
		if i > 0 {
			prev := s.patches[i-1]
			if p.Dest < prev.end() {
				return invalidf("overlapping patch: %q [0x%x,0x%x) overlaps %q [0x%x,0x%x)",
					prev.Label, prev.Dest, prev.end(), p.Label, p.Dest, p.end())
			}
		}
	}

	s.sorted = true
	return nil
}

// Commit applies every patch to buf. If dryRun is true, patches are
// only logged (via label) and buf is left untouched. Commit re-sorts
// (and re-validates) if the set has been mutated since the last Sort.
func (s *PatchSet) Commit(dryRun bool, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if !s.sorted {
		if err := s.Sort(); err != nil {
			return err
		}
	}

	for _, p := range s.patches {
		if dryRun {
			logger.Info("would patch", "label", p.Label, "dest", p.Dest, "length", len(p.Source))
			continue
		}
		logger.Debug("patching", "label", p.Label, "dest", p.Dest, "length", len(p.Source))
		copy(s.buf[p.Dest:p.end()], p.Source)
	}

	return nil
}
