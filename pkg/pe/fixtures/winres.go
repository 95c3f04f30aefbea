package fixtures

import (
	"bytes"
	"fmt"

	"github.com/tc-hib/winres"
)

// WithWinresSection embeds a single RT_RCDATA resource into peBytes (as
// produced by Build) and returns the result, giving callers a PE image
// that carries a real `.rsrc` section and Resource data directory
// entry rather than the hand-assembled one Build can emit directly.
func WithWinresSection(peBytes []byte) ([]byte, error) {
	rs, err := winres.LoadFromEXE(bytes.NewReader(peBytes))
	if err != nil {
		rs = &winres.ResourceSet{}
	}

	if err := rs.Set(winres.RT_RCDATA, winres.Name("FIXTURE"), 0x0409, []byte("fixture-resource-data")); err != nil {
		return nil, fmt.Errorf("fixtures: set resource: %w", err)
	}

	var out bytes.Buffer
	if err := rs.WriteToEXE(&out, bytes.NewReader(peBytes)); err != nil {
		return nil, fmt.Errorf("fixtures: write resource section: %w", err)
	}
	return out.Bytes(), nil
}
