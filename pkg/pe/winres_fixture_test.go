package pe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/provide-io/rpe/pkg/pe"
	"github.com/provide-io/rpe/pkg/pe/fixtures"
)

// TestWinresFixtureStillOpensAsAValidImage confirms the winres-embedded
// fixture (a real .rsrc section, not the hand-assembled one Build can
// emit directly) still parses as a valid PE afterward.
func TestWinresFixtureStillOpensAsAValidImage(t *testing.T) {
	base := fixtures.Build(fixtures.Options{Variant: pe.PE32})

	withResource, err := fixtures.WithWinresSection(base)
	require.NoError(t, err)
	require.NotEmpty(t, withResource)

	_, err = pe.Open(withResource)
	require.NoError(t, err)
}
