package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTaxonomy(t *testing.T) {
	tax, err := LoadTaxonomy()
	require.NoError(t, err)
	assert.Equal(t, "v2", tax.version)
	assert.NotEmpty(t, tax.byAlias)
}

func TestCanonicalize_KnownSubjects(t *testing.T) {
	tax, err := LoadTaxonomy()
	require.NoError(t, err)

	canonical, general := tax.Canonicalize([]string{BandPrimary}, []string{"Math", "science"})
	assert.Equal(t, []string{"PRIMARY.MATH", "PRIMARY.SCIENCE"}, canonical)
	assert.Equal(t, []string{"MATH", "SCIENCE"}, general)
}

func TestCanonicalize_AliasNormalization(t *testing.T) {
	tax, err := LoadTaxonomy()
	require.NoError(t, err)

	canonical, general := tax.Canonicalize([]string{BandSecondary}, []string{"A-Math", "E.Math"})
	assert.Equal(t, []string{"SECONDARY.A_MATH", "SECONDARY.E_MATH"}, canonical)
	assert.Equal(t, []string{"MATH"}, general, "siblings share one family entry")
}

func TestCanonicalize_UnknownIsSafeCode(t *testing.T) {
	tax, err := LoadTaxonomy()
	require.NoError(t, err)

	canonical, general := tax.Canonicalize([]string{BandJC}, []string{"basket weaving"})
	assert.Equal(t, []string{"JC.UNKNOWN"}, canonical)
	assert.Empty(t, general, "unknown subjects have no family")
}

func TestCanonicalize_NoBandFallsBackToGeneral(t *testing.T) {
	tax, err := LoadTaxonomy()
	require.NoError(t, err)

	canonical, _ := tax.Canonicalize(nil, []string{"piano"})
	assert.Equal(t, []string{"GENERAL.PIANO"}, canonical)
}

func TestCanonicalize_MultipleBands(t *testing.T) {
	tax, err := LoadTaxonomy()
	require.NoError(t, err)

	canonical, _ := tax.Canonicalize([]string{BandPrimary, BandSecondary}, []string{"english"})
	assert.Equal(t, []string{"PRIMARY.ENGLISH", "SECONDARY.ENGLISH"}, canonical)
}
