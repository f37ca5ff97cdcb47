package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedDefault(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, r.Channels)
	assert.Equal(t, "general", r.AgencyFor(0, "sgtuitionassignments"))
}

func TestLoad_FileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	body := `
channels:
  - id: -1001234
    username: AgencyAlpha
    agency_key: alpha
blocklist:
  - '(?i)crypto signals'
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", r.AgencyFor(-1001234, ""))
	assert.Equal(t, "alpha", r.AgencyFor(0, "agencyalpha"), "username lookup is case-insensitive")
	assert.Empty(t, r.AgencyFor(0, "unknown"))

	pats, err := r.BlocklistPatterns()
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.True(t, pats[0].MatchString("Join our CRYPTO SIGNALS group"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestBlocklistPatterns_Invalid(t *testing.T) {
	r := &Registry{Blocklist: []string{"("}}
	_, err := r.BlocklistPatterns()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=registry.blocklist")
}
