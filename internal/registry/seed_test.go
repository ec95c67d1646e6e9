package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSeedYAML = `
personas:
  - name: Aria
    aliases: [Ari]
    groupPrimary: Friends
    groupsVisible: [Friends, Family]
    shortDescription: warm and curious
  - name: Copper
    model: anthropic:claude-haiku-4-5
`

func TestLoadSeedFileParsesPersonas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeedYAML), 0o644))

	sf, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, sf.Personas, 2)
	require.Equal(t, "Aria", sf.Personas[0].Name)
	require.Equal(t, []string{"Ari"}, sf.Personas[0].Aliases)
	require.Equal(t, "Friends", sf.Personas[0].GroupPrimary)
}

func TestApplySeedAddsNewPersonasOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeedYAML), 0o644))
	sf, err := LoadSeedFile(path)
	require.NoError(t, err)

	r := New()
	require.NoError(t, ApplySeed(r, sf))
	require.Len(t, r.All(), 3) // primary + Aria + Copper

	aria, ok := r.Get("Aria")
	require.True(t, ok)
	require.Equal(t, "Friends", *aria.GroupPrimary)

	copper, ok := r.Get("Copper")
	require.True(t, ok)
	require.Equal(t, "anthropic:claude-haiku-4-5", *copper.Model)

	// Re-applying must not error or duplicate.
	require.NoError(t, ApplySeed(r, sf))
	require.Len(t, r.All(), 3)
}
