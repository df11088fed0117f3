package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *Catalog {
	return New(map[string]map[string]Capability{
		"RTX 3080": {
			"kawpow":     {Hashrate: 50e6, PowerWatts: 230, MemoryBytes: 5 << 30},
			"autolykos2": {Hashrate: 260e6, PowerWatts: 180, MemoryBytes: 3 << 30},
		},
		"RTX 3080 Laptop": {
			"kawpow": {Hashrate: 42e6, PowerWatts: 130, MemoryBytes: 5 << 30},
		},
		"RX 6800": {
			"kawpow": {Hashrate: 32e6, PowerWatts: 160, MemoryBytes: 5 << 30},
		},
	})
}

func TestLookup(t *testing.T) {
	t.Parallel()

	c := testCatalog()

	cap, ok := c.Lookup("RTX 3080", "kawpow")
	require.True(t, ok)
	assert.Equal(t, 50e6, cap.Hashrate)

	// Absence of an entry is exclusion, not an error
	_, ok = c.Lookup("RTX 3080", "randomx")
	assert.False(t, ok)

	_, ok = c.Lookup("GTX 750 Ti", "kawpow")
	assert.False(t, ok)
}

func TestMatchModelPrefersLongestKey(t *testing.T) {
	t.Parallel()

	c := testCatalog()

	// The laptop variant must win over the plain 3080 entry
	key, ok := c.MatchModel("NVIDIA GeForce RTX 3080 Laptop GPU")
	require.True(t, ok)
	assert.Equal(t, "rtx 3080 laptop", key)

	cap, ok := c.Lookup("NVIDIA GeForce RTX 3080 Laptop GPU", "kawpow")
	require.True(t, ok)
	assert.Equal(t, 42e6, cap.Hashrate)

	key, ok = c.MatchModel("NVIDIA GeForce RTX 3080")
	require.True(t, ok)
	assert.Equal(t, "rtx 3080", key)
}

func TestAlgorithmsForSorted(t *testing.T) {
	t.Parallel()

	c := testCatalog()
	assert.Equal(t, []string{"autolykos2", "kawpow"}, c.AlgorithmsFor("RTX 3080"))
	assert.Nil(t, c.AlgorithmsFor("unknown model"))
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	content := `
models:
  "RTX 3070":
    kawpow:
      hashrate: 30.0e6
      power_watts: 130
      memory_bytes: 5368709120
`
	path := filepath.Join(t.TempDir(), "capability.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	cap, ok := c.Lookup("RTX 3070", "kawpow")
	require.True(t, ok)
	assert.Equal(t, 30.0e6, cap.Hashrate)
	assert.Equal(t, uint64(5368709120), cap.MemoryBytes)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: {}\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
