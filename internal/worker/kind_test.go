package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, name := range []string{"t-rex", "lolminer", "gminer", "rigel", "nbminer", "srbminer"} {
		k, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, name, k.Name())
	}

	_, ok := reg.Get("phoenixminer")
	assert.False(t, ok)
}

func TestForAlgorithmPreference(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	k, err := reg.ForAlgorithm("kawpow")
	require.NoError(t, err)
	assert.Equal(t, "t-rex", k.Name())

	k, err = reg.ForAlgorithm("kheavyhash")
	require.NoError(t, err)
	assert.Equal(t, "lolminer", k.Name())

	k, err = reg.ForAlgorithm("randomx")
	require.NoError(t, err)
	assert.Equal(t, "srbminer", k.Name())

	_, err = reg.ForAlgorithm("scrypt")
	assert.Error(t, err)
}

func TestBuildCommandTRex(t *testing.T) {
	t.Parallel()

	k := newTRex()
	args := k.BuildCommand(Invocation{
		Algorithm:   "kawpow",
		PoolURL:     "stratum+tcp://rvn.pool.example:3838",
		Wallet:      "RWalletAddr",
		WorkerName:  "rig0-gpu2",
		DeviceIndex: 2,
		ControlPort: 4069,
	})

	assert.Equal(t, []string{
		"-a", "kawpow",
		"-o", "stratum+tcp://rvn.pool.example:3838",
		"-u", "RWalletAddr",
		"-p", "x",
		"-w", "rig0-gpu2",
		"-d", "2",
		"--api-bind-http", "127.0.0.1:4069",
		"--no-watchdog",
	}, args)
}

func TestBuildCommandStripsStratumPrefix(t *testing.T) {
	t.Parallel()

	inv := Invocation{
		Algorithm:   "kheavyhash",
		PoolURL:     "stratum+tcp://kas.pool.example:4444",
		Wallet:      "kaspa:addr",
		WorkerName:  "rig0-gpu0",
		ControlPort: 4067,
	}

	args := newLolMiner().BuildCommand(inv)
	assert.Contains(t, args, "kas.pool.example:4444")
	assert.NotContains(t, args, inv.PoolURL)
}

func TestParseHealthTRex(t *testing.T) {
	t.Parallel()

	body := []byte(`{"hashrate": 24500000, "accepted_count": 120, "rejected_count": 2}`)
	h, err := newTRex().ParseHealthResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 24500000.0, h.Hashrate)
	assert.Equal(t, uint64(120), h.Accepted)
	assert.Equal(t, uint64(2), h.Rejected)
}

func TestParseHealthLolMiner(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"GPUs": [{"Performance": 980.5}],
		"Session": {"Accepted": 40, "Submitted": 42}
	}`)
	h, err := newLolMiner().ParseHealthResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 980.5, h.Hashrate)
	assert.Equal(t, uint64(40), h.Accepted)
	assert.Equal(t, uint64(2), h.Rejected)
}

func TestParseHealthGMinerSumsDevices(t *testing.T) {
	t.Parallel()

	body := []byte(`{"devices": [
		{"speed": 100, "accepted_shares": 3, "rejected_shares": 0},
		{"speed": 200, "accepted_shares": 5, "rejected_shares": 1}
	]}`)
	h, err := newGMiner().ParseHealthResponse(body)
	require.NoError(t, err)
	assert.Equal(t, 300.0, h.Hashrate)
	assert.Equal(t, uint64(8), h.Accepted)
	assert.Equal(t, uint64(1), h.Rejected)
}

func TestParseHealthMalformed(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{newTRex(), newLolMiner(), newGMiner(), newRigel(), newNBMiner(), newSRBMiner()} {
		_, err := k.ParseHealthResponse([]byte("<html>busy</html>"))
		assert.Error(t, err, k.Name())
	}
}

func TestSupportsDisjointFamilies(t *testing.T) {
	t.Parallel()

	assert.True(t, newSRBMiner().Supports("randomx"))
	assert.False(t, newTRex().Supports("randomx"))
	assert.False(t, newSRBMiner().Supports("kawpow"))
}
