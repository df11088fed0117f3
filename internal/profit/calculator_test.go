package profit

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/kasegi/internal/catalog"
	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/market"
)

func testCatalog() *catalog.Catalog {
	return catalog.New(map[string]map[string]catalog.Capability{
		"RTX 3080": {
			"kawpow":     {Hashrate: 50e6, PowerWatts: 230, MemoryBytes: 5 << 30},
			"autolykos2": {Hashrate: 260e6, PowerWatts: 180, MemoryBytes: 3 << 30},
			"kheavyhash": {Hashrate: 1.8e9, PowerWatts: 190, MemoryBytes: 2 << 30},
		},
	})
}

func coinMarket(algo string, rewardPerHashDay, price, fee float64) market.CoinMarket {
	return market.CoinMarket{
		Algorithm:  algo,
		RewardRate: decimal.NewFromFloat(rewardPerHashDay),
		Price:      decimal.NewFromFloat(price),
		PoolFee:    decimal.NewFromFloat(fee),
	}
}

func TestRankOrdering(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testCatalog(), 0)
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		// 50e6 * 2e-8 * 1 = $1.00/day
		"RVN": coinMarket("kawpow", 2e-8, 1.0, 0),
		// 260e6 * 1e-8 * 0.5 = $1.30/day
		"ERG": coinMarket("autolykos2", 1e-8, 0.5, 0),
	})

	candidates, err := calc.Rank(0, "RTX 3080", "", []string{"RVN", "ERG"}, snap)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "ERG", candidates[0].Coin)
	assert.Equal(t, "RVN", candidates[1].Coin)
	assert.True(t, candidates[0].NetValue.Equal(decimal.NewFromFloat(1.30)),
		"got %s", candidates[0].NetValue)
}

func TestRankAppliesFeeAndPowerCost(t *testing.T) {
	t.Parallel()

	// 10 cents per kWh; kawpow draws 230 W => $0.552/day
	calc := NewCalculator(testCatalog(), 0.10)
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		// gross 50e6 * 2e-8 * 1 = $1.00, fee 1% => $0.99, power => $0.438
		"RVN": coinMarket("kawpow", 2e-8, 1.0, 0.01),
	})

	candidates, err := calc.Rank(0, "RTX 3080", "", []string{"RVN"}, snap)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	want := decimal.NewFromFloat(0.99).Sub(decimal.NewFromFloat(0.552))
	assert.True(t, candidates[0].NetValue.Equal(want), "got %s want %s", candidates[0].NetValue, want)
}

func TestRankDeterministic(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testCatalog(), 0.08)
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		"RVN": coinMarket("kawpow", 2e-8, 1.0, 0.01),
		"ERG": coinMarket("autolykos2", 1e-8, 0.5, 0.01),
		"KAS": coinMarket("kheavyhash", 3e-10, 0.8, 0.01),
	})
	coins := []string{"RVN", "ERG", "KAS"}

	first, err := calc.Rank(0, "RTX 3080", "RVN", coins, snap)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := calc.Rank(0, "RTX 3080", "RVN", coins, snap)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRankTieBreaks(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(catalog.New(map[string]map[string]catalog.Capability{
		"RTX 3080": {
			"kawpow":     {Hashrate: 100e6, PowerWatts: 230, MemoryBytes: 5 << 30},
			"autolykos2": {Hashrate: 200e6, PowerWatts: 180, MemoryBytes: 3 << 30},
		},
	}), 0)
	// Identical net value for both coins: 100e6*1e-8 == 200e6*5e-9 == $1/day
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		"RVN": coinMarket("kawpow", 1e-8, 1.0, 0),
		"ERG": coinMarket("autolykos2", 5e-9, 1.0, 0),
	})

	// Current assignment wins the tie
	candidates, err := calc.Rank(0, "RTX 3080", "RVN", []string{"RVN", "ERG"}, snap)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.True(t, candidates[0].NetValue.Equal(candidates[1].NetValue),
		"fixture must tie: %s vs %s", candidates[0].NetValue, candidates[1].NetValue)
	assert.Equal(t, "RVN", candidates[0].Coin)

	// Without a current assignment the cheaper memory class wins
	candidates, err = calc.Rank(0, "RTX 3080", "", []string{"RVN", "ERG"}, snap)
	require.NoError(t, err)
	assert.Equal(t, "ERG", candidates[0].Coin) // 3 GiB < 5 GiB
}

func TestRankSkipsUncoveredCoins(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testCatalog(), 0)
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		"RVN": coinMarket("kawpow", 2e-8, 1.0, 0),
		"XMR": coinMarket("randomx", 1e-6, 150, 0), // no catalog entry
	})

	candidates, err := calc.Rank(0, "RTX 3080", "", []string{"RVN", "XMR"}, snap)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "RVN", candidates[0].Coin)
}

func TestRankInvalidSnapshot(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testCatalog(), 0)

	// Coins covered by the catalog but with no usable market data
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		"RVN": {Algorithm: "kawpow"}, // zero price and reward
	})
	_, err := calc.Rank(0, "RTX 3080", "", []string{"RVN"}, snap)
	assert.ErrorIs(t, err, common.ErrInvalidSnapshot)

	_, err = calc.Rank(0, "RTX 3080", "", []string{"RVN"}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidSnapshot)
}

func TestRankUnknownDeviceIsDataUnavailable(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(testCatalog(), 0)
	snap := market.NewSnapshot(map[string]market.CoinMarket{
		"RVN": coinMarket("kawpow", 2e-8, 1.0, 0),
	})

	_, err := calc.Rank(0, "Unknown GPU", "", []string{"RVN"}, snap)
	assert.ErrorIs(t, err, common.ErrDataUnavailable)
}
