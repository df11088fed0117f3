// Package profit ranks candidate assignments per device by estimated
// net value. Ranking is a pure computation over the capability catalog
// and one market snapshot; all monetary math runs on decimals so
// repeated evaluation cycles cannot accumulate float drift.
package profit

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/shizukutanaka/kasegi/internal/catalog"
	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/market"
)

// Candidate is one rankable (device, coin, algorithm) option.
type Candidate struct {
	DeviceIndex int
	Coin        string
	Algorithm   string
	// NetValue is estimated USD per day after pool fee and power cost
	NetValue decimal.Decimal
	// MemoryBytes is the resource class of the algorithm on the device
	MemoryBytes uint64
	// Hashrate in H/s, from the capability catalog
	Hashrate float64
}

var (
	hoursPerDay  = decimal.NewFromInt(24)
	wattsPerKilo = decimal.NewFromInt(1000)
	one          = decimal.NewFromInt(1)
)

// Calculator computes candidate rankings.
type Calculator struct {
	catalog    *catalog.Catalog
	powerPrice decimal.Decimal // USD per kWh; zero means revenue-only ranking
}

// NewCalculator creates a calculator over the given catalog.
func NewCalculator(cat *catalog.Catalog, powerPricePerKWH float64) *Calculator {
	return &Calculator{
		catalog:    cat,
		powerPrice: decimal.NewFromFloat(powerPricePerKWH),
	}
}

// Rank returns candidates for the device ordered best-first. Individual
// coins the device has no capability entry for are skipped silently; a
// device the catalog does not know at all fails with ErrDataUnavailable.
// The currentCoin breaks exact ties in favor of not switching; remaining
// ties prefer the cheaper memory class. Rank fails with ErrInvalidSnapshot
// only when the snapshot had no usable market data for any coin the
// device could mine.
func (c *Calculator) Rank(deviceIndex int, deviceModel string, currentCoin string, coins []string, snap *market.Snapshot) ([]Candidate, error) {
	if snap == nil {
		return nil, common.ErrInvalidSnapshot
	}
	if len(c.catalog.AlgorithmsFor(deviceModel)) == 0 {
		return nil, common.ErrDataUnavailable
	}

	var (
		candidates []Candidate
		covered    int
	)

	for _, coin := range coins {
		m, ok := snap.Get(coin)
		if !ok {
			continue
		}

		cap, ok := c.catalog.Lookup(deviceModel, m.Algorithm)
		if !ok {
			// Excluded for this device, not an error
			continue
		}
		covered++

		if !m.Usable() {
			continue
		}

		candidates = append(candidates, Candidate{
			DeviceIndex: deviceIndex,
			Coin:        coin,
			Algorithm:   m.Algorithm,
			NetValue:    c.netValue(cap, m),
			MemoryBytes: cap.MemoryBytes,
			Hashrate:    cap.Hashrate,
		})
	}

	if covered > 0 && len(candidates) == 0 {
		return nil, common.ErrInvalidSnapshot
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.NetValue.Equal(b.NetValue) {
			return a.NetValue.GreaterThan(b.NetValue)
		}
		// Tie: keep the coin already assigned
		if (a.Coin == currentCoin) != (b.Coin == currentCoin) {
			return a.Coin == currentCoin
		}
		// Then prefer the cheaper memory class
		if a.MemoryBytes != b.MemoryBytes {
			return a.MemoryBytes < b.MemoryBytes
		}
		return a.Coin < b.Coin
	})

	return candidates, nil
}

// netValue computes throughput x reward x price x (1 - fee) - power cost.
func (c *Calculator) netValue(cap catalog.Capability, m market.CoinMarket) decimal.Decimal {
	hashrate := decimal.NewFromFloat(cap.Hashrate)

	revenue := hashrate.
		Mul(m.RewardRate).
		Mul(m.Price).
		Mul(one.Sub(m.PoolFee))

	if c.powerPrice.IsZero() {
		return revenue
	}

	powerCost := decimal.NewFromFloat(cap.PowerWatts).
		Div(wattsPerKilo).
		Mul(hoursPerDay).
		Mul(c.powerPrice)

	return revenue.Sub(powerCost)
}
