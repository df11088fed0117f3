// Package market supplies per-coin market snapshots from an external
// pricing collaborator. Snapshots are immutable and replaced wholesale
// each evaluation cycle so concurrent consumers never see torn reads.
package market

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CoinMarket holds market figures for one coin.
type CoinMarket struct {
	// Algorithm the coin is mined with
	Algorithm string
	// RewardRate in coins per H/s per day
	RewardRate decimal.Decimal
	// Price in USD per coin
	Price decimal.Decimal
	// PoolFee as a fraction (0.01 = 1%)
	PoolFee decimal.Decimal
}

// Usable reports whether the entry carries enough data to rank with.
func (m CoinMarket) Usable() bool {
	return m.Algorithm != "" && m.RewardRate.IsPositive() && m.Price.IsPositive()
}

// Snapshot is a point-in-time view of the market. Never mutated after
// construction.
type Snapshot struct {
	TakenAt time.Time
	coins   map[string]CoinMarket
}

// NewSnapshot builds a snapshot taken now.
func NewSnapshot(coins map[string]CoinMarket) *Snapshot {
	return NewSnapshotAt(coins, time.Now())
}

// NewSnapshotAt builds a snapshot with an explicit timestamp.
func NewSnapshotAt(coins map[string]CoinMarket, at time.Time) *Snapshot {
	copied := make(map[string]CoinMarket, len(coins))
	for k, v := range coins {
		copied[k] = v
	}
	return &Snapshot{TakenAt: at, coins: copied}
}

// Get returns the market entry for a coin.
func (s *Snapshot) Get(coin string) (CoinMarket, bool) {
	m, ok := s.coins[coin]
	return m, ok
}

// Coins returns the coin symbols in deterministic order.
func (s *Snapshot) Coins() []string {
	coins := make([]string, 0, len(s.coins))
	for c := range s.coins {
		coins = append(coins, c)
	}
	sort.Strings(coins)
	return coins
}

// Len returns the number of coins in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.coins)
}

// Age returns how old the snapshot is.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.TakenAt)
}

// Provider fetches fresh snapshots from the pricing collaborator.
type Provider interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// StaticProvider serves a fixed snapshot; used for config-pinned
// markets and in tests.
type StaticProvider struct {
	snapshot *Snapshot
}

// NewStaticProvider wraps a snapshot in a Provider.
func NewStaticProvider(s *Snapshot) *StaticProvider {
	return &StaticProvider{snapshot: s}
}

// Fetch returns the pinned snapshot restamped to now.
func (p *StaticProvider) Fetch(ctx context.Context) (*Snapshot, error) {
	return NewSnapshotAt(p.snapshot.coins, time.Now()), nil
}
