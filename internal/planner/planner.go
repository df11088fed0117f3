// Package planner decides, once per evaluation cycle, what each device
// should mine. It ranks candidates through the profit calculator, holds
// assignments steady through the switch margin and cooldown hysteresis,
// and clears every proposed switch through the memory gate before
// committing. The planner is the only writer of device assignments.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kasegi/internal/catalog"
	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/device"
	"github.com/shizukutanaka/kasegi/internal/market"
	"github.com/shizukutanaka/kasegi/internal/memgate"
	"github.com/shizukutanaka/kasegi/internal/profit"
)

// Config tunes the switching hysteresis.
type Config struct {
	// Coins is the set of coin tags considered for every device
	Coins []string `mapstructure:"coins"`
	// SwitchMargin is the fractional improvement a switch must clear
	SwitchMargin float64 `mapstructure:"switch_margin"`
	// Cooldown is the minimum time between switches on one device
	Cooldown time.Duration `mapstructure:"cooldown"`
	// SnapshotMaxAge fails planning closed when the snapshot is older
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
	// Wallets maps coin tag to payout address; coins without one are
	// never switched to
	Wallets map[string]string `mapstructure:"wallets"`
	// Pools maps coin tag to stratum URL
	Pools map[string]string `mapstructure:"pools"`
}

// OutcomeKind classifies one device's planning result.
type OutcomeKind string

const (
	// OutcomeUnchanged keeps the current assignment
	OutcomeUnchanged OutcomeKind = "unchanged"
	// OutcomeSwitch committed a new assignment; the caller must
	// restart the worker
	OutcomeSwitch OutcomeKind = "switch"
	// OutcomeSkipped means planning for this device errored
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome is the planning result for one device.
type Outcome struct {
	Device     *device.Device
	Kind       OutcomeKind
	Assignment *device.Assignment // the new assignment on OutcomeSwitch
	Reason     string
}

var one = decimal.NewFromInt(1)

// Planner runs the per-cycle assignment pass.
type Planner struct {
	logger  *zap.Logger
	cfg     Config
	catalog *catalog.Catalog
	calc    *profit.Calculator
	gate    memgate.Gate
	now     func() time.Time

	// mu guards the wallet and pool tables, which config hot reloads
	// replace between passes
	mu sync.RWMutex
}

// New creates a planner.
func New(logger *zap.Logger, cfg Config, cat *catalog.Catalog, calc *profit.Calculator, gate memgate.Gate) *Planner {
	return &Planner{
		logger:  logger,
		cfg:     cfg,
		catalog: cat,
		calc:    calc,
		gate:    gate,
		now:     time.Now,
	}
}

// Plan runs one serialized pass over all devices against a single
// snapshot. A stale or nil snapshot fails the whole pass closed; an
// error on one device is collected and never blocks its siblings.
// Switches are committed to the devices before Plan returns; the
// caller restarts the affected workers.
func (p *Planner) Plan(ctx context.Context, reg *device.Registry, snap *market.Snapshot) ([]Outcome, error) {
	if snap == nil {
		return nil, common.ErrInvalidSnapshot
	}
	if p.cfg.SnapshotMaxAge > 0 && snap.Age() > p.cfg.SnapshotMaxAge {
		return nil, fmt.Errorf("%w: snapshot is %s old", common.ErrSnapshotStale, snap.Age().Round(time.Second))
	}

	// Resource classes of the plan as it stands, updated as switches
	// commit so later devices are gated against the full resulting set.
	classes := p.currentClasses(reg)

	var (
		outcomes []Outcome
		devErrs  []error
	)
	for _, dev := range reg.All() {
		outcome, err := p.planDevice(ctx, dev, snap, classes)
		if err != nil {
			devErrs = append(devErrs, common.NewDeviceError(dev.Index, err))
			outcomes = append(outcomes, Outcome{Device: dev, Kind: OutcomeSkipped, Reason: err.Error()})
			continue
		}
		if outcome.Kind == OutcomeSwitch {
			classes[dev.Index] = p.classOf(dev.Model, outcome.Assignment.Algorithm)
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes, errors.Join(devErrs...)
}

func (p *Planner) planDevice(ctx context.Context, dev *device.Device, snap *market.Snapshot, classes map[int]uint64) (Outcome, error) {
	asn := dev.Assignment()
	currentCoin := ""
	if asn != nil {
		currentCoin = asn.Coin
	}

	candidates, err := p.calc.Rank(dev.Index, dev.Model, currentCoin, p.cfg.Coins, snap)
	if err != nil {
		return Outcome{}, err
	}
	if len(candidates) == 0 {
		return Outcome{Device: dev, Kind: OutcomeUnchanged, Reason: "no candidates"}, nil
	}

	top, ok := p.firstWithWallet(dev, candidates)
	if !ok {
		return Outcome{Device: dev, Kind: OutcomeUnchanged, Reason: "no wallet for any candidate"}, nil
	}

	// Cold start commits the best candidate immediately
	if asn == nil {
		return p.commit(ctx, dev, top, classes, "cold start")
	}

	if top.Coin == asn.Coin {
		// Refresh the estimate without touching CommittedAt
		refreshed := *asn
		refreshed.NetValue = top.NetValue
		dev.SetAssignment(&refreshed)
		return Outcome{Device: dev, Kind: OutcomeUnchanged, Reason: "already on best coin"}, nil
	}

	currentValue := asn.NetValue
	for _, c := range candidates {
		if c.Coin == asn.Coin {
			currentValue = c.NetValue
			break
		}
	}

	threshold := currentValue.Mul(one.Add(decimal.NewFromFloat(p.cfg.SwitchMargin)))
	if !top.NetValue.GreaterThan(threshold) {
		return Outcome{Device: dev, Kind: OutcomeUnchanged, Reason: "inside switch margin"}, nil
	}

	if since := p.now().Sub(asn.CommittedAt); since < p.cfg.Cooldown {
		return Outcome{Device: dev, Kind: OutcomeUnchanged, Reason: "cooldown"}, nil
	}

	return p.commit(ctx, dev, top, classes, "margin cleared")
}

// commit gates the proposal against the full resulting resource-class
// set and, when approved, writes the new assignment to the device.
func (p *Planner) commit(ctx context.Context, dev *device.Device, top profit.Candidate, classes map[int]uint64, why string) (Outcome, error) {
	proposed := make([]uint64, 0, len(classes))
	for idx, class := range classes {
		if idx == dev.Index {
			continue
		}
		proposed = append(proposed, class)
	}
	proposed = append(proposed, top.MemoryBytes)

	decision, err := p.gate.Check(ctx, proposed)
	if err != nil {
		return Outcome{}, err
	}
	if !decision.Approved {
		dev.AddNotice(fmt.Sprintf("MemoryInsufficient: need %s more addressable memory for %s",
			humanize.IBytes(decision.NeededBytes), top.Coin))
		p.logger.Warn("Switch rejected by memory gate",
			zap.Int("device", dev.Index),
			zap.String("coin", top.Coin),
			zap.Uint64("needed_bytes", decision.NeededBytes),
		)
		return Outcome{Device: dev, Kind: OutcomeUnchanged, Reason: "memory gate rejected"}, nil
	}

	p.mu.RLock()
	pool := p.cfg.Pools[top.Coin]
	wallet := p.cfg.Wallets[top.Coin]
	p.mu.RUnlock()

	asn := &device.Assignment{
		ID:          uuid.NewString(),
		DeviceIndex: dev.Index,
		Coin:        top.Coin,
		Algorithm:   top.Algorithm,
		PoolURL:     pool,
		Wallet:      wallet,
		NetValue:    top.NetValue,
		CommittedAt: p.now(),
	}
	dev.SetAssignment(asn)

	p.logger.Info("Assignment committed",
		zap.Int("device", dev.Index),
		zap.String("coin", top.Coin),
		zap.String("algorithm", top.Algorithm),
		zap.String("net_value_per_day", top.NetValue.StringFixed(4)),
		zap.String("trigger", why),
	)
	return Outcome{Device: dev, Kind: OutcomeSwitch, Assignment: asn, Reason: why}, nil
}

// firstWithWallet returns the best candidate whose coin has a payout
// address, noticing skipped better options.
func (p *Planner) firstWithWallet(dev *device.Device, candidates []profit.Candidate) (profit.Candidate, bool) {
	p.mu.RLock()
	wallets := p.cfg.Wallets
	p.mu.RUnlock()

	for _, c := range candidates {
		if wallets[c.Coin] != "" {
			return c, true
		}
		dev.AddNotice(fmt.Sprintf("no wallet configured for %s, skipping", c.Coin))
	}
	return profit.Candidate{}, false
}

// UpdateRouting replaces the wallet and pool tables. Config hot reloads
// call this between passes; the hysteresis settings stay fixed for the
// process lifetime.
func (p *Planner) UpdateRouting(wallets, pools map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Wallets = wallets
	p.cfg.Pools = pools
	p.logger.Info("Routing tables updated",
		zap.Int("wallets", len(wallets)),
		zap.Int("pools", len(pools)),
	)
}

func (p *Planner) currentClasses(reg *device.Registry) map[int]uint64 {
	classes := make(map[int]uint64, reg.Len())
	for _, dev := range reg.All() {
		if asn := dev.Assignment(); asn != nil {
			classes[dev.Index] = p.classOf(dev.Model, asn.Algorithm)
		}
	}
	return classes
}

func (p *Planner) classOf(model, algorithm string) uint64 {
	if cap, ok := p.catalog.Lookup(model, algorithm); ok {
		return cap.MemoryBytes
	}
	return 0
}
