// Package memgate implements the memory preflight check consulted
// before a switch set commits. Mining workers back their DAG and
// working set with addressable memory (RAM plus pagefile/swap);
// committing assignments past that bound crashes workers at allocation
// time, so the planner asks this gate first. Growing the backing store
// is a slow external operation the planner simply waits out.
package memgate

import (
	"context"
	"fmt"

	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Decision is the gate's verdict on a proposed resource-class set.
type Decision struct {
	Approved bool
	// NeededBytes is how much additional addressable memory the
	// proposal requires; zero when approved.
	NeededBytes uint64
	// AvailableBytes is the addressable memory the gate observed.
	AvailableBytes uint64
}

// Gate validates that a set of resource classes fits addressable memory.
type Gate interface {
	Check(ctx context.Context, resourceClasses []uint64) (Decision, error)
}

// Config tunes the system gate.
type Config struct {
	// Enabled turns gating off entirely when false (every check approves)
	Enabled bool `mapstructure:"enabled"`
	// ReserveBytes stays free for the OS and the orchestrator itself
	ReserveBytes uint64 `mapstructure:"reserve_bytes"`
}

// SystemGate checks proposals against the host's RAM plus swap.
type SystemGate struct {
	logger *zap.Logger
	cfg    Config
}

// NewSystemGate creates a gate over the host memory counters.
func NewSystemGate(logger *zap.Logger, cfg Config) *SystemGate {
	return &SystemGate{logger: logger, cfg: cfg}
}

// Check sums the proposed resource classes plus the configured reserve
// and compares against total RAM + swap.
func (g *SystemGate) Check(ctx context.Context, resourceClasses []uint64) (Decision, error) {
	if !g.cfg.Enabled {
		return Decision{Approved: true}, nil
	}

	available, err := g.addressableMemory(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read memory counters: %w", err)
	}

	var demand uint64
	for _, rc := range resourceClasses {
		demand += rc
	}
	demand += g.cfg.ReserveBytes

	if demand <= available {
		return Decision{Approved: true, AvailableBytes: available}, nil
	}

	needed := demand - available
	g.logger.Warn("Memory preflight rejected proposal",
		zap.Uint64("demand_bytes", demand),
		zap.Uint64("available_bytes", available),
		zap.Uint64("needed_bytes", needed),
	)

	return Decision{Approved: false, NeededBytes: needed, AvailableBytes: available}, nil
}

// addressableMemory returns total RAM plus swap. When gopsutil cannot
// read the host (restricted containers), fall back to physical RAM only.
func (g *SystemGate) addressableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		total := memory.TotalMemory()
		if total == 0 {
			return 0, err
		}
		g.logger.Debug("Falling back to physical memory total", zap.Error(err))
		return total, nil
	}

	total := vm.Total
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		total += swap.Total
	}
	return total, nil
}

// FixedGate approves while the proposal fits a fixed capacity. Used in
// tests and for operator-pinned limits.
type FixedGate struct {
	CapacityBytes uint64
	ReserveBytes  uint64
}

// Check compares the proposal against the fixed capacity.
func (g *FixedGate) Check(ctx context.Context, resourceClasses []uint64) (Decision, error) {
	var demand uint64
	for _, rc := range resourceClasses {
		demand += rc
	}
	demand += g.ReserveBytes

	if demand <= g.CapacityBytes {
		return Decision{Approved: true, AvailableBytes: g.CapacityBytes}, nil
	}
	return Decision{
		Approved:       false,
		NeededBytes:    demand - g.CapacityBytes,
		AvailableBytes: g.CapacityBytes,
	}, nil
}
