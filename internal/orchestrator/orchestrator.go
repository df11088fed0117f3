// Package orchestrator runs the evaluation and health-poll loops. Each
// evaluation cycle fetches one market snapshot, lets the planner decide
// per-device assignments, and realizes committed switches by cycling
// the affected workers and applying tuning. Health polling runs on its
// own cadence so a hung worker is caught between evaluations.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/device"
	"github.com/shizukutanaka/kasegi/internal/market"
	"github.com/shizukutanaka/kasegi/internal/monitoring"
	"github.com/shizukutanaka/kasegi/internal/planner"
	"github.com/shizukutanaka/kasegi/internal/supervisor"
)

// Config tunes the loop cadences.
type Config struct {
	// EvaluateInterval is the time between planning cycles
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
	// PollInterval is the time between worker health polls
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// ShutdownTimeout bounds the concurrent worker stop on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// workerSupervisor is the process-lifecycle collaborator.
type workerSupervisor interface {
	Start(ctx context.Context, dev *device.Device, asn *device.Assignment) error
	Stop(ctx context.Context, dev *device.Device) error
	Poll(ctx context.Context, dev *device.Device) error
	Telemetry(deviceIndex int) (supervisor.Telemetry, bool)
	StopAll(ctx context.Context, devices []*device.Device)
}

// assignmentPlanner is the per-cycle decision collaborator.
type assignmentPlanner interface {
	Plan(ctx context.Context, reg *device.Registry, snap *market.Snapshot) ([]planner.Outcome, error)
}

// tuner applies clock/power profiles after switches.
type tuner interface {
	Apply(ctx context.Context, dev *device.Device, asn *device.Assignment) error
	Revert(ctx context.Context, dev *device.Device) error
}

// Orchestrator owns the run loops and the per-device status view.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	registry *device.Registry
	provider market.Provider
	planner  assignmentPlanner
	sup      workerSupervisor
	tuner    tuner
	metrics  *monitoring.Metrics

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	lastNotices map[int][]string
}

// New wires an orchestrator. metrics may be nil.
func New(logger *zap.Logger, cfg Config, reg *device.Registry, provider market.Provider,
	pl assignmentPlanner, sup workerSupervisor, tu tuner, metrics *monitoring.Metrics) *Orchestrator {
	return &Orchestrator{
		logger:      logger,
		cfg:         cfg,
		registry:    reg,
		provider:    provider,
		planner:     pl,
		sup:         sup,
		tuner:       tu,
		metrics:     metrics,
		lastNotices: make(map[int][]string),
	}
}

// Start launches the evaluation and poll loops. The first evaluation
// runs immediately so devices do not idle for a full interval.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return common.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(2)
	go o.evaluationLoop(runCtx)
	go o.pollLoop(runCtx)

	o.logger.Info("Orchestrator started",
		zap.Duration("evaluate_interval", o.cfg.EvaluateInterval),
		zap.Duration("poll_interval", o.cfg.PollInterval),
		zap.Int("devices", o.registry.Len()),
	)
	return nil
}

// Stop halts the loops first, then stops every worker concurrently
// under the shutdown timeout.
func (o *Orchestrator) Stop() error {
	if !o.running.CompareAndSwap(true, false) {
		return common.ErrAlreadyStopped
	}

	o.cancel()
	o.wg.Wait()

	timeout := o.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	o.sup.StopAll(ctx, o.registry.All())
	for _, dev := range o.registry.All() {
		if err := o.tuner.Revert(ctx, dev); err != nil {
			o.logger.Warn("Tuning revert on shutdown failed",
				zap.Int("device", dev.Index), zap.Error(err))
		}
	}

	o.logger.Info("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) evaluationLoop(ctx context.Context) {
	defer o.wg.Done()

	o.runCycle(ctx)

	ticker := time.NewTicker(o.cfg.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.runCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, dev := range o.registry.All() {
				if err := o.sup.Poll(ctx, dev); err != nil {
					o.logger.Warn("Health poll failed",
						zap.Int("device", dev.Index), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// runCycle executes one fetch, plan, realize pass. A failed fetch or a
// stale snapshot skips the cycle; current workers keep mining.
func (o *Orchestrator) runCycle(ctx context.Context) {
	started := time.Now()

	snap, err := o.provider.Fetch(ctx)
	if err != nil {
		o.logger.Error("Market fetch failed, skipping cycle", zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.SnapshotAge(snap.Age().Seconds())
	}

	outcomes, err := o.planner.Plan(ctx, o.registry, snap)
	if err != nil {
		// Per-device errors come joined alongside valid outcomes; a
		// pass-level failure (stale snapshot) yields none at all
		o.logger.Warn("Planning pass reported errors", zap.Error(err))
	}

	for _, outcome := range outcomes {
		if outcome.Kind != planner.OutcomeSwitch {
			continue
		}
		o.realizeSwitch(ctx, outcome)
	}

	o.recoverFailed(ctx)
	o.publishMetrics()
	if o.metrics != nil {
		o.metrics.CycleDone(time.Since(started).Seconds())
	}
}

// realizeSwitch cycles the device's worker onto its new assignment.
func (o *Orchestrator) realizeSwitch(ctx context.Context, outcome planner.Outcome) {
	dev := outcome.Device
	asn := outcome.Assignment

	if err := o.sup.Start(ctx, dev, asn); err != nil {
		dev.AddNotice("LaunchFailure: " + err.Error())
		o.logger.Error("Switch realization failed",
			zap.Int("device", dev.Index),
			zap.String("coin", asn.Coin),
			zap.Error(err),
		)
		return
	}

	if err := o.tuner.Apply(ctx, dev, asn); err != nil {
		// Tuning never rolls the assignment back
		dev.AddNotice("TuningFailure: " + err.Error())
	}

	if o.metrics != nil {
		o.metrics.SwitchCommitted(dev.Index)
		o.metrics.ObserveNetValue(dev.Index, asn.Coin, asn.NetValue.InexactFloat64())
	}
}

// recoverFailed restarts workers for devices that hold a committed
// assignment but whose worker is gone. A launch that exhausted its
// retry budget, or a crash restart that did, leaves the device Failed
// with no process; the planner then sees it already on the best coin
// and never emits another switch, so each full cycle retries here.
func (o *Orchestrator) recoverFailed(ctx context.Context) {
	for _, dev := range o.registry.All() {
		if dev.Health() != device.HealthFailed {
			continue
		}
		asn := dev.Assignment()
		if asn == nil {
			continue
		}

		o.logger.Info("Retrying worker for failed device",
			zap.Int("device", dev.Index),
			zap.String("coin", asn.Coin),
		)
		if err := o.sup.Start(ctx, dev, asn); err != nil {
			dev.AddNotice("LaunchFailure: " + err.Error())
			o.logger.Error("Worker retry failed",
				zap.Int("device", dev.Index), zap.Error(err))
			continue
		}
		if err := o.tuner.Apply(ctx, dev, asn); err != nil {
			dev.AddNotice("TuningFailure: " + err.Error())
		}
	}
}

// Reports returns the per-device status view for the API layer.
func (o *Orchestrator) Reports() []device.Report {
	reports := make([]device.Report, 0, o.registry.Len())
	for _, dev := range o.registry.All() {
		r := device.Report{
			Index:  dev.Index,
			Vendor: dev.Vendor,
			Model:  dev.Model,
			Health: dev.Health(),
		}

		if asn := dev.Assignment(); asn != nil {
			r.Coin = asn.Coin
			r.Algorithm = asn.Algorithm
			r.WorkerKind = asn.WorkerKind
			r.ControlPort = asn.ControlPort
			r.NetValuePerDay = asn.NetValue.StringFixed(4)
			r.CommittedAt = asn.CommittedAt
		}

		if tele, ok := o.sup.Telemetry(dev.Index); ok {
			r.Hashrate = tele.Hashrate
			r.Accepted = tele.Accepted
			r.Rejected = tele.Rejected
			r.RunningSince = tele.StartedAt
		}

		r.Notices = o.refreshNotices(dev)
		reports = append(reports, r)
	}
	return reports
}

// refreshNotices drains new notices and keeps the latest batch visible
// until the next batch replaces it, so a notice raised between reads is
// not lost to whichever caller read first.
func (o *Orchestrator) refreshNotices(dev *device.Device) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fresh := dev.TakeNotices(); len(fresh) > 0 {
		o.lastNotices[dev.Index] = fresh
	}
	return o.lastNotices[dev.Index]
}

func (o *Orchestrator) publishMetrics() {
	if o.metrics == nil {
		return
	}
	for _, r := range o.Reports() {
		o.metrics.ObserveDevice(r)
	}
}
