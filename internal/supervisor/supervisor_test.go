package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/device"
	"github.com/shizukutanaka/kasegi/internal/worker"
)

type fakeProcess struct {
	mu           sync.Mutex
	signaled     bool
	killed       bool
	exitOnSignal bool
	done         chan error
}

func newFakeProcess(exitOnSignal bool) *fakeProcess {
	return &fakeProcess{exitOnSignal: exitOnSignal, done: make(chan error, 1)}
}

func (p *fakeProcess) Signal(os.Signal) error {
	p.mu.Lock()
	p.signaled = true
	exit := p.exitOnSignal
	p.mu.Unlock()
	if exit {
		p.finish()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish()
	return nil
}

func (p *fakeProcess) Done() <-chan error { return p.done }

func (p *fakeProcess) finish() {
	select {
	case p.done <- nil:
	default:
	}
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeRunner struct {
	mu           sync.Mutex
	starts       int
	exitOnSignal bool
	last         *fakeProcess
	failStart    error
}

func (r *fakeRunner) Start(binary string, args []string) (process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.failStart != nil {
		return nil, r.failStart
	}
	r.last = newFakeProcess(r.exitOnSignal)
	return r.last, nil
}

type countingObserver struct {
	mu        sync.Mutex
	restarts  int
	launchErr int
}

func (o *countingObserver) WorkerRestarted(int) {
	o.mu.Lock()
	o.restarts++
	o.mu.Unlock()
}

func (o *countingObserver) LaunchFailed(int) {
	o.mu.Lock()
	o.launchErr++
	o.mu.Unlock()
}

// scriptedProbe returns the given results in order, repeating the last.
func scriptedProbe(results ...func() (worker.Health, error)) probeFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, port int, kind worker.Kind) (worker.Health, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[i]
		if i < len(results)-1 {
			i++
		}
		return r()
	}
}

func healthy(hashrate float64) func() (worker.Health, error) {
	return func() (worker.Health, error) { return worker.Health{Hashrate: hashrate}, nil }
}

func unreachable() func() (worker.Health, error) {
	return func() (worker.Health, error) {
		return worker.Health{}, errors.New("connection refused")
	}
}

func newTestSupervisor(cfg Config, run runner, probe probeFunc, obs Observer) *Supervisor {
	if cfg.BasePort == 0 {
		cfg.BasePort = 4067
	}
	if cfg.PortSpan == 0 {
		cfg.PortSpan = 16
	}
	if cfg.LaunchRetries == 0 {
		cfg.LaunchRetries = 1
	}
	if cfg.LaunchGrace == 0 {
		cfg.LaunchGrace = 100 * time.Millisecond
	}
	if cfg.FailAfterMisses == 0 {
		cfg.FailAfterMisses = 3
	}
	s := &Supervisor{
		logger: zap.NewNop(),
		cfg:    cfg,
		kinds:  worker.NewRegistry(),
		ports:  newPortAllocator(cfg.BasePort, cfg.PortSpan),
		run:    run,
		probe:  probe,
		obs:    obs,
		states: make(map[int]*workerState),
	}
	s.ports.free = func(int) bool { return true }
	return s
}

func testAssignment(index int) *device.Assignment {
	return &device.Assignment{
		ID:          "a-1",
		DeviceIndex: index,
		Coin:        "RVN",
		Algorithm:   "kawpow",
		PoolURL:     "stratum+tcp://rvn.pool.example:3838",
		Wallet:      "RWalletAddr",
		CommittedAt: time.Now().Add(-time.Hour),
	}
}

func TestStartConfirmsThroughput(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), nil)
	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	asn := testAssignment(0)

	require.NoError(t, sup.Start(context.Background(), dev, asn))

	assert.Equal(t, device.HealthHealthy, dev.Health())
	assert.Equal(t, 4067, asn.ControlPort)
	assert.Equal(t, "t-rex", asn.WorkerKind)
	assert.Equal(t, 1, run.starts)

	_, ok := sup.Telemetry(0)
	assert.True(t, ok)
}

func TestStartPortFollowsDeviceIndex(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), nil)
	dev := device.NewDevice(3, "NVIDIA", "RTX 3080")
	asn := testAssignment(3)

	require.NoError(t, sup.Start(context.Background(), dev, asn))
	assert.Equal(t, 4070, asn.ControlPort)
}

func TestStartScansPastBusyPort(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), nil)
	sup.ports.free = func(port int) bool { return port != 4067 }

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	asn := testAssignment(0)
	require.NoError(t, sup.Start(context.Background(), dev, asn))
	assert.Equal(t, 4068, asn.ControlPort)
}

func TestStartPortExhaustionIsLaunchFailure(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), obs)
	sup.ports.free = func(int) bool { return false }

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	err := sup.Start(context.Background(), dev, testAssignment(0))
	assert.ErrorIs(t, err, common.ErrLaunchFailure)
	assert.ErrorIs(t, err, common.ErrPortConflict)
	assert.Equal(t, device.HealthFailed, dev.Health())
	assert.Equal(t, 1, obs.launchErr)
	assert.Zero(t, run.starts)
}

func TestStartFailsWithoutThroughput(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{LaunchGrace: 20 * time.Millisecond}, run,
		scriptedProbe(healthy(0)), obs)

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	err := sup.Start(context.Background(), dev, testAssignment(0))
	assert.ErrorIs(t, err, common.ErrLaunchFailure)
	assert.ErrorIs(t, err, common.ErrHealthCheckTimeout)
	assert.Equal(t, device.HealthFailed, dev.Health())
	assert.Equal(t, 1, obs.launchErr)
	assert.True(t, run.last.wasKilled())

	var devErr *common.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, 0, devErr.Index)
}

func TestStartSpawnErrorIsLaunchFailure(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{failStart: errors.New("no such file")}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), nil)

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	err := sup.Start(context.Background(), dev, testAssignment(0))
	assert.ErrorIs(t, err, common.ErrLaunchFailure)
	assert.Equal(t, 1, run.starts)
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), nil)
	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")

	// Stop with nothing running is a no-op
	require.NoError(t, sup.Stop(context.Background(), dev))

	require.NoError(t, sup.Start(context.Background(), dev, testAssignment(0)))
	require.NoError(t, sup.Stop(context.Background(), dev))
	assert.Equal(t, device.HealthIdle, dev.Health())
	assert.False(t, run.last.wasKilled(), "graceful exit must not be killed")

	require.NoError(t, sup.Stop(context.Background(), dev))

	_, ok := sup.Telemetry(0)
	assert.False(t, ok)
}

func TestStopKillsAfterTimeout(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: false}
	sup := newTestSupervisor(Config{StopTimeout: 20 * time.Millisecond}, run,
		scriptedProbe(healthy(100)), nil)
	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")

	require.NoError(t, sup.Start(context.Background(), dev, testAssignment(0)))
	require.NoError(t, sup.Stop(context.Background(), dev))
	assert.True(t, run.last.wasKilled())
}

func TestPollDegradesThenRestarts(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	run := &fakeRunner{exitOnSignal: true}
	// launch probe, two misses, then healthy again for the restart
	probe := scriptedProbe(healthy(100), unreachable(), unreachable(), healthy(100))
	sup := newTestSupervisor(Config{FailAfterMisses: 2}, run, probe, obs)

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	asn := testAssignment(0)
	committed := asn.CommittedAt
	require.NoError(t, sup.Start(context.Background(), dev, asn))
	dev.SetAssignment(asn)

	require.NoError(t, sup.Poll(context.Background(), dev))
	assert.Equal(t, device.HealthDegraded, dev.Health())
	assert.Zero(t, obs.restarts)

	require.NoError(t, sup.Poll(context.Background(), dev))
	assert.Equal(t, 1, obs.restarts)
	assert.Equal(t, 2, run.starts)
	assert.Equal(t, device.HealthHealthy, dev.Health())

	// Crash restart reuses the assignment without re-committing
	assert.Same(t, asn, dev.Assignment())
	assert.Equal(t, committed, dev.Assignment().CommittedAt)
}

func TestPollMissOnReplacedWorkerIsIgnored(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{FailAfterMisses: 1}, run, scriptedProbe(healthy(100)), obs)

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	require.NoError(t, sup.Start(context.Background(), dev, testAssignment(0)))

	sup.mu.Lock()
	stale := sup.states[0]
	sup.mu.Unlock()

	// A planned switch replaces the worker under the same device
	require.NoError(t, sup.Start(context.Background(), dev, testAssignment(0)))

	// A miss recorded against the replaced worker must not churn the new one
	require.NoError(t, sup.recordMiss(context.Background(), dev, stale, errors.New("connection refused")))
	assert.Equal(t, device.HealthHealthy, dev.Health())
	assert.Zero(t, obs.restarts)
	assert.Equal(t, 2, run.starts)
}

func TestPollSmoothsHashrate(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: true}
	probe := scriptedProbe(healthy(100), healthy(100), healthy(200))
	sup := newTestSupervisor(Config{}, run, probe, nil)

	dev := device.NewDevice(0, "NVIDIA", "RTX 3080")
	require.NoError(t, sup.Start(context.Background(), dev, testAssignment(0)))

	require.NoError(t, sup.Poll(context.Background(), dev))
	tele, ok := sup.Telemetry(0)
	require.True(t, ok)
	assert.InDelta(t, 100, tele.Hashrate, 0.001)

	require.NoError(t, sup.Poll(context.Background(), dev))
	tele, _ = sup.Telemetry(0)
	assert.InDelta(t, 0.3*200+0.7*100, tele.Hashrate, 0.001)
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	run := &fakeRunner{exitOnSignal: true}
	sup := newTestSupervisor(Config{}, run, scriptedProbe(healthy(100)), nil)

	devs := []*device.Device{
		device.NewDevice(0, "NVIDIA", "RTX 3080"),
		device.NewDevice(1, "NVIDIA", "RTX 3070"),
	}
	for _, d := range devs {
		require.NoError(t, sup.Start(context.Background(), d, testAssignment(d.Index)))
	}

	sup.StopAll(context.Background(), devs)
	for _, d := range devs {
		assert.Equal(t, device.HealthIdle, d.Health())
	}
}
