// Package supervisor owns the external worker processes, one per
// device. It launches them with a confirmed-healthy handshake, polls
// their control channels, and restarts crashed workers with the same
// assignment. It never decides what a device mines; that is the
// planner's job.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/device"
	"github.com/shizukutanaka/kasegi/internal/worker"
)

// ewmaAlpha smooths the reported hashrate; one bad sample should not
// swing the status display.
const ewmaAlpha = 0.3

// Config tunes process lifecycle handling.
type Config struct {
	// MinersDir is the root directory holding worker binaries
	MinersDir string `mapstructure:"miners_dir"`
	// BasePort is the first control port; device i prefers BasePort+i
	BasePort int `mapstructure:"base_port"`
	// PortSpan bounds the conflict scan past the preferred port
	PortSpan int `mapstructure:"port_span"`
	// LaunchRetries is the number of spawn attempts before Failed
	LaunchRetries int `mapstructure:"launch_retries"`
	// LaunchGrace is how long a fresh worker has to show throughput
	LaunchGrace time.Duration `mapstructure:"launch_grace"`
	// FailAfterMisses is the consecutive poll misses before restart
	FailAfterMisses int `mapstructure:"fail_after_misses"`
	// StopTimeout bounds the SIGTERM wait before SIGKILL
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// WorkerPrefix names workers at the pool ("<prefix>-gpu<i>")
	WorkerPrefix string `mapstructure:"worker_prefix"`
}

// Observer receives lifecycle events for metrics.
type Observer interface {
	WorkerRestarted(deviceIndex int)
	LaunchFailed(deviceIndex int)
}

// Telemetry is the supervisor's view of one running worker.
type Telemetry struct {
	Hashrate  float64
	Accepted  uint64
	Rejected  uint64
	StartedAt time.Time
}

// process is a spawned worker under our control.
type process interface {
	Signal(sig os.Signal) error
	Kill() error
	Done() <-chan error
}

// runner spawns worker processes. Tests substitute a fake.
type runner interface {
	Start(binary string, args []string) (process, error)
}

// probeFunc queries a worker's control channel once.
type probeFunc func(ctx context.Context, port int, kind worker.Kind) (worker.Health, error)

type workerState struct {
	proc      process
	kind      worker.Kind
	port      int
	startedAt time.Time
	misses    int
	ewma      float64
	last      worker.Health
}

// Supervisor manages one worker process per device.
type Supervisor struct {
	logger *zap.Logger
	cfg    Config
	kinds  *worker.Registry
	ports  *portAllocator
	run    runner
	probe  probeFunc
	obs    Observer

	mu     sync.Mutex
	states map[int]*workerState
}

// New creates a supervisor spawning real processes.
func New(logger *zap.Logger, cfg Config, kinds *worker.Registry, obs Observer) *Supervisor {
	if cfg.PortSpan <= 0 {
		cfg.PortSpan = 256
	}
	if cfg.LaunchRetries <= 0 {
		cfg.LaunchRetries = 1
	}
	return &Supervisor{
		logger: logger,
		cfg:    cfg,
		kinds:  kinds,
		ports:  newPortAllocator(cfg.BasePort, cfg.PortSpan),
		run:    &execRunner{logger: logger},
		probe:  httpProbe,
		obs:    obs,
		states: make(map[int]*workerState),
	}
}

// Start launches a worker for the assignment and waits for it to show
// throughput within the grace period. Retries with exponential backoff
// up to the retry budget; past that the device is marked Failed.
func (s *Supervisor) Start(ctx context.Context, dev *device.Device, asn *device.Assignment) error {
	if asn == nil {
		return common.ErrNilInput
	}
	if err := s.Stop(ctx, dev); err != nil {
		return err
	}

	kind, err := s.resolveKind(asn)
	if err != nil {
		dev.SetHealth(device.HealthFailed)
		return common.NewDeviceError(dev.Index, errors.Join(common.ErrLaunchFailure, err))
	}

	port, err := s.ports.acquire(dev.Index)
	if err != nil {
		dev.SetHealth(device.HealthFailed)
		s.notifyLaunchFailed(dev.Index)
		return common.NewDeviceError(dev.Index, errors.Join(common.ErrLaunchFailure, err))
	}
	asn.ControlPort = port

	inv := worker.Invocation{
		Algorithm:   asn.Algorithm,
		PoolURL:     asn.PoolURL,
		Wallet:      asn.Wallet,
		WorkerName:  fmt.Sprintf("%s-gpu%d", s.cfg.WorkerPrefix, dev.Index),
		DeviceIndex: dev.Index,
		ControlPort: port,
	}
	binary := filepath.Join(s.cfg.MinersDir, kind.Binary())
	args := kind.BuildCommand(inv)

	var lastErr error
	for attempt := 0; attempt < s.cfg.LaunchRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			s.logger.Info("Retrying worker launch",
				zap.Int("device", dev.Index),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				s.ports.release(port)
				return ctx.Err()
			}
		}

		proc, err := s.run.Start(binary, args)
		if err != nil {
			lastErr = err
			continue
		}

		if err := s.awaitThroughput(ctx, port, kind); err != nil {
			lastErr = err
			proc.Kill()
			<-proc.Done()
			continue
		}

		s.mu.Lock()
		s.states[dev.Index] = &workerState{
			proc:      proc,
			kind:      kind,
			port:      port,
			startedAt: time.Now(),
		}
		s.mu.Unlock()

		dev.SetHealth(device.HealthHealthy)
		s.logger.Info("Worker started",
			zap.Int("device", dev.Index),
			zap.String("coin", asn.Coin),
			zap.String("worker_kind", kind.Name()),
			zap.Int("control_port", port),
		)
		return nil
	}

	s.ports.release(port)
	dev.SetHealth(device.HealthFailed)
	s.notifyLaunchFailed(dev.Index)
	s.logger.Error("Worker launch exhausted retries",
		zap.Int("device", dev.Index),
		zap.String("coin", asn.Coin),
		zap.Error(lastErr),
	)
	return common.NewDeviceError(dev.Index, errors.Join(common.ErrLaunchFailure, lastErr))
}

// Stop terminates the device's worker if one is running. Idempotent.
// SIGTERM first; SIGKILL if the process outlives the stop timeout.
func (s *Supervisor) Stop(ctx context.Context, dev *device.Device) error {
	s.mu.Lock()
	state := s.states[dev.Index]
	delete(s.states, dev.Index)
	s.mu.Unlock()

	if state == nil {
		return nil
	}
	defer s.ports.release(state.port)

	if err := state.proc.Signal(os.Interrupt); err != nil {
		state.proc.Kill()
	}

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-state.proc.Done():
	case <-time.After(timeout):
		s.logger.Warn("Worker ignored termination signal, killing",
			zap.Int("device", dev.Index))
		state.proc.Kill()
		<-state.proc.Done()
	case <-ctx.Done():
		state.proc.Kill()
		return ctx.Err()
	}

	dev.SetHealth(device.HealthIdle)
	s.logger.Info("Worker stopped", zap.Int("device", dev.Index))
	return nil
}

// Poll queries the device's control channel once and updates health.
// One miss degrades; FailAfterMisses consecutive misses fail the device
// and restart the worker with its current assignment unchanged.
func (s *Supervisor) Poll(ctx context.Context, dev *device.Device) error {
	s.mu.Lock()
	state := s.states[dev.Index]
	s.mu.Unlock()
	if state == nil {
		return nil
	}

	health, err := s.probe(ctx, state.port, state.kind)
	if err != nil {
		return s.recordMiss(ctx, dev, state, err)
	}

	s.mu.Lock()
	state.misses = 0
	state.last = health
	if state.ewma == 0 {
		state.ewma = health.Hashrate
	} else {
		state.ewma = ewmaAlpha*health.Hashrate + (1-ewmaAlpha)*state.ewma
	}
	s.mu.Unlock()

	if health.Hashrate > 0 {
		dev.SetHealth(device.HealthHealthy)
	}
	return nil
}

func (s *Supervisor) recordMiss(ctx context.Context, dev *device.Device, state *workerState, cause error) error {
	s.mu.Lock()
	if s.states[dev.Index] != state {
		// A concurrent switch replaced the worker after the probe; the
		// miss belongs to the old process
		s.mu.Unlock()
		return nil
	}
	state.misses++
	misses := state.misses
	s.mu.Unlock()

	if misses < s.cfg.FailAfterMisses {
		dev.SetHealth(device.HealthDegraded)
		s.logger.Warn("Worker health check missed",
			zap.Int("device", dev.Index),
			zap.Int("misses", misses),
			zap.Error(cause),
		)
		return nil
	}

	dev.SetHealth(device.HealthFailed)
	s.logger.Error("Worker unresponsive, restarting",
		zap.Int("device", dev.Index),
		zap.Int("misses", misses),
		zap.Error(cause),
	)
	if s.obs != nil {
		s.obs.WorkerRestarted(dev.Index)
	}

	// Same assignment; this is a crash restart, not a switch
	asn := dev.Assignment()
	if asn == nil {
		return s.Stop(ctx, dev)
	}
	return s.Start(ctx, dev, asn)
}

// Telemetry returns the smoothed stats of the device's worker.
func (s *Supervisor) Telemetry(deviceIndex int) (Telemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[deviceIndex]
	if state == nil {
		return Telemetry{}, false
	}
	return Telemetry{
		Hashrate:  state.ewma,
		Accepted:  state.last.Accepted,
		Rejected:  state.last.Rejected,
		StartedAt: state.startedAt,
	}, true
}

// StopAll stops every running worker concurrently under the caller's
// context deadline.
func (s *Supervisor) StopAll(ctx context.Context, devices []*device.Device) {
	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(d *device.Device) {
			defer wg.Done()
			if err := s.Stop(ctx, d); err != nil {
				s.logger.Warn("Stop during shutdown failed",
					zap.Int("device", d.Index), zap.Error(err))
			}
		}(dev)
	}
	wg.Wait()
}

func (s *Supervisor) resolveKind(asn *device.Assignment) (worker.Kind, error) {
	if asn.WorkerKind != "" {
		if k, ok := s.kinds.Get(asn.WorkerKind); ok && k.Supports(asn.Algorithm) {
			return k, nil
		}
	}
	k, err := s.kinds.ForAlgorithm(asn.Algorithm)
	if err != nil {
		return nil, err
	}
	asn.WorkerKind = k.Name()
	return k, nil
}

// awaitThroughput polls the control channel until the worker reports
// non-zero hashrate or the grace period expires.
func (s *Supervisor) awaitThroughput(ctx context.Context, port int, kind worker.Kind) error {
	grace := s.cfg.LaunchGrace
	if grace <= 0 {
		grace = 90 * time.Second
	}
	deadline := time.Now().Add(grace)

	var lastErr error = common.ErrHealthCheckTimeout
	for {
		health, err := s.probe(ctx, port, kind)
		if err == nil && health.Hashrate > 0 {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return errors.Join(common.ErrHealthCheckTimeout, lastErr)
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) notifyLaunchFailed(deviceIndex int) {
	if s.obs != nil {
		s.obs.LaunchFailed(deviceIndex)
	}
}

// ---------------------------------------------------------------------------
// Real process runner

type execRunner struct {
	logger *zap.Logger
}

func (r *execRunner) Start(binary string, args []string) (process, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", filepath.Base(binary), err)
	}
	p := &execProcess{cmd: cmd, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Done() <-chan error         { return p.done }

// httpProbe queries the worker's local control endpoint.
func httpProbe(ctx context.Context, port int, kind worker.Kind) (worker.Health, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, kind.HealthPath())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return worker.Health{}, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return worker.Health{}, fmt.Errorf("%w: %v", common.ErrHealthCheckTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return worker.Health{}, fmt.Errorf("control channel returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return worker.Health{}, err
	}
	return kind.ParseHealthResponse(body)
}
