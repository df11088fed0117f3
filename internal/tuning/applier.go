// Package tuning applies per-(coin, model) clock and power profiles
// after a switch commits. Tuning is best-effort: a failed apply reverts
// to the last known-good profile and flags the device, but never blocks
// or rolls back the assignment itself.
package tuning

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/kasegi/internal/common"
	"github.com/shizukutanaka/kasegi/internal/device"
)

// Profile is one clock/power/fan setting set.
type Profile struct {
	CoreOffsetMHz   int `yaml:"core_offset_mhz"`
	MemoryOffsetMHz int `yaml:"memory_offset_mhz"`
	PowerLimitWatts int `yaml:"power_limit_watts"`
	FanPercent      int `yaml:"fan_percent"`
}

// DeviceControl pushes a profile onto hardware. Implementations wrap
// the vendor tooling; tests substitute a recorder.
type DeviceControl interface {
	ApplyProfile(ctx context.Context, deviceIndex int, p Profile) error
}

// Config locates the profile table.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// ProfilePath is the YAML profile table; hot reloaded on change
	ProfilePath string `mapstructure:"profile_path"`
}

// profileFile is the on-disk shape: a conservative default plus
// per-coin, per-model overrides. "*" matches any model.
type profileFile struct {
	Default  Profile                       `yaml:"default"`
	Profiles map[string]map[string]Profile `yaml:"profiles"`
}

// Applier looks up and applies tuning profiles.
type Applier struct {
	logger *zap.Logger
	cfg    Config
	ctrl   DeviceControl

	mu       sync.RWMutex
	def      Profile
	profiles map[string]map[string]Profile
	lastGood map[int]Profile

	watcher *fsnotify.Watcher
}

// New creates an applier and loads the profile table when configured.
func New(logger *zap.Logger, cfg Config, ctrl DeviceControl) (*Applier, error) {
	a := &Applier{
		logger:   logger,
		cfg:      cfg,
		ctrl:     ctrl,
		lastGood: make(map[int]Profile),
	}
	if cfg.ProfilePath != "" {
		if err := a.reload(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Apply pushes the profile for the assignment's coin onto the device.
// On failure it reverts to the device's last known-good profile and
// returns a TuningFailure; callers record a notice and move on.
func (a *Applier) Apply(ctx context.Context, dev *device.Device, asn *device.Assignment) error {
	if !a.cfg.Enabled {
		return nil
	}

	profile := a.lookup(asn.Coin, dev.Model)
	if err := a.ctrl.ApplyProfile(ctx, dev.Index, profile); err != nil {
		a.logger.Warn("Tuning profile apply failed, reverting",
			zap.Int("device", dev.Index),
			zap.String("coin", asn.Coin),
			zap.Error(err),
		)
		a.revertToKnownGood(ctx, dev.Index)
		return common.NewDeviceError(dev.Index, fmt.Errorf("%w: %v", common.ErrTuningFailure, err))
	}

	a.mu.Lock()
	a.lastGood[dev.Index] = profile
	a.mu.Unlock()

	a.logger.Info("Tuning profile applied",
		zap.Int("device", dev.Index),
		zap.String("coin", asn.Coin),
		zap.Int("power_limit_watts", profile.PowerLimitWatts),
	)
	return nil
}

// Revert restores the conservative default, used when a worker stops.
func (a *Applier) Revert(ctx context.Context, dev *device.Device) error {
	if !a.cfg.Enabled {
		return nil
	}

	a.mu.Lock()
	delete(a.lastGood, dev.Index)
	def := a.def
	a.mu.Unlock()

	if err := a.ctrl.ApplyProfile(ctx, dev.Index, def); err != nil {
		return common.NewDeviceError(dev.Index, fmt.Errorf("%w: %v", common.ErrTuningFailure, err))
	}
	return nil
}

// Watch hot-reloads the profile table when the file changes. Blocks
// until the context is done.
func (a *Applier) Watch(ctx context.Context) error {
	if a.cfg.ProfilePath == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	defer watcher.Close()
	a.watcher = watcher

	if err := watcher.Add(a.cfg.ProfilePath); err != nil {
		return fmt.Errorf("watch %s: %w", a.cfg.ProfilePath, err)
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := a.reload(); err != nil {
				a.logger.Error("Profile reload failed, keeping previous table", zap.Error(err))
				continue
			}
			a.logger.Info("Tuning profiles reloaded", zap.String("path", a.cfg.ProfilePath))
		case err := <-watcher.Errors:
			a.logger.Warn("Profile watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Applier) reload() error {
	data, err := os.ReadFile(a.cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("read tuning profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse tuning profiles: %w", err)
	}

	a.mu.Lock()
	a.def = file.Default
	a.profiles = file.Profiles
	a.mu.Unlock()
	return nil
}

// lookup resolves coin+model, then coin+"*", then the default.
func (a *Applier) lookup(coin, model string) Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if byModel, ok := a.profiles[coin]; ok {
		if p, ok := byModel[model]; ok {
			return p
		}
		if p, ok := byModel["*"]; ok {
			return p
		}
	}
	return a.def
}

func (a *Applier) revertToKnownGood(ctx context.Context, deviceIndex int) {
	a.mu.RLock()
	good, ok := a.lastGood[deviceIndex]
	if !ok {
		good = a.def
	}
	a.mu.RUnlock()

	if err := a.ctrl.ApplyProfile(ctx, deviceIndex, good); err != nil {
		a.logger.Error("Revert to known-good profile failed",
			zap.Int("device", deviceIndex), zap.Error(err))
	}
}
