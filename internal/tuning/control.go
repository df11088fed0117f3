package tuning

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

// NvidiaSMIControl applies power limits through nvidia-smi. Clock
// offsets need a running display server and nvidia-settings, so they
// are logged and skipped here; the power limit dominates efficiency
// tuning anyway.
type NvidiaSMIControl struct {
	logger *zap.Logger
	// Binary defaults to "nvidia-smi"
	Binary string
}

// NewNvidiaSMIControl creates the nvidia-smi backed control.
func NewNvidiaSMIControl(logger *zap.Logger) *NvidiaSMIControl {
	return &NvidiaSMIControl{logger: logger, Binary: "nvidia-smi"}
}

// ApplyProfile sets the device power limit.
func (c *NvidiaSMIControl) ApplyProfile(ctx context.Context, deviceIndex int, p Profile) error {
	if p.CoreOffsetMHz != 0 || p.MemoryOffsetMHz != 0 {
		c.logger.Debug("Clock offsets not applied, no display server control",
			zap.Int("device", deviceIndex),
			zap.Int("core_offset_mhz", p.CoreOffsetMHz),
			zap.Int("memory_offset_mhz", p.MemoryOffsetMHz),
		)
	}
	if p.PowerLimitWatts <= 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, c.Binary,
		"-i", strconv.Itoa(deviceIndex),
		"-pl", strconv.Itoa(p.PowerLimitWatts),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("nvidia-smi power limit: %w: %s", err, out)
	}
	return nil
}

// NoopControl ignores every profile. Used when tuning is configured
// off but callers still want a non-nil control.
type NoopControl struct{}

func (NoopControl) ApplyProfile(context.Context, int, Profile) error { return nil }
