package device

import (
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
	"go.uber.org/zap"
)

// StaticSpec pins a device in configuration instead of discovery.
type StaticSpec struct {
	Index  int    `mapstructure:"index" yaml:"index"`
	Vendor string `mapstructure:"vendor" yaml:"vendor"`
	Model  string `mapstructure:"model" yaml:"model"`
}

// Discover enumerates accelerator devices. A non-empty static list
// overrides PCI discovery entirely, which is how headless rigs and
// tests pin their device set.
func Discover(logger *zap.Logger, static []StaticSpec) (*Registry, error) {
	if len(static) > 0 {
		devices := make([]*Device, 0, len(static))
		for _, s := range static {
			devices = append(devices, NewDevice(s.Index, s.Vendor, s.Model))
		}
		logger.Info("Using static device list", zap.Int("devices", len(devices)))
		return NewRegistry(devices), nil
	}

	gpu, err := ghw.GPU()
	if err != nil {
		return nil, fmt.Errorf("gpu discovery failed: %w", err)
	}

	var devices []*Device
	for i, card := range gpu.GraphicsCards {
		vendor := ""
		model := fmt.Sprintf("GPU %d", i)
		if card.DeviceInfo != nil {
			if card.DeviceInfo.Vendor != nil {
				vendor = card.DeviceInfo.Vendor.Name
			}
			if card.DeviceInfo.Product != nil {
				model = card.DeviceInfo.Product.Name
			}
		}

		// Skip integrated/display-only adapters
		if isDisplayOnly(vendor, model) {
			logger.Debug("Skipping non-compute adapter",
				zap.Int("index", i),
				zap.String("model", model),
			)
			continue
		}

		logger.Info("Discovered device",
			zap.Int("index", i),
			zap.String("vendor", vendor),
			zap.String("model", model),
		)
		devices = append(devices, NewDevice(i, vendor, model))
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no usable accelerator devices found")
	}

	return NewRegistry(devices), nil
}

func isDisplayOnly(vendor, model string) bool {
	v := strings.ToLower(vendor)
	m := strings.ToLower(model)
	if strings.Contains(v, "intel") && !strings.Contains(m, "arc") {
		return true
	}
	return strings.Contains(m, "virtual") || strings.Contains(m, "microsoft basic")
}
