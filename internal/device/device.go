package device

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// HealthStatus classifies a device's worker health
type HealthStatus string

const (
	HealthIdle     HealthStatus = "idle"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// Assignment is the (coin, algorithm) currently committed to a device.
// It is created by the planner when a switch commits and replaced
// atomically on the next switch. CommittedAt drives the cooldown rule;
// crash restarts reuse the assignment and must not touch it.
type Assignment struct {
	ID          string          `json:"id"`
	DeviceIndex int             `json:"device_index"`
	Coin        string          `json:"coin"`
	Algorithm   string          `json:"algorithm"`
	WorkerKind  string          `json:"worker_kind"`
	PoolURL     string          `json:"pool_url"`
	Wallet      string          `json:"wallet"`
	ControlPort int             `json:"control_port"`
	NetValue    decimal.Decimal `json:"net_value"`
	CommittedAt time.Time       `json:"committed_at"`
}

// SameWork reports whether two assignments mine the same coin with the
// same algorithm. Used to distinguish a re-commit from a real switch.
func (a *Assignment) SameWork(b *Assignment) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Coin == b.Coin && a.Algorithm == b.Algorithm
}

// Device is one accelerator unit tracked and scheduled independently.
// The planner is the only writer of the assignment field; the supervisor
// owns the process-state fields. Both go through the per-device mutex so
// a health-triggered restart cannot race a planned switch.
type Device struct {
	Index  int
	Vendor string
	Model  string

	mu         sync.Mutex
	assignment *Assignment
	health     HealthStatus
	notices    []string
}

// NewDevice creates a device in the idle state.
func NewDevice(index int, vendor, model string) *Device {
	return &Device{
		Index:  index,
		Vendor: vendor,
		Model:  model,
		health: HealthIdle,
	}
}

// Lock acquires the per-device mutex. Callers that need a consistent
// view across assignment and health must hold it for the whole sequence.
func (d *Device) Lock() { d.mu.Lock() }

// Unlock releases the per-device mutex.
func (d *Device) Unlock() { d.mu.Unlock() }

// Assignment returns the current committed assignment, or nil.
func (d *Device) Assignment() *Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.assignment
}

// SetAssignment replaces the committed assignment. Planner use only.
func (d *Device) SetAssignment(a *Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignment = a
}

// Health returns the current health classification.
func (d *Device) Health() HealthStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// SetHealth updates the health classification. Supervisor use only.
func (d *Device) SetHealth(h HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = h
}

// AddNotice records a user-visible status flag (MemoryInsufficient,
// TuningFailure, ...) for the device's next report.
func (d *Device) AddNotice(notice string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, notice)
}

// TakeNotices returns accumulated notices and clears them.
func (d *Device) TakeNotices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.notices
	d.notices = nil
	return n
}

// Registry is a flat table of devices indexed by device index.
// The slice is fixed after construction; per-device state is guarded by
// each device's own mutex, so readers never take a registry-wide lock.
type Registry struct {
	devices []*Device
	byIndex map[int]*Device
}

// NewRegistry builds a registry from a fixed device set.
func NewRegistry(devices []*Device) *Registry {
	byIndex := make(map[int]*Device, len(devices))
	for _, d := range devices {
		byIndex[d.Index] = d
	}
	return &Registry{devices: devices, byIndex: byIndex}
}

// All returns the devices in index order.
func (r *Registry) All() []*Device {
	return r.devices
}

// Get returns the device with the given index.
func (r *Registry) Get(index int) (*Device, bool) {
	d, ok := r.byIndex[index]
	return d, ok
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	return len(r.devices)
}
