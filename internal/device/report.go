package device

import (
	"time"
)

// Report is the per-device status view handed to the presentation
// layer. It is a copy; mutating it never touches live device state.
type Report struct {
	Index  int          `json:"index"`
	Vendor string       `json:"vendor"`
	Model  string       `json:"model"`
	Health HealthStatus `json:"health"`

	// Current assignment, zero-valued when the device is idle
	Coin        string `json:"coin,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
	WorkerKind  string `json:"worker_kind,omitempty"`
	ControlPort int    `json:"control_port,omitempty"`

	// Live figures
	NetValuePerDay string    `json:"net_value_per_day,omitempty"`
	Hashrate       float64   `json:"hashrate"`
	Accepted       uint64    `json:"accepted_shares"`
	Rejected       uint64    `json:"rejected_shares"`
	RunningSince   time.Time `json:"running_since,omitempty"`
	CommittedAt    time.Time `json:"committed_at,omitempty"`

	// Surfaced terminal/blocking conditions
	Notices []string `json:"notices,omitempty"`
}
