package common

import (
	"errors"
	"fmt"
)

// Common sentinel errors used across the orchestrator
var (
	// General errors
	ErrNilInput       = errors.New("nil input provided")
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")

	// Planning errors
	ErrDataUnavailable = errors.New("no capability data for device")
	ErrInvalidSnapshot = errors.New("market snapshot unusable")
	ErrSnapshotStale   = errors.New("market snapshot too old")

	// Supervision errors
	ErrLaunchFailure      = errors.New("worker launch failed")
	ErrHealthCheckTimeout = errors.New("worker health check timed out")
	ErrPortConflict       = errors.New("control port conflict")

	// Tuning errors
	ErrTuningFailure = errors.New("tuning profile apply failed")
)

// DeviceError wraps an error with the device index it occurred on.
// Errors local to one device must never abort work on its siblings,
// so callers collect these instead of returning early.
type DeviceError struct {
	Index int
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %d: %v", e.Index, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError wraps err with a device index.
func NewDeviceError(index int, err error) *DeviceError {
	return &DeviceError{Index: index, Err: err}
}
