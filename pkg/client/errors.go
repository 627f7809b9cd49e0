package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")

	// ErrCalibrationInProgress is returned when the daemon is busy with a session
	ErrCalibrationInProgress = errors.New("calibration in progress")

	// ErrNotInitialized is returned when the daemon has no usable calibrator
	ErrNotInitialized = errors.New("calibrator not initialized")
)
