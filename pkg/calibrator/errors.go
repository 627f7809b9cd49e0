package calibrator

import "errors"

var (
	// ErrBusyTimeout is returned when the reference timer never finishes
	// synchronising.
	ErrBusyTimeout = errors.New("reference timer busy timeout")
	// ErrReferenceStalled is returned when the reference counter stops
	// advancing during a measurement, usually a dead crystal.
	ErrReferenceStalled = errors.New("reference counter stalled")
	// ErrCalibrationInProgress is returned when the hardware is requested
	// while a session is running.
	ErrCalibrationInProgress = errors.New("calibration already in progress")
	// ErrNotInitialized is returned by Run before Initialize.
	ErrNotInitialized = errors.New("calibrator not initialized")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("calibrator closed")
)
