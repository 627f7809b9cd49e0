package calibration

import "errors"

var (
	// ErrToleranceNotReached is returned when a session ends without ever
	// observing a count within tolerance. The oscillator should be treated
	// as uncalibrated.
	ErrToleranceNotReached = errors.New("tolerance not reached")

	// ErrRestoredDefault is returned when a session met tolerance at some
	// point but could not confirm a trim, so the default trim was restored.
	ErrRestoredDefault = errors.New("restored default trim")
)
