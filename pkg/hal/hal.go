// Package hal describes the hardware a calibration session drives: the
// oscillator trim register and the asynchronous reference timer clocked by
// the external crystal.
package hal

import "errors"

// Hardware is the register-level view of the calibration peripherals.
type Hardware interface {
	// ReadTrim returns the currently committed trim register value.
	ReadTrim() (uint8, error)
	// WriteTrimProtected writes the trim register, performing any unlock
	// sequence the device requires for configuration-change-protected
	// registers.
	WriteTrimProtected(v uint8) error
	// ResetReferenceCounter zeroes the reference timer counter.
	ResetReferenceCounter() error
	// ReadReferenceCounter returns the reference timer counter.
	ReadReferenceCounter() (uint16, error)
	// ReferenceTimerBusy reports whether the asynchronous reference timer is
	// still synchronising a previous write.
	ReferenceTimerBusy() (bool, error)
	// DelayMicroseconds blocks for at least n microseconds.
	DelayMicroseconds(n uint32)
}

// Measurer is implemented by hardware that runs the counting loop itself.
// Remote targets must implement it: a loop on the host says nothing about
// the target's clock.
type Measurer interface {
	// Measure resets the reference counter, waits for it to synchronise and
	// returns how many loop iterations elapse during ticks reference ticks.
	Measure(ticks uint16) (uint32, error)
}

// Closer is implemented by hardware holding an OS resource.
type Closer interface {
	Close() error
}

var (
	// ErrProtocol is returned when a bridge answers something unexpected.
	ErrProtocol = errors.New("unexpected reply from target")
	// ErrMeasureTimeout is returned when a target-side measurement does not
	// complete in time.
	ErrMeasureTimeout = errors.New("measurement timed out")
)

// Close closes hw if it holds a resource.
func Close(hw Hardware) error {
	if c, ok := hw.(Closer); ok {
		return c.Close()
	}
	return nil
}
