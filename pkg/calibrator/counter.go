package calibrator

import (
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rccal/pkg/hal"
)

// countLimitFactor bounds the counting loop to this many times the target
// count, so a reference counter that never reaches the tick threshold cannot
// hang the session.
const countLimitFactor = 16

// Counter measures how many loop iterations elapse during a fixed number of
// reference ticks. The count grows with the oscillator frequency.
type Counter struct {
	hw          hal.Hardware
	ticks       uint16
	busyTimeout time.Duration
	limit       uint32
}

// NewCounter returns a Counter sampling ticks reference ticks. target is the
// expected count and sizes the loop bound.
func NewCounter(hw hal.Hardware, ticks uint16, busyTimeout time.Duration, target uint32) *Counter {
	limit := target * countLimitFactor
	if limit < 1<<16 {
		limit = 1 << 16
	}
	return &Counter{
		hw:          hw,
		ticks:       ticks,
		busyTimeout: busyTimeout,
		limit:       limit,
	}
}

// Measure returns one count.
func (c *Counter) Measure() (uint32, error) {
	if m, ok := c.hw.(hal.Measurer); ok {
		n, err := m.Measure(c.ticks)
		if err != nil {
			return 0, pkgerrors.Wrap(err, "target measurement failed")
		}
		return n, nil
	}

	if err := c.hw.ResetReferenceCounter(); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to reset reference counter")
	}
	if err := c.waitIdle(); err != nil {
		return 0, err
	}

	var cnt uint32
	for {
		cnt++
		v, err := c.hw.ReadReferenceCounter()
		if err != nil {
			return 0, pkgerrors.Wrap(err, "failed to read reference counter")
		}
		if v >= c.ticks {
			return cnt, nil
		}
		if cnt >= c.limit {
			return 0, pkgerrors.Wrapf(ErrReferenceStalled, "counter at %d after %d iterations", v, cnt)
		}
	}
}

// waitIdle waits for the asynchronous reference timer to finish updating.
func (c *Counter) waitIdle() error {
	deadline := time.Now().Add(c.busyTimeout)
	for {
		busy, err := c.hw.ReferenceTimerBusy()
		if err != nil {
			return pkgerrors.Wrap(err, "failed to read reference timer status")
		}
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return pkgerrors.Wrapf(ErrBusyTimeout, "still busy after %s", c.busyTimeout)
		}
	}
}
