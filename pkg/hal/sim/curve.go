package sim

import (
	"sync"

	"github.com/charlie0129/rccal/pkg/hal"
)

// CountFunc maps a trim value to the count a measurement returns.
type CountFunc func(trim uint8) uint32

// Linear returns count = target + slope*(trim-at).
func Linear(target uint32, slope int, at uint8) CountFunc {
	return func(trim uint8) uint32 {
		c := int64(target) + int64(slope)*(int64(trim)-int64(at))
		if c < 0 {
			return 0
		}
		return uint32(c)
	}
}

// Flat returns a count that ignores the trim.
func Flat(count uint32) CountFunc {
	return func(uint8) uint32 { return count }
}

var (
	_ hal.Hardware = &Curve{}
	_ hal.Measurer = &Curve{}
)

// Curve is hardware whose measurement is a pure function of the trim.
type Curve struct {
	Count CountFunc

	mu       sync.Mutex
	trim     uint8
	writes   []uint8
	measured []uint8
	delayed  uint64
}

// NewCurve returns a Curve starting at trim.
func NewCurve(trim uint8, count CountFunc) *Curve {
	return &Curve{Count: count, trim: trim}
}

// Measure implements hal.Measurer.
func (c *Curve) Measure(uint16) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.measured = append(c.measured, c.trim)
	return c.Count(c.trim), nil
}

// ReadTrim implements hal.Hardware.
func (c *Curve) ReadTrim() (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.trim, nil
}

// WriteTrimProtected implements hal.Hardware.
func (c *Curve) WriteTrimProtected(v uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trim = v
	c.writes = append(c.writes, v)
	return nil
}

// ResetReferenceCounter implements hal.Hardware.
func (c *Curve) ResetReferenceCounter() error { return nil }

// ReadReferenceCounter implements hal.Hardware.
func (c *Curve) ReadReferenceCounter() (uint16, error) { return 0, nil }

// ReferenceTimerBusy implements hal.Hardware.
func (c *Curve) ReferenceTimerBusy() (bool, error) { return false, nil }

// DelayMicroseconds implements hal.Hardware.
func (c *Curve) DelayMicroseconds(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delayed += uint64(n)
}

// Writes returns every value written to the trim register.
func (c *Curve) Writes() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint8(nil), c.writes...)
}

// Measured returns the trim value of every measurement, in order.
func (c *Curve) Measured() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint8(nil), c.measured...)
}

// DelayedMicroseconds returns the total requested delay.
func (c *Curve) DelayedMicroseconds() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.delayed
}
