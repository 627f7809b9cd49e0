package calibrator

import (
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/hal"
)

// Trimmer commits trim values and waits for the oscillator to settle.
type Trimmer struct {
	hw     hal.Hardware
	settle uint32
	lo, hi uint8
}

// NewTrimmer returns a Trimmer that keeps values within [lo, hi].
func NewTrimmer(hw hal.Hardware, settleMicroseconds uint32, lo, hi uint8) *Trimmer {
	return &Trimmer{hw: hw, settle: settleMicroseconds, lo: lo, hi: hi}
}

// Read returns the committed trim.
func (t *Trimmer) Read() (uint8, error) {
	v, err := t.hw.ReadTrim()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to read trim")
	}
	return v, nil
}

// Write commits v and waits for the new frequency to stabilise.
func (t *Trimmer) Write(v uint8) error {
	logrus.WithField("trim", v).Trace("writing trim")

	if err := t.hw.WriteTrimProtected(v); err != nil {
		return pkgerrors.Wrapf(err, "failed to write trim %#02x", v)
	}
	t.hw.DelayMicroseconds(t.settle)
	return nil
}

// Offset returns v moved by delta, clamped to the trim field.
func (t *Trimmer) Offset(v uint8, delta int) uint8 {
	n := int(v) + delta
	if n < int(t.lo) {
		return t.lo
	}
	if n > int(t.hi) {
		return t.hi
	}
	return uint8(n)
}

// Range returns the lowest and highest trim Write is given.
func (t *Trimmer) Range() (uint8, uint8) {
	return t.lo, t.hi
}
