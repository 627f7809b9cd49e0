// Package i2c drives a calibration bridge that exposes the oscillator and
// reference timer as a register file on an I2C bus.
package i2c

import (
	"encoding/binary"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	periphi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/charlie0129/rccal/pkg/hal"
)

// Register map of the bridge.
const (
	RegTrim   = 0x00
	RegCCP    = 0x01
	RegCount  = 0x02 // 16-bit little endian
	RegStatus = 0x04
	RegTicks  = 0x05 // 16-bit little endian
	RegCtrl   = 0x07
	RegResult = 0x08 // 32-bit little endian
)

const (
	StatusBusy = 1 << 0
	StatusDone = 1 << 1

	CtrlResetCounter = 1 << 0
	CtrlStartMeasure = 1 << 1

	// CCPUnlock is written to RegCCP to unlock the next RegTrim write.
	CCPUnlock = 0xD8

	DefaultAddress = 0x5f
)

var (
	pollInterval   = time.Millisecond
	measureTimeout = 2 * time.Second
)

var (
	_ hal.Hardware = &Bridge{}
	_ hal.Measurer = &Bridge{}
	_ hal.Closer   = &Bridge{}
)

// Bridge is a calibration target on an I2C bus.
type Bridge struct {
	c   conn.Conn
	bus periphi2c.BusCloser
	mu  *sync.Mutex
}

// Open opens the named bus and returns a Bridge at addr.
func Open(name string, addr uint16) (*Bridge, error) {
	if _, err := host.Init(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize periph host drivers")
	}
	if addr == 0 {
		addr = DefaultAddress
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open i2c bus %q", name)
	}
	logrus.WithFields(logrus.Fields{
		"bus":  bus.String(),
		"addr": addr,
	}).Debug("i2c bridge opened")

	b := New(&periphi2c.Dev{Addr: addr, Bus: bus})
	b.bus = bus
	return b, nil
}

// New returns a Bridge talking over c.
func New(c conn.Conn) *Bridge {
	return &Bridge{c: c, mu: &sync.Mutex{}}
}

// Close releases the bus.
func (b *Bridge) Close() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Close()
}

func (b *Bridge) read(reg byte, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := b.c.Tx([]byte{reg}, buf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read register %#02x", reg)
	}
	logrus.WithFields(logrus.Fields{
		"reg": reg,
		"val": buf,
	}).Trace("Read from i2c bridge")
	return buf, nil
}

func (b *Bridge) write(reg byte, data ...byte) error {
	logrus.WithFields(logrus.Fields{
		"reg": reg,
		"val": data,
	}).Trace("Trying to write to i2c bridge")

	if err := b.c.Tx(append([]byte{reg}, data...), nil); err != nil {
		return pkgerrors.Wrapf(err, "failed to write register %#02x", reg)
	}
	return nil
}

func (b *Bridge) status() (byte, error) {
	v, err := b.read(RegStatus, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadTrim implements hal.Hardware.
func (b *Bridge) ReadTrim() (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.read(RegTrim, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// WriteTrimProtected implements hal.Hardware: the CCP signature must
// immediately precede the trim write.
func (b *Bridge) WriteTrimProtected(v uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.write(RegCCP, CCPUnlock); err != nil {
		return err
	}
	return b.write(RegTrim, v)
}

// ResetReferenceCounter implements hal.Hardware.
func (b *Bridge) ResetReferenceCounter() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.write(RegCtrl, CtrlResetCounter)
}

// ReadReferenceCounter implements hal.Hardware.
func (b *Bridge) ReadReferenceCounter() (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, err := b.read(RegCount, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v), nil
}

// ReferenceTimerBusy implements hal.Hardware.
func (b *Bridge) ReferenceTimerBusy() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.status()
	return s&StatusBusy != 0, err
}

// DelayMicroseconds implements hal.Hardware.
func (b *Bridge) DelayMicroseconds(n uint32) {
	time.Sleep(time.Duration(n) * time.Microsecond)
}

// Measure implements hal.Measurer.
func (b *Bridge) Measure(ticks uint16) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := make([]byte, 2)
	binary.LittleEndian.PutUint16(t, ticks)
	if err := b.write(RegTicks, t...); err != nil {
		return 0, err
	}
	if err := b.write(RegCtrl, CtrlStartMeasure); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(measureTimeout)
	for {
		s, err := b.status()
		if err != nil {
			return 0, err
		}
		if s&StatusDone != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, hal.ErrMeasureTimeout
		}
		time.Sleep(pollInterval)
	}

	v, err := b.read(RegResult, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}
