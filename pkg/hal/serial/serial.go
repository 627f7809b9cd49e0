// Package serial drives a calibration bridge firmware over a UART.
//
// The bridge speaks a line protocol. Every request is one line, every reply
// is either "OK" optionally followed by a hexadecimal value, or "ERR" followed
// by a message:
//
//	RT        read trim              -> OK <trim>
//	WT <v>    protected trim write   -> OK
//	RC        reset reference count  -> OK
//	CN        read reference count   -> OK <count>
//	BS        reference timer busy   -> OK 0|1
//	MS <t>    measure over t ticks   -> OK <count>
package serial

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/charlie0129/rccal/pkg/hal"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 2 * time.Second
)

var (
	_ hal.Hardware = &Bridge{}
	_ hal.Measurer = &Bridge{}
	_ hal.Closer   = &Bridge{}
)

// Bridge is a calibration target reached through a serial line.
type Bridge struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader
	mu *sync.Mutex
}

// Open opens the serial port and returns a Bridge on it.
func Open(port string, baud int) (*Bridge, error) {
	if port == "" {
		return nil, pkgerrors.New("serial port not configured")
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial %s", port)
	}
	if err := p.SetReadTimeout(DefaultReadTimeout); err != nil {
		_ = p.Close()
		return nil, pkgerrors.Wrapf(err, "failed to set read timeout on %s", port)
	}
	logrus.WithFields(logrus.Fields{
		"port": port,
		"baud": baud,
	}).Debug("serial bridge opened")

	return New(p), nil
}

// New returns a Bridge speaking over rw.
func New(rw io.ReadWriteCloser) *Bridge {
	return &Bridge{
		rw: rw,
		r:  bufio.NewReader(rw),
		mu: &sync.Mutex{},
	}
}

// Close closes the underlying port.
func (b *Bridge) Close() error {
	return b.rw.Close()
}

// call sends one request and returns the value of the reply, if any.
func (b *Bridge) call(format string, args ...any) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := fmt.Sprintf(format, args...)
	logrus.WithField("req", req).Trace("Trying to send to serial bridge")

	if _, err := io.WriteString(b.rw, req+"\n"); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to send %q", req)
	}
	line, err := b.r.ReadString('\n')
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to read reply to %q", req)
	}
	line = strings.TrimSpace(line)

	logrus.WithFields(logrus.Fields{
		"req":   req,
		"reply": line,
	}).Trace("Serial bridge replied")

	status, value, _ := strings.Cut(line, " ")
	switch status {
	case "OK":
		return value, nil
	case "ERR":
		return "", pkgerrors.Errorf("target rejected %q: %s", req, value)
	default:
		return "", pkgerrors.Wrapf(hal.ErrProtocol, "reply to %q: %q", req, line)
	}
}

func (b *Bridge) callUint(bits int, format string, args ...any) (uint64, error) {
	v, err := b.call(format, args...)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 16, bits)
	if err != nil {
		return 0, pkgerrors.Wrapf(hal.ErrProtocol, "bad value %q: %v", v, err)
	}
	return n, nil
}

// ReadTrim implements hal.Hardware.
func (b *Bridge) ReadTrim() (uint8, error) {
	v, err := b.callUint(8, "RT")
	return uint8(v), err
}

// WriteTrimProtected implements hal.Hardware. The bridge performs the
// device unlock sequence itself.
func (b *Bridge) WriteTrimProtected(v uint8) error {
	_, err := b.call("WT %02X", v)
	return err
}

// ResetReferenceCounter implements hal.Hardware.
func (b *Bridge) ResetReferenceCounter() error {
	_, err := b.call("RC")
	return err
}

// ReadReferenceCounter implements hal.Hardware.
func (b *Bridge) ReadReferenceCounter() (uint16, error) {
	v, err := b.callUint(16, "CN")
	return uint16(v), err
}

// ReferenceTimerBusy implements hal.Hardware.
func (b *Bridge) ReferenceTimerBusy() (bool, error) {
	v, err := b.callUint(8, "BS")
	return v != 0, err
}

// DelayMicroseconds implements hal.Hardware. The delay runs on the host: the
// request round trip alone exceeds any settling time the target needs.
func (b *Bridge) DelayMicroseconds(n uint32) {
	time.Sleep(time.Duration(n) * time.Microsecond)
}

// Measure implements hal.Measurer.
func (b *Bridge) Measure(ticks uint16) (uint32, error) {
	v, err := b.callUint(32, "MS %04X", ticks)
	return uint32(v), err
}
