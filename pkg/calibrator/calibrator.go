// Package calibrator trims an internal RC oscillator against an external
// 32 kHz reference crystal.
//
// A session measures how many loop iterations fit in a fixed number of
// reference ticks, compares that count with the one expected at the desired
// frequency and moves the trim register until the two agree within
// tolerance. When no acceptable trim is found the register is put back to
// the value it held before calibration.
package calibrator

import (
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/hal"
)

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithObserver registers a function called after every measurement.
func WithObserver(o Observer) Option {
	return func(c *Calibrator) {
		c.observer = o
	}
}

// Calibrator runs calibration sessions on one piece of hardware.
type Calibrator struct {
	hw        hal.Hardware
	params    calibration.Params
	counter   *Counter
	trim      *Trimmer
	observer  Observer
	target    uint32
	tolerance uint32

	mu          *sync.Mutex
	running     bool
	closed      bool
	initialized bool
	defaultTrim calibration.Trim
}

// New returns a Calibrator for hw. Zero params fields take their defaults.
func New(hw hal.Hardware, p calibration.Params, opts ...Option) (*Calibrator, error) {
	if hw == nil {
		return nil, pkgerrors.New("no hardware")
	}
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid calibration parameters")
	}

	target := p.TargetCount()
	c := &Calibrator{
		hw:        hw,
		params:    p,
		counter:   NewCounter(hw, p.ExternalTicks, p.BusyTimeout, target),
		trim:      NewTrimmer(hw, p.SettleMicroseconds, p.Mask(), p.Mask()|p.Field()),
		target:    target,
		tolerance: p.Tolerance(target),
		mu:        &sync.Mutex{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Params returns the effective parameters.
func (c *Calibrator) Params() calibration.Params {
	return c.params
}

// TargetCount returns the count expected at the desired frequency.
func (c *Calibrator) TargetCount() uint32 {
	return c.target
}

// Tolerance returns the largest accepted count difference.
func (c *Calibrator) Tolerance() uint32 {
	return c.tolerance
}

// DefaultTrim returns the trim recorded by Initialize.
func (c *Calibrator) DefaultTrim() calibration.Trim {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.defaultTrim
}

// Running reports whether a session is in progress.
func (c *Calibrator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

func (c *Calibrator) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.running {
		return ErrCalibrationInProgress
	}
	c.running = true
	return nil
}

func (c *Calibrator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
}

// Close stops c from touching the hardware again, so another Calibrator can
// take over the same register. It fails with ErrCalibrationInProgress while a
// session or register access is running.
func (c *Calibrator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrCalibrationInProgress
	}
	c.closed = true
	return nil
}

// Initialize records the committed trim as the fallback restored when a
// session fails. It must be called before Run.
func (c *Calibrator) Initialize() error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	v, err := c.trim.Read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.defaultTrim = v
	c.initialized = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"defaultTrim": v,
		"targetCount": c.target,
		"tolerance":   c.tolerance,
	}).Info("calibrator initialized")
	return nil
}

// Measure takes one measurement at the committed trim.
func (c *Calibrator) Measure() (uint32, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()

	return c.counter.Measure()
}

// Trim returns the committed trim.
func (c *Calibrator) Trim() (calibration.Trim, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.release()

	return c.trim.Read()
}

// SetTrim commits v.
func (c *Calibrator) SetTrim(v calibration.Trim) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	return c.trim.Write(v)
}

// Run runs one session with the configured method.
func (c *Calibrator) Run() (calibration.Result, error) {
	return c.RunMethod(c.params.Method)
}

// RunMethod runs one session with method m. The returned error is only set
// when the hardware failed; an unsuccessful search is reported through the
// outcome, see calibration.Result.Err.
func (c *Calibrator) RunMethod(m calibration.Method) (calibration.Result, error) {
	if _, err := calibration.ParseMethod(string(m)); err != nil {
		return calibration.Result{}, err
	}
	if err := c.acquire(); err != nil {
		return calibration.Result{}, err
	}
	defer c.release()

	c.mu.Lock()
	initialized, fallback := c.initialized, c.defaultTrim
	c.mu.Unlock()
	if !initialized {
		return calibration.Result{}, ErrNotInitialized
	}

	p := c.params
	p.Method = m

	sess := &session{
		p:        p,
		fallback: fallback,
		s: &search{
			counter:   c.counter,
			trim:      c.trim,
			target:    c.target,
			tolerance: c.tolerance,
			samples:   p.NeighborSamples,
			observe:   c.observer,
			state: calibration.SearchState{
				Step:     p.Step(),
				BestDiff: ^uint32(0),
			},
		},
		res: calibration.Result{
			Method:      m,
			DefaultTrim: fallback,
			TargetCount: c.target,
			Tolerance:   c.tolerance,
			StartedAt:   time.Now(),
		},
	}

	logger := logrus.WithFields(logrus.Fields{
		"method":      m,
		"targetCount": c.target,
		"tolerance":   c.tolerance,
		"defaultTrim": fallback,
	})
	logger.Debug("calibration started")

	err := sess.run()
	res := sess.finish(err)

	logger = logger.WithFields(logrus.Fields{
		"outcome":      res.Outcome,
		"trim":         res.Trim,
		"bestDiff":     res.BestDiff,
		"measurements": res.Measurements,
		"duration":     res.Duration,
	})
	switch {
	case err != nil:
		logger.WithError(err).Error("calibration aborted")
	case res.Outcome == calibration.OutcomeSuccess:
		logger.Info("calibration succeeded")
	default:
		logger.Warn("calibration did not converge")
	}
	return res, err
}

// session is one run of the search and the done gate around it.
type session struct {
	p        calibration.Params
	s        *search
	fallback calibration.Trim
	res      calibration.Result
}

func (ss *session) run() error {
	if ss.p.ShouldReset() {
		if err := ss.s.trim.Write(ss.p.Default()); err != nil {
			return err
		}
	}

	var (
		exact bool
		err   error
	)
	switch ss.p.Method {
	case calibration.MethodTolerance:
		var ok bool
		ok, exact, err = ss.precheck()
		if err != nil {
			return err
		}
		if !ok {
			ss.res.Outcome = calibration.OutcomeFailed
			ss.res.Message = fmt.Sprintf("no count within %d of %d after %d attempts", ss.s.tolerance, ss.s.target, ss.res.Attempts)
			return ss.restore()
		}
		if !exact {
			err = ss.s.neighbor()
		}
	case calibration.MethodBinaryNeighbor, calibration.MethodBinary:
		exact, err = ss.s.binary()
		if err != nil || exact {
			break
		}
		if err = ss.s.seedHere(); err != nil {
			break
		}
		if ss.p.Method == calibration.MethodBinaryNeighbor {
			err = ss.s.neighbor()
		}
	case calibration.MethodSimple:
		exact, err = ss.s.simple(1 << ss.p.Resolution)
	}
	if err != nil {
		return err
	}

	if exact {
		ss.res.Outcome = calibration.OutcomeSuccess
		ss.res.Message = "exact match"
		return nil
	}
	return ss.gate()
}

// precheck measures the current trim until it is within tolerance or the
// retry budget is spent.
func (ss *session) precheck() (bool, bool, error) {
	s := ss.s
	for attempt := 1; attempt <= ss.p.RetryBudget; attempt++ {
		ss.res.Attempts = attempt

		count, diff, trim, err := s.measure(calibration.PhasePreCheck, false)
		if err != nil {
			return false, false, err
		}
		if diff > s.tolerance {
			continue
		}

		s.seed(diff, trim)
		s.state.Sign = s.direction(count)
		return true, s.state.Sign == 0, nil
	}
	return false, false, nil
}

// gate accepts the committed trim only if its best diff is within tolerance
// and, when verifying, a fresh measurement agrees.
func (ss *session) gate() error {
	s := ss.s
	if s.state.BestDiff <= s.tolerance {
		if !ss.p.ShouldVerify() {
			ss.res.Outcome = calibration.OutcomeSuccess
			return nil
		}

		_, diff, _, err := s.measure(calibration.PhaseVerify, false)
		if err != nil {
			return err
		}
		if diff <= s.tolerance {
			ss.res.Outcome = calibration.OutcomeSuccess
			return nil
		}
		ss.res.Message = fmt.Sprintf("verification measured diff %d, tolerance %d", diff, s.tolerance)
	} else {
		ss.res.Message = fmt.Sprintf("best diff %d exceeds tolerance %d", s.state.BestDiff, s.tolerance)
	}

	if s.met {
		ss.res.Outcome = calibration.OutcomeRestoredDefault
	} else {
		ss.res.Outcome = calibration.OutcomeFailed
	}
	return ss.restore()
}

// restore writes the fallback trim back unless the register already holds it.
func (ss *session) restore() error {
	cur, err := ss.s.trim.Read()
	if err != nil {
		return err
	}
	if cur == ss.fallback {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"from": cur,
		"to":   ss.fallback,
	}).Debug("restoring default trim")
	return ss.s.trim.Write(ss.fallback)
}

// finish fills in the result. A hardware error fails the session and the
// fallback trim is restored on a best effort basis.
func (ss *session) finish(err error) calibration.Result {
	res := ss.res
	s := ss.s

	if err != nil {
		res.Outcome = calibration.OutcomeFailed
		res.Message = err.Error()
		if rerr := ss.restore(); rerr != nil {
			logrus.WithError(rerr).Error("failed to restore default trim")
		}
	} else if res.Outcome == calibration.OutcomeSuccess && res.Message == "" {
		res.Message = fmt.Sprintf("diff %d within tolerance %d", s.state.BestDiff, s.tolerance)
	}

	if v, rerr := s.trim.Read(); rerr == nil {
		res.Trim = v
	}
	if s.state.BestDiff != ^uint32(0) {
		res.BestDiff = s.state.BestDiff
	}
	res.LastCount = s.lastCount
	res.Measurements = s.measurements
	res.Duration = time.Since(res.StartedAt)
	return res
}
