// Package sim provides simulated calibration hardware.
//
// Oscillator models the physics: the trim sets a frequency, and every poll of
// the reference counter costs LoopCycles cycles of that frequency, so the
// calibrator's own counting loop observes a realistic count. Curve skips the
// physics and maps a trim straight to a count, which is what tests want.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/hal"
)

// Model describes a simulated RC oscillator.
type Model struct {
	// CenterFrequency is the frequency at CenterTrim, in Hz.
	CenterFrequency float64 `json:"centerFrequency,omitempty" yaml:"centerFrequency,omitempty"`
	CenterTrim      uint8   `json:"centerTrim,omitempty" yaml:"centerTrim,omitempty"`
	// StepHz is the frequency change per trim unit.
	StepHz             float64 `json:"stepHz,omitempty" yaml:"stepHz,omitempty"`
	ReferenceFrequency float64 `json:"referenceFrequency,omitempty" yaml:"referenceFrequency,omitempty"`
	LoopCycles         float64 `json:"loopCycles,omitempty" yaml:"loopCycles,omitempty"`
	// BusyPolls is how many busy reads follow a counter reset.
	BusyPolls int `json:"busyPolls,omitempty" yaml:"busyPolls,omitempty"`
	// NoiseHz is the standard deviation of per-measurement frequency jitter.
	NoiseHz     float64 `json:"noiseHz,omitempty" yaml:"noiseHz,omitempty"`
	Seed        int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	InitialTrim uint8   `json:"initialTrim,omitempty" yaml:"initialTrim,omitempty"`
	// Stalled stops the reference counter, as if the crystal were dead.
	Stalled bool `json:"stalled,omitempty" yaml:"stalled,omitempty"`
	// RealDelay makes DelayMicroseconds actually sleep.
	RealDelay bool `json:"realDelay,omitempty" yaml:"realDelay,omitempty"`
}

// DefaultModel is a 20 MHz oscillator whose factory trim is 3% slow, with a
// 6-bit trim field above a 0xC0 mask.
func DefaultModel() Model {
	return Model{
		CenterFrequency:    19_400_000,
		CenterTrim:         0xE0,
		StepHz:             40_000,
		ReferenceFrequency: 32768,
		LoopCycles:         12,
		BusyPolls:          3,
		InitialTrim:        0xE0,
	}
}

func (m Model) withDefaults() Model {
	d := DefaultModel()
	if m.CenterFrequency == 0 {
		m.CenterFrequency = d.CenterFrequency
	}
	if m.CenterTrim == 0 {
		m.CenterTrim = d.CenterTrim
	}
	if m.StepHz == 0 {
		m.StepHz = d.StepHz
	}
	if m.ReferenceFrequency == 0 {
		m.ReferenceFrequency = d.ReferenceFrequency
	}
	if m.LoopCycles == 0 {
		m.LoopCycles = d.LoopCycles
	}
	if m.InitialTrim == 0 {
		m.InitialTrim = m.CenterTrim
	}
	return m
}

var _ hal.Hardware = &Oscillator{}

// Oscillator is a simulated trimmable oscillator with a crystal reference timer.
type Oscillator struct {
	model Model
	rng   *rand.Rand
	mu    *sync.Mutex

	trim     uint8
	elapsed  float64 // seconds of reference time since the last reset
	busy     int
	jitterHz float64
	writes   []uint8
}

// NewOscillator returns a simulated oscillator. Zero fields of m take the
// values of DefaultModel.
func NewOscillator(m Model) *Oscillator {
	m = m.withDefaults()
	return &Oscillator{
		model: m,
		rng:   rand.New(rand.NewSource(m.Seed)),
		mu:    &sync.Mutex{},
		trim:  m.InitialTrim,
	}
}

// Frequency returns the noiseless frequency at trim v.
func (o *Oscillator) Frequency(v uint8) float64 {
	f := o.model.CenterFrequency + o.model.StepHz*float64(int(v)-int(o.model.CenterTrim))
	return math.Max(f, 1)
}

// ExpectedCount is the count an ideal measurement returns at trim v.
func (o *Oscillator) ExpectedCount(v uint8, ticks uint16) uint32 {
	return uint32(math.Ceil(float64(ticks) * o.Frequency(v) / (o.model.ReferenceFrequency * o.model.LoopCycles)))
}

// ReadTrim implements hal.Hardware.
func (o *Oscillator) ReadTrim() (uint8, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.trim, nil
}

// WriteTrimProtected implements hal.Hardware.
func (o *Oscillator) WriteTrimProtected(v uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	logrus.WithField("trim", v).Trace("sim: trim written")
	o.trim = v
	o.writes = append(o.writes, v)
	return nil
}

// ResetReferenceCounter implements hal.Hardware.
func (o *Oscillator) ResetReferenceCounter() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.elapsed = 0
	o.busy = o.model.BusyPolls
	if o.model.NoiseHz > 0 {
		o.jitterHz = o.rng.NormFloat64() * o.model.NoiseHz
	}
	return nil
}

// ReadReferenceCounter implements hal.Hardware. Every call costs one loop
// iteration at the current oscillator frequency.
func (o *Oscillator) ReadReferenceCounter() (uint16, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.model.Stalled {
		return 0, nil
	}
	f := math.Max(o.Frequency(o.trim)+o.jitterHz, 1)
	o.elapsed += o.model.LoopCycles / f
	return uint16(o.elapsed * o.model.ReferenceFrequency), nil
}

// ReferenceTimerBusy implements hal.Hardware.
func (o *Oscillator) ReferenceTimerBusy() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busy > 0 {
		o.busy--
		return true, nil
	}
	return false, nil
}

// DelayMicroseconds implements hal.Hardware.
func (o *Oscillator) DelayMicroseconds(n uint32) {
	if o.model.RealDelay {
		time.Sleep(time.Duration(n) * time.Microsecond)
	}
}

// Writes returns every value written to the trim register.
func (o *Oscillator) Writes() []uint8 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]uint8(nil), o.writes...)
}
