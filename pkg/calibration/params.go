package calibration

import (
	"fmt"
	"time"
)

const (
	DefaultDesiredFrequency   = 20_000_000
	DefaultReferenceFrequency = 32768
	DefaultExternalTicks      = 100
	DefaultLoopCycles         = 12
	DefaultResolution         = 6
	DefaultMask               = 0xC0
	DefaultTolerancePercent   = 1.0
	DefaultRetryBudget        = 5
	DefaultNeighborSamples    = 4
	DefaultSettleMicroseconds = 5
	DefaultBusyTimeout        = 100 * time.Millisecond

	// MinNeighborSamples is the smallest neighbor search that still looks
	// at both sides of the binary search result.
	MinNeighborSamples = 3
)

// Params holds the calibration constants. Zero values are replaced by
// defaults in WithDefaults.
type Params struct {
	// DesiredFrequency is the frequency the trimmed oscillator should run at, in Hz.
	DesiredFrequency uint32 `json:"desiredFrequency" yaml:"desiredFrequency"`
	// ReferenceFrequency is the frequency of the external crystal, in Hz.
	ReferenceFrequency uint32 `json:"referenceFrequency" yaml:"referenceFrequency"`
	// ExternalTicks is how many reference ticks one measurement spans.
	ExternalTicks uint16 `json:"externalTicks" yaml:"externalTicks"`
	// LoopCycles is the CPU cycle cost of one iteration of the counting loop.
	LoopCycles uint32 `json:"loopCycles" yaml:"loopCycles"`
	// Resolution is the bit width of the trim field.
	Resolution uint8 `json:"resolution" yaml:"resolution"`
	// DefaultMask holds register bits outside the trim field that must be set.
	// Nil means DefaultMask without the bits of the trim field.
	DefaultMask *uint8 `json:"defaultMask,omitempty" yaml:"defaultMask,omitempty"`
	// DefaultTrim overrides the midpoint default when non-nil.
	DefaultTrim *Trim `json:"defaultTrim,omitempty" yaml:"defaultTrim,omitempty"`
	// InitialStep overrides the first binary search step when non-zero.
	InitialStep uint8 `json:"initialStep,omitempty" yaml:"initialStep,omitempty"`

	TolerancePercent float64 `json:"tolerancePercent" yaml:"tolerancePercent"`
	RetryBudget      int     `json:"retryBudget" yaml:"retryBudget"`
	NeighborSamples  int     `json:"neighborSamples" yaml:"neighborSamples"`
	Method           Method  `json:"method" yaml:"method"`
	// ResetToDefault writes the default trim before searching. When nil the
	// binary methods reset and the others do not.
	ResetToDefault *bool `json:"resetToDefault,omitempty" yaml:"resetToDefault,omitempty"`
	// Verify re-measures the committed trim before reporting success. Off
	// unless set.
	Verify *bool `json:"verify,omitempty" yaml:"verify,omitempty"`

	SettleMicroseconds uint32        `json:"settleMicroseconds" yaml:"settleMicroseconds"`
	BusyTimeout        time.Duration `json:"busyTimeout" yaml:"busyTimeout"`
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{}.WithDefaults()
}

// WithDefaults returns a copy of p with zero fields set to their defaults.
func (p Params) WithDefaults() Params {
	if p.DesiredFrequency == 0 {
		p.DesiredFrequency = DefaultDesiredFrequency
	}
	if p.ReferenceFrequency == 0 {
		p.ReferenceFrequency = DefaultReferenceFrequency
	}
	if p.ExternalTicks == 0 {
		p.ExternalTicks = DefaultExternalTicks
	}
	if p.LoopCycles == 0 {
		p.LoopCycles = DefaultLoopCycles
	}
	if p.Resolution == 0 {
		p.Resolution = DefaultResolution
	}
	if p.TolerancePercent == 0 {
		p.TolerancePercent = DefaultTolerancePercent
	}
	if p.RetryBudget == 0 {
		p.RetryBudget = DefaultRetryBudget
	}
	if p.NeighborSamples == 0 {
		p.NeighborSamples = DefaultNeighborSamples
	}
	if p.Method == "" {
		p.Method = MethodTolerance
	}
	if p.SettleMicroseconds == 0 {
		p.SettleMicroseconds = DefaultSettleMicroseconds
	}
	if p.BusyTimeout == 0 {
		p.BusyTimeout = DefaultBusyTimeout
	}
	return p
}

// Validate checks that p describes a usable calibration.
func (p Params) Validate() error {
	if p.ReferenceFrequency == 0 || p.LoopCycles == 0 {
		return fmt.Errorf("reference frequency and loop cycles must be positive")
	}
	if p.Resolution < 2 || p.Resolution > 8 {
		return fmt.Errorf("resolution must be between 2 and 8 bits, got %d", p.Resolution)
	}
	if p.TolerancePercent < 0 || p.TolerancePercent > 100 {
		return fmt.Errorf("tolerance must be between 0 and 100 percent, got %v", p.TolerancePercent)
	}
	if p.RetryBudget < 1 {
		return fmt.Errorf("retry budget must be at least 1, got %d", p.RetryBudget)
	}
	if p.NeighborSamples < MinNeighborSamples {
		return fmt.Errorf("neighbor samples must be at least %d, got %d", MinNeighborSamples, p.NeighborSamples)
	}
	if _, err := ParseMethod(string(p.Method)); err != nil {
		return err
	}
	field, mask := p.Field(), p.Mask()
	if mask&field != 0 {
		return fmt.Errorf("mask %#x overlaps %d-bit trim field", mask, p.Resolution)
	}
	if p.DefaultTrim != nil && *p.DefaultTrim&^field != mask {
		return fmt.Errorf("default trim %#x is outside the trim field [%#x, %#x]", *p.DefaultTrim, mask, mask|field)
	}
	if p.InitialStep != 0 && p.InitialStep&(p.InitialStep-1) != 0 {
		return fmt.Errorf("initial step must be a power of two, got %d", p.InitialStep)
	}
	if limit := uint8(1) << (p.Resolution - 1); p.InitialStep > limit {
		return fmt.Errorf("initial step %d exceeds %d for a %d-bit trim field", p.InitialStep, limit, p.Resolution)
	}
	target := p.TargetCount()
	if target == 0 {
		return fmt.Errorf("target count is zero: desired frequency %d Hz is too low for %d ticks", p.DesiredFrequency, p.ExternalTicks)
	}
	return nil
}

// TargetCount is the loop count expected when the oscillator runs at exactly
// the desired frequency.
func (p Params) TargetCount() uint32 {
	den := uint64(p.ReferenceFrequency) * uint64(p.LoopCycles)
	if den == 0 {
		return 0
	}
	return uint32(uint64(p.ExternalTicks) * uint64(p.DesiredFrequency) / den)
}

// Tolerance is the largest accepted difference between a count and target.
func (p Params) Tolerance(target uint32) uint32 {
	return uint32(float64(target) * p.TolerancePercent / 100)
}

// Step is the first binary search step.
func (p Params) Step() uint8 {
	if p.InitialStep != 0 {
		return p.InitialStep
	}
	return 1 << (p.Resolution - 2)
}

// Default is the trim written when the register is reset before a search.
func (p Params) Default() Trim {
	if p.DefaultTrim != nil {
		return *p.DefaultTrim
	}
	return (1 << (p.Resolution - 1)) | p.Mask()
}

// Field returns the bits of the trim register the search may change.
func (p Params) Field() uint8 {
	return uint8(1<<p.Resolution - 1)
}

// Mask returns the register bits that stay set around the trim field.
func (p Params) Mask() uint8 {
	if p.DefaultMask != nil {
		return *p.DefaultMask
	}
	return DefaultMask &^ p.Field()
}

// ShouldReset reports whether the register is reset to Default before searching.
func (p Params) ShouldReset() bool {
	if p.ResetToDefault != nil {
		return *p.ResetToDefault
	}
	return p.Method.IsBinary()
}

// ShouldVerify reports whether a committed trim is measured once more.
func (p Params) ShouldVerify() bool {
	if p.Verify != nil {
		return *p.Verify
	}
	return false
}
