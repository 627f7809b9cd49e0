package calibrator

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/hal/sim"
	"github.com/charlie0129/rccal/pkg/utils/ptr"
)

// Params giving a target count of exactly 300 and a tolerance of 3.
func testParams(m calibration.Method) calibration.Params {
	return calibration.Params{
		DesiredFrequency:   1179648,
		ReferenceFrequency: 32768,
		ExternalTicks:      100,
		LoopCycles:         12,
		Resolution:         6,
		DefaultMask:        ptr.To[uint8](0),
		Method:             m,
	}
}

func newTestCalibrator(t *testing.T, hw *sim.Curve, p calibration.Params, opts ...Option) *Calibrator {
	t.Helper()

	c, err := New(hw, p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.TargetCount() != 300 || c.Tolerance() != 3 {
		t.Fatalf("unexpected target %d tolerance %d", c.TargetCount(), c.Tolerance())
	}
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestBinaryExactMatch(t *testing.T) {
	p := testParams(calibration.MethodBinary)
	p.InitialStep = 8
	hw := sim.NewCurve(32, sim.Linear(300, 10, 40))

	var steps []uint8
	c := newTestCalibrator(t, hw, p, WithObserver(func(s Sample) {
		steps = append(steps, s.Step)
	}))

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 40 {
		t.Fatalf("expected success at 40, got %s at %d", res.Outcome, res.Trim)
	}
	if res.BestDiff != 0 || res.Measurements != 2 {
		t.Errorf("expected 2 measurements and diff 0, got %d and %d", res.Measurements, res.BestDiff)
	}
	if diff := cmp.Diff([]uint8{8, 4}, steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	if res.Err() != nil {
		t.Errorf("expected no error for success, got %v", res.Err())
	}
}

func TestBinaryNeighborSequence(t *testing.T) {
	hw := sim.NewCurve(32, sim.Linear(300, 10, 45))

	var samples []Sample
	c := newTestCalibrator(t, hw, testParams(calibration.MethodBinaryNeighbor), WithObserver(func(s Sample) {
		samples = append(samples, s)
	}))

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 45 {
		t.Fatalf("expected success at 45, got %s at %d", res.Outcome, res.Trim)
	}

	var binarySteps []uint8
	var neighborTrims []uint8
	var seeds int
	for _, s := range samples {
		switch {
		case s.Phase == calibration.PhaseBinary:
			binarySteps = append(binarySteps, s.Step)
		case s.Seed:
			seeds++
		case s.Phase == calibration.PhaseNeighbor:
			neighborTrims = append(neighborTrims, s.Trim)
		}
	}
	if diff := cmp.Diff([]uint8{16, 8, 4, 2, 1}, binarySteps); diff != "" {
		t.Errorf("binary steps mismatch (-want +got):\n%s", diff)
	}
	if seeds != 1 {
		t.Errorf("expected one seeding measurement, got %d", seeds)
	}
	// Exactly NeighborSamples measurements, moving by one in the direction
	// of the last binary correction.
	if diff := cmp.Diff([]uint8{45, 44, 43, 42}, neighborTrims); diff != "" {
		t.Errorf("neighbor trims mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint8{32, 48, 40, 44, 46, 45, 44, 43, 42, 45}, hw.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	for _, s := range samples {
		if s.Phase == calibration.PhaseVerify {
			t.Errorf("unexpected verification measurement %+v", s)
		}
	}
	if hw.DelayedMicroseconds() != uint64(len(hw.Writes()))*calibration.DefaultSettleMicroseconds {
		t.Errorf("expected a settle delay after every write, got %dus", hw.DelayedMicroseconds())
	}
}

func TestNeighborSampleCount(t *testing.T) {
	for _, n := range []int{3, 4, 7} {
		p := testParams(calibration.MethodBinaryNeighbor)
		p.NeighborSamples = n
		hw := sim.NewCurve(32, sim.Linear(300, 10, 45))

		var got int
		c := newTestCalibrator(t, hw, p, WithObserver(func(s Sample) {
			if s.Phase == calibration.PhaseNeighbor && !s.Seed {
				got++
			}
		}))
		if _, err := c.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got != n {
			t.Errorf("NeighborSamples=%d: took %d neighbor measurements", n, got)
		}
	}
}

func TestBestDiffNonIncreasing(t *testing.T) {
	// A bumpy curve makes the neighbor phase see better and worse values.
	bumpy := func(trim uint8) uint32 {
		base := sim.Linear(300, 2, 43)(trim)
		if trim%2 == 1 {
			return base + 3
		}
		return base
	}

	var samples []Sample
	hw := sim.NewCurve(32, bumpy)
	c := newTestCalibrator(t, hw, testParams(calibration.MethodBinaryNeighbor), WithObserver(func(s Sample) {
		samples = append(samples, s)
	}))
	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	best := ^uint32(0)
	var bestTrim uint8
	for _, s := range samples {
		if s.Phase != calibration.PhaseNeighbor {
			continue
		}
		if s.Diff < best {
			best, bestTrim = s.Diff, s.Trim
		}
	}
	if res.BestDiff != best || best != 2 {
		t.Errorf("expected best diff %d, got %d", best, res.BestDiff)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != bestTrim || bestTrim != 44 {
		t.Errorf("expected best trim %d to be committed, got %s at %d", bestTrim, res.Outcome, res.Trim)
	}
}

func TestFlatCurve(t *testing.T) {
	tests := []struct {
		name   string
		method calibration.Method
		writes bool
	}{
		{name: "binary neighbor", method: calibration.MethodBinaryNeighbor, writes: true},
		{name: "binary", method: calibration.MethodBinary, writes: true},
		{name: "simple", method: calibration.MethodSimple, writes: true},
		{name: "tolerance", method: calibration.MethodTolerance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := sim.NewCurve(37, sim.Flat(500))
			c := newTestCalibrator(t, hw, testParams(tt.method))

			res, err := c.Run()
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Outcome != calibration.OutcomeFailed {
				t.Errorf("expected Failed, got %s", res.Outcome)
			}
			if !errors.Is(res.Err(), calibration.ErrToleranceNotReached) {
				t.Errorf("expected ErrToleranceNotReached, got %v", res.Err())
			}
			if res.Trim != 37 || res.DefaultTrim != 37 {
				t.Errorf("expected register restored to 37, got %d", res.Trim)
			}
			if v, _ := hw.ReadTrim(); v != 37 {
				t.Errorf("register holds %d, want 37", v)
			}
			if !tt.writes && len(hw.Writes()) != 0 {
				t.Errorf("expected no writes, got %v", hw.Writes())
			}
		})
	}
}

func TestToleranceMethod(t *testing.T) {
	tests := []struct {
		name         string
		start        uint8
		count        sim.CountFunc
		wantOutcome  calibration.Outcome
		wantTrim     uint8
		wantAttempts int
		wantMeasured []uint8
	}{
		{
			name:         "exact at current trim",
			start:        40,
			count:        sim.Linear(300, 10, 40),
			wantOutcome:  calibration.OutcomeSuccess,
			wantTrim:     40,
			wantAttempts: 1,
			wantMeasured: []uint8{40},
		},
		{
			name:         "refines towards target",
			start:        42,
			count:        sim.Linear(300, 1, 40),
			wantOutcome:  calibration.OutcomeSuccess,
			wantTrim:     40,
			wantAttempts: 1,
			wantMeasured: []uint8{42, 42, 41, 40, 39},
		},
		{
			name:         "out of tolerance",
			start:        41,
			count:        sim.Linear(300, 10, 40),
			wantOutcome:  calibration.OutcomeFailed,
			wantTrim:     41,
			wantAttempts: calibration.DefaultRetryBudget,
			wantMeasured: []uint8{41, 41, 41, 41, 41},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := sim.NewCurve(tt.start, tt.count)
			c := newTestCalibrator(t, hw, testParams(calibration.MethodTolerance))

			res, err := c.Run()
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Outcome != tt.wantOutcome || res.Trim != tt.wantTrim {
				t.Errorf("got %s at %d, want %s at %d", res.Outcome, res.Trim, tt.wantOutcome, tt.wantTrim)
			}
			if res.Attempts != tt.wantAttempts {
				t.Errorf("expected %d attempts, got %d", tt.wantAttempts, res.Attempts)
			}
			if diff := cmp.Diff(tt.wantMeasured, hw.Measured()); diff != "" {
				t.Errorf("measured trims mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerifyFailureRestoresDefault(t *testing.T) {
	calls := 0
	drifting := func(trim uint8) uint32 {
		calls++
		if calls > 5 {
			return 1000
		}
		return sim.Linear(300, 1, 40)(trim)
	}
	p := testParams(calibration.MethodTolerance)
	p.Verify = ptr.To(true)
	hw := sim.NewCurve(42, drifting)
	c := newTestCalibrator(t, hw, p)

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeRestoredDefault {
		t.Fatalf("expected RestoredDefault, got %s", res.Outcome)
	}
	if !errors.Is(res.Err(), calibration.ErrRestoredDefault) {
		t.Errorf("expected ErrRestoredDefault, got %v", res.Err())
	}
	if v, _ := hw.ReadTrim(); v != 42 {
		t.Errorf("expected register restored to 42, got %d", v)
	}
	if res.LastCount != 1000 {
		t.Errorf("expected last count from verification, got %d", res.LastCount)
	}
}

func TestVerifyOffByDefault(t *testing.T) {
	calls := 0
	drifting := func(trim uint8) uint32 {
		calls++
		if calls > 5 {
			return 1000
		}
		return sim.Linear(300, 1, 40)(trim)
	}
	hw := sim.NewCurve(42, drifting)
	c := newTestCalibrator(t, hw, testParams(calibration.MethodTolerance))

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 40 {
		t.Errorf("expected success at 40 without verification, got %s at %d", res.Outcome, res.Trim)
	}
	if res.Measurements != 5 {
		t.Errorf("expected 5 measurements, got %d", res.Measurements)
	}
}

func TestResetToDefault(t *testing.T) {
	p := testParams(calibration.MethodTolerance)
	p.ResetToDefault = ptr.To(true)
	p.DefaultTrim = ptr.To[calibration.Trim](40)
	hw := sim.NewCurve(20, sim.Linear(300, 10, 40))
	c := newTestCalibrator(t, hw, p)

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 40 {
		t.Errorf("expected success at 40, got %s at %d", res.Outcome, res.Trim)
	}
	if res.DefaultTrim != 20 {
		t.Errorf("expected recorded default 20, got %d", res.DefaultTrim)
	}
}

func TestSimpleMethod(t *testing.T) {
	hw := sim.NewCurve(32, sim.Linear(300, 10, 36))
	c := newTestCalibrator(t, hw, testParams(calibration.MethodSimple))

	res, err := c.RunMethod(calibration.MethodSimple)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 36 {
		t.Errorf("expected success at 36, got %s at %d", res.Outcome, res.Trim)
	}
	if diff := cmp.Diff([]uint8{32, 33, 34, 35, 36}, hw.Measured()); diff != "" {
		t.Errorf("measured mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMethodOverridesConfigured(t *testing.T) {
	// The configured tolerance method would fail here; the binary search
	// reaches the target.
	hw := sim.NewCurve(32, sim.Linear(300, 10, 45))
	c := newTestCalibrator(t, hw, testParams(calibration.MethodTolerance))

	res, err := c.RunMethod(calibration.MethodBinaryNeighbor)
	if err != nil {
		t.Fatalf("RunMethod: %v", err)
	}
	if res.Method != calibration.MethodBinaryNeighbor || res.Outcome != calibration.OutcomeSuccess {
		t.Errorf("expected binary-neighbor success, got %s %s", res.Method, res.Outcome)
	}
	if _, err := c.RunMethod("bogus"); err == nil {
		t.Errorf("expected error for unknown method")
	}
}

func TestEdgeOfTrimField(t *testing.T) {
	// Optimum beyond the top of the field: the search must not wrap into
	// the mask bits.
	p := testParams(calibration.MethodBinaryNeighbor)
	p.DefaultMask = ptr.To[uint8](0xC0)
	hw := sim.NewCurve(0xE0, sim.Linear(300, 10, 0xFF))
	c := newTestCalibrator(t, hw, p)

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, v := range hw.Writes() {
		if v < 0xC0 {
			t.Fatalf("wrote %#x outside the trim field", v)
		}
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 0xFF {
		t.Errorf("expected success at 0xff, got %s at %#x", res.Outcome, res.Trim)
	}
}

func TestFullWidthTrimField(t *testing.T) {
	// Without an explicit mask an 8-bit field spans the whole register.
	p := testParams(calibration.MethodBinaryNeighbor)
	p.Resolution = 8
	p.DefaultMask = nil
	hw := sim.NewCurve(100, sim.Linear(300, 10, 100))
	c := newTestCalibrator(t, hw, p)

	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess || res.Trim != 100 {
		t.Fatalf("expected success at 100, got %s at %d", res.Outcome, res.Trim)
	}
	if w := hw.Writes(); len(w) == 0 || w[0] != 0x80 {
		t.Errorf("expected the search to start from 0x80, got writes %v", w)
	}
}

func TestNewRejectsMaskOverlappingField(t *testing.T) {
	p := testParams(calibration.MethodBinaryNeighbor)
	p.Resolution = 8
	p.DefaultMask = ptr.To[uint8](0xC0)
	if _, err := New(sim.NewCurve(100, sim.Flat(300)), p); err == nil {
		t.Fatalf("expected error for a mask overlapping the trim field")
	}
}

func TestRunRequiresInitialize(t *testing.T) {
	c, err := New(sim.NewCurve(32, sim.Flat(300)), testParams(calibration.MethodBinary))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Run(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCalibrationInProgress(t *testing.T) {
	hw := sim.NewCurve(32, sim.Linear(300, 10, 45))

	var c *Calibrator
	var nested []error
	c = newTestCalibrator(t, hw, testParams(calibration.MethodBinaryNeighbor), WithObserver(func(Sample) {
		if len(nested) > 0 {
			return
		}
		_, runErr := c.Run()
		_, measureErr := c.Measure()
		nested = append(nested, runErr, measureErr, c.SetTrim(1))
		if !c.Running() {
			t.Errorf("expected Running() during a session")
		}
	}))

	if _, err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, err := range nested {
		if !errors.Is(err, ErrCalibrationInProgress) {
			t.Errorf("nested call %d: expected ErrCalibrationInProgress, got %v", i, err)
		}
	}
	if c.Running() {
		t.Errorf("expected session to be released")
	}
}

func TestClose(t *testing.T) {
	hw := sim.NewCurve(32, sim.Linear(300, 10, 45))

	var c *Calibrator
	var closeErr error
	c = newTestCalibrator(t, hw, testParams(calibration.MethodBinaryNeighbor), WithObserver(func(Sample) {
		if closeErr == nil {
			closeErr = c.Close()
		}
	}))

	if _, err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(closeErr, ErrCalibrationInProgress) {
		t.Fatalf("expected Close to fail during a session, got %v", closeErr)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	writes := len(hw.Writes())
	_, runErr := c.Run()
	_, measureErr := c.Measure()
	_, trimErr := c.Trim()
	for i, err := range []error{runErr, measureErr, trimErr, c.SetTrim(1), c.Initialize()} {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("call %d after Close: expected ErrClosed, got %v", i, err)
		}
	}
	if len(hw.Writes()) != writes {
		t.Errorf("closed calibrator wrote to the register: %v", hw.Writes()[writes:])
	}
}

// failingCurve fails measurements after a number of successful ones.
type failingCurve struct {
	*sim.Curve
	okMeasurements int
}

var errTargetGone = errors.New("target gone")

func (f *failingCurve) Measure(ticks uint16) (uint32, error) {
	if f.okMeasurements == 0 {
		return 0, errTargetGone
	}
	f.okMeasurements--
	return f.Curve.Measure(ticks)
}

func TestHardwareErrorRestoresDefault(t *testing.T) {
	hw := &failingCurve{Curve: sim.NewCurve(37, sim.Linear(300, 10, 45)), okMeasurements: 2}
	c, err := New(hw, testParams(calibration.MethodBinaryNeighbor))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := c.Run()
	if !errors.Is(err, errTargetGone) {
		t.Fatalf("expected wrapped hardware error, got %v", err)
	}
	if res.Outcome != calibration.OutcomeFailed {
		t.Errorf("expected Failed, got %s", res.Outcome)
	}
	if v, _ := hw.ReadTrim(); v != 37 {
		t.Errorf("expected register restored to 37, got %d", v)
	}
}

func TestConvergesOnOscillator(t *testing.T) {
	o := sim.NewOscillator(sim.DefaultModel())
	c, err := New(o, calibration.Params{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Too far off for the tolerance pre-check.
	res, err := c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeFailed {
		t.Fatalf("expected the uncalibrated oscillator to fail the pre-check, got %s", res.Outcome)
	}

	res, err = c.RunMethod(calibration.MethodBinaryNeighbor)
	if err != nil {
		t.Fatalf("RunMethod: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess {
		t.Fatalf("expected success, got %s: %s", res.Outcome, res.Message)
	}
	expected := o.ExpectedCount(res.Trim, calibration.DefaultExternalTicks)
	if absDiff(expected, c.TargetCount()) > c.Tolerance() {
		t.Errorf("trim %#x counts %d, target %d", res.Trim, expected, c.TargetCount())
	}

	// Once trimmed, the periodic method keeps it.
	res, err = c.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != calibration.OutcomeSuccess {
		t.Errorf("expected tolerance method to succeed after calibration, got %s", res.Outcome)
	}
}

func TestNewRejectsInvalidParams(t *testing.T) {
	p := testParams(calibration.MethodBinary)
	p.NeighborSamples = 2
	if _, err := New(sim.NewCurve(0, sim.Flat(0)), p); err == nil {
		t.Fatalf("expected error for too few neighbor samples")
	}
	if _, err := New(nil, p); err == nil {
		t.Fatalf("expected error for nil hardware")
	}
}
