package calibrator

import (
	"math"
	"testing"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/hal/sim"
)

func TestSweepFitsLinearCurve(t *testing.T) {
	hw := sim.NewCurve(37, sim.Linear(300, 10, 45))
	c := newTestCalibrator(t, hw, testParams(calibration.MethodTolerance))

	res, err := c.Sweep(40, 50, 3)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(res.Points) != 11 {
		t.Fatalf("expected 11 points, got %d", len(res.Points))
	}
	if p := res.Points[0]; p.Trim != 40 || p.Mean != 250 || p.StdDev != 0 || p.Diff != -50 {
		t.Errorf("unexpected first point %+v", p)
	}
	if math.Abs(res.Slope-10) > 1e-9 || math.Abs(res.Intercept+150) > 1e-9 {
		t.Errorf("expected count = 10*trim - 150, got %v*trim + %v", res.Slope, res.Intercept)
	}
	if math.Abs(res.RSquared-1) > 1e-9 {
		t.Errorf("expected a perfect fit, got R² %v", res.RSquared)
	}
	if !res.HasPrediction || res.Predicted != 45 {
		t.Errorf("expected predicted trim 45, got %d (%v)", res.Predicted, res.HasPrediction)
	}

	if v, _ := hw.ReadTrim(); v != 37 {
		t.Errorf("expected trim restored to 37, got %d", v)
	}
	if got := len(hw.Measured()); got != 33 {
		t.Errorf("expected 33 measurements, got %d", got)
	}
}

func TestSweepClampsToField(t *testing.T) {
	p := testParams(calibration.MethodTolerance)
	hw := sim.NewCurve(0x20, sim.Linear(300, 10, 45))
	c := newTestCalibrator(t, hw, p)

	res, err := c.Sweep(0x3C, 0xFF, 1)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n := len(res.Points); n != 4 || res.Points[n-1].Trim != 0x3F {
		t.Errorf("expected points 0x3c..0x3f, got %+v", res.Points)
	}
	// The fit extrapolates below the swept range.
	if !res.HasPrediction || res.Predicted != 45 {
		t.Errorf("expected predicted trim 45, got %d", res.Predicted)
	}

	if _, err := c.Sweep(0x10, 0x05, 1); err == nil {
		t.Errorf("expected error for an empty range")
	}
	if _, err := c.Sweep(0, 0x3F, 0); err == nil {
		t.Errorf("expected error for zero samples")
	}
}

func TestSweepFlatCurveHasNoPrediction(t *testing.T) {
	hw := sim.NewCurve(32, sim.Flat(500))
	c := newTestCalibrator(t, hw, testParams(calibration.MethodTolerance))

	res, err := c.Sweep(30, 34, 2)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.HasPrediction {
		t.Errorf("expected no prediction for a flat curve, got %d", res.Predicted)
	}
}
