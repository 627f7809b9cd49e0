package calibrator

import (
	"errors"
	"testing"
	"time"

	"github.com/charlie0129/rccal/pkg/hal/sim"
)

func TestCounterDelegatesToMeasurer(t *testing.T) {
	hw := sim.NewCurve(10, sim.Linear(300, 10, 10))
	c := NewCounter(hw, 100, time.Millisecond, 300)

	n, err := c.Measure()
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if n != 300 {
		t.Errorf("expected 300, got %d", n)
	}
}

func TestCounterLoop(t *testing.T) {
	o := sim.NewOscillator(sim.DefaultModel())
	c := NewCounter(o, 100, 10*time.Millisecond, 5086)

	n, err := c.Measure()
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	want := o.ExpectedCount(0xE0, 100)
	if n+1 < want || n > want+1 {
		t.Errorf("expected about %d, got %d", want, n)
	}
}

func TestCounterFaults(t *testing.T) {
	tests := []struct {
		name    string
		model   sim.Model
		wantErr error
	}{
		{
			name:    "busy forever",
			model:   sim.Model{BusyPolls: 1 << 30},
			wantErr: ErrBusyTimeout,
		},
		{
			name:    "dead crystal",
			model:   sim.Model{Stalled: true},
			wantErr: ErrReferenceStalled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCounter(sim.NewOscillator(tt.model), 100, time.Millisecond, 5086)
			if _, err := c.Measure(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTrimmerOffset(t *testing.T) {
	tr := NewTrimmer(sim.NewCurve(0, sim.Flat(0)), 5, 0xC0, 0xFF)

	tests := []struct {
		v     uint8
		delta int
		want  uint8
	}{
		{v: 0xE0, delta: 16, want: 0xF0},
		{v: 0xE0, delta: -16, want: 0xD0},
		{v: 0xFE, delta: 4, want: 0xFF},
		{v: 0xC1, delta: -2, want: 0xC0},
	}
	for _, tt := range tests {
		if got := tr.Offset(tt.v, tt.delta); got != tt.want {
			t.Errorf("Offset(%#x, %d) = %#x, want %#x", tt.v, tt.delta, got, tt.want)
		}
	}
}

func TestTrimmerWriteSettles(t *testing.T) {
	hw := sim.NewCurve(0, sim.Flat(0))
	tr := NewTrimmer(hw, 7, 0, 0xFF)

	if err := tr.Write(0x42); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v, _ := tr.Read(); v != 0x42 {
		t.Errorf("expected 0x42, got %#x", v)
	}
	if hw.DelayedMicroseconds() != 7 {
		t.Errorf("expected 7us settle delay, got %d", hw.DelayedMicroseconds())
	}
}
