package sim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func countLoop(t *testing.T, o *Oscillator, ticks uint16) uint32 {
	t.Helper()

	if err := o.ResetReferenceCounter(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	for {
		busy, err := o.ReferenceTimerBusy()
		if err != nil {
			t.Fatalf("busy: %v", err)
		}
		if !busy {
			break
		}
	}
	var cnt uint32
	for {
		cnt++
		v, err := o.ReadReferenceCounter()
		if err != nil {
			t.Fatalf("read counter: %v", err)
		}
		if v >= ticks {
			return cnt
		}
	}
}

func TestOscillatorCountMatchesModel(t *testing.T) {
	o := NewOscillator(DefaultModel())

	for _, trim := range []uint8{0xD0, 0xE0, 0xEF, 0xFA} {
		if err := o.WriteTrimProtected(trim); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := countLoop(t, o, 100)
		want := o.ExpectedCount(trim, 100)
		if got+1 < want || got > want+1 {
			t.Errorf("trim %#x: count %d, expected about %d", trim, got, want)
		}
	}
}

func TestOscillatorFasterClockCountsMore(t *testing.T) {
	o := NewOscillator(DefaultModel())

	_ = o.WriteTrimProtected(0xD8)
	slow := countLoop(t, o, 100)
	_ = o.WriteTrimProtected(0xE8)
	fast := countLoop(t, o, 100)

	if fast <= slow {
		t.Fatalf("expected higher trim to count more, got %d <= %d", fast, slow)
	}
}

func TestOscillatorBusyAfterReset(t *testing.T) {
	m := DefaultModel()
	m.BusyPolls = 2
	o := NewOscillator(m)

	_ = o.ResetReferenceCounter()
	var got []bool
	for i := 0; i < 4; i++ {
		b, _ := o.ReferenceTimerBusy()
		got = append(got, b)
	}
	if diff := cmp.Diff([]bool{true, true, false, false}, got); diff != "" {
		t.Errorf("busy sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestOscillatorRecordsWrites(t *testing.T) {
	o := NewOscillator(Model{InitialTrim: 0xE5})
	if v, _ := o.ReadTrim(); v != 0xE5 {
		t.Fatalf("expected initial trim 0xe5, got %#x", v)
	}
	_ = o.WriteTrimProtected(0xE6)
	_ = o.WriteTrimProtected(0xE4)

	if diff := cmp.Diff([]uint8{0xE6, 0xE4}, o.Writes()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestCurve(t *testing.T) {
	c := NewCurve(32, Linear(300, 10, 40))

	n, _ := c.Measure(100)
	if n != 220 {
		t.Errorf("expected 220 at trim 32, got %d", n)
	}
	_ = c.WriteTrimProtected(41)
	n, _ = c.Measure(100)
	if n != 310 {
		t.Errorf("expected 310 at trim 41, got %d", n)
	}
	c.DelayMicroseconds(5)

	if diff := cmp.Diff([]uint8{32, 41}, c.Measured()); diff != "" {
		t.Errorf("measured mismatch (-want +got):\n%s", diff)
	}
	if c.DelayedMicroseconds() != 5 {
		t.Errorf("expected 5us delay, got %d", c.DelayedMicroseconds())
	}
	if Linear(10, 10, 40)(0) != 0 {
		t.Errorf("expected negative counts to clamp at zero")
	}
}
