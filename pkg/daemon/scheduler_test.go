package daemon

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noopTask() error { return nil }

// forceNextRun moves the pending run to d from now.
func forceNextRun(s *Scheduler, d time.Duration) {
	s.mu.Lock()
	s.nextRun = time.Now().Add(d)
	s.mu.Unlock()
}

func TestSchedulerExpressions(t *testing.T) {
	tests := []struct {
		expr    string
		between time.Duration
	}{
		{expr: "@every 10s", between: 10 * time.Second},
		{expr: "@every 10m", between: 10 * time.Minute},
		{expr: "*/30 * * * * *", between: 30 * time.Second},
		{expr: "0 */5 * * * *", between: 5 * time.Minute},
		{expr: "@hourly", between: time.Hour},
	}

	s := NewScheduler(noopTask, nil, nil, nil)
	for _, tt := range tests {
		sh, err := s.parse(tt.expr)
		if err != nil {
			t.Errorf("%s: %v", tt.expr, err)
			continue
		}
		first := sh.Next(time.Now())
		if got := sh.Next(first).Sub(first); got != tt.between {
			t.Errorf("%s: expected runs %s apart, got %s", tt.expr, tt.between, got)
		}
	}
}

func TestSchedulerValidate(t *testing.T) {
	s := NewScheduler(noopTask, nil, nil, nil)

	for _, expr := range []string{"*/5 * * * *", "@every 10s", ""} {
		if err := s.Validate(expr); err != nil {
			t.Errorf("Validate(%q) returned error: %v", expr, err)
		}
	}
	for _, expr := range []string{"every now and then", "61 * * * *"} {
		if err := s.Validate(expr); err == nil {
			t.Errorf("Validate(%q): expected error", expr)
		}
		if err := s.Schedule(expr); err == nil {
			t.Errorf("Schedule(%q): expected error", expr)
		}
	}
	if s.Expression() != "" {
		t.Errorf("rejected expression was kept: %q", s.Expression())
	}
}

func TestSchedulerScheduleAndSkip(t *testing.T) {
	s := NewScheduler(noopTask, nil, nil, nil)
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	first, running := s.Status()
	if running || first.IsZero() {
		t.Fatalf("expected a pending run on a stopped scheduler, got %v running=%v", first, running)
	}

	if err := s.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	second, _ := s.Status()
	if second.Sub(first) != 10*time.Minute {
		t.Fatalf("expected skip to move the run by one interval, got %v -> %v", first, second)
	}

	s.Start()
	defer s.Stop()
	if err := s.Skip(); err != nil {
		t.Fatalf("Skip while running: %v", err)
	}
	if third, _ := s.Status(); third.Sub(second) != 10*time.Minute {
		t.Fatalf("expected skip while running to move the run, got %v -> %v", second, third)
	}
}

func TestSchedulerRunCycle(t *testing.T) {
	upcoming := make(chan time.Time, 1)
	ran := make(chan struct{}, 1)
	errs := make(chan error, 1)
	var preChecks atomic.Int32

	s := NewScheduler(
		func() error {
			ran <- struct{}{}
			return nil
		},
		func() error {
			preChecks.Add(1)
			return nil
		},
		func(data any) { upcoming <- data.(time.Time) },
		func(data any) { errs <- data.(error) },
	)
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	forceNextRun(s, 50*time.Millisecond)
	at, _ := s.Status()

	s.Start()
	defer s.Stop()

	select {
	case got := <-upcoming:
		if !got.Equal(at) {
			t.Errorf("announced %v, want %v", got, at)
		}
	case <-time.After(time.Second):
		t.Fatalf("run was not announced")
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}

	if preChecks.Load() != 1 {
		t.Errorf("expected one pre-check, got %d", preChecks.Load())
	}
	if next, _ := s.Status(); !next.After(at) {
		t.Errorf("expected the next run after %v, got %v", at, next)
	}
	select {
	case err := <-errs:
		t.Fatalf("unexpected error callback: %v", err)
	default:
	}
}

func TestSchedulerPreCheckFailure(t *testing.T) {
	var ran atomic.Bool
	errs := make(chan error, 4)

	s := NewScheduler(
		func() error {
			ran.Store(true)
			return nil
		},
		func() error { return errors.New("busy") },
		nil,
		func(data any) { errs <- data.(error) },
	)
	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	forceNextRun(s, 50*time.Millisecond)

	s.Start()
	defer s.Stop()

	select {
	case err := <-errs:
		if err.Error() != "precheck failed: busy" {
			t.Errorf("unexpected error %q", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an error callback from the failed pre-check")
	}

	// The retry a second later fails the same way and is not reported again.
	time.Sleep(preCheckInterval + 200*time.Millisecond)
	select {
	case err := <-errs:
		t.Errorf("repeated pre-check error reported again: %v", err)
	default:
	}
	if ran.Load() {
		t.Fatalf("task must not run when the pre-check fails")
	}
}

func TestSchedulerDisable(t *testing.T) {
	for _, started := range []bool{false, true} {
		s := NewScheduler(noopTask, nil, nil, nil)
		if err := s.Schedule("@every 1m"); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if started {
			s.Start()
		}

		if err := s.Schedule(""); err != nil {
			t.Fatalf("Schedule(\"\"): %v", err)
		}
		if next, _ := s.Status(); !next.IsZero() || s.Expression() != "" {
			t.Errorf("started=%v: expected schedule disabled, got next=%v expr=%q", started, next, s.Expression())
		}
		if err := s.Skip(); err == nil {
			t.Errorf("started=%v: expected skip to fail without schedule", started)
		}
		s.Stop()
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler(noopTask, nil, nil, nil)
	s.Start()
	s.Stop()
	s.Stop()

	deadline := time.Now().Add(time.Second)
	for {
		if _, running := s.Status(); !running {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("scheduler still running after Stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerAdvanceSkipsMissedRuns(t *testing.T) {
	s := NewScheduler(noopTask, nil, nil, nil)
	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// As if the host slept through an hour of runs.
	forceNextRun(s, -time.Hour)

	s.advanceNextRun()
	next, _ := s.Status()
	if !next.After(time.Now()) {
		t.Fatalf("expected next run in the future, got %v", next)
	}
}
