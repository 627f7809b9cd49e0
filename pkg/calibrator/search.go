package calibrator

import (
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/calibration"
)

// Sample is one measurement taken during a session.
type Sample struct {
	Phase calibration.Phase `json:"phase"`
	Step  uint8             `json:"step"`
	Trim  calibration.Trim  `json:"trim"`
	Count uint32            `json:"count"`
	Diff  uint32            `json:"diff"`
	// Seed is set on the measurement that initialises the best diff.
	Seed bool `json:"seed,omitempty"`
}

// Observer is called after every measurement.
type Observer func(Sample)

// search holds one session's search state. It is never reused.
type search struct {
	counter   *Counter
	trim      *Trimmer
	target    uint32
	tolerance uint32
	samples   int
	observe   Observer

	state        calibration.SearchState
	measurements int
	lastCount    uint32
	// met is set once any measurement lands within tolerance.
	met bool
}

func absDiff(count, target uint32) uint32 {
	d := int64(count) - int64(target)
	if d < 0 {
		d = -d
	}
	return uint32(d)
}

func (s *search) measure(phase calibration.Phase, seed bool) (uint32, uint32, calibration.Trim, error) {
	trim, err := s.trim.Read()
	if err != nil {
		return 0, 0, 0, err
	}
	count, err := s.counter.Measure()
	if err != nil {
		return 0, 0, trim, err
	}
	diff := absDiff(count, s.target)

	s.measurements++
	s.lastCount = count
	if diff <= s.tolerance {
		s.met = true
	}

	logrus.WithFields(logrus.Fields{
		"phase": phase,
		"step":  s.state.Step,
		"trim":  trim,
		"count": count,
		"diff":  diff,
	}).Trace("measured")

	if s.observe != nil {
		s.observe(Sample{
			Phase: phase,
			Step:  s.state.Step,
			Trim:  trim,
			Count: count,
			Diff:  diff,
			Seed:  seed,
		})
	}
	return count, diff, trim, nil
}

// direction returns the sign that moves count towards the target.
func (s *search) direction(count uint32) int8 {
	switch {
	case count > s.target:
		return -1
	case count < s.target:
		return 1
	default:
		return 0
	}
}

// binary halves the step after every comparison until it reaches zero. It
// reports true when a measurement hit the target exactly.
func (s *search) binary() (bool, error) {
	s.state.Phase = calibration.PhaseBinary

	for s.state.Step != 0 {
		count, _, trim, err := s.measure(calibration.PhaseBinary, false)
		if err != nil {
			return false, err
		}

		sign := s.direction(count)
		if sign == 0 {
			s.state.Step >>= 1
			s.seed(0, trim)
			s.state.Phase = calibration.PhaseDone
			return true, nil
		}
		s.state.Sign = sign
		if err := s.trim.Write(s.trim.Offset(trim, int(sign)*int(s.state.Step))); err != nil {
			return false, err
		}
		s.state.Step >>= 1
	}
	return false, nil
}

// seed initialises the best diff from a measurement.
func (s *search) seed(diff uint32, trim calibration.Trim) {
	s.state.BestDiff = diff
	s.state.BestTrim = trim
}

// seedHere measures the current trim and seeds from it.
func (s *search) seedHere() error {
	_, diff, trim, err := s.measure(calibration.PhaseNeighbor, true)
	if err != nil {
		return err
	}
	s.seed(diff, trim)
	return nil
}

// neighbor measures the current trim and the next values in the direction of
// the last correction, then commits the best one.
func (s *search) neighbor() error {
	s.state.Phase = calibration.PhaseNeighbor
	s.state.Neighbors = 0

	for {
		_, diff, trim, err := s.measure(calibration.PhaseNeighbor, false)
		if err != nil {
			return err
		}
		if diff < s.state.BestDiff {
			s.seed(diff, trim)
		}

		s.state.Neighbors++
		if s.state.Neighbors == s.samples {
			break
		}
		if err := s.trim.Write(s.trim.Offset(trim, int(s.state.Sign))); err != nil {
			return err
		}
	}

	s.state.Phase = calibration.PhaseDone
	return s.trim.Write(s.state.BestTrim)
}

// simple moves the trim by one towards the target for at most cycles
// measurements and commits the best value seen. It reports true on an exact
// match.
func (s *search) simple(cycles int) (bool, error) {
	s.state.Phase = calibration.PhaseNeighbor
	s.state.BestDiff = ^uint32(0)

	for i := 0; i < cycles; i++ {
		count, diff, cur, err := s.measure(calibration.PhaseNeighbor, i == 0)
		if err != nil {
			return false, err
		}
		if diff < s.state.BestDiff {
			s.seed(diff, cur)
		}

		sign := s.direction(count)
		if sign == 0 {
			s.state.Phase = calibration.PhaseDone
			return true, nil
		}
		s.state.Sign = sign
		if err := s.trim.Write(s.trim.Offset(cur, int(sign))); err != nil {
			return false, err
		}
		s.state.Neighbors++
	}

	s.state.Phase = calibration.PhaseDone
	cur, err := s.trim.Read()
	if err != nil {
		return false, err
	}
	if cur == s.state.BestTrim {
		return false, nil
	}
	return false, s.trim.Write(s.state.BestTrim)
}
