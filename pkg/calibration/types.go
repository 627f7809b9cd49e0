package calibration

import (
	"fmt"
	"time"
)

// Trim is the value of the oscillator trim register, mask bits included.
type Trim = uint8

// Phase defines phases of the trim search.
type Phase string

const (
	PhasePreCheck Phase = "PreCheck"
	PhaseBinary   Phase = "Binary"
	PhaseNeighbor Phase = "Neighbor"
	PhaseVerify   Phase = "Verify"
	PhaseDone     Phase = "Done"
)

// Method selects the search strategy.
type Method string

const (
	// MethodTolerance measures at the current trim until it is within
	// tolerance, then refines around it with a neighbor search.
	MethodTolerance Method = "tolerance"
	// MethodBinaryNeighbor runs a full binary search followed by a
	// neighbor search.
	MethodBinaryNeighbor Method = "binary-neighbor"
	// MethodBinary runs the binary search only.
	MethodBinary Method = "binary"
	// MethodSimple steps the trim by one until the count matches.
	MethodSimple Method = "simple"
)

// Methods lists all supported methods, default first.
var Methods = []Method{MethodTolerance, MethodBinaryNeighbor, MethodBinary, MethodSimple}

// ParseMethod parses a method name.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown calibration method %q, must be one of %v", s, Methods)
}

// IsBinary reports whether the method starts with a binary search.
func (m Method) IsBinary() bool {
	return m == MethodBinaryNeighbor || m == MethodBinary
}

// Outcome is the definitive result of one calibration session.
type Outcome string

const (
	OutcomeSuccess         Outcome = "Success"
	OutcomeRestoredDefault Outcome = "RestoredDefault"
	OutcomeFailed          Outcome = "Failed"
)

// SearchState is the mutable state of one search. It is created fresh for
// every session and never shared.
type SearchState struct {
	Step      uint8  `json:"step"`
	Sign      int8   `json:"sign"`
	Neighbors int    `json:"neighbors"`
	BestDiff  uint32 `json:"bestDiff"`
	BestTrim  Trim   `json:"bestTrim"`
	Phase     Phase  `json:"phase"`
}

// Result is what a calibration session reports.
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	Method       Method        `json:"method"`
	Trim         Trim          `json:"trim"`
	DefaultTrim  Trim          `json:"defaultTrim"`
	TargetCount  uint32        `json:"targetCount"`
	Tolerance    uint32        `json:"tolerance"`
	BestDiff     uint32        `json:"bestDiff"`
	LastCount    uint32        `json:"lastCount"`
	Attempts     int           `json:"attempts"`
	Measurements int           `json:"measurements"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Message      string        `json:"message,omitempty"`
}

// Err maps a non-successful outcome to its sentinel error.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeRestoredDefault:
		return ErrRestoredDefault
	default:
		return ErrToleranceNotReached
	}
}

// Status is the view model the daemon exposes over HTTP.
type Status struct {
	Running     bool      `json:"running"`
	Trim        Trim      `json:"trim"`
	TargetCount uint32    `json:"targetCount"`
	Method      Method    `json:"method"`
	LastResult  *Result   `json:"lastResult,omitempty"`
	Schedule    string    `json:"schedule,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Measurement is one count taken outside a session.
type Measurement struct {
	Trim        Trim   `json:"trim"`
	Count       uint32 `json:"count"`
	TargetCount uint32 `json:"targetCount"`
	Diff        uint32 `json:"diff"`
	Tolerance   uint32 `json:"tolerance"`
}

// WithinTolerance reports whether the count is close enough to the target.
func (m Measurement) WithinTolerance() bool {
	return m.Diff <= m.Tolerance
}
