package events

import "encoding/json"

// Event name constants
const (
	CalibrationSample   = "calibration.sample"
	CalibrationOutcome  = "calibration.outcome"
	CalibrationSchedule = "calibration.schedule"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CalibrationSampleEvent is the typed payload for calibration.sample, one
// per measurement of a running session.
type CalibrationSampleEvent struct {
	Phase string `json:"phase"`
	Step  uint8  `json:"step"`
	Trim  uint8  `json:"trim"`
	Count uint32 `json:"count"`
	Diff  uint32 `json:"diff"`
	Ts    int64  `json:"ts"`
}

// CalibrationOutcomeEvent is the typed payload for calibration.outcome.
type CalibrationOutcomeEvent struct {
	Outcome string `json:"outcome"`
	Method  string `json:"method"`
	Trim    uint8  `json:"trim"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationScheduleEvent is the typed payload for calibration.schedule.
type CalibrationScheduleEvent struct {
	Schedule    string `json:"schedule"`
	ScheduledAt int64  `json:"scheduledAt"`
	Skipped     bool   `json:"skipped,omitempty"`
	Ts          int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationOutcomeEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Outcome, payload.Trim)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
