package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/config"
)

type statusJSON struct {
	Oscillator    statusOscillatorJSON `json:"oscillator"`
	Configuration statusConfigJSON     `json:"configuration"`
	// LastResult is omitted until the first session finishes.
	LastResult *calibration.Result `json:"lastResult,omitempty"`
}

type statusOscillatorJSON struct {
	Trim        calibration.Trim `json:"trim"`
	TargetCount uint32           `json:"targetCount"`
	Tolerance   uint32           `json:"tolerance"`
	Running     bool             `json:"running"`
}

type statusConfigJSON struct {
	Driver             string             `json:"driver"`
	Method             calibration.Method `json:"method"`
	DesiredFrequency   uint32             `json:"desiredFrequency"`
	TolerancePercent   float64            `json:"tolerancePercent"`
	Schedule           string             `json:"schedule"`
	NextRun            *time.Time         `json:"nextRun"`
	CalibrateOnStart   bool               `json:"calibrateOnStart"`
	AllowNonRootAccess bool               `json:"allowNonRootAccess"`
}

func buildStatusJSON(data *statusData) statusJSON {
	conf := config.NewFileFromConfig(data.config, "")
	st := data.status
	params := conf.Calibration()

	out := statusJSON{
		Oscillator: statusOscillatorJSON{
			Trim:        st.Trim,
			TargetCount: st.TargetCount,
			Tolerance:   params.Tolerance(st.TargetCount),
			Running:     st.Running,
		},
		Configuration: statusConfigJSON{
			Driver:             conf.Hardware().Driver,
			Method:             st.Method,
			DesiredFrequency:   params.DesiredFrequency,
			TolerancePercent:   params.TolerancePercent,
			Schedule:           st.Schedule,
			CalibrateOnStart:   conf.CalibrateOnStart(),
			AllowNonRootAccess: conf.AllowNonRootAccess(),
		},
		LastResult: st.LastResult,
	}
	if st.Schedule != "" && !st.ScheduledAt.IsZero() {
		next := st.ScheduledAt
		out.Configuration.NextRun = &next
	}
	return out
}

func printStatusJSON(cmd *cobra.Command, data *statusData) error {
	b, err := json.MarshalIndent(buildStatusJSON(data), "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(b))
	return nil
}
