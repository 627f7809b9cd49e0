package config

import (
	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/hardware"
)

type Config interface {
	Hardware() hardware.Config
	Calibration() calibration.Params
	// Schedule is the cron expression of periodic recalibration. Empty
	// disables it.
	Schedule() string
	CalibrateOnStart() bool
	StartupMethod() calibration.Method
	AllowNonRootAccess() bool
	HistorySize() int

	SetCalibration(calibration.Params)
	SetSchedule(string)
	SetCalibrateOnStart(bool)
	SetStartupMethod(calibration.Method)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
