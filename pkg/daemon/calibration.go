package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/calibrator"
	"github.com/charlie0129/rccal/pkg/events"
	"github.com/charlie0129/rccal/pkg/hal"
)

var (
	calMu = &sync.RWMutex{}
	cal   *calibrator.Calibrator

	calibrationStatePath = "" // derived from the config path during Run
)

const (
	reloadTimeout       = 30 * time.Second
	replacePollInterval = 50 * time.Millisecond
)

// persistedState is what survives a daemon restart.
type persistedState struct {
	LastResult *calibration.Result `json:"lastResult,omitempty"`
}

func currentCalibrator() *calibrator.Calibrator {
	calMu.RLock()
	defer calMu.RUnlock()

	return cal
}

// setupCalibrator builds and initializes a calibrator for hw from the
// current configuration, replacing the previous one. It fails with
// calibrator.ErrCalibrationInProgress while the previous one is busy.
func setupCalibrator(h hal.Hardware) error {
	c, err := calibrator.New(h, conf.Calibration(), calibrator.WithObserver(publishSample))
	if err != nil {
		return err
	}

	calMu.Lock()
	defer calMu.Unlock()

	// The old calibrator must be closed before the new one reads the
	// register, or a half-searched trim becomes the fallback.
	if cal != nil {
		if err := cal.Close(); err != nil {
			return err
		}
	}
	cal = c
	return c.Initialize()
}

// replaceCalibrator retries setupCalibrator until the running session ends
// or timeout passes.
func replaceCalibrator(h hal.Hardware, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := setupCalibrator(h)
		if !errors.Is(err, calibrator.ErrCalibrationInProgress) {
			return err
		}
		if time.Now().After(deadline) {
			return pkgerrors.Wrap(err, "timed out waiting for calibration to finish")
		}
		logrus.Debug("waiting for calibration to finish before replacing calibrator")
		time.Sleep(replacePollInterval)
	}
}

func publishSample(s calibrator.Sample) {
	sseHub.Publish(events.CalibrationSample, events.CalibrationSampleEvent{
		Phase: string(s.Phase),
		Step:  s.Step,
		Trim:  s.Trim,
		Count: s.Count,
		Diff:  s.Diff,
		Ts:    time.Now().Unix(),
	})
}

func initCalibrationState(path string) {
	calibrationStatePath = path
	// Try load existing state
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logrus.WithError(err).Warn("failed to read calibration state")
		return
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		logrus.WithError(err).Warn("failed to unmarshal calibration state")
		return
	}
	if st.LastResult != nil {
		history.Add(*st.LastResult)
		logrus.WithFields(logrus.Fields{
			"outcome": st.LastResult.Outcome,
			"trim":    st.LastResult.Trim,
			"at":      st.LastResult.StartedAt,
		}).Info("restored last calibration result")
	}
}

func persistCalibrationState(res calibration.Result) {
	if calibrationStatePath == "" {
		return
	}
	b, err := json.MarshalIndent(persistedState{LastResult: &res}, "", "  ")
	if err != nil {
		logrus.WithError(err).Error("marshal calibration state")
		return
	}
	if err := os.WriteFile(calibrationStatePath, b, 0644); err != nil {
		logrus.WithError(err).Error("write calibration state")
	}
}

// runCalibration runs one session with method m and records its result.
// The error is set for hardware faults and when a session is already running.
func runCalibration(m calibration.Method, trigger string) (calibration.Result, error) {
	c := currentCalibrator()
	if c == nil {
		return calibration.Result{}, calibrator.ErrNotInitialized
	}

	logrus.WithFields(logrus.Fields{
		"method":  m,
		"trigger": trigger,
	}).Debug("calibration requested")

	res, err := c.RunMethod(m)
	if errors.Is(err, calibrator.ErrCalibrationInProgress) {
		return res, err
	}
	if res.StartedAt.IsZero() {
		// Rejected before the session started.
		return res, err
	}

	history.Add(res)
	persistCalibrationState(res)

	ev := events.CalibrationOutcomeEvent{
		Outcome: string(res.Outcome),
		Method:  string(res.Method),
		Trim:    res.Trim,
		Message: res.Message,
		Ts:      time.Now().Unix(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	sseHub.Publish(events.CalibrationOutcome, ev)

	if n := history.Failures(); n > 1 {
		logrus.WithField("consecutive", n).Warn("calibration keeps failing")
	}
	return res, err
}

// scheduledCalibration is the scheduler task.
func scheduledCalibration() error {
	res, err := runCalibration(conf.Calibration().Method, "schedule")
	if err != nil {
		return err
	}
	return res.Err()
}

// calibrationIdle is the scheduler pre-check.
func calibrationIdle() error {
	c := currentCalibrator()
	if c == nil {
		return calibrator.ErrNotInitialized
	}
	if c.Running() {
		return calibrator.ErrCalibrationInProgress
	}
	return nil
}

func onScheduleUpcoming(data any) {
	at, ok := data.(time.Time)
	if !ok {
		return
	}
	sseHub.Publish(events.CalibrationSchedule, events.CalibrationScheduleEvent{
		Schedule:    scheduler.Expression(),
		ScheduledAt: at.Unix(),
		Ts:          time.Now().Unix(),
	})
}

func onScheduleError(data any) {
	err, ok := data.(error)
	if !ok {
		return
	}
	if errors.Is(err, calibration.ErrToleranceNotReached) || errors.Is(err, calibration.ErrRestoredDefault) {
		logrus.WithError(err).Warn("scheduled calibration did not converge")
		return
	}
	logrus.WithError(err).Error("scheduled calibration failed")
}

func getCalibrationStatus() calibration.Status {
	st := calibration.Status{
		Method:     conf.Calibration().Method,
		LastResult: history.Last(),
	}

	if c := currentCalibrator(); c != nil {
		st.TargetCount = c.TargetCount()
		st.Running = c.Running()
		if v, err := c.Trim(); err == nil {
			st.Trim = v
		} else if st.LastResult != nil {
			// Busy with a session.
			st.Trim = st.LastResult.Trim
		}
	}

	if scheduler != nil {
		st.Schedule = scheduler.Expression()
		st.ScheduledAt, _ = scheduler.Status()
	}
	return st
}

func measure() (calibration.Measurement, error) {
	c := currentCalibrator()
	if c == nil {
		return calibration.Measurement{}, calibrator.ErrNotInitialized
	}

	trim, err := c.Trim()
	if err != nil {
		return calibration.Measurement{}, err
	}
	count, err := c.Measure()
	if err != nil {
		return calibration.Measurement{}, err
	}

	diff := int64(count) - int64(c.TargetCount())
	if diff < 0 {
		diff = -diff
	}
	return calibration.Measurement{
		Trim:        trim,
		Count:       count,
		TargetCount: c.TargetCount(),
		Diff:        uint32(diff),
		Tolerance:   c.Tolerance(),
	}, nil
}

func schedule(cronExpr string) error {
	if err := scheduler.Schedule(cronExpr); err != nil {
		return err
	}

	next, _ := scheduler.Status()
	sseHub.Publish(events.CalibrationSchedule, events.CalibrationScheduleEvent{
		Schedule:    cronExpr,
		ScheduledAt: next.Unix(),
		Ts:          time.Now().Unix(),
	})
	return nil
}

func skipNextSchedule() error {
	if err := scheduler.Skip(); err != nil {
		return err
	}

	next, _ := scheduler.Status()
	sseHub.Publish(events.CalibrationSchedule, events.CalibrationScheduleEvent{
		Schedule:    scheduler.Expression(),
		ScheduledAt: next.Unix(),
		Skipped:     true,
		Ts:          time.Now().Unix(),
	})
	return nil
}
