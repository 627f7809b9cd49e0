package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/config"
	"github.com/charlie0129/rccal/pkg/events"
	"github.com/charlie0129/rccal/pkg/hal"
	"github.com/charlie0129/rccal/pkg/hardware"
)

var (
	hw        hal.Hardware
	conf      *config.File
	history   = NewHistory(100)
	sseHub    = events.NewEventHub()
	scheduler *Scheduler
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logrus.StandardLogger()))
	router.GET("/config", getConfig)
	router.GET("/status", getStatus)
	router.POST("/calibration", postCalibration)
	router.GET("/history", getHistory)
	router.GET("/trim", getTrim)
	router.PUT("/trim", setTrim)
	router.GET("/measure", getMeasure)
	router.PUT("/schedule", setSchedule)
	router.POST("/schedule/skip", postScheduleSkip)
	router.GET("/events", streamEvents)
	router.GET("/version", getVersion)

	return router
}

func newScheduler() *Scheduler {
	return NewScheduler(scheduledCalibration, calibrationIdle, onScheduleUpcoming, onScheduleError)
}

// reload re-reads the config file and applies what can change at runtime.
func reload() error {
	if err := conf.Load(); err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	if err := scheduler.Validate(conf.Schedule()); err != nil {
		return pkgerrors.Wrapf(err, "invalid schedule %q", conf.Schedule())
	}

	// Hardware settings only apply on restart. The committed trim becomes
	// the new fallback once a running session has finished.
	if err := replaceCalibrator(hw, reloadTimeout); err != nil {
		return err
	}

	history.Resize(conf.HistorySize())
	if err := scheduler.Schedule(conf.Schedule()); err != nil {
		return pkgerrors.Wrapf(err, "invalid schedule %q", conf.Schedule())
	}
	return nil
}

func startupCalibration() {
	if !conf.CalibrateOnStart() {
		return
	}

	res, err := runCalibration(conf.StartupMethod(), "startup")
	if err != nil {
		logrus.WithError(err).Error("startup calibration failed")
		return
	}
	if res.Outcome != calibration.OutcomeSuccess {
		logrus.WithField("outcome", res.Outcome).Warn("startup calibration did not converge")
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to parse config during startup")
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	history.Resize(conf.HistorySize())
	initCalibrationState(configPath + ".state.json")

	hw, err = hardware.Open(conf.Hardware())
	if err != nil {
		return err
	}
	defer func() {
		logrus.Info("closing hardware")
		if err := hal.Close(hw); err != nil {
			logrus.Errorf("failed to close hardware: %v", err)
		}
	}()

	if err := setupCalibrator(hw); err != nil {
		return pkgerrors.Wrap(err, "failed to initialize calibrator")
	}

	scheduler = newScheduler()
	if err := scheduler.Schedule(conf.Schedule()); err != nil {
		return pkgerrors.Wrapf(err, "invalid schedule %q", conf.Schedule())
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := reload()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A stale socket from a crashed daemon would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
	}

	// Create the socket to listen on:
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return err
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			return err
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	go func() {
		startupCalibration()

		logrus.WithField("schedule", scheduler.Expression()).Debug("starting scheduler")
		scheduler.Start()
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("stopping scheduler")
	scheduler.Stop()

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	// Let a running session finish so the trim is not left mid-search.
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		if c := currentCalibrator(); c == nil || !c.Running() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	logrus.Info("exiting")
	return nil
}
