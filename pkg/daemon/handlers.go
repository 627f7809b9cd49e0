package daemon

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/calibrator"
	"github.com/charlie0129/rccal/pkg/config"
	"github.com/charlie0129/rccal/pkg/version"
)

// errorStatus maps calibrator errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, calibrator.ErrCalibrationInProgress):
		return http.StatusConflict
	case errors.Is(err, calibrator.ErrNotInitialized), errors.Is(err, calibrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, getCalibrationStatus())
}

// CalibrationRequest is the optional body of POST /calibration.
type CalibrationRequest struct {
	Method calibration.Method `json:"method,omitempty"`
}

func postCalibration(c *gin.Context) {
	var req CalibrationRequest
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	m := req.Method
	if m == "" {
		m = conf.Calibration().Method
	}
	if _, err := calibration.ParseMethod(string(m)); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	res, err := runCalibration(m, "api")
	if err != nil {
		logrus.Errorf("calibration failed: %v", err)
		abort(c, errorStatus(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, res)
}

func getHistory(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, history.Records())
}

func getTrim(c *gin.Context) {
	cl := currentCalibrator()
	if cl == nil {
		abort(c, http.StatusServiceUnavailable, calibrator.ErrNotInitialized)
		return
	}

	v, err := cl.Trim()
	if err != nil {
		abort(c, errorStatus(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, v)
}

func setTrim(c *gin.Context) {
	var v int
	if err := c.BindJSON(&v); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if v < 0 || v > 0xFF {
		abort(c, http.StatusBadRequest, fmt.Errorf("trim must be between 0 and 255, got %d", v))
		return
	}

	cl := currentCalibrator()
	if cl == nil {
		abort(c, http.StatusServiceUnavailable, calibrator.ErrNotInitialized)
		return
	}
	if err := cl.SetTrim(calibration.Trim(v)); err != nil {
		logrus.Errorf("setTrim failed: %v", err)
		abort(c, errorStatus(err), err)
		return
	}

	logrus.Infof("set trim to %#02x", v)
	c.IndentedJSON(http.StatusCreated, "ok")
}

func getMeasure(c *gin.Context) {
	m, err := measure()
	if err != nil {
		logrus.Errorf("measure failed: %v", err)
		abort(c, errorStatus(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, m)
}

func setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if err := schedule(expr); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid schedule %q: %w", expr, err))
		return
	}

	conf.SetSchedule(expr)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return
	}

	if expr == "" {
		logrus.Info("disabled scheduled calibration")
	} else {
		logrus.Infof("scheduled calibration %q", expr)
	}
	c.IndentedJSON(http.StatusCreated, getCalibrationStatus())
}

func postScheduleSkip(c *gin.Context) {
	if err := skipNextSchedule(); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.IndentedJSON(http.StatusOK, getCalibrationStatus())
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
