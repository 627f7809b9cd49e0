package client

import (
	"encoding/json"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/config"
)

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}

	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}

func (c *Client) GetStatus() (*calibration.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

// Calibrate runs one session on the daemon and waits for its result. An empty
// method uses the configured one.
func (c *Client) Calibrate(m calibration.Method) (*calibration.Result, error) {
	payload := ""
	if m != "" {
		b, err := json.Marshal(map[string]calibration.Method{"method": m})
		if err != nil {
			return nil, err
		}
		payload = string(b)
	}

	ret, err := c.Post("/calibration", payload)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to calibrate")
	}

	var res calibration.Result
	if err := json.Unmarshal([]byte(ret), &res); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration result")
	}
	return &res, nil
}

func (c *Client) GetHistory() ([]calibration.Result, error) {
	ret, err := c.Get("/history")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration history")
	}

	var hist []calibration.Result
	if err := json.Unmarshal([]byte(ret), &hist); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration history")
	}
	return hist, nil
}

func (c *Client) GetTrim() (calibration.Trim, error) {
	ret, err := c.Get("/trim")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get trim")
	}

	v, err := strconv.ParseUint(ret, 10, 8)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse trim %q", ret)
	}
	return calibration.Trim(v), nil
}

func (c *Client) SetTrim(v calibration.Trim) (string, error) {
	return c.Put("/trim", strconv.Itoa(int(v)))
}

func (c *Client) Measure() (*calibration.Measurement, error) {
	ret, err := c.Get("/measure")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to measure")
	}

	var m calibration.Measurement
	if err := json.Unmarshal([]byte(ret), &m); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal measurement")
	}
	return &m, nil
}

// SetSchedule replaces the calibration schedule. An empty expression disables
// scheduled calibration.
func (c *Client) SetSchedule(cronExpr string) (*calibration.Status, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return nil, err
	}

	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}

	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

func (c *Client) SkipSchedule() (*calibration.Status, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip the next scheduled calibration")
	}

	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}
