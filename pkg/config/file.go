package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/hardware"
	"github.com/charlie0129/rccal/pkg/utils/ptr"
)

const DefaultPath = "/etc/rccal.json"

var (
	defaultFileConfig = &RawFileConfig{
		Hardware: &hardware.Config{Driver: hardware.DriverSim},
		// The firmware recalibrates every ten seconds to follow temperature
		// and supply drift.
		Schedule:           ptr.To("@every 10s"),
		CalibrateOnStart:   ptr.To(true),
		StartupMethod:      ptr.To(calibration.MethodBinaryNeighbor),
		AllowNonRootAccess: ptr.To(false),
		HistorySize:        ptr.To(100),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	Hardware           *hardware.Config    `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Calibration        *calibration.Params `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	Schedule           *string             `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	CalibrateOnStart   *bool               `json:"calibrateOnStart,omitempty" yaml:"calibrateOnStart,omitempty"`
	StartupMethod      *calibration.Method `json:"startupMethod,omitempty" yaml:"startupMethod,omitempty"`
	AllowNonRootAccess *bool               `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
	HistorySize        *int                `json:"historySize,omitempty" yaml:"historySize,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	hw := c.Hardware()
	params := c.Calibration()
	rawConfig := &RawFileConfig{
		Hardware:           &hw,
		Calibration:        &params,
		Schedule:           ptr.To(c.Schedule()),
		CalibrateOnStart:   ptr.To(c.CalibrateOnStart()),
		StartupMethod:      ptr.To(c.StartupMethod()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
		HistorySize:        ptr.To(c.HistorySize()),
	}

	return rawConfig, nil
}

// isYAML reports whether path should be read and written as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (f *File) Hardware() hardware.Config {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.Hardware != nil {
		return *f.c.Hardware
	}
	return *defaultFileConfig.Hardware
}

// Calibration returns the calibration parameters with defaults filled in.
func (f *File) Calibration() calibration.Params {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	var p calibration.Params
	if f.c.Calibration != nil {
		p = *f.c.Calibration
	}
	return p.WithDefaults()
}

func (f *File) Schedule() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.Schedule, *defaultFileConfig.Schedule)
}

func (f *File) CalibrateOnStart() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.CalibrateOnStart, *defaultFileConfig.CalibrateOnStart)
}

func (f *File) StartupMethod() calibration.Method {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.StartupMethod, *defaultFileConfig.StartupMethod)
}

func (f *File) AllowNonRootAccess() bool {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.AllowNonRootAccess, *defaultFileConfig.AllowNonRootAccess)
}

func (f *File) HistorySize() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	n := ptr.Deref(f.c.HistorySize, *defaultFileConfig.HistorySize)
	if n <= 0 {
		return *defaultFileConfig.HistorySize
	}
	return n
}

func (f *File) SetCalibration(p calibration.Params) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.Calibration = &p
}

func (f *File) SetSchedule(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.Schedule = &s
}

func (f *File) SetCalibrateOnStart(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.CalibrateOnStart = &b
}

func (f *File) SetStartupMethod(m calibration.Method) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.StartupMethod = &m
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

// Validate checks the values that would otherwise only fail when the daemon
// uses them.
func (f *File) Validate() error {
	if err := f.Calibration().Validate(); err != nil {
		return pkgerrors.Wrap(err, "invalid calibration section")
	}
	if _, err := calibration.ParseMethod(string(f.StartupMethod())); err != nil {
		return pkgerrors.Wrap(err, "invalid startupMethod")
	}
	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using a decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if isYAML(f.filepath) {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if isYAML(f.filepath) {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) Path() string {
	return f.filepath
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	hw := f.Hardware()
	p := f.Calibration()
	return logrus.Fields{
		"driver":             hw.Driver,
		"method":             p.Method,
		"desiredFrequency":   p.DesiredFrequency,
		"tolerancePercent":   p.TolerancePercent,
		"schedule":           f.Schedule(),
		"calibrateOnStart":   f.CalibrateOnStart(),
		"startupMethod":      f.StartupMethod(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"historySize":        f.HistorySize(),
	}
}
