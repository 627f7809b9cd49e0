// Package hardware opens the calibration hardware named in the configuration.
package hardware

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rccal/pkg/hal"
	"github.com/charlie0129/rccal/pkg/hal/i2c"
	"github.com/charlie0129/rccal/pkg/hal/serial"
	"github.com/charlie0129/rccal/pkg/hal/sim"
)

const (
	DriverSim    = "sim"
	DriverSerial = "serial"
	DriverI2C    = "i2c"
)

// Drivers lists the supported drivers.
var Drivers = []string{DriverSim, DriverSerial, DriverI2C}

// Config selects and configures a hardware driver.
type Config struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	// Port and Baud configure the serial driver.
	Port string `json:"port,omitempty" yaml:"port,omitempty"`
	Baud int    `json:"baud,omitempty" yaml:"baud,omitempty"`
	// Bus and Address configure the i2c driver.
	Bus     string `json:"bus,omitempty" yaml:"bus,omitempty"`
	Address uint16 `json:"address,omitempty" yaml:"address,omitempty"`
	// Sim configures the simulated oscillator.
	Sim *sim.Model `json:"sim,omitempty" yaml:"sim,omitempty"`
}

// Open opens the hardware described by c. An empty driver selects the simulator.
func Open(c Config) (hal.Hardware, error) {
	log := logrus.WithField("driver", c.Driver)

	switch c.Driver {
	case "", DriverSim:
		m := sim.DefaultModel()
		if c.Sim != nil {
			m = *c.Sim
		}
		log.Info("using simulated oscillator")
		return sim.NewOscillator(m), nil
	case DriverSerial:
		log.WithField("port", c.Port).Info("opening serial bridge")
		b, err := serial.Open(c.Port, c.Baud)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverI2C:
		log.WithField("bus", c.Bus).Info("opening i2c bridge")
		b, err := i2c.Open(c.Bus, c.Address)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown hardware driver %q, must be one of %v", c.Driver, Drivers)
	}
}
