package hardware

import (
	"testing"

	"github.com/charlie0129/rccal/pkg/hal"
	"github.com/charlie0129/rccal/pkg/hal/sim"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "default is sim", config: Config{}},
		{name: "sim with model", config: Config{Driver: DriverSim, Sim: &sim.Model{InitialTrim: 0xE1}}},
		{name: "serial without port", config: Config{Driver: DriverSerial}, wantErr: true},
		{name: "unknown", config: Config{Driver: "spi"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw, err := Open(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer hal.Close(hw)
			if _, ok := hw.(*sim.Oscillator); !ok {
				t.Errorf("expected simulated oscillator, got %T", hw)
			}
		})
	}
}
