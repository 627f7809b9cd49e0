package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/calibrator"
	"github.com/charlie0129/rccal/pkg/config"
	"github.com/charlie0129/rccal/pkg/hal"
	"github.com/charlie0129/rccal/pkg/hal/sim"
	"github.com/charlie0129/rccal/pkg/hardware"
)

// openLocal opens the configured hardware directly. It must not be used while
// the daemon owns the same device.
func openLocal() (*config.File, hal.Hardware, error) {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}

	hw, err := hardware.Open(conf.Hardware())
	if err != nil {
		return nil, nil, err
	}
	return conf, hw, nil
}

func closeLocal(hw hal.Hardware) {
	if err := hal.Close(hw); err != nil {
		logrus.Errorf("failed to close hardware: %v", err)
	}
}

func phaseText(p calibration.Phase) string {
	switch p {
	case calibration.PhaseBinary:
		return color.CyanString("%-9s", p)
	case calibration.PhaseNeighbor:
		return color.MagentaString("%-9s", p)
	case calibration.PhaseVerify:
		return color.YellowString("%-9s", p)
	default:
		return color.BlueString("%-9s", p)
	}
}

// traceObserver prints every measurement of a session.
func traceObserver(cmd *cobra.Command, tolerance func() uint32) calibrator.Observer {
	return func(s calibrator.Sample) {
		seed := ""
		if s.Seed {
			seed = " (seed)"
		}
		cmd.Printf("  %s step %-3d trim %#02x count %-6d diff %s%s\n",
			phaseText(s.Phase), s.Step, s.Trim, s.Count, diffText(s.Diff, tolerance()), seed)
	}
}

func runSession(cmd *cobra.Command, hw hal.Hardware, p calibration.Params, method string, trace bool) (*calibration.Result, error) {
	m, err := parseMethodFlag(method)
	if err != nil {
		return nil, err
	}
	if m == "" {
		m = p.WithDefaults().Method
	}

	var c *calibrator.Calibrator
	var opts []calibrator.Option
	if trace {
		opts = append(opts, calibrator.WithObserver(traceObserver(cmd, func() uint32 { return c.Tolerance() })))
	}
	c, err = calibrator.New(hw, p, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(); err != nil {
		return nil, err
	}

	cmd.Printf("%s target count %d, tolerance %d, starting at trim %#02x\n",
		bold("Calibrating:"), c.TargetCount(), c.Tolerance(), c.DefaultTrim())

	res, err := c.RunMethod(m)
	if err != nil {
		return nil, fmt.Errorf("calibration aborted: %w", err)
	}
	return &res, nil
}

func NewRunCommand() *cobra.Command {
	var (
		method string
		trace  bool
		strict bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Calibrate once without the daemon",
		GroupID: gLocal,
		Long: `Open the configured hardware, run one calibration session and exit.

The daemon must not be running against the same hardware.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, hw, err := openLocal()
			if err != nil {
				return err
			}
			defer closeLocal(hw)

			res, err := runSession(cmd, hw, conf.Calibration(), method, trace)
			if err != nil {
				return err
			}

			printResult(cmd, res)
			if strict {
				return res.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "", "search method (tolerance, binary-neighbor, binary, simple)")
	cmd.Flags().BoolVarP(&trace, "trace", "t", false, "print every measurement")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error unless the outcome is Success")

	return cmd
}

func NewSimulateCommand() *cobra.Command {
	var (
		method string
		model  = sim.DefaultModel()
	)

	cmd := &cobra.Command{
		Use:     "simulate",
		Aliases: []string{"sim"},
		Short:   "Calibrate a simulated oscillator and print the search",
		GroupID: gLocal,
		Long: `Run one calibration session against a simulated RC oscillator and print
every measurement. Calibration parameters come from the config file.`,
		Example: `  rccal simulate -m binary-neighbor
  rccal simulate --center-freq 21e6 --noise-hz 20000 --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			o := sim.NewOscillator(model)
			params := conf.Calibration()
			cmd.Printf("%s %.0f Hz at trim %#02x, %.0f Hz per step\n",
				bold("Oscillator:"), o.Frequency(model.InitialTrim), model.InitialTrim, model.StepHz)

			res, err := runSession(cmd, o, params, method, true)
			if err != nil {
				return err
			}

			printResult(cmd, res)
			cmd.Printf("  Frequency: %.0f Hz (desired %d Hz)\n", o.Frequency(res.Trim), params.DesiredFrequency)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&method, "method", "m", "", "search method (tolerance, binary-neighbor, binary, simple)")
	f.Float64Var(&model.CenterFrequency, "center-freq", model.CenterFrequency, "oscillator frequency at the center trim, in Hz")
	f.Uint8Var(&model.CenterTrim, "center-trim", model.CenterTrim, "trim of the center frequency")
	f.Float64Var(&model.StepHz, "step-hz", model.StepHz, "frequency change per trim step, in Hz")
	f.Float64Var(&model.NoiseHz, "noise-hz", 0, "standard deviation of frequency jitter, in Hz")
	f.Int64Var(&model.Seed, "seed", 0, "noise seed")
	f.Uint8Var(&model.InitialTrim, "initial-trim", model.InitialTrim, "trim register value at start")
	f.IntVar(&model.BusyPolls, "busy-polls", model.BusyPolls, "busy reads after a reference counter reset")

	return cmd
}

func NewSweepCommand() *cobra.Command {
	var (
		from, to uint8
		samples  int
	)

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Measure counts across a trim range and fit a line",
		GroupID: gLocal,
		Long: `Measure the configured hardware at every trim in a range and fit count
against trim by least squares. The trim is restored afterwards.

Useful to check the slope and linearity of a part before choosing the search
method and initial step. The range is clamped to the trim field.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, hw, err := openLocal()
			if err != nil {
				return err
			}
			defer closeLocal(hw)

			c, err := calibrator.New(hw, conf.Calibration())
			if err != nil {
				return err
			}

			res, err := c.Sweep(from, to, samples)
			if err != nil {
				return err
			}

			cmd.Printf("%s target count %d, tolerance %d\n", bold("Sweep:"), c.TargetCount(), c.Tolerance())
			cmd.Println("  trim   mean       stddev    diff")
			tol := float64(c.Tolerance())
			for _, p := range res.Points {
				diff := fmt.Sprintf("%+.1f", p.Diff)
				if p.Diff >= -tol && p.Diff <= tol {
					diff = color.GreenString(diff)
				}
				cmd.Printf("  %#02x   %-10.1f %-9.2f %s\n", p.Trim, p.Mean, p.StdDev, diff)
			}

			if len(res.Points) < 2 {
				return nil
			}
			cmd.Printf("%s count = %.2f * trim %+.2f (R² %.4f)\n", bold("Fit:"), res.Slope, res.Intercept, res.RSquared)
			if res.HasPrediction {
				cmd.Printf("  Best trim by fit: %#02x\n", res.Predicted)
			} else {
				cmd.Println("  The count does not depend on the trim, check the hardware.")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Uint8Var(&from, "from", 0, "first trim")
	f.Uint8Var(&to, "to", 0xFF, "last trim")
	f.IntVarP(&samples, "samples", "n", 3, "measurements per trim")

	return cmd
}
