package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rccal/pkg/calibration"
	"github.com/charlie0129/rccal/pkg/config"
)

type statusData struct {
	status *calibration.Status
	config *config.RawFileConfig
}

// fetchStatusData gathers all data required for the status command from the daemon.
func fetchStatusData() (*statusData, error) {
	st, err := apiClient.GetStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	conf, err := apiClient.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	return &statusData{
		status: st,
		config: conf,
	}, nil
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of rccal",
		Long:    `Get the calibration state, the last result and the configuration.`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchStatusData()
			if err != nil {
				return err
			}

			if asJSON {
				return printStatusJSON(cmd, data)
			}

			conf := config.NewFileFromConfig(data.config, "")
			st := data.status
			params := conf.Calibration()

			cmd.Println(bold("Oscillator:"))
			cmd.Printf("  Trim: %#02x\n", st.Trim)
			cmd.Printf("  Target count: %d (tolerance %d)\n", st.TargetCount, params.Tolerance(st.TargetCount))
			cmd.Printf("  Calibrating now: %s\n", bool2Text(st.Running))
			cmd.Println()

			cmd.Println(bold("Last calibration:"))
			if st.LastResult == nil {
				cmd.Println("  None yet.")
			} else {
				r := st.LastResult
				cmd.Printf("  %s with %s at %s\n", outcomeText(r.Outcome), r.Method, r.StartedAt.Local().Format(time.DateTime))
				cmd.Printf("  Trim %#02x, best diff %s\n", r.Trim, diffText(r.BestDiff, r.Tolerance))
				if r.Message != "" {
					cmd.Printf("  %s\n", r.Message)
				}
			}
			cmd.Println()

			cmd.Println(bold("Configuration:"))
			hw := conf.Hardware()
			cmd.Printf("  Hardware driver: %s\n", hw.Driver)
			cmd.Printf("  Method: %s\n", st.Method)
			cmd.Printf("  Desired frequency: %.3f MHz\n", float64(params.DesiredFrequency)/1e6)
			cmd.Printf("  Tolerance: %.2f%%\n", params.TolerancePercent)
			if st.Schedule == "" {
				cmd.Println("  Schedule: " + bool2Text(false))
			} else {
				cmd.Printf("  Schedule: %s, next run at %s\n", st.Schedule, st.ScheduledAt.Local().Format(time.DateTime))
			}
			cmd.Println("  Calibrate on start: " + bool2Text(conf.CalibrateOnStart()))
			cmd.Println("  Allow non-root access: " + bool2Text(conf.AllowNonRootAccess()))

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	return cmd
}
