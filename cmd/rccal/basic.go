package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rccal/pkg/events"
	"github.com/charlie0129/rccal/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewCalibrateCommand() *cobra.Command {
	var (
		method string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"cal"},
		Short:   "Run one calibration session on the daemon",
		GroupID: gBasic,
		Long: `Run one calibration session on the daemon and print its result.

Without --method the configured method is used. Methods:
  tolerance        keep the current trim if it is close enough, refine it otherwise
  binary-neighbor  binary search from the default trim, then refine around the result
  binary           binary search only
  simple           step the trim one unit at a time`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := parseMethodFlag(method)
			if err != nil {
				return err
			}

			if watch {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				go printSampleEvents(cmd, apiClient.SubscribeEvents(ctx))
				// Give the stream a moment to attach before the session starts.
				time.Sleep(100 * time.Millisecond)
			}

			res, err := apiClient.Calibrate(m)
			if err != nil {
				return fmt.Errorf("failed to calibrate: %w", err)
			}

			printResult(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "", "search method (tolerance, binary-neighbor, binary, simple)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print every measurement while the session runs")

	return cmd
}

func printSampleEvents(cmd *cobra.Command, ch <-chan events.Event) {
	for ev := range ch {
		if ev.Name != events.CalibrationSample {
			continue
		}
		s, err := events.DecodeAs[events.CalibrationSampleEvent](ev)
		if err != nil {
			logrus.WithError(err).Error("failed to decode calibration.sample event")
			continue
		}
		cmd.Printf("  %-9s step %-3d trim %#02x count %-6d diff %d\n", s.Phase, s.Step, s.Trim, s.Count, s.Diff)
	}
}

func NewMeasureCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "measure",
		Short:   "Measure the oscillator at the current trim",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := apiClient.Measure()
			if err != nil {
				return fmt.Errorf("failed to measure: %w", err)
			}

			cmd.Printf("Trim: %#02x\n", m.Trim)
			cmd.Printf("Count: %d (target %d)\n", m.Count, m.TargetCount)
			cmd.Printf("Diff: %s (tolerance %d) %s\n", diffText(m.Diff, m.Tolerance), m.Tolerance, bool2Text(m.WithinTolerance()))
			return nil
		},
	}
}

func NewTrimCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trim",
		Short:   "Read or write the trim register",
		GroupID: gAdvanced,
		Long: `Read or write the trim register.

A manual write is not checked against the reference. The next scheduled
calibration starts from it.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current trim",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, err := apiClient.GetTrim()
				if err != nil {
					return err
				}
				cmd.Printf("%#02x (%d)\n", v, v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set [value]",
			Short: "Write the trim register",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := parseTrimArg(args)
				if err != nil {
					return err
				}

				ret, err := apiClient.SetTrim(v)
				if err != nil {
					return fmt.Errorf("failed to set trim: %w", err)
				}
				if ret != "" {
					logrus.Infof("daemon responded: %s", ret)
				}

				logrus.Infof("successfully set trim to %#02x", v)
				return nil
			},
		},
	)

	return cmd
}

func NewHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "history",
		Short:   "List recent calibration results",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hist, err := apiClient.GetHistory()
			if err != nil {
				return err
			}
			if len(hist) == 0 {
				cmd.Println("No calibration has run yet.")
				return nil
			}

			for _, r := range hist {
				cmd.Printf("%s  %-15s %-15s trim %#02x  diff %s\n",
					r.StartedAt.Local().Format(time.DateTime),
					outcomeText(r.Outcome), r.Method, r.Trim, diffText(r.BestDiff, r.Tolerance))
			}
			return nil
		},
	}
}
