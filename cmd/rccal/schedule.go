package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rccal/pkg/calibration"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage periodic recalibration",
		Long: `Manage periodic recalibration.

The schedule command can be used in multiple ways:
  rccal schedule 'expression'   Set schedule with a cron expression
  rccal schedule disable        Disable the schedule
  rccal schedule skip           Skip next run
  rccal schedule show           Show current schedule

Expressions take an optional seconds field and descriptors such as @every.`,
		Example: `  rccal schedule '@every 10s'   (Every ten seconds)
  rccal schedule '@every 5m'    (Every five minutes)
  rccal schedule '0 */15 * * *' (Every fifteen minutes, on the minute)
  rccal schedule '30 0 * * * *' (At second 30 of every hour)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no arguments, show the current schedule
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			// Otherwise, treat as a cron expression to set
			return runScheduleSet(cmd, args[0])
		},
	}

	// Add subcommands
	cmd.AddCommand(
		newScheduleDisableCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Disable the recalibration schedule",
		Long:  "Disable periodic recalibration. The trim keeps its last value.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleDisable(cmd)
		},
	}
	return cmd
}

func newScheduleSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled calibration run",
		Long:  "Skip the next scheduled calibration run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleSkip(cmd)
		},
	}
	return cmd
}

func newScheduleShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current recalibration schedule",
		Long:  "Show the current recalibration schedule and the next run time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleShow(cmd)
		},
	}
	return cmd
}

func printSchedule(cmd *cobra.Command, st *calibration.Status) {
	if st.Schedule == "" {
		cmd.Println("Recalibration schedule is not set.")
		return
	}
	cmd.Printf("Schedule: %s\n", st.Schedule)
	if !st.ScheduledAt.IsZero() {
		cmd.Printf("Next run: %s\n", st.ScheduledAt.Local().Format(time.DateTime))
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	st, err := apiClient.SetSchedule(cronExpr)
	if err != nil {
		return err
	}
	cmd.Println("Recalibration scheduled.")
	printSchedule(cmd, st)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.SetSchedule(""); err != nil {
		return err
	}
	cmd.Println("Recalibration schedule disabled.")
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	st, err := apiClient.SkipSchedule()
	if err != nil {
		return err
	}
	cmd.Println("Next scheduled run skipped.")
	printSchedule(cmd, st)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetStatus()
	if err != nil {
		return err
	}
	printSchedule(cmd, st)
	return nil
}
