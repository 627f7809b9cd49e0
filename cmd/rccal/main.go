package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/rccal/pkg/client"
	"github.com/charlie0129/rccal/pkg/config"
	"github.com/charlie0129/rccal/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/rccal.sock"
	configPath     = config.DefaultPath
)

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	gLocal        = "Local (without daemon):"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
		gLocal,
	}
)

var apiClient = client.NewClient(unixSocketPath)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: rccal daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Have you installed it?")
		fmt.Fprintln(os.Stderr, "  - Commands in the 'Local' group work without a daemon")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or reinstall the daemon with the '--allow-non-root-access' flag to grant permissions to your user")
	} else if errors.Is(err, client.ErrCalibrationInProgress) {
		fmt.Fprintln(os.Stderr, "\nError: a calibration session is running, try again when it finishes")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

// checkVersion warns when the daemon was built from a different version.
func checkVersion() {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			logrus.Error("rccal daemon is too old to report its version. Reinstall the daemon so client and daemon are the same version.")
		}
		return
	}
	if daemonVersion != version.Version {
		logrus.WithFields(logrus.Fields{
			"clientVersion": version.Version,
			"daemonVersion": daemonVersion,
		}).Warn("Version mismatch between client and daemon. rccal may not work as expected.")
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rccal",
		Short: "rccal calibrates RC oscillators against a 32 kHz crystal",
		Long: `rccal calibrates the internal RC oscillator of a microcontroller against an
external 32.768 kHz crystal by adjusting its trim register.

It runs as a daemon that owns the hardware and recalibrates on a schedule,
and as a client that talks to the daemon over a unix socket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)
			if cmd.GroupID == gBasic || cmd.GroupID == gAdvanced {
				checkVersion()
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path (.json, .yaml or .yml)")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "rccal daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewCalibrateCommand(),
		NewMeasureCommand(),
		NewTrimCommand(),
		NewHistoryCommand(),
		NewScheduleCommand(),
		NewRunCommand(),
		NewSimulateCommand(),
		NewSweepCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
