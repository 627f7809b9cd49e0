package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rccal/pkg/calibration"
)

// parseTrimArg accepts decimal or 0x-prefixed hex.
func parseTrimArg(args []string) (calibration.Trim, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("invalid number of arguments")
	}

	v, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid trim %q: must be 0-255 or 0x00-0xff", args[0])
	}

	return calibration.Trim(v), nil
}

func parseMethodFlag(s string) (calibration.Method, error) {
	if s == "" {
		return "", nil
	}
	return calibration.ParseMethod(s)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func outcomeText(o calibration.Outcome) string {
	switch o {
	case calibration.OutcomeSuccess:
		return color.New(color.Bold, color.FgGreen).Sprint(o)
	case calibration.OutcomeRestoredDefault:
		return color.New(color.Bold, color.FgYellow).Sprint(o)
	default:
		return color.New(color.Bold, color.FgRed).Sprint(o)
	}
}

func diffText(diff, tolerance uint32) string {
	if diff <= tolerance {
		return color.GreenString("%d", diff)
	}
	return color.RedString("%d", diff)
}

func printResult(cmd *cobra.Command, res *calibration.Result) {
	cmd.Printf("%s %s\n", bold("Outcome:"), outcomeText(res.Outcome))
	cmd.Printf("  Method: %s\n", res.Method)
	cmd.Printf("  Trim: %#02x (fallback %#02x)\n", res.Trim, res.DefaultTrim)
	cmd.Printf("  Count: %d (target %d, best diff %s, tolerance %d)\n",
		res.LastCount, res.TargetCount, diffText(res.BestDiff, res.Tolerance), res.Tolerance)
	cmd.Printf("  Measurements: %d in %d attempt(s), took %s\n",
		res.Measurements, res.Attempts, res.Duration.Round(time.Microsecond))
	if res.Message != "" {
		cmd.Printf("  %s\n", res.Message)
	}
}
