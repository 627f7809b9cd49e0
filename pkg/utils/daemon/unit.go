package daemon

import (
	"strings"
)

const unitName = "rccal.service"

var unitPath = "/etc/systemd/system/" + unitName

const unitTemplate = `[Unit]
Description=rccal RC oscillator calibration daemon
After=local-fs.target

[Service]
Type=simple
ExecStart=/path/to/rccal daemon
Restart=on-failure
RestartSec=5
ExecReload=/bin/kill -HUP $MAINPID

[Install]
WantedBy=multi-user.target
`

// Unit renders the systemd unit that runs exePath as the daemon with the
// given extra arguments.
func Unit(exePath string, args ...string) string {
	cmdline := exePath + " daemon"
	if len(args) > 0 {
		cmdline += " " + strings.Join(args, " ")
	}
	return strings.ReplaceAll(unitTemplate, "/path/to/rccal daemon", cmdline)
}
