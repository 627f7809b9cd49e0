package version

// Version and GitCommit are set at build time with -ldflags.
var (
	Version   = "UNKNOWN"
	GitCommit = "UNKNOWN"
)
