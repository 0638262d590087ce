package ir

// Version constants recorded with every run.
const (
	// LogVersion is the activity log format version.
	LogVersion = "1"

	// ToolVersion is the fsreplay version.
	ToolVersion = "0.1.0"
)
