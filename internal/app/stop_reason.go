package app

// StopReason names why the daemon is shutting down; it ends up in the
// final log line and nowhere else.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal-error"
	StopRequested  StopReason = "requested"
)
