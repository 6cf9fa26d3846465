package runtime

// PanicPolicy controls what a recovery helper does after logging a panic.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after recording it. Use it for
	// background workers whose death must not stop the process.
	KeepRunning PanicPolicy = iota

	// CrashProcess re-panics after recording, propagating the original
	// panic value. Use it for work where continuing in an unknown state
	// is worse than dying.
	CrashProcess
)

// String returns the policy name, or "Unknown" for unrecognized values.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}
