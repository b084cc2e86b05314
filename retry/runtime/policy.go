package runtime

// PanicPolicy determines how a recovered panic is handled after logging
// and observability recording.
type PanicPolicy int

const (
	// KeepRunning recovers the panic and lets the process continue. Use for
	// supervised workers (reconnect loops, pollers) where one failed
	// iteration must not take the process down.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after recording. Use for invariant violations
	// where continuing would corrupt state.
	CrashProcess
)

// String returns the policy name.
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
