// Package wire defines the message-level types exchanged between the
// orchestrator and a Script child process over the remote bus: the
// wire-stable state enumerations, the command payloads the parent sends,
// and the event payloads the child publishes.
package wire

// ScriptState is the child-reported lifecycle state. The ordinal set is
// wire-stable: values must never be renumbered once published.
type ScriptState int

const (
	ScriptStateUnconfigured ScriptState = iota
	ScriptStateConfigured
	ScriptStateRunning
	ScriptStatePaused
	ScriptStateEnding
	ScriptStateStopping
	ScriptStateFailing
	ScriptStateDone
	ScriptStateStopped
	ScriptStateFailed
)

func (s ScriptState) String() string {
	switch s {
	case ScriptStateUnconfigured:
		return "UNCONFIGURED"
	case ScriptStateConfigured:
		return "CONFIGURED"
	case ScriptStateRunning:
		return "RUNNING"
	case ScriptStatePaused:
		return "PAUSED"
	case ScriptStateEnding:
		return "ENDING"
	case ScriptStateStopping:
		return "STOPPING"
	case ScriptStateFailing:
		return "FAILING"
	case ScriptStateDone:
		return "DONE"
	case ScriptStateStopped:
		return "STOPPED"
	case ScriptStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN_SCRIPT_STATE"
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s ScriptState) Terminal() bool {
	switch s {
	case ScriptStateDone, ScriptStateStopped, ScriptStateFailed:
		return true
	default:
		return false
	}
}

// ProcessState is the parent-visible, process-level state maintained for
// each ScriptInfo. It tracks the child's lifecycle from the orchestrator's
// point of view and is coarser than ScriptState.
type ProcessState int

const (
	ProcessStateUnknown ProcessState = iota
	ProcessStateLoading
	ProcessStateConfigured
	ProcessStateRunning
	ProcessStateDone
	ProcessStateTerminated
	ProcessStateFailed
)

func (p ProcessState) String() string {
	switch p {
	case ProcessStateUnknown:
		return "UNKNOWN"
	case ProcessStateLoading:
		return "LOADING"
	case ProcessStateConfigured:
		return "CONFIGURED"
	case ProcessStateRunning:
		return "RUNNING"
	case ProcessStateDone:
		return "DONE"
	case ProcessStateTerminated:
		return "TERMINATED"
	case ProcessStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN_PROCESS_STATE"
	}
}

// Location selects where a script is placed in the queue relative to the
// queue itself (FIRST/LAST) or to another script (BEFORE/AFTER ref).
type Location int

const (
	LocationFirst Location = iota
	LocationLast
	LocationBefore
	LocationAfter
)

func (l Location) String() string {
	switch l {
	case LocationFirst:
		return "FIRST"
	case LocationLast:
		return "LAST"
	case LocationBefore:
		return "BEFORE"
	case LocationAfter:
		return "AFTER"
	default:
		return "UNKNOWN_LOCATION"
	}
}
