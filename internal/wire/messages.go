package wire

import "time"

// Commands sent by the orchestrator to a Script child process. Every
// command is addressed to a single SAL index; the bus implementation is
// responsible for routing it there (see internal/remote).

// ConfigureCommand carries the YAML-encoded configuration blob.
type ConfigureCommand struct {
	ConfigYAML string
}

// RunCommand has no payload; it tells a CONFIGURED script to start.
type RunCommand struct{}

// ResumeCommand has no payload; it unblocks a script paused at a checkpoint.
type ResumeCommand struct{}

// SetCheckpointsCommand installs the pause/stop checkpoint regexes.
type SetCheckpointsCommand struct {
	PauseRegex string
	StopRegex  string
}

// StopCommand requests cooperative termination.
type StopCommand struct{}

// SetGroupIDCommand tags the script with its assigned group id, or clears
// it when GroupID is empty.
type SetGroupIDCommand struct {
	GroupID string
}

// Events published by a Script child process, always tagged with the
// SAL index that produced them (see internal/remote.Event).

// StateEvent reports a ScriptState transition.
type StateEvent struct {
	State          ScriptState
	LastCheckpoint string
	Reason         string
}

// MetadataEvent reports the script's observing metadata.
type MetadataEvent struct {
	CoordinateSystem string
	RotationSystem   string
	Filters          []string
	Dome             string
	Duration         time.Duration
}

// DescriptionEvent is published once, right after process start.
type DescriptionEvent struct {
	ClassName   string
	Description string
	Remotes     []string
}

// HeartbeatEvent is published every few seconds while the child is alive.
type HeartbeatEvent struct{}

// LogMessageEvent carries a child log record; the core only routes these,
// it never interprets them (see internal/demux).
type LogMessageEvent struct {
	Level      string
	Message    string
	Traceback  string
}
