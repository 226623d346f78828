// Package scriptinfo holds the per-script bookkeeping the queue model and
// lifecycle driver cooperate over: process handle, lifecycle state,
// timestamps, group-id, configuration blob, and the callbacks the
// scheduler installs to learn about observable changes. No script
// fingerprint is recorded.
package scriptinfo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scriptqueue/internal/wire"
)

// scriptStateCount is the number of distinct wire.ScriptState values; it
// sizes the dense Timestamps array below.
const scriptStateCount = 10

// ProcessHandle is the minimal surface a ScriptInfo needs onto its owning
// OS child process. The lifecycle driver supplies the concrete
// implementation; scriptinfo never spawns or reaps processes itself.
type ProcessHandle interface {
	Pid() int
	Terminate() error
}

// Callbacks are the hooks the scheduler installs on construction to learn
// about observable changes to a ScriptInfo. Implementations must not block
// and must not re-enter the queue model synchronously; the caller invokes
// these with no lock held.
type Callbacks interface {
	// OnChange fires after any field mutation below.
	OnChange(info *ScriptInfo)
	// OnNextVisit fires just after a group-id is assigned.
	OnNextVisit(info *ScriptInfo)
	// OnNextVisitCanceled fires just before an assigned group-id is cleared.
	OnNextVisitCanceled(info *ScriptInfo)
}

// Metadata mirrors the last metadata event reported by the child, stored
// verbatim.
type Metadata struct {
	CoordinateSystem string
	RotationSystem   string
	Filters          []string
	Dome             string
	Duration         time.Duration
}

// Snapshot is a read-consistent, detached copy of a ScriptInfo's fields,
// safe to hold and inspect after the original mutates further.
type Snapshot struct {
	Index          int
	SeqNum         int64
	IsStandard     bool
	Path           string
	Config         string
	Descr          string
	ProcessState   wire.ProcessState
	ScriptState    wire.ScriptState
	GroupID        string
	SettingGroupID bool
	LastCheckpoint string
	Metadata       Metadata
	Timestamps     [scriptStateCount]time.Time
	ExitCode       int
	FailReason     string
	Exited         bool
}

// Configured reports whether the snapshot's script reached CONFIGURED and
// is still alive.
func (s Snapshot) Configured() bool {
	return s.ScriptState >= wire.ScriptStateConfigured && !s.Exited
}

// Runnable reports whether the snapshot's script is configured, holds a
// group-id, and hasn't exited.
func (s Snapshot) Runnable() bool {
	return s.Configured() && s.GroupID != "" && !s.Exited
}

// NeedsGroupID reports whether the snapshot's script is configured, has no
// group-id, and none is in flight.
func (s Snapshot) NeedsGroupID() bool {
	return s.Configured() && s.GroupID == "" && !s.SettingGroupID
}

// Failed reports whether the script exited non-zero or reported the
// terminal FAILED state.
func (s Snapshot) Failed() bool {
	return s.ExitCode != 0 || s.ScriptState == wire.ScriptStateFailed
}

// ScriptInfo is one enqueued, running, or historical script. Its identity
// is the SAL index, stable for the lifetime of the entry. All mutation
// happens under mu; callers under the queue model's single-writer
// discipline can rely on the exported methods rather than touching fields
// directly, since there are none exported.
type ScriptInfo struct {
	mu sync.Mutex

	index      int
	seqNum     int64
	isStandard bool
	path       string
	config     string
	descr      string

	processState   wire.ProcessState
	scriptState    wire.ScriptState
	groupID        string
	settingGroupID bool
	lastCheckpoint string
	metadata       Metadata
	timestamps     [scriptStateCount]time.Time

	exited     bool
	exitCode   int
	failReason string

	handle ProcessHandle

	callbacks Callbacks
	now       func() time.Time

	// changeCh is closed and replaced under mu on every mutation, letting
	// WaitForScriptState block without polling: a waiter captures the
	// current channel, releases the lock, and selects on it alongside the
	// caller's context.
	changeCh chan struct{}
}

// New constructs a ScriptInfo in process_state UNKNOWN / script_state
// UNCONFIGURED. cb may be nil, in which case observable changes are
// simply not reported. now defaults to time.Now if nil.
func New(index int, seqNum int64, isStandard bool, path, config, descr string, cb Callbacks, now func() time.Time) *ScriptInfo {
	if now == nil {
		now = time.Now
	}
	return &ScriptInfo{
		index:      index,
		seqNum:     seqNum,
		isStandard: isStandard,
		path:       path,
		config:     config,
		descr:      descr,
		callbacks:  cb,
		now:        now,
		changeCh:   make(chan struct{}),
	}
}

// Index returns the SAL index, stable for this entry's lifetime.
func (si *ScriptInfo) Index() int {
	// Immutable after construction; no lock needed.
	return si.index
}

// Snapshot returns a read-consistent copy of all fields.
func (si *ScriptInfo) Snapshot() Snapshot {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.snapshotLocked()
}

func (si *ScriptInfo) snapshotLocked() Snapshot {
	return Snapshot{
		Index:          si.index,
		SeqNum:         si.seqNum,
		IsStandard:     si.isStandard,
		Path:           si.path,
		Config:         si.config,
		Descr:          si.descr,
		ProcessState:   si.processState,
		ScriptState:    si.scriptState,
		GroupID:        si.groupID,
		SettingGroupID: si.settingGroupID,
		LastCheckpoint: si.lastCheckpoint,
		Metadata:       si.metadata,
		Timestamps:     si.timestamps,
		ExitCode:       si.exitCode,
		FailReason:     si.failReason,
		Exited:         si.exited,
	}
}

// SetHandle attaches the owning OS process handle. Called once by the
// lifecycle driver right after spawn.
func (si *ScriptInfo) SetHandle(h ProcessHandle) {
	si.mu.Lock()
	si.handle = h
	si.mu.Unlock()
}

// Handle returns the owning OS process handle, or nil before spawn. The
// handle stays attached after the process exits.
func (si *ScriptInfo) Handle() ProcessHandle {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.handle
}

// SetProcessState updates the parent-maintained process state and wakes
// any waiters. No timestamp is recorded for process-state changes.
func (si *ScriptInfo) SetProcessState(ps wire.ProcessState) {
	si.mu.Lock()
	si.processState = ps
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
}

// SetScriptState updates the child-reported lifecycle state, recording a
// timestamp keyed by the new state, the last checkpoint name reported
// alongside it (if non-empty), and the reason text accompanying a
// rejected command or a reported failure (if non-empty).
func (si *ScriptInfo) SetScriptState(ss wire.ScriptState, checkpoint, reason string) {
	si.mu.Lock()
	si.scriptState = ss
	if int(ss) >= 0 && int(ss) < scriptStateCount {
		si.timestamps[ss] = si.now()
	}
	if checkpoint != "" {
		si.lastCheckpoint = checkpoint
	}
	if reason != "" {
		si.failReason = reason
	}
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
}

// SetMetadata stores the last metadata event payload verbatim.
func (si *ScriptInfo) SetMetadata(m Metadata) {
	si.mu.Lock()
	si.metadata = m
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
}

// SetGroupID assigns a non-empty group-id (making the script runnable)
// and fires OnNextVisit.
func (si *ScriptInfo) SetGroupID(id string) {
	si.mu.Lock()
	si.groupID = id
	si.settingGroupID = false
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
	if si.callbacks != nil {
		si.callbacks.OnNextVisit(si)
	}
}

// ClearGroupID clears the group-id, firing OnNextVisitCanceled before the
// clear takes effect, matching the "called before the clear" contract.
func (si *ScriptInfo) ClearGroupID() {
	if si.callbacks != nil {
		si.callbacks.OnNextVisitCanceled(si)
	}
	si.mu.Lock()
	si.groupID = ""
	si.settingGroupID = false
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
}

// SetSettingGroupID flips the in-flight flag for a setGroupId command that
// has been sent but not yet acknowledged.
func (si *ScriptInfo) SetSettingGroupID(inFlight bool) {
	si.mu.Lock()
	si.settingGroupID = inFlight
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
}

// MarkExited records that the child process has exited, for any reason.
// Called at most once per ScriptInfo; subsequent calls are no-ops.
func (si *ScriptInfo) MarkExited(exitCode int, reason string) {
	si.mu.Lock()
	if si.exited {
		si.mu.Unlock()
		return
	}
	si.exited = true
	si.exitCode = exitCode
	si.failReason = reason
	si.wakeLocked()
	si.mu.Unlock()
	si.notifyChange()
}

func (si *ScriptInfo) notifyChange() {
	if si.callbacks != nil {
		si.callbacks.OnChange(si)
	}
}

// wakeLocked closes the current change channel and installs a fresh one.
// Must be called with mu held.
func (si *ScriptInfo) wakeLocked() {
	close(si.changeCh)
	si.changeCh = make(chan struct{})
}

// WaitForScriptState blocks until the script reports script_state == want
// or the process exits (whichever comes first) or ctx is done.
func (si *ScriptInfo) WaitForScriptState(ctx context.Context, want wire.ScriptState) error {
	for {
		si.mu.Lock()
		state, exited, ch := si.scriptState, si.exited, si.changeCh
		si.mu.Unlock()

		if state == want {
			return nil
		}
		if exited {
			return fmt.Errorf("scriptinfo: process exited before reaching %v (last state %v)", want, state)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Configured reports whether the script reached CONFIGURED and is still
// alive.
func (si *ScriptInfo) Configured() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.snapshotLocked().Configured()
}

// Runnable reports whether the script is configured, holds a group-id,
// and hasn't exited.
func (si *ScriptInfo) Runnable() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.snapshotLocked().Runnable()
}

// NeedsGroupID reports whether the script is configured, has no
// group-id, and none is currently in flight.
func (si *ScriptInfo) NeedsGroupID() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.snapshotLocked().NeedsGroupID()
}

// ProcessDone reports whether the child has exited, for any cause.
func (si *ScriptInfo) ProcessDone() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.exited
}

// Failed reports whether the script exited non-zero or reported the
// terminal FAILED state.
func (si *ScriptInfo) Failed() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.snapshotLocked().Failed()
}

// ScriptState returns the current child-reported lifecycle state.
func (si *ScriptInfo) ScriptState() wire.ScriptState {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.scriptState
}

// GroupID returns the current group-id, or "" if none is assigned.
func (si *ScriptInfo) GroupID() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.groupID
}
