// Package basescript is the child-side library a Script process embeds.
// It owns the wire protocol handshake (describe, configure, run,
// checkpoint-aware pause/stop, heartbeat, terminal transitions) so an
// implementer only supplies Configure and Execute.
package basescript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"scriptqueue/internal/logging"
	"scriptqueue/internal/remote"
	"scriptqueue/internal/wire"
)

// Exit codes, per the protocol: 0 is any normal terminal state (DONE or
// STOPPED), 1 is a script-reported failure, 2 is an internal or protocol
// error (bad argv, schema rejection, bus failure) the script itself never
// got a chance to run or fail cleanly from.
const (
	ExitOK       = 0
	ExitFailed   = 1
	ExitInternal = 2
)

const (
	// DefaultHeartbeatInterval matches the 5s cadence named in the protocol.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultFinalStateDelay gives the parent's event subscription time to
	// observe the terminal StateEvent before this process exits.
	DefaultFinalStateDelay = 300 * time.Millisecond
)

// Metadata is what Configure reports back about the script's observing
// parameters. Mirrors wire.MetadataEvent; kept separate so this package
// never needs to import the orchestrator's internal scriptinfo package.
type Metadata struct {
	CoordinateSystem string
	RotationSystem   string
	Filters          []string
	Dome             string
	Duration         time.Duration
}

// Script is the interface a concrete script process implements.
type Script interface {
	// Configure validates and applies cfg (already schema-validated and
	// default-filled) and returns the metadata to publish.
	Configure(cfg map[string]any) (Metadata, error)
	// Execute runs the script's work. It must call Runner.Checkpoint
	// between phases so checkpoint-based pause/stop and context
	// cancellation take effect. A nil return means successful completion;
	// a *StoppedError (what Checkpoint itself returns on a stop match)
	// means the script honored a stop request; any other error is
	// reported as a failure.
	Execute(ctx context.Context, r *Runner) error
	// Cleanup runs once, after Execute returns, regardless of outcome.
	Cleanup()
}

// Options configures a Runtime.
type Options struct {
	ClassName         string
	Description       string
	Remotes           []string
	Schema            *jsonschema.Schema
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	FinalStateDelay   time.Duration
}

// Runtime drives one Script process through the protocol.
type Runtime struct {
	index  int
	bus    remote.Bus
	script Script
	schema *jsonschema.Schema
	logger *slog.Logger

	heartbeatInterval time.Duration
	finalStateDelay   time.Duration

	mu             sync.Mutex
	state          wire.ScriptState
	groupID        string
	stopRequested  bool
	lastCheckpoint string
	cancelRun      context.CancelFunc
	runner         *Runner

	terminal chan struct{}
	once     sync.Once
}

// Run constructs a Runtime and drives it to completion, returning the
// process exit code. It blocks until the script reaches a terminal state
// or ctx is canceled.
func Run(ctx context.Context, index int, bus remote.Bus, script Script, opt Options) int {
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opt.FinalStateDelay <= 0 {
		opt.FinalStateDelay = DefaultFinalStateDelay
	}
	rt := &Runtime{
		index:             index,
		bus:               bus,
		script:            script,
		schema:            opt.Schema,
		logger:            logging.Default(opt.Logger).With("component", "basescript", "index", index),
		heartbeatInterval: opt.HeartbeatInterval,
		finalStateDelay:   opt.FinalStateDelay,
		state:             wire.ScriptStateUnconfigured,
		terminal:          make(chan struct{}),
	}
	rt.runner = newRunner(rt.handlePause, rt.handleResume, rt.handleCheckpoint)

	// Subscribe before announcing so no command sent in reaction to the
	// description event can race the subscription.
	cancelCmds, err := bus.SubscribeCommands(index, rt.handleCommand)
	if err != nil {
		rt.logger.Error("failed to subscribe to commands", "error", err)
		return ExitInternal
	}
	defer cancelCmds()

	if err := rt.publishEvent(ctx, wire.DescriptionEvent{
		ClassName:   opt.ClassName,
		Description: opt.Description,
		Remotes:     opt.Remotes,
	}); err != nil {
		rt.logger.Error("failed to publish description", "error", err)
		return ExitInternal
	}

	stopHeartbeat := rt.startHeartbeat(ctx)
	defer stopHeartbeat()

	select {
	case <-rt.terminal:
	case <-ctx.Done():
		rt.logger.Warn("context canceled before a terminal state was reached")
	}

	time.Sleep(rt.finalStateDelay)
	return rt.exitCode()
}

func (rt *Runtime) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(rt.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := rt.publishEvent(ctx, wire.HeartbeatEvent{}); err != nil {
					rt.logger.Warn("heartbeat publish failed", "error", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func (rt *Runtime) handleCommand(cmd any) {
	ctx := context.Background()
	switch c := cmd.(type) {
	case wire.ConfigureCommand:
		rt.handleConfigure(ctx, c.ConfigYAML)
	case wire.SetCheckpointsCommand:
		rt.handleSetCheckpoints(c.PauseRegex, c.StopRegex)
	case wire.RunCommand:
		rt.handleRun(ctx)
	case wire.ResumeCommand:
		rt.runner.resume()
	case wire.StopCommand:
		rt.handleStop(ctx)
	case wire.SetGroupIDCommand:
		rt.mu.Lock()
		rt.groupID = c.GroupID
		rt.mu.Unlock()
	default:
		rt.logger.Warn("unrecognized command", "type", fmt.Sprintf("%T", cmd))
	}
}

func (rt *Runtime) handleConfigure(ctx context.Context, configYAML string) {
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	if state != wire.ScriptStateUnconfigured {
		rt.logger.Warn("configure received outside UNCONFIGURED, ignoring", "state", state)
		return
	}

	cfg, err := decodeConfig(configYAML, rt.schema)
	if err != nil {
		rt.rejectConfigure(ctx, err)
		return
	}
	md, err := rt.script.Configure(cfg)
	if err != nil {
		rt.rejectConfigure(ctx, fmt.Errorf("configure: %w", err))
		return
	}

	if err := rt.publishEvent(ctx, wire.MetadataEvent{
		CoordinateSystem: md.CoordinateSystem,
		RotationSystem:   md.RotationSystem,
		Filters:          md.Filters,
		Dome:             md.Dome,
		Duration:         md.Duration,
	}); err != nil {
		rt.logger.Warn("metadata publish failed", "error", err)
	}

	rt.setState(ctx, wire.ScriptStateConfigured, "", "")
}

// rejectConfigure reports a parse, schema-validation, or Script.Configure
// error without transitioning out of UNCONFIGURED: the command failed,
// not the script, so the child stays alive and waits for the operator to
// retry with a corrected config.
func (rt *Runtime) rejectConfigure(ctx context.Context, err error) {
	rt.logger.Warn("configure rejected", "error", err)
	rt.setState(ctx, wire.ScriptStateUnconfigured, "", err.Error())
}

func (rt *Runtime) handleSetCheckpoints(pauseRegex, stopRegex string) {
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	switch state {
	case wire.ScriptStateUnconfigured, wire.ScriptStateConfigured, wire.ScriptStateRunning, wire.ScriptStatePaused:
	default:
		rt.logger.Warn("setCheckpoints received in a state that doesn't accept it, ignoring", "state", state)
		return
	}
	if err := rt.runner.setCheckpoints(pauseRegex, stopRegex); err != nil {
		rt.logger.Warn("invalid checkpoint regex", "error", err)
	}
}

func (rt *Runtime) handleRun(ctx context.Context) {
	rt.mu.Lock()
	if rt.state != wire.ScriptStateConfigured {
		state := rt.state
		rt.mu.Unlock()
		rt.logger.Warn("run received outside CONFIGURED, ignoring", "state", state)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancelRun = cancel
	rt.mu.Unlock()

	rt.setState(ctx, wire.ScriptStateRunning, "", "")
	go rt.execute(runCtx)
}

func (rt *Runtime) execute(ctx context.Context) {
	err := rt.script.Execute(ctx, rt.runner)
	rt.script.Cleanup()

	rt.mu.Lock()
	stopRequested := rt.stopRequested
	lastCheckpoint := rt.lastCheckpoint
	rt.mu.Unlock()

	var stopped *StoppedError

	bg := context.Background()
	switch {
	case err == nil:
		rt.setState(bg, wire.ScriptStateEnding, "", "")
		rt.setState(bg, wire.ScriptStateDone, "", "")
	case errors.As(err, &stopped):
		rt.setState(bg, wire.ScriptStateStopping, stopped.Checkpoint, "")
		rt.setState(bg, wire.ScriptStateStopped, stopped.Checkpoint, "")
	case stopRequested && errors.Is(err, context.Canceled):
		rt.setState(bg, wire.ScriptStateStopping, lastCheckpoint, "")
		rt.setState(bg, wire.ScriptStateStopped, lastCheckpoint, "")
	default:
		rt.logger.Error("script execution failed", "error", err)
		rt.setState(bg, wire.ScriptStateFailing, "", "")
		rt.setState(bg, wire.ScriptStateFailed, "", err.Error())
	}
	rt.markTerminal()
}

func (rt *Runtime) handleStop(ctx context.Context) {
	rt.mu.Lock()
	state := rt.state
	cancel := rt.cancelRun
	rt.stopRequested = true
	rt.mu.Unlock()

	switch state {
	case wire.ScriptStateRunning:
		if cancel != nil {
			cancel()
		}
	case wire.ScriptStatePaused:
		if cancel != nil {
			cancel()
		}
		rt.runner.resume()
	case wire.ScriptStateConfigured, wire.ScriptStateUnconfigured:
		rt.setState(ctx, wire.ScriptStateStopping, "", "")
		rt.setState(ctx, wire.ScriptStateStopped, "", "")
		rt.markTerminal()
	default:
		rt.logger.Warn("stop received in a terminal or already-stopping state, ignoring", "state", state)
	}
}

func (rt *Runtime) handlePause(checkpoint string) {
	rt.setState(context.Background(), wire.ScriptStatePaused, checkpoint, "")
}

func (rt *Runtime) handleResume() {
	rt.setState(context.Background(), wire.ScriptStateRunning, "", "")
}

// handleCheckpoint reports an ordinary (non-pause, non-stop) checkpoint:
// the state doesn't change, but last-checkpoint advances and the event is
// republished so watchers see progress between "start" and "end".
func (rt *Runtime) handleCheckpoint(checkpoint string) {
	rt.mu.Lock()
	state := rt.state
	rt.mu.Unlock()
	rt.setState(context.Background(), state, checkpoint, "")
}

func (rt *Runtime) setState(ctx context.Context, s wire.ScriptState, checkpoint, reason string) {
	rt.mu.Lock()
	rt.state = s
	if checkpoint != "" {
		rt.lastCheckpoint = checkpoint
	}
	rt.mu.Unlock()

	if err := rt.publishEvent(ctx, wire.StateEvent{State: s, LastCheckpoint: checkpoint, Reason: reason}); err != nil {
		rt.logger.Warn("state publish failed", "state", s, "error", err)
	}
}

func (rt *Runtime) markTerminal() {
	rt.once.Do(func() { close(rt.terminal) })
}

func (rt *Runtime) publishEvent(ctx context.Context, payload any) error {
	return rt.bus.PublishEvent(ctx, rt.index, payload)
}

func (rt *Runtime) exitCode() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	switch rt.state {
	case wire.ScriptStateDone, wire.ScriptStateStopped:
		return ExitOK
	case wire.ScriptStateFailed:
		return ExitFailed
	default:
		return ExitInternal
	}
}
