// Package lifecycle drives one ScriptInfo through its process-level
// states: spawn, await UNCONFIGURED, configure, await CONFIGURED,
// optional group-id assignment, run, and the cooperative-then-forceful
// stop protocol. It owns the child process handle and its single
// exit-reaper goroutine; the queue model decides *when* to call these,
// never *how*.
package lifecycle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"scriptqueue/internal/logging"
	"scriptqueue/internal/remote"
	"scriptqueue/internal/scriptinfo"
	"scriptqueue/internal/wire"
)

// Default timing, per the stop and load protocols.
const (
	DefaultLoadTimeout            = 60 * time.Second
	DefaultStopCooperativeTimeout = 2 * time.Second
	DefaultStopWaitTimeout        = 5 * time.Second
)

// ChildHandle is the scriptinfo.ProcessHandle implementation backing a
// spawned script. Only the lifecycle driver's own reaper goroutine calls
// Wait on the underlying *exec.Cmd, so there is never a double-reap race.
type ChildHandle struct {
	cmd  *exec.Cmd
	pid  int
	mu   sync.Mutex
	done bool
}

// Pid returns the child's process id.
func (h *ChildHandle) Pid() int { return h.pid }

// Terminate sends SIGTERM to the child's entire process group.
func (h *ChildHandle) Terminate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil
	}
	return syscall.Kill(-h.pid, syscall.SIGTERM)
}

func (h *ChildHandle) markDone() {
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
}

// Options configures a Driver. Zero values fall back to the package
// defaults above.
type Options struct {
	LoadTimeout            time.Duration
	StopCooperativeTimeout time.Duration
	StopWaitTimeout        time.Duration
	Logger                 *slog.Logger
}

// Driver sequences one ScriptInfo through spawn, configure, run, and stop.
// A Driver is shared across all scripts; it holds no per-script state
// beyond what's passed to each call.
type Driver struct {
	bus                    remote.Bus
	logger                 *slog.Logger
	loadTimeout            time.Duration
	stopCooperativeTimeout time.Duration
	stopWaitTimeout        time.Duration
}

// New constructs a Driver over bus, the shared remote transport.
func New(bus remote.Bus, opt Options) *Driver {
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = DefaultLoadTimeout
	}
	if opt.StopCooperativeTimeout <= 0 {
		opt.StopCooperativeTimeout = DefaultStopCooperativeTimeout
	}
	if opt.StopWaitTimeout <= 0 {
		opt.StopWaitTimeout = DefaultStopWaitTimeout
	}
	return &Driver{
		bus:                    bus,
		logger:                 logging.Default(opt.Logger).With("component", "lifecycle"),
		loadTimeout:            opt.LoadTimeout,
		stopCooperativeTimeout: opt.StopCooperativeTimeout,
		stopWaitTimeout:        opt.StopWaitTimeout,
	}
}

// StartLoading spawns fullPath as a child process passing info's SAL
// index as argv[1], waits for it to report UNCONFIGURED, sends the
// configure command, and waits for CONFIGURED — all bounded by the
// driver's load timeout. On any failure the partially-spawned child (if
// any) is terminated and info is marked exited/FAILED.
func (d *Driver) StartLoading(ctx context.Context, info *scriptinfo.ScriptInfo, fullPath string) error {
	ctx, cancel := context.WithTimeout(ctx, d.loadTimeout)
	defer cancel()

	log := d.logger.With("index", info.Index(), "path", fullPath)
	info.SetProcessState(wire.ProcessStateLoading)

	handle, err := d.spawn(info, fullPath)
	if err != nil {
		log.Error("spawn failed", "error", err)
		info.MarkExited(1, fmt.Sprintf("spawn: %v", err))
		info.SetProcessState(wire.ProcessStateFailed)
		return fmt.Errorf("lifecycle: spawn: %w", err)
	}
	info.SetHandle(handle)

	if err := info.WaitForScriptState(ctx, wire.ScriptStateUnconfigured); err != nil {
		log.Warn("did not reach UNCONFIGURED in time", "error", err)
		_, _ = d.Terminate(info)
		info.SetProcessState(wire.ProcessStateFailed)
		return fmt.Errorf("lifecycle: await UNCONFIGURED: %w", err)
	}

	snap := info.Snapshot()
	if err := d.bus.SendCommand(ctx, info.Index(), wire.ConfigureCommand{ConfigYAML: snap.Config}); err != nil {
		log.Error("configure send failed", "error", err)
		_, _ = d.Terminate(info)
		info.SetProcessState(wire.ProcessStateFailed)
		return fmt.Errorf("lifecycle: send configure: %w", err)
	}

	if err := info.WaitForScriptState(ctx, wire.ScriptStateConfigured); err != nil {
		log.Warn("did not reach CONFIGURED in time", "error", err)
		_, _ = d.Terminate(info)
		info.SetProcessState(wire.ProcessStateFailed)
		return fmt.Errorf("lifecycle: await CONFIGURED: %w", err)
	}

	info.SetProcessState(wire.ProcessStateConfigured)
	return nil
}

// spawn starts the child and installs its single exit-reaper goroutine.
func (d *Driver) spawn(info *scriptinfo.ScriptInfo, fullPath string) (*ChildHandle, error) {
	cmd := exec.Command(fullPath, strconv.Itoa(info.Index()))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	handle := &ChildHandle{cmd: cmd, pid: cmd.Process.Pid}
	log := d.logger.With("index", info.Index(), "pid", handle.pid)

	var scanWg sync.WaitGroup
	scanWg.Add(2)
	go d.scanLines(&scanWg, outR, log, slog.LevelDebug)
	go d.scanLines(&scanWg, errR, log, slog.LevelWarn)

	go func() {
		waitErr := cmd.Wait()
		_ = outW.Close()
		_ = errW.Close()
		scanWg.Wait()
		handle.markDone()

		code := 0
		reason := ""
		if waitErr != nil {
			code = 1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitCode()
			}
			reason = waitErr.Error()
			log.Warn("child exited", "code", code, "error", waitErr)
		} else {
			log.Info("child exited", "code", 0)
		}
		info.MarkExited(code, reason)
	}()

	return handle, nil
}

func (d *Driver) scanLines(wg *sync.WaitGroup, r io.Reader, log *slog.Logger, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Log(context.Background(), level, "child output", "line", scanner.Text())
	}
}

// Run sends the run command to a CONFIGURED script.
func (d *Driver) Run(ctx context.Context, info *scriptinfo.ScriptInfo) error {
	if err := d.bus.SendCommand(ctx, info.Index(), wire.RunCommand{}); err != nil {
		return fmt.Errorf("lifecycle: send run: %w", err)
	}
	info.SetProcessState(wire.ProcessStateRunning)
	return nil
}

// SetGroupID sends setGroupId with a non-empty id. setting_group_id is
// true for the duration of the call; it clears on both success and
// failure.
func (d *Driver) SetGroupID(ctx context.Context, info *scriptinfo.ScriptInfo, groupID string) error {
	info.SetSettingGroupID(true)
	if err := d.bus.SendCommand(ctx, info.Index(), wire.SetGroupIDCommand{GroupID: groupID}); err != nil {
		info.SetSettingGroupID(false)
		return fmt.Errorf("lifecycle: send setGroupId: %w", err)
	}
	info.SetGroupID(groupID)
	return nil
}

// ClearGroupID clears the group-id locally and, unless skipRemote is set
// (the script is about to be killed), tells the child too.
func (d *Driver) ClearGroupID(ctx context.Context, info *scriptinfo.ScriptInfo, skipRemote bool) {
	if !skipRemote {
		if err := d.bus.SendCommand(ctx, info.Index(), wire.SetGroupIDCommand{GroupID: ""}); err != nil {
			d.logger.Warn("failed to clear remote group-id", "index", info.Index(), "error", err)
		}
	}
	info.ClearGroupID()
}

// SetCheckpoints installs the pause/stop checkpoint regexes on the child.
func (d *Driver) SetCheckpoints(ctx context.Context, info *scriptinfo.ScriptInfo, pauseRegex, stopRegex string) error {
	if err := d.bus.SendCommand(ctx, info.Index(), wire.SetCheckpointsCommand{PauseRegex: pauseRegex, StopRegex: stopRegex}); err != nil {
		return fmt.Errorf("lifecycle: send setCheckpoints: %w", err)
	}
	return nil
}

// Resume sends the resume command to a PAUSED script.
func (d *Driver) Resume(ctx context.Context, info *scriptinfo.ScriptInfo) error {
	if err := d.bus.SendCommand(ctx, info.Index(), wire.ResumeCommand{}); err != nil {
		return fmt.Errorf("lifecycle: send resume: %w", err)
	}
	return nil
}

// Stop runs the cooperative-then-forceful stop protocol: if the script is
// RUNNING, send stop and wait briefly for it to reach STOPPED; otherwise
// (or on timeout) fall through to Terminate.
func (d *Driver) Stop(ctx context.Context, info *scriptinfo.ScriptInfo) error {
	if info.ProcessDone() {
		return nil
	}

	if info.ScriptState() == wire.ScriptStateRunning {
		sendCtx, cancel := context.WithTimeout(ctx, d.stopCooperativeTimeout)
		err := d.bus.SendCommand(sendCtx, info.Index(), wire.StopCommand{})
		cancel()

		if err == nil {
			waitCtx, waitCancel := context.WithTimeout(ctx, d.stopWaitTimeout)
			waitErr := info.WaitForScriptState(waitCtx, wire.ScriptStateStopped)
			waitCancel()
			if waitErr == nil {
				return nil
			}
			d.logger.Warn("cooperative stop did not complete in time, escalating", "index", info.Index(), "error", waitErr)
		} else {
			d.logger.Warn("stop command send failed, escalating", "index", info.Index(), "error", err)
		}
	}

	_, err := d.Terminate(info)
	return err
}

// Terminate sends SIGTERM directly, bypassing the cooperative protocol.
// It reports whether a live process was actually signaled.
func (d *Driver) Terminate(info *scriptinfo.ScriptInfo) (bool, error) {
	h := info.Handle()
	if h == nil {
		return false, nil
	}
	handle, ok := h.(*ChildHandle)
	if !ok {
		return false, fmt.Errorf("lifecycle: unexpected handle type %T", h)
	}
	handle.mu.Lock()
	done := handle.done
	handle.mu.Unlock()
	if done {
		return false, nil
	}
	if err := handle.Terminate(); err != nil {
		return false, fmt.Errorf("lifecycle: terminate: %w", err)
	}
	return true, nil
}
