package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustinkirkland/golang-petname"

	"scriptqueue/internal/logging"
	"scriptqueue/internal/queuemodel"
	"scriptqueue/internal/scriptinfo"
	"scriptqueue/internal/wire"
)

// shell is an interactive operator console attached to an already-running
// QueueModel. It is a client of the scheduler, not its owner: it never
// starts or stops the queue model, demux, or bus — those are wired up by
// main before the shell starts, and torn down after it exits.
type shell struct {
	qm      *queuemodel.QueueModel
	filters *logging.ComponentFilterHandler

	in  *bufio.Scanner
	out io.Writer
}

func newShell(qm *queuemodel.QueueModel, filters *logging.ComponentFilterHandler, in io.Reader, out io.Writer) *shell {
	return &shell{qm: qm, filters: filters, in: bufio.NewScanner(in), out: out}
}

// Run starts the shell loop. It blocks until the user exits or stdin
// closes. Canceling ctx prints a shutdown notice and makes Run return
// when the next input line arrives, without executing it; a read already
// waiting on stdin is not interrupted.
func (s *shell) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.printf("\nshutting down...\n")
		close(done)
	}()

	s.printf("queuectl shell. Type 'help' for commands.\n> ")
	for s.in.Scan() {
		select {
		case <-done:
			return nil
		default:
		}

		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			s.printf("> ")
			continue
		}
		if exit := s.execute(ctx, line); exit {
			return nil
		}
		s.printf("> ")
	}
	return s.in.Err()
}

func (s *shell) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		s.cmdHelp()
	case "status":
		s.cmdStatus()
	case "add":
		s.cmdAdd(ctx, args)
	case "move":
		s.cmdMove(ctx, args)
	case "requeue":
		s.cmdRequeue(ctx, args)
	case "pop":
		s.cmdPop(ctx, args)
	case "pause":
		s.cmdSetCheckpoints(ctx, args)
	case "resume":
		s.cmdResume(ctx, args)
	case "stop":
		s.cmdStop(ctx, args, false)
	case "terminate":
		s.cmdStop(ctx, args, true)
	case "enable":
		s.qm.SetEnabled(true)
	case "disable":
		s.qm.SetEnabled(false)
	case "run":
		s.qm.SetRunning(true)
	case "halt":
		s.qm.SetRunning(false)
	case "log-level":
		s.cmdLogLevel(args)
	case "exit", "quit":
		return true
	default:
		s.printf("Unknown command: %s. Type 'help' for commands.\n", cmd)
	}
	return false
}

func (s *shell) cmdHelp() {
	s.printf(`Commands:
  status                                    Show current/queue/history
  add <standard|external> <path> [descr]    Enqueue a script, last in queue
  move <index> <first|last|before|after> [ref]
  requeue <index> [first|last|before|after] [ref]
  pop <index>                               Remove a queued script
  pause <index> <pauseRegex> [stopRegex]    Install checkpoint regexes
  resume <index>                            Resume a paused script
  stop <index>                              Cooperative stop
  terminate <index>                         Forceful stop
  enable / disable                          Toggle queue admission
  run / halt                                Toggle queue advancement
  log-level <component> <level>             Runtime log verbosity
  exit                                      Leave the shell
`)
}

func (s *shell) cmdStatus() {
	snap := s.qm.Snapshot()
	s.printf("enabled=%v running=%v depth=%d\n", snap.Enabled, snap.Running, len(snap.Queue))
	if snap.Current != nil {
		s.printf("current: %s\n", describeSnapshot(*snap.Current))
	} else {
		s.printf("current: (none)\n")
	}
	for _, q := range snap.Queue {
		s.printf("queued:  %s\n", describeSnapshot(q))
	}
	for _, h := range snap.History {
		s.printf("history: %s\n", describeSnapshot(h))
	}
}

func (s *shell) cmdAdd(ctx context.Context, args []string) {
	if len(args) < 2 {
		s.printf("usage: add <standard|external> <path> [descr]\n")
		return
	}
	isStandard := args[0] == "standard"
	path := args[1]
	descr := strings.Join(args[2:], " ")
	if descr == "" {
		descr = petname.Generate(2, "-")
	}
	index, err := s.qm.Add(ctx, 0, isStandard, path, "", descr, wire.LocationLast, 0)
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}
	s.printf("enqueued index %d (%s)\n", index, descr)
}

func (s *shell) cmdMove(ctx context.Context, args []string) {
	index, loc, ref, ok := s.parseLocArgs(args, "move")
	if !ok {
		return
	}
	if err := s.qm.Move(ctx, index, loc, ref); err != nil {
		s.printf("error: %v\n", err)
	}
}

func (s *shell) cmdRequeue(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.printf("usage: requeue <index> [first|last|before|after] [ref]\n")
		return
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		s.printf("error: bad index %q\n", args[0])
		return
	}
	loc, ref := wire.LocationLast, 0
	if len(args) > 1 {
		var ok bool
		loc, ok = parseLocation(args[1])
		if !ok {
			s.printf("error: unknown location %q\n", args[1])
			return
		}
	}
	if len(args) > 2 {
		ref, err = strconv.Atoi(args[2])
		if err != nil {
			s.printf("error: bad ref index %q\n", args[2])
			return
		}
	}
	newIndex, err := s.qm.Requeue(ctx, index, 0, loc, ref)
	if err != nil {
		s.printf("error: %v\n", err)
		return
	}
	s.printf("requeued as index %d\n", newIndex)
}

func (s *shell) cmdPop(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.printf("usage: pop <index>\n")
		return
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		s.printf("error: bad index %q\n", args[0])
		return
	}
	if _, err := s.qm.Pop(ctx, index); err != nil {
		s.printf("error: %v\n", err)
	}
}

func (s *shell) cmdSetCheckpoints(ctx context.Context, args []string) {
	if len(args) < 2 {
		s.printf("usage: pause <index> <pauseRegex> [stopRegex]\n")
		return
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		s.printf("error: bad index %q\n", args[0])
		return
	}
	stopRegex := ""
	if len(args) > 2 {
		stopRegex = args[2]
	}
	if err := s.qm.SetCheckpoints(ctx, index, args[1], stopRegex); err != nil {
		s.printf("error: %v\n", err)
	}
}

func (s *shell) cmdResume(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.printf("usage: resume <index>\n")
		return
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		s.printf("error: bad index %q\n", args[0])
		return
	}
	if err := s.qm.Resume(ctx, index); err != nil {
		s.printf("error: %v\n", err)
	}
}

func (s *shell) cmdStop(ctx context.Context, args []string, terminate bool) {
	if len(args) < 1 {
		s.printf("usage: stop|terminate <index> [index ...]\n")
		return
	}
	indices := make([]int, 0, len(args))
	for _, a := range args {
		idx, err := strconv.Atoi(a)
		if err != nil {
			s.printf("error: bad index %q\n", a)
			return
		}
		indices = append(indices, idx)
	}
	s.qm.StopScripts(ctx, indices, terminate)
}

func (s *shell) cmdLogLevel(args []string) {
	if len(args) < 2 {
		s.printf("usage: log-level <component> <debug|info|warn|error>\n")
		return
	}
	level, ok := parseLevel(args[1])
	if !ok {
		s.printf("error: unknown level %q\n", args[1])
		return
	}
	s.filters.SetLevel(args[0], level)
	s.printf("%s now logs at %s\n", args[0], level)
}

func (s *shell) parseLocArgs(args []string, usage string) (index int, loc wire.Location, ref int, ok bool) {
	if len(args) < 2 {
		s.printf("usage: %s <index> <first|last|before|after> [ref]\n", usage)
		return 0, 0, 0, false
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		s.printf("error: bad index %q\n", args[0])
		return 0, 0, 0, false
	}
	loc, ok = parseLocation(args[1])
	if !ok {
		s.printf("error: unknown location %q\n", args[1])
		return 0, 0, 0, false
	}
	if len(args) > 2 {
		ref, err = strconv.Atoi(args[2])
		if err != nil {
			s.printf("error: bad ref index %q\n", args[2])
			return 0, 0, 0, false
		}
	}
	return index, loc, ref, true
}

func parseLocation(s string) (wire.Location, bool) {
	switch strings.ToLower(s) {
	case "first":
		return wire.LocationFirst, true
	case "last":
		return wire.LocationLast, true
	case "before":
		return wire.LocationBefore, true
	case "after":
		return wire.LocationAfter, true
	default:
		return 0, false
	}
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func describeSnapshot(info scriptinfo.Snapshot) string {
	return fmt.Sprintf("[%d] %s state=%s proc=%s descr=%q", info.Index, info.Path, info.ScriptState, info.ProcessState, info.Descr)
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}
