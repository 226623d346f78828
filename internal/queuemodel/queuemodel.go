// Package queuemodel implements the single-writer scheduler: the pending
// / current / historical script lists, the update step that advances
// them, and the group-id pre-staging protocol. All mutation of queue
// state runs on one actor goroutine; the public methods are synchronous
// request/response calls into that goroutine, so two concurrent public
// operations never interleave their effects.
package queuemodel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"scriptqueue/internal/lifecycle"
	"scriptqueue/internal/logging"
	"scriptqueue/internal/salindex"
	"scriptqueue/internal/scriptinfo"
	"scriptqueue/internal/scriptpath"
	"scriptqueue/internal/taiclock"
	"scriptqueue/internal/wire"
)

// MaxHistory bounds the history ring buffer.
const MaxHistory = 400

const (
	runCommandTimeout     = 5 * time.Second
	groupIDCommandTimeout = 5 * time.Second
)

// Errors returned by the public operations below. All are UserError-class:
// expected, caused by bad input, and safe to surface to an operator
// verbatim.
var (
	ErrUnknownLocation = errors.New("queuemodel: unknown location")
	ErrRefNotQueued    = errors.New("queuemodel: reference script is not in the queue")
	ErrNotQueued       = errors.New("queuemodel: script is not in the queue")
	ErrSourceNotFound  = errors.New("queuemodel: source script not found")
	ErrClosed          = errors.New("queuemodel: closed")
)

// Callbacks are the scheduler's external notification surface (consumed
// by surrounding layers — the operator CLI, a future SAL bridge). All
// four must tolerate panics: QueueModel recovers and logs rather than let
// one bad callback wedge the actor.
type Callbacks interface {
	// OnScript fires on any observable ScriptInfo change.
	OnScript(info scriptinfo.Snapshot)
	// OnNextVisit fires just after a group-id is assigned.
	OnNextVisit(info scriptinfo.Snapshot)
	// OnNextVisitCanceled fires just before an assigned group-id is cleared.
	OnNextVisitCanceled(info scriptinfo.Snapshot)
	// OnQueueChange fires after a structural scheduler change (queue
	// membership, current, history, enabled, or running).
	OnQueueChange()
}

// Snapshot is a read-consistent, lock-free view of the scheduler,
// refreshed after every actor step. Readers (the CLI, housekeep) call
// QueueModel.Snapshot and never block the actor.
type Snapshot struct {
	Enabled bool
	Running bool
	Current *scriptinfo.Snapshot
	Queue   []scriptinfo.Snapshot
	History []scriptinfo.Snapshot
}

// state is the actor's private data; only the run-loop goroutine ever
// touches it.
type state struct {
	queue               []*scriptinfo.ScriptInfo
	current             *scriptinfo.ScriptInfo
	history             []*scriptinfo.ScriptInfo
	enabled             bool
	running             bool
	scriptsBeingStopped map[int]bool
}

// Options configures a QueueModel.
type Options struct {
	Driver         *lifecycle.Driver
	Roots          scriptpath.Roots
	Allocator      *salindex.Allocator
	Callbacks      Callbacks
	Logger         *slog.Logger
	PauseOnFailure bool
	// Clock supplies the instant stamped into group-ids; nil uses
	// taiclock.Now.
	Clock taiclock.Clock
}

// QueueModel is the scheduler. Construct with New, stop with Close.
type QueueModel struct {
	driver         *lifecycle.Driver
	roots          scriptpath.Roots
	alloc          *salindex.Allocator
	cb             Callbacks
	logger         *slog.Logger
	pauseOnFailure bool
	clock          taiclock.Clock

	cmds chan func(*state, *changeSet)
	done chan struct{}

	published atomic.Pointer[Snapshot]
	registry  atomic.Pointer[map[int]*scriptinfo.ScriptInfo]
}

// New constructs a QueueModel and starts its actor goroutine.
func New(opt Options) *QueueModel {
	qm := &QueueModel{
		driver:         opt.Driver,
		roots:          opt.Roots,
		alloc:          opt.Allocator,
		cb:             opt.Callbacks,
		logger:         logging.Default(opt.Logger).With("component", "queuemodel"),
		pauseOnFailure: opt.PauseOnFailure,
		clock:          opt.Clock,
		cmds:           make(chan func(*state, *changeSet), 256),
		done:           make(chan struct{}),
	}
	go qm.run()
	return qm
}

// Close stops the actor goroutine. Pending operations already admitted
// complete first; no new ones may be submitted afterward.
func (qm *QueueModel) Close() {
	close(qm.cmds)
	<-qm.done
}

func (qm *QueueModel) run() {
	defer close(qm.done)
	st := &state{scriptsBeingStopped: make(map[int]bool)}
	qm.publish(st, nil)
	for fn := range qm.cmds {
		changed := &changeSet{}
		fn(st, changed)
		qm.updateQueue(st, changed)
		qm.publish(st, changed)
	}
}

// changeSet accumulates what changed during one actor step, so the
// queue_callback fires at most once per step and only when warranted.
type changeSet struct {
	queueChanged bool
}

func (c *changeSet) markQueueChanged() {
	if c != nil {
		c.queueChanged = true
	}
}

// submit enqueues fn to run on the actor goroutine and blocks until it
// has executed. Safe to call from any goroutine other than the actor's
// own, including goroutines a step spawns; called on the actor goroutine
// itself (for example from a callback run inside a step) it would wait
// on a step that can never start.
func (qm *QueueModel) submit(fn func(*state, *changeSet)) error {
	done := make(chan struct{})
	wrapped := func(st *state, changed *changeSet) {
		defer close(done)
		qm.safeCall(func() { fn(st, changed) })
	}
	select {
	case qm.cmds <- wrapped:
	default:
		// Buffer momentarily full; still need correctness, so fall back
		// to a blocking send rather than dropping the operation.
		qm.cmds <- wrapped
	}
	<-done
	return nil
}

func (qm *QueueModel) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			qm.logger.Error("recovered panic in queuemodel step", "panic", r)
		}
	}()
	fn()
}

func (qm *QueueModel) publish(st *state, changed *changeSet) {
	snap := &Snapshot{Enabled: st.enabled, Running: st.running}
	if st.current != nil {
		s := st.current.Snapshot()
		snap.Current = &s
	}
	for _, s := range st.queue {
		snap.Queue = append(snap.Queue, s.Snapshot())
	}
	for _, s := range st.history {
		snap.History = append(snap.History, s.Snapshot())
	}
	qm.published.Store(snap)

	reg := make(map[int]*scriptinfo.ScriptInfo, len(st.queue)+len(st.history)+1)
	for _, s := range st.history {
		reg[s.Index()] = s
	}
	for _, s := range st.queue {
		reg[s.Index()] = s
	}
	if st.current != nil {
		reg[st.current.Index()] = st.current
	}
	qm.registry.Store(&reg)

	if changed != nil && changed.queueChanged && qm.cb != nil {
		qm.safeCall(qm.cb.OnQueueChange)
	}
}

// Snapshot returns the current scheduler state without touching the
// actor goroutine.
func (qm *QueueModel) Snapshot() Snapshot {
	if s := qm.published.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Depth returns the number of scripts waiting behind the current one.
// Cheap, lock-free introspection for an operator dashboard or a
// near-full warning, reading the same published snapshot Snapshot does.
func (qm *QueueModel) Depth() int {
	if s := qm.published.Load(); s != nil {
		return len(s.Queue)
	}
	return 0
}

// Nudge forces the actor to re-run the update step and republish, without
// otherwise changing any state. housekeep calls this after finding a
// script that looks stuck, as a belt-and-suspenders prod alongside the
// lifecycle driver's own timeouts, which are expected to resolve the
// stall on their own in the common case.
func (qm *QueueModel) Nudge() error {
	return qm.submit(func(*state, *changeSet) {})
}

// Find returns the live ScriptInfo for index (current, queued, or
// historical), or nil if unknown. Implements demux.Registry. Safe to
// call from any goroutine without touching the actor.
func (qm *QueueModel) Find(index int) *scriptinfo.ScriptInfo {
	if reg := qm.registry.Load(); reg != nil {
		return (*reg)[index]
	}
	return nil
}

// OnChange implements scriptinfo.Callbacks. Every ScriptInfo the queue
// model constructs is wired to call back here.
func (qm *QueueModel) OnChange(info *scriptinfo.ScriptInfo) {
	_ = qm.submit(func(*state, *changeSet) {
		if qm.cb != nil {
			qm.safeCall(func() { qm.cb.OnScript(info.Snapshot()) })
		}
	})
}

// OnNextVisit implements scriptinfo.Callbacks.
func (qm *QueueModel) OnNextVisit(info *scriptinfo.ScriptInfo) {
	_ = qm.submit(func(*state, *changeSet) {
		if qm.cb != nil {
			qm.safeCall(func() { qm.cb.OnNextVisit(info.Snapshot()) })
		}
	})
}

// OnNextVisitCanceled implements scriptinfo.Callbacks.
func (qm *QueueModel) OnNextVisitCanceled(info *scriptinfo.ScriptInfo) {
	_ = qm.submit(func(*state, *changeSet) {
		if qm.cb != nil {
			qm.safeCall(func() { qm.cb.OnNextVisitCanceled(info.Snapshot()) })
		}
	})
}

// Add resolves path under the chosen root, constructs a fresh ScriptInfo,
// inserts it at loc, and starts loading it. Returns the new SAL index.
func (qm *QueueModel) Add(ctx context.Context, seqNum int64, isStandard bool, path, config, descr string, loc wire.Location, refIndex int) (int, error) {
	resolved, err := scriptpath.Resolve(qm.roots, isStandard, path)
	if err != nil {
		return 0, err
	}

	type result struct {
		idx int
		err error
	}
	resCh := make(chan result, 1)

	err = qm.submit(func(st *state, changed *changeSet) {
		idx, err := qm.addLocked(st, seqNum, isStandard, path, config, descr, loc, refIndex)
		if err == nil {
			changed.markQueueChanged()
			info := findIndex(st.queue, idx)
			if info != nil {
				go qm.handleLoad(info, resolved)
			}
		}
		resCh <- result{idx, err}
	})
	if err != nil {
		return 0, err
	}

	select {
	case r := <-resCh:
		return r.idx, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (qm *QueueModel) addLocked(st *state, seqNum int64, isStandard bool, path, config, descr string, loc wire.Location, refIndex int) (int, error) {
	idx, err := qm.alloc.Next(func(i int) bool { return qm.isLiveLocked(st, i) })
	if err != nil {
		return 0, err
	}
	info := scriptinfo.New(idx, seqNum, isStandard, path, config, descr, qm, nil)

	newQueue, err := insertAt(st.queue, info, loc, refIndex)
	if err != nil {
		return 0, err
	}
	st.queue = newQueue
	return idx, nil
}

func (qm *QueueModel) isLiveLocked(st *state, index int) bool {
	if st.current != nil && st.current.Index() == index {
		return true
	}
	return findIndex(st.queue, index) != nil
}

// handleLoad runs the spawn/configure sequence in the background and
// feeds the result back through the update step (ScriptInfo's own
// callbacks do the re-evaluation; nothing further to submit here).
func (qm *QueueModel) handleLoad(info *scriptinfo.ScriptInfo, fullPath string) {
	if err := qm.driver.StartLoading(context.Background(), info, fullPath); err != nil {
		qm.logger.Warn("script failed to load", "index", info.Index(), "error", err)
	}
}

// Move repositions index within the queue.
func (qm *QueueModel) Move(ctx context.Context, index int, loc wire.Location, refIndex int) error {
	errCh := make(chan error, 1)
	err := qm.submit(func(st *state, changed *changeSet) {
		e := qm.moveLocked(st, index, loc, refIndex)
		if e == nil {
			changed.markQueueChanged()
		}
		errCh <- e
	})
	if err != nil {
		return err
	}
	select {
	case e := <-errCh:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (qm *QueueModel) moveLocked(st *state, index int, loc wire.Location, refIndex int) error {
	idx := indexOfIndex(st.queue, index)
	if idx < 0 {
		return ErrNotQueued
	}
	if (loc == wire.LocationBefore || loc == wire.LocationAfter) && refIndex == index {
		return nil
	}

	info := st.queue[idx]
	rest := make([]*scriptinfo.ScriptInfo, 0, len(st.queue)-1)
	rest = append(rest, st.queue[:idx]...)
	rest = append(rest, st.queue[idx+1:]...)

	newQueue, err := insertAt(rest, info, loc, refIndex)
	if err != nil {
		return err
	}
	st.queue = newQueue
	return nil
}

// Requeue copies (is_standard, path, config, descr) from an existing
// script (found in queue, current, or history) into a fresh ScriptInfo
// with a new index, enqueued at loc and immediately loaded.
func (qm *QueueModel) Requeue(ctx context.Context, sourceIndex int, seqNum int64, loc wire.Location, refIndex int) (int, error) {
	type result struct {
		idx int
		err error
	}
	resCh := make(chan result, 1)

	err := qm.submit(func(st *state, changed *changeSet) {
		src := qm.findAnywhereLocked(st, sourceIndex)
		if src == nil {
			resCh <- result{0, ErrSourceNotFound}
			return
		}
		srcSnap := src.Snapshot()
		idx, err := qm.addLocked(st, seqNum, srcSnap.IsStandard, srcSnap.Path, srcSnap.Config, srcSnap.Descr, loc, refIndex)
		if err == nil {
			changed.markQueueChanged()
			info := findIndex(st.queue, idx)
			if info != nil {
				fullPath, resolveErr := scriptpath.Resolve(qm.roots, srcSnap.IsStandard, srcSnap.Path)
				if resolveErr != nil {
					err = resolveErr
				} else {
					go qm.handleLoad(info, fullPath)
				}
			}
		}
		resCh <- result{idx, err}
	})
	if err != nil {
		return 0, err
	}

	select {
	case r := <-resCh:
		return r.idx, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (qm *QueueModel) findAnywhereLocked(st *state, index int) *scriptinfo.ScriptInfo {
	if st.current != nil && st.current.Index() == index {
		return st.current
	}
	if info := findIndex(st.queue, index); info != nil {
		return info
	}
	return findIndex(st.history, index)
}

// Pop removes and returns the ScriptInfo at index from the queue.
func (qm *QueueModel) Pop(ctx context.Context, index int) (*scriptinfo.ScriptInfo, error) {
	type result struct {
		info *scriptinfo.ScriptInfo
		err  error
	}
	resCh := make(chan result, 1)

	err := qm.submit(func(st *state, changed *changeSet) {
		idx := indexOfIndex(st.queue, index)
		if idx < 0 {
			resCh <- result{nil, ErrNotQueued}
			return
		}
		info := st.queue[idx]
		st.queue = append(st.queue[:idx], st.queue[idx+1:]...)
		changed.markQueueChanged()
		resCh <- result{info, nil}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-resCh:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopScripts stops or terminates every listed index that's still live
// (current or queued), silently ignoring unknown indices.
func (qm *QueueModel) StopScripts(ctx context.Context, indices []int, terminate bool) {
	_ = qm.submit(func(st *state, changed *changeSet) {
		for _, idx := range indices {
			info := qm.findAnywhereLocked(st, idx)
			if info == nil || info.ProcessDone() {
				continue
			}
			if st.scriptsBeingStopped[idx] {
				continue
			}
			st.scriptsBeingStopped[idx] = true
			go qm.doStop(info, terminate)
		}
	})
}

func (qm *QueueModel) doStop(info *scriptinfo.ScriptInfo, terminate bool) {
	defer func() {
		_ = qm.submit(func(st *state, _ *changeSet) {
			delete(st.scriptsBeingStopped, info.Index())
		})
	}()

	if terminate {
		if _, err := qm.driver.Terminate(info); err != nil {
			qm.logger.Warn("terminate failed", "index", info.Index(), "error", err)
		}
		return
	}
	if err := qm.driver.Stop(context.Background(), info); err != nil {
		qm.logger.Warn("stop failed", "index", info.Index(), "error", err)
	}
}

// SetEnabled flips the enabled gate. The queue only advances while both
// enabled and running are true.
func (qm *QueueModel) SetEnabled(enabled bool) {
	_ = qm.submit(func(st *state, changed *changeSet) {
		if st.enabled != enabled {
			st.enabled = enabled
			changed.markQueueChanged()
		}
	})
}

// SetRunning flips the running gate. Setting it true after a
// pause-on-failure re-runs the reap step with pause_on_failure
// effectively disabled for that one script, advancing the queue past it.
func (qm *QueueModel) SetRunning(running bool) {
	_ = qm.submit(func(st *state, changed *changeSet) {
		if st.running != running {
			st.running = running
			changed.markQueueChanged()
		}
		if running && st.current != nil && st.current.ProcessDone() {
			st.history = prependHistory(st.history, st.current)
			st.current = nil
			changed.markQueueChanged()
		}
	})
}

// SetCheckpoints installs pause/stop checkpoint regexes on a live script.
func (qm *QueueModel) SetCheckpoints(ctx context.Context, index int, pauseRegex, stopRegex string) error {
	errCh := make(chan error, 1)
	err := qm.submit(func(st *state, changed *changeSet) {
		info := qm.findAnywhereLocked(st, index)
		if info == nil {
			errCh <- ErrNotQueued
			return
		}
		errCh <- nil
		go func() {
			if err := qm.driver.SetCheckpoints(context.Background(), info, pauseRegex, stopRegex); err != nil {
				qm.logger.Warn("setCheckpoints failed", "index", index, "error", err)
			}
		}()
	})
	if err != nil {
		return err
	}
	select {
	case e := <-errCh:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume unblocks a PAUSED script.
func (qm *QueueModel) Resume(ctx context.Context, index int) error {
	errCh := make(chan error, 1)
	err := qm.submit(func(st *state, changed *changeSet) {
		info := qm.findAnywhereLocked(st, index)
		if info == nil {
			errCh <- ErrNotQueued
			return
		}
		errCh <- nil
		go func() {
			if err := qm.driver.Resume(context.Background(), info); err != nil {
				qm.logger.Warn("resume failed", "index", index, "error", err)
			}
		}()
	})
	if err != nil {
		return err
	}
	select {
	case e := <-errCh:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateQueue is the heart of the scheduler: reap, gate, skim, promote,
// stage. Invoked by run() after every submitted step.
func (qm *QueueModel) updateQueue(st *state, changed *changeSet) {
	// Step 1: reap current.
	if st.current != nil && st.current.ProcessDone() {
		if st.current.Failed() && (qm.pauseOnFailure || !st.running) {
			st.running = false
			changed.markQueueChanged()
		} else {
			st.history = prependHistory(st.history, st.current)
			st.current = nil
			changed.markQueueChanged()
		}
	}

	// Step 2: gate.
	if !(st.enabled && st.running) {
		return
	}

	// Step 3: skim queue front.
	for len(st.queue) > 0 {
		front := st.queue[0]
		snap := front.Snapshot()
		if front.ProcessDone() || snap.ProcessState == wire.ProcessStateTerminated {
			st.queue = st.queue[1:]
			st.history = prependHistory(st.history, front)
			changed.markQueueChanged()
			continue
		}
		break
	}

	// Step 4: promote.
	if st.current == nil && len(st.queue) > 0 {
		front := st.queue[0]
		if front.Runnable() && !st.scriptsBeingStopped[front.Index()] {
			st.queue = st.queue[1:]
			st.current = front
			changed.markQueueChanged()
			go qm.dispatchRun(front)
		}
	}

	// Step 5: staging loop — the new front gets a group-id, everyone
	// else loses theirs.
	if len(st.queue) > 0 {
		newFront := st.queue[0]
		if newFront.NeedsGroupID() {
			go qm.assignGroupID(newFront)
		}
		for _, s := range st.queue[1:] {
			snap := s.Snapshot()
			if snap.GroupID != "" || snap.SettingGroupID {
				go qm.unassignGroupID(s)
			}
		}
	}
}

func (qm *QueueModel) dispatchRun(info *scriptinfo.ScriptInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), runCommandTimeout)
	defer cancel()
	if err := qm.driver.Run(ctx, info); err != nil {
		qm.logger.Warn("run command failed", "index", info.Index(), "error", err)
		info.MarkExited(1, fmt.Sprintf("run command failed: %v", err))
	}
}

func (qm *QueueModel) assignGroupID(info *scriptinfo.ScriptInfo) {
	gid := taiclock.NextGroupID(qm.clock)
	ctx, cancel := context.WithTimeout(context.Background(), groupIDCommandTimeout)
	defer cancel()
	if err := qm.driver.SetGroupID(ctx, info, gid); err != nil {
		qm.logger.Warn("setGroupId failed", "index", info.Index(), "error", err)
	}
}

func (qm *QueueModel) unassignGroupID(info *scriptinfo.ScriptInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), groupIDCommandTimeout)
	defer cancel()
	qm.driver.ClearGroupID(ctx, info, false)
}

func prependHistory(h []*scriptinfo.ScriptInfo, s *scriptinfo.ScriptInfo) []*scriptinfo.ScriptInfo {
	h = append([]*scriptinfo.ScriptInfo{s}, h...)
	if len(h) > MaxHistory {
		h = h[:MaxHistory]
	}
	return h
}

func insertAt(queue []*scriptinfo.ScriptInfo, info *scriptinfo.ScriptInfo, loc wire.Location, refIndex int) ([]*scriptinfo.ScriptInfo, error) {
	switch loc {
	case wire.LocationFirst:
		out := make([]*scriptinfo.ScriptInfo, 0, len(queue)+1)
		out = append(out, info)
		return append(out, queue...), nil
	case wire.LocationLast:
		return append(queue, info), nil
	case wire.LocationBefore, wire.LocationAfter:
		pos := indexOfIndex(queue, refIndex)
		if pos < 0 {
			return nil, ErrRefNotQueued
		}
		if loc == wire.LocationAfter {
			pos++
		}
		out := make([]*scriptinfo.ScriptInfo, 0, len(queue)+1)
		out = append(out, queue[:pos]...)
		out = append(out, info)
		out = append(out, queue[pos:]...)
		return out, nil
	default:
		return nil, ErrUnknownLocation
	}
}

func indexOfIndex(queue []*scriptinfo.ScriptInfo, index int) int {
	for i, s := range queue {
		if s.Index() == index {
			return i
		}
	}
	return -1
}

func findIndex(list []*scriptinfo.ScriptInfo, index int) *scriptinfo.ScriptInfo {
	if i := indexOfIndex(list, index); i >= 0 {
		return list[i]
	}
	return nil
}
