// Package housekeep runs a periodic sweep over the queue looking for
// scripts stuck mid-transition — waiting on a group-id assignment longer
// than expected. It is not part of the queue engine: the lifecycle
// driver already enforces its own load timeout and the group-id round
// trip has its own command timeout, so in the steady state this sweep
// finds nothing and logs nothing. It exists as a second line of defense
// and an operator-visible signal for when the primary timeouts somehow
// don't fire (a hung bus, a dropped timer).
package housekeep

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"scriptqueue/internal/logging"
	"scriptqueue/internal/queuemodel"
	"scriptqueue/internal/scriptinfo"
	"scriptqueue/internal/wire"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = 30 * time.Second

// DefaultStuckThreshold is how long a script may sit needing a group-id
// before the sweep flags it as stuck.
const DefaultStuckThreshold = 2 * time.Minute

// Options configures a Sweeper.
type Options struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	Logger         *slog.Logger
	// Now overrides the clock used to judge staleness. Defaults to
	// time.Now.
	Now func() time.Time
}

// Sweeper periodically scans a QueueModel's published snapshot for
// stalled entries.
type Sweeper struct {
	qm             *queuemodel.QueueModel
	stuckThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time

	scheduler gocron.Scheduler
}

// New creates a Sweeper. It does not start the periodic job; call Start.
func New(qm *queuemodel.QueueModel, opt Options) (*Sweeper, error) {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.StuckThreshold <= 0 {
		opt.StuckThreshold = DefaultStuckThreshold
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("housekeep: create scheduler: %w", err)
	}

	s := &Sweeper{
		qm:             qm,
		stuckThreshold: opt.StuckThreshold,
		logger:         logging.Default(opt.Logger).With("component", "housekeep"),
		now:            opt.Now,
		scheduler:      scheduler,
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(opt.Interval),
		gocron.NewTask(s.sweep),
		gocron.WithName("queue-stall-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("housekeep: register sweep job: %w", err)
	}
	return s, nil
}

// Start begins running the periodic sweep.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// sweep is the gocron task body. It never returns an error: a sweep that
// can't make sense of the current snapshot just logs and waits for the
// next tick.
func (s *Sweeper) sweep() {
	snap := s.qm.Snapshot()
	stuck := 0

	if s.checkStuck(snap.Current) {
		stuck++
	}
	for i := range snap.Queue {
		if s.checkStuck(&snap.Queue[i]) {
			stuck++
		}
	}

	if stuck > 0 {
		if err := s.qm.Nudge(); err != nil {
			s.logger.Warn("failed to nudge queue after finding stuck scripts", "error", err)
		}
	}
}

// checkStuck reports whether info has been waiting on a group-id
// assignment longer than the configured threshold, logging a warning if
// so. There is no dedicated "group-id requested at" timestamp on
// Snapshot, so the CONFIGURED timestamp — the earliest a script can ever
// need one — is used as the staleness baseline; this makes the sweep
// slightly conservative (it may warn a little later than the true
// request time) rather than risk false positives.
func (s *Sweeper) checkStuck(info *scriptinfo.Snapshot) bool {
	if info == nil || !info.SettingGroupID {
		return false
	}
	configuredAt := info.Timestamps[wire.ScriptStateConfigured]
	if configuredAt.IsZero() {
		return false
	}
	waited := s.now().Sub(configuredAt)
	if waited < s.stuckThreshold {
		return false
	}
	s.logger.Warn("script appears stuck waiting on a group-id assignment",
		"index", info.Index, "waiting", waited.Round(time.Second))
	return true
}
