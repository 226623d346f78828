package basescript

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// ErrStopped is the sentinel Runner.Checkpoint's returned error wraps when
// a checkpoint name matches the installed stop regex; a well-behaved
// Execute should return it (or the wrapped form it was given) promptly.
// Use errors.Is(err, ErrStopped) to detect it and errors.As to recover the
// checkpoint name that triggered it.
var ErrStopped = fmt.Errorf("basescript: stopped at checkpoint")

// StoppedError wraps ErrStopped with the checkpoint name that triggered
// it, so the caller driving Execute can report the stop's last checkpoint
// instead of losing the name behind the bare sentinel.
type StoppedError struct {
	Checkpoint string
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("%s %q", ErrStopped, e.Checkpoint)
}

func (e *StoppedError) Unwrap() error { return ErrStopped }

// Runner is passed to Script.Execute. Scripts call Checkpoint between
// logical phases of their work to let the parent pause or stop them at a
// well-defined point, matching the checkpoint names declared in their own
// configuration or code against the orchestrator's current pause/stop
// regexes.
type Runner struct {
	mu         sync.Mutex
	pauseRegex *regexp.Regexp
	stopRegex  *regexp.Regexp
	resumeCh   chan struct{}

	// onPause and onResume let the owning runtime mirror a checkpoint
	// pause into the reported ScriptState without Runner knowing
	// anything about wire types. onCheckpoint reports every checkpoint
	// that is neither a pause nor a stop point, so LastCheckpoint keeps
	// advancing.
	onPause      func(checkpoint string)
	onResume     func()
	onCheckpoint func(checkpoint string)
}

func newRunner(onPause func(string), onResume func(), onCheckpoint func(string)) *Runner {
	return &Runner{resumeCh: make(chan struct{}), onPause: onPause, onResume: onResume, onCheckpoint: onCheckpoint}
}

// setCheckpoints installs new pause/stop regexes. Empty patterns match
// nothing, compiled to nil.
func (r *Runner) setCheckpoints(pauseRegex, stopRegex string) error {
	var pr, sr *regexp.Regexp
	if pauseRegex != "" {
		compiled, err := regexp.Compile(pauseRegex)
		if err != nil {
			return fmt.Errorf("basescript: pause regex: %w", err)
		}
		pr = compiled
	}
	if stopRegex != "" {
		compiled, err := regexp.Compile(stopRegex)
		if err != nil {
			return fmt.Errorf("basescript: stop regex: %w", err)
		}
		sr = compiled
	}
	r.mu.Lock()
	r.pauseRegex = pr
	r.stopRegex = sr
	r.mu.Unlock()
	return nil
}

func (r *Runner) matches(re *regexp.Regexp, name string) bool {
	if re == nil {
		return false
	}
	return re.MatchString(name) && re.FindString(name) == name
}

// resume unblocks a Checkpoint call currently paused, if any.
func (r *Runner) resume() {
	r.mu.Lock()
	ch := r.resumeCh
	r.resumeCh = make(chan struct{})
	r.mu.Unlock()
	close(ch)
}

// Checkpoint reports that the script has reached a named point in its
// work. If name fullmatches the stop regex, Checkpoint returns a
// *StoppedError naming it immediately. Otherwise, if name fullmatches the
// pause regex, Checkpoint blocks until a resume command arrives or ctx is
// canceled, then re-checks the stop regex once more before returning (a
// stop received while paused takes effect on resume rather than being
// silently dropped). Any other checkpoint name is neither a pause nor a
// stop point: it is published as the new last-checkpoint and Checkpoint
// returns immediately so Execute can carry on.
func (r *Runner) Checkpoint(ctx context.Context, name string) error {
	r.mu.Lock()
	stopRe, pauseRe := r.stopRegex, r.pauseRegex
	r.mu.Unlock()

	if r.matches(stopRe, name) {
		return &StoppedError{Checkpoint: name}
	}
	if !r.matches(pauseRe, name) {
		if r.onCheckpoint != nil {
			r.onCheckpoint(name)
		}
		return ctx.Err()
	}

	r.mu.Lock()
	ch := r.resumeCh
	r.mu.Unlock()

	if r.onPause != nil {
		r.onPause(name)
	}
	select {
	case <-ch:
	case <-ctx.Done():
		if r.onResume != nil {
			r.onResume()
		}
		return ctx.Err()
	}
	if r.onResume != nil {
		r.onResume()
	}

	r.mu.Lock()
	stopRe = r.stopRegex
	r.mu.Unlock()
	if r.matches(stopRe, name) {
		return &StoppedError{Checkpoint: name}
	}
	return ctx.Err()
}
